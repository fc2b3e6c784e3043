package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deemkeen/boardfed/domain"
	"github.com/google/uuid"
)

// Remote actors
const (
	sqlRemoteActorColumns = `id, actor_uri, key_id, handle, display_name, domain, public_key_pem, inbox_uri, shared_inbox_uri, kind, fetched_at`

	sqlUpsertRemoteActor = `INSERT INTO remote_actors(` + sqlRemoteActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			key_id = excluded.key_id,
			handle = excluded.handle,
			display_name = excluded.display_name,
			domain = excluded.domain,
			public_key_pem = excluded.public_key_pem,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			kind = excluded.kind,
			fetched_at = excluded.fetched_at`
	sqlSelectRemoteActorByURI   = `SELECT ` + sqlRemoteActorColumns + ` FROM remote_actors WHERE actor_uri = ?`
	sqlSelectRemoteActorByKeyID = `SELECT ` + sqlRemoteActorColumns + ` FROM remote_actors WHERE key_id = ? ORDER BY fetched_at DESC LIMIT 1`
)

// Local actors
const (
	sqlLocalActorColumns = `id, username, actor_uri, kind, display_name, public_key_pem, private_key_pem, created_at`

	sqlInsertLocalActor           = `INSERT INTO local_actors(` + sqlLocalActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectLocalActorByUsername = `SELECT ` + sqlLocalActorColumns + ` FROM local_actors WHERE username = ?`
	sqlSelectLocalActorByURI      = `SELECT ` + sqlLocalActorColumns + ` FROM local_actors WHERE actor_uri = ?`
	sqlCountLocalActors           = `SELECT COUNT(*) FROM local_actors WHERE kind != 'Application'`
)

// UpsertRemoteActor stores a freshly fetched actor. An existing row keeps its
// id; every other column is replaced.
func (db *DB) UpsertRemoteActor(ctx context.Context, actor *domain.RemoteActor) error {
	if actor.Id == uuid.Nil {
		actor.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemoteActor,
			actor.Id.String(),
			actor.ActorURI,
			actor.KeyID,
			actor.Handle,
			actor.DisplayName,
			actor.Domain,
			actor.PublicKeyPem,
			actor.InboxURI,
			actor.SharedInboxURI,
			string(actor.Kind),
			toMillis(actor.FetchedAt),
		)
		return err
	})
}

func (db *DB) ReadRemoteActorByURI(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	return scanRemoteActor(db.db.QueryRowContext(ctx, sqlSelectRemoteActorByURI, actorURI))
}

func (db *DB) ReadRemoteActorByKeyID(ctx context.Context, keyID string) (*domain.RemoteActor, error) {
	return scanRemoteActor(db.db.QueryRowContext(ctx, sqlSelectRemoteActorByKeyID, keyID))
}

func scanRemoteActor(row scanner) (*domain.RemoteActor, error) {
	var (
		a        domain.RemoteActor
		id, kind string
		fetched  int64
	)
	err := row.Scan(&id, &a.ActorURI, &a.KeyID, &a.Handle, &a.DisplayName, &a.Domain,
		&a.PublicKeyPem, &a.InboxURI, &a.SharedInboxURI, &kind, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("remote actor id: %w", err)
	}
	a.Kind = domain.ActorKind(kind)
	a.FetchedAt = fromMillis(fetched)
	return &a, nil
}

// CreateLocalActor inserts a local identity. ErrDuplicate is returned when
// the username or actor URI is taken.
func (db *DB) CreateLocalActor(ctx context.Context, acc *domain.LocalActor) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertLocalActor,
			acc.Id.String(),
			acc.Username,
			acc.ActorURI,
			string(acc.Kind),
			acc.DisplayName,
			acc.PublicKeyPem,
			acc.PrivateKeyPem,
			toMillis(acc.CreatedAt),
		)
		return affected(res, err, ErrDuplicate)
	})
}

func (db *DB) ReadLocalActorByUsername(ctx context.Context, username string) (*domain.LocalActor, error) {
	return scanLocalActor(db.db.QueryRowContext(ctx, sqlSelectLocalActorByUsername, username))
}

func (db *DB) ReadLocalActorByURI(ctx context.Context, actorURI string) (*domain.LocalActor, error) {
	return scanLocalActor(db.db.QueryRowContext(ctx, sqlSelectLocalActorByURI, actorURI))
}

// CountLocalActors counts user accounts, excluding the instance actor.
func (db *DB) CountLocalActors(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountLocalActors).Scan(&n)
	return n, err
}

func scanLocalActor(row scanner) (*domain.LocalActor, error) {
	var (
		a        domain.LocalActor
		id, kind string
		created  int64
	)
	err := row.Scan(&id, &a.Username, &a.ActorURI, &kind, &a.DisplayName, &a.PublicKeyPem, &a.PrivateKeyPem, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("local actor id: %w", err)
	}
	a.Kind = domain.ActorKind(kind)
	a.CreatedAt = fromMillis(created)
	return &a, nil
}
