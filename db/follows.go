package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deemkeen/boardfed/domain"
	"github.com/google/uuid"
)

const (
	sqlFollowColumns = `id, follower_uri, followed_uri, activity_uri, state, is_local, created_at`

	// A repeated Follow for the same pair replaces the activity id so the
	// next Accept can be matched, and starts the handshake over.
	sqlUpsertFollow = `INSERT INTO follows(` + sqlFollowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(follower_uri, followed_uri) DO UPDATE SET
			activity_uri = excluded.activity_uri,
			state = excluded.state,
			is_local = excluded.is_local`
	sqlSelectFollow              = `SELECT ` + sqlFollowColumns + ` FROM follows WHERE follower_uri = ? AND followed_uri = ?`
	sqlSelectFollowByActivityURI = `SELECT ` + sqlFollowColumns + ` FROM follows WHERE activity_uri = ?`
	sqlSelectFollowersByState    = `SELECT ` + sqlFollowColumns + ` FROM follows WHERE followed_uri = ? AND state = ? ORDER BY created_at`
	sqlUpdateFollowState         = `UPDATE follows SET state = ? WHERE id = ?`
	sqlDeleteFollow              = `DELETE FROM follows WHERE follower_uri = ? AND followed_uri = ?`
	sqlDeleteFollowByActivityURI = `DELETE FROM follows WHERE activity_uri = ?`
	sqlDeleteFollowsByActor      = `DELETE FROM follows WHERE follower_uri = ? OR followed_uri = ?`
)

// UpsertFollow creates the edge or resets an existing one for the same pair.
// The stored row (with its original id) is written back into f.
func (db *DB) UpsertFollow(ctx context.Context, f *domain.Follow) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertFollow,
			f.Id.String(),
			f.FollowerURI,
			f.FollowedURI,
			f.ActivityURI,
			string(f.State),
			f.IsLocal,
			toMillis(f.CreatedAt),
		)
		if err != nil {
			return err
		}
		stored, err := scanFollow(tx.QueryRowContext(ctx, sqlSelectFollow, f.FollowerURI, f.FollowedURI))
		if err != nil {
			return err
		}
		*f = *stored
		return nil
	})
}

func (db *DB) ReadFollow(ctx context.Context, followerURI, followedURI string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow, followerURI, followedURI))
}

func (db *DB) ReadFollowByActivityURI(ctx context.Context, activityURI string) (*domain.Follow, error) {
	if activityURI == "" {
		return nil, ErrNotFound
	}
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByActivityURI, activityURI))
}

// ReadFollowers lists edges pointing at followedURI in the given state.
func (db *DB) ReadFollowers(ctx context.Context, followedURI string, state domain.FollowState) ([]domain.Follow, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowersByState, followedURI, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return nil, err
		}
		follows = append(follows, *f)
	}
	return follows, rows.Err()
}

func (db *DB) UpdateFollowState(ctx context.Context, id uuid.UUID, state domain.FollowState) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateFollowState, string(state), id.String())
		return affected(res, err, ErrNotFound)
	})
}

// DeleteFollow removes the edge for the pair. ErrNotFound when absent.
func (db *DB) DeleteFollow(ctx context.Context, followerURI, followedURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteFollow, followerURI, followedURI)
		return affected(res, err, ErrNotFound)
	})
}

func (db *DB) DeleteFollowByActivityURI(ctx context.Context, activityURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteFollowByActivityURI, activityURI)
		return affected(res, err, ErrNotFound)
	})
}

// DeleteFollowsByActor removes every edge in which actorURI is the follower
// or the followed actor, and returns how many were removed.
func (db *DB) DeleteFollowsByActor(ctx context.Context, actorURI string) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteFollowsByActor, actorURI, actorURI)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func scanFollow(row scanner) (*domain.Follow, error) {
	var (
		f         domain.Follow
		id, state string
		created   int64
	)
	err := row.Scan(&id, &f.FollowerURI, &f.FollowedURI, &f.ActivityURI, &state, &f.IsLocal, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("follow id: %w", err)
	}
	f.State = domain.FollowState(state)
	f.CreatedAt = fromMillis(created)
	return &f, nil
}
