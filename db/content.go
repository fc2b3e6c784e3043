package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/boardfed/domain"
	"github.com/google/uuid"
)

const sqlContentColumns = `id, object_uri, activity_uri, attributed_to, type, name, content, in_reply_to, recipients, published, updated_at, deleted_at, created_at`

// ContentTable stores remote objects in one table. The same shape backs the
// public content store and the private message store.
type ContentTable struct {
	db    *DB
	table string
}

// Content returns the store for public remote posts.
func (db *DB) Content() *ContentTable {
	return &ContentTable{db: db, table: "remote_content"}
}

// PrivateMessages returns the store for privately addressed notes.
func (db *DB) PrivateMessages() *ContentTable {
	return &ContentTable{db: db, table: "private_messages"}
}

// Create inserts c. A repeated object or activity id yields ErrDuplicate and
// leaves the stored row untouched.
func (t *ContentTable) Create(ctx context.Context, c *domain.Content) error {
	if c.Id == uuid.Nil {
		c.Id = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Published.IsZero() {
		c.Published = c.CreatedAt
	}
	recipients, err := json.Marshal(nonNil(c.Recipients))
	if err != nil {
		return err
	}
	query := `INSERT INTO ` + t.table + `(` + sqlContentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	return t.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query,
			c.Id.String(),
			c.ObjectURI,
			c.ActivityURI,
			c.AttributedTo,
			c.Type,
			c.Name,
			c.Content,
			c.InReplyTo,
			string(recipients),
			toMillis(c.Published),
			nullMillis(c.UpdatedAt),
			nullMillis(c.DeletedAt),
			toMillis(c.CreatedAt),
		)
		return affected(res, err, ErrDuplicate)
	})
}

// Update replaces the body of an existing object owned by c.AttributedTo.
func (t *ContentTable) Update(ctx context.Context, c *domain.Content) error {
	now := time.Now()
	if c.UpdatedAt != nil {
		now = *c.UpdatedAt
	}
	query := `UPDATE ` + t.table + ` SET name = ?, content = ?, updated_at = ? WHERE object_uri = ? AND attributed_to = ? AND deleted_at IS NULL`
	return t.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, c.Name, c.Content, toMillis(now), c.ObjectURI, c.AttributedTo)
		if err := affected(res, err, ErrNotFound); !errors.Is(err, ErrNotFound) {
			return err
		}
		return t.ownership(ctx, tx, c.ObjectURI)
	})
}

// SoftDelete marks the object deleted when actorURI authored it.
func (t *ContentTable) SoftDelete(ctx context.Context, objectURI, actorURI string) error {
	query := `UPDATE ` + t.table + ` SET deleted_at = ? WHERE object_uri = ? AND attributed_to = ? AND deleted_at IS NULL`
	return t.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, toMillis(time.Now()), objectURI, actorURI)
		if err := affected(res, err, ErrNotFound); !errors.Is(err, ErrNotFound) {
			return err
		}
		return t.ownership(ctx, tx, objectURI)
	})
}

// SoftDeleteByAuthor marks every live object of actorURI deleted and returns
// how many changed.
func (t *ContentTable) SoftDeleteByAuthor(ctx context.Context, actorURI string) (int64, error) {
	query := `UPDATE ` + t.table + ` SET deleted_at = ? WHERE attributed_to = ? AND deleted_at IS NULL`
	var n int64
	err := t.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, toMillis(time.Now()), actorURI)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ownership explains a zero-row mutation: ErrNotAuthor when the object
// exists under another author, ErrNotFound otherwise.
func (t *ContentTable) ownership(ctx context.Context, tx *sql.Tx, objectURI string) error {
	var author string
	var deleted sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT attributed_to, deleted_at FROM `+t.table+` WHERE object_uri = ?`, objectURI).Scan(&author, &deleted)
	if errors.Is(err, sql.ErrNoRows) || deleted.Valid {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrNotAuthor
}

func (t *ContentTable) Read(ctx context.Context, objectURI string) (*domain.Content, error) {
	row := t.db.db.QueryRowContext(ctx, `SELECT `+sqlContentColumns+` FROM `+t.table+` WHERE object_uri = ?`, objectURI)
	return scanContent(row)
}

// CountByAuthor counts stored objects, deleted ones included.
func (t *ContentTable) CountByAuthor(ctx context.Context, actorURI string) (int, error) {
	var n int
	err := t.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.table+` WHERE attributed_to = ?`, actorURI).Scan(&n)
	return n, err
}

func scanContent(row scanner) (*domain.Content, error) {
	var (
		c                    domain.Content
		id, recipients       string
		published, created   int64
		updatedAt, deletedAt sql.NullInt64
	)
	err := row.Scan(&id, &c.ObjectURI, &c.ActivityURI, &c.AttributedTo, &c.Type, &c.Name, &c.Content,
		&c.InReplyTo, &recipients, &published, &updatedAt, &deletedAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("content id: %w", err)
	}
	if err := json.Unmarshal([]byte(recipients), &c.Recipients); err != nil {
		return nil, fmt.Errorf("content recipients: %w", err)
	}
	c.Published = fromMillis(published)
	c.UpdatedAt = fromNullMillis(updatedAt)
	c.DeletedAt = fromNullMillis(deletedAt)
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

// EdgeTable stores actor-to-object edges such as favourites and boosts.
type EdgeTable struct {
	db    *DB
	table string
}

func (db *DB) Favourites() *EdgeTable {
	return &EdgeTable{db: db, table: "favourites"}
}

func (db *DB) Boosts() *EdgeTable {
	return &EdgeTable{db: db, table: "boosts"}
}

// Add records the edge. A repeated activity id, or a second edge for the same
// actor and object, yields ErrDuplicate.
func (t *EdgeTable) Add(ctx context.Context, e *domain.Edge) error {
	if e.Id == uuid.Nil {
		e.Id = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	query := `INSERT INTO ` + t.table + `(id, activity_uri, actor_uri, object_uri, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	return t.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, e.Id.String(), e.ActivityURI, e.ActorURI, e.ObjectURI, toMillis(e.CreatedAt))
		return affected(res, err, ErrDuplicate)
	})
}

// Remove deletes the edge created by activityURI, falling back to the
// actor/object pair when the activity id is unknown. Only actorURI's own
// edges are removed.
func (t *EdgeTable) Remove(ctx context.Context, activityURI, actorURI, objectURI string) error {
	return t.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+t.table+` WHERE activity_uri = ? AND actor_uri = ?`, activityURI, actorURI)
		if err := affected(res, err, ErrNotFound); !errors.Is(err, ErrNotFound) {
			return err
		}
		if objectURI == "" {
			return ErrNotFound
		}
		res, err = tx.ExecContext(ctx, `DELETE FROM `+t.table+` WHERE actor_uri = ? AND object_uri = ?`, actorURI, objectURI)
		return affected(res, err, ErrNotFound)
	})
}

func (t *EdgeTable) Count(ctx context.Context, objectURI string) (int, error) {
	var n int
	err := t.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.table+` WHERE object_uri = ?`, objectURI).Scan(&n)
	return n, err
}

// Reports
const (
	sqlInsertReport = `INSERT INTO reports(id, activity_uri, reporter_uri, object_uris, content, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlCountReports = `SELECT COUNT(*) FROM reports`
)

func (db *DB) CreateReport(ctx context.Context, r *domain.Report) error {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	objects, err := json.Marshal(nonNil(r.ObjectURIs))
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertReport, r.Id.String(), r.ActivityURI, r.ReporterURI, string(objects), r.Content, toMillis(r.CreatedAt))
		return affected(res, err, ErrDuplicate)
	})
}

func (db *DB) CountReports(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountReports).Scan(&n)
	return n, err
}

// Inbound activity log
const (
	sqlInsertActivity      = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at FROM activities WHERE activity_uri = ?`
)

// RecordActivity appends to the inbound log. ErrDuplicate when the activity
// id was seen before.
func (db *DB) RecordActivity(ctx context.Context, a *domain.Activity) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertActivity, a.Id.String(), a.ActivityURI, a.ActivityType, a.ActorURI, a.ObjectURI, a.RawJSON, toMillis(a.CreatedAt))
		return affected(res, err, ErrDuplicate)
	})
}

func (db *DB) ReadActivityByURI(ctx context.Context, activityURI string) (*domain.Activity, error) {
	var (
		a       domain.Activity
		id      string
		created int64
	)
	err := db.db.QueryRowContext(ctx, sqlSelectActivityByURI, activityURI).
		Scan(&id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &a.ObjectURI, &a.RawJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("activity id: %w", err)
	}
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
