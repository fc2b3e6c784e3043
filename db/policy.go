package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	sqlSelectDomainRules = `SELECT domain, kind FROM domain_rules ORDER BY domain`
	sqlInsertDomainRule  = `INSERT INTO domain_rules(domain, kind, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	sqlDeleteDomainRule  = `DELETE FROM domain_rules WHERE domain = ? AND kind = ?`

	sqlSelectSetting = `SELECT value FROM settings WHERE key = ?`
	sqlUpsertSetting = `INSERT INTO settings(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

// ReadDomainRules returns every stored domain grouped by rule kind.
func (db *DB) ReadDomainRules(ctx context.Context) (map[string][]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDomainRules)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make(map[string][]string)
	for rows.Next() {
		var domain, kind string
		if err := rows.Scan(&domain, &kind); err != nil {
			return nil, err
		}
		rules[kind] = append(rules[kind], domain)
	}
	return rules, rows.Err()
}

// AddDomainRule stores the rule. Adding an existing rule is a no-op.
func (db *DB) AddDomainRule(ctx context.Context, domain, kind string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertDomainRule, domain, kind, toMillis(time.Now()))
		return err
	})
}

// RemoveDomainRule deletes the rule. ErrNotFound when it was not stored.
func (db *DB) RemoveDomainRule(ctx context.Context, domain, kind string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteDomainRule, domain, kind)
		return affected(res, err, ErrNotFound)
	})
}

func (db *DB) ReadSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.db.QueryRowContext(ctx, sqlSelectSetting, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (db *DB) WriteSetting(ctx context.Context, key, value string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertSetting, key, value)
		return err
	})
}
