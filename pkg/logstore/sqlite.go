package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type sqlStore struct {
	db *sql.DB
}

// OpenSQLite opens a sqlite file holding a single key/value table. BLOB keys compare with
// memcmp in sqlite, which gives the bytewise order the store contract needs.
func OpenSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS kv (
		key BLOB NOT NULL PRIMARY KEY,
		value BLOB NOT NULL
		) WITHOUT ROWID`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &sqlStore{db: db}, nil
}

func (s *sqlStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return value, nil
}

func (s *sqlStore) Put(ctx context.Context, key, value []byte) error {
	return s.Write(ctx, []Op{Put(key, value)})
}

func (s *sqlStore) Delete(ctx context.Context, key []byte) error {
	return s.Write(ctx, []Op{Del(key)})
}

func (s *sqlStore) Scan(ctx context.Context, r Range) ([]KV, error) {
	query, args := rangeQuery("kv", "?", r)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)
	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

func (s *sqlStore) Write(ctx context.Context, ops []Op) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()
	for _, op := range ops {
		if op.Delete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, op.Key); err != nil {
				return fmt.Errorf("failed to delete: %w", err)
			}
			continue
		}
		value := op.Value
		if value == nil {
			value = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, op.Key, value); err != nil {
			return fmt.Errorf("failed to put: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// rangeQuery builds the SELECT for a Range. placeholder returns the n-th bind marker so the same
// builder serves sqlite ("?") and postgres ("$1").
func rangeQuery(table, placeholder string, r Range) (string, []any) {
	var (
		conds []string
		args  []any
	)
	mark := func() string {
		if placeholder == "?" {
			return "?"
		}
		return fmt.Sprintf("$%d", len(args))
	}
	if r.Gte != nil {
		args = append(args, r.Gte)
		conds = append(conds, "key >= "+mark())
	}
	if r.Lt != nil {
		args = append(args, r.Lt)
		conds = append(conds, "key < "+mark())
	}
	var b strings.Builder
	b.WriteString("SELECT key, value FROM ")
	b.WriteString(table)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY key")
	if r.Reverse {
		b.WriteString(" DESC")
	}
	if r.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", r.Limit)
	}
	return b.String(), args
}
