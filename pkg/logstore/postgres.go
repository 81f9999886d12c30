package logstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to postgres and ensures the key/value table exists. bytea compares
// bytewise, so ORDER BY key gives the store order.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS relay_kv (
		key BYTEA NOT NULL PRIMARY KEY,
		value BYTEA NOT NULL
		)`,
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &pgStore{pool: pool}, nil
}

func (s *pgStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	if err := s.pool.QueryRow(ctx, `SELECT value FROM relay_kv WHERE key = $1`, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return value, nil
}

func (s *pgStore) Put(ctx context.Context, key, value []byte) error {
	return s.Write(ctx, []Op{Put(key, value)})
}

func (s *pgStore) Delete(ctx context.Context, key []byte) error {
	return s.Write(ctx, []Op{Del(key)})
}

func (s *pgStore) Scan(ctx context.Context, r Range) ([]KV, error) {
	query, args := rangeQuery("relay_kv", "$", r)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
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

func (s *pgStore) Write(ctx context.Context, ops []Op) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, op := range ops {
			if op.Delete {
				if _, err := tx.Exec(ctx, `DELETE FROM relay_kv WHERE key = $1`, op.Key); err != nil {
					return fmt.Errorf("failed to delete: %w", err)
				}
				continue
			}
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO relay_kv (key, value) VALUES ($1, $2)
				ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
				op.Key, value,
			); err != nil {
				return fmt.Errorf("failed to put: %w", err)
			}
		}
		return nil
	})
}

func (s *pgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}
