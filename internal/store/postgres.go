package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by jackc/pgx/v5 against a single generic
// table, the durable backend recommended for a multi-process cnapi-core
// deployment. Optimistic concurrency is enforced with `SELECT ... FOR
// UPDATE` inside a transaction rather than relying on a database-level
// CAS primitive, so the same version check applies across every backend.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to dsn and ensures the store schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres store: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres store schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS store_records (
		bucket     TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      BYTEA NOT NULL,
		index_json JSONB NOT NULL DEFAULT '{}'::jsonb,
		version    BIGINT NOT NULL,
		PRIMARY KEY (bucket, key)
	);
	CREATE INDEX IF NOT EXISTS idx_store_records_bucket ON store_records (bucket);
	`
	_, err := p.pool.Exec(ctx, schema)
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Put(ctx context.Context, bucket, key string, value []byte, index IndexSet, expectedVersion int64) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	newVersion, err := putTxPG(ctx, tx, bucket, key, value, index, expectedVersion)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newVersion, nil
}

func putTxPG(ctx context.Context, tx pgx.Tx, bucket, key string, value []byte, index IndexSet, expectedVersion int64) (int64, error) {
	var curVersion int64
	err := tx.QueryRow(ctx, `SELECT version FROM store_records WHERE bucket = $1 AND key = $2 FOR UPDATE`, bucket, key).Scan(&curVersion)
	exists := err == nil
	if err != nil && err != pgx.ErrNoRows {
		return 0, fmt.Errorf("check existing version: %w", err)
	}

	if expectedVersion == 0 {
		if exists {
			return 0, ErrVersionConflict
		}
	} else if !exists || curVersion != expectedVersion {
		return 0, ErrVersionConflict
	}

	idxJSON, err := json.Marshal(index)
	if err != nil {
		return 0, fmt.Errorf("marshal index: %w", err)
	}
	newVersion := expectedVersion + 1

	_, err = tx.Exec(ctx, `
		INSERT INTO store_records (bucket, key, value, index_json, version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, index_json = excluded.index_json, version = excluded.version
	`, bucket, key, value, idxJSON, newVersion)
	if err != nil {
		return 0, fmt.Errorf("upsert record: %w", err)
	}
	return newVersion, nil
}

func (p *Postgres) Get(ctx context.Context, bucket, key string) (*Record, error) {
	var value []byte
	var idxJSON []byte
	var version int64
	err := p.pool.QueryRow(ctx, `SELECT value, index_json, version FROM store_records WHERE bucket = $1 AND key = $2`, bucket, key).
		Scan(&value, &idxJSON, &version)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var idx IndexSet
	if err := json.Unmarshal(idxJSON, &idx); err != nil {
		return nil, fmt.Errorf("unmarshal index: %w", err)
	}
	return &Record{Key: key, Value: value, Index: idx, Version: version}, nil
}

func (p *Postgres) Delete(ctx context.Context, bucket, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM store_records WHERE bucket = $1 AND key = $2`, bucket, key)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (p *Postgres) Find(ctx context.Context, bucket string, filter Filter, opts FindOptions) ([]*Record, error) {
	rows, err := p.pool.Query(ctx, `SELECT key, value, index_json, version FROM store_records WHERE bucket = $1`, bucket)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer rows.Close()

	var matched []*Record
	for rows.Next() {
		var key string
		var value []byte
		var idxJSON []byte
		var version int64
		if err := rows.Scan(&key, &value, &idxJSON, &version); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var idx IndexSet
		if err := json.Unmarshal(idxJSON, &idx); err != nil {
			return nil, fmt.Errorf("unmarshal index: %w", err)
		}
		if matches(idx, filter) {
			matched = append(matched, &Record{Key: key, Value: value, Index: idx, Version: version})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortRecords(matched, opts.SortBy, opts.Desc)
	return paginate(matched, opts), nil
}

func (p *Postgres) Batch(ctx context.Context, ops []BatchOp) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, op := range ops {
		if op.Put {
			if _, err := putTxPG(ctx, tx, op.Bucket, op.Key, op.Value, op.Index, op.ExpectedVersion); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(ctx, `DELETE FROM store_records WHERE bucket = $1 AND key = $2`, op.Bucket, op.Key); err != nil {
				return fmt.Errorf("delete record: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}
