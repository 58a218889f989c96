package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a Store backed by a single generic table, one row per
// (bucket, key), with indexed fields kept alongside as a JSON blob and
// matched in Go. It is a durable, single-writer backend suited to a
// single-process deployment, grounded on the teacher's sqlite repository's
// use of database/sql against mattn/go-sqlite3 with a single-writer
// connection pool.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if absent) a SQLite-backed store at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite store schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS store_records (
		bucket     TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      BLOB NOT NULL,
		index_json TEXT NOT NULL DEFAULT '{}',
		version    INTEGER NOT NULL,
		PRIMARY KEY (bucket, key)
	);
	CREATE INDEX IF NOT EXISTS idx_store_records_bucket ON store_records(bucket);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Put(ctx context.Context, bucket, key string, value []byte, index IndexSet, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	newVersion, err := putTx(ctx, tx, bucket, key, value, index, expectedVersion)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newVersion, nil
}

func putTx(ctx context.Context, tx *sql.Tx, bucket, key string, value []byte, index IndexSet, expectedVersion int64) (int64, error) {
	var curVersion int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM store_records WHERE bucket = ? AND key = ?`, bucket, key).Scan(&curVersion)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO store_records (bucket, key, value, index_json, version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, index_json = excluded.index_json, version = excluded.version
	`, bucket, key, value, string(idxJSON), newVersion)
	if err != nil {
		return 0, fmt.Errorf("upsert record: %w", err)
	}
	return newVersion, nil
}

func (s *SQLite) Get(ctx context.Context, bucket, key string) (*Record, error) {
	var value []byte
	var idxJSON string
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT value, index_json, version FROM store_records WHERE bucket = ? AND key = ?`, bucket, key).
		Scan(&value, &idxJSON, &version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var idx IndexSet
	if err := json.Unmarshal([]byte(idxJSON), &idx); err != nil {
		return nil, fmt.Errorf("unmarshal index: %w", err)
	}
	return &Record{Key: key, Value: value, Index: idx, Version: version}, nil
}

func (s *SQLite) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM store_records WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *SQLite) Find(ctx context.Context, bucket string, filter Filter, opts FindOptions) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, index_json, version FROM store_records WHERE bucket = ?`, bucket)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer rows.Close()

	var matched []*Record
	for rows.Next() {
		var key string
		var value []byte
		var idxJSON string
		var version int64
		if err := rows.Scan(&key, &value, &idxJSON, &version); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var idx IndexSet
		if err := json.Unmarshal([]byte(idxJSON), &idx); err != nil {
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

func (s *SQLite) Batch(ctx context.Context, ops []BatchOp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if op.Put {
			if _, err := putTx(ctx, tx, op.Bucket, op.Key, op.Value, op.Index, op.ExpectedVersion); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `DELETE FROM store_records WHERE bucket = ? AND key = ?`, op.Bucket, op.Key); err != nil {
				return fmt.Errorf("delete record: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}
