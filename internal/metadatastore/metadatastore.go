// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metadatastore is the WAL-mode embedded relational store backing a
// drive's metadata and per-chunk bookkeeping. Unlike a long-lived
// connection pool, each operation here opens its own *sql.DB, runs inside a
// single transaction, and closes — the store's durability model is one
// operation, one commit, one checkpoint.
package metadatastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"chunkdrive/internal/chunkstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT
);
CREATE TABLE IF NOT EXISTS chunks (
	chunk_index INTEGER PRIMARY KEY,
	hash TEXT,
	filename TEXT,
	size INTEGER,
	mtime REAL
);
`

// Store is a handle to the path of the metadata database; it holds no open
// connection between operations.
type Store struct {
	path string
}

// Open returns a Store bound to path. No file I/O happens until the first
// operation runs.
func Open(path string) *Store {
	return &Store{path: path}
}

func (s *Store) connect(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store %s: %w", s.path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal_mode on %s: %w", s.path, err)
	}
	return db, nil
}

// withTx opens a connection, runs fn inside a single transaction, commits,
// checkpoints the WAL, and closes — regardless of whether fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	db, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction on %s: %w", s.path, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction on %s: %w", s.path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpointing %s: %w", s.path, err)
	}
	return nil
}

// Initialize creates the schema if absent and writes the supplied metadata
// key/value pairs (chunk_size_mb, total_chunks, fs) in one transaction.
func (s *Store) Initialize(ctx context.Context, meta map[string]string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
		for key, value := range meta {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO metadata (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value
			`, key, value); err != nil {
				return fmt.Errorf("writing metadata key %q: %w", key, err)
			}
		}
		return nil
	})
}

// UpdateChunk upserts one chunk's bookkeeping row.
func (s *Store) UpdateChunk(ctx context.Context, r chunkstore.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (chunk_index, hash, filename, size, mtime)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chunk_index) DO UPDATE SET
				hash = excluded.hash,
				filename = excluded.filename,
				size = excluded.size,
				mtime = excluded.mtime
		`, r.Index, r.Hash, r.Filename, r.SizeBytes, float64(r.ModTime.UnixNano())/1e9)
		if err != nil {
			return fmt.Errorf("updating chunk %d: %w", r.Index, err)
		}
		return nil
	})
}

// GetChunks returns every chunk row, ordered by chunk_index ascending.
func (s *Store) GetChunks(ctx context.Context) ([]chunkstore.Record, error) {
	var records []chunkstore.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT chunk_index, hash, filename, size, mtime FROM chunks ORDER BY chunk_index ASC")
		if err != nil {
			return fmt.Errorf("listing chunks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r chunkstore.Record
			var mtimeSeconds float64
			if err := rows.Scan(&r.Index, &r.Hash, &r.Filename, &r.SizeBytes, &mtimeSeconds); err != nil {
				return fmt.Errorf("scanning chunk row: %w", err)
			}
			r.ModTime = unixSecondsToTime(mtimeSeconds)
			records = append(records, r)
		}
		return rows.Err()
	})
	return records, err
}

// GetMeta returns the string value for key, or ok=false if unset.
func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key)
		scanErr := row.Scan(&value)
		if errors.Is(scanErr, sql.ErrNoRows) {
			ok = false
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("reading metadata key %q: %w", key, scanErr)
		}
		ok = true
		return nil
	})
	return value, ok, err
}
