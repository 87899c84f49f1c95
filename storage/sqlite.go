// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alwitt/feedrelay/common"
	"github.com/apex/log"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteLedgerSchema = `CREATE TABLE IF NOT EXISTS delivery_ledger (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	count INTEGER NOT NULL,
	bucket INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
)`

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// sqliteLedgerStore LedgerStore backed by an embedded sqlite database file
type sqliteLedgerStore struct {
	common.Component
	dbPath string
}

// openSQLiteDB open a new database handle with the standard pragmas applied
func openSQLiteDB(ctxt context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctxt, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

// GetSQLiteLedgerStore define a sqlite backed LedgerStore. The schema is created if
// missing.
func GetSQLiteLedgerStore(ctxt context.Context, dbPath string) (LedgerStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "sqlite-ledger", "instance": dbPath,
	}
	db, err := openSQLiteDB(ctxt, dbPath)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open ledger database")
		return nil, err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close schema setup handle")
		}
	}()
	if _, err := db.ExecContext(ctxt, sqliteLedgerSchema); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to prepare ledger schema")
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	log.WithFields(logTags).Info("Prepared sqlite ledger")
	return &sqliteLedgerStore{Component: common.Component{LogTags: logTags}, dbPath: dbPath}, nil
}

// OpenLedger open a new handle scoped to a namespace. Every handle has its own
// database connection.
func (s *sqliteLedgerStore) OpenLedger(ctxt context.Context, namespace string) (Ledger, error) {
	if err := ValidateNamespace(namespace); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to open ledger")
		return nil, err
	}
	db, err := openSQLiteDB(ctxt, s.dbPath)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to open ledger database")
		return nil, err
	}
	// One writer per handle
	db.SetMaxOpenConns(1)
	return &sqliteLedger{
		Component: common.Component{LogTags: s.CopyLogTags(log.Fields{"namespace": namespace})},
		db:        db,
		namespace: namespace,
	}, nil
}

// Close release the store
func (s *sqliteLedgerStore) Close() error {
	return nil
}

// sqliteLedger a Ledger handle on a sqlite database
type sqliteLedger struct {
	common.Component
	db        *sql.DB
	namespace string
}

// Put record the entry for a key
func (l *sqliteLedger) Put(ctxt context.Context, key string, entry LedgerEntry) error {
	_, err := l.db.ExecContext(
		ctxt,
		`INSERT INTO delivery_ledger (namespace, key, count, bucket) VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET count = excluded.count, bucket = excluded.bucket`,
		l.namespace, key, int64(entry.Count), entry.Bucket,
	)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Failed to PUT %s", key)
		return fmt.Errorf("writing ledger entry '%s': %w", key, err)
	}
	return nil
}

// Get read the entry for a key
func (l *sqliteLedger) Get(ctxt context.Context, key string) (LedgerEntry, bool, error) {
	var count, bucket int64
	err := l.db.QueryRowContext(
		ctxt,
		"SELECT count, bucket FROM delivery_ledger WHERE namespace = ? AND key = ?",
		l.namespace, key,
	).Scan(&count, &bucket)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Failed to GET %s", key)
		return LedgerEntry{}, false, fmt.Errorf("reading ledger entry '%s': %w", key, err)
	}
	return LedgerEntry{Count: uint64(count), Bucket: bucket}, true, nil
}

// Delete remove the entry for a key
func (l *sqliteLedger) Delete(ctxt context.Context, key string) error {
	_, err := l.db.ExecContext(
		ctxt, "DELETE FROM delivery_ledger WHERE namespace = ? AND key = ?", l.namespace, key,
	)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Failed to DELETE %s", key)
		return fmt.Errorf("deleting ledger entry '%s': %w", key, err)
	}
	return nil
}

// Close release the handle
func (l *sqliteLedger) Close() error {
	return l.db.Close()
}
