// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists the hub's durable state: registered TPA
// servers, per-user installed and running app sets, and transcript
// snapshots taken at session teardown. Everything lives in a single
// SQLite database behind a WAL-configured connection pool.
//
// The session layer treats storage as a collaborator, never a source
// of truth for live state: connections, subscriptions, and display
// state are reconstructed from the network, not from here. What must
// survive a hub restart is exactly what these tables hold.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/augmentos-community/hub/lib/clock"
	"github.com/augmentos-community/hub/lib/codec"
	"github.com/augmentos-community/hub/lib/keyhash"
	"github.com/augmentos-community/hub/lib/sqlitepool"
	"github.com/augmentos-community/hub/protocol"
)

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("storage: not found")

// AppRecord is one registered TPA: its webhook endpoint, display
// type, and hashed API key. Capabilities is an opaque list the hub
// stores for clients but never interprets.
type AppRecord struct {
	PackageName  string
	Name         string
	AppType      protocol.AppType
	ServerURL    string
	APIKeyHash   keyhash.Digest
	Capabilities []string
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// Config holds Store construction parameters. Path is required.
type Config struct {
	Path     string
	PoolSize int

	// Clock defaults to clock.Real(); Logger to slog.Default().
	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the hub's persistence layer. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clk    clock.Clock
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS app_records (
	package_name  TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	app_type      TEXT NOT NULL,
	server_url    TEXT NOT NULL,
	api_key_hash  TEXT NOT NULL,
	capabilities  BLOB,
	registered_at INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS registrations (
	package_name  TEXT NOT NULL,
	server_url    TEXT NOT NULL,
	registered_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registrations_package
	ON registrations(package_name, registered_at);

CREATE TABLE IF NOT EXISTS installed_apps (
	user_id      TEXT NOT NULL,
	package_name TEXT NOT NULL,
	position     INTEGER NOT NULL,
	PRIMARY KEY (user_id, package_name)
);

CREATE TABLE IF NOT EXISTS running_apps (
	user_id      TEXT NOT NULL,
	package_name TEXT NOT NULL,
	PRIMARY KEY (user_id, package_name)
);

CREATE TABLE IF NOT EXISTS transcript_snapshots (
	session_id TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	segments   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_user
	ON transcript_snapshots(user_id, created_at);
`

// Open creates or opens the hub database and applies the schema.
func Open(config Config) (*Store, error) {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	return &Store{pool: pool, clk: clk, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// UpsertAppRecord creates or updates a TPA registration and appends
// to the registration history. RegisteredAt of an existing record is
// preserved; UpdatedAt always moves.
func (s *Store) UpsertAppRecord(ctx context.Context, record AppRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: upsert app record: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var capabilities []byte
	if len(record.Capabilities) > 0 {
		capabilities, err = codec.Marshal(record.Capabilities)
		if err != nil {
			return fmt.Errorf("storage: encoding capabilities: %w", err)
		}
	}

	now := s.clk.Now().UnixNano()
	err = sqlitex.Execute(conn, `
		INSERT INTO app_records
			(package_name, name, app_type, server_url, api_key_hash,
			 capabilities, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (package_name) DO UPDATE SET
			name = excluded.name,
			app_type = excluded.app_type,
			server_url = excluded.server_url,
			api_key_hash = excluded.api_key_hash,
			capabilities = excluded.capabilities,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.PackageName,
				record.Name,
				string(record.AppType),
				record.ServerURL,
				record.APIKeyHash.String(),
				capabilities,
				now,
				now,
			},
		})
	if err != nil {
		return fmt.Errorf("storage: upserting %s: %w", record.PackageName, err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO registrations (package_name, server_url, registered_at)
		VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{record.PackageName, record.ServerURL, now},
		})
	if err != nil {
		return fmt.Errorf("storage: recording registration of %s: %w", record.PackageName, err)
	}
	return nil
}

// AppRecord returns the registration for a package, or ErrNotFound.
func (s *Store) AppRecord(ctx context.Context, packageName string) (*AppRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: app record: %w", err)
	}
	defer s.pool.Put(conn)

	var record *AppRecord
	err = sqlitex.Execute(conn, `
		SELECT package_name, name, app_type, server_url, api_key_hash,
		       capabilities, registered_at, updated_at
		FROM app_records WHERE package_name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{packageName},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				decoded, err := scanAppRecord(stmt)
				if err != nil {
					return err
				}
				record = decoded
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: reading app record %s: %w", packageName, err)
	}
	if record == nil {
		return nil, fmt.Errorf("storage: app record %s: %w", packageName, ErrNotFound)
	}
	return record, nil
}

// ListAppRecords returns all registered TPAs ordered by package name.
func (s *Store) ListAppRecords(ctx context.Context) ([]AppRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: list app records: %w", err)
	}
	defer s.pool.Put(conn)

	var records []AppRecord
	err = sqlitex.Execute(conn, `
		SELECT package_name, name, app_type, server_url, api_key_hash,
		       capabilities, registered_at, updated_at
		FROM app_records ORDER BY package_name`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				decoded, err := scanAppRecord(stmt)
				if err != nil {
					return err
				}
				records = append(records, *decoded)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: listing app records: %w", err)
	}
	return records, nil
}

// scanAppRecord decodes one app_records row.
func scanAppRecord(stmt *sqlite.Stmt) (*AppRecord, error) {
	digest, err := keyhash.Parse(stmt.ColumnText(4))
	if err != nil {
		return nil, fmt.Errorf("corrupt api key hash for %s: %w", stmt.ColumnText(0), err)
	}

	var capabilities []string
	if stmt.ColumnLen(5) > 0 {
		blob := make([]byte, stmt.ColumnLen(5))
		stmt.ColumnBytes(5, blob)
		if err := codec.Unmarshal(blob, &capabilities); err != nil {
			return nil, fmt.Errorf("corrupt capabilities for %s: %w", stmt.ColumnText(0), err)
		}
	}

	return &AppRecord{
		PackageName:  stmt.ColumnText(0),
		Name:         stmt.ColumnText(1),
		AppType:      protocol.AppType(stmt.ColumnText(2)),
		ServerURL:    stmt.ColumnText(3),
		APIKeyHash:   digest,
		Capabilities: capabilities,
		RegisteredAt: time.Unix(0, stmt.ColumnInt64(6)),
		UpdatedAt:    time.Unix(0, stmt.ColumnInt64(7)),
	}, nil
}

// SaveInstalledApps replaces the user's ordered installed-app list.
func (s *Store) SaveInstalledApps(ctx context.Context, userID string, packages []string) error {
	return s.replaceUserApps(ctx, "installed_apps", userID, packages, true)
}

// InstalledApps returns the user's installed apps in install order.
func (s *Store) InstalledApps(ctx context.Context, userID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: installed apps: %w", err)
	}
	defer s.pool.Put(conn)

	var packages []string
	err = sqlitex.Execute(conn, `
		SELECT package_name FROM installed_apps
		WHERE user_id = ? ORDER BY position`,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				packages = append(packages, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: reading installed apps for %s: %w", userID, err)
	}
	return packages, nil
}

// SaveRunningApps replaces the user's running-app set. Called on
// every app start/stop so a restarted hub can resurrect sessions in
// their prior shape.
func (s *Store) SaveRunningApps(ctx context.Context, userID string, packages []string) error {
	return s.replaceUserApps(ctx, "running_apps", userID, packages, false)
}

// RunningApps returns the user's last persisted running-app set.
func (s *Store) RunningApps(ctx context.Context, userID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: running apps: %w", err)
	}
	defer s.pool.Put(conn)

	var packages []string
	err = sqlitex.Execute(conn, `
		SELECT package_name FROM running_apps
		WHERE user_id = ? ORDER BY package_name`,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				packages = append(packages, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: reading running apps for %s: %w", userID, err)
	}
	return packages, nil
}

// replaceUserApps swaps a user's rows in one of the per-user app
// tables inside a single transaction. The ordered flag writes list
// positions; unordered tables get position 0.
func (s *Store) replaceUserApps(ctx context.Context, table, userID string, packages []string, ordered bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: save %s: %w", table, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", table),
		&sqlitex.ExecOptions{Args: []any{userID}})
	if err != nil {
		return fmt.Errorf("storage: clearing %s for %s: %w", table, userID, err)
	}

	insert := fmt.Sprintf(
		"INSERT INTO %s (user_id, package_name, position) VALUES (?, ?, ?)", table)
	if !ordered {
		insert = fmt.Sprintf(
			"INSERT INTO %s (user_id, package_name) VALUES (?, ?)", table)
	}
	for position, packageName := range packages {
		args := []any{userID, packageName, position}
		if !ordered {
			args = []any{userID, packageName}
		}
		if err = sqlitex.Execute(conn, insert, &sqlitex.ExecOptions{Args: args}); err != nil {
			return fmt.Errorf("storage: inserting %s into %s: %w", packageName, table, err)
		}
	}
	return nil
}
