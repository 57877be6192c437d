// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/ory/fosite"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	// Path of the database file. Created when missing.
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// SQLiteStorage implements Repository on a SQLite database. Completion is a
// conditional UPDATE on status = 'pending', so a request completes at most once
// even with several processes sharing the file.
type SQLiteStorage struct {
	db         *sql.DB
	pendingTTL time.Duration
	retention  time.Duration
	now        func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// NewSQLiteStorage opens (creating if needed) the database at path, applies
// migrations and starts the background cleanup goroutine.
func NewSQLiteStorage(ctx context.Context, path string, pendingTTL time.Duration) (*SQLiteStorage, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writers inside this process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStorage{
		db:              db,
		pendingTTL:      DefaultPendingAuthorizationTTL,
		retention:       DefaultCompletedRetention,
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	if pendingTTL > 0 {
		s.pendingTTL = pendingTTL
	}

	go s.cleanupLoop()

	return s, nil
}

// Health pings the database.
func (s *SQLiteStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the cleanup goroutine and closes the database.
func (s *SQLiteStorage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, _ = s.purge(ctx)
			cancel()
		}
	}
}

// purge deletes expired pending requests and completed requests past their retention.
func (s *SQLiteStorage) purge(ctx context.Context) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM authorization_requests
		 WHERE (status = 'pending' AND expires_at < ?)
		    OR (status <> 'pending' AND completed_at < ?)`,
		now.UnixNano(), now.Add(-s.retention).UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging authorization requests: %w", err)
	}
	return res.RowsAffected()
}

// requestColumns is the SELECT column list shared by all queries.
const requestColumns = `auth_state, client_id, redirect_uri, state, requested_scopes,
	granted_scopes, status, subject, created_at, expires_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*AuthorizationRequest, error) {
	var (
		req         AuthorizationRequest
		requested   string
		granted     sql.NullString
		createdAt   int64
		expiresAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&req.AuthState, &req.ClientID, &req.RedirectURI, &req.State, &requested,
		&granted, &req.Status, &req.Subject, &createdAt, &expiresAt, &completedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(requested), &req.RequestedScopes); err != nil {
		return nil, fmt.Errorf("decoding requested scopes: %w", err)
	}
	if granted.Valid {
		if err := json.Unmarshal([]byte(granted.String), &req.GrantedScopes); err != nil {
			return nil, fmt.Errorf("decoding granted scopes: %w", err)
		}
	}
	req.CreatedAt = time.Unix(0, createdAt)
	req.ExpiresAt = time.Unix(0, expiresAt)
	if completedAt.Valid {
		req.CompletedAt = time.Unix(0, completedAt.Int64)
	}
	return &req, nil
}

func encodeScopes(scopes []string) (string, error) {
	if scopes == nil {
		scopes = []string{}
	}
	data, err := json.Marshal(scopes)
	if err != nil {
		return "", fmt.Errorf("encoding scopes: %w", err)
	}
	return string(data), nil
}

// Create stores a new pending request. A stale row under the same auth
// state is replaced.
func (s *SQLiteStorage) Create(ctx context.Context, req *AuthorizationRequest) error {
	now := s.now()
	stored, err := prepare(req, now, s.pendingTTL)
	if err != nil {
		return fosite.ErrInvalidRequest.WithHint(err.Error())
	}
	requested, err := encodeScopes(stored.RequestedScopes)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM authorization_requests
		 WHERE auth_state = ?
		   AND ((status = 'pending' AND expires_at < ?) OR (status <> 'pending' AND completed_at < ?))`,
		stored.AuthState, now.UnixNano(), now.Add(-s.retention).UnixNano(),
	); err != nil {
		return fmt.Errorf("removing stale authorization request: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO authorization_requests
		 (auth_state, client_id, redirect_uri, state, requested_scopes, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.AuthState, stored.ClientID, stored.RedirectURI, stored.State, requested,
		StatusPending, stored.CreatedAt.UnixNano(), stored.ExpiresAt.UnixNano(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, stored.AuthState)
		}
		return fmt.Errorf("inserting authorization request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get returns the request for authState in any status.
func (s *SQLiteStorage) Get(ctx context.Context, authState string) (*AuthorizationRequest, error) {
	return s.get(ctx, s.db, authState)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (*SQLiteStorage) get(ctx context.Context, q querier, authState string) (*AuthorizationRequest, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM authorization_requests WHERE auth_state = ?`, authState)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization request not found"))
		}
		return nil, fmt.Errorf("querying authorization request: %w", err)
	}
	return req, nil
}

// FindByAuthState returns the pending request for authState.
func (s *SQLiteStorage) FindByAuthState(ctx context.Context, authState string) (*AuthorizationRequest, error) {
	req, err := s.Get(ctx, authState)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, notFound()
	}
	if req.IsExpired(s.now()) {
		return nil, ErrExpired
	}
	return req, nil
}

// Complete moves the pending request to a terminal status. The UPDATE only
// matches a pending, unexpired row, so concurrent completions cannot both win.
func (s *SQLiteStorage) Complete(ctx context.Context, authState string, completion Completion) (*AuthorizationRequest, error) {
	if err := completion.validate(); err != nil {
		return nil, fosite.ErrInvalidRequest.WithHint(err.Error())
	}

	now := s.now()
	var granted sql.NullString
	if completion.Status == StatusGranted {
		encoded, err := encodeScopes(completion.GrantedScopes)
		if err != nil {
			return nil, err
		}
		granted = sql.NullString{String: encoded, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE authorization_requests
		 SET status = ?, subject = ?, granted_scopes = ?, completed_at = ?
		 WHERE auth_state = ? AND status = 'pending' AND expires_at >= ?`,
		completion.Status, completion.Subject, granted, now.UnixNano(), authState, now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("completing authorization request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("completing authorization request: %w", err)
	}

	if affected == 0 {
		current, err := s.get(ctx, tx, authState)
		if err != nil {
			return nil, err
		}
		if current.Status == StatusPending && current.IsExpired(now) {
			return nil, ErrExpired
		}
		return nil, notFound()
	}

	completed, err := s.get(ctx, tx, authState)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return completed, nil
}

// isConstraintViolation reports whether err is a SQLite primary key or unique violation.
func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

var _ Repository = (*SQLiteStorage)(nil)
