// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_CleanupExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newClock()
	s := NewMemoryStorage(WithClock(c.Now), WithCleanupInterval(time.Hour))
	defer s.Close()

	require.NoError(t, s.Create(ctx, testRequest("pending")))
	require.NoError(t, s.Create(ctx, testRequest("granted")))
	_, err := s.Complete(ctx, "granted", Completion{Status: StatusGranted, Subject: "alice"})
	require.NoError(t, err)

	s.cleanupExpired()
	assert.Len(t, s.requests, 2, "nothing is due yet")

	c.Advance(DefaultPendingAuthorizationTTL + time.Second)
	s.cleanupExpired()
	assert.Len(t, s.requests, 0)
}

func TestMemoryStorage_CreateReplacesExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newClock()
	s := NewMemoryStorage(WithClock(c.Now))
	defer s.Close()

	require.NoError(t, s.Create(ctx, testRequest("xyz")))
	c.Advance(DefaultPendingAuthorizationTTL + time.Second)

	require.NoError(t, s.Create(ctx, testRequest("xyz")))
	_, err := s.FindByAuthState(ctx, "xyz")
	require.NoError(t, err)
}

func TestMemoryStorage_WithPendingTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newClock()
	s := NewMemoryStorage(WithClock(c.Now), WithPendingTTL(time.Minute))
	defer s.Close()

	require.NoError(t, s.Create(ctx, testRequest("xyz")))
	c.Advance(2 * time.Minute)

	_, err := s.FindByAuthState(ctx, "xyz")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestMemoryStorage_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	s := NewMemoryStorage()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestSQLiteStorage_Purge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewSQLiteStorage(ctx, filepath.Join(t.TempDir(), "purge.db"), 0)
	require.NoError(t, err)
	defer s.Close()
	c := newClock()
	s.now = c.Now

	require.NoError(t, s.Create(ctx, testRequest("pending")))
	require.NoError(t, s.Create(ctx, testRequest("denied")))
	_, err = s.Complete(ctx, "denied", Completion{Status: StatusDenied, Subject: "alice"})
	require.NoError(t, err)

	n, err := s.purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(DefaultPendingAuthorizationTTL + time.Second)
	n, err = s.purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLiteStorage_ReopenKeepsData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	first, err := NewSQLiteStorage(ctx, path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, first.Create(ctx, testRequest("xyz")))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStorage(ctx, path, time.Hour)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.FindByAuthState(ctx, "xyz")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profile", "email"}, got.RequestedScopes)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "default", cfg: *DefaultConfig()},
		{name: "empty type is memory", cfg: Config{}},
		{name: "negative ttl", cfg: Config{PendingTTL: -time.Second}, wantErr: "negative"},
		{name: "unknown type", cfg: Config{Type: "etcd"}, wantErr: "unsupported storage type"},
		{name: "sqlite without path", cfg: Config{Type: TypeSQLite}, wantErr: "sqlite path is required"},
		{name: "sqlite", cfg: Config{Type: TypeSQLite, SQLite: SQLiteConfig{Path: "/tmp/a.db"}}},
		{
			name:    "redis without prefix",
			cfg:     Config{Type: TypeRedis, Redis: RedisConfig{Addr: "localhost:6379"}},
			wantErr: "key prefix is required",
		},
		{
			name:    "redis without address",
			cfg:     Config{Type: TypeRedis, Redis: RedisConfig{KeyPrefix: "ab:"}},
			wantErr: "either addr or sentinel",
		},
		{
			name: "redis addr and sentinel",
			cfg: Config{Type: TypeRedis, Redis: RedisConfig{
				KeyPrefix:      "ab:",
				Addr:           "localhost:6379",
				SentinelConfig: &SentinelConfig{MasterName: "m", SentinelAddrs: []string{"s:26379"}},
			}},
			wantErr: "mutually exclusive",
		},
		{
			name: "redis sentinel without addrs",
			cfg: Config{Type: TypeRedis, Redis: RedisConfig{
				KeyPrefix:      "ab:",
				SentinelConfig: &SentinelConfig{MasterName: "m"},
			}},
			wantErr: "at least one sentinel address",
		},
		{
			name: "redis sentinel",
			cfg: Config{Type: TypeRedis, Redis: RedisConfig{
				KeyPrefix:      "ab:",
				SentinelConfig: &SentinelConfig{MasterName: "m", SentinelAddrs: []string{"s:26379"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	repo, err := New(ctx, nil)
	require.NoError(t, err)
	_, ok := repo.(*MemoryStorage)
	assert.True(t, ok)
	require.NoError(t, repo.Close())

	repo, err = New(ctx, &Config{Type: TypeSQLite, SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "new.db")}})
	require.NoError(t, err)
	_, ok = repo.(*SQLiteStorage)
	assert.True(t, ok)
	require.NoError(t, repo.Close())

	_, err = New(ctx, &Config{Type: "etcd"})
	require.Error(t, err)
}

func TestAuthorizationRequest_IsExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "future", expiresAt: now.Add(time.Hour), want: false},
		{name: "past", expiresAt: now.Add(-time.Hour), want: true},
		{name: "exact boundary", expiresAt: now, want: false},
		{name: "zero", expiresAt: time.Time{}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := &AuthorizationRequest{ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.want, req.IsExpired(now))
		})
	}
}
