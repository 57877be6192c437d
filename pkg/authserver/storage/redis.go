// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ory/fosite"
	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// keyTypeRequest namespaces authorization request keys.
const keyTypeRequest = "authreq"

// RedisConfig holds Redis connection configuration.
// Either Addr (standalone) or SentinelConfig must be set.
type RedisConfig struct {
	// Addr is the address of a standalone Redis server.
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"`

	// SentinelConfig selects a Sentinel-managed deployment.
	SentinelConfig *SentinelConfig `json:"sentinel" yaml:"sentinel" mapstructure:"sentinel"`

	// ACLUserConfig authenticates as an ACL user.
	ACLUserConfig *ACLUserConfig `json:"acl_user" yaml:"acl_user" mapstructure:"acl_user"`

	// DB selects the logical database of a standalone server.
	DB int `json:"db" yaml:"db" mapstructure:"db"`

	// KeyPrefix namespaces all keys, e.g. "authbridge:{env}:".
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" mapstructure:"key_prefix"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string   `json:"master_name" yaml:"master_name" mapstructure:"master_name"`
	SentinelAddrs []string `json:"addrs" yaml:"addrs" mapstructure:"addrs"`
	DB            int      `json:"db" yaml:"db" mapstructure:"db"`
}

// ACLUserConfig contains Redis ACL user authentication configuration.
type ACLUserConfig struct {
	Username string `json:"username" yaml:"username" mapstructure:"username"`
	Password string `json:"password" yaml:"password" mapstructure:"password"`
}

// NewClient creates a Redis client for the configuration. It does not connect.
func NewClient(cfg RedisConfig) (redis.UniversalClient, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var username, password string
	if cfg.ACLUserConfig != nil {
		username = cfg.ACLUserConfig.Username
		password = cfg.ACLUserConfig.Password
	}

	if cfg.SentinelConfig != nil {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelConfig.MasterName,
			SentinelAddrs: cfg.SentinelConfig.SentinelAddrs,
			DB:            cfg.SentinelConfig.DB,
			Username:      username,
			Password:      password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		}), nil
	}

	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DB:           cfg.DB,
		Username:     username,
		Password:     password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}), nil
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	if cfg.SentinelConfig == nil {
		if cfg.Addr == "" {
			return errors.New("either addr or sentinel configuration is required")
		}
		return nil
	}
	if cfg.Addr != "" {
		return errors.New("addr and sentinel configuration are mutually exclusive")
	}
	if cfg.SentinelConfig.MasterName == "" {
		return errors.New("sentinel master name is required")
	}
	if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
		return errors.New("at least one sentinel address is required")
	}
	return nil
}

// RedisStorage implements Repository on Redis so that all replicas share
// pending authorization requests. Completion uses an optimistic WATCH/MULTI
// transaction, giving at-most-once completion across replicas.
type RedisStorage struct {
	client     redis.UniversalClient
	keyPrefix  string
	pendingTTL time.Duration
	retention  time.Duration
	now        func() time.Time
}

// NewRedisStorage creates Redis-backed storage and verifies connectivity.
func NewRedisStorage(ctx context.Context, cfg RedisConfig, pendingTTL time.Duration) (*RedisStorage, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	if err := pingWithRetry(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStorageWithClient(client, cfg.KeyPrefix)
	if pendingTTL > 0 {
		s.pendingTTL = pendingTTL
	}
	return s, nil
}

// connectAttempts bounds the startup connectivity check.
const connectAttempts = 3

// pingWithRetry tolerates a Redis that comes up shortly after the bridge.
func pingWithRetry(ctx context.Context, client redis.UniversalClient) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(connectAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("redis not reachable, retrying", "error", err, "retry_in", d)
		}),
	)
	return err
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:     client,
		keyPrefix:  keyPrefix,
		pendingTTL: DefaultPendingAuthorizationTTL,
		retention:  DefaultCompletedRetention,
		now:        time.Now,
	}
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(authState string) string {
	return s.keyPrefix + keyTypeRequest + ":" + authState
}

// storedRequest is the JSON form of AuthorizationRequest. Times are Unix nanoseconds.
type storedRequest struct {
	AuthState       string   `json:"auth_state"`
	ClientID        string   `json:"client_id"`
	RedirectURI     string   `json:"redirect_uri"`
	State           string   `json:"state"`
	RequestedScopes []string `json:"requested_scopes"`
	GrantedScopes   []string `json:"granted_scopes,omitempty"`
	Status          Status   `json:"status"`
	Subject         string   `json:"subject,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	ExpiresAt       int64    `json:"expires_at"`
	CompletedAt     int64    `json:"completed_at,omitempty"`
}

func toStored(r *AuthorizationRequest) storedRequest {
	s := storedRequest{
		AuthState:       r.AuthState,
		ClientID:        r.ClientID,
		RedirectURI:     r.RedirectURI,
		State:           r.State,
		RequestedScopes: slices.Clone(r.RequestedScopes),
		GrantedScopes:   slices.Clone(r.GrantedScopes),
		Status:          r.Status,
		Subject:         r.Subject,
		CreatedAt:       r.CreatedAt.UnixNano(),
		ExpiresAt:       r.ExpiresAt.UnixNano(),
	}
	if !r.CompletedAt.IsZero() {
		s.CompletedAt = r.CompletedAt.UnixNano()
	}
	return s
}

func fromStored(s storedRequest) *AuthorizationRequest {
	r := &AuthorizationRequest{
		AuthState:       s.AuthState,
		ClientID:        s.ClientID,
		RedirectURI:     s.RedirectURI,
		State:           s.State,
		RequestedScopes: slices.Clone(s.RequestedScopes),
		GrantedScopes:   slices.Clone(s.GrantedScopes),
		Status:          s.Status,
		Subject:         s.Subject,
		CreatedAt:       time.Unix(0, s.CreatedAt),
		ExpiresAt:       time.Unix(0, s.ExpiresAt),
	}
	if s.CompletedAt != 0 {
		r.CompletedAt = time.Unix(0, s.CompletedAt)
	}
	return r
}

func marshalRequest(r *AuthorizationRequest) ([]byte, error) {
	data, err := json.Marshal(toStored(r))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authorization request: %w", err)
	}
	return data, nil
}

func unmarshalRequest(data []byte) (*AuthorizationRequest, error) {
	var stored storedRequest
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization request: %w", err)
	}
	return fromStored(stored), nil
}

func notFound() error {
	return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Pending authorization not found"))
}

// Create stores a new pending request with a TTL matching its expiry.
func (s *RedisStorage) Create(ctx context.Context, req *AuthorizationRequest) error {
	now := s.now()
	stored, err := prepare(req, now, s.pendingTTL)
	if err != nil {
		return fosite.ErrInvalidRequest.WithHint(err.Error())
	}

	ttl := stored.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return ErrExpired
	}

	data, err := marshalRequest(stored)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.key(stored.AuthState), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization request: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, stored.AuthState)
	}
	return nil
}

// Get returns the request for authState in any status.
func (s *RedisStorage) Get(ctx context.Context, authState string) (*AuthorizationRequest, error) {
	data, err := s.client.Get(ctx, s.key(authState)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization request not found"))
		}
		return nil, fmt.Errorf("failed to get authorization request: %w", err)
	}
	return unmarshalRequest(data)
}

// FindByAuthState returns the pending request for authState.
func (s *RedisStorage) FindByAuthState(ctx context.Context, authState string) (*AuthorizationRequest, error) {
	req, err := s.Get(ctx, authState)
	if err != nil {
		return nil, err
	}
	return s.checkPending(req)
}

func (s *RedisStorage) checkPending(req *AuthorizationRequest) (*AuthorizationRequest, error) {
	if req.Status.IsTerminal() {
		return nil, notFound()
	}
	// The key TTL should handle this, but double-check.
	if req.IsExpired(s.now()) {
		return nil, ErrExpired
	}
	return req, nil
}

// Complete moves the pending request to a terminal status inside a
// WATCH/MULTI transaction. If another client completes the same request
// concurrently the transaction aborts and ErrNotFound is returned.
func (s *RedisStorage) Complete(ctx context.Context, authState string, completion Completion) (*AuthorizationRequest, error) {
	if err := completion.validate(); err != nil {
		return nil, fosite.ErrInvalidRequest.WithHint(err.Error())
	}

	key := s.key(authState)
	var completed *AuthorizationRequest

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return notFound()
			}
			return fmt.Errorf("failed to get authorization request: %w", err)
		}

		req, err := unmarshalRequest(data)
		if err != nil {
			return err
		}
		req, err = s.checkPending(req)
		if err != nil {
			return err
		}

		completed = apply(req, completion, s.now())
		updated, err := marshalRequest(completed)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.retention)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, notFound()
		}
		return nil, err
	}
	return completed, nil
}

var _ Repository = (*RedisStorage)(nil)
