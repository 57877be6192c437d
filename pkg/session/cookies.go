// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
)

// DefaultCookieName is the name of the session cookie.
const DefaultCookieName = "authbridge_session"

// MinHashKeyLength is the minimum length of the cookie signing key in bytes.
const MinHashKeyLength = 32

// CookieConfig configures the session cookie.
type CookieConfig struct {
	// Name of the cookie. Defaults to DefaultCookieName.
	Name string

	// HashKey authenticates the cookie value. Must be at least MinHashKeyLength bytes.
	HashKey []byte

	// BlockKey optionally encrypts the cookie value (16, 24 or 32 bytes for AES).
	BlockKey []byte

	// MaxAge bounds the lifetime of the cookie. Defaults to DefaultTTL.
	MaxAge time.Duration

	// Secure restricts the cookie to HTTPS.
	Secure bool
}

// Cookies issues and reads the signed cookie that carries the session ID.
type Cookies struct {
	name   string
	codec  *securecookie.SecureCookie
	maxAge time.Duration
	secure bool
}

// NewCookies creates a Cookies instance from the configuration.
func NewCookies(cfg CookieConfig) (*Cookies, error) {
	if len(cfg.HashKey) < MinHashKeyLength {
		return nil, fmt.Errorf("session cookie hash key must be at least %d bytes", MinHashKeyLength)
	}
	name := cfg.Name
	if name == "" {
		name = DefaultCookieName
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultTTL
	}

	codec := securecookie.New(cfg.HashKey, cfg.BlockKey)
	codec.MaxAge(int(maxAge.Seconds()))

	return &Cookies{
		name:   name,
		codec:  codec,
		maxAge: maxAge,
		secure: cfg.Secure,
	}, nil
}

// ID returns the session ID carried by the request cookie, if the cookie is
// present and its signature verifies.
func (c *Cookies) ID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return "", false
	}
	var id string
	if err := c.codec.Decode(c.name, cookie.Value, &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}

// Ensure returns the session ID of the request, issuing a new session cookie
// on the response when the request carries none.
func (c *Cookies) Ensure(w http.ResponseWriter, r *http.Request) (string, error) {
	if id, ok := c.ID(r); ok {
		return id, nil
	}

	id := uuid.NewString()
	encoded, err := c.codec.Encode(c.name, id)
	if err != nil {
		return "", fmt.Errorf("failed to encode session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id, nil
}

// ErrNoSession is returned by Require when the request has no valid session cookie.
var ErrNoSession = errors.New("no session")

// Require returns the session ID of the request or ErrNoSession.
func (c *Cookies) Require(r *http.Request) (string, error) {
	id, ok := c.ID(r)
	if !ok {
		return "", ErrNoSession
	}
	return id, nil
}
