// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves the user of an inbound request from the signals
// injected by a trusted authenticating proxy.
//
// Three upstream mechanisms are recognized, in order of precedence:
// a federated identity provider (Shibboleth style headers), an external
// source asserted by the proxy (Kerberos, local logins and similar) and a
// client certificate verified by the proxy. The result is a canonical
// auth.Principal cached per browser session.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/authbridge/pkg/auth"
	apperrors "github.com/stacklok/authbridge/pkg/errors"
	"github.com/stacklok/authbridge/pkg/session"
	"github.com/stacklok/authbridge/pkg/telemetry/metrics"
)

// AdminPolicy decides which principals are flagged as administrators.
type AdminPolicy string

const (
	// AdminPolicyLocalOnly flags only logins synthesized for the local source.
	AdminPolicyLocalOnly AdminPolicy = "local-only"
	// AdminPolicyAnyProxy flags every principal asserted by the proxy.
	AdminPolicyAnyProxy AdminPolicy = "any-proxy"
)

// Validate reports whether the policy is known.
func (p AdminPolicy) Validate() error {
	switch p {
	case AdminPolicyLocalOnly, AdminPolicyAnyProxy:
		return nil
	default:
		return fmt.Errorf("unknown admin policy %q (expected %q or %q)", p, AdminPolicyLocalOnly, AdminPolicyAnyProxy)
	}
}

// Config configures a Resolver.
type Config struct {
	// Headers overrides the request header names. Empty fields keep their defaults.
	Headers HeaderNames `json:"headers" yaml:"headers" mapstructure:"headers"`

	// AdminPolicy defaults to AdminPolicyLocalOnly.
	AdminPolicy AdminPolicy `json:"admin_policy" yaml:"admin_policy" mapstructure:"admin_policy"`

	// TrustedProxies lists the CIDRs of the proxies allowed to assert identity
	// headers. Requests from any other peer are treated as unauthenticated.
	// Empty trusts every peer, which is only safe when the service is not
	// reachable except through the proxy.
	TrustedProxies []string `json:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty" mapstructure:"trusted_proxies"`
}

// Validate checks the admin policy and the trusted proxy networks.
func (c Config) Validate() error {
	if c.AdminPolicy != "" {
		if err := c.AdminPolicy.Validate(); err != nil {
			return err
		}
	}
	_, err := parseTrustedProxies(c.TrustedProxies)
	return err
}

// Option configures optional Resolver collaborators.
type Option func(*Resolver)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records resolutions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithClock replaces the clock used to synthesize local logins.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver produces principals from requests and caches them per session.
type Resolver struct {
	headers     HeaderNames
	adminPolicy AdminPolicy
	trusted     trustedProxies
	store       session.Store
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewResolver creates a Resolver caching principals in store.
func NewResolver(cfg Config, store session.Store, opts ...Option) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	policy := cfg.AdminPolicy
	if policy == "" {
		policy = AdminPolicyLocalOnly
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	trusted, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	r := &Resolver{
		headers:     cfg.Headers.withDefaults(),
		adminPolicy: policy,
		trusted:     trusted,
		store:       store,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CanCommence reports whether the request belongs to an authorization
// attempt, i.e. carries an auth state. Requests without one must not be
// handled by the resolver.
func (r *Resolver) CanCommence(req *http.Request) bool {
	_, ok := auth.AuthStateFromRequest(req)
	return ok
}

// Authenticate returns the principal of the request's browser session.
// A principal cached for sessionID is returned as is; otherwise the request
// is resolved and the result cached. An empty sessionID disables caching.
func (r *Resolver) Authenticate(req *http.Request, sessionID string) (*auth.Principal, error) {
	ctx := req.Context()
	key := session.PrincipalKey(sessionID)

	if sessionID != "" {
		cached, err := r.store.Get(ctx, key)
		switch {
		case err == nil:
			r.metrics.RecordResolution(ctx, "session", metrics.ResultCached)
			return cached, nil
		case errors.Is(err, session.ErrNotFound):
		default:
			r.logger.Warn("failed to read cached principal, resolving again", "error", err)
		}
	}

	principal, kind, err := r.resolve(req)
	if err != nil {
		r.metrics.RecordResolution(ctx, kind.String(), metrics.ResultRejected)
		return nil, err
	}
	r.metrics.RecordResolution(ctx, kind.String(), metrics.ResultResolved)

	if sessionID != "" {
		if err := r.store.Set(ctx, key, principal); err != nil {
			r.logger.Warn("failed to cache principal", "error", err)
		}
	}
	return principal, nil
}

// Resolve builds a principal from the request without consulting the cache.
func (r *Resolver) Resolve(req *http.Request) (*auth.Principal, error) {
	principal, _, err := r.resolve(req)
	return principal, err
}

// resolution is the branch-specific outcome before bookkeeping.
type resolution struct {
	login      string
	sourceName string
	sourceType string
	loa        string
	admin      bool
}

func (r *Resolver) resolve(req *http.Request) (*auth.Principal, SourceKind, error) {
	if !r.trusted.allows(req) {
		r.logger.Warn("ignoring identity headers from untrusted peer", "remote_addr", req.RemoteAddr)
		return nil, SourceNone, apperrors.NewAuthenticationRequiredError("request did not come through a trusted proxy", nil)
	}

	kind := Classify(SignalsFromRequest(req, r.headers))
	if kind == SourceNone {
		return nil, kind, apperrors.NewAuthenticationRequiredError("no recognized upstream authentication signal", nil)
	}

	// Headers go in first so that the claims written below take precedence.
	attrs := r.copyHeaders(req)

	var res resolution
	switch kind {
	case SourceFederated:
		res = r.federated(req, attrs)
	case SourceProxy:
		res = r.proxy(req)
	case SourceCertificate:
		res = r.certificate(req, attrs)
	}

	if res.login == "" {
		return nil, kind, apperrors.NewAuthenticationRequiredError(
			fmt.Sprintf("%s source %q did not supply a login", kind, res.sourceName), nil)
	}

	loa, ok := parseLoA(res.loa)
	if !ok && res.loa != "" {
		r.logger.Debug("level of assurance is not numeric, using 0", "loa", res.loa, "source", res.sourceName)
	}

	attrs.Set(auth.AttrExtSourceName, res.sourceName)
	attrs.Set(auth.AttrExtSourceType, res.sourceType)
	attrs.Set(auth.AttrExtSourceLoa, strconv.Itoa(loa))

	principal := &auth.Principal{
		Identifier: res.login,
		Attributes: attrs,
		IsAdmin:    res.admin,
	}
	r.logger.Debug("resolved principal", "source", kind.String(), "principal", principal.String(), "admin", principal.IsAdmin)
	return principal, kind, nil
}

// copyHeaders copies the first value of every request header, Latin-1
// re-decoded, keyed by canonical header name.
func (r *Resolver) copyHeaders(req *http.Request) auth.Attributes {
	attrs := make(auth.Attributes, len(req.Header)+3)
	for name, values := range req.Header {
		if len(values) == 0 {
			continue
		}
		value, err := DecodeHeaderValue(values[0])
		if err != nil {
			r.logger.Warn("dropping header that cannot be decoded", "header", name, "error", err)
			continue
		}
		attrs.SetIfAbsent(name, value)
	}
	return attrs
}

func (r *Resolver) federated(req *http.Request, attrs auth.Attributes) resolution {
	res := resolution{
		login:      req.Header.Get(r.headers.RemoteUser),
		sourceName: req.Header.Get(r.headers.IdentityProvider),
		sourceType: SourceTypeIdP,
		loa:        req.Header.Get(r.headers.LoA),
	}
	if res.loa == "" {
		res.loa = DefaultFederatedLoA
	}

	if eppn := req.Header.Get(r.headers.EPPN); eppn != "" {
		decoded, err := DecodeHeaderValue(eppn)
		if err != nil {
			r.logger.Warn("cannot decode eppn header", "error", err)
		} else {
			attrs.Set(auth.AttrEPPNWithoutScope, StripScope(decoded))
		}
	}
	return res
}

func (r *Resolver) proxy(req *http.Request) resolution {
	res := resolution{
		login:      req.Header.Get(r.headers.RemoteUser),
		sourceName: req.Header.Get(r.headers.ExtSource),
		sourceType: req.Header.Get(r.headers.ExtSourceType),
		loa:        req.Header.Get(r.headers.ExtSourceLoA),
	}

	synthesized := false
	if res.login == "" {
		res.login = req.Header.Get(r.headers.EnvRemoteUser)
	}
	if res.login == "" && res.sourceName == LocalSourceName {
		res.login = strconv.FormatInt(r.now().UnixMilli(), 10)
		synthesized = true
	}

	switch r.adminPolicy {
	case AdminPolicyAnyProxy:
		res.admin = true
	case AdminPolicyLocalOnly:
		res.admin = synthesized
	}
	return res
}

func (r *Resolver) certificate(req *http.Request, attrs auth.Attributes) resolution {
	res := resolution{
		login:      req.Header.Get(r.headers.SSLClientSubjectDN),
		sourceName: req.Header.Get(r.headers.SSLClientIssuerDN),
		sourceType: SourceTypeX509,
		loa:        req.Header.Get(r.headers.ExtSourceLoA),
	}

	cert, err := clientCertificate(req, r.headers.SSLClientCert)
	if err != nil {
		r.logger.Warn("failed to read client certificate", "error", err)
	}
	if cert != nil {
		if res.login == "" {
			res.login = cert.Subject.String()
		}
		if res.sourceName == "" {
			res.sourceName = cert.Issuer.String()
		}
		if mail, ok := lastEmail(cert); ok {
			attrs.Set(auth.AttrMail, mail)
		}
	}

	subject := res.login
	if cert != nil {
		subject = cert.Subject.String()
	}
	if org, ok := organizationFromDN(subject); ok {
		attrs.Set(auth.AttrOrganization, org)
	}

	if res.login != "" {
		attrs.Set(auth.AttrSSLClientSubjectDN, res.login)
		attrs.Set(auth.AttrDN, res.login)
	}
	return res
}

// StripScope removes the "@realm" suffix of a scoped identifier such as an
// eduPersonPrincipalName. Values without "@" are returned unchanged.
func StripScope(scoped string) string {
	if i := strings.LastIndex(scoped, "@"); i >= 0 {
		return scoped[:i]
	}
	return scoped
}
