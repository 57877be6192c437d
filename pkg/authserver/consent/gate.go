// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package consent turns the user's answer on the consent page into either the
// continuation of an authorization attempt with the granted scopes or a
// denial redirect back to the client.
//
// Every decision completes the pending authorization request exactly once,
// so a replayed decision fails with an unknown auth state error.
package consent

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"

	"github.com/stacklok/authbridge/pkg/auth"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	apperrors "github.com/stacklok/authbridge/pkg/errors"
	"github.com/stacklok/authbridge/pkg/telemetry/metrics"
)

// Template identifiers.
const (
	TemplateConsent = "consent"
	TemplateDenied  = "consent_denied"
)

// DefaultAction is the path the consent form posts to.
const DefaultAction = "/oauth/consent"

//go:embed templates/*.html
var embeddedTemplates embed.FS

// DenialMode selects how a denial is answered.
type DenialMode string

const (
	// DenialModeRedirect redirects the user agent to the client with error=access_denied.
	DenialModeRedirect DenialMode = "redirect"
	// DenialModeRender renders the consent_denied page linking back to the client.
	DenialModeRender DenialMode = "render"
)

// Config configures a Gate.
type Config struct {
	// DenialMode defaults to DenialModeRedirect.
	DenialMode DenialMode `json:"denial_mode" yaml:"denial_mode" mapstructure:"denial_mode"`

	// TemplateDir optionally replaces the built-in templates. It must define
	// the "consent" and "consent_denied" templates in *.html files.
	TemplateDir string `json:"template_dir" yaml:"template_dir" mapstructure:"template_dir"`

	// Action overrides DefaultAction.
	Action string `json:"action" yaml:"action" mapstructure:"action"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.DenialMode {
	case "", DenialModeRedirect, DenialModeRender:
		return nil
	default:
		return fmt.Errorf("unknown denial mode %q (expected %q or %q)", c.DenialMode, DenialModeRedirect, DenialModeRender)
	}
}

// Outcome is the result of a processed decision.
type Outcome struct {
	// Continue is true when the user approved.
	Continue bool

	// Request is the completed authorization request.
	Request *storage.AuthorizationRequest

	// GrantedScopes are the scopes to issue. Only set when Continue is true.
	GrantedScopes []string

	// RedirectTarget is the client redirect carrying error=access_denied.
	// Only set when Continue is false.
	RedirectTarget string
}

// Option configures optional Gate collaborators.
type Option func(*Gate)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records decisions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// Gate renders the consent page and applies decisions to the repository.
type Gate struct {
	repo       storage.Repository
	templates  *template.Template
	denialMode DenialMode
	action     string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewGate creates a Gate backed by repo.
func NewGate(repo storage.Repository, cfg Config, opts ...Option) (*Gate, error) {
	if repo == nil {
		return nil, errors.New("authorization request repository is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	templates, err := loadTemplates(cfg.TemplateDir)
	if err != nil {
		return nil, err
	}

	g := &Gate{
		repo:       repo,
		templates:  templates,
		denialMode: cfg.DenialMode,
		action:     cfg.Action,
		logger:     slog.Default(),
	}
	if g.denialMode == "" {
		g.denialMode = DenialModeRedirect
	}
	if g.action == "" {
		g.action = DefaultAction
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func loadTemplates(dir string) (*template.Template, error) {
	var (
		fsys    fs.FS
		pattern = "templates/*.html"
	)
	if dir == "" {
		fsys = embeddedTemplates
	} else {
		fsys = os.DirFS(dir)
		pattern = "*.html"
	}

	t, err := template.ParseFS(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to parse consent templates: %w", err)
	}
	for _, name := range []string{TemplateConsent, TemplateDenied} {
		if t.Lookup(name) == nil {
			return nil, fmt.Errorf("consent templates do not define %q", name)
		}
	}
	return t, nil
}

type consentPage struct {
	ClientID       string
	Subject        string
	AuthState      string
	Scopes         []string
	Action         string
	AuthStateField string
	ScopesField    string
	ApprovalField  string
}

type deniedPage struct {
	ClientID       string
	RedirectTarget string
}

// PresentForm renders the consent page for a pending request. The auth state
// travels in a hidden field and each requested scope is a pre-checked box.
func (g *Gate) PresentForm(w http.ResponseWriter, _ *http.Request, req *storage.AuthorizationRequest, principal *auth.Principal) error {
	if req == nil {
		return errors.New("authorization request is required")
	}
	page := consentPage{
		ClientID:       req.ClientID,
		AuthState:      req.AuthState,
		Scopes:         slices.Clone(req.RequestedScopes),
		Action:         g.action,
		AuthStateField: FieldAuthState,
		ScopesField:    FieldGrantedScopes,
		ApprovalField:  FieldApproval,
	}
	if principal != nil {
		page.Subject = principal.Identifier
	}
	return g.render(w, TemplateConsent, page)
}

func (g *Gate) render(w http.ResponseWriter, name string, data any) error {
	var buf bytes.Buffer
	if err := g.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("failed to render %s template: %w", name, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(http.StatusOK)
	_, err := buf.WriteTo(w)
	return err
}

// Decide applies a decision to the pending request it names.
//
// A denial completes the request as denied and yields the client redirect.
// An approval completes it as granted with the checked scopes, restricted to
// the requested ones. Either way a missing, expired or already decided auth
// state fails with an unknown auth state error.
func (g *Gate) Decide(ctx context.Context, d *Decision, subject string) (*Outcome, error) {
	if d == nil || d.AuthState == "" {
		g.metrics.RecordDecision(ctx, metrics.OutcomeUnknown)
		return nil, apperrors.NewUnknownAuthStateError("consent decision carries no auth state", nil)
	}

	if !d.Approved {
		return g.deny(ctx, d.AuthState, subject)
	}
	return g.approve(ctx, d, subject)
}

func (g *Gate) deny(ctx context.Context, authState, subject string) (*Outcome, error) {
	completed, err := g.repo.Complete(ctx, authState, storage.Completion{
		Status:  storage.StatusDenied,
		Subject: subject,
	})
	if err != nil {
		return nil, g.completionError(ctx, authState, err)
	}

	target, err := DenialRedirect(completed.RedirectURI, authState)
	if err != nil {
		return nil, apperrors.NewInternalError("stored redirect URI is invalid", err)
	}

	g.metrics.RecordDecision(ctx, metrics.OutcomeDenied)
	g.logger.Info("consent denied", "client_id", completed.ClientID, "subject", subject)
	return &Outcome{Request: completed, RedirectTarget: target}, nil
}

func (g *Gate) approve(ctx context.Context, d *Decision, subject string) (*Outcome, error) {
	pending, err := g.repo.FindByAuthState(ctx, d.AuthState)
	if err != nil {
		return nil, g.completionError(ctx, d.AuthState, err)
	}

	granted, dropped := RestrictScopes(d.GrantedScopes, pending.RequestedScopes)
	if len(dropped) > 0 {
		g.logger.Warn("ignoring granted scopes that were not requested",
			"client_id", pending.ClientID, "scopes", dropped)
	}

	completed, err := g.repo.Complete(ctx, d.AuthState, storage.Completion{
		Status:        storage.StatusGranted,
		Subject:       subject,
		GrantedScopes: granted,
	})
	if err != nil {
		return nil, g.completionError(ctx, d.AuthState, err)
	}

	g.metrics.RecordDecision(ctx, metrics.OutcomeGranted)
	g.logger.Info("consent granted", "client_id", completed.ClientID, "subject", subject, "scopes", granted)
	return &Outcome{Continue: true, Request: completed, GrantedScopes: slices.Clone(completed.GrantedScopes)}, nil
}

// completionError maps repository lookups of non-pending requests to an
// unknown auth state error and passes everything else through as internal.
func (g *Gate) completionError(ctx context.Context, authState string, err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
		g.metrics.RecordDecision(ctx, metrics.OutcomeUnknown)
		g.logger.Warn("consent decision for unknown auth state", "error", err)
		return apperrors.NewUnknownAuthStateError(
			fmt.Sprintf("no pending authorization request for auth state %q", authState), err)
	}
	return apperrors.NewInternalError("failed to record consent decision", err)
}

// ProcessForm parses and applies a submitted consent form.
//
// On denial the response is written (redirect or denied page) and false is
// returned. On approval nothing is written; the returned request carries the
// auth state and the granted scopes in its context and true is returned.
// The deciding subject is taken from the principal in the request context.
func (g *Gate) ProcessForm(w http.ResponseWriter, r *http.Request) (*http.Request, bool, error) {
	d, err := ParseDecision(r)
	if err != nil {
		if apperrors.IsUnknownAuthState(err) {
			g.metrics.RecordDecision(r.Context(), metrics.OutcomeUnknown)
		}
		return r, false, err
	}

	var subject string
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		subject = principal.Identifier
	}

	outcome, err := g.Decide(r.Context(), d, subject)
	if err != nil {
		return r, false, err
	}

	if !outcome.Continue {
		if g.denialMode == DenialModeRender {
			if err := g.render(w, TemplateDenied, deniedPage{
				ClientID:       outcome.Request.ClientID,
				RedirectTarget: outcome.RedirectTarget,
			}); err != nil {
				return r, false, err
			}
			return r, false, nil
		}
		http.Redirect(w, r, outcome.RedirectTarget, http.StatusFound)
		return r, false, nil
	}

	ctx := auth.WithAuthState(r.Context(), d.AuthState)
	ctx = WithGrantedScopes(ctx, outcome.GrantedScopes)
	return r.WithContext(ctx), true, nil
}

// DenialRedirect returns redirectURI with error=access_denied and
// state=authState added to its query.
func DenialRedirect(redirectURI, authState string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect URI: %w", err)
	}
	q := u.Query()
	q.Set("error", "access_denied")
	q.Set("state", authState)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RestrictScopes keeps the granted scopes that were requested, de-duplicated
// in submission order, and returns the rest as dropped.
func RestrictScopes(granted, requested []string) (kept, dropped []string) {
	kept = []string{}
	seen := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		if slices.Contains(requested, scope) {
			kept = append(kept, scope)
		} else {
			dropped = append(dropped, scope)
		}
	}
	return kept, dropped
}
