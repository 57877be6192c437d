// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authbridge/pkg/auth"
	"github.com/stacklok/authbridge/pkg/auth/identity"
	"github.com/stacklok/authbridge/pkg/authserver/clients"
	"github.com/stacklok/authbridge/pkg/authserver/consent"
	"github.com/stacklok/authbridge/pkg/authserver/grant"
	grantmocks "github.com/stacklok/authbridge/pkg/authserver/grant/mocks"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/authserver/storage/mocks"
	"github.com/stacklok/authbridge/pkg/session"
)

const (
	testClientID    = "web"
	testRedirectURI = "https://client.example/cb"
	testClientState = "client-state-123"
	testAuthState   = "auth-state-1"
	testResumeURL   = "https://engine.example/resume"
)

type harness struct {
	router http.Handler
	repo   storage.Repository
}

func newHarness(t *testing.T, repo storage.Repository, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithEngine(t, repo, nil, opts...)
}

// newHarnessWithEngine builds a harness around engine, or the redirect engine when nil.
func newHarnessWithEngine(t *testing.T, repo storage.Repository, engine grant.Engine, opts ...Option) *harness {
	t.Helper()

	if repo == nil {
		mem := storage.NewMemoryStorage()
		t.Cleanup(func() { _ = mem.Close() })
		repo = mem
	}

	registry, err := clients.NewRegistry([]clients.Config{{
		ID:           testClientID,
		RedirectURIs: []string{testRedirectURI},
		Scopes:       []string{"openid", "profile", "email"},
	}}, nil)
	require.NoError(t, err)
	provider := fosite.NewOAuth2Provider(registry, &fosite.Config{ScopeStrategy: fosite.ExactScopeStrategy})

	resolver, err := identity.NewResolver(identity.Config{}, session.NewMemoryStore(0, 0))
	require.NoError(t, err)

	cookies, err := session.NewCookies(session.CookieConfig{HashKey: []byte(strings.Repeat("k", session.MinHashKeyLength))})
	require.NoError(t, err)

	gate, err := consent.NewGate(repo, consent.Config{})
	require.NoError(t, err)

	if engine == nil {
		engine, err = grant.NewRedirectEngine(testResumeURL, "", nil)
		require.NoError(t, err)
	}

	opts = append([]Option{withAuthStateGenerator(func() string { return testAuthState })}, opts...)
	h := NewHandler(provider, repo, resolver, cookies, gate, engine, opts...)
	return &harness{router: h.Routes(), repo: repo}
}

func authorizeURL(mutate func(url.Values)) string {
	q := url.Values{
		"client_id":     {testClientID},
		"response_type": {"code"},
		"redirect_uri":  {testRedirectURI},
		"scope":         {"openid profile email"},
		"state":         {testClientState},
	}
	if mutate != nil {
		mutate(q)
	}
	return "/oauth/authorize?" + q.Encode()
}

func federatedHeaders(r *http.Request) {
	r.Header.Set("Shib-Identity-Provider", "https://idp.example/shibboleth")
	r.Header.Set("X-Remote-User", "alice@example.org")
	r.Header.Set("Eppn", "alice@example.org")
}

// authorize runs a successful authorization request and returns the session cookies.
func (h *harness) authorize(t *testing.T) []*http.Cookie {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, authorizeURL(nil), nil)
	federatedHeaders(r)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return w.Result().Cookies()
}

func (h *harness) consent(values url.Values, cookies []*http.Cookie) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, consent.DefaultAction, strings.NewReader(values.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		r.AddCookie(c)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var resp errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestAuthorizeHandler_PresentsConsent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	r := httptest.NewRequest(http.MethodGet, authorizeURL(nil), nil)
	federatedHeaders(r)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `name="AUTH_STATE" value="auth-state-1"`)
	assert.Contains(t, body, `value="email" checked`)
	assert.Contains(t, body, "alice@example.org")
	require.NotEmpty(t, w.Result().Cookies(), "a session cookie is issued")
	assert.Equal(t, session.DefaultCookieName, w.Result().Cookies()[0].Name)

	pending, err := h.repo.FindByAuthState(context.Background(), testAuthState)
	require.NoError(t, err)
	assert.Equal(t, testClientID, pending.ClientID)
	assert.Equal(t, testRedirectURI, pending.RedirectURI)
	assert.Equal(t, testClientState, pending.State)
	assert.Equal(t, []string{"openid", "profile", "email"}, pending.RequestedScopes)
}

func TestAuthorizeHandler_AuthenticationRequired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, authorizeURL(nil), nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_required", decodeError(t, w).Error)
}

func TestAuthorizeHandler_InvalidRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		mutate       func(url.Values)
		wantRedirect bool
		wantError    string
	}{
		{
			name:      "unknown client",
			mutate:    func(q url.Values) { q.Set("client_id", "nope") },
			wantError: "invalid_client",
		},
		{
			name:      "unregistered redirect",
			mutate:    func(q url.Values) { q.Set("redirect_uri", "https://evil.example/cb") },
			wantError: "invalid_request",
		},
		{
			name:         "unknown scope",
			mutate:       func(q url.Values) { q.Set("scope", "openid admin") },
			wantRedirect: true,
			wantError:    "invalid_scope",
		},
		{
			name:         "short state",
			mutate:       func(q url.Values) { q.Set("state", "abc") },
			wantRedirect: true,
			wantError:    "invalid_state",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)

			r := httptest.NewRequest(http.MethodGet, authorizeURL(tt.mutate), nil)
			federatedHeaders(r)
			w := httptest.NewRecorder()
			h.router.ServeHTTP(w, r)

			assert.NotEqual(t, http.StatusOK, w.Code)
			if tt.wantRedirect {
				location := w.Header().Get("Location")
				assert.True(t, strings.HasPrefix(location, testRedirectURI), location)
				assert.Contains(t, location, "error="+tt.wantError)
			} else {
				assert.Empty(t, w.Header().Get("Location"))
				assert.Contains(t, w.Body.String(), tt.wantError)
			}

			_, err := h.repo.FindByAuthState(context.Background(), testAuthState)
			assert.ErrorIs(t, err, storage.ErrNotFound, "rejected requests are not stored")
		})
	}
}

func TestAuthorizeHandler_StorageFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	h := newHarness(t, repo)
	r := httptest.NewRequest(http.MethodGet, authorizeURL(nil), nil)
	federatedHeaders(r)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, r)

	location := w.Header().Get("Location")
	assert.Contains(t, location, "error=server_error")
}

func TestConsentHandler_Approve(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	cookies := h.authorize(t)

	// No identity headers: the principal comes from the session cache.
	w := h.consent(url.Values{
		consent.FieldApproval:      {"true"},
		consent.FieldAuthState:     {testAuthState},
		consent.FieldGrantedScopes: {"profile", "email"},
	}, cookies)

	require.Equal(t, http.StatusSeeOther, w.Code, w.Body.String())
	assert.Equal(t, testResumeURL+"?auth_state="+testAuthState, w.Header().Get("Location"))

	granted, err := h.repo.Get(context.Background(), testAuthState)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusGranted, granted.Status)
	assert.Equal(t, []string{"profile", "email"}, granted.GrantedScopes)
	assert.Equal(t, "alice@example.org", granted.Subject)
}

func TestConsentHandler_Deny(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	cookies := h.authorize(t)

	w := h.consent(url.Values{
		consent.FieldApproval:  {"false"},
		consent.FieldAuthState: {testAuthState},
	}, cookies)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, testRedirectURI+"?error=access_denied&state="+testAuthState, w.Header().Get("Location"))
}

func TestConsentHandler_Replay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	cookies := h.authorize(t)

	values := url.Values{consent.FieldApproval: {"true"}, consent.FieldAuthState: {testAuthState}}
	require.Equal(t, http.StatusSeeOther, h.consent(values, cookies).Code)

	w := h.consent(values, cookies)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unknown_auth_state", decodeError(t, w).Error)
}

func TestConsentHandler_Rejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	cookies := h.authorize(t)

	t.Run("no session", func(t *testing.T) {
		w := h.consent(url.Values{consent.FieldAuthState: {testAuthState}}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "authentication_required", decodeError(t, w).Error)
	})

	t.Run("forged session", func(t *testing.T) {
		forged := []*http.Cookie{{Name: session.DefaultCookieName, Value: "forged"}}
		w := h.consent(url.Values{consent.FieldAuthState: {testAuthState}}, forged)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("no auth state", func(t *testing.T) {
		w := h.consent(url.Values{consent.FieldApproval: {"true"}}, cookies)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "unknown_auth_state", decodeError(t, w).Error)
	})

	t.Run("unknown auth state", func(t *testing.T) {
		w := h.consent(url.Values{consent.FieldApproval: {"true"}, consent.FieldAuthState: {"other"}}, cookies)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	// The pending request is untouched by the rejected attempts.
	_, err := h.repo.FindByAuthState(context.Background(), testAuthState)
	require.NoError(t, err)
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})

	t.Run("unhealthy", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockRepository(ctrl)
		repo.EXPECT().Health(gomock.Any()).Return(errors.New("connection refused"))

		h := newHarness(t, repo)
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"status":"unavailable"}`, w.Body.String())
	})
}

func TestRoutes_Metrics(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	})

	withMetrics := newHarness(t, nil, WithMetricsHandler(metrics))
	w := httptest.NewRecorder()
	withMetrics.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "metrics", w.Body.String())

	without := newHarness(t, nil)
	w = httptest.NewRecorder()
	without.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_Middlewares(t *testing.T) {
	t.Parallel()

	var seen []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	h := newHarness(t, nil, WithMiddlewares(mw))
	h.router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, []string{"/healthz"}, seen)
}

func TestConsentHandler_EngineReceivesGrantedRequest(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	engine := grantmocks.NewMockEngine(ctrl)
	engine.EXPECT().
		Resume(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(w http.ResponseWriter, _ *http.Request, req *storage.AuthorizationRequest, principal *auth.Principal) error {
			assert.Equal(t, testAuthState, req.AuthState)
			assert.Equal(t, storage.StatusGranted, req.Status)
			assert.Equal(t, []string{"openid"}, req.GrantedScopes)
			assert.Equal(t, "alice@example.org", principal.Identifier)
			w.WriteHeader(http.StatusNoContent)
			return nil
		})
	h := newHarnessWithEngine(t, nil, engine)

	w := h.consent(url.Values{
		consent.FieldApproval:      {"true"},
		consent.FieldAuthState:     {testAuthState},
		consent.FieldGrantedScopes: {"openid"},
	}, h.authorize(t))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestConsentHandler_EngineFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	engine := grantmocks.NewMockEngine(ctrl)
	engine.EXPECT().
		Resume(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(errors.New("engine unavailable"))
	h := newHarnessWithEngine(t, nil, engine)

	w := h.consent(url.Values{
		consent.FieldApproval:  {"true"},
		consent.FieldAuthState: {testAuthState},
	}, h.authorize(t))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "server_error", decodeError(t, w).Error)
}
