// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authbridge/pkg/auth"
	apperrors "github.com/stacklok/authbridge/pkg/errors"
	"github.com/stacklok/authbridge/pkg/session"
	"github.com/stacklok/authbridge/pkg/session/mocks"
)

var fixedNow = time.UnixMilli(1700000000000)

func newTestResolver(t *testing.T, cfg Config, store session.Store) *Resolver {
	t.Helper()
	if store == nil {
		store = session.NewMemoryStore(0, 0)
	}
	r, err := NewResolver(cfg, store, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return r
}

func newRequest(headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func newTestCertificate(t *testing.T, emails ...string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Alice Example",
			Organization: []string{"CESNET"},
			Country:      []string{"CZ"},
		},
		NotBefore:      time.Now().Add(-time.Hour),
		NotAfter:       time.Now().Add(time.Hour),
		EmailAddresses: emails,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func certPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func escapedPEM(cert *x509.Certificate) string {
	return url.PathEscape(certPEM(cert))
}

// nginxEscapedPEM encodes the certificate like nginx's $ssl_client_escaped_cert:
// every byte outside the unreserved set is percent-encoded.
func nginxEscapedPEM(cert *x509.Certificate) string {
	var b strings.Builder
	for _, c := range []byte(certPEM(cert)) {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', strings.IndexByte("-._~", c) >= 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func TestNewResolver(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(Config{}, nil)
	require.Error(t, err)

	_, err = NewResolver(Config{TrustedProxies: []string{"10.0.0.0/33"}}, session.NewMemoryStore(0, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid trusted proxy")

	_, err = NewResolver(Config{AdminPolicy: "everyone"}, session.NewMemoryStore(0, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown admin policy")

	r, err := NewResolver(Config{}, session.NewMemoryStore(0, 0))
	require.NoError(t, err)
	assert.Equal(t, AdminPolicyLocalOnly, r.adminPolicy)
}

func TestResolver_CanCommence(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, Config{}, nil)

	assert.False(t, r.CanCommence(newRequest(nil)))

	withState := newRequest(nil)
	withState = withState.WithContext(auth.WithAuthState(withState.Context(), "xyz"))
	assert.True(t, r.CanCommence(withState))

	inQuery := httptest.NewRequest(http.MethodGet, "/oauth/consent?AUTH_STATE=xyz", nil)
	assert.True(t, r.CanCommence(inQuery))
}

func TestResolver_Federated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		headers     map[string]string
		wantLogin   string
		wantLoA     string
		wantEPPN    string
		wantHasEPPN bool
	}{
		{
			name: "default loa and scoped eppn",
			headers: map[string]string{
				"Shib-Identity-Provider": "https://idp.example.org/idp",
				"X-Remote-User":          "alice@example.org",
				"Eppn":                   "alice@example.org",
			},
			wantLogin:   "alice@example.org",
			wantLoA:     "2",
			wantEPPN:    "alice",
			wantHasEPPN: true,
		},
		{
			name: "explicit loa and unscoped eppn",
			headers: map[string]string{
				"Shib-Identity-Provider": "https://idp.example.org/idp",
				"X-Remote-User":          "bob",
				"Loa":                    "3",
				"Eppn":                   "bob",
			},
			wantLogin:   "bob",
			wantLoA:     "3",
			wantEPPN:    "bob",
			wantHasEPPN: true,
		},
		{
			name: "non-numeric loa",
			headers: map[string]string{
				"Shib-Identity-Provider": "https://idp.example.org/idp",
				"X-Remote-User":          "carol",
				"Loa":                    "high",
			},
			wantLogin: "carol",
			wantLoA:   "0",
		},
		{
			name: "certificate fields present are ignored",
			headers: map[string]string{
				"Shib-Identity-Provider": "https://idp.example.org/idp",
				"X-Remote-User":          "dave",
				"X-Ssl-Client-Verify":    "SUCCESS",
				"X-Ssl-Client-S-Dn":      "CN=Mallory,O=Evil",
				"X-Ssl-Client-I-Dn":      "CN=Evil CA",
			},
			wantLogin: "dave",
			wantLoA:   "2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newTestResolver(t, Config{}, nil)

			p, err := r.Resolve(newRequest(tt.headers))
			require.NoError(t, err)

			assert.Equal(t, tt.wantLogin, p.Identifier)
			assert.False(t, p.IsAdmin)
			assert.Equal(t, "https://idp.example.org/idp", p.Attributes[auth.AttrExtSourceName])
			assert.Equal(t, SourceTypeIdP, p.Attributes[auth.AttrExtSourceType])
			assert.Equal(t, tt.wantLoA, p.Attributes[auth.AttrExtSourceLoa])

			eppn, ok := p.Attributes.Get(auth.AttrEPPNWithoutScope)
			assert.Equal(t, tt.wantHasEPPN, ok)
			assert.Equal(t, tt.wantEPPN, eppn)

			_, hasDN := p.Attributes.Get(auth.AttrDN)
			assert.False(t, hasDN, "federated resolution must not touch certificate claims")
		})
	}
}

func TestResolver_FederatedEPPNIsRedecoded(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, Config{}, nil)

	p, err := r.Resolve(newRequest(map[string]string{
		"Shib-Identity-Provider": "https://idp.example.org/idp",
		"X-Remote-User":          "eva",
		"Eppn":                   "Ã©va@example.org",
	}))
	require.NoError(t, err)
	assert.Equal(t, "éva", p.Attributes[auth.AttrEPPNWithoutScope])
	assert.Equal(t, "éva@example.org", p.Attributes["Eppn"])
}

func TestResolver_Proxy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		policy    AdminPolicy
		headers   map[string]string
		wantLogin string
		wantAdmin bool
		wantLoA   string
	}{
		{
			name:   "remote user wins",
			policy: AdminPolicyLocalOnly,
			headers: map[string]string{
				"X-Ext-Source":      "KERBEROS",
				"X-Ext-Source-Type": "cz.metacentrum.perun.core.impl.ExtSourceKerberos",
				"X-Ext-Source-Loa":  "1",
				"X-Remote-User":     "alice@EXAMPLE.ORG",
				"X-Env-Remote-User": "ignored",
			},
			wantLogin: "alice@EXAMPLE.ORG",
			wantLoA:   "1",
		},
		{
			name:   "env remote user fallback",
			policy: AdminPolicyLocalOnly,
			headers: map[string]string{
				"X-Ext-Source":      "KERBEROS",
				"X-Env-Remote-User": "bob@EXAMPLE.ORG",
			},
			wantLogin: "bob@EXAMPLE.ORG",
			wantLoA:   "0",
		},
		{
			name:   "local source synthesizes login",
			policy: AdminPolicyLocalOnly,
			headers: map[string]string{
				"X-Ext-Source": LocalSourceName,
			},
			wantLogin: "1700000000000",
			wantAdmin: true,
			wantLoA:   "0",
		},
		{
			name:   "local source with remote user is not admin under local-only",
			policy: AdminPolicyLocalOnly,
			headers: map[string]string{
				"X-Ext-Source":  LocalSourceName,
				"X-Remote-User": "carol",
			},
			wantLogin: "carol",
			wantLoA:   "0",
		},
		{
			name:   "any-proxy flags every proxy principal",
			policy: AdminPolicyAnyProxy,
			headers: map[string]string{
				"X-Ext-Source":  "KERBEROS",
				"X-Remote-User": "dave",
			},
			wantLogin: "dave",
			wantAdmin: true,
			wantLoA:   "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newTestResolver(t, Config{AdminPolicy: tt.policy}, nil)

			p, err := r.Resolve(newRequest(tt.headers))
			require.NoError(t, err)
			assert.Equal(t, tt.wantLogin, p.Identifier)
			assert.Equal(t, tt.wantAdmin, p.IsAdmin)
			assert.Equal(t, tt.headers["X-Ext-Source"], p.Attributes[auth.AttrExtSourceName])
			assert.Equal(t, tt.headers["X-Ext-Source-Type"], p.Attributes[auth.AttrExtSourceType])
			assert.Equal(t, tt.wantLoA, p.Attributes[auth.AttrExtSourceLoa])
		})
	}
}

func TestResolver_CertificateFromHeader(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, Config{}, nil)
	cert := newTestCertificate(t, "first@example.org", "alice@example.org")

	p, err := r.Resolve(newRequest(map[string]string{
		"X-Ssl-Client-Verify": "SUCCESS",
		"X-Ssl-Client-S-Dn":   "CN=Alice Example,O=CESNET,C=CZ",
		"X-Ssl-Client-I-Dn":   "CN=Example CA,O=Example,C=CZ",
		"X-Ssl-Client-Cert":   escapedPEM(cert),
	}))
	require.NoError(t, err)

	assert.Equal(t, "CN=Alice Example,O=CESNET,C=CZ", p.Identifier)
	assert.False(t, p.IsAdmin)
	assert.Equal(t, "CN=Example CA,O=Example,C=CZ", p.Attributes[auth.AttrExtSourceName])
	assert.Equal(t, SourceTypeX509, p.Attributes[auth.AttrExtSourceType])
	assert.Equal(t, "0", p.Attributes[auth.AttrExtSourceLoa])
	assert.Equal(t, p.Identifier, p.Attributes[auth.AttrDN])
	assert.Equal(t, p.Identifier, p.Attributes[auth.AttrSSLClientSubjectDN])
	assert.Equal(t, "alice@example.org", p.Attributes[auth.AttrMail], "the last e-mail SAN is used")
	assert.Equal(t, "CESNET", p.Attributes[auth.AttrOrganization])
}

func TestParseForwardedCertificate(t *testing.T) {
	t.Parallel()
	cert := newTestCertificate(t, "alice@example.org")

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{name: "plain pem", raw: certPEM(cert)},
		{name: "path escaped", raw: escapedPEM(cert)},
		{name: "nginx escaped", raw: nginxEscapedPEM(cert)},
		{name: "bad escape", raw: "-----BEGIN%20CERTIFICATE-----%zz", wantErr: "failed to unescape"},
		{name: "not pem", raw: "garbage", wantErr: "not a PEM encoded certificate"},
		{
			name:    "wrong block type",
			raw:     string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}})),
			wantErr: "not a PEM encoded certificate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseForwardedCertificate(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, cert.Raw, got.Raw)
		})
	}
}

func TestResolver_CertificateFromNginxHeader(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, Config{}, nil)
	cert := newTestCertificate(t, "alice@example.org")
	raw := nginxEscapedPEM(cert)
	require.True(t, strings.HasPrefix(raw, "-----BEGIN%20CERTIFICATE-----%0A"))

	p, err := r.Resolve(newRequest(map[string]string{
		"X-Ssl-Client-Verify": "SUCCESS",
		"X-Ssl-Client-Cert":   raw,
	}))
	require.NoError(t, err)
	assert.Equal(t, cert.Subject.String(), p.Identifier)
	assert.Equal(t, "alice@example.org", p.Attributes[auth.AttrMail])
	assert.Equal(t, "CESNET", p.Attributes[auth.AttrOrganization])
}

func TestResolver_OrganizationFromSubjectHeader(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, Config{}, nil)

	p, err := r.Resolve(newRequest(map[string]string{
		"X-Ssl-Client-Verify": "SUCCESS",
		"X-Ssl-Client-S-Dn":   "CN=Bob Example,O=Masaryk University,C=CZ",
		"X-Ssl-Client-I-Dn":   "CN=Example CA",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Masaryk University", p.Attributes[auth.AttrOrganization])
	_, hasMail := p.Attributes.Get(auth.AttrMail)
	assert.False(t, hasMail)
}

func TestResolver_TrustedProxies(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, Config{TrustedProxies: []string{"10.0.0.0/8", "fd00::/8"}}, nil)
	headers := map[string]string{
		"X-Ext-Source":  LocalSourceName,
		"X-Remote-User": "carol",
	}

	tests := []struct {
		name       string
		remoteAddr string
		wantOK     bool
	}{
		{name: "ipv4 proxy", remoteAddr: "10.1.2.3:4000", wantOK: true},
		{name: "ipv6 proxy", remoteAddr: "[fd00::1]:4000", wantOK: true},
		{name: "address without port", remoteAddr: "10.1.2.3", wantOK: true},
		{name: "direct client", remoteAddr: "192.0.2.1:1234"},
		{name: "unparsable address", remoteAddr: "proxy.internal:4000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := newRequest(headers)
			req.RemoteAddr = tt.remoteAddr

			p, err := r.Resolve(req)
			if !tt.wantOK {
				require.Error(t, err)
				assert.True(t, apperrors.IsAuthenticationRequired(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "carol", p.Identifier)
		})
	}
}

func TestResolver_CertificateFromTLS(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, Config{}, nil)
	cert := newTestCertificate(t)

	req := newRequest(map[string]string{
		"X-Ssl-Client-Verify": "SUCCESS",
		"X-Ext-Source-Loa":    "2",
	})
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}

	p, err := r.Resolve(req)
	require.NoError(t, err)

	assert.Equal(t, cert.Subject.String(), p.Identifier)
	assert.Equal(t, cert.Issuer.String(), p.Attributes[auth.AttrExtSourceName])
	assert.Equal(t, "2", p.Attributes[auth.AttrExtSourceLoa])
	assert.Equal(t, "CESNET", p.Attributes[auth.AttrOrganization])
	_, hasMail := p.Attributes.Get(auth.AttrMail)
	assert.False(t, hasMail)
}

func TestResolver_CertificateRequiresExactVerdict(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, Config{}, nil)

	for _, verdict := range []string{"", "FAILED", "success", "NONE", "GENEROUS"} {
		_, err := r.Resolve(newRequest(map[string]string{
			"X-Ssl-Client-Verify": verdict,
			"X-Ssl-Client-S-Dn":   "CN=Alice Example,O=CESNET,C=CZ",
			"X-Ssl-Client-I-Dn":   "CN=Example CA",
		}))
		require.Error(t, err, "verdict %q", verdict)
		assert.True(t, apperrors.IsAuthenticationRequired(err), "verdict %q", verdict)
	}
}

func TestResolver_AuthenticationRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{
			name:    "no signal",
			headers: map[string]string{"User-Agent": "curl"},
		},
		{
			name:    "federated without login",
			headers: map[string]string{"Shib-Identity-Provider": "https://idp.example.org/idp"},
		},
		{
			name:    "non-local proxy source without login",
			headers: map[string]string{"X-Ext-Source": "KERBEROS"},
		},
		{
			name: "verified certificate without subject",
			headers: map[string]string{
				"X-Ssl-Client-Verify": "SUCCESS",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newTestResolver(t, Config{}, nil)

			p, err := r.Resolve(newRequest(tt.headers))
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, apperrors.IsAuthenticationRequired(err))
			assert.Equal(t, http.StatusUnauthorized, apperrors.HTTPStatus(err))
		})
	}
}

func TestResolver_HeaderCopy(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, Config{}, nil)

	req := newRequest(map[string]string{
		"Shib-Identity-Provider": "https://idp.example.org/idp",
		"X-Remote-User":          "alice",
		"Eppn":                   "alice@example.org",
		"Affiliation":            "member@example.org",
		"Cn":                     "Ã\u0081da",
		"X-Broken":               "\xff",
	})
	// Keys that collide with claim names are never allowed to override them.
	req.Header["extSourceName"] = []string{"forged"}
	req.Header["eppnwoscope"] = []string{"forged"}

	p, err := r.Resolve(req)
	require.NoError(t, err)

	assert.Equal(t, "member@example.org", p.Attributes["Affiliation"])
	assert.Equal(t, "Áda", p.Attributes["Cn"])
	assert.Equal(t, "alice", p.Attributes["X-Remote-User"])
	_, hasBroken := p.Attributes.Get("X-Broken")
	assert.False(t, hasBroken, "undecodable header must be dropped")

	assert.Equal(t, "https://idp.example.org/idp", p.Attributes[auth.AttrExtSourceName])
	assert.Equal(t, "alice", p.Attributes[auth.AttrEPPNWithoutScope])
}

func TestResolver_AuthenticateCachesPerSession(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, Config{}, nil)

	first, err := r.Authenticate(newRequest(map[string]string{
		"Shib-Identity-Provider": "https://idp.example.org/idp",
		"X-Remote-User":          "alice",
	}), "session-1")
	require.NoError(t, err)

	// Different headers in the same session still return the cached principal.
	second, err := r.Authenticate(newRequest(map[string]string{
		"X-Ext-Source": LocalSourceName,
	}), "session-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Another session resolves on its own.
	other, err := r.Authenticate(newRequest(map[string]string{
		"X-Ext-Source": LocalSourceName,
	}), "session-2")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", other.Identifier)
	assert.True(t, other.IsAdmin)
}

func TestResolver_AuthenticateCacheHitSkipsResolution(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	cached := auth.NewPrincipal("alice")
	cached.Attributes.Set(auth.AttrExtSourceName, "https://idp.example.org/idp")
	store.EXPECT().Get(gomock.Any(), session.PrincipalKey("session-1")).Return(cached, nil)

	r := newTestResolver(t, Config{}, store)

	// No upstream signal at all: only the cache can answer.
	p, err := r.Authenticate(newRequest(nil), "session-1")
	require.NoError(t, err)
	assert.Same(t, cached, p)
}

func TestResolver_AuthenticateStoreErrors(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	key := session.PrincipalKey("session-1")
	store.EXPECT().Get(gomock.Any(), key).Return(nil, errors.New("connection refused"))
	store.EXPECT().Set(gomock.Any(), key, gomock.Any()).Return(errors.New("connection refused"))

	r := newTestResolver(t, Config{}, store)

	p, err := r.Authenticate(newRequest(map[string]string{
		"Shib-Identity-Provider": "https://idp.example.org/idp",
		"X-Remote-User":          "alice",
	}), "session-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Identifier)
}

func TestResolver_AuthenticateWithoutSession(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	r := newTestResolver(t, Config{}, store)

	p, err := r.Authenticate(newRequest(map[string]string{
		"X-Ext-Source":  "KERBEROS",
		"X-Remote-User": "alice",
	}), "")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Identifier)
}

func TestResolver_AuthenticateRejectionIsNotCached(t *testing.T) {
	t.Parallel()
	store := session.NewMemoryStore(0, 0)
	r := newTestResolver(t, Config{}, store)

	_, err := r.Authenticate(newRequest(nil), "session-1")
	require.True(t, apperrors.IsAuthenticationRequired(err))

	assert.Equal(t, 0, store.Len())
}
