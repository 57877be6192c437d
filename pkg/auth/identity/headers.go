// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// HeaderNames are the request headers the resolver reads. The proxy-asserted
// ones must be set by the trusted proxy and stripped from client requests.
type HeaderNames struct {
	// Federated identity provider headers.
	IdentityProvider string `json:"identity_provider" yaml:"identity_provider" mapstructure:"identity_provider"`
	LoA              string `json:"loa" yaml:"loa" mapstructure:"loa"`
	EPPN             string `json:"eppn" yaml:"eppn" mapstructure:"eppn"`
	RemoteUser       string `json:"remote_user" yaml:"remote_user" mapstructure:"remote_user"`

	// Proxy-asserted external source.
	ExtSource     string `json:"ext_source" yaml:"ext_source" mapstructure:"ext_source"`
	ExtSourceType string `json:"ext_source_type" yaml:"ext_source_type" mapstructure:"ext_source_type"`
	ExtSourceLoA  string `json:"ext_source_loa" yaml:"ext_source_loa" mapstructure:"ext_source_loa"`
	EnvRemoteUser string `json:"env_remote_user" yaml:"env_remote_user" mapstructure:"env_remote_user"`

	// Client certificate as verified and forwarded by the proxy.
	SSLClientVerify    string `json:"ssl_client_verify" yaml:"ssl_client_verify" mapstructure:"ssl_client_verify"`
	SSLClientSubjectDN string `json:"ssl_client_subject_dn" yaml:"ssl_client_subject_dn" mapstructure:"ssl_client_subject_dn"`
	SSLClientIssuerDN  string `json:"ssl_client_issuer_dn" yaml:"ssl_client_issuer_dn" mapstructure:"ssl_client_issuer_dn"`
	SSLClientCert      string `json:"ssl_client_cert" yaml:"ssl_client_cert" mapstructure:"ssl_client_cert"`
}

// DefaultHeaderNames returns the header names used by a Shibboleth SP behind
// an Apache or nginx proxy.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		IdentityProvider:   "Shib-Identity-Provider",
		LoA:                "Loa",
		EPPN:               "Eppn",
		RemoteUser:         "X-Remote-User",
		ExtSource:          "X-Ext-Source",
		ExtSourceType:      "X-Ext-Source-Type",
		ExtSourceLoA:       "X-Ext-Source-Loa",
		EnvRemoteUser:      "X-Env-Remote-User",
		SSLClientVerify:    "X-Ssl-Client-Verify",
		SSLClientSubjectDN: "X-Ssl-Client-S-Dn",
		SSLClientIssuerDN:  "X-Ssl-Client-I-Dn",
		SSLClientCert:      "X-Ssl-Client-Cert",
	}
}

// withDefaults fills empty names from DefaultHeaderNames and canonicalizes all of them.
func (h HeaderNames) withDefaults() HeaderNames {
	d := DefaultHeaderNames()
	pick := func(v, def string) string {
		if v == "" {
			v = def
		}
		return http.CanonicalHeaderKey(v)
	}
	return HeaderNames{
		IdentityProvider:   pick(h.IdentityProvider, d.IdentityProvider),
		LoA:                pick(h.LoA, d.LoA),
		EPPN:               pick(h.EPPN, d.EPPN),
		RemoteUser:         pick(h.RemoteUser, d.RemoteUser),
		ExtSource:          pick(h.ExtSource, d.ExtSource),
		ExtSourceType:      pick(h.ExtSourceType, d.ExtSourceType),
		ExtSourceLoA:       pick(h.ExtSourceLoA, d.ExtSourceLoA),
		EnvRemoteUser:      pick(h.EnvRemoteUser, d.EnvRemoteUser),
		SSLClientVerify:    pick(h.SSLClientVerify, d.SSLClientVerify),
		SSLClientSubjectDN: pick(h.SSLClientSubjectDN, d.SSLClientSubjectDN),
		SSLClientIssuerDN:  pick(h.SSLClientIssuerDN, d.SSLClientIssuerDN),
		SSLClientCert:      pick(h.SSLClientCert, d.SSLClientCert),
	}
}

// ErrHeaderDecode is returned by DecodeHeaderValue when a header value cannot
// be decoded. The resolver logs it and drops the header.
var ErrHeaderDecode = errors.New("header value is not decodable")

// DecodeHeaderValue undoes Latin-1 transport encoding of a header value.
//
// Proxies commonly forward UTF-8 attribute values as Latin-1 bytes which are
// then widened once more, so "é" arrives as "Ã©". When every rune of the value
// fits in Latin-1 and the narrowed bytes form valid UTF-8, the narrowed form
// is returned. Otherwise the value is already proper text and is returned
// unchanged. Raw bytes that are not UTF-8 are read as Latin-1 text.
func DecodeHeaderValue(value string) (string, error) {
	if !utf8.ValidString(value) {
		widened, err := charmap.ISO8859_1.NewDecoder().String(value)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrHeaderDecode, err)
		}
		return widened, nil
	}
	narrowed, err := charmap.ISO8859_1.NewEncoder().String(value)
	if err != nil || !utf8.ValidString(narrowed) {
		return value, nil
	}
	return narrowed, nil
}
