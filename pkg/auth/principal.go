// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth provides the canonical principal produced by upstream identity
// resolution and the helpers that carry it through a request.
package auth

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Well-known attribute keys. Any other key is a raw request header copied
// verbatim (canonical header name) by the identity resolver.
const (
	// AttrExtSourceName is the name of the upstream source that authenticated the user
	// (IdP entity ID, proxy-asserted source name or certificate issuer DN).
	AttrExtSourceName = "extSourceName"

	// AttrExtSourceType is the type identifier of the upstream source.
	AttrExtSourceType = "extSourceType"

	// AttrExtSourceLoa is the numeric level of assurance, as a decimal string.
	AttrExtSourceLoa = "extSourceLoa"

	// AttrEPPNWithoutScope is the eduPersonPrincipalName with its "@realm" suffix removed.
	AttrEPPNWithoutScope = "eppnwoscope"

	// AttrMail is the e-mail address taken from a client certificate.
	AttrMail = "mail"

	// AttrOrganization is the organization (O=) taken from a client certificate subject.
	AttrOrganization = "o"

	// AttrDN is the client certificate subject distinguished name.
	AttrDN = "dn"

	// AttrSSLClientSubjectDN mirrors AttrDN under the name used by mod_ssl.
	AttrSSLClientSubjectDN = "SSL_CLIENT_S_DN"
)

// Attributes holds the contextual claims of a principal.
// Keys are never removed once set.
type Attributes map[string]string

// Get returns the value stored under key and whether it was present.
func (a Attributes) Get(key string) (string, bool) {
	v, ok := a[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (a Attributes) Set(key, value string) {
	a[key] = value
}

// SetIfAbsent stores value under key only when key is not present yet.
// It reports whether the value was stored.
func (a Attributes) SetIfAbsent(key, value string) bool {
	if _, ok := a[key]; ok {
		return false
	}
	a[key] = value
	return true
}

// Principal is a resolved identity plus claims, independent of which upstream
// mechanism produced it.
type Principal struct {
	// Identifier is the resolved login name. It is unique within one upstream
	// source but not guaranteed to be globally unique.
	Identifier string

	// Attributes carries all contextual claims (source bookkeeping, e-mail,
	// organization and the raw request headers).
	Attributes Attributes

	// IsAdmin is set when the principal was established through the trusted
	// proxy path that the configured admin policy treats as administrative.
	IsAdmin bool
}

// NewPrincipal creates a principal with an empty attribute set.
func NewPrincipal(identifier string) *Principal {
	return &Principal{
		Identifier: identifier,
		Attributes: make(Attributes),
	}
}

// Clone returns a deep copy of the principal.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	return &Principal{
		Identifier: p.Identifier,
		Attributes: maps.Clone(p.Attributes),
		IsAdmin:    p.IsAdmin,
	}
}

// SourceName returns the upstream source name bookkeeping attribute.
func (p *Principal) SourceName() string {
	return p.Attributes[AttrExtSourceName]
}

// String returns a short representation suitable for logs.
func (p *Principal) String() string {
	if p == nil {
		return "<nil>"
	}

	return fmt.Sprintf("Principal{Identifier:%q, Source:%q}", p.Identifier, p.SourceName())
}

type principalJSON struct {
	Identifier string            `json:"identifier"`
	Attributes map[string]string `json:"attributes"`
	IsAdmin    bool              `json:"is_admin"`
}

// MarshalJSON implements json.Marshaler with lowercase field names.
func (p *Principal) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal(&principalJSON{
		Identifier: p.Identifier,
		Attributes: p.Attributes,
		IsAdmin:    p.IsAdmin,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Principal) UnmarshalJSON(data []byte) error {
	var raw principalJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Identifier = raw.Identifier
	p.Attributes = Attributes(raw.Attributes)
	if p.Attributes == nil {
		p.Attributes = make(Attributes)
	}
	p.IsAdmin = raw.IsAdmin
	return nil
}
