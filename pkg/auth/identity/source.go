// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import "net/http"

// SourceKind identifies which upstream mechanism authenticated the user.
type SourceKind int

const (
	// SourceNone means no recognized authentication signal was present.
	SourceNone SourceKind = iota
	// SourceFederated means a federated identity provider asserted the user.
	SourceFederated
	// SourceProxy means the trusted proxy asserted an external source.
	SourceProxy
	// SourceCertificate means the trusted proxy verified a client certificate.
	SourceCertificate
)

// String returns the lowercase name used in logs and metrics.
func (k SourceKind) String() string {
	switch k {
	case SourceFederated:
		return "federated"
	case SourceProxy:
		return "proxy"
	case SourceCertificate:
		return "certificate"
	case SourceNone:
		return "none"
	default:
		return "unknown"
	}
}

// Source type identifiers recorded under auth.AttrExtSourceType.
const (
	SourceTypeIdP  = "cz.metacentrum.perun.core.impl.ExtSourceIdp"
	SourceTypeX509 = "cz.metacentrum.perun.core.impl.ExtSourceX509"
)

// LocalSourceName is the proxy-asserted source name of local, credential-less logins.
const LocalSourceName = "LOCAL"

// CertificateVerified is the exact value the proxy sets when it verified the client certificate.
const CertificateVerified = "SUCCESS"

// Signals are the request values that decide which source kind applies.
type Signals struct {
	IdentityProvider   string
	ExternalSource     string
	CertificateVerdict string
}

// SignalsFromRequest reads the classification signals using the configured header names.
func SignalsFromRequest(r *http.Request, names HeaderNames) Signals {
	return Signals{
		IdentityProvider:   r.Header.Get(names.IdentityProvider),
		ExternalSource:     r.Header.Get(names.ExtSource),
		CertificateVerdict: r.Header.Get(names.SSLClientVerify),
	}
}

// Classify applies the source precedence: federated identity provider, then
// proxy-asserted external source, then proxy-verified client certificate.
// The certificate comes last because the proxy fills its fields even when
// another mechanism authenticated the user.
func Classify(s Signals) SourceKind {
	switch {
	case s.IdentityProvider != "":
		return SourceFederated
	case s.ExternalSource != "":
		return SourceProxy
	case s.CertificateVerdict == CertificateVerified:
		return SourceCertificate
	default:
		return SourceNone
	}
}
