// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// organizationPattern matches the O= component of a distinguished name.
var organizationPattern = regexp.MustCompile(`(?:^|[,+])\s*[oO]\s*=([^+,]*)`)

// clientCertificate returns the client certificate forwarded by the proxy in
// header, or the TLS peer certificate when the header is absent. It returns
// nil without error when neither is available.
func clientCertificate(r *http.Request, header string) (*x509.Certificate, error) {
	if raw := r.Header.Get(header); raw != "" {
		return parseForwardedCertificate(raw)
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0], nil
	}
	return nil, nil
}

// parseForwardedCertificate parses a PEM certificate that may be URL-escaped,
// as produced by nginx's $ssl_client_escaped_cert.
func parseForwardedCertificate(raw string) (*x509.Certificate, error) {
	if strings.Contains(raw, "%") {
		unescaped, err := url.PathUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to unescape client certificate: %w", err)
		}
		raw = unescaped
	}

	block, _ := pem.Decode([]byte(raw))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("client certificate is not a PEM encoded certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client certificate: %w", err)
	}
	return cert, nil
}

// lastEmail returns the last RFC 822 name among the certificate's subject
// alternative names.
func lastEmail(cert *x509.Certificate) (string, bool) {
	if len(cert.EmailAddresses) == 0 {
		return "", false
	}
	return cert.EmailAddresses[len(cert.EmailAddresses)-1], true
}

// organizationFromDN extracts the first non-empty O= value of a distinguished name.
func organizationFromDN(dn string) (string, bool) {
	for _, m := range organizationPattern.FindAllStringSubmatch(dn, -1) {
		if org := strings.TrimSpace(m[1]); org != "" {
			return org, true
		}
	}
	return "", false
}
