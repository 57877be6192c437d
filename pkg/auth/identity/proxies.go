// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"fmt"
	"net"
	"net/http"
)

// trustedProxies holds the networks allowed to assert identity headers.
// An empty set trusts every peer.
type trustedProxies []*net.IPNet

func parseTrustedProxies(cidrs []string) (trustedProxies, error) {
	blocks := make(trustedProxies, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// allows reports whether the direct peer of req may assert identity headers.
func (t trustedProxies) allows(req *http.Request) bool {
	if len(t) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, block := range t {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
