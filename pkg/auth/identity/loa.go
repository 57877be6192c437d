// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import "strconv"

// DefaultFederatedLoA is assumed when a federated identity provider sends no LoA.
const DefaultFederatedLoA = "2"

// ParseLoA converts a level of assurance to an integer. Empty and non-numeric
// values yield 0.
func ParseLoA(value string) int {
	loa, ok := parseLoA(value)
	if !ok {
		return 0
	}
	return loa
}

func parseLoA(value string) (int, bool) {
	if value == "" {
		return 0, false
	}
	loa, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return loa, true
}
