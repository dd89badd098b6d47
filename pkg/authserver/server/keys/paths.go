// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"strings"
	"time"
)

const (
	// PrivateKeyPrefix is the object store prefix for private key PEMs.
	PrivateKeyPrefix = "private-keys/"

	// PublicKeyPrefix is the object store prefix for public key and certificate PEMs.
	PublicKeyPrefix = "public-keys/"

	privateKeySuffix = "-private.pem"
	publicKeySuffix  = "-public.pem"

	// stampLayout is fixed width so lexical order of keys equals creation order.
	stampLayout = "2006-01-02T15-04-05.000000000Z"
)

// keyStamp formats t as the sortable stamp shared by both halves of a key pair.
func keyStamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// PrivateKeyPath returns the object key of the private half of the pair created at t.
func PrivateKeyPath(t time.Time) string {
	return PrivateKeyPrefix + keyStamp(t) + privateKeySuffix
}

// PublicKeyPath returns the object key of the public half of the pair created at t.
func PublicKeyPath(t time.Time) string {
	return PublicKeyPrefix + keyStamp(t) + publicKeySuffix
}

// parseStamp extracts the stamp portion from an object key, e.g.
// "private-keys/2025-01-02T03-04-05.000000000Z-private.pem" -> "2025-01-02T03-04-05.000000000Z".
func parseStamp(key string) (string, bool) {
	var rest string
	switch {
	case strings.HasPrefix(key, PrivateKeyPrefix):
		rest = strings.TrimSuffix(strings.TrimPrefix(key, PrivateKeyPrefix), privateKeySuffix)
	case strings.HasPrefix(key, PublicKeyPrefix):
		rest = strings.TrimSuffix(strings.TrimPrefix(key, PublicKeyPrefix), publicKeySuffix)
	default:
		return "", false
	}
	if _, err := time.Parse(stampLayout, rest); err != nil {
		return "", false
	}
	return rest, true
}

// stampTime parses a stamp returned by parseStamp.
func stampTime(stamp string) time.Time {
	t, _ := time.Parse(stampLayout, stamp)
	return t
}
