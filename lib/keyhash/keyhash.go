// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyhash computes the stored digest of TPA API keys. Raw keys
// are never persisted or logged; registration and connection auth
// compare BLAKE3 digests only.
package keyhash

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 keyed hash of an API key.
type Digest [32]byte

// apiKeyDomain is the BLAKE3 domain-separation key for API-key
// digests. A fixed constant: changing it invalidates every stored
// digest. Readable ASCII, zero-padded to 32 bytes, so the key is
// identifiable in hex dumps without weakening the hash (keyed BLAKE3
// treats the key as opaque bytes).
var apiKeyDomain = [32]byte{
	'h', 'u', 'b', '.', 't', 'p', 'a', '.', 'a', 'p', 'i', 'k', 'e', 'y', 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Sum computes the digest of a raw API key.
func Sum(apiKey string) Digest {
	hasher, err := blake3.NewKeyed(apiKeyDomain[:])
	if err != nil {
		// NewKeyed only fails on a non-32-byte key; apiKeyDomain is
		// fixed at 32 bytes.
		panic("keyhash: " + err.Error())
	}
	hasher.Write([]byte(apiKey))
	var digest Digest
	hasher.Sum(digest[:0])
	return digest
}

// Verify reports whether the raw API key matches the stored digest,
// in constant time.
func Verify(apiKey string, stored Digest) bool {
	computed := Sum(apiKey)
	return subtle.ConstantTimeCompare(computed[:], stored[:]) == 1
}

// String returns the hex form used in storage and diagnostics.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Parse decodes a hex digest string produced by String.
func Parse(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("keyhash: parsing digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("keyhash: digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
