package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// Percent deterministically buckets (key1, key2) into [0, 100).
//
// The algorithm is fixed for cross-language rollout stability: SHA-256
// over the UTF-8 bytes of "key1:key2", the first 8 hex digits of the
// digest parsed as an unsigned 32-bit integer, modulo 100. It is a pure
// function of its inputs; empty strings are valid.
func Percent(key1, key2 string) int {
	sum := sha256.Sum256([]byte(key1 + ":" + key2))
	// The first 8 hex digits of the digest are its first 4 bytes,
	// big-endian.
	return int(binary.BigEndian.Uint32(sum[:4]) % 100)
}
