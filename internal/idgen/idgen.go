// Package idgen provides cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
)

// WithPrefix generates a random ID with a prefix (e.g. "evt_", "req_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// TxHash generates a random 32-byte transaction identifier in the familiar
// 0x-prefixed form.
func TxHash() string {
	return common.BytesToHash(random(common.HashLength)).Hex()
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	return hex.EncodeToString(random(numBytes))
}

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}
