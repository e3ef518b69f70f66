package license

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// keyBytes of entropy => 2*keyBytes uppercase hex chars.
const keyBytes = 4

// NewKey returns a fresh license key. Keys are not checked for uniqueness
// here; the store's insert-if-absent is the collision guard.
func NewKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// NormalizeKey trims and upper-cases user input so "abcd1234 " and
// "ABCD1234" name the same license.
func NormalizeKey(k string) string {
	return strings.ToUpper(strings.TrimSpace(k))
}
