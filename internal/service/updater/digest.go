package updater

import (
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DigestFunction is the hash used for artifact integrity checks.
const DigestFunction = crypto.SHA256

// Sum returns the lowercase hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// Matches reports whether data hashes to expectedHex, ignoring hex case.
func Matches(data []byte, expectedHex string) bool {
	return Sum(data) == strings.ToLower(strings.TrimSpace(expectedHex))
}

// DecodeDigest parses a hex digest into raw checksum bytes.
func DecodeDigest(expectedHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(expectedHex))
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}

	if len(raw) != DigestFunction.Size() {
		return nil, fmt.Errorf("decode digest: %w: got %d bytes", errDigestLength, len(raw))
	}

	return raw, nil
}
