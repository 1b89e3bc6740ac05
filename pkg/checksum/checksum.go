// Package checksum provides SHA-256 digest utilities for artifact integrity
// verification. It is used to compute the content hash of every audit ledger
// record, the checksum attached to uploaded snapshot artifacts, and to verify
// a re-fetched artifact against its recorded checksum. Keeping this logic in a
// dedicated package applies consistent hashing behaviour across the ledger,
// snapshot, and storage layers without duplicating crypto/sha256 wiring
// throughout the codebase.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// SumBytes returns the hex-encoded SHA-256 digest of data.
func SumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumString returns the hex-encoded SHA-256 digest of s.
func SumString(s string) string {
	return SumBytes([]byte(s))
}

// SumReader calculates the SHA-256 checksum of data from a reader
func SumReader(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Hasher accumulates a SHA-256 digest incrementally. It lets callers hash
// while streaming (e.g. tee alongside a file write) without buffering the
// whole payload.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a Hasher ready for writes.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write adds data to the running digest. It never returns an error.
func (hs *Hasher) Write(p []byte) (int, error) {
	return hs.h.Write(p)
}

// Sum returns the hex-encoded digest of everything written so far.
func (hs *Hasher) Sum() string {
	return hex.EncodeToString(hs.h.Sum(nil))
}

// Verify verifies that the checksum of data from a reader matches the expected checksum
func Verify(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := SumReader(reader)
	if err != nil {
		return false, err
	}

	return actualChecksum == expectedChecksum, nil
}
