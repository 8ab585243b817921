// Package fingerprint computes content digests used to deduplicate vectors.
package fingerprint

import (
	"crypto/sha256"

	"github.com/hyperjump/kasane/internal/models"
)

// Of returns the SHA-256 digest of v's canonical byte encoding.
// Vectors with identical bytes always yield the same fingerprint.
func Of(v models.Vector) models.Fingerprint {
	return OfBytes(v.Bytes())
}

// OfBytes hashes an already encoded vector blob.
func OfBytes(b []byte) models.Fingerprint {
	return models.Fingerprint(sha256.Sum256(b))
}
