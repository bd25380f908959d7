package object

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Sum hashes data with the algorithm and returns the hex digest.
func (a HashAlgorithm) Sum(data []byte) (Digest, error) {
	switch a {
	case HashSHA256, "":
		sum := sha256.Sum256(data)
		return Digest(hex.EncodeToString(sum[:])), nil
	case HashBLAKE2b256:
		sum := blake2b.Sum256(data)
		return Digest(hex.EncodeToString(sum[:])), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", a)
	}
}

// HashBytes computes the SHA-256 digest of data.
func HashBytes(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest(hex.EncodeToString(sum[:]))
}
