package object

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Digest is a 64-character lowercase hex-encoded content hash. It is the
// only key under which a blob is stored.
type Digest string

// DigestLen is the length of a hex-encoded Digest.
const DigestLen = 64

// ParseDigest validates s and returns it as a Digest.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if len(s) != DigestLen {
		return "", fmt.Errorf("parse digest %q: want %d hex characters, got %d", s, DigestLen, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("parse digest %q: %w", s, err)
	}
	if strings.ToLower(s) != s {
		return "", fmt.Errorf("parse digest %q: must be lowercase", s)
	}
	return Digest(s), nil
}

// Valid reports whether d is a well-formed digest.
func (d Digest) Valid() bool {
	_, err := ParseDigest(string(d))
	return err == nil
}

// Short returns the first 12 characters of d for display.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

// HashAlgorithm identifies the hash used to derive digests.
type HashAlgorithm string

const (
	HashSHA256     HashAlgorithm = "sha256"
	HashBLAKE2b256 HashAlgorithm = "blake2b-256"
)

// Compression identifies the codec applied to blobs on disk.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionGzip Compression = "gzip"
	CompressionNone Compression = "none"
)

// Options configures a Store.
type Options struct {
	Hash        HashAlgorithm
	Compression Compression
	// Verify re-hashes decompressed content on every read.
	Verify bool
}

// DefaultOptions returns SHA-256, zstd and verified reads.
func DefaultOptions() Options {
	return Options{
		Hash:        HashSHA256,
		Compression: CompressionZstd,
		Verify:      true,
	}
}

func (o Options) withDefaults() Options {
	if o.Hash == "" {
		o.Hash = HashSHA256
	}
	if o.Compression == "" {
		o.Compression = CompressionZstd
	}
	return o
}

// Validate reports unsupported hash or compression identifiers.
func (o Options) Validate() error {
	o = o.withDefaults()
	switch o.Hash {
	case HashSHA256, HashBLAKE2b256:
	default:
		return fmt.Errorf("unsupported hash algorithm %q", o.Hash)
	}
	switch o.Compression {
	case CompressionZstd, CompressionGzip, CompressionNone:
	default:
		return fmt.Errorf("unsupported compression %q", o.Compression)
	}
	return nil
}
