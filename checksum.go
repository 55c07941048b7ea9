package metafs

import (
	"crypto/md5"  //nolint:gosec // content fingerprint only
	"crypto/sha1" //nolint:gosec // content fingerprint only
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// hashers maps every algorithm a model "hash" field can be computed with.
var hashers = map[ChecksumAlgorithm]func() hash.Hash{
	ChecksumMD5:    md5.New,  //nolint:gosec // content fingerprint only
	ChecksumSHA1:   sha1.New, //nolint:gosec // content fingerprint only
	ChecksumSHA256: sha256.New,
	ChecksumSHA512: sha512.New,
	ChecksumCRC32:  func() hash.Hash { return crc32.NewIEEE() },
	ChecksumXXHash: func() hash.Hash { return xxhash.New() },
}

// ParseChecksumAlgorithm resolves a configured hash_algorithm value.
// Names are case-insensitive; the empty string selects sha256.
func ParseChecksumAlgorithm(name string) (ChecksumAlgorithm, error) {
	alg := ChecksumAlgorithm(strings.ToLower(strings.TrimSpace(name)))
	if alg == "" {
		return ChecksumSHA256, nil
	}
	if _, ok := hashers[alg]; !ok {
		return "", fmt.Errorf("%w: hash algorithm %q (want one of %s)",
			ErrNotSupported, name, strings.Join(checksumNames(), ", "))
	}
	return alg, nil
}

func checksumNames() []string {
	names := make([]string, 0, len(hashers))
	for alg := range hashers {
		names = append(names, string(alg))
	}
	sort.Strings(names)
	return names
}

// NewHasher returns a fresh hash for algorithm.
func NewHasher(algorithm ChecksumAlgorithm) (hash.Hash, error) {
	mk, ok := hashers[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: hash algorithm %q", ErrNotSupported, algorithm)
	}
	return mk(), nil
}

// CalculateChecksum streams r through algorithm and returns the hex digest
// reported in the "hash" field of file models.
func CalculateChecksum(r io.Reader, algorithm ChecksumAlgorithm) (string, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// shortHash returns the first n hex digits of the xxhash of s. Hash
// selectors are derived from it.
func shortHash(s string, n int) string {
	sum := fmt.Sprintf("%016x", xxhash.Sum64String(s))
	return sum[:min(n, len(sum))]
}
