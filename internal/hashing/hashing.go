// Package hashing defines the canonical content digest used as the identity
// of every logbook entry.
//
// An EntryHash is the SHA-256 of the entry content rendered as "0x" followed
// by 64 lowercase hex digits. Parsing accepts either hex case; hashes produced
// by Sum are always lowercase.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// EntryHash is a 32-byte digest in its canonical "0x"-prefixed hex form.
type EntryHash string

const prefix = "0x"

// Zero is the all-zero digest. It is the root of an empty Merkle tree.
const Zero EntryHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

var hashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Genesis is the fixed previous hash of the first entry of every chain.
var Genesis = Sum([]byte("genesis"))

// Sum returns the SHA-256 digest of content.
func Sum(content []byte) EntryHash {
	h := sha256.Sum256(content)
	return FromBytes(h[:])
}

// SumString hashes the UTF-8 bytes of s.
func SumString(s string) EntryHash {
	return Sum([]byte(s))
}

// FromBytes renders a raw 32-byte digest. It panics on any other length.
func FromBytes(b []byte) EntryHash {
	if len(b) != sha256.Size {
		panic(fmt.Sprintf("hashing: digest must be %d bytes, got %d", sha256.Size, len(b)))
	}
	return EntryHash(prefix + hex.EncodeToString(b))
}

// Valid reports whether s is a canonical hash string.
func Valid(s string) bool {
	return hashPattern.MatchString(s)
}

// Parse validates s and returns it as a lowercase EntryHash.
func Parse(s string) (EntryHash, error) {
	if !Valid(s) {
		return "", fmt.Errorf("hash %q must match 0x followed by 64 hex digits", s)
	}
	return EntryHash(strings.ToLower(s)), nil
}

// MustParse parses a hash and panics on error. Useful in tests and init blocks.
func MustParse(s string) EntryHash {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

// Bytes decodes the digest. It fails if h is not in canonical form.
func (h EntryHash) Bytes() ([]byte, error) {
	if !Valid(string(h)) {
		return nil, fmt.Errorf("hash %q is not canonical", string(h))
	}
	return hex.DecodeString(string(h)[len(prefix):])
}

// Equal compares two hashes ignoring hex case.
func (h EntryHash) Equal(other EntryHash) bool {
	return strings.EqualFold(string(h), string(other))
}

// String implements fmt.Stringer.
func (h EntryHash) String() string { return string(h) }

// Short returns the first 10 characters of the hash for log output.
func (h EntryHash) Short() string {
	if len(h) <= 10 {
		return string(h)
	}
	return string(h[:10])
}

// BuildPayload returns the canonical composite identifier
// "logbook:<name>:<hash>" used when a name/hash pair must itself be hashed.
func BuildPayload(name string, h EntryHash) string {
	return "logbook:" + name + ":" + string(h)
}
