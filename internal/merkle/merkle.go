// Package merkle builds Merkle trees over ordered lists of entry hashes.
//
// Leaves are hashed once more before entering the tree. Sibling pairs are
// sorted bytewise before combining, so a proof is just the list of sibling
// hashes and verification does not need left/right flags. When a level has an
// odd number of nodes the last node is carried up unchanged.
//
// The empty tree has root hashing.Zero.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"

	"github.com/damienh972/hodl-my-notes/internal/hashing"
)

// ErrLeafNotFound is returned by Proof when the leaf is not part of the tree.
var ErrLeafNotFound = errors.New("leaf not found in merkle tree")

type node [sha256.Size]byte

// Tree is an immutable Merkle tree. levels[0] holds the hashed leaves and the
// last level holds the root.
type Tree struct {
	leaves []hashing.EntryHash
	levels [][]node
}

// Build constructs the tree for leaves. Leaves must be canonical hashes;
// non-canonical values are hashed from their string bytes so that Build never
// fails, but such trees will not match any ledger-produced root.
func Build(leaves []hashing.EntryHash) *Tree {
	t := &Tree{leaves: append([]hashing.EntryHash(nil), leaves...)}
	if len(leaves) == 0 {
		return t
	}

	level := make([]node, len(leaves))
	for i, l := range leaves {
		level[i] = hashLeaf(l)
	}
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		next := make([]node, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				break
			}
			next = append(next, combine(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// Root returns the tree root, or hashing.Zero for an empty tree.
func (t *Tree) Root() hashing.EntryHash {
	if len(t.levels) == 0 {
		return hashing.Zero
	}
	top := t.levels[len(t.levels)-1][0]
	return hashing.FromBytes(top[:])
}

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.leaves) }

// Proof returns the sibling path for the first occurrence of leaf.
func (t *Tree) Proof(leaf hashing.EntryHash) ([]hashing.EntryHash, error) {
	idx := -1
	for i, l := range t.leaves {
		if l.Equal(leaf) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrLeafNotFound
	}
	return t.ProofAt(idx)
}

// ProofAt returns the sibling path for the leaf at position idx.
func (t *Tree) ProofAt(idx int) ([]hashing.EntryHash, error) {
	if idx < 0 || idx >= len(t.leaves) {
		return nil, ErrLeafNotFound
	}
	proof := []hashing.EntryHash{}
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		// A carried node has no sibling at this level.
		if sibling < len(level) {
			proof = append(proof, hashing.FromBytes(level[sibling][:]))
		}
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from leaf and proof and compares it with root.
func Verify(proof []hashing.EntryHash, leaf, root hashing.EntryHash) bool {
	running := hashLeaf(leaf)
	for _, p := range proof {
		b, err := p.Bytes()
		if err != nil {
			return false
		}
		var sibling node
		copy(sibling[:], b)
		running = combine(running, sibling)
	}
	want, err := root.Bytes()
	if err != nil {
		return false
	}
	return bytes.Equal(running[:], want)
}

// Root is a convenience for Build(leaves).Root().
func Root(leaves []hashing.EntryHash) hashing.EntryHash {
	return Build(leaves).Root()
}

func hashLeaf(leaf hashing.EntryHash) node {
	b, err := leaf.Bytes()
	if err != nil {
		b = []byte(leaf)
	}
	return sha256.Sum256(b)
}

func combine(a, b node) node {
	buf := make([]byte, 0, 2*sha256.Size)
	if bytes.Compare(a[:], b[:]) <= 0 {
		buf = append(append(buf, a[:]...), b[:]...)
	} else {
		buf = append(append(buf, b[:]...), a[:]...)
	}
	return sha256.Sum256(buf)
}
