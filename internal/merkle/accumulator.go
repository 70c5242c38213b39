package merkle

import "github.com/damienh972/hodl-my-notes/internal/hashing"

type peak struct {
	hash   node
	height int
}

// Accumulator maintains the root of a growing leaf sequence in O(log n) per
// append. Its Root is bit-identical to Build(leaves).Root() for the same
// sequence: with the carry-up odd rule the full tree decomposes into perfect
// subtrees (one per set bit of n, largest first) whose roots are folded from
// the right.
//
// An Accumulator is not safe for concurrent use.
type Accumulator struct {
	peaks []peak
	n     int
}

// NewAccumulator returns an accumulator primed with leaves.
func NewAccumulator(leaves ...hashing.EntryHash) *Accumulator {
	a := &Accumulator{}
	for _, l := range leaves {
		a.Add(l)
	}
	return a
}

// Add appends a leaf and returns the new root.
func (a *Accumulator) Add(leaf hashing.EntryHash) hashing.EntryHash {
	a.peaks = append(a.peaks, peak{hash: hashLeaf(leaf)})
	for len(a.peaks) >= 2 {
		last := a.peaks[len(a.peaks)-1]
		prev := a.peaks[len(a.peaks)-2]
		if prev.height != last.height {
			break
		}
		a.peaks = a.peaks[:len(a.peaks)-2]
		a.peaks = append(a.peaks, peak{hash: combine(prev.hash, last.hash), height: prev.height + 1})
	}
	a.n++
	return a.Root()
}

// Root returns the current root, or hashing.Zero when no leaf was added.
func (a *Accumulator) Root() hashing.EntryHash {
	if len(a.peaks) == 0 {
		return hashing.Zero
	}
	running := a.peaks[len(a.peaks)-1].hash
	for i := len(a.peaks) - 2; i >= 0; i-- {
		running = combine(a.peaks[i].hash, running)
	}
	return hashing.FromBytes(running[:])
}

// Len returns the number of leaves added.
func (a *Accumulator) Len() int { return a.n }

// Clone returns an independent copy.
func (a *Accumulator) Clone() *Accumulator {
	return &Accumulator{peaks: append([]peak(nil), a.peaks...), n: a.n}
}
