// Package chain implements the local, persisted hash-chain of one logbook.
//
// A Chain is an ordered list of entries. The first entry links to
// hashing.Genesis, every later entry links to its predecessor's EntryHash, and
// each entry carries the Merkle root of all entry hashes up to and including
// itself. Entry content lives beside the chain in a ContentStore and is
// checked against EntryHash by ValidateChain.
//
// A Store owns the in-memory chain of one logbook and serialises writes;
// Manager hands out exactly one Store per logbook. Two Persistence backends
// are provided:
//   - FilePersistence: one canonical JSON document per logbook, replaced by
//     write-then-rename.
//   - BadgerPersistence: one key per logbook in a BadgerDB.
package chain
