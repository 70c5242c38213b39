// Package ledger defines the external, append-only record that local chains
// are anchored to and reconciled against.
//
// The ledger is authoritative: it is only ever appended to through Anchor and
// never rewritten by this module. Records are grouped by logbook and ordered
// by anchoring sequence.
//
// Three implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and development.
//   - BadgerLedger: embedded and durable, for a single machine without a
//     database server.
//   - PostgresLedger: durable and shared, for production use.
package ledger
