// Package session holds the per-principal session table and its lifecycle.
//
// A Manager keeps one Record per principal in memory and persists the whole
// table through a Persister. Records leave the table when their credential
// expires, when they go unused for longer than the inactivity timeout, when
// the table is over capacity, or when deleted. Reads made close to a
// credential's expiry start a background refresh through a Refresher.
//
// Writes are debounced: every mutation schedules one write, and the write
// serializes the table as it is when it runs. A crash can lose at most the
// changes made inside one debounce window.
//
// Lifecycle changes are published as Events in the order the causing
// operations ran.
package session
