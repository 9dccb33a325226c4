// Package memengine provides an in-memory shard store and member directory.
//
// A Store keeps the copies, loans and transactions of one shard node behind a
// single RWMutex, so compare-and-set operations are atomic per store. It backs
// the test suites and the single-process mode of lendingd.
package memengine
