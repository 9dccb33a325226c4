// Package lending provides the core types shared by the branch lending engine:
// copy, loan and transaction records, their status enumerations, identifier
// formats, loan policies, error kinds and the storage ports every shard
// engine implements.
//
// The engine keeps one invariant across a horizontally partitioned store:
// a physical copy has at most one open loan. Copies are partitioned by barcode,
// loans and transactions by (branch, timestamp). The components built on these
// types live in sub-packages:
//   - router: partition key to shard, primary or secondary read targets
//   - copyregistry: atomic reserve and release of copies
//   - ledger: borrow, return and renew as a compensating saga
//   - overdue: background active to overdue sweep
//   - journal: append-only transaction log
//
// Common usage pattern:
//
//	loan, err := ledger.Borrow(ctx, copyID, memberID)
//	switch {
//	case errors.Is(err, lending.ErrConflict):
//		// copy is not available
//	case errors.Is(err, lending.ErrQuotaExceeded):
//		// member holds too many open loans
//	}
package lending
