// Package router maps partition keys to shards and picks the shard node that
// serves a request.
//
// Copies are spread over all shards by an FNV-1a hash of their barcode. Loans and
// transactions are range-partitioned per branch: each branch owns an ordered list
// of time ranges, and each range lives on one shard, so a branch's writes for a
// period stay local to one shard.
//
// Writes always go to the shard primary. Reads go to the primary unless the
// context carries a staleness bound (lending.WithBoundedStaleness) and a healthy
// secondary lags less than that bound.
package router
