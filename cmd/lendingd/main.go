// Command lendingd runs the multi-branch lending engine: the HTTP API together
// with the health monitor, journal drainer, release reconciler and overdue sweep.
//
// One-shot subcommands serve external schedulers and deployments:
//
//	lendingd serve      # API and background loops
//	lendingd sweep      # one overdue sweep, if this process wins the leader lock
//	lendingd reconcile  # retry pending copy releases once
//	lendingd migrate    # create tables and indexes on every shard primary and the catalog
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
