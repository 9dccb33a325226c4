package helper

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bachducanh/E-Library/lending/memengine"
	"github.com/bachducanh/E-Library/lending/router"
)

// MemoryCluster is an in-memory sharded topology for component tests.
type MemoryCluster struct {
	Router *router.Router
	Shards []*memengine.Store
}

// GivenMemoryCluster builds shardCount in-memory shards. Branch i (in the given order)
// keeps its loans and transactions on shard i modulo shardCount.
func GivenMemoryCluster(t testing.TB, shardCount int, branchIDs ...string) MemoryCluster {
	t.Helper()

	cluster := MemoryCluster{}
	shards := make([]router.ShardConfig, 0, shardCount)

	for i := range shardCount {
		store := memengine.NewStore()
		cluster.Shards = append(cluster.Shards, store)
		shards = append(shards, router.ShardConfig{
			ID:      i,
			Primary: router.Node{Name: fmt.Sprintf("mem-%d", i), Store: store},
		})
	}

	branches := make(map[string][]router.BranchRange, len(branchIDs))
	for i, branchID := range branchIDs {
		branches[branchID] = []router.BranchRange{{Shard: i % shardCount}}
	}

	r, err := router.New(router.Topology{Shards: shards, Branches: branches})
	require.NoError(t, err, "error in arranging test data")
	cluster.Router = r

	return cluster
}

// CopyShard returns the store that holds the copy with the given id.
func (c MemoryCluster) CopyShard(t testing.TB, copyID string) *memengine.Store {
	t.Helper()

	shard, err := c.Router.ShardForCopyID(copyID)
	require.NoError(t, err)

	return c.Shards[shard]
}

// LoanShard returns the store that holds the loan with the given id.
func (c MemoryCluster) LoanShard(t testing.TB, loanID string) *memengine.Store {
	t.Helper()

	shard, err := c.Router.ShardForLoanID(loanID)
	require.NoError(t, err)

	return c.Shards[shard]
}
