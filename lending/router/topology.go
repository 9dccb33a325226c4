package router

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bachducanh/E-Library/lending"
)

var (
	ErrNoShards        = errors.New("topology has no shards")
	ErrShardIDSequence = errors.New("shard ids must be 0..n-1 in order")
	ErrNilStore        = errors.New("shard node has no store")
	ErrNoBranchRanges  = errors.New("branch has no ranges")
	ErrRangeOrder      = errors.New("branch ranges must be strictly ascending by start")
)

// Node is one database node of a shard.
type Node struct {
	Name  string
	Store lending.ShardStore
	// Probe checks liveness. When nil, Store is used if it implements lending.HealthProbe.
	Probe lending.HealthProbe
	// Lag reports replication lag of a secondary. When nil, Store is used if it
	// implements lending.ReplicationProbe.
	Lag lending.ReplicationProbe
}

// ShardConfig describes the replica set of one shard.
type ShardConfig struct {
	ID          int
	Primary     Node
	Secondaries []Node
}

// BranchRange assigns the loans and transactions of a branch from Since onwards to Shard.
type BranchRange struct {
	Since time.Time
	Shard int
}

// Topology is the static layout the router is built from.
type Topology struct {
	Shards   []ShardConfig
	Branches map[string][]BranchRange
}

// Validate checks shard numbering, node stores and branch range ordering.
func (t Topology) Validate() error {
	if len(t.Shards) == 0 {
		return ErrNoShards
	}

	for i, shard := range t.Shards {
		if shard.ID != i {
			return fmt.Errorf("%w: position %d holds shard %d", ErrShardIDSequence, i, shard.ID)
		}

		if shard.Primary.Store == nil {
			return fmt.Errorf("%w: primary of shard %d", ErrNilStore, i)
		}

		for j, secondary := range shard.Secondaries {
			if secondary.Store == nil {
				return fmt.Errorf("%w: secondary %d of shard %d", ErrNilStore, j, i)
			}
		}
	}

	for branchID, ranges := range t.Branches {
		if err := lending.ValidateBranchID(branchID); err != nil {
			return err
		}

		if len(ranges) == 0 {
			return fmt.Errorf("%w: %s", ErrNoBranchRanges, branchID)
		}

		for i, r := range ranges {
			if r.Shard < 0 || r.Shard >= len(t.Shards) {
				return fmt.Errorf("%w: branch %s range %d points to shard %d", lending.ErrUnknownShard, branchID, i, r.Shard)
			}

			if i > 0 && !r.Since.After(ranges[i-1].Since) {
				return fmt.Errorf("%w: %s", ErrRangeOrder, branchID)
			}
		}
	}

	return nil
}

// SingleRangeBranches assigns each branch one unbounded range on the given shard.
func SingleRangeBranches(shard int, branchIDs ...string) map[string][]BranchRange {
	branches := make(map[string][]BranchRange, len(branchIDs))
	for _, branchID := range branchIDs {
		branches[branchID] = []BranchRange{{Shard: shard}}
	}

	return branches
}

func distinctSorted(shards []int) []int {
	slices.Sort(shards)
	return slices.Compact(shards)
}
