package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bachducanh/E-Library/lending"
)

const (
	defaultMaxFailures  = 3
	defaultProbeTimeout = 2 * time.Second

	logMsgNodeUnhealthy  = "shard node marked unavailable"
	logMsgNodeRecovered  = "shard node recovered"
	logMsgProbeFailed    = "shard node probe failed"
	logMsgMonitorStarted = "shard health monitor started"
	logMsgMonitorStopped = "shard health monitor stopped"
	logAttrShard         = "shard"
	logAttrNode          = "node"
	logAttrFails         = "consecutive_fails"
	logAttrInterval      = "interval"
)

// Router resolves partition keys to shards and shards to stores.
type Router struct {
	shards       []*shardState
	branches     map[string][]BranchRange
	maxFailures  int
	probeTimeout time.Duration
	observer     lending.Observer
}

type shardState struct {
	id          int
	primary     *nodeState
	secondaries []*nodeState
	next        atomic.Uint32
}

type nodeState struct {
	node      Node
	mu        sync.RWMutex
	healthy   bool
	fails     int
	lag       time.Duration
	lagKnown  bool
	lastCheck time.Time
}

// Option defines a functional option for configuring the Router.
type Option func(*Router) error

// WithLogger sets the logger used by the health monitor.
func WithLogger(logger lending.Logger) Option {
	return func(r *Router) error {
		r.observer.Logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger.
func WithContextualLogger(logger lending.ContextualLogger) Option {
	return func(r *Router) error {
		r.observer.ContextualLogger = logger
		return nil
	}
}

// WithMaxFailures sets how many consecutive failed probes mark a node unavailable.
func WithMaxFailures(n int) Option {
	return func(r *Router) error {
		if n < 1 {
			return fmt.Errorf("%w: max failures %d", lending.ErrInvalidArgument, n)
		}

		r.maxFailures = n

		return nil
	}
}

// WithProbeTimeout bounds each health probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Router) error {
		r.probeTimeout = d
		return nil
	}
}

// New builds a Router from a validated topology. Every node starts healthy;
// secondaries serve no reads until their lag has been measured once.
func New(topology Topology, options ...Option) (*Router, error) {
	if err := topology.Validate(); err != nil {
		return nil, err
	}

	r := &Router{
		branches:     make(map[string][]BranchRange, len(topology.Branches)),
		maxFailures:  defaultMaxFailures,
		probeTimeout: defaultProbeTimeout,
	}

	for branchID, ranges := range topology.Branches {
		r.branches[branchID] = slices.Clone(ranges)
	}

	for _, shard := range topology.Shards {
		state := &shardState{id: shard.ID, primary: &nodeState{node: shard.Primary, healthy: true}}
		for _, secondary := range shard.Secondaries {
			state.secondaries = append(state.secondaries, &nodeState{node: secondary, healthy: true})
		}

		r.shards = append(r.shards, state)
	}

	for _, option := range options {
		if err := option(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// ShardCount returns the number of shards.
func (r *Router) ShardCount() int {
	return len(r.shards)
}

// ShardForCopy returns the shard holding the copy with the given barcode.
func (r *Router) ShardForCopy(barcode string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(barcode))

	return int(h.Sum32() % uint32(len(r.shards)))
}

// ShardForCopyID derives the barcode from a copy id and routes it.
func (r *Router) ShardForCopyID(copyID string) (int, error) {
	barcode, err := lending.BarcodeFromCopyID(copyID)
	if err != nil {
		return 0, err
	}

	return r.ShardForCopy(barcode), nil
}

// ShardForLoan returns the shard holding the loans and transactions of branchID at
// the given instant. Instants before the first range belong to the first range.
func (r *Router) ShardForLoan(branchID string, at time.Time) (int, error) {
	ranges, ok := r.branches[branchID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", lending.ErrUnknownBranch, branchID)
	}

	shard := ranges[0].Shard
	for _, rng := range ranges[1:] {
		if at.Before(rng.Since) {
			break
		}

		shard = rng.Shard
	}

	return shard, nil
}

// ShardForLoanID routes a loan by the partition key embedded in its id.
func (r *Router) ShardForLoanID(loanID string) (int, error) {
	branchID, borrowedAt, err := lending.ParseLoanID(loanID)
	if err != nil {
		return 0, err
	}

	return r.ShardForLoan(branchID, borrowedAt)
}

// ShardsForBranch returns every shard any range of the branch lives on.
func (r *Router) ShardsForBranch(branchID string) ([]int, error) {
	return r.ShardsForBranchRange(branchID, time.Time{}, time.Time{})
}

// ShardsForBranchRange returns the shards whose ranges of branchID overlap
// [from, until). Zero bounds are open.
func (r *Router) ShardsForBranchRange(branchID string, from, until time.Time) ([]int, error) {
	ranges, ok := r.branches[branchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lending.ErrUnknownBranch, branchID)
	}

	var shards []int
	for i, rng := range ranges {
		startsBeforeUntil := until.IsZero() || i == 0 || rng.Since.Before(until)
		endsAfterFrom := from.IsZero() || i == len(ranges)-1 || ranges[i+1].Since.After(from)

		if startsBeforeUntil && endsAfterFrom {
			shards = append(shards, rng.Shard)
		}
	}

	return distinctSorted(shards), nil
}

// LoanShards returns every shard holding loans of any branch.
func (r *Router) LoanShards() []int {
	var shards []int
	for _, ranges := range r.branches {
		for _, rng := range ranges {
			shards = append(shards, rng.Shard)
		}
	}

	return distinctSorted(shards)
}

// CopyShards returns every shard; copies hash over all of them.
func (r *Router) CopyShards() []int {
	shards := make([]int, len(r.shards))
	for i := range shards {
		shards[i] = i
	}

	return shards
}

// Branches returns the configured branch ids in order.
func (r *Router) Branches() []string {
	return slices.Sorted(maps.Keys(r.branches))
}

// HasBranch reports whether branchID is configured.
func (r *Router) HasBranch(branchID string) bool {
	_, ok := r.branches[branchID]
	return ok
}

// ResolvePrimary returns the store of the shard primary, failing with
// lending.ErrShardUnavailable while the primary is marked down.
func (r *Router) ResolvePrimary(_ context.Context, shard int) (lending.ShardStore, error) {
	state, err := r.shard(shard)
	if err != nil {
		return nil, err
	}

	if !state.primary.isHealthy() {
		return nil, fmt.Errorf("%w: shard %d primary %s", lending.ErrShardUnavailable, shard, state.primary.node.Name)
	}

	return state.primary.node.Store, nil
}

// ResolveRead returns a secondary within the context's staleness bound when one
// exists, otherwise the primary.
func (r *Router) ResolveRead(ctx context.Context, shard int) (lending.ShardStore, error) {
	state, err := r.shard(shard)
	if err != nil {
		return nil, err
	}

	if bound, ok := lending.GetStalenessBound(ctx); ok && len(state.secondaries) > 0 {
		start := int(state.next.Add(1))
		for i := range state.secondaries {
			candidate := state.secondaries[(start+i)%len(state.secondaries)]
			if candidate.servesWithin(bound) {
				return candidate.node.Store, nil
			}
		}
	}

	return r.ResolvePrimary(ctx, shard)
}

// MarkUnavailable takes a shard primary out of rotation until the next successful probe.
func (r *Router) MarkUnavailable(shard int) error {
	state, err := r.shard(shard)
	if err != nil {
		return err
	}

	state.primary.mu.Lock()
	defer state.primary.mu.Unlock()
	state.primary.healthy = false
	state.primary.fails = r.maxFailures

	return nil
}

// ShardHealth is a snapshot of one shard's node states.
type ShardHealth struct {
	Shard       int
	Primary     NodeHealth
	Secondaries []NodeHealth
}

// NodeHealth is a snapshot of one node state.
type NodeHealth struct {
	Name             string
	Healthy          bool
	ConsecutiveFails int
	Lag              time.Duration
	LagKnown         bool
	LastCheck        time.Time
}

// Health returns a snapshot of all shards.
func (r *Router) Health() []ShardHealth {
	health := make([]ShardHealth, 0, len(r.shards))
	for _, state := range r.shards {
		sh := ShardHealth{Shard: state.id, Primary: state.primary.snapshot()}
		for _, secondary := range state.secondaries {
			sh.Secondaries = append(sh.Secondaries, secondary.snapshot())
		}

		health = append(health, sh)
	}

	return health
}

func (r *Router) shard(shard int) (*shardState, error) {
	if shard < 0 || shard >= len(r.shards) {
		return nil, fmt.Errorf("%w: %d", lending.ErrUnknownShard, shard)
	}

	return r.shards[shard], nil
}

func (n *nodeState) isHealthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.healthy
}

func (n *nodeState) servesWithin(bound time.Duration) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.healthy && n.lagKnown && n.lag <= bound
}

func (n *nodeState) snapshot() NodeHealth {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return NodeHealth{
		Name:             n.node.Name,
		Healthy:          n.healthy,
		ConsecutiveFails: n.fails,
		Lag:              n.lag,
		LagKnown:         n.lagKnown,
		LastCheck:        n.lastCheck,
	}
}
