package router

import (
	"context"
	"time"

	"github.com/bachducanh/E-Library/lending"
)

// CheckHealth probes every node once and updates their availability.
// Primaries and secondaries are marked unavailable after the configured number of
// consecutive failures and available again on the first success.
func (r *Router) CheckHealth(ctx context.Context) {
	for _, state := range r.shards {
		r.probe(ctx, state.id, state.primary, false)

		for _, secondary := range state.secondaries {
			r.probe(ctx, state.id, secondary, true)
		}
	}
}

// MonitorHealth runs CheckHealth immediately and then every interval until ctx is done.
func (r *Router) MonitorHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.observer.Info(ctx, logMsgMonitorStarted, logAttrInterval, interval.String())
	r.CheckHealth(ctx)

	for {
		select {
		case <-ticker.C:
			r.CheckHealth(ctx)
		case <-ctx.Done():
			r.observer.Info(ctx, logMsgMonitorStopped)
			return
		}
	}
}

func (r *Router) probe(ctx context.Context, shard int, n *nodeState, secondary bool) {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	err := n.ping(probeCtx)

	var lag time.Duration
	if err == nil && secondary {
		lag, err = n.replicationLag(probeCtx)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.lastCheck = time.Now()

	if err != nil {
		n.fails++
		r.observer.Warn(ctx, logMsgProbeFailed, logAttrShard, shard, logAttrNode, n.node.Name, logAttrFails, n.fails, "error", err.Error())

		if n.healthy && n.fails >= r.maxFailures {
			n.healthy = false
			r.observer.Error(ctx, logMsgNodeUnhealthy, err, logAttrShard, shard, logAttrNode, n.node.Name)
		}

		return
	}

	if !n.healthy {
		r.observer.Info(ctx, logMsgNodeRecovered, logAttrShard, shard, logAttrNode, n.node.Name)
	}

	n.healthy = true
	n.fails = 0

	if secondary {
		n.lag = lag
		n.lagKnown = true
	}
}

func (n *nodeState) ping(ctx context.Context) error {
	if n.node.Probe != nil {
		return n.node.Probe.Ping(ctx)
	}

	if probe, ok := n.node.Store.(lending.HealthProbe); ok {
		return probe.Ping(ctx)
	}

	return nil
}

func (n *nodeState) replicationLag(ctx context.Context) (time.Duration, error) {
	if n.node.Lag != nil {
		return n.node.Lag.ReplicationLag(ctx)
	}

	if probe, ok := n.node.Store.(lending.ReplicationProbe); ok {
		return probe.ReplicationLag(ctx)
	}

	return 0, nil
}
