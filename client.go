// Package nodekv is a client library for a distributed key-value
// database: it discovers cluster membership, tracks per-namespace
// partition ownership, routes per-key operations to the correct node, and
// runs parallel cluster-wide scans.
package nodekv

import (
	"context"
	"fmt"
	"time"

	"nodekv/internal/cluster"
	"nodekv/internal/clusternode"
	"nodekv/internal/resolver"
	"nodekv/internal/router"
	"nodekv/internal/scan"
	"nodekv/kverrors"
	"nodekv/logging"
	"nodekv/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// Host is one seed address the client is given at construction.
type Host struct {
	Name string
	Port int
}

// Client is the public facade: it owns one Cluster, one Executor, and the
// routing/policy glue between them.
type Client struct {
	policy  ClientPolicy
	cluster *cluster.Cluster
	scanner *scan.Executor
}

// New creates a Client, starts its cluster tender, and blocks briefly
// while it attempts first contact with at least one seed host. It never
// fails hard on an unreachable seed — the tender keeps retrying — but it
// does validate policy up front.
func New(hosts []Host, policy ClientPolicy) (*Client, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("nodekv: invalid client policy: %w", err)
	}
	if len(hosts) == 0 {
		return nil, kverrors.New(kverrors.InvalidNode, "nodekv: at least one seed host is required")
	}

	seeds := make([]struct {
		Host string
		Port int
	}, len(hosts))
	for i, h := range hosts {
		seeds[i].Host = h.Name
		seeds[i].Port = h.Port
	}

	c := cluster.New(cluster.Options{
		Follow:               policy.Follow,
		TendInterval:         policy.TendInterval,
		NodeTendInterval:     policy.NodeTendInterval,
		PartitionMaxInterval: policy.PartitionMaxInterval,
		InfoTimeout:          policy.InfoTimeout,
		Resolver:             resolver.NewDefault(),
		Seeds:                seeds,
	})

	cl := &Client{
		policy:  policy,
		cluster: c,
		scanner: scan.New(c),
	}
	cl.waitForFirstNode(2 * policy.TendInterval)
	return cl, nil
}

// Close tears the client's cluster down, waiting up to policy.DestroyDelay
// (clamped to [0, 60000]ms) for in-flight work to settle first.
func (cl *Client) Close() {
	cl.cluster.Destroy(clampDestroyDelay(cl.policy.DestroyDelay))
}

// AddHost registers another seed host. Duplicate (host, port) pairs are a
// no-op (spec.md §8).
func (cl *Client) AddHost(name string, port int) {
	cl.cluster.AddHost(name, port)
}

// Route resolves cmd to the node that should serve it, consulting the
// partition table first and falling back to a random live node. It returns
// ErrNoLiveNode if the cluster has no node at all.
func (cl *Client) Route(cmd Command) (*clusternode.Node, error) {
	table := cl.cluster.PartitionTable()
	n := table.PartitionCount()
	node := router.GetNodeFor(table, cl.cluster, n, cmd.Namespace, cmd.Digest[:], cmd.Write)
	if node == nil {
		return nil, kverrors.ErrNoLiveNode
	}
	return node, nil
}

// Scan runs a cluster-wide scan over desc/policy, streaming records
// through cb, and returns the assigned task id.
func (cl *Client) Scan(ctx context.Context, desc scan.Descriptor, scanPolicy scan.Policy, background bool, cb scan.Callback) (scan.TaskID, error) {
	if scanPolicy.Timeout <= 0 {
		scanPolicy.Timeout = cl.policy.ScanTimeout
	}
	return cl.scanner.Run(ctx, desc, scanPolicy, background, cb)
}

// Stats is a snapshot of cluster-health counters, for diagnostics and
// tests.
type Stats struct {
	ActiveNodes        int
	RequestsInProgress int64
	NodeListGeneration uint64
}

// Stats returns a point-in-time snapshot of cluster health.
func (cl *Client) Stats() Stats {
	return Stats{
		ActiveNodes:        cl.cluster.ActiveNodeCount(),
		RequestsInProgress: cl.cluster.RequestsInProgress(),
		NodeListGeneration: cl.cluster.NodeListGeneration(),
	}
}

// RegisterMetrics registers nodekv's Prometheus collectors against reg.
// Call once per process.
func RegisterMetrics(reg prometheus.Registerer) {
	metrics.MustRegister(reg)
}

// ConfigureLogging initializes nodekv's zerolog output. Call before New if
// non-default logging is desired; otherwise nodekv logs at info level to
// stdout.
func ConfigureLogging(cfg logging.Config) {
	logging.Init(cfg)
}

// waitForFirstNode blocks until at least one node is known or timeout
// elapses, and reports whether a node was found. New ignores the result:
// an unreachable seed set still yields a Client with zero nodes.
func (cl *Client) waitForFirstNode(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cl.cluster.ActiveNodeCount() > 0 {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
