// Package cluster implements spec.md §4.E: the node set, the periodic
// tender that discovers and prunes nodes, seed-host bookkeeping, and the
// request-parking queue used while no node is known.
package cluster

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"nodekv/internal/clusternode"
	"nodekv/internal/infoproto"
	"nodekv/internal/partition"
	"nodekv/internal/resolver"
	"nodekv/logging"
	"nodekv/metrics"
)

// seedHost is a (hostname, port) pair the cluster falls back to when the
// live node list has collapsed to empty. Seed hosts are never removed
// (spec.md §3).
type seedHost struct {
	host string
	port int
}

func (s seedHost) addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// RestartFunc is the hook the surrounding runtime supplies so parked
// requests can be retried once a node becomes known. The request shape
// itself is out of scope (spec.md §1's op-construction API boundary).
type RestartFunc func(req any)

// Cluster owns the live node set and drives the tender.
type Cluster struct {
	mu    sync.Mutex // guards nodes + cursor, per spec.md §5
	nodes []*clusternode.Node
	cursor uint64 // atomic-accessed round-robin cursor

	table *partition.Table

	seedsMu sync.Mutex
	seeds   []seedHost

	resolver resolver.Resolver

	follow atomic.Bool

	tendInterval          time.Duration
	nodeTendInterval      time.Duration
	partitionMaxInterval  time.Duration
	infoTimeout           time.Duration

	requestsInProgress int64 // atomic
	infosInProgress    int64 // atomic
	nodeListGeneration uint64 // atomic; bumped on every insert/remove

	shutdown atomic.Bool

	requestQueueMu sync.Mutex
	requestQueue   []any
	restart        RestartFunc

	tenderStop chan struct{}
	tenderDone chan struct{}
}

// Options configures cluster construction. Zero durations and a nil
// Resolver fall back to the spec.md §6 defaults; Follow is used as given,
// so its zero value leaves following off.
type Options struct {
	Follow               bool
	TendInterval         time.Duration
	NodeTendInterval     time.Duration
	PartitionMaxInterval time.Duration
	InfoTimeout          time.Duration
	Resolver             resolver.Resolver
	Seeds                []struct {
		Host string
		Port int
	}
}

// New creates a Cluster and starts its tender loop. Callers must call
// Destroy to stop it.
func New(opts Options) *Cluster {
	if opts.TendInterval <= 0 {
		opts.TendInterval = 1200 * time.Millisecond
	}
	if opts.NodeTendInterval <= 0 {
		opts.NodeTendInterval = 1 * time.Second
	}
	if opts.PartitionMaxInterval <= 0 {
		opts.PartitionMaxInterval = 5 * time.Second
	}
	if opts.InfoTimeout <= 0 {
		opts.InfoTimeout = 1 * time.Second
	}
	if opts.Resolver == nil {
		opts.Resolver = resolver.NewDefault()
	}

	c := &Cluster{
		table:                partition.New(),
		resolver:             opts.Resolver,
		tendInterval:         opts.TendInterval,
		nodeTendInterval:     opts.NodeTendInterval,
		partitionMaxInterval: opts.PartitionMaxInterval,
		infoTimeout:          opts.InfoTimeout,
		tenderStop:           make(chan struct{}),
		tenderDone:           make(chan struct{}),
	}
	c.follow.Store(opts.Follow)

	for _, s := range opts.Seeds {
		c.AddHost(s.Host, s.Port)
	}

	go c.tenderLoop()
	return c
}

// SetRestartHook wires the callback used to drain parked requests once a
// node becomes known.
func (c *Cluster) SetRestartHook(fn RestartFunc) {
	c.restart = fn
}

// PartitionTable exposes the shared partition table to the router and
// scan executor.
func (c *Cluster) PartitionTable() *partition.Table { return c.table }

// Follow reports whether services replies should be followed.
func (c *Cluster) Follow() bool { return c.follow.Load() }

// SetFollow toggles whether services replies add new candidate addresses.
func (c *Cluster) SetFollow(v bool) { c.follow.Store(v) }

func (c *Cluster) NodeTendInterval() time.Duration     { return c.nodeTendInterval }
func (c *Cluster) PartitionMaxInterval() time.Duration { return c.partitionMaxInterval }
func (c *Cluster) InfoTimeout() time.Duration          { return c.infoTimeout }

// ActiveNodeCount returns the number of live, non-dunned nodes — per the
// SPEC_FULL.md/DESIGN.md open-question decision, this is the *filtered*
// count, not the raw node-list length.
func (c *Cluster) ActiveNodeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, node := range c.nodes {
		if !node.Dunned() {
			n++
		}
	}
	return n
}

// RequestsInProgress returns the current in-progress-request counter.
func (c *Cluster) RequestsInProgress() int64 {
	return atomic.LoadInt64(&c.requestsInProgress)
}

// NodeListGeneration returns the generation counter bumped on every
// structural change to the node list (SPEC_FULL.md §4's supplement,
// grounded on cl_cluster.c's nodes_gen).
func (c *Cluster) NodeListGeneration() uint64 {
	return atomic.LoadUint64(&c.nodeListGeneration)
}

// AddHost adds a seed host. Adding the same (host, port) twice yields
// exactly one entry (spec.md §8).
func (c *Cluster) AddHost(host string, port int) {
	c.seedsMu.Lock()
	defer c.seedsMu.Unlock()
	for _, s := range c.seeds {
		if s.host == host && s.port == port {
			return
		}
	}
	c.seeds = append(c.seeds, seedHost{host: host, port: port})
}

// Snapshot returns the current node list. Per spec.md §3, enumeration
// order is not semantic but must be stable during a single lookup — the
// returned slice is a fresh copy, safe to range over without the lock.
func (c *Cluster) Snapshot() []*clusternode.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*clusternode.Node, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// RandomLiveNode implements router.NodeSource: walk the node list from the
// cluster-wide round-robin cursor and return the first non-dunned node.
func (c *Cluster) RandomLiveNode() *clusternode.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.nodes)
	if n == 0 {
		return nil
	}
	start := int(atomic.AddUint64(&c.cursor, 1)) % n
	for i := 0; i < n; i++ {
		node := c.nodes[(start+i)%n]
		if !node.Dunned() {
			return node
		}
	}
	return nil
}

// findByNameLocked returns the node with the given name, if present. Caller
// must hold c.mu.
func (c *Cluster) findByNameLocked(name string) *clusternode.Node {
	for _, node := range c.nodes {
		if node.Name() == name {
			return node
		}
	}
	return nil
}

// findByAddressLocked returns the node whose address list already contains addr,
// if any. Caller must hold c.mu.
func (c *Cluster) findByAddressLocked(addr string) *clusternode.Node {
	for _, node := range c.nodes {
		if node.HasAddress(addr) {
			return node
		}
	}
	return nil
}

// SubmitCandidateAddress implements clusternode.Host and the cluster's
// "new-address path" (spec.md §4.E): probe addr for identity, and either
// attach it to an existing node, create a new one, or do nothing if it's
// already known.
func (c *Cluster) SubmitCandidateAddress(addr string) {
	c.mu.Lock()
	if c.findByAddressLocked(addr) != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.shutdown.Load() {
		return
	}

	atomic.AddInt64(&c.infosInProgress, 1)
	defer atomic.AddInt64(&c.infosInProgress, -1)

	names := []string{"node"}
	knowN := c.table.PartitionCount() > 0
	if !knowN {
		names = append(names, "partitions")
	}

	fields, err := probeInfo(addr, c.infoTimeout, names...)
	if err != nil {
		logging.WithComponent("cluster").Debug().Str("addr", addr).Err(err).
			Msg("new-address probe failed")
		return
	}
	if c.shutdown.Load() {
		return
	}

	name, ok := fields["node"]
	if !ok || name == "" {
		logging.WithComponent("cluster").Warn().Str("addr", addr).
			Msg("new-address probe returned no node identity")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing := c.findByNameLocked(name); existing != nil {
		existing.AddAddress(addr)
		return
	}

	if !knowN {
		if partStr, ok := fields["partitions"]; ok {
			c.table.SetPartitionCount(parseIntField(partStr))
		}
	}

	node := clusternode.New(name, addr, c, c.table)
	node.Ref().Reserve("C")
	node.StartTend(c.nodeTendInterval)
	node.Ref().Reserve("L")
	c.nodes = append(c.nodes, node)
	atomic.AddUint64(&c.nodeListGeneration, 1)
	metrics.LiveNodes.Set(float64(len(c.nodes)))

	logging.WithComponent("cluster").Info().Str("node", name).Str("addr", addr).
		Msg("node discovered and added to cluster")

	c.drainParkedRequestsLocked()
}

// probeInfo opens a short-lived connection to addr and issues an info
// request — used only for nodes that don't exist yet (the new-address
// path has no Node/pool to reuse).
func probeInfo(addr string, timeout time.Duration, names ...string) (map[string]string, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return infoproto.Request(conn, timeout, names...)
}

func parseIntField(s string) int {
	v := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return v
		}
		v = v*10 + int(c-'0')
	}
	return v
}

// Park queues req for retry once a node becomes known (spec.md §4.E
// "request parking").
func (c *Cluster) Park(req any) {
	c.requestQueueMu.Lock()
	defer c.requestQueueMu.Unlock()
	c.requestQueue = append(c.requestQueue, req)
}

// drainParkedRequestsLocked hands every parked request to the restart
// hook. Caller must hold c.mu; the new-address path calls it each time it
// adds a node, taking c.mu before requestQueueMu.
func (c *Cluster) drainParkedRequestsLocked() {
	if c.restart == nil {
		return
	}
	c.requestQueueMu.Lock()
	queued := c.requestQueue
	c.requestQueue = nil
	c.requestQueueMu.Unlock()

	for _, req := range queued {
		c.restart(req)
	}
}

// tenderLoop is the cluster's central periodic task (spec.md §4.E).
func (c *Cluster) tenderLoop() {
	defer close(c.tenderDone)
	ticker := time.NewTicker(c.tendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.tend()
		case <-c.tenderStop:
			return
		}
	}
}

func (c *Cluster) tend() {
	start := time.Now()
	defer func() {
		metrics.TendDuration.Observe(time.Since(start).Seconds())
	}()

	c.removeDunnedNodes()

	c.mu.Lock()
	empty := len(c.nodes) == 0
	c.mu.Unlock()

	if empty {
		c.discoverFromSeeds()
	}

	metrics.LiveNodes.Set(float64(len(c.Snapshot())))
	metrics.RequestsInProgress.Set(float64(atomic.LoadInt64(&c.requestsInProgress)))
	metrics.InfoInProgress.Set(float64(atomic.LoadInt64(&c.infosInProgress)))

	logging.WithComponent("cluster").Debug().
		Int("nodes", c.ActiveNodeCount()).
		Int64("requests_in_progress", atomic.LoadInt64(&c.requestsInProgress)).
		Int64("infos_in_progress", atomic.LoadInt64(&c.infosInProgress)).
		Msg("tend tick")
}

// removeDunnedNodes implements the "any -> Dunned" transition's cleanup
// half: latched nodes are removed from the node list and partition table
// on the next tend tick, and their "C"/"L" references released.
func (c *Cluster) removeDunnedNodes() {
	c.mu.Lock()
	var remaining []*clusternode.Node
	var removed []*clusternode.Node
	for _, node := range c.nodes {
		if node.Dunned() {
			removed = append(removed, node)
		} else {
			remaining = append(remaining, node)
		}
	}
	if len(removed) > 0 {
		c.nodes = remaining
		atomic.AddUint64(&c.nodeListGeneration, uint64(len(removed)))
	}
	c.mu.Unlock()

	for _, node := range removed {
		c.table.RemoveNode(node)
		node.StopTend()
		node.Ref().Release("L")
		node.Ref().Release("C")
		logging.WithComponent("cluster").Info().Str("node", node.Name()).
			Msg("dunned node removed from cluster")
	}
}

// discoverFromSeeds is the only source of nodes when the cluster has
// collapsed to empty (spec.md §4.E step 1).
func (c *Cluster) discoverFromSeeds() {
	c.seedsMu.Lock()
	seeds := make([]seedHost, len(c.seeds))
	copy(seeds, c.seeds)
	c.seedsMu.Unlock()

	for _, s := range seeds {
		if addr, err := c.resolver.ResolveImmediate(s.host, s.port); err == nil {
			c.SubmitCandidateAddress(addr)
			continue
		}
		host := s
		c.resolver.ResolveAsync(host.host, host.port, func(addrs []string, err error) {
			if err != nil {
				logging.WithComponent("cluster").Warn().Str("host", host.host).Err(err).
					Msg("seed host DNS resolution failed")
				return
			}
			for _, addr := range addrs {
				c.SubmitCandidateAddress(addr)
			}
		})
	}
}

// Destroy implements spec.md §4.E: stop the tender, drain in-flight info
// requests, cancel node timers, release every node's references, and free
// cluster-owned storage. delay is clamped to [0, 60000]ms.
func (c *Cluster) Destroy(delay time.Duration) {
	c.shutdown.Store(true)

	if delay < 0 {
		delay = 0
	}
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	time.Sleep(delay)

	close(c.tenderStop)
	<-c.tenderDone

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt64(&c.infosInProgress) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	c.mu.Lock()
	nodes := c.nodes
	c.nodes = nil
	c.mu.Unlock()

	for _, node := range nodes {
		node.StopTend()
		node.Ref().Release("L")
		node.Ref().Release("C")
	}

	c.requestQueueMu.Lock()
	leaked := len(c.requestQueue)
	c.requestQueue = nil
	c.requestQueueMu.Unlock()
	if leaked > 0 {
		logging.WithComponent("cluster").Warn().Int("count", leaked).
			Msg("destroyed cluster with requests still parked")
	}

	c.table.DestroyAll()

	c.seedsMu.Lock()
	c.seeds = nil
	c.seedsMu.Unlock()

	logging.WithComponent("cluster").Info().Msg("cluster destroyed")
}
