// Package clusternode implements a single addressable server (spec.md
// §4.C): health counters, an info channel, a connection pool, and the
// per-node tend timer that drives the Healthy/Probing/Failed/Dunned state
// machine.
package clusternode

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"nodekv/internal/connpool"
	"nodekv/internal/infoproto"
	"nodekv/internal/partition"
	"nodekv/internal/refcount"
	"nodekv/logging"
	"nodekv/metrics"
)

// UnknownGeneration is the sentinel partition-generation value a node
// starts with before its first replicas fetch (spec.md §3).
const UnknownGeneration int64 = -1

// defaultPartitionMaxInterval is CL_NODE_PARTITION_MAX_MS from spec.md §4.C: the
// minimum time between replicas fetches even when the generation changes
// on every probe.
const defaultPartitionMaxInterval = 5 * time.Second

// Host is the non-owning back-reference a Node uses to reach the cluster
// that owns it (spec.md §9: "Node ↔ cluster back-reference is a
// non-owning handle to avoid a cycle; the owning side is cluster → node").
// It is deliberately narrow so clusternode never imports the cluster
// package.
type Host interface {
	// SubmitCandidateAddress runs the new-address path for addr, exactly
	// as seed hosts are submitted — used for services entries when
	// Follow() is true.
	SubmitCandidateAddress(addr string)
	Follow() bool
	NodeTendInterval() time.Duration
	PartitionMaxInterval() time.Duration
	InfoTimeout() time.Duration
}

// Node is a single server in the cluster.
type Node struct {
	name  string // set once at construction, never changes
	host  Host
	table *partition.Table
	pool  *connpool.Pool
	ref   *refcount.Handle

	mu        sync.RWMutex
	addresses []string

	dunCount int64 // atomic accumulator
	dunned   atomic.Bool

	partitionGeneration int64 // atomic
	partitionLastReqMs  int64 // atomic, unix millis

	tickerStop chan struct{}
	tickerDone chan struct{}
	tickOnce   sync.Once
}

// New creates a node whose name is already known (the spec requires the
// name to come from the server's first info response before the node
// object exists at all — see Cluster's new-address path). addr is the
// first known address.
func New(name, addr string, host Host, table *partition.Table) *Node {
	n := &Node{
		name:                name,
		host:                host,
		table:               table,
		addresses:           []string{addr},
		partitionGeneration: UnknownGeneration,
	}
	n.ref = refcount.New(name, n.destroy)
	n.pool = connpool.New(addr, nil)
	return n
}

// Name returns the node's stable server-reported identity.
func (n *Node) Name() string { return n.name }

// Ref returns the node's reference-count handle.
func (n *Node) Ref() *refcount.Handle { return n.ref }

// Dunned reports whether the node's latched unhealthy flag is set.
func (n *Node) Dunned() bool { return n.dunned.Load() }

// DunCount returns the current health-weight accumulator. Diagnostic/test
// use.
func (n *Node) DunCount() int64 { return atomic.LoadInt64(&n.dunCount) }

// AddressSample returns the first known address, or "" if the node somehow
// has none (spec.md §4.C).
func (n *Node) AddressSample() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.addresses) == 0 {
		return ""
	}
	return n.addresses[0]
}

// Addresses returns a copy of the node's known addresses.
func (n *Node) Addresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, len(n.addresses))
	copy(out, n.addresses)
	return out
}

// AddAddress appends addr to the node's address list if not already
// present. Used both by the cluster's new-address path (an address that
// resolves to this node's name joins its list instead of creating a
// duplicate node) and by services-reply handling.
func (n *Node) AddAddress(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range n.addresses {
		if a == addr {
			return
		}
	}
	n.addresses = append(n.addresses, addr)
}

// HasAddress reports whether addr is already in this node's address list.
func (n *Node) HasAddress(addr string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, a := range n.addresses {
		if a == addr {
			return true
		}
	}
	return false
}

// Checkout obtains a live connection from the node's pool, dunning the
// node with reason restart-fd if the pool observed a broken idle
// connection, and with reason no-usable-address if the address list is
// empty. A failed dial on every address is returned as an error without
// dunning the node.
func (n *Node) Checkout() (net.Conn, error) {
	addrs := n.Addresses()
	if len(addrs) == 0 {
		n.Dun(ReasonNoUsableAddress)
		return nil, &net.AddrError{Err: "no usable address", Addr: n.name}
	}
	conn, restartFD, err := n.pool.Checkout(addrs)
	if restartFD {
		n.Dun(ReasonConnectionRestartFailed)
	}
	return conn, err
}

// Checkin returns conn to the node's pool.
func (n *Node) Checkin(conn net.Conn) {
	n.pool.Checkin(conn)
}

// Dun bumps the health-weight accumulator by reason's weight and latches
// dunned once the accumulator exceeds the threshold. It never unlatches on
// its own; only Ok() resets it.
func (n *Node) Dun(reason DunReason) {
	newCount := atomic.AddInt64(&n.dunCount, reason.Weight())

	log := logging.WithNode(n.name)
	if newCount > DunThreshold {
		if !n.dunned.Swap(true) {
			metrics.DunnedTotal.WithLabelValues(reason.String()).Inc()
			log.Warn().Str("reason", reason.String()).Int64("accumulator", newCount).
				Msg("node crossed dun threshold, will be removed on next tend tick")
		}
		return
	}
	log.Debug().Str("reason", reason.String()).Int64("accumulator", newCount).Msg("node dun weight added")
}

// Ok resets the health-weight accumulator and the latched dunned flag,
// per spec.md §8's idempotence law.
func (n *Node) Ok() {
	atomic.StoreInt64(&n.dunCount, 0)
	n.dunned.Store(false)
}

// StartTend launches the per-node tend goroutine, which fires every
// interval and runs the Healthy/Probing/Failed state transitions.
func (n *Node) StartTend(interval time.Duration) {
	n.tickerStop = make(chan struct{})
	n.tickerDone = make(chan struct{})
	go func() {
		defer close(n.tickerDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.tick()
			case <-n.tickerStop:
				return
			}
		}
	}()
}

// StopTend cancels the per-node timer and waits for the goroutine to exit.
// It does not release the node's "L" reference; the caller does that
// afterwards (matching the ownership note in spec.md §3).
func (n *Node) StopTend() {
	n.tickOnce.Do(func() {
		if n.tickerStop != nil {
			close(n.tickerStop)
			<-n.tickerDone
		}
	})
}

// tick implements one Healthy -> Probing -> {Healthy, Failed} cycle
// (spec.md §4.C). It never blocks the caller beyond the configured info
// timeout; the per-node ticker goroutine is the only thing that calls it,
// so there is no concurrent-tick hazard.
func (n *Node) tick() {
	if n.dunned.Load() {
		return // latched; the cluster's tender removes this node next tick.
	}

	addrs := n.Addresses()
	if len(addrs) == 0 {
		n.Dun(ReasonNoUsableAddress)
		return
	}

	n.ref.Reserve("I")
	defer n.ref.Release("I")

	conn, restartFD, err := n.pool.Checkout(addrs)
	if restartFD {
		n.Dun(ReasonConnectionRestartFailed)
		return
	}
	if err != nil {
		n.Dun(ReasonInfoProbeFailed)
		return
	}

	fields, err := infoproto.Request(conn, n.host.InfoTimeout(), "node", "partition-generation", "services")
	if err != nil {
		_ = conn.Close()
		n.Dun(ReasonInfoProbeFailed)
		return
	}
	n.pool.Checkin(conn)

	if reportedName, ok := fields["node"]; ok && reportedName != n.name {
		logging.WithNode(n.name).Warn().Str("reported", reportedName).
			Msg("node identity changed, treating as server replacement")
		n.Dun(ReasonInfoProbeFailed)
		return
	}

	n.Ok()

	if services, ok := fields["services"]; ok && n.host.Follow() {
		for _, addr := range infoproto.ParseServices(services) {
			n.host.SubmitCandidateAddress(addr)
		}
	}

	genStr, hasGen := fields["partition-generation"]
	if !hasGen {
		return
	}
	gen := parseInt64(genStr)
	lastGen := atomic.LoadInt64(&n.partitionGeneration)

	maxInterval := n.host.PartitionMaxInterval()
	if maxInterval <= 0 {
		maxInterval = defaultPartitionMaxInterval
	}
	lastReqMs := atomic.LoadInt64(&n.partitionLastReqMs)
	nowMs := time.Now().UnixMilli()

	if gen == lastGen || nowMs-lastReqMs < maxInterval.Milliseconds() {
		return
	}

	n.fetchReplicas(gen)
}

// fetchReplicas performs the second info request ({replicas-read,
// replicas-write, partition-generation}) and rebuilds the node's partition
// table entries from the reply.
func (n *Node) fetchReplicas(expectGen int64) {
	n.ref.Reserve("R")
	defer n.ref.Release("R")

	atomic.StoreInt64(&n.partitionLastReqMs, time.Now().UnixMilli())

	conn, restartFD, err := n.pool.Checkout(n.Addresses())
	if restartFD {
		n.Dun(ReasonConnectionRestartFailed)
		return
	}
	if err != nil {
		n.Dun(ReasonReplicasFetchFailed)
		return
	}

	fields, err := infoproto.Request(conn, n.host.InfoTimeout(), "replicas-read", "replicas-write", "partition-generation")
	if err != nil {
		_ = conn.Close()
		n.Dun(ReasonReplicasFetchFailed)
		return
	}
	n.pool.Checkin(conn)

	// Drop every cell this node owns, in any namespace and either direction,
	// before installing the fresh set below — "remove all current values,
	// then add up-to-date values" (spec.md §4.C). Doing this once up front,
	// rather than per-namespace inside applyReplicas, is required: a
	// per-direction drop would wipe out the read-direction entries the
	// first applyReplicas call just installed.
	n.table.RemoveNode(n)

	n.applyReplicas(fields["replicas-read"], false)
	n.applyReplicas(fields["replicas-write"], true)

	if genStr, ok := fields["partition-generation"]; ok {
		atomic.StoreInt64(&n.partitionGeneration, parseInt64(genStr))
	} else {
		atomic.StoreInt64(&n.partitionGeneration, expectGen)
	}
}

// applyReplicas installs n as the owner of every (namespace, partition id)
// named by value. The caller (fetchReplicas) has already dropped n's prior
// ownership everywhere via table.RemoveNode before either direction is
// applied, so this only ever adds entries.
func (n *Node) applyReplicas(value string, write bool) {
	byNamespace := infoproto.ParseReplicas(value)
	for ns, ids := range byNamespace {
		for _, id := range ids {
			n.table.Set(ns, id, n, write)
		}
	}
}

// destroy runs once, when the node's reference count drops to zero.
func (n *Node) destroy() {
	n.pool.Close()
	logging.WithNode(n.name).Info().Msg("node destroyed")
}

func parseInt64(s string) int64 {
	var v int64
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		v = v*10 + int64(c-'0')
	}
	if neg {
		v = -v
	}
	return v
}
