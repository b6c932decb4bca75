// Package partition implements the namespace × partition-id → node map
// described in spec.md §4.D: a lazily-populated per-namespace array with a
// read slot and a write slot per partition id, each slot an owning
// reference to a node.
package partition

import (
	"sync"

	"nodekv/internal/refcount"
	"nodekv/logging"
	"nodekv/metrics"
)

// maxNamespaceLen is the spec.md §3/§8 boundary: 31 bytes accepted, 32
// rejected.
const maxNamespaceLen = 31

// Owner is the minimal view a partition table needs of a node: something it
// can hold a reference to, ask whether it's still usable, and identify in
// logs.
type Owner interface {
	Ref() *refcount.Handle
	Dunned() bool
	Name() string
}

type cell struct {
	read  Owner
	write Owner
}

// Table is the two-dimensional (namespace, partition-id) → node map, kept
// separately for reads and writes. The zero value is not usable; use New.
type Table struct {
	mu         sync.RWMutex
	partitions int // N; 0 until the first probe sets it
	namespaces map[string][]cell
}

// New creates an empty table with N unset (0). The cluster learns N at its
// first probe and sets it once through SetPartitionCount, which owns the
// set-once invariant.
func New() *Table {
	return &Table{namespaces: make(map[string][]cell)}
}

// SetPartitionCount sets N once. A later call with a different value is
// rejected (spec.md §3 invariant: "partition_count is set once and only
// once per cluster"). Returns false if rejected.
func (t *Table) SetPartitionCount(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.partitions != 0 {
		return t.partitions == n
	}
	t.partitions = n
	return true
}

// PartitionCount returns N, or 0 if not yet learned.
func (t *Table) PartitionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partitions
}

// Set installs node as the owner of (namespace, partitionID) for the given
// direction, releasing whatever owner was there before. Invalid
// partition ids or oversized namespaces are rejected with a log line,
// never an error — partition data is best-effort per spec.md §4.D.
func (t *Table) Set(namespace string, partitionID int, node Owner, write bool) {
	log := logging.WithComponent("partition")
	if len(namespace) > maxNamespaceLen {
		log.Warn().Str("namespace", namespace).Msg("namespace exceeds 31 bytes, dropping partition update")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.partitions == 0 || partitionID >= t.partitions || partitionID < 0 {
		log.Warn().Str("namespace", namespace).Int("partition", partitionID).
			Int("n", t.partitions).Msg("partition id out of range, dropping partition update")
		return
	}

	cells := t.cellsLocked(namespace)
	c := &cells[partitionID]

	var prior Owner
	if write {
		prior = c.write
		c.write = node
	} else {
		prior = c.read
		c.read = node
	}

	if node != nil {
		node.Ref().Reserve(tagFor(write))
	}
	if prior != nil {
		prior.Ref().Release(tagFor(write))
	}

	t.reportMetricsLocked()
}

// Get returns the current owner of (namespace, partitionID) for direction
// write, bumping its "T" reference on the caller's behalf, or nil if no
// owner is recorded.
func (t *Table) Get(namespace string, partitionID int, write bool) Owner {
	t.mu.RLock()
	defer t.mu.RUnlock()

	row, ok := t.namespaces[namespace]
	if !ok || partitionID < 0 || partitionID >= len(row) {
		return nil
	}
	c := row[partitionID]
	owner := c.read
	if write {
		owner = c.write
	}
	if owner == nil {
		return nil
	}
	owner.Ref().Reserve("T")
	return owner
}

// RemoveNode clears every cell owned by node, releasing each reference.
// Called by the tender when a node is dunned and removed (spec.md §4.D).
func (t *Table) RemoveNode(node Owner) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, row := range t.namespaces {
		for i := range row {
			if row[i].read == node {
				row[i].read = nil
				node.Ref().Release("PR")
			}
			if row[i].write == node {
				row[i].write = nil
				node.Ref().Release("PW")
			}
		}
	}
	t.reportMetricsLocked()
}

// DropNamespaceOwnedBy clears every cell in namespace owned by node,
// without touching cells in other namespaces. A fresh
// replicas-read/replicas-write reply does not go through here: the node
// drops its ownership in every namespace with RemoveNode before installing
// the new set.
func (t *Table) DropNamespaceOwnedBy(namespace string, node Owner) {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.namespaces[namespace]
	if !ok {
		return
	}
	for i := range row {
		if row[i].read == node {
			row[i].read = nil
			node.Ref().Release("PR")
		}
		if row[i].write == node {
			row[i].write = nil
			node.Ref().Release("PW")
		}
	}
	t.reportMetricsLocked()
}

// DestroyAll clears the table, releasing every owning reference.
func (t *Table) DestroyAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, row := range t.namespaces {
		for i := range row {
			if row[i].read != nil {
				row[i].read.Ref().Release("PR")
				row[i].read = nil
			}
			if row[i].write != nil {
				row[i].write.Ref().Release("PW")
				row[i].write = nil
			}
		}
	}
	t.namespaces = make(map[string][]cell)
	t.reportMetricsLocked()
}

func (t *Table) cellsLocked(namespace string) []cell {
	row, ok := t.namespaces[namespace]
	if !ok {
		row = make([]cell, t.partitions)
		t.namespaces[namespace] = row
	}
	return row
}

func tagFor(write bool) string {
	if write {
		return "PW"
	}
	return "PR"
}

func (t *Table) reportMetricsLocked() {
	var reads, writes int
	for _, row := range t.namespaces {
		for _, c := range row {
			if c.read != nil {
				reads++
			}
			if c.write != nil {
				writes++
			}
		}
	}
	metrics.PartitionCells.WithLabelValues("read").Set(float64(reads))
	metrics.PartitionCells.WithLabelValues("write").Set(float64(writes))
}
