// Package router implements the routing primitive from spec.md §4.F: a
// pure function over (namespace, digest, direction) that consults the
// partition table and falls back to a random live node.
package router

import (
	"encoding/binary"

	"nodekv/internal/clusternode"
	"nodekv/internal/partition"
)

// NodeSource supplies the random-fallback half of routing. Cluster is the
// only real implementation: it owns the node list and the cluster-wide
// round-robin cursor the spec requires fallback selection to walk.
type NodeSource interface {
	// RandomLiveNode walks the node list starting from the cluster-wide
	// round-robin cursor and returns the first node that is not dunned, or
	// nil if none exists.
	RandomLiveNode() *clusternode.Node
}

// DigestToPartition maps a 20-byte record digest to a partition id using
// the first two bytes as a big-endian integer modulo n (spec.md §4.F).
func DigestToPartition(digest []byte, n int) int {
	if n <= 0 || len(digest) < 2 {
		return 0
	}
	v := binary.BigEndian.Uint16(digest[:2])
	return int(v) % n
}

// GetNodeFor implements spec.md §4.F's get_node_for: consult the partition
// table, skip a dunned owner, and fall back to a random live node. Returns
// nil when no live node exists at all — the caller is responsible for
// parking the request.
func GetNodeFor(table *partition.Table, nodes NodeSource, n int, namespace string, digest []byte, write bool) *clusternode.Node {
	if n > 0 {
		partitionID := DigestToPartition(digest, n)
		if owner := table.Get(namespace, partitionID, write); owner != nil {
			// table.Get reserved a "T" reference on our behalf to keep the
			// owner alive for the duration of this lookup. GetNodeFor
			// doesn't hold any resource open on the returned node — the
			// caller checks its own connection out separately — so the
			// reservation's job is done the moment we've read Dunned() and
			// decided what to return; release it here in every case rather
			// than only on the fallback path.
			node, ok := owner.(*clusternode.Node)
			live := ok && !node.Dunned()
			owner.Ref().Release("T")
			if live {
				return node
			}
		}
	}
	return nodes.RandomLiveNode()
}
