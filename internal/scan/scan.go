// Package scan implements the parallel cluster-wide scan executor from
// spec.md §4.H: one immutable command buffer shared across a per-node
// worker pool, streaming record callbacks, and cooperative cancellation
// through a single shared error latch.
package scan

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	msgpack "github.com/hashicorp/go-msgpack/v2/codec"

	"nodekv/internal/clusternode"
	"nodekv/internal/infoproto"
	"nodekv/kverrors"
	"nodekv/metrics"
)

// Priority mirrors the server's scan-priority field (spec.md §4.H).
type Priority byte

const (
	PriorityAuto Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
)

const (
	scanOptFailOnClusterChange = 0x08
	udfOpScan                  = 2
	recordHeaderSize           = 22
	infoFlagLast               = 0x01 // info3 & LAST, the scan-body's own framing bit
)

// Descriptor is the scan request shape (spec.md §4.H). ApplyModule/Function
// are optional; when both are set the command carries a UDF block encoded
// with msgpack arglist framing.
type Descriptor struct {
	Namespace     string
	Set           string
	Priority      Priority
	Percent       byte // 1-100
	Concurrent    bool
	NoBins        bool
	BinSelect     []string
	ApplyModule   string
	ApplyFunction string
	ApplyArgs     []any
}

// Policy controls timeouts and cluster-change behavior.
type Policy struct {
	Timeout             time.Duration
	FailOnClusterChange bool
}

// DefaultPolicy matches spec.md §6's scan defaults.
func DefaultPolicy() Policy {
	return Policy{Timeout: 30 * time.Second, FailOnClusterChange: false}
}

// Record is one decoded as_msg record (spec.md §4.H). An empty Record with
// Done set to true marks clean end-of-stream and carries no key/bins.
type Record struct {
	Key        []byte
	Generation uint32
	TTL        uint32
	Bins       map[string]any
	Done       bool
}

// Callback receives each record; returning false aborts the whole scan.
// The abort travels between workers as QueryAborted and is reported to the
// caller of Run as success.
type Callback func(rec Record) (cont bool)

// NodeSnapshot is the minimal view the executor needs of the cluster's
// node list — a reserved, stable set of nodes to scan (spec.md §4.H:
// "reserves a snapshot of nodes").
type NodeSnapshot interface {
	Snapshot() []*clusternode.Node
	ActiveNodeCount() int
	// NodeListGeneration is bumped on every structural change to the node
	// list. The executor samples it at scan start and compares it against
	// the live value between records when policy.FailOnClusterChange is
	// set, so a mid-scan topology change aborts cooperatively instead of
	// silently scanning a stale node set.
	NodeListGeneration() uint64
}

// TaskID is the 64-bit scan identifier attached to the command so the
// server can report status later (spec.md's Task-id glossary entry).
type TaskID uint64

// NewTaskID derives a task id from a fresh UUID's low 64 bits — any
// collision-resistant source works here since the server treats it as an
// opaque correlation handle, and uuid is what the rest of nodekv already
// depends on for unique identifiers.
func NewTaskID() TaskID {
	id := uuid.New()
	return TaskID(binary.BigEndian.Uint64(id[8:16]))
}

// Executor runs cluster-wide scans.
type Executor struct {
	nodes NodeSnapshot
}

// New creates a scan executor over the given node source.
func New(nodes NodeSnapshot) *Executor {
	return &Executor{nodes: nodes}
}

// Run fans desc out to every node in the cluster's current snapshot,
// foreground (desc has no task id pre-assigned — one is generated and
// returned) or background depending on background. A foreground call
// returns once every node has reported completion or the scan has been
// aborted. A background call returns as soon as the fan-out is launched,
// without waiting on the per-node completion queue (SPEC_FULL.md §4); its
// workers keep running detached and their records have no synchronous
// consumer left to go to.
func (e *Executor) Run(ctx context.Context, desc Descriptor, policy Policy, background bool, cb Callback) (TaskID, error) {
	nodes := e.nodes.Snapshot()
	if len(nodes) == 0 {
		metrics.ScanDuration.WithLabelValues("error").Observe(0)
		return 0, kverrors.New(kverrors.ServerClusterEmpty, "scan: cluster empty at scan start")
	}

	taskID := NewTaskID()
	cmd, err := buildCommand(desc, policy, taskID)
	if err != nil {
		metrics.ScanDuration.WithLabelValues("error").Observe(0)
		return taskID, err
	}
	startGen := e.nodes.NodeListGeneration()

	if background {
		e.runBackground(ctx, nodes, cmd, policy, startGen)
		return taskID, nil
	}

	err = e.runForeground(ctx, nodes, cmd, policy, desc.Concurrent, startGen, cb)
	return taskID, err
}

// runBackground launches one detached worker per node and returns without
// waiting for any of them. There is no caller left to hand records to by
// the time a worker produces one, so each worker's callback discards them;
// a real failure on one node has no latch to cancel the others through
// either, since nothing is waiting on the result.
func (e *Executor) runBackground(ctx context.Context, nodes []*clusternode.Node, cmd []byte, policy Policy, startGen uint64) {
	var errLatch int32
	discard := func(Record) bool { return true }
	for _, n := range nodes {
		go func(node *clusternode.Node) {
			_ = e.runOnNode(ctx, node, cmd, policy, discard, &errLatch, startGen)
		}(n)
	}
}

// runForeground runs the dispatch-and-wait loop a synchronous caller needs:
// serial when concurrent is false, otherwise one goroutine per node, with
// cooperative cancellation through errLatch exactly as before.
func (e *Executor) runForeground(ctx context.Context, nodes []*clusternode.Node, cmd []byte, policy Policy, concurrent bool, startGen uint64, cb Callback) error {
	var errLatch int32 // the shared error_mutex: 0 = clean, 1 = a failure/abort has been latched
	var firstErr atomic.Value
	var wg sync.WaitGroup

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	status := "ok"
	defer func() {
		metrics.ScanDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	dispatch := func(node *clusternode.Node) {
		defer wg.Done()
		if err := e.runOnNode(runCtx, node, cmd, policy, cb, &errLatch, startGen); err != nil {
			if atomic.CompareAndSwapInt32(&errLatch, 0, 1) {
				firstErr.Store(err)
				cancel()
			}
		}
	}

	if concurrent {
		wg.Add(len(nodes))
		for _, n := range nodes {
			go dispatch(n)
		}
	} else {
		for _, n := range nodes {
			if atomic.LoadInt32(&errLatch) != 0 {
				break
			}
			wg.Add(1)
			dispatch(n)
		}
	}
	wg.Wait()

	if atomic.LoadInt32(&errLatch) != 0 {
		if stored, ok := firstErr.Load().(error); ok {
			if isAbort(stored) {
				// Abort-by-user is success at the executor boundary
				// (spec.md §4.H "Propagation").
				cb(Record{Done: true})
				return nil
			}
			status = "error"
			return stored
		}
	}

	cb(Record{Done: true})
	return nil
}

func isAbort(err error) bool {
	return kverrors.Is(err, kverrors.ErrQueryAborted)
}

// runOnNode streams one node's scan response, checking errLatch between
// records so a failure or abort elsewhere cooperatively stops this worker
// too (spec.md §4.H "Cancellation").
func (e *Executor) runOnNode(ctx context.Context, node *clusternode.Node, cmd []byte, policy Policy, cb Callback, errLatch *int32, startGen uint64) error {
	node.Ref().Reserve("SC")
	defer node.Ref().Release("SC")

	conn, err := node.Checkout()
	if err != nil {
		return fmt.Errorf("scan: checkout node %s: %w", node.Name(), err)
	}
	returnedToPool := false
	defer func() {
		if !returnedToPool {
			_ = conn.Close()
		}
	}()

	if policy.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(policy.Timeout))
	}

	if _, err := conn.Write(cmd); err != nil {
		return fmt.Errorf("scan: write command to %s: %w", node.Name(), err)
	}

	// guarded runs the latch and cluster-change checks before each record
	// reaches cb, so this worker stops between records, not only between
	// response groups.
	var stopErr error
	guarded := func(rec Record) bool {
		if atomic.LoadInt32(errLatch) != 0 {
			stopErr = kverrors.ErrQueryAborted
			return false
		}
		if policy.FailOnClusterChange && e.nodes.NodeListGeneration() != startGen {
			stopErr = kverrors.New(kverrors.ClientAbort, "cluster topology changed during scan")
			return false
		}
		return cb(rec)
	}

	for {
		select {
		case <-ctx.Done():
			return kverrors.ErrQueryAborted
		default:
		}

		if atomic.LoadInt32(errLatch) != 0 {
			return kverrors.ErrQueryAborted
		}

		if policy.FailOnClusterChange && e.nodes.NodeListGeneration() != startGen {
			return kverrors.New(kverrors.ClientAbort, "cluster topology changed during scan")
		}

		msgType, size, err := infoproto.ReadHeader(conn)
		if err != nil {
			return fmt.Errorf("scan: read group header from %s: %w", node.Name(), err)
		}
		_ = msgType

		payload := make([]byte, size)
		if _, err := readFull(conn, payload); err != nil {
			return fmt.Errorf("scan: read group payload from %s: %w", node.Name(), err)
		}

		done, callbackErr := decodeAndDispatch(payload, guarded)
		if stopErr != nil {
			return stopErr
		}
		if callbackErr != nil {
			return callbackErr
		}
		if done {
			node.Checkin(conn)
			returnedToPool = true
			return nil
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// decodeAndDispatch parses every as_msg record in one response group and
// invokes cb for each, per spec.md §4.H "Record parsing".
func decodeAndDispatch(payload []byte, cb Callback) (done bool, err error) {
	r := bytes.NewReader(payload)
	for r.Len() >= recordHeaderSize {
		hdr := make([]byte, recordHeaderSize)
		if _, err := r.Read(hdr); err != nil {
			return false, fmt.Errorf("scan: read record header: %w", err)
		}

		resultCode := hdr[5]
		info3 := hdr[3]
		generation := binary.BigEndian.Uint32(hdr[6:10])
		ttl := binary.BigEndian.Uint32(hdr[10:14])

		fieldCount := binary.BigEndian.Uint16(hdr[18:20])
		opCount := binary.BigEndian.Uint16(hdr[20:22])

		if resultCode != 0 {
			if resultCode == resultCodeNotFound {
				return true, nil // clean end for this node
			}
			return false, kverrors.New(kverrors.InfoFailure,
				fmt.Sprintf("scan: node returned result code %d", resultCode))
		}

		var key []byte
		for i := uint16(0); i < fieldCount; i++ {
			if r.Len() < 3 {
				return false, fmt.Errorf("scan: truncated field")
			}
			flen := make([]byte, 4)
			if _, err := r.Read(flen[:3]); err != nil {
				return false, err
			}
			size := int(flen[0])<<16 | int(flen[1])<<8 | int(flen[2])
			fieldType := make([]byte, 1)
			if _, err := r.Read(fieldType); err != nil {
				return false, err
			}
			data := make([]byte, size-1)
			if _, err := r.Read(data); err != nil {
				return false, err
			}
			if fieldType[0] == fieldTypeDigest {
				key = data
			}
		}

		bins := make(map[string]any, opCount)
		for i := uint16(0); i < opCount; i++ {
			name, value, n, err := decodeBinOp(r)
			if err != nil {
				return false, err
			}
			_ = n
			bins[name] = value
		}

		cont := cb(Record{Key: key, Generation: generation, TTL: ttl, Bins: bins})
		if !cont {
			return false, kverrors.ErrQueryAborted
		}

		if info3&infoFlagLast != 0 {
			return true, nil
		}
	}
	return false, nil
}

const (
	resultCodeNotFound = 2
	fieldTypeDigest    = 4
)

// decodeBinOp reads one bin-operation from the wire: a 4-byte size, a
// 1-byte op, a 1-byte particle type, a 1-byte version, a 1-byte name
// length, the name, then msgpack-free raw bytes we surface as-is.
func decodeBinOp(r *bytes.Reader) (name string, value any, consumed int, err error) {
	hdr := make([]byte, 8)
	if _, err := r.Read(hdr); err != nil {
		return "", nil, 0, err
	}
	opSize := binary.BigEndian.Uint32(hdr[0:4])
	nameLen := int(hdr[7])
	nameBuf := make([]byte, nameLen)
	if _, err := r.Read(nameBuf); err != nil {
		return "", nil, 0, err
	}
	valLen := int(opSize) - 4 - nameLen
	if valLen < 0 {
		valLen = 0
	}
	valBuf := make([]byte, valLen)
	if _, err := r.Read(valBuf); err != nil {
		return "", nil, 0, err
	}
	return string(nameBuf), valBuf, int(opSize) + 4, nil
}

// buildCommand constructs the immutable command buffer shared by every
// worker (spec.md §4.H "Command construction"). Scans have no retries, so
// a single buffer built once is safe to hand to every goroutine read-only.
func buildCommand(desc Descriptor, policy Policy, taskID TaskID) ([]byte, error) {
	var body bytes.Buffer

	writeField(&body, fieldTypeNamespace, []byte(desc.Namespace))
	if desc.Set != "" {
		writeField(&body, fieldTypeSetName, []byte(desc.Set))
	}

	// Concurrency is a dispatch-side decision and NoBins is not encoded at
	// all; only priority and fail_on_cluster_change travel in scan-options,
	// both packed into the field's own first byte.
	opts := byte(desc.Priority) << 4
	if policy.FailOnClusterChange {
		opts |= scanOptFailOnClusterChange
	}
	scanOpts := []byte{opts, desc.Percent}
	writeField(&body, fieldTypeScanOptions, scanOpts)

	taskIDBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(taskIDBuf, uint64(taskID))
	writeField(&body, fieldTypeTaskID, taskIDBuf)

	if desc.ApplyModule != "" && desc.ApplyFunction != "" {
		writeField(&body, fieldTypeUDFOp, []byte{udfOpScan})
		writeField(&body, fieldTypeUDFPackage, []byte(desc.ApplyModule))
		writeField(&body, fieldTypeUDFFunction, []byte(desc.ApplyFunction))

		arglist, err := encodeArglist(desc.ApplyArgs)
		if err != nil {
			return nil, fmt.Errorf("scan: encode UDF arglist: %w", err)
		}
		writeField(&body, fieldTypeUDFArgList, arglist)
	}

	for _, bin := range desc.BinSelect {
		writeField(&body, fieldTypeBinName, []byte(bin))
	}

	header := make([]byte, recordHeaderSize)
	header[0] = 2 // framing version
	fieldCount := fieldCountFor(desc)
	binary.BigEndian.PutUint16(header[18:20], fieldCount)
	binary.BigEndian.PutUint16(header[20:22], uint16(len(desc.BinSelect)))

	out := make([]byte, 0, len(header)+body.Len())
	out = append(out, header...)
	out = append(out, body.Bytes()...)
	return out, nil
}

func fieldCountFor(desc Descriptor) uint16 {
	n := uint16(2) // scan-options + task-id
	if desc.Set != "" {
		n++
	}
	if desc.ApplyModule != "" && desc.ApplyFunction != "" {
		n += 4
	}
	return n
}

const (
	fieldTypeNamespace   = 0
	fieldTypeSetName     = 1
	fieldTypeScanOptions = 2
	fieldTypeTaskID      = 3
	fieldTypeUDFOp       = 4
	fieldTypeUDFPackage  = 5
	fieldTypeUDFFunction = 6
	fieldTypeUDFArgList  = 7
	fieldTypeBinName     = 8
)

func writeField(buf *bytes.Buffer, fieldType byte, data []byte) {
	size := uint32(len(data) + 1)
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], size)
	buf.Write(sizeBuf[1:4]) // 3-byte big-endian size
	buf.WriteByte(fieldType)
	buf.Write(data)
}

// encodeArglist msgpack-encodes the UDF argument list (spec.md §4.H: "udf
// block … msgpack arglist"), grounded on the go-msgpack codec handle the
// rest of nodekv uses for anything requiring a compact binary encoding.
func encodeArglist(args []any) ([]byte, error) {
	var buf bytes.Buffer
	var mh msgpack.MsgpackHandle
	enc := msgpack.NewEncoder(&buf, &mh)
	if err := enc.Encode(args); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
