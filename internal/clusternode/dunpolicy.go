package clusternode

// DunReason identifies why a node's health accumulator was bumped. Kept as
// a data table rather than a switch per spec.md §9's redesign note — adding
// a reason is adding a table row, not a new case clause scattered through
// the codebase.
type DunReason int

const (
	ReasonOperationTimeout DunReason = iota
	ReasonInfoProbeFailed
	ReasonReplicasFetchFailed
	ReasonNoUsableAddress
	ReasonNetworkErrorOnOp
	ReasonConnectionRestartFailed
)

// dunWeights is the weight table from spec.md §4.C.
var dunWeights = map[DunReason]int64{
	ReasonOperationTimeout:        1,
	ReasonInfoProbeFailed:         300,
	ReasonReplicasFetchFailed:     1000,
	ReasonNoUsableAddress:         1000,
	ReasonNetworkErrorOnOp:        50,
	ReasonConnectionRestartFailed: 50,
}

func (r DunReason) String() string {
	switch r {
	case ReasonOperationTimeout:
		return "operation-timeout"
	case ReasonInfoProbeFailed:
		return "info-probe-failed"
	case ReasonReplicasFetchFailed:
		return "replicas-fetch-failed"
	case ReasonNoUsableAddress:
		return "no-usable-address"
	case ReasonNetworkErrorOnOp:
		return "network-error"
	case ReasonConnectionRestartFailed:
		return "restart-fd"
	default:
		return "unknown"
	}
}

// Weight returns the health-score weight a reason contributes, per the
// spec.md §4.C table.
func (r DunReason) Weight() int64 {
	return dunWeights[r]
}

// DunThreshold is the accumulator value at which a node latches dunned.
// spec.md §4.C / §8: 800 is not yet dunned, 801 is.
const DunThreshold int64 = 800
