// Package kverrors names the error kinds the cluster and scan subsystems can
// report, so callers can errors.Is against a stable sentinel instead of
// string-matching.
package kverrors

import "errors"

// ResultCode classifies a failure the way the wire protocol and the dun
// policy attribute it: to the caller, to a single node, or to the cluster
// as a whole.
type ResultCode int

const (
	// OK is never itself returned as an error; it exists so ResultCode has
	// a documented zero-ish success value next to the failure codes.
	OK ResultCode = iota
	Timeout
	NoLiveNode
	ServerClusterEmpty
	ClientAbort
	QueryAborted
	InvalidNode
	InfoFailure
	PartitionFetchFailure
	AddressExhausted
	NetworkError
)

func (c ResultCode) String() string {
	switch c {
	case OK:
		return "ok"
	case Timeout:
		return "timeout"
	case NoLiveNode:
		return "no live node"
	case ServerClusterEmpty:
		return "server cluster empty"
	case ClientAbort:
		return "client abort"
	case QueryAborted:
		return "query aborted"
	case InvalidNode:
		return "invalid node"
	case InfoFailure:
		return "info failure"
	case PartitionFetchFailure:
		return "partition fetch failure"
	case AddressExhausted:
		return "address exhausted"
	case NetworkError:
		return "network error"
	default:
		return "unknown result code"
	}
}

// CodedError pairs a ResultCode with a human-readable message, so a caller
// can either print it or errors.Is it against one of the sentinels below.
type CodedError struct {
	Code ResultCode
	Msg  string
}

func (e *CodedError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

// Is lets errors.Is match any CodedError carrying the same ResultCode as
// target, whatever its message.
func (e *CodedError) Is(target error) bool {
	t, ok := target.(*CodedError)
	return ok && t.Code == e.Code
}

// New builds a CodedError for the given code and message.
func New(code ResultCode, msg string) error {
	return &CodedError{Code: code, Msg: msg}
}

// Sentinels usable with errors.Is. Each wraps a CodedError with no message
// so identity comparison via errors.Is (which falls through to Unwrap/Is)
// works without string matching.
var (
	ErrTimeout              = &CodedError{Code: Timeout}
	ErrNoLiveNode           = &CodedError{Code: NoLiveNode}
	ErrServerClusterEmpty   = &CodedError{Code: ServerClusterEmpty}
	ErrClientAbort          = &CodedError{Code: ClientAbort}
	ErrQueryAborted         = &CodedError{Code: QueryAborted}
	ErrInvalidNode          = &CodedError{Code: InvalidNode}
	ErrInfoFailure          = &CodedError{Code: InfoFailure}
	ErrPartitionFetchFailed = &CodedError{Code: PartitionFetchFailure}
	ErrAddressExhausted     = &CodedError{Code: AddressExhausted}
	ErrNetworkError         = &CodedError{Code: NetworkError}
)

// Is reports whether err carries the same ResultCode as target, so
// errors.Is(err, kverrors.ErrNoLiveNode) works regardless of message text.
func Is(err error, sentinel *CodedError) bool {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code == sentinel.Code
	}
	return false
}
