package nodekv

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// ClientPolicy configures a Client's cluster tender, info requests and
// scans (spec.md §6's defaults table). Fields are validate-tagged
// so New rejects an impossible configuration up front instead of failing
// confusingly later inside the tender.
type ClientPolicy struct {
	// Follow controls whether services replies add new candidate
	// addresses to the cluster (spec.md §4.C).
	Follow bool `validate:"-"`

	// TendInterval is how often the cluster-wide tender runs.
	TendInterval time.Duration `validate:"required,min=100000000"` // >= 100ms

	// NodeTendInterval is how often each node is probed individually.
	NodeTendInterval time.Duration `validate:"required,min=100000000"`

	// PartitionMaxInterval is the minimum spacing between replicas
	// fetches for a single node, even if its generation changes on every
	// probe (spec.md §4.C).
	PartitionMaxInterval time.Duration `validate:"required,min=0"`

	// InfoTimeout bounds a single info request/response round trip.
	InfoTimeout time.Duration `validate:"required,min=0"`

	// DunThreshold is validated by New but not passed on to the cluster:
	// nodes latch dunned once their accumulator exceeds the fixed
	// clusternode.DunThreshold (800), whatever value is set here.
	DunThreshold int64 `validate:"required,gt=0"`

	// DestroyDelay bounds how long Close waits before tearing the
	// cluster down, clamped to [0, 60000]ms by Close itself.
	DestroyDelay time.Duration `validate:"min=0"`

	// ScanTimeout is the per-node deadline applied to scan commands whose
	// scan.Policy passed to Client.Scan leaves Timeout unset.
	ScanTimeout time.Duration `validate:"required,min=0"`
}

// DefaultClientPolicy returns the spec.md §6 defaults.
func DefaultClientPolicy() ClientPolicy {
	return ClientPolicy{
		Follow:               true,
		TendInterval:         1200 * time.Millisecond,
		NodeTendInterval:     1000 * time.Millisecond,
		PartitionMaxInterval: 5 * time.Second,
		InfoTimeout:          1 * time.Second,
		DunThreshold:         800,
		DestroyDelay:         0,
		ScanTimeout:          30 * time.Second,
	}
}

var policyValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks p against its struct tags, returning every violation via
// validator's own aggregate error type.
func (p ClientPolicy) Validate() error {
	return policyValidator.Struct(p)
}

func clampDestroyDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > 60*time.Second {
		return 60 * time.Second
	}
	return d
}
