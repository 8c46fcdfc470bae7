package vm

// ---------------------------------------------------------------------------
// IntegrityPolicy: injected canary-validation strategy
// ---------------------------------------------------------------------------

// IntegrityPolicy decides when the engine validates stack canaries. The
// policy is chosen at construction rather than at compile time, so both
// behaviors are testable from the same binary.
type IntegrityPolicy interface {
	// VerifyOnReturn reports whether canaries are validated before every
	// RET, the point where a corrupted stack is about to redirect
	// control flow.
	VerifyOnReturn() bool

	// Interval returns the instruction cadence for periodic validation.
	// Zero disables periodic checks.
	Interval() uint64
}

// StrictIntegrity validates canaries before every RET and on a fixed
// instruction cadence. This is the debug posture.
type StrictIntegrity struct{}

func (StrictIntegrity) VerifyOnReturn() bool { return true }
func (StrictIntegrity) Interval() uint64     { return 64 }

// FastIntegrity relies on per-access bounds checks alone and never walks
// the canaries. This is the release posture.
type FastIntegrity struct{}

func (FastIntegrity) VerifyOnReturn() bool { return false }
func (FastIntegrity) Interval() uint64     { return 0 }
