package vm

// ---------------------------------------------------------------------------
// VMError: the single closed error set for the core
// ---------------------------------------------------------------------------

// VMError identifies every failure the core can diagnose. There is exactly
// one set for all layers: the memory manager, the I/O controller and the
// execution engine all report out of this enumeration, so a host needs a
// single translation table from error to message and exit behavior.
//
// ErrNone is the zero value; a VMError is "set" when it is non-zero.
type VMError uint8

const (
	ErrNone VMError = iota

	// Resource exhaustion
	ErrStackOverflow
	ErrCapacityExceeded

	// Integrity
	ErrStackUnderflow
	ErrStackCorruption
	ErrMemoryBounds

	// Control flow
	ErrInvalidJump
	ErrInvalidOpcode

	// Arithmetic
	ErrDivisionByZero

	// I/O
	ErrIO
	ErrHardwareFault

	// Lifecycle
	ErrProgramNotLoaded
	ErrExecutionFailed

	numErrors // sentinel, keep last
)

// errorStrings is indexed by VMError. Entries are fixed at init so that
// String never allocates; fault paths may run with a corrupted heap-free
// guest and must not depend on fmt.
var errorStrings = [numErrors]string{
	ErrNone:             "no error",
	ErrStackOverflow:    "stack overflow",
	ErrCapacityExceeded: "capacity exceeded",
	ErrStackUnderflow:   "stack underflow",
	ErrStackCorruption:  "stack corruption detected",
	ErrMemoryBounds:     "memory access out of bounds",
	ErrInvalidJump:      "jump target out of range",
	ErrInvalidOpcode:    "invalid opcode",
	ErrDivisionByZero:   "division by zero",
	ErrIO:               "i/o operation rejected",
	ErrHardwareFault:    "hardware fault",
	ErrProgramNotLoaded: "no program loaded",
	ErrExecutionFailed:  "execution failed",
}

// String returns a stable, non-allocating description of the error.
func (e VMError) String() string {
	if e >= numErrors {
		return "unknown error"
	}
	return errorStrings[e]
}

// Error makes VMError usable where an error interface is expected.
// Inside the core, callers compare against the enumeration directly.
func (e VMError) Error() string {
	return e.String()
}

// IsSet reports whether e carries an actual failure.
func (e VMError) IsSet() bool {
	return e != ErrNone
}
