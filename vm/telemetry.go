package vm

import "time"

// ---------------------------------------------------------------------------
// Telemetry: execution observation for diagnostics
// ---------------------------------------------------------------------------

// TelemetryObserver is notified at instruction boundaries. Observers are
// diagnostics, not execution correctness: the engine behaves identically
// with zero observers attached. Attach and detach happen between steps,
// never mid-instruction.
type TelemetryObserver interface {
	// OnInstructionExecuted fires after each completed instruction with
	// the post-instruction program counter, the opcode just run and a
	// one-value operand summary (the top of the operand stack, or the
	// immediate for PUSH).
	OnInstructionExecuted(pc int, op Opcode, operand int32)

	// OnExecutionComplete fires once on HALT.
	OnExecutionComplete(totalInstructions uint64, elapsed time.Duration)

	// OnVMReset fires when the host resets the engine.
	OnVMReset()
}

// MaxObservers bounds the observer table. Slots are index-addressed so an
// embedded host never allocates an unbounded dispatch list.
const MaxObservers = 4

// Snapshot is a point-in-time view of the engine for the host-visible
// diagnostics path. Guest code never sees one.
type Snapshot struct {
	ProgramCounter       int
	InstructionsExecuted uint64
	LastOpcode           Opcode
	WallTime             time.Duration
}

// Metrics summarizes one execution for the host control surface.
type Metrics struct {
	InstructionsExecuted uint64
	Elapsed              time.Duration
}
