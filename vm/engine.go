package vm

import "time"

// ---------------------------------------------------------------------------
// Engine: the fetch-decode-execute state machine
// ---------------------------------------------------------------------------

// State is the engine lifecycle state.
type State uint8

const (
	StateReady   State = iota // program may be loaded/run/stepped
	StateRunning              // inside Execute
	StateHalted               // guest executed HALT; terminal until Reset
	StateFaulted              // a VMError stopped execution; terminal until Reset
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateFaulted:
		return "faulted"
	}
	return "invalid"
}

// Engine interprets one instruction stream. It owns the program for the
// duration of one execution and drives Memory and IOController; the host
// constructs the three explicitly and decides their lifetime. Engines are
// not safe for concurrent use: execution is single-threaded and
// non-preemptive by design.
type Engine struct {
	mem       *Memory
	io        *IOController
	integrity IntegrityPolicy

	program []Instruction
	loaded  bool

	state   State
	pc      int
	lastErr VMError
	lastOp  Opcode

	observers [MaxObservers]TelemetryObserver

	executed    uint64
	startMicros uint64
	elapsed     time.Duration
	clockSet    bool
}

// NewEngine wires an engine to its memory manager and I/O controller.
// A nil policy defaults to StrictIntegrity.
func NewEngine(mem *Memory, ioc *IOController, policy IntegrityPolicy) *Engine {
	if policy == nil {
		policy = StrictIntegrity{}
	}
	return &Engine{
		mem:       mem,
		io:        ioc,
		integrity: policy,
	}
}

// Memory returns the engine's memory manager, for the load phase and for
// host inspection.
func (e *Engine) Memory() *Memory {
	return e.mem
}

// IO returns the engine's I/O controller.
func (e *Engine) IO() *IOController {
	return e.io
}

// ---------------------------------------------------------------------------
// Load contract
// ---------------------------------------------------------------------------

// LoadProgram decodes a validated word stream into the engine. The loader
// has already checked targets and the trailing HALT; the engine still
// re-checks every jump bound defensively at execution time.
func (e *Engine) LoadProgram(words []uint32) VMError {
	if e.state != StateReady {
		return ErrExecutionFailed
	}
	if len(words) == 0 {
		return ErrProgramNotLoaded
	}
	program := make([]Instruction, len(words))
	for i, w := range words {
		program[i] = Decode(w)
	}
	e.program = program
	e.loaded = true
	e.pc = 0
	return ErrNone
}

// ProgramLength returns the number of loaded instructions.
func (e *Engine) ProgramLength() int {
	return len(e.program)
}

// ---------------------------------------------------------------------------
// Host control surface
// ---------------------------------------------------------------------------

// Execute runs the loaded program to completion or fault. The returned
// error is ErrNone on a clean HALT.
func (e *Engine) Execute() VMError {
	if !e.loaded {
		e.lastErr = ErrProgramNotLoaded
		return ErrProgramNotLoaded
	}
	if e.state != StateReady {
		return ErrExecutionFailed
	}
	e.state = StateRunning
	e.startClock()
	for e.state == StateRunning {
		e.cycle()
	}
	if e.state == StateFaulted {
		return e.lastErr
	}
	return ErrNone
}

// ExecuteSingleStep performs exactly one full instruction cycle and
// returns to Ready, unless the instruction halted or faulted the VM.
func (e *Engine) ExecuteSingleStep() VMError {
	if !e.loaded {
		e.lastErr = ErrProgramNotLoaded
		return ErrProgramNotLoaded
	}
	if e.state != StateReady {
		return ErrExecutionFailed
	}
	e.state = StateRunning
	e.startClock()
	e.cycle()
	if e.state == StateRunning {
		e.state = StateReady
	}
	if e.state == StateFaulted {
		return e.lastErr
	}
	return ErrNone
}

// Reset discards the program and all guest state and returns the engine
// to Ready. The host may call it at any instruction boundary.
func (e *Engine) Reset() {
	e.mem.Reset()
	e.io.Reset()
	e.program = nil
	e.loaded = false
	e.state = StateReady
	e.pc = 0
	e.lastErr = ErrNone
	e.lastOp = OpNop
	e.executed = 0
	e.elapsed = 0
	e.clockSet = false
	for _, obs := range e.observers {
		if obs != nil {
			obs.OnVMReset()
		}
	}
}

// LastError reports the most recent fault, or ErrNone.
func (e *Engine) LastError() VMError {
	return e.lastErr
}

// ErrorString returns the stable description of the last error.
func (e *Engine) ErrorString() string {
	return e.lastErr.String()
}

// IsHalted reports whether the guest terminated successfully.
func (e *Engine) IsHalted() bool {
	return e.state == StateHalted
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	return e.state
}

// ProgramCounter returns the current program counter.
func (e *Engine) ProgramCounter() int {
	return e.pc
}

// StackPointer returns the operand stack depth.
func (e *Engine) StackPointer() int {
	return e.mem.OperandDepth()
}

// PerformanceMetrics summarizes the current or finished run.
func (e *Engine) PerformanceMetrics() Metrics {
	return Metrics{
		InstructionsExecuted: e.executed,
		Elapsed:              e.elapsedNow(),
	}
}

// TelemetrySnapshot captures the diagnostics view of the engine.
func (e *Engine) TelemetrySnapshot() Snapshot {
	return Snapshot{
		ProgramCounter:       e.pc,
		InstructionsExecuted: e.executed,
		LastOpcode:           e.lastOp,
		WallTime:             e.elapsedNow(),
	}
}

// AttachObserver registers a telemetry observer in a free slot and
// returns its index. Must be called between steps, not mid-instruction.
func (e *Engine) AttachObserver(obs TelemetryObserver) (int, VMError) {
	for i := range e.observers {
		if e.observers[i] == nil {
			e.observers[i] = obs
			return i, ErrNone
		}
	}
	return 0, ErrCapacityExceeded
}

// DetachObserver frees an observer slot.
func (e *Engine) DetachObserver(slot int) {
	if slot >= 0 && slot < len(e.observers) {
		e.observers[slot] = nil
	}
}

// ---------------------------------------------------------------------------
// Instruction cycle
// ---------------------------------------------------------------------------

func (e *Engine) startClock() {
	if !e.clockSet {
		e.startMicros = e.io.Micros()
		e.clockSet = true
	}
}

func (e *Engine) elapsedNow() time.Duration {
	if !e.clockSet {
		return 0
	}
	if e.state == StateHalted || e.state == StateFaulted {
		return e.elapsed
	}
	return time.Duration(e.io.Micros()-e.startMicros) * time.Microsecond
}

func (e *Engine) fault(err VMError) {
	e.lastErr = err
	if e.clockSet {
		e.elapsed = time.Duration(e.io.Micros()-e.startMicros) * time.Microsecond
	}
	e.state = StateFaulted
}

// cycle performs one full fetch-decode-execute step.
func (e *Engine) cycle() {
	// Fetch. Falling off the end without HALT is a control-flow fault.
	if e.pc < 0 || e.pc >= len(e.program) {
		e.fault(ErrInvalidJump)
		return
	}
	in := e.program[e.pc]
	e.pc++
	e.lastOp = in.Opcode

	halted := e.dispatch(in)
	if e.state == StateFaulted {
		return
	}

	e.executed++

	// Periodic canary validation per the injected policy.
	if interval := e.integrity.Interval(); interval != 0 && e.executed%interval == 0 {
		if !e.mem.CheckIntegrity() {
			e.fault(ErrStackCorruption)
			return
		}
	}

	e.notifyInstruction(in)

	if halted {
		e.elapsed = time.Duration(e.io.Micros()-e.startMicros) * time.Microsecond
		e.state = StateHalted
		for _, obs := range e.observers {
			if obs != nil {
				obs.OnExecutionComplete(e.executed, e.elapsed)
			}
		}
	}
}

func (e *Engine) notifyInstruction(in Instruction) {
	operand := in.SignedImmediate()
	if in.Opcode != OpPush {
		if top, err := e.mem.PeekOperand(); err == ErrNone {
			operand = top
		} else {
			operand = 0
		}
	}
	for _, obs := range e.observers {
		if obs != nil {
			obs.OnInstructionExecuted(e.pc, in.Opcode, operand)
		}
	}
}

// dispatch executes one decoded instruction. It reports whether the
// instruction was HALT; faults are recorded through e.fault.
func (e *Engine) dispatch(in Instruction) bool {
	switch in.Opcode {

	// --- Stack ---
	case OpNop:
		// nothing

	case OpPush:
		if err := e.mem.PushOperand(in.SignedImmediate()); err != ErrNone {
			e.fault(err)
		}

	case OpPop:
		if _, err := e.mem.PopOperand(); err != ErrNone {
			e.fault(err)
		}

	case OpDup:
		top, err := e.mem.PeekOperand()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if err := e.mem.PushOperand(top); err != ErrNone {
			e.fault(err)
		}

	case OpSwap:
		b, a, err := e.pop2()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		e.mem.PushOperand(b)
		if err := e.mem.PushOperand(a); err != ErrNone {
			e.fault(err)
		}

	case OpOver:
		b, a, err := e.pop2()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		e.mem.PushOperand(a)
		e.mem.PushOperand(b)
		if err := e.mem.PushOperand(a); err != ErrNone {
			e.fault(err)
		}

	// --- Arithmetic ---
	case OpAdd:
		e.binaryOp(func(a, b int32) (int32, VMError) { return a + b, ErrNone })

	case OpSub:
		e.binaryOp(func(a, b int32) (int32, VMError) { return a - b, ErrNone })

	case OpMul:
		e.binaryOp(func(a, b int32) (int32, VMError) { return a * b, ErrNone })

	case OpDiv:
		e.binaryOp(func(a, b int32) (int32, VMError) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			if in.Flags&FlagUnsigned != 0 {
				return int32(uint32(a) / uint32(b)), ErrNone
			}
			return a / b, ErrNone
		})

	case OpMod:
		e.binaryOp(func(a, b int32) (int32, VMError) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			if in.Flags&FlagUnsigned != 0 {
				return int32(uint32(a) % uint32(b)), ErrNone
			}
			return a % b, ErrNone
		})

	case OpNeg:
		e.unaryOp(func(a int32) int32 { return -a })

	// --- Bitwise and logical ---
	case OpAnd:
		e.binaryOp(func(a, b int32) (int32, VMError) { return a & b, ErrNone })

	case OpOr:
		e.binaryOp(func(a, b int32) (int32, VMError) { return a | b, ErrNone })

	case OpXor:
		e.binaryOp(func(a, b int32) (int32, VMError) { return a ^ b, ErrNone })

	case OpNot:
		e.unaryOp(func(a int32) int32 {
			if a == 0 {
				return 1
			}
			return 0
		})

	case OpShl:
		e.binaryOp(func(a, b int32) (int32, VMError) {
			return a << (uint32(b) & 31), ErrNone
		})

	case OpShr:
		e.binaryOp(func(a, b int32) (int32, VMError) {
			if in.Flags&FlagUnsigned != 0 {
				return int32(uint32(a) >> (uint32(b) & 31)), ErrNone
			}
			return a >> (uint32(b) & 31), ErrNone
		})

	// --- Comparison ---
	case OpEq:
		e.compareOp(in.Flags, func(a, b int32, _ bool) bool { return a == b })

	case OpNe:
		e.compareOp(in.Flags, func(a, b int32, _ bool) bool { return a != b })

	case OpLt:
		e.compareOp(in.Flags, func(a, b int32, unsigned bool) bool {
			if unsigned {
				return uint32(a) < uint32(b)
			}
			return a < b
		})

	case OpGt:
		e.compareOp(in.Flags, func(a, b int32, unsigned bool) bool {
			if unsigned {
				return uint32(a) > uint32(b)
			}
			return a > b
		})

	case OpLe:
		e.compareOp(in.Flags, func(a, b int32, unsigned bool) bool {
			if unsigned {
				return uint32(a) <= uint32(b)
			}
			return a <= b
		})

	case OpGe:
		e.compareOp(in.Flags, func(a, b int32, unsigned bool) bool {
			if unsigned {
				return uint32(a) >= uint32(b)
			}
			return a >= b
		})

	// --- Control flow ---
	case OpJmp:
		taken := true
		if in.Flags&FlagCond != 0 {
			cond, err := e.mem.PopOperand()
			if err != ErrNone {
				e.fault(err)
				return false
			}
			taken = cond != 0
		}
		if taken {
			e.jump(int(in.Immediate))
		}

	case OpJz:
		cond, err := e.mem.PopOperand()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if cond == 0 {
			e.jump(int(in.Immediate))
		}

	case OpCall:
		target := int(in.Immediate)
		if target >= len(e.program) {
			e.fault(ErrInvalidJump)
			return false
		}
		// Return address goes on the call stack, never the operand
		// stack. pc already points past the CALL.
		if err := e.mem.PushReturn(e.pc); err != ErrNone {
			e.fault(err)
			return false
		}
		e.pc = target

	case OpRet:
		if e.integrity.VerifyOnReturn() && !e.mem.CheckIntegrity() {
			e.fault(ErrStackCorruption)
			return false
		}
		addr, err := e.mem.PopReturn()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if addr < 0 || addr >= len(e.program) {
			e.fault(ErrInvalidJump)
			return false
		}
		e.pc = addr

	// --- Memory ---
	case OpLoadGlobal:
		value, err := e.mem.LoadGlobal(int(in.Immediate))
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if err := e.mem.PushOperand(value); err != ErrNone {
			e.fault(err)
		}

	case OpStoreGlobal:
		value, err := e.mem.PopOperand()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if err := e.mem.StoreGlobal(int(in.Immediate), value); err != ErrNone {
			e.fault(err)
		}

	case OpLoadArray:
		index, err := e.mem.PopOperand()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		value, err := e.mem.LoadArrayElement(int(in.Immediate), int(index))
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if err := e.mem.PushOperand(value); err != ErrNone {
			e.fault(err)
		}

	case OpStoreArray:
		value, err := e.mem.PopOperand()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		index, err := e.mem.PopOperand()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if err := e.mem.StoreArrayElement(int(in.Immediate), int(index), value); err != ErrNone {
			e.fault(err)
		}

	// --- I/O ---
	case OpPinMode:
		mode, err := e.mem.PopOperand()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if err := e.io.PinMode(uint8(in.Immediate), PinModeValue(mode)); err != ErrNone {
			e.fault(err)
		}

	case OpDigitalWr:
		level, err := e.mem.PopOperand()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if err := e.io.DigitalWrite(uint8(in.Immediate), level != 0); err != ErrNone {
			e.fault(err)
		}

	case OpDigitalRd:
		level, err := e.io.DigitalRead(uint8(in.Immediate))
		if err != ErrNone {
			e.fault(err)
			return false
		}
		value := int32(0)
		if level {
			value = 1
		}
		if err := e.mem.PushOperand(value); err != ErrNone {
			e.fault(err)
		}

	case OpAnalogWr:
		value, err := e.mem.PopOperand()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if err := e.io.AnalogWrite(uint8(in.Immediate), value); err != ErrNone {
			e.fault(err)
		}

	case OpAnalogRd:
		value, err := e.io.AnalogRead(uint8(in.Immediate))
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if err := e.mem.PushOperand(value); err != ErrNone {
			e.fault(err)
		}

	case OpDelay:
		ms, err := e.mem.PopOperand()
		if err != ErrNone {
			e.fault(err)
			return false
		}
		if ms < 0 {
			e.fault(ErrIO)
			return false
		}
		e.io.Delay(uint32(ms))

	case OpMillis:
		if err := e.mem.PushOperand(int32(e.io.Millis())); err != ErrNone {
			e.fault(err)
		}

	case OpMicros:
		if err := e.mem.PushOperand(int32(e.io.Micros())); err != ErrNone {
			e.fault(err)
		}

	case OpPrint:
		e.print(in.Immediate)

	// --- System ---
	case OpHalt:
		return true

	default:
		e.fault(ErrInvalidOpcode)
	}
	return false
}

// print pops the arguments a format string consumes, deepest first, and
// hands them to the I/O controller.
func (e *Engine) print(id uint16) {
	n, err := e.io.CountPlaceholders(id)
	if err != ErrNone {
		e.fault(err)
		return
	}
	var args [MaxFormatArgs]int32
	for i := n - 1; i >= 0; i-- {
		value, perr := e.mem.PopOperand()
		if perr != ErrNone {
			e.fault(perr)
			return
		}
		args[i] = value
	}
	if ferr := e.io.FormatOutput(id, args[:n]); ferr != ErrNone {
		e.fault(ferr)
	}
}

// jump validates and commits an absolute jump target.
func (e *Engine) jump(target int) {
	if target >= len(e.program) {
		e.fault(ErrInvalidJump)
		return
	}
	e.pc = target
}

func (e *Engine) pop2() (b, a int32, err VMError) {
	b, err = e.mem.PopOperand()
	if err != ErrNone {
		return 0, 0, err
	}
	a, err = e.mem.PopOperand()
	if err != ErrNone {
		return 0, 0, err
	}
	return b, a, ErrNone
}

func (e *Engine) binaryOp(op func(a, b int32) (int32, VMError)) {
	b, a, err := e.pop2()
	if err != ErrNone {
		e.fault(err)
		return
	}
	result, err := op(a, b)
	if err != ErrNone {
		e.fault(err)
		return
	}
	if err := e.mem.PushOperand(result); err != ErrNone {
		e.fault(err)
	}
}

func (e *Engine) unaryOp(op func(a int32) int32) {
	a, err := e.mem.PopOperand()
	if err != ErrNone {
		e.fault(err)
		return
	}
	if err := e.mem.PushOperand(op(a)); err != ErrNone {
		e.fault(err)
	}
}

func (e *Engine) compareOp(flags Flags, cmp func(a, b int32, unsigned bool) bool) {
	b, a, err := e.pop2()
	if err != ErrNone {
		e.fault(err)
		return
	}
	result := int32(0)
	if cmp(a, b, flags&FlagUnsigned != 0) {
		result = 1
	}
	if err := e.mem.PushOperand(result); err != ErrNone {
		e.fault(err)
	}
}
