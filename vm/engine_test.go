package vm

import (
	"testing"
	"time"
)

func newTestVM() (*Engine, *MockPlatform) {
	p := NewMockPlatform()
	ioc := NewIOController(p)
	mem := NewMemory(DefaultMemoryConfig())
	return NewEngine(mem, ioc, StrictIntegrity{}), p
}

func mustLoad(t *testing.T, e *Engine, words []uint32) {
	t.Helper()
	if err := e.LoadProgram(words); err != ErrNone {
		t.Fatalf("LoadProgram: %v", err)
	}
}

func TestAddProgram(t *testing.T) {
	// [PUSH 10, PUSH 5, ADD, HALT] -> top of stack 15, 4 instructions.
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 10),
		Word(OpPush, 0, 5),
		Word(OpAdd, 0, 0),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrNone {
		t.Fatalf("Execute: %v", err)
	}
	if !e.IsHalted() {
		t.Error("engine should be halted")
	}
	top, err := e.Memory().PeekOperand()
	if err != ErrNone || top != 15 {
		t.Errorf("top of stack = %d, %v, want 15", top, err)
	}
	if m := e.PerformanceMetrics(); m.InstructionsExecuted != 4 {
		t.Errorf("instructions executed = %d, want 4", m.InstructionsExecuted)
	}
}

func TestDivisionByZeroFaults(t *testing.T) {
	// [PUSH 10, PUSH 0, DIV, HALT] -> fault, not a successful halt.
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 10),
		Word(OpPush, 0, 0),
		Word(OpDiv, 0, 0),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrDivisionByZero {
		t.Fatalf("Execute = %v, want ErrDivisionByZero", err)
	}
	if e.IsHalted() {
		t.Error("faulted program must not report halted")
	}
	if e.State() != StateFaulted {
		t.Errorf("state = %v, want faulted", e.State())
	}
	if e.LastError() != ErrDivisionByZero {
		t.Errorf("LastError = %v", e.LastError())
	}
	// Both operands consumed, nothing pushed.
	if e.StackPointer() != 0 {
		t.Errorf("stack pointer = %d, want 0", e.StackPointer())
	}
}

func TestUnmatchedReturnFaults(t *testing.T) {
	// A RET with an empty call stack is fatal, never a jump.
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 123),
		Word(OpPop, 0, 0),
		Word(OpRet, 0, 0),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrStackUnderflow {
		t.Fatalf("Execute = %v, want ErrStackUnderflow", err)
	}
	if e.IsHalted() {
		t.Error("unmatched return must fault, not halt")
	}
}

func TestValuePushedBetweenCallAndRet(t *testing.T) {
	// The documented corruption regression: [CALL 2, HALT, PUSH 123,
	// RET]. On a shared stack the RET would pop 123 as its return
	// address. Here the value lands on the operand stack, the return
	// frame sees the imbalance and the program faults — it never jumps
	// to an address derived from 123.
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpCall, 0, 2),   // 0
		Word(OpHalt, 0, 0),   // 1
		Word(OpPush, 0, 123), // 2: value left pushed inside the callee
		Word(OpRet, 0, 0),    // 3: unbalanced return
	})

	if err := e.Execute(); err != ErrStackUnderflow {
		t.Fatalf("Execute = %v, want ErrStackUnderflow", err)
	}
	if e.IsHalted() {
		t.Fatal("unbalanced return must fault, not halt")
	}
	// The pushed value stayed a value on the operand stack; the fault
	// happened at the RET, pc past the end of the subroutine.
	if top, _ := e.Memory().PeekOperand(); top != 123 {
		t.Errorf("operand stack top = %d, want 123", top)
	}
	if e.ProgramCounter() != 4 {
		t.Errorf("pc at fault = %d, want 4", e.ProgramCounter())
	}
}

func TestSubroutineConsumesArguments(t *testing.T) {
	// Arguments pushed before CALL may be consumed by the callee; the
	// result comes back through a global.
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 6),        // 0: arg a
		Word(OpPush, 0, 7),        // 1: arg b
		Word(OpCall, 0, 4),        // 2
		Word(OpHalt, 0, 0),        // 3
		Word(OpMul, 0, 0),         // 4: a*b
		Word(OpStoreGlobal, 0, 0), // 5
		Word(OpRet, 0, 0),         // 6
	})

	if err := e.Execute(); err != ErrNone {
		t.Fatalf("Execute: %v", err)
	}
	if v, _ := e.Memory().LoadGlobal(0); v != 42 {
		t.Errorf("global 0 = %d, want 42", v)
	}
	if e.Memory().OperandDepth() != 0 {
		t.Errorf("operand depth = %d, want 0", e.Memory().OperandDepth())
	}
}

func TestCallRetBalance(t *testing.T) {
	// Well-formed CALL/RET pairs leave both stack depths unchanged.
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpCall, 0, 3), // 0
		Word(OpCall, 0, 5), // 1
		Word(OpHalt, 0, 0), // 2
		Word(OpNop, 0, 0),  // 3
		Word(OpRet, 0, 0),  // 4
		Word(OpNop, 0, 0),  // 5
		Word(OpRet, 0, 0),  // 6
	})

	if err := e.Execute(); err != ErrNone {
		t.Fatalf("Execute: %v", err)
	}
	if e.Memory().OperandDepth() != 0 || e.Memory().ReturnDepth() != 0 {
		t.Errorf("depths = %d/%d, want 0/0",
			e.Memory().OperandDepth(), e.Memory().ReturnDepth())
	}
}

func TestProgramFallsOffEnd(t *testing.T) {
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 1),
		Word(OpPop, 0, 0),
		// no HALT
	})

	if err := e.Execute(); err != ErrInvalidJump {
		t.Fatalf("Execute = %v, want ErrInvalidJump", err)
	}
}

func TestJumpTargetValidatedBeforeCommit(t *testing.T) {
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpJmp, 0, 500),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrInvalidJump {
		t.Fatalf("Execute = %v, want ErrInvalidJump", err)
	}
}

func TestCallTargetValidated(t *testing.T) {
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpCall, 0, 99),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrInvalidJump {
		t.Fatalf("Execute = %v, want ErrInvalidJump", err)
	}
	// The call must not have pushed a return address before faulting.
	if e.Memory().ReturnDepth() != 0 {
		t.Error("failed CALL left a return address behind")
	}
}

func TestInvalidOpcodeFaults(t *testing.T) {
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(Opcode(0xEE), 0, 0),
	})

	if err := e.Execute(); err != ErrInvalidOpcode {
		t.Fatalf("Execute = %v, want ErrInvalidOpcode", err)
	}
}

func TestConditionalJump(t *testing.T) {
	// Count down from 3 in global 0 using a JZ loop, then halt.
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 3),        // 0
		Word(OpStoreGlobal, 0, 0), // 1
		Word(OpLoadGlobal, 0, 0),  // 2: loop head
		Word(OpJz, 0, 9),          // 3
		Word(OpLoadGlobal, 0, 0),  // 4
		Word(OpPush, 0, 1),        // 5
		Word(OpSub, 0, 0),         // 6
		Word(OpStoreGlobal, 0, 0), // 7
		Word(OpJmp, 0, 2),         // 8
		Word(OpHalt, 0, 0),        // 9
	})

	if err := e.Execute(); err != ErrNone {
		t.Fatalf("Execute: %v", err)
	}
	if v, _ := e.Memory().LoadGlobal(0); v != 0 {
		t.Errorf("global 0 = %d, want 0", v)
	}
}

func TestFlagCondJump(t *testing.T) {
	// JMP with FlagCond pops its condition; zero falls through.
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 0),
		Word(OpJmp, FlagCond, 4),
		Word(OpPush, 0, 7),
		Word(OpHalt, 0, 0),
		Word(OpPush, 0, 9),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrNone {
		t.Fatalf("Execute: %v", err)
	}
	if top, _ := e.Memory().PeekOperand(); top != 7 {
		t.Errorf("top = %d, want 7 (jump not taken)", top)
	}
}

func TestUnsignedFlagSelectsUnsignedDivision(t *testing.T) {
	// -2 / 2: signed gives -1, unsigned treats -2 as 4294967294.
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, FlagWide, 0xFFFE), // -2
		Word(OpPush, 0, 2),
		Word(OpDiv, FlagUnsigned, 0),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrNone {
		t.Fatalf("Execute: %v", err)
	}
	top, _ := e.Memory().PeekOperand()
	if uint32(top) != 2147483647 {
		t.Errorf("unsigned division top = %d (%#x)", top, uint32(top))
	}
}

func TestArithmeticUnderflowIsFatal(t *testing.T) {
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 1),
		Word(OpAdd, 0, 0), // needs two operands
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrStackUnderflow {
		t.Fatalf("Execute = %v, want ErrStackUnderflow", err)
	}
}

func TestArrayOpcodes(t *testing.T) {
	e, _ := newTestVM()
	if err := e.Memory().RegisterArray(0, 0, 4); err != ErrNone {
		t.Fatal(err)
	}
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 3),       // index
		Word(OpPush, 0, 99),      // value
		Word(OpStoreArray, 0, 0), // arrays[0][3] = 99
		Word(OpPush, 0, 3),
		Word(OpLoadArray, 0, 0),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrNone {
		t.Fatalf("Execute: %v", err)
	}
	if top, _ := e.Memory().PeekOperand(); top != 99 {
		t.Errorf("loaded element = %d, want 99", top)
	}
}

func TestArrayIndexOutOfBoundsFaults(t *testing.T) {
	e, _ := newTestVM()
	if err := e.Memory().RegisterArray(0, 0, 4); err != ErrNone {
		t.Fatal(err)
	}
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 4), // == length
		Word(OpLoadArray, 0, 0),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrMemoryBounds {
		t.Fatalf("Execute = %v, want ErrMemoryBounds", err)
	}
}

func TestSingleStep(t *testing.T) {
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 1),
		Word(OpPush, 0, 2),
		Word(OpHalt, 0, 0),
	})

	if err := e.ExecuteSingleStep(); err != ErrNone {
		t.Fatalf("step 1: %v", err)
	}
	if e.State() != StateReady {
		t.Errorf("state after step = %v, want ready", e.State())
	}
	if e.ProgramCounter() != 1 || e.StackPointer() != 1 {
		t.Errorf("pc/sp = %d/%d, want 1/1", e.ProgramCounter(), e.StackPointer())
	}

	e.ExecuteSingleStep()
	if err := e.ExecuteSingleStep(); err != ErrNone {
		t.Fatalf("step 3: %v", err)
	}
	if !e.IsHalted() {
		t.Error("third step should halt")
	}
	if err := e.ExecuteSingleStep(); err != ErrExecutionFailed {
		t.Errorf("stepping a halted engine = %v, want ErrExecutionFailed", err)
	}
}

func TestExecuteWithoutProgram(t *testing.T) {
	e, _ := newTestVM()

	if err := e.Execute(); err != ErrProgramNotLoaded {
		t.Errorf("Execute = %v, want ErrProgramNotLoaded", err)
	}
	if err := e.ExecuteSingleStep(); err != ErrProgramNotLoaded {
		t.Errorf("ExecuteSingleStep = %v, want ErrProgramNotLoaded", err)
	}
}

func TestDeterministicReRun(t *testing.T) {
	program := []uint32{
		Word(OpPush, 0, 21),
		Word(OpPush, 0, 2),
		Word(OpMul, 0, 0),
		Word(OpStoreGlobal, 0, 7),
		Word(OpMillis, 0, 0),
		Word(OpPop, 0, 0),
		Word(OpHalt, 0, 0),
	}

	type outcome struct {
		pc    int
		sp    int
		g7    int32
		count uint64
	}
	run := func(e *Engine) outcome {
		mustLoad(t, e, program)
		if err := e.Execute(); err != ErrNone {
			t.Fatalf("Execute: %v", err)
		}
		g7, _ := e.Memory().LoadGlobal(7)
		return outcome{
			pc:    e.ProgramCounter(),
			sp:    e.StackPointer(),
			g7:    g7,
			count: e.PerformanceMetrics().InstructionsExecuted,
		}
	}

	e, _ := newTestVM()
	first := run(e)
	e.Reset()
	second := run(e)

	if first != second {
		t.Errorf("non-deterministic re-run: %+v vs %+v", first, second)
	}
}

// corruptingObserver clobbers an operand canary after a chosen number of
// instructions, simulating an out-of-band write.
type corruptingObserver struct {
	mem   *Memory
	after uint64
	seen  uint64
}

func (c *corruptingObserver) OnInstructionExecuted(int, Opcode, int32) {
	c.seen++
	if c.seen == c.after {
		c.mem.operands[0] = 0
	}
}
func (c *corruptingObserver) OnExecutionComplete(uint64, time.Duration) {}
func (c *corruptingObserver) OnVMReset()                               {}

func TestStrictPolicyDetectsCorruptionOnReturn(t *testing.T) {
	e, _ := newTestVM()
	if _, err := e.AttachObserver(&corruptingObserver{mem: e.Memory(), after: 1}); err != ErrNone {
		t.Fatal(err)
	}
	mustLoad(t, e, []uint32{
		Word(OpCall, 0, 2),
		Word(OpHalt, 0, 0),
		Word(OpNop, 0, 0),
		Word(OpRet, 0, 0),
	})

	if err := e.Execute(); err != ErrStackCorruption {
		t.Fatalf("Execute = %v, want ErrStackCorruption", err)
	}
}

func TestFastPolicySkipsCanaryWalk(t *testing.T) {
	p := NewMockPlatform()
	ioc := NewIOController(p)
	mem := NewMemory(DefaultMemoryConfig())
	e := NewEngine(mem, ioc, FastIntegrity{})

	if _, err := e.AttachObserver(&corruptingObserver{mem: mem, after: 1}); err != ErrNone {
		t.Fatal(err)
	}
	mustLoad(t, e, []uint32{
		Word(OpCall, 0, 2),
		Word(OpHalt, 0, 0),
		Word(OpNop, 0, 0),
		Word(OpRet, 0, 0),
	})

	// Same program, same corruption: the fast policy runs to completion
	// on its bounds checks alone.
	if err := e.Execute(); err != ErrNone {
		t.Fatalf("Execute: %v", err)
	}
	if !e.IsHalted() {
		t.Error("fast policy should have halted normally")
	}
}

// recordingObserver collects every notification for assertions.
type recordingObserver struct {
	instructions []Opcode
	completes    int
	totalCount   uint64
	resets       int
}

func (r *recordingObserver) OnInstructionExecuted(_ int, op Opcode, _ int32) {
	r.instructions = append(r.instructions, op)
}

func (r *recordingObserver) OnExecutionComplete(total uint64, _ time.Duration) {
	r.completes++
	r.totalCount = total
}

func (r *recordingObserver) OnVMReset() {
	r.resets++
}

func TestObserverNotifications(t *testing.T) {
	e, _ := newTestVM()
	rec := &recordingObserver{}
	slot, err := e.AttachObserver(rec)
	if err != ErrNone {
		t.Fatal(err)
	}
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 1),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrNone {
		t.Fatal(err)
	}
	if len(rec.instructions) != 2 {
		t.Fatalf("instruction events = %d, want 2", len(rec.instructions))
	}
	if rec.instructions[0] != OpPush || rec.instructions[1] != OpHalt {
		t.Errorf("observed opcodes = %v", rec.instructions)
	}
	if rec.completes != 1 || rec.totalCount != 2 {
		t.Errorf("completion = %d events, total %d", rec.completes, rec.totalCount)
	}

	e.Reset()
	if rec.resets != 1 {
		t.Errorf("reset events = %d, want 1", rec.resets)
	}

	// Detached observers stop receiving events.
	e.DetachObserver(slot)
	mustLoad(t, e, []uint32{Word(OpHalt, 0, 0)})
	e.Execute()
	if len(rec.instructions) != 2 {
		t.Error("detached observer still notified")
	}
}

func TestObserverTableBounded(t *testing.T) {
	e, _ := newTestVM()
	for i := 0; i < MaxObservers; i++ {
		if _, err := e.AttachObserver(&recordingObserver{}); err != ErrNone {
			t.Fatalf("attach %d: %v", i, err)
		}
	}
	if _, err := e.AttachObserver(&recordingObserver{}); err != ErrCapacityExceeded {
		t.Errorf("attach past capacity = %v, want ErrCapacityExceeded", err)
	}
}

func TestResetReturnsToReady(t *testing.T) {
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{Word(OpHalt, 0, 0)})
	if err := e.Execute(); err != ErrNone {
		t.Fatal(err)
	}

	e.Reset()

	if e.State() != StateReady {
		t.Errorf("state after reset = %v", e.State())
	}
	if e.LastError() != ErrNone {
		t.Errorf("error after reset = %v", e.LastError())
	}
	// Program is discarded on reset; running again needs a reload.
	if err := e.Execute(); err != ErrProgramNotLoaded {
		t.Errorf("Execute after reset = %v, want ErrProgramNotLoaded", err)
	}
}

func TestElapsedUsesPlatformClock(t *testing.T) {
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 10),
		Word(OpDelay, 0, 0), // advances the mock clock 10ms
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrNone {
		t.Fatal(err)
	}
	if got := e.PerformanceMetrics().Elapsed; got != 10*time.Millisecond {
		t.Errorf("elapsed = %v, want 10ms", got)
	}
}

func TestTelemetrySnapshot(t *testing.T) {
	e, _ := newTestVM()
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 1),
		Word(OpHalt, 0, 0),
	})
	e.ExecuteSingleStep()

	snap := e.TelemetrySnapshot()
	if snap.ProgramCounter != 1 {
		t.Errorf("snapshot pc = %d, want 1", snap.ProgramCounter)
	}
	if snap.InstructionsExecuted != 1 {
		t.Errorf("snapshot count = %d, want 1", snap.InstructionsExecuted)
	}
	if snap.LastOpcode != OpPush {
		t.Errorf("snapshot opcode = %v, want PUSH", snap.LastOpcode)
	}
}

func TestGuestPrint(t *testing.T) {
	e, p := newTestVM()
	id, err := e.IO().Strings().Add("result: %d\n")
	if err != ErrNone {
		t.Fatal(err)
	}
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 40),
		Word(OpPush, 0, 2),
		Word(OpAdd, 0, 0),
		Word(OpPrint, 0, id),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrNone {
		t.Fatalf("Execute: %v", err)
	}
	if p.Output() != "result: 42\n" {
		t.Errorf("output = %q", p.Output())
	}
}

func TestGuestPinBlink(t *testing.T) {
	e, p := newTestVM()
	e.IO().AllowPin(13, CapDigitalOut)
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, uint16(PinOutput)),
		Word(OpPinMode, 0, 13),
		Word(OpPush, 0, 1),
		Word(OpDigitalWr, 0, 13),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrNone {
		t.Fatalf("Execute: %v", err)
	}
	if !p.DigitalPins[13] {
		t.Error("pin 13 should be high after the program")
	}
}

func TestGuestIOFaultPropagates(t *testing.T) {
	e, _ := newTestVM()
	// No capability granted for pin 13.
	mustLoad(t, e, []uint32{
		Word(OpPush, 0, 1),
		Word(OpDigitalWr, 0, 13),
		Word(OpHalt, 0, 0),
	})

	if err := e.Execute(); err != ErrIO {
		t.Fatalf("Execute = %v, want ErrIO", err)
	}
}
