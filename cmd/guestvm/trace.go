package main

import (
	"fmt"
	"os"
	"time"

	"github.com/guestvm/guestvm/vm"
)

// traceRing remembers the last instructions executed so a fault report
// can show how the guest got there. With -trace every instruction is
// also echoed live.
type traceRing struct {
	lines [16]string
	next  int
	count int
	live  bool
}

func (t *traceRing) OnInstructionExecuted(pc int, op vm.Opcode, operand int32) {
	line := fmt.Sprintf("pc=%04d %-7s operand=%d", pc, op, operand)
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.count < len(t.lines) {
		t.count++
	}
	if t.live {
		fmt.Fprintln(os.Stderr, line)
	}
}

func (t *traceRing) OnExecutionComplete(total uint64, elapsed time.Duration) {}

func (t *traceRing) OnVMReset() {
	t.next = 0
	t.count = 0
}

// tail returns the remembered lines, oldest first.
func (t *traceRing) tail() []string {
	out := make([]string, 0, t.count)
	for i := 0; i < t.count; i++ {
		out = append(out, t.lines[(t.next-t.count+i+len(t.lines))%len(t.lines)])
	}
	return out
}

// faultReport prints everything a postmortem needs: the fault, where it
// happened, stack depth and the instructions leading up to it.
func faultReport(e *vm.Engine, trace *traceRing) {
	snap := e.TelemetrySnapshot()
	fmt.Fprintf(os.Stderr, "\nguest fault: %s\n", e.ErrorString())
	fmt.Fprintf(os.Stderr, "  pc=%d last-opcode=%s stack-depth=%d executed=%d elapsed=%s\n",
		snap.ProgramCounter, snap.LastOpcode, e.StackPointer(),
		snap.InstructionsExecuted, snap.WallTime)
	if lines := trace.tail(); len(lines) > 0 {
		fmt.Fprintln(os.Stderr, "  recent instructions:")
		for _, line := range lines {
			fmt.Fprintf(os.Stderr, "    %s\n", line)
		}
	}
}

var _ vm.TelemetryObserver = (*traceRing)(nil)
