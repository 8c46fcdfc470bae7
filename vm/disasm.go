package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// flagLetters renders set flag bits as single letters, in bit order.
var flagLetters = [8]byte{'u', 'w', 'v', 'c', 'a', 'd', '6', '7'}

// FlagString renders the flag byte compactly, e.g. "uw" or "-".
func FlagString(f Flags) string {
	if f == 0 {
		return "-"
	}
	var b strings.Builder
	for bit := 0; bit < 8; bit++ {
		if f&(1<<bit) != 0 {
			b.WriteByte(flagLetters[bit])
		}
	}
	return b.String()
}

// Disassemble renders one instruction as a single line:
//
//	0004  CALL    -  0002
//
// Used by trace observers and fault reports; not part of execution.
func Disassemble(pc int, in Instruction) string {
	return fmt.Sprintf("%04d  %-7s %-3s %5d", pc, in.Opcode.String(), FlagString(in.Flags), in.Immediate)
}

// DisassembleProgram renders a whole instruction stream, one line per
// instruction.
func DisassembleProgram(words []uint32) []string {
	lines := make([]string, len(words))
	for i, w := range words {
		lines[i] = Disassemble(i, Decode(w))
	}
	return lines
}
