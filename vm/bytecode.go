package vm

// ---------------------------------------------------------------------------
// Instruction encoding
// ---------------------------------------------------------------------------
//
// Every instruction is one naturally aligned 32-bit word:
//
//	bits 31..24  opcode
//	bits 23..16  flags
//	bits 15..0   immediate
//
// Decoding is total: any bit pattern yields an Instruction. Whether the
// opcode is meaningful is the engine's concern, not the decoder's.

// Opcode represents a single bytecode operation.
type Opcode byte

// Stack operations
const (
	OpNop  Opcode = 0x00 // no operation
	OpPush Opcode = 0x01 // push immediate (FlagWide sign-extends)
	OpPop  Opcode = 0x02 // discard top of stack
	OpDup  Opcode = 0x03 // duplicate top of stack
	OpSwap Opcode = 0x04 // swap top two values
	OpOver Opcode = 0x05 // copy second value to top
)

// Arithmetic
const (
	OpAdd Opcode = 0x10 // pop b, a; push a+b
	OpSub Opcode = 0x11 // pop b, a; push a-b
	OpMul Opcode = 0x12 // pop b, a; push a*b
	OpDiv Opcode = 0x13 // pop b, a; push a/b (FlagUnsigned: u32 division)
	OpMod Opcode = 0x14 // pop b, a; push a%b (FlagUnsigned: u32 modulo)
	OpNeg Opcode = 0x15 // pop a; push -a
)

// Bitwise and logical
const (
	OpAnd Opcode = 0x20 // pop b, a; push a&b
	OpOr  Opcode = 0x21 // pop b, a; push a|b
	OpXor Opcode = 0x22 // pop b, a; push a^b
	OpNot Opcode = 0x23 // pop a; push logical not (0 -> 1, else 0)
	OpShl Opcode = 0x24 // pop b, a; push a<<b
	OpShr Opcode = 0x25 // pop b, a; push a>>b (FlagUnsigned: logical shift)
)

// Comparison (push 1 or 0)
const (
	OpEq Opcode = 0x30 // pop b, a; push a==b
	OpNe Opcode = 0x31 // pop b, a; push a!=b
	OpLt Opcode = 0x32 // pop b, a; push a<b  (FlagUnsigned: unsigned compare)
	OpGt Opcode = 0x33 // pop b, a; push a>b  (FlagUnsigned: unsigned compare)
	OpLe Opcode = 0x34 // pop b, a; push a<=b (FlagUnsigned: unsigned compare)
	OpGe Opcode = 0x35 // pop b, a; push a>=b (FlagUnsigned: unsigned compare)
)

// Control flow. Jump and call targets are absolute instruction indices
// carried in the immediate.
const (
	OpJmp  Opcode = 0x40 // jump (FlagCond: pop condition, taken if non-zero)
	OpJz   Opcode = 0x41 // pop condition, jump if zero
	OpCall Opcode = 0x42 // push pc+1 on the call stack, jump
	OpRet  Opcode = 0x43 // pop the call stack into pc
)

// Memory. Global loads and stores address the pool directly by immediate
// index; array element accesses name the region in the immediate and take
// the element index from the operand stack.
const (
	OpLoadGlobal  Opcode = 0x50 // push pool[imm]
	OpStoreGlobal Opcode = 0x51 // pop value; pool[imm] = value
	OpLoadArray   Opcode = 0x52 // pop index; push region imm element
	OpStoreArray  Opcode = 0x53 // pop value, index; store into region imm
)

// I/O. Pin operations name the logical pin in the immediate.
const (
	OpPinMode     Opcode = 0x60 // pop mode; configure pin
	OpDigitalWr   Opcode = 0x61 // pop level; write pin
	OpDigitalRd   Opcode = 0x62 // read pin; push 0 or 1
	OpAnalogWr    Opcode = 0x63 // pop value; write pin
	OpAnalogRd    Opcode = 0x64 // read pin; push value
	OpDelay       Opcode = 0x65 // pop milliseconds; block
	OpMillis      Opcode = 0x66 // push monotonic milliseconds
	OpMicros      Opcode = 0x67 // push monotonic microseconds
	OpPrint       Opcode = 0x68 // format string imm with popped arguments
)

// System
const (
	OpHalt Opcode = 0x70 // terminate successfully
)

// Flags is the 8-bit modifier field of an instruction. Bits are
// independent; undefined combinations decode and re-encode unchanged.
type Flags byte

const (
	// FlagUnsigned selects the unsigned variant of DIV, MOD, SHR and the
	// comparison opcodes.
	FlagUnsigned Flags = 1 << 0

	// FlagWide sign-extends the 16-bit immediate on PUSH.
	FlagWide Flags = 1 << 1

	// FlagVolatile is reserved. It round-trips through the codec but has
	// no runtime effect until a concrete ordering semantics is specified.
	FlagVolatile Flags = 1 << 2

	// FlagCond makes JMP conditional: the engine pops one value and takes
	// the jump only if it is non-zero.
	FlagCond Flags = 1 << 3

	// FlagAtomic is reserved, like FlagVolatile.
	FlagAtomic Flags = 1 << 4

	// FlagDebug marks debug-only instructions; the engine executes them
	// normally, observers may filter on it.
	FlagDebug Flags = 1 << 5

	// FlagReserved6 and FlagReserved7 are unassigned.
	FlagReserved6 Flags = 1 << 6
	FlagReserved7 Flags = 1 << 7
)

// Instruction is one decoded bytecode word.
type Instruction struct {
	Opcode    Opcode
	Flags     Flags
	Immediate uint16
}

// Decode splits a 32-bit word into an Instruction. It is total: every
// pattern decodes to some instruction.
func Decode(word uint32) Instruction {
	return Instruction{
		Opcode:    Opcode(word >> 24),
		Flags:     Flags(word >> 16),
		Immediate: uint16(word),
	}
}

// Encode packs an Instruction back into its 32-bit word. Encode is the
// exact inverse of Decode.
func Encode(in Instruction) uint32 {
	return uint32(in.Opcode)<<24 | uint32(in.Flags)<<16 | uint32(in.Immediate)
}

// Word is shorthand for encoding an instruction from its parts. Hosts and
// tests use it to assemble programs without a front-end.
func Word(op Opcode, flags Flags, imm uint16) uint32 {
	return Encode(Instruction{Opcode: op, Flags: flags, Immediate: imm})
}

// SignedImmediate returns the immediate as pushed by OpPush: zero-extended
// by default, sign-extended under FlagWide.
func (in Instruction) SignedImmediate() int32 {
	if in.Flags&FlagWide != 0 {
		return int32(int16(in.Immediate))
	}
	return int32(in.Immediate)
}

// opcodeNames maps every defined opcode to its mnemonic. Undefined
// opcodes render through Disassemble as raw hex.
var opcodeNames = map[Opcode]string{
	OpNop:         "NOP",
	OpPush:        "PUSH",
	OpPop:         "POP",
	OpDup:         "DUP",
	OpSwap:        "SWAP",
	OpOver:        "OVER",
	OpAdd:         "ADD",
	OpSub:         "SUB",
	OpMul:         "MUL",
	OpDiv:         "DIV",
	OpMod:         "MOD",
	OpNeg:         "NEG",
	OpAnd:         "AND",
	OpOr:          "OR",
	OpXor:         "XOR",
	OpNot:         "NOT",
	OpShl:         "SHL",
	OpShr:         "SHR",
	OpEq:          "EQ",
	OpNe:          "NE",
	OpLt:          "LT",
	OpGt:          "GT",
	OpLe:          "LE",
	OpGe:          "GE",
	OpJmp:         "JMP",
	OpJz:          "JZ",
	OpCall:        "CALL",
	OpRet:         "RET",
	OpLoadGlobal:  "LOADG",
	OpStoreGlobal: "STOREG",
	OpLoadArray:   "LOADA",
	OpStoreArray:  "STOREA",
	OpPinMode:     "PINMODE",
	OpDigitalWr:   "DIGWR",
	OpDigitalRd:   "DIGRD",
	OpAnalogWr:    "ANAWR",
	OpAnalogRd:    "ANARD",
	OpDelay:       "DELAY",
	OpMillis:      "MILLIS",
	OpMicros:      "MICROS",
	OpPrint:       "PRINT",
	OpHalt:        "HALT",
}

// Defined reports whether the opcode has an assigned operation.
func (op Opcode) Defined() bool {
	_, ok := opcodeNames[op]
	return ok
}

// String returns the opcode mnemonic, or its hex value if unassigned.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "0x" + hexByte(byte(op))
}

func hexByte(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0x0F]})
}
