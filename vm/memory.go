package vm

// ---------------------------------------------------------------------------
// Memory: all addressable guest state
// ---------------------------------------------------------------------------
//
// Memory owns the value pool, the array regions carved from it, the
// operand stack and the call stack. There is no MMU underneath: every
// access is bounds-checked here, and both stacks carry canary words whose
// corruption is detectable by CheckIntegrity.
//
// The operand stack and the call stack are distinct structures with
// distinct element types. A guest value can never be pushed where a
// return address lives, so an unbalanced push between CALL and RET cannot
// redirect control flow.

// canaryWord guards both ends of both stacks. Any out-of-band write that
// crosses a stack boundary lands on a canary before it reaches the
// neighboring region.
const canaryWord = int32(0x5AFEC0DE)

// returnCanary guards the call stack. A different pattern than the
// operand canary so a dump distinguishes which stack was hit.
const returnCanary = int(0x0BADF00D)

// callFrame is one call-stack entry: the return address plus the operand
// depth at CALL time. The depth lets RET detect an unbalanced return — a
// value left pushed inside the callee — instead of carrying it home.
type callFrame struct {
	addr  int
	depth int
}

// MemoryConfig sizes a Memory at construction. All capacities are fixed
// for the life of the instance.
type MemoryConfig struct {
	PoolSize      int // cells in the value pool
	StackCapacity int // operand stack depth
	CallDepth     int // call stack depth
	MaxArrays     int // array region table entries
}

// DefaultMemoryConfig matches a mid-range microcontroller budget:
// 4 KiB of pool, a 64-deep operand stack and a 32-deep call stack.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		PoolSize:      1024,
		StackCapacity: 64,
		CallDepth:     32,
		MaxArrays:     16,
	}
}

// arrayRegion is one registered carve-out of the pool.
type arrayRegion struct {
	offset  int
	length  int
	defined bool
}

// Memory is the guest memory manager.
type Memory struct {
	pool []int32

	// Operand stack: values live in operands[1 : 1+capacity], with a
	// canary word on each side. sp counts pushed values.
	operands []int32
	sp       int

	// Call stack: same guard layout, but the element type is a call
	// frame, not a guest value.
	returns []callFrame
	rp      int

	arrays []arrayRegion
}

// NewMemory constructs a Memory with the given fixed sizes.
func NewMemory(cfg MemoryConfig) *Memory {
	m := &Memory{
		pool:     make([]int32, cfg.PoolSize),
		operands: make([]int32, cfg.StackCapacity+2),
		returns:  make([]callFrame, cfg.CallDepth+2),
		arrays:   make([]arrayRegion, cfg.MaxArrays),
	}
	m.plantCanaries()
	return m
}

func (m *Memory) plantCanaries() {
	m.operands[0] = canaryWord
	m.operands[len(m.operands)-1] = canaryWord
	m.returns[0] = callFrame{addr: returnCanary, depth: returnCanary}
	m.returns[len(m.returns)-1] = callFrame{addr: returnCanary, depth: returnCanary}
}

// Reset clears all guest state: pool zeroed, stacks emptied, array
// registrations dropped, canaries replanted.
func (m *Memory) Reset() {
	for i := range m.pool {
		m.pool[i] = 0
	}
	for i := range m.operands {
		m.operands[i] = 0
	}
	for i := range m.returns {
		m.returns[i] = callFrame{}
	}
	for i := range m.arrays {
		m.arrays[i] = arrayRegion{}
	}
	m.sp = 0
	m.rp = 0
	m.plantCanaries()
}

// PoolSize returns the number of cells in the value pool.
func (m *Memory) PoolSize() int {
	return len(m.pool)
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// LoadGlobal reads one pool cell.
func (m *Memory) LoadGlobal(index int) (int32, VMError) {
	if index < 0 || index >= len(m.pool) {
		return 0, ErrMemoryBounds
	}
	return m.pool[index], ErrNone
}

// StoreGlobal writes one pool cell.
func (m *Memory) StoreGlobal(index int, value int32) VMError {
	if index < 0 || index >= len(m.pool) {
		return ErrMemoryBounds
	}
	m.pool[index] = value
	return ErrNone
}

// ---------------------------------------------------------------------------
// Array regions
// ---------------------------------------------------------------------------

// RegisterArray carves region id out of the pool. Registration happens
// once during load; regions are never resized. The offset+length bound is
// validated here, the per-element index bound on every access.
func (m *Memory) RegisterArray(id int, offset, length int) VMError {
	if id < 0 || id >= len(m.arrays) {
		return ErrCapacityExceeded
	}
	if m.arrays[id].defined {
		return ErrMemoryBounds
	}
	if offset < 0 || length < 0 || offset+length > len(m.pool) {
		return ErrMemoryBounds
	}
	m.arrays[id] = arrayRegion{offset: offset, length: length, defined: true}
	return ErrNone
}

// LoadArrayElement reads element index of region id. The index bound is
// checked on every access; this is the safety property that replaces
// hardware memory protection.
func (m *Memory) LoadArrayElement(id, index int) (int32, VMError) {
	region, err := m.region(id, index)
	if err != ErrNone {
		return 0, err
	}
	return m.pool[region.offset+index], ErrNone
}

// StoreArrayElement writes element index of region id.
func (m *Memory) StoreArrayElement(id, index int, value int32) VMError {
	region, err := m.region(id, index)
	if err != ErrNone {
		return err
	}
	m.pool[region.offset+index] = value
	return ErrNone
}

func (m *Memory) region(id, index int) (arrayRegion, VMError) {
	if id < 0 || id >= len(m.arrays) || !m.arrays[id].defined {
		return arrayRegion{}, ErrMemoryBounds
	}
	region := m.arrays[id]
	if index < 0 || index >= region.length {
		return arrayRegion{}, ErrMemoryBounds
	}
	return region, ErrNone
}

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

// PushOperand pushes a guest value.
func (m *Memory) PushOperand(value int32) VMError {
	if m.sp >= len(m.operands)-2 {
		return ErrStackOverflow
	}
	m.operands[1+m.sp] = value
	m.sp++
	return ErrNone
}

// PopOperand pops a guest value.
func (m *Memory) PopOperand() (int32, VMError) {
	if m.sp <= 0 {
		return 0, ErrStackUnderflow
	}
	m.sp--
	return m.operands[1+m.sp], ErrNone
}

// PeekOperand returns the top of the operand stack without popping.
func (m *Memory) PeekOperand() (int32, VMError) {
	if m.sp <= 0 {
		return 0, ErrStackUnderflow
	}
	return m.operands[m.sp], ErrNone
}

// OperandDepth returns the operand stack pointer.
func (m *Memory) OperandDepth() int {
	return m.sp
}

// ---------------------------------------------------------------------------
// Call stack
// ---------------------------------------------------------------------------

// PushReturn records a return address together with the operand depth at
// the call site. Only CALL goes through here; guest values cannot reach
// this stack.
func (m *Memory) PushReturn(address int) VMError {
	if m.rp >= len(m.returns)-2 {
		return ErrStackOverflow
	}
	m.returns[1+m.rp] = callFrame{addr: address, depth: m.sp}
	m.rp++
	return ErrNone
}

// PopReturn pops the most recent return frame. An empty call stack means
// an unmatched RET. A return with net operands pushed since the matching
// CALL is unbalanced: the extra value would have been a corrupted return
// address on a shared stack, so it is rejected the same way. Callees may
// consume arguments (depth below the call site is fine); they hand
// results back through globals or arrays, never the operand stack.
func (m *Memory) PopReturn() (int, VMError) {
	if m.rp <= 0 {
		return 0, ErrStackUnderflow
	}
	frame := m.returns[m.rp]
	if m.sp > frame.depth {
		return 0, ErrStackUnderflow
	}
	m.rp--
	return frame.addr, ErrNone
}

// ReturnDepth returns the call stack pointer.
func (m *Memory) ReturnDepth() int {
	return m.rp
}

// ---------------------------------------------------------------------------
// Integrity
// ---------------------------------------------------------------------------

// CheckIntegrity validates the canary words on both stacks. A false
// result means something wrote past a stack boundary; the condition is
// not retryable and the engine reports it as ErrStackCorruption.
func (m *Memory) CheckIntegrity() bool {
	guard := callFrame{addr: returnCanary, depth: returnCanary}
	return m.operands[0] == canaryWord &&
		m.operands[len(m.operands)-1] == canaryWord &&
		m.returns[0] == guard &&
		m.returns[len(m.returns)-1] == guard
}
