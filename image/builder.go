package image

import "github.com/guestvm/guestvm/vm"

// Builder assembles an Image programmatically. Hosts and tests use it to
// construct guest programs without a front-end compiler.
type Builder struct {
	name    string
	words   []uint32
	strings []string
	arrays  []ArrayDef
}

// NewBuilder starts an empty image with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Emit appends one instruction and returns its index, usable as a jump
// or call target.
func (b *Builder) Emit(op vm.Opcode, flags vm.Flags, imm uint16) int {
	b.words = append(b.words, vm.Word(op, flags, imm))
	return len(b.words) - 1
}

// Op appends an instruction with no flags and no immediate.
func (b *Builder) Op(op vm.Opcode) int {
	return b.Emit(op, 0, 0)
}

// Push appends a PUSH of a small signed constant, selecting FlagWide
// sign extension when the value is negative.
func (b *Builder) Push(value int16) int {
	if value < 0 {
		return b.Emit(vm.OpPush, vm.FlagWide, uint16(value))
	}
	return b.Emit(vm.OpPush, 0, uint16(value))
}

// Patch rewrites the immediate of a previously emitted instruction,
// for forward jump targets.
func (b *Builder) Patch(index int, imm uint16) {
	in := vm.Decode(b.words[index])
	in.Immediate = imm
	b.words[index] = vm.Encode(in)
}

// Here returns the index the next emitted instruction will get.
func (b *Builder) Here() int {
	return len(b.words)
}

// InternString registers a string and returns its table id.
func (b *Builder) InternString(s string) uint16 {
	for i, existing := range b.strings {
		if existing == s {
			return uint16(i)
		}
	}
	b.strings = append(b.strings, s)
	return uint16(len(b.strings) - 1)
}

// DeclareArray records an array region for the loader to register.
func (b *Builder) DeclareArray(id uint16, offset, length uint32) {
	b.arrays = append(b.arrays, ArrayDef{ID: id, Offset: offset, Length: length})
}

// Image finalizes the builder.
func (b *Builder) Image() *Image {
	return &Image{
		Version: FormatVersion,
		Name:    b.name,
		Words:   b.words,
		Strings: b.strings,
		Arrays:  b.arrays,
	}
}
