// Package image defines the on-disk program image for the guest VM and
// the loader that installs a verified image into an engine.
//
// An image is a canonical-CBOR document wrapped in a checksummed
// container and zstd-compressed on disk. The loader decompresses,
// verifies the BLAKE3 content checksum, statically validates the
// instruction stream and only then hands anything to the engine.
package image

import (
	"errors"
	"fmt"

	"github.com/guestvm/guestvm/vm"
)

// FormatVersion is the current image format. Readers reject anything
// newer than they understand.
const FormatVersion = 1

var (
	// ErrChecksumMismatch indicates the payload does not match its
	// recorded BLAKE3 checksum.
	ErrChecksumMismatch = errors.New("image checksum mismatch")

	// ErrUnsupportedVersion indicates an image written by a newer tool.
	ErrUnsupportedVersion = errors.New("unsupported image format version")

	// ErrEmptyProgram indicates an image with no instructions.
	ErrEmptyProgram = errors.New("image contains no instructions")

	// ErrNoHalt indicates an instruction stream with no reachable HALT.
	ErrNoHalt = errors.New("program does not contain HALT")

	// ErrTargetOutOfRange indicates a jump or call target outside the
	// instruction stream.
	ErrTargetOutOfRange = errors.New("jump target out of range")

	// ErrInstall indicates the engine rejected part of the image.
	ErrInstall = errors.New("image install rejected")
)

// ArrayDef declares one array region the loader registers before the
// program runs. Regions are fixed at load time, never resized.
type ArrayDef struct {
	ID     uint16 `cbor:"1,keyasint"`
	Offset uint32 `cbor:"2,keyasint"`
	Length uint32 `cbor:"3,keyasint"`
}

// Image is one loadable guest program: the instruction words plus the
// string table and array declarations it expects.
type Image struct {
	Version uint8      `cbor:"1,keyasint"`
	Name    string     `cbor:"2,keyasint,omitempty"`
	Words   []uint32   `cbor:"3,keyasint"`
	Strings []string   `cbor:"4,keyasint,omitempty"`
	Arrays  []ArrayDef `cbor:"5,keyasint,omitempty"`
}

// Validate statically checks the instruction stream: version, presence
// of HALT, and every jump/call target in bounds. The engine re-checks
// bounds defensively at execution time; this catches bad images before
// they are installed.
func (img *Image) Validate() error {
	if img.Version > FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, img.Version)
	}
	if len(img.Words) == 0 {
		return ErrEmptyProgram
	}
	sawHalt := false
	for pc, word := range img.Words {
		in := vm.Decode(word)
		switch in.Opcode {
		case vm.OpHalt:
			sawHalt = true
		case vm.OpJmp, vm.OpJz, vm.OpCall:
			if int(in.Immediate) >= len(img.Words) {
				return fmt.Errorf("%w: pc %d target %d", ErrTargetOutOfRange, pc, in.Immediate)
			}
		}
	}
	if !sawHalt {
		return ErrNoHalt
	}
	return nil
}

// Install validates the image and loads it into an engine: strings into
// the I/O controller, array regions into the memory manager, then the
// program itself. The engine must be freshly constructed or reset.
func (img *Image) Install(e *vm.Engine) error {
	if err := img.Validate(); err != nil {
		return err
	}
	for _, s := range img.Strings {
		if _, err := e.IO().Strings().Add(s); err != vm.ErrNone {
			return fmt.Errorf("%w: string table: %s", ErrInstall, err)
		}
	}
	for _, a := range img.Arrays {
		if err := e.Memory().RegisterArray(int(a.ID), int(a.Offset), int(a.Length)); err != vm.ErrNone {
			return fmt.Errorf("%w: array %d: %s", ErrInstall, a.ID, err)
		}
	}
	if err := e.LoadProgram(img.Words); err != vm.ErrNone {
		return fmt.Errorf("%w: program: %s", ErrInstall, err)
	}
	return nil
}
