package vm

import "strconv"

// ---------------------------------------------------------------------------
// IOController: guest I/O opcodes bridged to the host Platform
// ---------------------------------------------------------------------------

// Pin capability bits. A pin operation is validated against the
// capability table before anything is forwarded to the platform; an
// unlisted pin or a mismatched direction never touches hardware.
type PinCapability uint8

const (
	CapDigitalIn PinCapability = 1 << iota
	CapDigitalOut
	CapAnalogIn
	CapAnalogOut
)

const (
	// MaxStrings and MaxStringLen bound the guest-visible string table.
	MaxStrings   = 64
	MaxStringLen = 128

	// MaxFormatArgs caps printf-style substitution.
	MaxFormatArgs = 8

	// formatBufLen bounds one formatted line. Output longer than this is
	// rejected, not truncated silently.
	formatBufLen = 256
)

// StringTable is the fixed-capacity table of guest-visible strings.
// Append-only during load, read-only during execution.
type StringTable struct {
	entries [MaxStrings][MaxStringLen]byte
	lengths [MaxStrings]uint16
	count   int
}

// Add appends a string during the load phase and returns its id.
func (t *StringTable) Add(text string) (uint16, VMError) {
	if t.count >= MaxStrings {
		return 0, ErrCapacityExceeded
	}
	if len(text) > MaxStringLen {
		return 0, ErrCapacityExceeded
	}
	id := t.count
	copy(t.entries[id][:], text)
	t.lengths[id] = uint16(len(text))
	t.count++
	return uint16(id), ErrNone
}

// Get returns the bytes of a registered string.
func (t *StringTable) Get(id uint16) ([]byte, VMError) {
	if int(id) >= t.count {
		return nil, ErrMemoryBounds
	}
	return t.entries[id][:t.lengths[id]], ErrNone
}

// Count returns the number of registered strings.
func (t *StringTable) Count() int {
	return t.count
}

// Reset drops all registrations.
func (t *StringTable) Reset() {
	t.count = 0
}

// IOController validates and forwards guest I/O to the host platform,
// and owns the guest-visible string table.
type IOController struct {
	platform Platform
	caps     [256]PinCapability
	modes    [256]PinModeValue
	modeSet  [256]bool
	strings  StringTable
}

// NewIOController wraps a Platform. No pins are allowed until the host
// grants capabilities with AllowPin.
func NewIOController(p Platform) *IOController {
	return &IOController{platform: p}
}

// AllowPin grants capabilities to a logical pin. Called by the host
// during setup, before any guest program runs.
func (io *IOController) AllowPin(pin uint8, caps PinCapability) {
	io.caps[pin] = caps
}

// Strings exposes the string table for the load phase.
func (io *IOController) Strings() *StringTable {
	return &io.strings
}

// Reset drops the string table and all configured pin modes. Pin
// capabilities are host policy and survive a guest reset.
func (io *IOController) Reset() {
	io.strings.Reset()
	for i := range io.modeSet {
		io.modeSet[i] = false
	}
}

// ---------------------------------------------------------------------------
// Pin operations
// ---------------------------------------------------------------------------

// PinMode configures a pin's direction. The pin must hold a capability
// consistent with the requested mode.
func (io *IOController) PinMode(pin uint8, mode PinModeValue) VMError {
	caps := io.caps[pin]
	switch mode {
	case PinInput:
		if caps&(CapDigitalIn|CapAnalogIn) == 0 {
			return ErrIO
		}
	case PinOutput:
		if caps&(CapDigitalOut|CapAnalogOut) == 0 {
			return ErrIO
		}
	default:
		return ErrIO
	}
	if err := io.platform.PinConfigure(pin, mode); err != nil {
		return ErrHardwareFault
	}
	io.modes[pin] = mode
	io.modeSet[pin] = true
	return ErrNone
}

// DigitalWrite drives a pin high or low.
func (io *IOController) DigitalWrite(pin uint8, high bool) VMError {
	if io.caps[pin]&CapDigitalOut == 0 {
		return ErrIO
	}
	if !io.modeSet[pin] || io.modes[pin] != PinOutput {
		return ErrIO
	}
	if err := io.platform.DigitalWrite(pin, high); err != nil {
		return ErrHardwareFault
	}
	return ErrNone
}

// DigitalRead samples a pin.
func (io *IOController) DigitalRead(pin uint8) (bool, VMError) {
	if io.caps[pin]&CapDigitalIn == 0 {
		return false, ErrIO
	}
	if !io.modeSet[pin] || io.modes[pin] != PinInput {
		return false, ErrIO
	}
	level, err := io.platform.DigitalRead(pin)
	if err != nil {
		return false, ErrHardwareFault
	}
	return level, ErrNone
}

// AnalogWrite drives a pin with a raw analog value.
func (io *IOController) AnalogWrite(pin uint8, value int32) VMError {
	if io.caps[pin]&CapAnalogOut == 0 {
		return ErrIO
	}
	if !io.modeSet[pin] || io.modes[pin] != PinOutput {
		return ErrIO
	}
	if err := io.platform.AnalogWrite(pin, value); err != nil {
		return ErrHardwareFault
	}
	return ErrNone
}

// AnalogRead samples a pin's analog value.
func (io *IOController) AnalogRead(pin uint8) (int32, VMError) {
	if io.caps[pin]&CapAnalogIn == 0 {
		return 0, ErrIO
	}
	if !io.modeSet[pin] || io.modes[pin] != PinInput {
		return 0, ErrIO
	}
	value, err := io.platform.AnalogRead(pin)
	if err != nil {
		return 0, ErrHardwareFault
	}
	return value, ErrNone
}

// ---------------------------------------------------------------------------
// Timing
// ---------------------------------------------------------------------------

// Millis reads the host's monotonic millisecond clock.
func (io *IOController) Millis() uint64 {
	return io.platform.Millis()
}

// Micros reads the host's monotonic microsecond clock.
func (io *IOController) Micros() uint64 {
	return io.platform.Micros()
}

// Delay blocks the calling execution context for ms milliseconds.
func (io *IOController) Delay(ms uint32) {
	io.platform.Delay(ms)
}

// ---------------------------------------------------------------------------
// Formatted output
// ---------------------------------------------------------------------------

// CountPlaceholders returns how many operands the format string consumes,
// or an error if the string is unknown or wants more than MaxFormatArgs.
func (io *IOController) CountPlaceholders(id uint16) (int, VMError) {
	text, err := io.strings.Get(id)
	if err != ErrNone {
		return 0, err
	}
	n := 0
	for i := 0; i < len(text); i++ {
		if text[i] != '%' || i+1 >= len(text) {
			continue
		}
		switch text[i+1] {
		case 'd', 'u', 'x', 'c':
			n++
			i++
		case '%':
			i++
		}
	}
	if n > MaxFormatArgs {
		return 0, ErrIO
	}
	return n, ErrNone
}

// FormatOutput substitutes args into registered string id and writes the
// result to the platform sink. Supported placeholders: %d (signed), %u
// (unsigned), %x (hex), %c (character), %% (literal percent). The output
// is built in a fixed buffer; a line that would exceed it is an error.
func (io *IOController) FormatOutput(id uint16, args []int32) VMError {
	text, err := io.strings.Get(id)
	if err != ErrNone {
		return err
	}
	if len(args) > MaxFormatArgs {
		return ErrIO
	}

	var buf [formatBufLen]byte
	out := buf[:0]
	arg := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '%' || i+1 >= len(text) {
			out = append(out, c)
			continue
		}
		i++
		switch text[i] {
		case 'd':
			if arg >= len(args) {
				return ErrIO
			}
			out = strconv.AppendInt(out, int64(args[arg]), 10)
			arg++
		case 'u':
			if arg >= len(args) {
				return ErrIO
			}
			out = strconv.AppendUint(out, uint64(uint32(args[arg])), 10)
			arg++
		case 'x':
			if arg >= len(args) {
				return ErrIO
			}
			out = strconv.AppendUint(out, uint64(uint32(args[arg])), 16)
			arg++
		case 'c':
			if arg >= len(args) {
				return ErrIO
			}
			out = append(out, byte(args[arg]))
			arg++
		case '%':
			out = append(out, '%')
		default:
			// Unknown verb passes through verbatim.
			out = append(out, '%', text[i])
		}
		if len(out) > formatBufLen-16 {
			return ErrIO
		}
	}

	if _, werr := io.platform.Write(out); werr != nil {
		return ErrHardwareFault
	}
	return ErrNone
}
