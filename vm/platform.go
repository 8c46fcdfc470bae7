package vm

import "errors"

// ---------------------------------------------------------------------------
// Platform: the capability set the core requires from its host
// ---------------------------------------------------------------------------

// PinModeValue selects the direction of a configured pin.
type PinModeValue uint8

const (
	PinInput  PinModeValue = 0
	PinOutput PinModeValue = 1
)

// Platform is everything the core needs from the hardware underneath it:
// pin access by logical id, a monotonic clock, a blocking delay and a
// byte sink for formatted output. The core compiles and tests fully
// against MockPlatform; real hosts supply their own implementation.
//
// Clock reads must be monotonic; the core treats them as an opaque
// counter advanced by the host.
type Platform interface {
	PinConfigure(pin uint8, mode PinModeValue) error
	DigitalWrite(pin uint8, high bool) error
	DigitalRead(pin uint8) (bool, error)
	AnalogWrite(pin uint8, value int32) error
	AnalogRead(pin uint8) (int32, error)

	Millis() uint64
	Micros() uint64
	Delay(ms uint32)

	// Write is the diagnostic sink for formatted output. The core never
	// assumes a specific transport behind it.
	Write(p []byte) (int, error)
}

// ---------------------------------------------------------------------------
// MockPlatform: deterministic in-memory host
// ---------------------------------------------------------------------------

// errPinRange is returned by MockPlatform for pins outside its bank.
var errPinRange = errors.New("pin outside mock bank")

// MockPlatform is a fully deterministic Platform with a virtual clock and
// an in-memory pin bank. Delay advances the virtual clock instead of
// blocking, so timed programs run instantly and reproducibly under test.
type MockPlatform struct {
	DigitalPins [64]bool
	AnalogPins  [64]int32
	Modes       [64]PinModeValue
	Configured  [64]bool

	// NowMicros is the virtual clock, advanced by Delay or by the test.
	NowMicros uint64

	// TickMicros is added to the clock on every read, simulating the
	// host's periodic timer tick. Zero freezes the clock between delays.
	TickMicros uint64

	// Out collects everything written through the diagnostic sink.
	Out []byte

	// FailWrites makes every pin write report a hardware error, for
	// exercising fault paths.
	FailWrites bool
}

// NewMockPlatform returns a mock with all pins low and the clock at zero.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{}
}

func (p *MockPlatform) PinConfigure(pin uint8, mode PinModeValue) error {
	if int(pin) >= len(p.Modes) {
		return errPinRange
	}
	p.Modes[pin] = mode
	p.Configured[pin] = true
	return nil
}

func (p *MockPlatform) DigitalWrite(pin uint8, high bool) error {
	if int(pin) >= len(p.DigitalPins) {
		return errPinRange
	}
	if p.FailWrites {
		return errors.New("simulated write failure")
	}
	p.DigitalPins[pin] = high
	return nil
}

func (p *MockPlatform) DigitalRead(pin uint8) (bool, error) {
	if int(pin) >= len(p.DigitalPins) {
		return false, errPinRange
	}
	return p.DigitalPins[pin], nil
}

func (p *MockPlatform) AnalogWrite(pin uint8, value int32) error {
	if int(pin) >= len(p.AnalogPins) {
		return errPinRange
	}
	if p.FailWrites {
		return errors.New("simulated write failure")
	}
	p.AnalogPins[pin] = value
	return nil
}

func (p *MockPlatform) AnalogRead(pin uint8) (int32, error) {
	if int(pin) >= len(p.AnalogPins) {
		return 0, errPinRange
	}
	return p.AnalogPins[pin], nil
}

func (p *MockPlatform) Millis() uint64 {
	return p.tick() / 1000
}

func (p *MockPlatform) Micros() uint64 {
	return p.tick()
}

func (p *MockPlatform) tick() uint64 {
	p.NowMicros += p.TickMicros
	return p.NowMicros
}

// Delay advances the virtual clock by ms milliseconds.
func (p *MockPlatform) Delay(ms uint32) {
	p.NowMicros += uint64(ms) * 1000
}

func (p *MockPlatform) Write(b []byte) (int, error) {
	p.Out = append(p.Out, b...)
	return len(b), nil
}

// Output returns everything the guest has printed so far.
func (p *MockPlatform) Output() string {
	return string(p.Out)
}
