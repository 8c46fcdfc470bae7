package main

import (
	"fmt"
	"os"
	"time"

	"github.com/guestvm/guestvm/vm"
)

// hostPlatform runs guest programs on a development machine: real
// monotonic clocks, a simulated pin bank and stdout as the diagnostic
// sink. Pin writes are echoed when verbose so blink-style programs are
// observable without hardware.
type hostPlatform struct {
	start   time.Time
	verbose bool

	digital [256]bool
	analog  [256]int32
}

func newHostPlatform(verbose bool) *hostPlatform {
	return &hostPlatform{start: time.Now(), verbose: verbose}
}

func (p *hostPlatform) PinConfigure(pin uint8, mode vm.PinModeValue) error {
	if p.verbose {
		dir := "input"
		if mode == vm.PinOutput {
			dir = "output"
		}
		fmt.Fprintf(os.Stderr, "[pin %d] mode %s\n", pin, dir)
	}
	return nil
}

func (p *hostPlatform) DigitalWrite(pin uint8, high bool) error {
	p.digital[pin] = high
	if p.verbose {
		fmt.Fprintf(os.Stderr, "[pin %d] digital %v\n", pin, high)
	}
	return nil
}

func (p *hostPlatform) DigitalRead(pin uint8) (bool, error) {
	return p.digital[pin], nil
}

func (p *hostPlatform) AnalogWrite(pin uint8, value int32) error {
	p.analog[pin] = value
	if p.verbose {
		fmt.Fprintf(os.Stderr, "[pin %d] analog %d\n", pin, value)
	}
	return nil
}

func (p *hostPlatform) AnalogRead(pin uint8) (int32, error) {
	return p.analog[pin], nil
}

func (p *hostPlatform) Millis() uint64 {
	return uint64(time.Since(p.start) / time.Millisecond)
}

func (p *hostPlatform) Micros() uint64 {
	return uint64(time.Since(p.start) / time.Microsecond)
}

func (p *hostPlatform) Delay(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func (p *hostPlatform) Write(b []byte) (int, error) {
	return os.Stdout.Write(b)
}
