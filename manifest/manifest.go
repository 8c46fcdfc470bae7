// Package manifest handles guestvm.toml host configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/guestvm/guestvm/vm"
)

// Manifest represents a guestvm.toml host configuration: memory sizing,
// the pin capability table, integrity mode and flight recorder settings.
type Manifest struct {
	VM        VMConfig        `toml:"vm"`
	Integrity IntegrityConfig `toml:"integrity"`
	Pins      PinConfig       `toml:"pins"`
	Blackbox  BlackboxConfig  `toml:"blackbox"`

	// Dir is the directory containing the guestvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// VMConfig sizes the guest memory regions. Everything is fixed at
// construction time; the guest can never grow them.
type VMConfig struct {
	PoolSize      int `toml:"pool-size"`
	StackCapacity int `toml:"stack-capacity"`
	CallDepth     int `toml:"call-depth"`
	MaxArrays     int `toml:"max-arrays"`
}

// IntegrityConfig selects how often canaries are verified.
type IntegrityConfig struct {
	Mode string `toml:"mode"`
}

// PinConfig whitelists hardware pins per capability. A pin absent from
// every list is invisible to the guest.
type PinConfig struct {
	DigitalOut []int `toml:"digital-out"`
	DigitalIn  []int `toml:"digital-in"`
	AnalogOut  []int `toml:"analog-out"`
	AnalogIn   []int `toml:"analog-in"`
}

// BlackboxConfig configures the execution flight recorder.
type BlackboxConfig struct {
	Enabled        bool   `toml:"enabled"`
	Path           string `toml:"path"`
	SampleInterval int    `toml:"sample-interval"`
}

// Default returns the configuration used when no guestvm.toml exists:
// default memory sizing, strict integrity, recorder disabled, no pins
// granted.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Load parses a guestvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "guestvm.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	def := vm.DefaultMemoryConfig()
	if m.VM.PoolSize == 0 {
		m.VM.PoolSize = def.PoolSize
	}
	if m.VM.StackCapacity == 0 {
		m.VM.StackCapacity = def.StackCapacity
	}
	if m.VM.CallDepth == 0 {
		m.VM.CallDepth = def.CallDepth
	}
	if m.VM.MaxArrays == 0 {
		m.VM.MaxArrays = def.MaxArrays
	}
	if m.Integrity.Mode == "" {
		m.Integrity.Mode = "strict"
	}
	if m.Blackbox.Path == "" {
		m.Blackbox.Path = "blackbox.db"
	}
	if m.Blackbox.SampleInterval == 0 {
		m.Blackbox.SampleInterval = 1
	}
}

func (m *Manifest) validate() error {
	if m.VM.PoolSize < 0 || m.VM.StackCapacity < 0 || m.VM.CallDepth < 0 || m.VM.MaxArrays < 0 {
		return fmt.Errorf("memory sizes must be non-negative")
	}
	switch m.Integrity.Mode {
	case "strict", "fast":
	default:
		return fmt.Errorf("integrity mode must be \"strict\" or \"fast\", got %q", m.Integrity.Mode)
	}
	for _, pin := range m.allPins() {
		if pin < 0 || pin > 255 {
			return fmt.Errorf("pin %d out of range 0..255", pin)
		}
	}
	return nil
}

func (m *Manifest) allPins() []int {
	var pins []int
	pins = append(pins, m.Pins.DigitalOut...)
	pins = append(pins, m.Pins.DigitalIn...)
	pins = append(pins, m.Pins.AnalogOut...)
	pins = append(pins, m.Pins.AnalogIn...)
	return pins
}

// MemoryConfig translates the manifest sizing into a memory configuration.
func (m *Manifest) MemoryConfig() vm.MemoryConfig {
	return vm.MemoryConfig{
		PoolSize:      m.VM.PoolSize,
		StackCapacity: m.VM.StackCapacity,
		CallDepth:     m.VM.CallDepth,
		MaxArrays:     m.VM.MaxArrays,
	}
}

// IntegrityPolicy returns the configured canary verification policy.
func (m *Manifest) IntegrityPolicy() vm.IntegrityPolicy {
	if m.Integrity.Mode == "fast" {
		return vm.FastIntegrity{}
	}
	return vm.StrictIntegrity{}
}

// ConfigurePins grants the manifest's pin capabilities to an I/O
// controller. Pins listed under more than one capability accumulate.
func (m *Manifest) ConfigurePins(ioc *vm.IOController) {
	for _, pin := range m.Pins.DigitalOut {
		ioc.AllowPin(uint8(pin), vm.CapDigitalOut)
	}
	for _, pin := range m.Pins.DigitalIn {
		ioc.AllowPin(uint8(pin), vm.CapDigitalIn)
	}
	for _, pin := range m.Pins.AnalogOut {
		ioc.AllowPin(uint8(pin), vm.CapAnalogOut)
	}
	for _, pin := range m.Pins.AnalogIn {
		ioc.AllowPin(uint8(pin), vm.CapAnalogIn)
	}
}

// BlackboxPath returns the flight recorder database path, resolved
// against the manifest directory when relative.
func (m *Manifest) BlackboxPath() string {
	if filepath.IsAbs(m.Blackbox.Path) {
		return m.Blackbox.Path
	}
	return filepath.Join(m.Dir, m.Blackbox.Path)
}
