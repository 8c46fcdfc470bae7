// guestvm runs sandboxed bytecode images on a host machine.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/guestvm/guestvm/blackbox"
	"github.com/guestvm/guestvm/image"
	"github.com/guestvm/guestvm/manifest"
	"github.com/guestvm/guestvm/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	trace := flag.Bool("trace", false, "Echo every instruction while running")
	step := flag.Bool("step", false, "Single-step, printing each instruction")
	disasm := flag.Bool("disasm", false, "Disassemble the image and exit")
	manifestDir := flag.String("manifest", ".", "Directory containing guestvm.toml")
	listRuns := flag.Bool("runs", false, "List recorded flight recorder runs and exit")
	dumpRun := flag.String("records", "", "Dump the samples of one recorded run and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: guestvm [options] <image.gvm>\n\n")
		fmt.Fprintf(os.Stderr, "Runs a guest bytecode image under the sandboxed VM.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  guestvm blink.gvm                # Run an image\n")
		fmt.Fprintf(os.Stderr, "  guestvm -trace blink.gvm         # Run with a live instruction trace\n")
		fmt.Fprintf(os.Stderr, "  guestvm -disasm blink.gvm        # Show the program listing\n")
		fmt.Fprintf(os.Stderr, "  guestvm -runs                    # List flight recorder runs\n")
		fmt.Fprintf(os.Stderr, "  guestvm -records <run-id>        # Dump one run's samples\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)

	m := loadManifest(*manifestDir, *verbose)

	if *listRuns || *dumpRun != "" {
		if err := inspectBlackbox(m, *listRuns, *dumpRun); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	img, err := image.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", path, err)
		os.Exit(1)
	}
	if *verbose {
		fmt.Fprintf(os.Stderr, "Loaded %q: %d instructions, %d strings, %d arrays\n",
			img.Name, len(img.Words), len(img.Strings), len(img.Arrays))
	}

	if *disasm {
		for _, line := range vm.DisassembleProgram(img.Words) {
			fmt.Println(line)
		}
		return
	}

	if err := run(m, img, *trace, *step, *verbose); err != nil {
		os.Exit(1)
	}
}

// loadManifest reads guestvm.toml from dir, falling back to defaults
// when no manifest exists.
func loadManifest(dir string, verbose bool) *manifest.Manifest {
	m, err := manifest.Load(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if verbose {
				fmt.Fprintln(os.Stderr, "No guestvm.toml, using defaults")
			}
			return defaultManifest(dir)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return m
}

// defaultManifest is the configuration used when no guestvm.toml is
// present: defaults plus all pins granted full capabilities.
// Development hosts have no hardware to protect.
func defaultManifest(dir string) *manifest.Manifest {
	m := manifest.Default(dir)
	for pin := 0; pin <= 255; pin++ {
		m.Pins.DigitalOut = append(m.Pins.DigitalOut, pin)
		m.Pins.DigitalIn = append(m.Pins.DigitalIn, pin)
		m.Pins.AnalogOut = append(m.Pins.AnalogOut, pin)
		m.Pins.AnalogIn = append(m.Pins.AnalogIn, pin)
	}
	return m
}

// run executes one image to completion or fault.
func run(m *manifest.Manifest, img *image.Image, trace, step, verbose bool) error {
	platform := newHostPlatform(verbose)
	ioc := vm.NewIOController(platform)
	m.ConfigurePins(ioc)
	mem := vm.NewMemory(m.MemoryConfig())
	engine := vm.NewEngine(mem, ioc, m.IntegrityPolicy())

	ring := &traceRing{live: trace}
	if _, err := engine.AttachObserver(ring); err != vm.ErrNone {
		return fmt.Errorf("attach trace: %s", err)
	}

	var recorder *blackbox.Recorder
	if m.Blackbox.Enabled {
		var err error
		recorder, err = blackbox.Open(blackbox.Config{
			Path:           m.BlackboxPath(),
			SampleInterval: m.Blackbox.SampleInterval,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening flight recorder: %v\n", err)
			return err
		}
		defer recorder.Close()

		runID, err := recorder.BeginRun(img.Name)
		if err != nil {
			return err
		}
		if _, verr := engine.AttachObserver(recorder); verr != vm.ErrNone {
			return fmt.Errorf("attach recorder: %s", verr)
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "Flight recorder run %s\n", runID)
		}
	}

	if err := img.Install(engine); err != nil {
		fmt.Fprintf(os.Stderr, "Error installing image: %v\n", err)
		return err
	}

	var verr vm.VMError
	if step {
		for engine.State() == vm.StateReady {
			if verr = engine.ExecuteSingleStep(); verr != vm.ErrNone {
				break
			}
			snap := engine.TelemetrySnapshot()
			fmt.Fprintf(os.Stderr, "step pc=%04d op=%s sp=%d\n",
				snap.ProgramCounter, snap.LastOpcode, engine.StackPointer())
		}
	} else {
		verr = engine.Execute()
	}

	if verr != vm.ErrNone {
		faultReport(engine, ring)
		if recorder != nil {
			if err := recorder.RecordFault(verr, engine.ProgramCounter()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: recording fault: %v\n", err)
			}
		}
		return fmt.Errorf("guest fault: %s", verr)
	}

	if verbose {
		metrics := engine.PerformanceMetrics()
		fmt.Fprintf(os.Stderr, "Halted cleanly: %d instructions in %s\n",
			metrics.InstructionsExecuted, metrics.Elapsed)
	}
	return nil
}

// inspectBlackbox services the -runs and -records read paths.
func inspectBlackbox(m *manifest.Manifest, listRuns bool, dumpRun string) error {
	recorder, err := blackbox.Open(blackbox.Config{Path: m.BlackboxPath()})
	if err != nil {
		return fmt.Errorf("opening flight recorder: %w", err)
	}
	defer recorder.Close()

	if listRuns {
		runs, err := recorder.Runs()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no recorded runs")
			return nil
		}
		for _, run := range runs {
			outcome := "incomplete"
			if run.Completed {
				outcome = fmt.Sprintf("halted (%d instructions, %s)", run.Executed, run.Elapsed)
			} else if run.Fault != "" {
				outcome = "fault: " + run.Fault
			}
			fmt.Printf("%s  %-16s %s  %s\n",
				run.ID, run.Program, run.StartedAt.Format("2006-01-02 15:04:05"), outcome)
		}
		return nil
	}

	records, err := recorder.Records(dumpRun)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Printf("%6d  pc=%04d %-7s operand=%d\n", rec.Seq, rec.PC, rec.Opcode, rec.Operand)
	}
	return nil
}
