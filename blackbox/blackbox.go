// Package blackbox is the execution flight recorder: a bbolt-backed
// telemetry observer that persists instruction samples and run outcomes
// so a crashed deployment can be examined after the fact.
package blackbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	bolt "go.etcd.io/bbolt"

	"github.com/guestvm/guestvm/vm"
)

var (
	// ErrRunNotFound is returned when a run id is not in the database.
	ErrRunNotFound = errors.New("run not found")

	// ErrClosed is returned when operating on a closed recorder.
	ErrClosed = errors.New("blackbox closed")

	// ErrNoActiveRun is returned when recording without BeginRun.
	ErrNoActiveRun = errors.New("no active run")
)

// Bucket names for BoltDB.
var (
	// bucketRuns stores run summaries keyed by run id.
	bucketRuns = []byte("runs")

	// bucketRecords stores instruction samples keyed by run id + sequence.
	bucketRecords = []byte("records")
)

// Run summarizes one guest execution.
type Run struct {
	ID        string        `cbor:"1,keyasint"`
	Program   string        `cbor:"2,keyasint"`
	StartedAt time.Time     `cbor:"3,keyasint"`
	Completed bool          `cbor:"4,keyasint"`
	Fault     string        `cbor:"5,keyasint,omitempty"`
	Executed  uint64        `cbor:"6,keyasint"`
	Elapsed   time.Duration `cbor:"7,keyasint"`
}

// Record is one sampled instruction.
type Record struct {
	Seq     uint64    `cbor:"1,keyasint"`
	PC      int       `cbor:"2,keyasint"`
	Opcode  vm.Opcode `cbor:"3,keyasint"`
	Operand int32     `cbor:"4,keyasint"`
}

// Config holds recorder options.
type Config struct {
	// Path is the database file path.
	Path string

	// SampleInterval records every Nth instruction. 1 records everything.
	SampleInterval int

	// BufferSize bounds the in-memory sample buffer between flushes.
	BufferSize int
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SampleInterval: 1,
		BufferSize:     256,
	}
}

// Recorder implements vm.TelemetryObserver on top of BoltDB. Samples
// accumulate in memory and are flushed on completion, reset, or when
// the buffer fills.
type Recorder struct {
	db  *bolt.DB
	cfg Config
	log commonlog.Logger

	run     *Run
	seq     uint64
	counter uint64
	pending []Record

	closed bool
}

// Open creates or opens a flight recorder database.
func Open(cfg Config) (*Recorder, error) {
	if cfg.SampleInterval < 1 {
		cfg.SampleInterval = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 256
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketRecords} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Recorder{
		db:  db,
		cfg: cfg,
		log: commonlog.GetLogger("blackbox"),
	}, nil
}

// BeginRun opens a new run and returns its id. Any previous run is
// finalized first.
func (r *Recorder) BeginRun(program string) (string, error) {
	if r.closed {
		return "", ErrClosed
	}
	if r.run != nil {
		if err := r.finalize(); err != nil {
			return "", err
		}
	}

	r.run = &Run{
		ID:        uuid.NewString(),
		Program:   program,
		StartedAt: time.Now(),
	}
	r.seq = 0
	r.counter = 0
	r.pending = r.pending[:0]

	if err := r.putRun(r.run); err != nil {
		r.run = nil
		return "", err
	}
	r.log.Infof("run %s started (program %q)", r.run.ID, program)
	return r.run.ID, nil
}

// RecordFault stores the fault outcome on the active run. Called by the
// host after Execute returns an error.
func (r *Recorder) RecordFault(err vm.VMError, pc int) error {
	if r.run == nil {
		return ErrNoActiveRun
	}
	r.run.Fault = fmt.Sprintf("%s at pc %d", err, pc)
	return r.finalize()
}

// OnInstructionExecuted samples the instruction stream at the configured
// interval.
func (r *Recorder) OnInstructionExecuted(pc int, op vm.Opcode, operand int32) {
	if r.run == nil || r.closed {
		return
	}
	r.counter++
	if r.counter%uint64(r.cfg.SampleInterval) != 0 {
		return
	}
	r.pending = append(r.pending, Record{Seq: r.seq, PC: pc, Opcode: op, Operand: operand})
	r.seq++
	if len(r.pending) >= r.cfg.BufferSize {
		if err := r.flush(); err != nil {
			r.log.Errorf("flush failed: %s", err.Error())
		}
	}
}

// OnExecutionComplete finalizes the active run as a clean halt.
func (r *Recorder) OnExecutionComplete(totalInstructions uint64, elapsed time.Duration) {
	if r.run == nil {
		return
	}
	r.run.Completed = true
	r.run.Executed = totalInstructions
	r.run.Elapsed = elapsed
	if err := r.finalize(); err != nil {
		r.log.Errorf("finalize failed: %s", err.Error())
	}
}

// OnVMReset flushes and closes out the active run without marking it
// completed.
func (r *Recorder) OnVMReset() {
	if r.run == nil {
		return
	}
	if err := r.finalize(); err != nil {
		r.log.Errorf("finalize on reset failed: %s", err.Error())
	}
}

// Runs returns all recorded run summaries, oldest first.
func (r *Recorder) Runs() ([]Run, error) {
	if r.closed {
		return nil, ErrClosed
	}
	var runs []Run
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var run Run
			if err := cbor.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("decode run: %w", err)
			}
			runs = append(runs, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Records returns the sampled instructions of one run in sequence order.
func (r *Recorder) Records(runID string) ([]Record, error) {
	if r.closed {
		return nil, ErrClosed
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	var records []Record
	err = r.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRuns).Get(id[:]) == nil {
			return ErrRunNotFound
		}
		c := tx.Bucket(bucketRecords).Cursor()
		prefix := id[:]
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close flushes any active run and closes the database.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	if r.run != nil {
		if err := r.finalize(); err != nil {
			r.log.Errorf("finalize on close failed: %s", err.Error())
		}
	}
	r.closed = true
	return r.db.Close()
}

// finalize flushes pending samples, persists the run summary and clears
// the active run.
func (r *Recorder) finalize() error {
	if err := r.flush(); err != nil {
		return err
	}
	if err := r.putRun(r.run); err != nil {
		return err
	}
	r.log.Infof("run %s closed (%d samples)", r.run.ID, r.seq)
	r.run = nil
	return nil
}

func (r *Recorder) putRun(run *Run) error {
	id, err := uuid.Parse(run.ID)
	if err != nil {
		return fmt.Errorf("bad run id %q: %w", run.ID, err)
	}
	data, err := cbor.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put(id[:], data)
	})
}

func (r *Recorder) flush() error {
	if len(r.pending) == 0 {
		return nil
	}
	id, err := uuid.Parse(r.run.ID)
	if err != nil {
		return fmt.Errorf("bad run id %q: %w", r.run.ID, err)
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for _, rec := range r.pending {
			data, err := cbor.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			if err := b.Put(recordKey(id, rec.Seq), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.pending = r.pending[:0]
	return nil
}

// recordKey is run id followed by the big-endian sequence number, so a
// cursor scan over the run prefix yields records in order.
func recordKey(id uuid.UUID, seq uint64) []byte {
	key := make([]byte, len(id)+8)
	copy(key, id[:])
	binary.BigEndian.PutUint64(key[len(id):], seq)
	return key
}

// Verify interface compliance.
var _ vm.TelemetryObserver = (*Recorder)(nil)
