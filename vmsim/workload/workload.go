package workload

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/vmm"
	"github.com/sarchlab/akitavm/memory"
)

// Where the segments of every synthetic program are mapped.
const (
	codeBase = uint64(0x08048000)
	dataBase = uint64(0x10000000)
)

// Config describes a workload and the system it runs on.
type Config struct {
	Frames    uint64
	SwapSlots uint64
	SwapDB    string

	Threads    int
	CodePages  uint64
	DataPages  uint64
	StackPages uint64
	Accesses   int
	Seed       int64

	// WildThread makes the last thread dereference an unmapped address
	// after its accesses, which kills it.
	WildThread bool
}

// DefaultConfig returns a small workload. Every thread touches more pages
// than there are frames, so pages are swapped out and back in.
func DefaultConfig() Config {
	return Config{
		Frames:     8,
		SwapSlots:  256,
		Threads:    4,
		CodePages:  4,
		DataPages:  8,
		StackPages: 8,
		Accesses:   2000,
		Seed:       1,
	}
}

// Validate checks that the workload can run on the described system.
func (c Config) Validate() error {
	layout := vm.DefaultLayout()

	switch {
	case c.Frames == 0:
		return errors.New("at least one frame is needed")
	case c.Threads <= 0:
		return errors.New("at least one thread is needed")
	case c.CodePages+c.DataPages+c.StackPages == 0:
		return errors.New("threads need at least one page")
	case c.StackPages*layout.PageSize() > layout.StackCeiling:
		return fmt.Errorf("a stack of %d pages exceeds the %d byte limit",
			c.StackPages, layout.StackCeiling)
	case c.Accesses < 0:
		return errors.New("the number of accesses cannot be negative")
	}

	return nil
}

// A Report summarizes a finished workload.
type Report struct {
	Threads      int           `json:"threads"`
	Accesses     uint64        `json:"accesses"`
	Mismatches   uint64        `json:"mismatches"`
	Killed       []vm.PID      `json:"killed"`
	Consistent   bool          `json:"consistent"`
	LeakedFrames uint64        `json:"leaked_frames"`
	LeakedSlots  uint64        `json:"leaked_slots"`
	Stats        vmm.Stats     `json:"stats"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Progress is told how many accesses a thread has completed.
type Progress func(pid vm.PID, done int)

// Run starts one goroutine per thread, waits for all of them, checks the
// manager, and makes every thread exit.
func Run(
	ctx context.Context,
	sys *System,
	cfg Config,
	progress Progress,
) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}

	start := time.Now()

	threads := make([]*thread, cfg.Threads)
	for i := range threads {
		threads[i] = &thread{
			pid:      vm.PID(i + 1),
			manager:  sys.Manager,
			cfg:      cfg,
			rng:      rand.New(rand.NewSource(cfg.Seed + int64(i))),
			shadow:   make(map[uint64]uint64),
			progress: progress,
			wild:     cfg.WildThread && i == cfg.Threads-1,
		}

		if err := threads[i].setup(); err != nil {
			return Report{}, err
		}
	}

	results := make([]threadResult, cfg.Threads)

	var wg sync.WaitGroup

	for i, t := range threads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = t.run(ctx)
		}()
	}

	wg.Wait()

	report := Report{
		Threads:    cfg.Threads,
		Consistent: true,
	}

	var errs []error

	for i, r := range results {
		report.Accesses += r.accesses
		report.Mismatches += r.mismatches

		switch {
		case errors.Is(r.err, vm.ErrFatalFault):
			report.Killed = append(report.Killed, vm.PID(i+1))
		case r.err != nil:
			errs = append(errs, r.err)
		}
	}

	if err := sys.Manager.Validate(); err != nil {
		report.Consistent = false
		errs = append(errs, err)
	}

	report.Stats = sys.Manager.Stats()

	for i, r := range results {
		if !r.exited {
			errs = append(errs, sys.Manager.Exit(vm.PID(i+1)))
		}
	}

	report.LeakedFrames, report.LeakedSlots = sys.Leaks()
	report.Elapsed = time.Since(start)

	return report, errors.Join(errs...)
}

type threadResult struct {
	accesses   uint64
	mismatches uint64
	exited     bool
	err        error
}

type thread struct {
	pid      vm.PID
	manager  *vmm.Manager
	cfg      Config
	rng      *rand.Rand
	progress Progress
	wild     bool

	code   *memory.File
	data   *memory.File
	shadow map[uint64]uint64
}

func (t *thread) pageSize() uint64 {
	return t.manager.Layout().PageSize()
}

// setup attaches the thread and maps its code and data segments. The code
// segment ends with half a page of zeros, like a real text segment rarely
// fills its last page.
func (t *thread) setup() error {
	if err := t.manager.Attach(t.pid); err != nil {
		return err
	}

	ps := t.pageSize()

	if t.cfg.CodePages > 0 {
		size := t.cfg.CodePages*ps - ps/2
		t.code = memory.NewFile(fileContent(t.pid, 0xC0DE, size))

		err := t.manager.LoadSegment(
			t.pid, t.code, 0, codeBase, size, ps/2, false)
		if err != nil {
			return err
		}
	}

	if t.cfg.DataPages > 0 {
		size := t.cfg.DataPages * ps
		t.data = memory.NewFile(fileContent(t.pid, 0xDA7A, size))

		err := t.manager.LoadSegment(t.pid, t.data, 0, dataBase, size, 0, true)
		if err != nil {
			return err
		}
	}

	return nil
}

func fileContent(pid vm.PID, salt uint64, size uint64) []byte {
	content := make([]byte, size)
	for i := uint64(0); i+8 <= size; i += 8 {
		binary.LittleEndian.PutUint64(content[i:], i^salt^uint64(pid)<<32)
	}

	return content
}

// run performs the accesses of the thread. A thread whose fault cannot be
// resolved exits right away.
func (t *thread) run(ctx context.Context) threadResult {
	r := t.access(ctx)

	if errors.Is(r.err, vm.ErrFatalFault) {
		if err := t.manager.Exit(t.pid); err != nil {
			r.err = errors.Join(r.err, err)
		}

		r.exited = true
	}

	return r
}

func (t *thread) access(ctx context.Context) threadResult {
	var r threadResult

	for i := 0; i < t.cfg.Accesses; i++ {
		if err := ctx.Err(); err != nil {
			r.err = err
			return r
		}

		mismatch, err := t.step()
		if err != nil {
			r.err = fmt.Errorf("pid %d access %d: %w", t.pid, i, err)
			return r
		}

		r.accesses++
		if mismatch {
			r.mismatches++
		}

		if t.progress != nil && (i+1)%100 == 0 {
			t.progress(t.pid, i+1)
		}
	}

	if t.wild {
		_, err := t.manager.ReadUser(t.pid, 0x1000, 8, t.stackTop())
		if err == nil {
			err = errors.New("unmapped address was readable")
		}

		r.err = fmt.Errorf("pid %d wild access: %w", t.pid, err)
	}

	return r
}

func (t *thread) stackTop() uint64 {
	return t.manager.Layout().PhysBase
}

// step performs one random 8-byte access and tells if a read returned
// something other than what was last written there.
func (t *thread) step() (bool, error) {
	addr, sp, writable := t.pickAddress()

	if writable && t.rng.Intn(2) == 0 {
		value := t.rng.Uint64()
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, value)

		if err := t.manager.WriteUser(t.pid, addr, buf, sp); err != nil {
			return false, err
		}

		t.shadow[addr] = value

		return false, nil
	}

	buf, err := t.manager.ReadUser(t.pid, addr, 8, sp)
	if err != nil {
		return false, err
	}

	return binary.LittleEndian.Uint64(buf) != t.expected(addr), nil
}

func (t *thread) pickAddress() (addr, sp uint64, writable bool) {
	ps := t.pageSize()
	slotsPerPage := ps / 8
	sp = t.stackTop() - t.cfg.StackPages*ps

	regions := []int{}
	if t.cfg.CodePages > 0 {
		regions = append(regions, 0)
	}

	if t.cfg.DataPages > 0 {
		regions = append(regions, 1)
	}

	if t.cfg.StackPages > 0 {
		regions = append(regions, 2)
	}

	switch regions[t.rng.Intn(len(regions))] {
	case 0:
		limit := t.cfg.CodePages * slotsPerPage
		return codeBase + uint64(t.rng.Int63n(int64(limit)))*8, sp, false
	case 1:
		limit := t.cfg.DataPages * slotsPerPage
		return dataBase + uint64(t.rng.Int63n(int64(limit)))*8, sp, true
	default:
		limit := t.cfg.StackPages * slotsPerPage
		addr = t.stackTop() - 8 - uint64(t.rng.Int63n(int64(limit)))*8

		return addr, sp, true
	}
}

func (t *thread) expected(addr uint64) uint64 {
	if value, ok := t.shadow[addr]; ok {
		return value
	}

	var file *memory.File
	var base uint64

	switch {
	case t.code != nil && addr >= codeBase && addr < codeBase+t.cfg.CodePages*t.pageSize():
		file, base = t.code, codeBase
	case t.data != nil && addr >= dataBase && addr < dataBase+t.cfg.DataPages*t.pageSize():
		file, base = t.data, dataBase
	default:
		return 0
	}

	buf := make([]byte, 8)
	if _, err := file.ReadAt(buf, int64(addr-base)); err != nil {
		return 0
	}

	return binary.LittleEndian.Uint64(buf)
}
