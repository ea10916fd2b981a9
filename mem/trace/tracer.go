// Package trace provides hooks that record what a virtual memory manager
// does, either as log lines or as rows of a database.
package trace

import (
	"log"
	"time"

	"github.com/rs/xid"
	"github.com/sarchlab/akitavm/datarecording"
	"github.com/sarchlab/akitavm/mem/vm/vmm"
	"github.com/sarchlab/akitavm/sim/hooking"
)

// EventTable is the table the database tracer writes to.
const EventTable = "vm_events"

// eventEntry represents a manager event in the database
type eventEntry struct {
	ID         string  `json:"id" akita_data:"unique"`
	Time       float64 `json:"time" akita_data:"index"`
	What       string  `json:"what" akita_data:"index"`
	PID        uint32  `json:"pid" akita_data:"index"`
	VAddr      uint64  `json:"vaddr" akita_data:"index"`
	Frame      uint64  `json:"frame"`
	Slot       uint64  `json:"slot"`
	Provenance string  `json:"provenance"`
	Error      string  `json:"error"`
}

func newEventEntry(ctx hooking.HookCtx, e vmm.Event, start time.Time) eventEntry {
	entry := eventEntry{
		ID:         xid.New().String(),
		Time:       time.Since(start).Seconds(),
		What:       ctx.Pos.Name,
		PID:        uint32(e.PID),
		VAddr:      e.VAddr,
		Frame:      e.Frame,
		Slot:       uint64(e.Slot),
		Provenance: e.Provenance.String(),
	}

	if e.Err != nil {
		entry.Error = e.Err.Error()
	}

	return entry
}

// A tracer is a hook that writes manager events to a logger.
type tracer struct {
	logger *log.Logger
	start  time.Time
}

// NewTracer creates a hook that logs every manager event.
func NewTracer(logger *log.Logger) hooking.Hook {
	return &tracer{
		logger: logger,
		start:  time.Now(),
	}
}

// Func logs the event carried by ctx.
func (t *tracer) Func(ctx hooking.HookCtx) {
	e, ok := ctx.Item.(vmm.Event)
	if !ok {
		return
	}

	entry := newEventEntry(ctx, e, t.start)

	t.logger.Printf("%.9f, %s, %d, 0x%x, 0x%x, %d, %s, %s\n",
		entry.Time,
		entry.What,
		entry.PID,
		entry.VAddr,
		entry.Frame,
		entry.Slot,
		entry.Provenance,
		entry.Error,
	)
}

// A dbTracer is a hook that records manager events into a database using
// the data recorder.
type dbTracer struct {
	dataRecorder datarecording.DataRecorder
	start        time.Time
}

// NewDBTracer creates a hook that stores every manager event in the
// EventTable table of dataRecorder.
func NewDBTracer(dataRecorder datarecording.DataRecorder) hooking.Hook {
	t := &dbTracer{
		dataRecorder: dataRecorder,
		start:        time.Now(),
	}

	t.dataRecorder.CreateTable(EventTable, eventEntry{})

	return t
}

// Func records the event carried by ctx.
func (t *dbTracer) Func(ctx hooking.HookCtx) {
	e, ok := ctx.Item.(vmm.Event)
	if !ok {
		return
	}

	t.dataRecorder.InsertData(EventTable, newEventEntry(ctx, e, t.start))
}
