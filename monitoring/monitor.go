// Package monitoring serves the state of a virtual memory manager over HTTP
// while a workload runs.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/vmm"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// Monitor turns a running workload into a server that reports the state of
// its virtual memory manager.
type Monitor struct {
	manager    *vmm.Manager
	portNumber int

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterManager registers the manager to report on.
func (m *Monitor) RegisterManager(manager *vmm.Manager) {
	m.manager = manager
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the handler of all the monitoring endpoints.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/stats", m.stats)
	r.HandleFunc("/api/threads", m.listThreads)
	r.HandleFunc("/api/thread/{pid}", m.listPages)
	r.HandleFunc("/api/page/{pid}/{vaddr}", m.pageDetails)
	r.HandleFunc("/api/frames", m.listFrames)
	r.HandleFunc("/api/swap", m.swapUsage)
	r.HandleFunc("/api/validate", m.validate)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

// StartServer starts the monitor as a web server and returns the address it
// listens on.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	addr := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring virtual memory with %s\n", addr)

	go func() {
		err := http.Serve(listener, m.Router())
		dieOnErr(err)
	}()

	return addr
}

func (m *Monitor) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.manager.Stats())
}

func (m *Monitor) listThreads(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.manager.Threads())
}

type pageRsp struct {
	VAddr      uint64 `json:"vaddr"`
	Provenance string `json:"provenance"`
	Origin     string `json:"origin"`
	Residency  string `json:"residency"`
	Writable   bool   `json:"writable"`
	Dirty      bool   `json:"dirty"`
	Frame      uint64 `json:"frame"`
	Slot       uint64 `json:"slot"`
}

func (m *Monitor) listPages(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(w, r)
	if !ok {
		return
	}

	pages, err := m.manager.Pages(pid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	rsp := make([]pageRsp, 0, len(pages))
	for _, p := range pages {
		rsp = append(rsp, pageRsp{
			VAddr:      p.VAddr,
			Provenance: p.Provenance.String(),
			Origin:     p.Origin.String(),
			Residency:  p.Residency.String(),
			Writable:   p.Writable,
			Dirty:      p.Dirty,
			Frame:      p.Frame,
			Slot:       uint64(p.Slot),
		})
	}

	writeJSON(w, rsp)
}

func (m *Monitor) pageDetails(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(w, r)
	if !ok {
		return
	}

	vAddr, err := strconv.ParseUint(mux.Vars(r)["vaddr"], 0, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	page, found := m.manager.Page(pid, vAddr)
	if !found {
		http.Error(w, "Page not found", http.StatusNotFound)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&page)
	serializer.SetMaxDepth(1)
	err = serializer.Serialize(w)

	dieOnErr(err)
}

func (m *Monitor) listFrames(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.manager.Frames())
}

type swapRsp struct {
	Slots     uint64   `json:"slots"`
	Used      uint64   `json:"used"`
	UsedSlots []uint64 `json:"used_slots"`
}

func (m *Monitor) swapUsage(w http.ResponseWriter, _ *http.Request) {
	store := m.manager.SwapStore()

	rsp := swapRsp{
		Slots:     store.NumSlots(),
		Used:      store.NumUsed(),
		UsedSlots: []uint64{},
	}

	for _, slot := range store.UsedSlots() {
		rsp.UsedSlots = append(rsp.UsedSlots, uint64(slot))
	}

	writeJSON(w, rsp)
}

type validateRsp struct {
	Consistent bool   `json:"consistent"`
	Problems   string `json:"problems,omitempty"`
}

func (m *Monitor) validate(w http.ResponseWriter, _ *http.Request) {
	rsp := validateRsp{Consistent: true}

	if err := m.manager.Validate(); err != nil {
		rsp.Consistent = false
		rsp.Problems = err.Error()
	}

	writeJSON(w, rsp)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	writeJSON(w, m.progressBars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	writeJSON(w, rsp)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func parsePID(w http.ResponseWriter, r *http.Request) (vm.PID, bool) {
	pid, err := strconv.ParseUint(mux.Vars(r)["pid"], 10, 32)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}

	return vm.PID(pid), true
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
