package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/pagedir"
	"github.com/sarchlab/akitavm/mem/vm/palloc"
	"github.com/sarchlab/akitavm/mem/vm/swap"
	"github.com/sarchlab/akitavm/mem/vm/vmm"
	"github.com/sarchlab/akitavm/memory"
)

const stackPage = uint64(0xC0000000 - 4096)

func newManager() *vmm.Manager {
	layout := vm.DefaultLayout()
	storage := memory.NewStorage(4 * layout.PageSize())
	pool := palloc.NewPool(storage, 0, layout.PageSize(), 4)

	store, err := swap.New(memory.NewDisk(512, 64), layout.PageSize())
	Expect(err).NotTo(HaveOccurred())

	return vmm.MakeBuilder().
		WithLayout(layout).
		WithMMU(pagedir.New(layout.Log2PageSize)).
		WithFrameAllocator(pool).
		WithMemory(storage).
		WithSwapStore(store).
		Build()
}

var _ = Describe("Monitor", func() {
	var (
		m       *Monitor
		manager *vmm.Manager
		get     func(path string) *httptest.ResponseRecorder
	)

	BeforeEach(func() {
		manager = newManager()
		Expect(manager.Attach(1)).To(Succeed())
		Expect(manager.ExpandStack(1, stackPage)).To(Succeed())

		m = NewMonitor()
		m.RegisterManager(manager)

		get = func(path string) *httptest.ResponseRecorder {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, path, nil)
			m.Router().ServeHTTP(rec, req)

			return rec
		}
	})

	It("should report statistics", func() {
		rec := get("/api/stats")

		Expect(rec.Code).To(Equal(http.StatusOK))

		var stats vmm.Stats
		Expect(json.Unmarshal(rec.Body.Bytes(), &stats)).To(Succeed())
		Expect(stats.Threads).To(Equal(1))
		Expect(stats.ResidentPages).To(Equal(1))
		Expect(stats.StackGrowths).To(Equal(uint64(1)))
	})

	It("should list threads", func() {
		rec := get("/api/threads")

		Expect(rec.Body.String()).To(Equal("[1]"))
	})

	It("should list the pages of a thread", func() {
		rec := get("/api/thread/1")

		Expect(rec.Code).To(Equal(http.StatusOK))

		var pages []pageRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &pages)).To(Succeed())
		Expect(pages).To(HaveLen(1))
		Expect(pages[0].VAddr).To(Equal(stackPage))
		Expect(pages[0].Residency).To(Equal("resident"))
		Expect(pages[0].Provenance).To(Equal("anonymous"))
	})

	It("should return 404 for unknown threads", func() {
		Expect(get("/api/thread/9").Code).To(Equal(http.StatusNotFound))
	})

	It("should return 400 for malformed pids", func() {
		Expect(get("/api/thread/abc").Code).To(Equal(http.StatusBadRequest))
	})

	It("should return 404 for unknown pages", func() {
		Expect(get("/api/page/1/0x1000").Code).To(Equal(http.StatusNotFound))
	})

	It("should list frames", func() {
		rec := get("/api/frames")

		var frames []map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &frames)).To(Succeed())
		Expect(frames).To(HaveLen(1))
	})

	It("should report swap usage", func() {
		rec := get("/api/swap")

		var rsp swapRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.Slots).To(Equal(uint64(8)))
		Expect(rsp.Used).To(Equal(uint64(0)))
		Expect(rsp.UsedSlots).To(BeEmpty())
	})

	It("should report consistency", func() {
		rec := get("/api/validate")

		var rsp validateRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.Consistent).To(BeTrue())
	})

	It("should list and complete progress bars", func() {
		bar := m.CreateProgressBar("pid 1", 10)
		bar.IncrementInProgress(3)
		bar.MoveInProgressToFinished(2)

		var bars []progressBarRsp
		Expect(json.Unmarshal(get("/api/progress").Body.Bytes(), &bars)).
			To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Finished).To(Equal(uint64(2)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))

		m.CompleteProgressBar(bar)

		Expect(get("/api/progress").Body.String()).To(Equal("[]"))
	})

	It("should ignore reserved port numbers", func() {
		Expect(m.WithPortNumber(80).portNumber).To(Equal(0))
		Expect(m.WithPortNumber(8080).portNumber).To(Equal(8080))
	})
})
