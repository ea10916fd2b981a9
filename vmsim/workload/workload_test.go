package workload_test

import (
	"context"
	"log"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/vmsim/workload"
)

var _ = Describe("Workload", func() {
	var (
		cfg workload.Config
		sys *workload.System
	)

	BeforeEach(func() {
		cfg = workload.DefaultConfig()
		cfg.Accesses = 500
	})

	JustBeforeEach(func() {
		var err error
		sys, err = workload.NewSystem(cfg, log.New(GinkgoWriter, "", 0))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(sys.Close()).To(Succeed())
	})

	It("should read back everything it wrote", func() {
		report, err := workload.Run(context.Background(), sys, cfg, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Accesses).To(Equal(uint64(4 * 500)))
		Expect(report.Mismatches).To(BeZero())
		Expect(report.Killed).To(BeEmpty())
		Expect(report.Consistent).To(BeTrue())
		Expect(report.LeakedFrames).To(BeZero())
		Expect(report.LeakedSlots).To(BeZero())
		Expect(report.Stats.Evictions).NotTo(BeZero())
		Expect(report.Stats.SwapIns).NotTo(BeZero())
	})

	It("should report progress", func() {
		var lock sync.Mutex
		done := map[vm.PID]int{}

		_, err := workload.Run(context.Background(), sys, cfg,
			func(pid vm.PID, n int) {
				lock.Lock()
				defer lock.Unlock()
				done[pid] = n
			})

		Expect(err).NotTo(HaveOccurred())
		Expect(done).To(HaveLen(4))
		Expect(done).To(HaveKeyWithValue(vm.PID(1), 500))
	})

	It("should stop when cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		report, err := workload.Run(ctx, sys, cfg, nil)

		Expect(err).To(MatchError(context.Canceled))
		Expect(report.Accesses).To(BeZero())
		Expect(report.LeakedFrames).To(BeZero())
	})

	Context("with a wild thread", func() {
		BeforeEach(func() {
			cfg.WildThread = true
		})

		It("should kill only that thread", func() {
			report, err := workload.Run(context.Background(), sys, cfg, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Killed).To(Equal([]vm.PID{4}))
			Expect(report.Stats.FaultsFatal).To(Equal(uint64(1)))
			Expect(report.LeakedFrames).To(BeZero())
			Expect(report.LeakedSlots).To(BeZero())
		})
	})

	Context("with swap in SQLite", func() {
		BeforeEach(func() {
			cfg.SwapDB = filepath.Join(GinkgoT().TempDir(), "swap")
			cfg.Accesses = 200
		})

		It("should run the same workload", func() {
			report, err := workload.Run(context.Background(), sys, cfg, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Mismatches).To(BeZero())
			Expect(report.Consistent).To(BeTrue())
		})
	})

	It("should reject stacks beyond the ceiling", func() {
		cfg.StackPages = 1024

		_, err := workload.Run(context.Background(), sys, cfg, nil)

		Expect(err).To(HaveOccurred())
	})
})
