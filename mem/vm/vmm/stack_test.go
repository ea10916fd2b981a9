package vmm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/sim/hooking"
)

var _ = Describe("Stack growth", func() {
	var (
		sys  testSystem
		hook *hooking.CountHook
		pid  vm.PID
	)

	fault := func(addr, sp uint64) error {
		return sys.manager.HandleFault(vm.Fault{
			PID:          pid,
			Addr:         addr,
			Write:        true,
			StackPointer: sp,
		})
	}

	BeforeEach(func() {
		sys = newTestSystem(4, 4)
		hook = hooking.NewCountHook()
		sys.manager.AcceptHook(hook)

		pid = 1
		Expect(sys.manager.Attach(pid)).To(Succeed())
	})

	It("should grow the stack for accesses just below sp", func() {
		sp := stackPage(0)

		Expect(fault(sp-16, sp)).To(Succeed())

		page, found := sys.manager.Page(pid, sp-16)
		Expect(found).To(BeTrue())
		Expect(page.VAddr).To(Equal(stackPage(1)))
		Expect(page.Provenance).To(Equal(vm.ProvenanceAnonymous))
		Expect(page.Writable).To(BeTrue())
		Expect(page.Residency).To(Equal(vm.ResidencyResident))

		data, err := sys.storage.Read(page.Frame, pageSize)
		Expect(err).NotTo(HaveOccurred())
		Expect(isAllZero(data)).To(BeTrue())

		Expect(hook.Count(HookPosStackGrowth)).To(Equal(uint64(1)))
		Expect(sys.manager.Stats().StackGrowths).To(Equal(uint64(1)))
	})

	It("should accept accesses at the edge of the slack window", func() {
		sp := stackPage(0)

		Expect(fault(sp-32, sp)).To(Succeed())
	})

	It("should grow the stack for accesses above sp", func() {
		sp := stackPage(2)

		Expect(fault(stackPage(0)+8, sp)).To(Succeed())
	})

	It("should reject accesses far below sp", func() {
		sp := stackPage(0)

		err := fault(sp-64, sp)

		Expect(err).To(MatchError(vm.ErrFatalFault))
		Expect(err).To(MatchError(vm.ErrNotMapped))

		_, found := sys.manager.Page(pid, sp-64)
		Expect(found).To(BeFalse())
	})

	It("should allow a stack of exactly the ceiling", func() {
		addr := stackTop - 1<<20

		Expect(fault(addr, addr)).To(Succeed())
	})

	It("should reject a stack beyond the ceiling", func() {
		addr := stackTop - 1<<20 - 1

		err := fault(addr, addr)

		Expect(err).To(MatchError(vm.ErrStackLimit))
		Expect(sys.pool.NumFree()).To(Equal(uint64(4)))
	})

	It("should expand the stack directly", func() {
		Expect(sys.manager.ExpandStack(pid, stackPage(3)+100)).To(Succeed())

		_, mapped := sys.dir.Lookup(pid, stackPage(3))
		Expect(mapped).To(BeTrue())
	})

	It("should not expand the same page twice", func() {
		Expect(sys.manager.ExpandStack(pid, stackPage(0))).To(Succeed())

		err := sys.manager.ExpandStack(pid, stackPage(0)+8)

		Expect(err).To(MatchError(vm.ErrDuplicatePage))
		Expect(sys.pool.NumFree()).To(Equal(uint64(3)))
		Expect(sys.manager.Validate()).To(Succeed())
	})

	It("should evict when no frame is free", func() {
		for i := uint64(0); i < 6; i++ {
			Expect(sys.manager.ExpandStack(pid, stackPage(i))).To(Succeed())
		}

		stats := sys.manager.Stats()
		Expect(stats.Frames).To(Equal(4))
		Expect(stats.ResidentPages).To(Equal(4))
		Expect(stats.SwappedPages).To(Equal(2))
		Expect(stats.Evictions).To(Equal(uint64(2)))
		Expect(sys.manager.Validate()).To(Succeed())
	})
})
