package vmm

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/memory"
	"github.com/sarchlab/akitavm/sim/hooking"
)

var _ = Describe("Page destruction", func() {
	var (
		sys testSystem
		pid vm.PID
		sp  uint64
	)

	BeforeEach(func() {
		sys = newTestSystem(2, 8)
		pid = 1
		sp = stackPage(7)
		Expect(sys.manager.Attach(pid)).To(Succeed())
	})

	It("should release the frame of a resident page", func() {
		Expect(sys.manager.ExpandStack(pid, stackPage(0))).To(Succeed())

		Expect(sys.manager.Destroy(pid, stackPage(0))).To(Succeed())

		Expect(sys.pool.NumFree()).To(Equal(uint64(2)))
		_, mapped := sys.dir.Lookup(pid, stackPage(0))
		Expect(mapped).To(BeFalse())
		Expect(sys.manager.Frames()).To(BeEmpty())
	})

	It("should release the slot of a swapped page", func() {
		for i := uint64(0); i < 3; i++ {
			Expect(sys.manager.ExpandStack(pid, stackPage(i))).To(Succeed())
		}
		Expect(sys.store.NumUsed()).To(Equal(uint64(1)))

		Expect(sys.manager.Destroy(pid, stackPage(0))).To(Succeed())

		Expect(sys.store.NumUsed()).To(Equal(uint64(0)))
		Expect(sys.manager.Validate()).To(Succeed())
	})

	It("should reject destroying a page twice", func() {
		Expect(sys.manager.ExpandStack(pid, stackPage(0))).To(Succeed())
		Expect(sys.manager.Destroy(pid, stackPage(0))).To(Succeed())

		err := sys.manager.Destroy(pid, stackPage(0))

		Expect(err).To(MatchError(vm.ErrPageNotFound))
	})

	It("should write modified file pages back when unmapped", func() {
		file := memory.NewFile(pattern(2, int(pageSize)))
		err := sys.manager.LoadSegment(pid, file, 0, 0x10000000, pageSize, 0, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(sys.manager.WriteUser(pid, 0x10000000, []byte("mmap"), sp)).
			To(Succeed())

		Expect(sys.manager.Unmap(pid, 0x10000000)).To(Succeed())

		Expect(file.Bytes()[:4]).To(Equal([]byte("mmap")))
		_, found := sys.manager.Page(pid, 0x10000000)
		Expect(found).To(BeFalse())
		Expect(sys.pool.NumFree()).To(Equal(uint64(2)))
	})

	It("should not touch the file when unmapping a clean page", func() {
		content := pattern(2, int(pageSize))
		file := memory.NewFile(content)
		err := sys.manager.LoadSegment(pid, file, 0, 0x10000000, pageSize, 0, true)
		Expect(err).NotTo(HaveOccurred())
		_, err = sys.manager.ReadUser(pid, 0x10000000, 16, sp)
		Expect(err).NotTo(HaveOccurred())

		Expect(sys.manager.Unmap(pid, 0x10000000)).To(Succeed())

		Expect(file.Bytes()).To(Equal(content))
		Expect(sys.manager.Stats().WriteBacks).To(Equal(uint64(0)))
	})
})

var _ = Describe("Thread exit", func() {
	var (
		sys  testSystem
		hook *hooking.CountHook
	)

	BeforeEach(func() {
		sys = newTestSystem(2, 8)
		hook = hooking.NewCountHook()
		sys.manager.AcceptHook(hook)

		Expect(sys.manager.Attach(1)).To(Succeed())
		Expect(sys.manager.Attach(2)).To(Succeed())
	})

	It("should release everything the thread owns", func() {
		for i := uint64(0); i < 4; i++ {
			Expect(sys.manager.ExpandStack(1, stackPage(i))).To(Succeed())
		}
		Expect(sys.store.NumUsed()).To(Equal(uint64(2)))

		Expect(sys.manager.Exit(1)).To(Succeed())

		Expect(sys.store.NumUsed()).To(Equal(uint64(0)))
		Expect(sys.pool.NumFree()).To(Equal(uint64(2)))
		Expect(sys.manager.Frames()).To(BeEmpty())
		Expect(sys.manager.Threads()).To(Equal([]vm.PID{2}))
		Expect(sys.dir.Entries(1)).To(BeEmpty())
		Expect(hook.Count(HookPosThreadExit)).To(Equal(uint64(1)))
		Expect(sys.manager.Validate()).To(Succeed())
	})

	It("should keep the pages of other threads", func() {
		Expect(sys.manager.ExpandStack(1, stackPage(0))).To(Succeed())
		Expect(sys.manager.ExpandStack(2, stackPage(0))).To(Succeed())
		Expect(sys.manager.ExpandStack(2, stackPage(1))).To(Succeed())

		Expect(sys.manager.Exit(1)).To(Succeed())

		pages, err := sys.manager.Pages(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(pages).To(HaveLen(2))
		Expect(sys.manager.Validate()).To(Succeed())
	})

	It("should detach the thread", func() {
		Expect(sys.manager.Exit(1)).To(Succeed())

		Expect(sys.manager.Exit(1)).To(MatchError(vm.ErrUnknownThread))
		Expect(sys.manager.Attach(1)).To(Succeed())
	})

	It("should let only one of two concurrent exits succeed", func() {
		file := newBlockingFile(pattern(1, int(pageSize)))
		Expect(sys.manager.CreatePage(1, vm.PageSpec{
			VAddr:      0x08048000,
			Provenance: vm.ProvenanceFile,
			File:       file,
			ReadBytes:  pageSize,
		})).To(Succeed())

		faulted := make(chan error, 1)
		go func() {
			faulted <- sys.manager.HandleFault(vm.Fault{
				PID:          1,
				Addr:         0x08048000,
				StackPointer: stackPage(0),
			})
		}()
		Eventually(file.started).Should(BeClosed())

		exits := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() { exits <- sys.manager.Exit(1) }()
		}

		close(file.release)

		Eventually(faulted).Should(Receive(Succeed()))

		succeeded, detached := 0, 0
		for i := 0; i < 2; i++ {
			var err error
			Eventually(exits).Should(Receive(&err))

			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, vm.ErrUnknownThread):
				detached++
			}
		}

		Expect(succeeded).To(Equal(1))
		Expect(detached).To(Equal(1))
		Expect(hook.Count(HookPosThreadExit)).To(Equal(uint64(1)))
		Expect(sys.pool.NumFree()).To(Equal(uint64(2)))
		Expect(sys.manager.Validate()).To(Succeed())
	})

	It("should reject attaching a thread twice", func() {
		Expect(sys.manager.Attach(1)).NotTo(Succeed())
	})

	It("should keep the thread attached after FreeAll", func() {
		Expect(sys.manager.ExpandStack(1, stackPage(0))).To(Succeed())

		Expect(sys.manager.FreeAll(1)).To(Succeed())

		Expect(sys.manager.Threads()).To(ContainElement(vm.PID(1)))
		pages, err := sys.manager.Pages(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(pages).To(BeEmpty())
	})
})
