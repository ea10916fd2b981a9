package vmm

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/memory"
)

var _ = Describe("User access", func() {
	var (
		sys testSystem
		pid vm.PID
		sp  uint64
	)

	BeforeEach(func() {
		sys = newTestSystem(4, 16)
		pid = 1
		sp = stackPage(3)
		Expect(sys.manager.Attach(pid)).To(Succeed())
	})

	It("should read and write across page boundaries", func() {
		data := pattern(11, 3000)
		addr := stackPage(1) + pageSize - 1000

		Expect(sys.manager.WriteUser(pid, addr, data, sp)).To(Succeed())

		read, err := sys.manager.ReadUser(pid, addr, 3000, sp)
		Expect(err).NotTo(HaveOccurred())
		Expect(read).To(Equal(data))

		Expect(sys.manager.Stats().StackGrowths).To(Equal(uint64(2)))
	})

	It("should fail on writes to read-only pages", func() {
		file := memory.NewFile(pattern(1, int(pageSize)))
		err := sys.manager.LoadSegment(pid, file, 0, 0x08048000, pageSize, 0, false)
		Expect(err).NotTo(HaveOccurred())

		_, err = sys.manager.ReadUser(pid, 0x08048000, 4, sp)
		Expect(err).NotTo(HaveOccurred())

		err = sys.manager.WriteUser(pid, 0x08048000, []byte{1}, sp)

		Expect(err).To(MatchError(vm.ErrFatalFault))
		Expect(err).To(MatchError(vm.ErrProtection))
	})

	It("should fail on wild pointers", func() {
		_, err := sys.manager.ReadUser(pid, 0x1000, 4, sp)

		Expect(err).To(MatchError(vm.ErrNotMapped))
		Expect(sys.manager.Stats().FaultsFatal).To(Equal(uint64(1)))
	})

	It("should keep data intact while pages move between memory and swap", func() {
		const numPages = 10

		for i := uint64(0); i < numPages; i++ {
			data := pattern(byte(i), int(pageSize))
			Expect(sys.manager.WriteUser(pid, stackPage(i), data, stackPage(i))).
				To(Succeed())
		}

		for i := uint64(0); i < numPages; i++ {
			read, err := sys.manager.ReadUser(pid, stackPage(i), pageSize, stackPage(i))
			Expect(err).NotTo(HaveOccurred())
			Expect(read).To(Equal(pattern(byte(i), int(pageSize))))
		}

		Expect(sys.manager.Validate()).To(Succeed())
	})
})

var _ = Describe("Concurrent threads", func() {
	It("should give every thread its own frame", func() {
		const numThreads = 8
		sys := newTestSystem(numThreads, 8)

		var wg sync.WaitGroup
		errs := make(chan error, numThreads)

		for i := 1; i <= numThreads; i++ {
			pid := vm.PID(i)
			Expect(sys.manager.Attach(pid)).To(Succeed())

			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- sys.manager.HandleFault(vm.Fault{
					PID:          pid,
					Addr:         stackPage(0) + 100,
					Write:        true,
					StackPointer: stackPage(0) + 100,
				})
			}()
		}

		wg.Wait()
		close(errs)

		for err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}

		frames := map[uint64]vm.PID{}
		for _, e := range sys.manager.Frames() {
			Expect(frames).NotTo(HaveKey(e.Frame))
			frames[e.Frame] = e.PID
		}

		Expect(frames).To(HaveLen(numThreads))
		Expect(sys.pool.NumFree()).To(Equal(uint64(0)))
		Expect(sys.manager.Validate()).To(Succeed())
	})

	It("should keep every thread's data under memory pressure", func() {
		const (
			numThreads = 4
			numPages   = 6
			rounds     = 3
		)

		sys := newTestSystem(3, numThreads*numPages)

		var wg sync.WaitGroup
		failures := make(chan error, numThreads)

		for i := 1; i <= numThreads; i++ {
			pid := vm.PID(i)
			Expect(sys.manager.Attach(pid)).To(Succeed())

			wg.Add(1)
			go func() {
				defer wg.Done()
				failures <- exercise(sys.manager, pid, numPages, rounds)
			}()
		}

		wg.Wait()
		close(failures)

		for err := range failures {
			Expect(err).NotTo(HaveOccurred())
		}

		Expect(sys.manager.Validate()).To(Succeed())

		for i := 1; i <= numThreads; i++ {
			Expect(sys.manager.Exit(vm.PID(i))).To(Succeed())
		}

		Expect(sys.store.NumUsed()).To(Equal(uint64(0)))
		Expect(sys.pool.NumFree()).To(Equal(uint64(3)))
	})
})

func exercise(m *Manager, pid vm.PID, numPages uint64, rounds int) error {
	sp := stackPage(numPages - 1)

	for r := 0; r < rounds; r++ {
		for i := uint64(0); i < numPages; i++ {
			data := pattern(byte(int(pid)*16+r), int(pageSize))
			if err := m.WriteUser(pid, stackPage(i), data, sp); err != nil {
				return err
			}
		}

		for i := uint64(0); i < numPages; i++ {
			read, err := m.ReadUser(pid, stackPage(i), pageSize, sp)
			if err != nil {
				return err
			}

			want := pattern(byte(int(pid)*16+r), int(pageSize))
			if string(read) != string(want) {
				return fmt.Errorf("pid %d page %d lost its data in round %d",
					pid, i, r)
			}
		}
	}

	return nil
}
