package spt_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/spt"
	"github.com/sarchlab/akitavm/memory"
)

var _ = Describe("Table", func() {
	var (
		table *spt.Table
		file  *memory.File
	)

	BeforeEach(func() {
		table = spt.New(7)
		file = memory.NewFile([]byte("content"))
	})

	It("should create a file-backed page", func() {
		page, err := table.Create(vm.PageSpec{
			VAddr:      0x8048000,
			Provenance: vm.ProvenanceFile,
			File:       file,
			Offset:     0x100,
			ReadBytes:  100,
			ZeroBytes:  3996,
			Writable:   true,
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(page.Provenance).To(Equal(vm.ProvenanceFile))
		Expect(page.Origin).To(Equal(vm.ProvenanceFile))
		Expect(page.Residency).To(Equal(vm.ResidencyAbsent))
		Expect(page.IsSwapped()).To(BeFalse())
		Expect(table.PID()).To(Equal(vm.PID(7)))
	})

	It("should reject duplicates without changing the table", func() {
		first, err := table.Create(vm.PageSpec{
			VAddr:      0x1000,
			Provenance: vm.ProvenanceAnonymous,
			Writable:   true,
		})
		Expect(err).ToNot(HaveOccurred())

		page, err := table.Create(vm.PageSpec{
			VAddr:      0x1000,
			Provenance: vm.ProvenanceFile,
			File:       file,
		})

		Expect(page).To(BeNil())
		Expect(err).To(MatchError(vm.ErrDuplicatePage))
		Expect(table.Len()).To(Equal(1))

		found, ok := table.Find(0x1000)
		Expect(ok).To(BeTrue())
		Expect(found).To(BeIdenticalTo(first))
		Expect(found.Provenance).To(Equal(vm.ProvenanceAnonymous))
	})

	It("should find by exact address only", func() {
		_, err := table.Create(vm.PageSpec{VAddr: 0x1000})
		Expect(err).ToNot(HaveOccurred())

		_, ok := table.Find(0x1001)
		Expect(ok).To(BeFalse())
	})

	It("should reject removing a page twice", func() {
		_, err := table.Create(vm.PageSpec{VAddr: 0x1000})
		Expect(err).ToNot(HaveOccurred())

		Expect(table.Remove(0x1000)).To(Succeed())
		Expect(table.Remove(0x1000)).To(MatchError(vm.ErrPageNotFound))
	})

	It("should list pages in creation order", func() {
		for _, addr := range []uint64{0x3000, 0x1000, 0x2000} {
			_, err := table.Create(vm.PageSpec{VAddr: addr})
			Expect(err).ToNot(HaveOccurred())
		}

		pages := table.Pages()

		Expect(pages).To(HaveLen(3))
		Expect(pages[0].VAddr).To(Equal(uint64(0x3000)))
		Expect(pages[2].VAddr).To(Equal(uint64(0x2000)))
	})

	It("should clear all pages", func() {
		_, _ = table.Create(vm.PageSpec{VAddr: 0x1000})
		_, _ = table.Create(vm.PageSpec{VAddr: 0x2000})

		pages := table.Clear()

		Expect(pages).To(HaveLen(2))
		Expect(table.Len()).To(Equal(0))
		_, ok := table.Find(0x1000)
		Expect(ok).To(BeFalse())
	})
})
