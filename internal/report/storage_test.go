package report

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(filepath.Join(tmpDir, "reports"))
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			filename  string
			savedName string
			err       error
		)

		BeforeEach(func() {
			filename = "dotscan_2026-01-02_Dock.csv"
		})

		JustBeforeEach(func() {
			savedName, err = storage.Save(filename, []byte("a,b\n"))
		})

		When("saving succeeds", func() {
			It("writes the file into the reports directory", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(savedName).To(Equal(filename))
				Expect(filepath.Join(tmpDir, "reports", filename)).To(BeAnExistingFile())
			})
		})

		When("the name tries to leave the directory", func() {
			BeforeEach(func() {
				filename = "../../escape.csv"
			})

			It("keeps the file inside the reports directory", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(savedName).To(Equal("escape.csv"))
				Expect(filepath.Join(tmpDir, "reports", "escape.csv")).To(BeAnExistingFile())
			})
		})
		When("a report with the same name already exists", func() {
			BeforeEach(func() {
				_, err := storage.Save(filename, []byte("earlier\n"))
				Expect(err).NotTo(HaveOccurred())
			})

			It("keeps the earlier report and saves under a new name", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(savedName).To(Equal("dotscan_2026-01-02_Dock_2.csv"))

				earlier, readErr := storage.Get(filename)
				Expect(readErr).NotTo(HaveOccurred())
				Expect(string(earlier)).To(Equal("earlier\n"))

				later, readErr := storage.Get(savedName)
				Expect(readErr).NotTo(HaveOccurred())
				Expect(string(later)).To(Equal("a,b\n"))
			})

			It("keeps counting on further collisions", func() {
				third, saveErr := storage.Save(filename, []byte("third\n"))
				Expect(saveErr).NotTo(HaveOccurred())
				Expect(third).To(Equal("dotscan_2026-01-02_Dock_3.csv"))

				names, listErr := storage.List()
				Expect(listErr).NotTo(HaveOccurred())
				Expect(names).To(HaveLen(3))
			})
		})
	})

	Describe("Get", func() {
		It("returns a saved report", func() {
			_, err := storage.Save("one.csv", []byte("content"))
			Expect(err).NotTo(HaveOccurred())

			data, err := storage.Get("one.csv")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("content"))
		})

		It("returns an error for a missing report", func() {
			_, err := storage.Get("missing.csv")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("List", func() {
		It("returns saved reports sorted by name and skips directories", func() {
			_, err := storage.Save("b.csv", []byte("b"))
			Expect(err).NotTo(HaveOccurred())
			_, err = storage.Save("a.xlsx", []byte("a"))
			Expect(err).NotTo(HaveOccurred())
			Expect(os.Mkdir(filepath.Join(tmpDir, "reports", "nested"), 0755)).To(Succeed())

			names, err := storage.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"a.xlsx", "b.csv"}))
		})
	})
})
