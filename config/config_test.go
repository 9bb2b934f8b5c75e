package config_test

import (
	"os"
	"path"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/relloyd/lakepipe/config"
)

var _ = Describe("File", func() {
	var (
		dir string
		f   *config.File
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "lakepipe-config")
		Expect(err).NotTo(HaveOccurred())
		f = config.NewConfigFileWithDir(path.Join(dir, "nested"), "defaults.yaml")
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("treats a missing file as empty", func() {
		keys, err := f.GetAllKeys()
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(BeEmpty())
		var s string
		err = f.Get("batch-size", &s)
		Expect(err).To(BeAssignableToTypeOf(config.KeyNotFoundError{}))
	})

	It("persists values across instances", func() {
		Expect(f.Set("batch-size", 1000)).To(Succeed())
		Expect(f.Set("conflict-policy", "skip")).To(Succeed())
		Expect(f.FullPath).To(BeARegularFile())

		g := config.NewConfigFileWithDir(f.Dirname, f.FileName)
		var n int
		Expect(g.Get("batch-size", &n)).To(Succeed())
		Expect(n).To(Equal(1000))
		var s string
		Expect(g.Get("batch-size", &s)).To(Succeed())
		Expect(s).To(Equal("1000"))
		keys, err := g.GetAllKeys()
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(Equal([]string{"batch-size", "conflict-policy"}))
	})

	It("deletes keys", func() {
		Expect(f.Set("log-level", "debug")).To(Succeed())
		Expect(f.Delete("log-level")).To(Succeed())
		Expect(f.Delete("log-level")).To(BeAssignableToTypeOf(config.KeyNotFoundError{}))
		keys, err := f.GetAllKeys()
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(BeEmpty())
	})

	It("requires a pointer", func() {
		var s string
		Expect(f.Get("x", s)).To(MatchError("out must be a pointer"))
	})

	It("reports a corrupt file", func() {
		Expect(os.MkdirAll(f.Dirname, 0755)).To(Succeed())
		Expect(os.WriteFile(f.FullPath, []byte("{not yaml"), 0600)).To(Succeed())
		_, err := f.GetAllKeys()
		Expect(err).To(HaveOccurred())
	})
})
