package calib

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

var _ = Describe("Cache", func() {
	var entry Record

	BeforeEach(func() {
		entry = NewRecord(ma1017.SensorCanon600, 600, false)
		entry.Delays = PowerDelays{Red: 58, Green: 61, Blue: 63}
		entry.PGA = 8
		entry.Expose = 9024
	})

	It("keys entries by sensor, analog path and mode", func() {
		Expect(entry.Key()).To(Equal("canon600/600/rgb"))
		Expect(NewRecord(ma1017.SensorCanon300, 300, true).Key()).To(Equal("canon300/300/mono"))
	})

	Describe("in memory", func() {
		var c *Cache

		BeforeEach(func() {
			c = NewCache()
		})

		It("returns what was put", func() {
			Expect(c.Put(entry)).To(Succeed())
			got, ok := c.Get(entry.Key())
			Expect(ok).To(BeTrue())
			Expect(got.Delays).To(Equal(entry.Delays))
			Expect(got.TunedAt).NotTo(BeZero())
		})

		It("misses unknown keys", func() {
			_, ok := c.Get("nec600/600/mono")
			Expect(ok).To(BeFalse())
		})

		It("forgets everything on Clear", func() {
			Expect(c.Put(entry)).To(Succeed())
			Expect(c.Clear()).To(Succeed())
			Expect(c.List()).To(BeEmpty())
		})
	})

	Describe("backed by bbolt", func() {
		var path string

		BeforeEach(func() {
			path = filepath.Join(GinkgoT().TempDir(), "calibration.db")
		})

		It("survives a reopen", func() {
			c, err := OpenCache(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Put(entry)).To(Succeed())
			other := NewRecord(ma1017.SensorCanon600, 600, true)
			other.Delays = Uniform(84)
			Expect(c.Put(other)).To(Succeed())
			Expect(c.Close()).To(Succeed())

			c, err = OpenCache(path)
			Expect(err).NotTo(HaveOccurred())
			defer c.Close()
			list := c.List()
			Expect(list).To(HaveLen(2))
			Expect(list[0].Key()).To(Equal("canon600/600/mono"))
			Expect(list[1].Delays).To(Equal(entry.Delays))
			Expect(list[1].Expose).To(Equal(9024))
		})

		It("clears the file as well", func() {
			c, err := OpenCache(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Put(entry)).To(Succeed())
			Expect(c.Clear()).To(Succeed())
			Expect(c.Close()).To(Succeed())

			c, err = OpenCache(path)
			Expect(err).NotTo(HaveOccurred())
			defer c.Close()
			Expect(c.List()).To(BeEmpty())
		})
	})
})
