package calib

import (
	"bytes"
	"math/rand/v2"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

func row(width int, v byte) []byte { return bytes.Repeat([]byte{v}, width) }

// capture feeds white and dark rows the way the line calibration does and
// evaluates the calibrator.
func capture(c *Calibrator, major, minor, filter, width int, factor float64, white, dark func(i int) []byte) {
	whiteNeeded, darkNeeded, err := c.Setup(major, minor, filter, width)
	Expect(err).NotTo(HaveOccurred())
	for i := range whiteNeeded {
		for range minor {
			Expect(c.FillWhite(i, white(i))).To(Succeed())
		}
	}
	Expect(c.EvaluateWhite(factor)).To(Succeed())
	for i := range darkNeeded {
		for range minor {
			Expect(c.FillDark(dark(i))).To(Succeed())
		}
	}
	Expect(c.EvaluateDark(0)).To(Succeed())
	Expect(c.Evaluate()).To(Succeed())
}

var _ = Describe("Calibrator", func() {
	const width = 64
	var c *Calibrator

	BeforeEach(func() {
		c = New(KindMono8, WhiteTarget)
		Expect(c.Prepare(width)).To(Succeed())
	})

	Describe("Setup", func() {
		It("asks for sixteen samples per group plus the filter", func() {
			white, dark, err := c.Setup(1, 2, 8, width)
			Expect(err).NotTo(HaveOccurred())
			Expect(white).To(Equal(24))
			Expect(dark).To(Equal(16))
		})

		It("rejects a width beyond the prepared one", func() {
			_, _, err := c.Setup(1, 1, 8, width+1)
			Expect(err).To(MatchError(ma1017.ErrInvalidParameter))
		})

		It("rejects empty averages", func() {
			_, _, err := c.Setup(0, 1, 8, width)
			Expect(err).To(MatchError(ma1017.ErrInvalidParameter))
			_, _, err = c.Setup(1, 0, 8, width)
			Expect(err).To(MatchError(ma1017.ErrInvalidParameter))
		})

		It("requires Prepare", func() {
			_, _, err := New(KindRGB8, WhiteTarget).Setup(1, 1, 8, width)
			Expect(err).To(MatchError(ma1017.ErrInvalidState))
		})
	})

	It("cannot be prepared twice without Release", func() {
		Expect(c.Prepare(width)).To(MatchError(ma1017.ErrInvalidState))
		Expect(c.Release()).To(Succeed())
		Expect(c.Prepare(width)).To(Succeed())
	})

	It("refuses to calibrate before evaluation", func() {
		Expect(c.Calibrate(row(width, 100), make([]byte, width))).To(MatchError(ma1017.ErrInvalidState))
	})

	Describe("a saturated white strip over a black dark level", func() {
		It("saturates the white gain once the factor lifts it past 4095", func() {
			capture(c, 1, 1, 8, width, 1.1,
				func(int) []byte { return row(width, 255) },
				func(int) []byte { return row(width, 0) })
			Expect(c.WhiteGain()).To(HaveEach(4095))
			Expect(c.DarkOffset()).To(HaveEach(0))
		})

		It("stays at sixteen times full scale with a unit factor", func() {
			capture(c, 1, 1, 8, width, 1.0,
				func(int) []byte { return row(width, 255) },
				func(int) []byte { return row(width, 0) })
			Expect(c.WhiteGain()).To(HaveEach(255 * 16))
		})
	})

	It("drops the darkest white samples", func() {
		capture(c, 1, 1, 8, width, 1.0,
			func(i int) []byte {
				if i%3 == 0 {
					return row(width, 0) // dust
				}
				return row(width, 200)
			},
			func(int) []byte { return row(width, 0) })
		Expect(c.WhiteGain()).To(HaveEach(200 * 16))
	})

	It("averages dark samples over the minor rows", func() {
		capture(c, 1, 2, 8, width, 1.0,
			func(int) []byte { return row(width, 200) },
			func(int) []byte { return row(width, 4) })
		Expect(c.DarkOffset()).To(HaveEach(4 * 16))
		Expect(c.WhiteGain()).To(HaveEach(200*16 - 4*16))
	})

	It("keeps gains and offsets in the 12-bit range for any input", func() {
		rng := rand.New(rand.NewPCG(1, 2))
		noise := func(int) []byte {
			b := make([]byte, width)
			for i := range b {
				b[i] = byte(rng.IntN(256))
			}
			return b
		}
		capture(c, 1, 2, 8, width, 0.83, noise, noise)
		for i, g := range c.WhiteGain() {
			Expect(g).To(BeNumerically(">=", 1), "pixel %d", i)
			Expect(g).To(BeNumerically("<=", 4095), "pixel %d", i)
		}
		for i, d := range c.DarkOffset() {
			Expect(d).To(BeNumerically(">=", 0), "pixel %d", i)
			Expect(d).To(BeNumerically("<=", 4095), "pixel %d", i)
		}
	})

	Describe("Calibrate", func() {
		BeforeEach(func() {
			capture(c, 1, 1, 8, width, 1.0,
				func(int) []byte { return row(width, 200) },
				func(int) []byte { return row(width, 0) })
		})

		It("maps the white reference to the target level", func() {
			dst := make([]byte, width)
			Expect(c.Calibrate(row(width, 200), dst)).To(Succeed())
			Expect(dst).To(HaveEach(byte(245)))
		})

		It("clamps brighter than white to 255", func() {
			dst := make([]byte, width)
			Expect(c.Calibrate(row(width, 250), dst)).To(Succeed())
			Expect(dst).To(HaveEach(byte(255)))
		})

		It("applies an embedded gamma table to the 12-bit value", func() {
			gamma := make([]byte, GammaSize)
			for i := range gamma {
				gamma[i] = byte(i >> 8)
			}
			Expect(c.EmbedGamma(gamma)).To(Succeed())
			dst := make([]byte, width)
			Expect(c.Calibrate(row(width, 200), dst)).To(Succeed())
			Expect(dst).To(HaveEach(byte(3920 >> 8)))
		})

		It("rejects a short gamma table", func() {
			Expect(c.EmbedGamma(make([]byte, 256))).To(MatchError(ma1017.ErrInvalidParameter))
		})
	})

	It("writes every third byte for colour channels", func() {
		rgb := New(KindRGB8, WhiteTarget)
		Expect(rgb.Prepare(4)).To(Succeed())
		capture(rgb, 1, 1, 8, 4, 1.0,
			func(int) []byte { return row(4, 200) },
			func(int) []byte { return row(4, 0) })
		dst := bytes.Repeat([]byte{7}, 12)
		Expect(rgb.Calibrate(row(4, 200), dst[1:])).To(Succeed())
		Expect(dst).To(Equal([]byte{7, 245, 7, 7, 245, 7, 7, 245, 7, 7, 245, 7}))
	})

	It("packs lineart most significant bit first", func() {
		art := New(KindMono4to1, WhiteTarget)
		Expect(art.Prepare(10)).To(Succeed())
		capture(art, 1, 1, 8, 10, 1.0,
			func(int) []byte { return row(5, 0xff) },
			func(int) []byte { return row(5, 0x00) })
		// pixels: bright, dark, bright, dark, ... then two bright
		dst := make([]byte, 2)
		Expect(art.Calibrate([]byte{0xf0, 0xf0, 0xf0, 0xf0, 0xff}, dst)).To(Succeed())
		Expect(dst).To(Equal([]byte{0xaa, 0xc0}))
	})
})
