package calib

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

// linearProbe models a channel whose peak level falls by gain for every
// delay step, saturating at 0 and 255.
type linearProbe struct {
	gain, window int
	fixed        int // when >= 0 the level ignores the delay
	pd           int
	sets         []int
	measures     int
	err          error
}

func (p *linearProbe) SetPowerDelay(pd int) error {
	p.pd = pd
	p.sets = append(p.sets, pd)
	return nil
}

func (p *linearProbe) PeakLevel() (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.measures++
	if p.fixed >= 0 {
		return p.fixed, nil
	}
	return min(max(p.gain*(p.window-p.pd), 0), 255), nil
}

var _ = Describe("TunePowerDelay", func() {
	It("finds the delay that hits the threshold exactly", func() {
		p := &linearProbe{gain: 3, window: 141, fixed: -1}
		got, err := TunePowerDelay(p, 141, 0, 240)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(Tuning{Delay: 61, State: SignalEqual, Level: 240}))
		Expect(p.pd).To(Equal(61))
	})

	It("returns the same delay when run twice", func() {
		p := &linearProbe{gain: 7, window: 141, fixed: -1}
		first, err := TunePowerDelay(p, 141, 0, 240)
		Expect(err).NotTo(HaveOccurred())
		second, err := TunePowerDelay(p, 141, 0, 240)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Delay).To(BeNumerically("~", first.Delay, 1))
	})

	Describe("when bisection narrows to two delays without a match", func() {
		// The reference driver keeps the lower bracket (106 here) and reports
		// darker regardless of which bracket is closer. This implementation
		// deliberately diverges and keeps the closer bracket.
		It("keeps the bracket closest to the threshold", func() {
			p := &linearProbe{gain: 7, window: 141, fixed: -1}
			got, err := TunePowerDelay(p, 141, 0, 240)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Delay).NotTo(Equal(106), "reference driver behaviour")
			Expect(got).To(Equal(Tuning{Delay: 107, State: SignalDarker, Level: 238}))
			Expect(p.pd).To(Equal(107))
		})

		It("prefers the darker bracket on a tie", func() {
			p := &linearProbe{gain: 2, window: 141, fixed: -1}
			got, err := TunePowerDelay(p, 141, 0, 241)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(Tuning{Delay: 21, State: SignalDarker, Level: 240}))
		})
	})

	Describe("when the optimum lies outside the range", func() {
		It("settles on the largest delay when the signal is always too bright", func() {
			p := &linearProbe{fixed: 255}
			got, err := TunePowerDelay(p, 141, 0, 240)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(Tuning{Delay: 141, State: SignalBrighter, Level: 255}))
			Expect(p.pd).To(Equal(141))
		})

		It("settles on the smallest delay when the signal is always too dark", func() {
			p := &linearProbe{fixed: 10}
			got, err := TunePowerDelay(p, 141, 0, 240)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(Tuning{Delay: 0, State: SignalDarker, Level: 10}))
		})
	})

	It("propagates measurement failures", func() {
		ioErr := errors.New("pipe")
		p := &linearProbe{fixed: -1, err: ioErr}
		_, err := TunePowerDelay(p, 141, 0, 240)
		Expect(err).To(MatchError(ioErr))
	})

	It("rejects an inverted range", func() {
		_, err := TunePowerDelay(&linearProbe{}, 0, 10, 240)
		Expect(err).To(MatchError(ma1017.ErrInvalidParameter))
	})
})
