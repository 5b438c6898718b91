package scanner

import (
	"context"
	"errors"
	"io"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mzyy94/airmustek/internal/calib"
	"github.com/mzyy94/airmustek/internal/ma1017"
	"github.com/mzyy94/airmustek/internal/notify"
)

var _ = Describe("Device", func() {
	Describe("sensor detection", func() {
		DescribeTable("identifies sensor and motor by model",
			func(opts ma1017.SimulatorOptions, sensor ma1017.Sensor, motor ma1017.Motor) {
				dev, _ := newSimDevice(opts, nil)
				Expect(dev.Open()).To(Succeed())
				DeferCleanup(dev.Close)
				Expect(dev.Prepare()).To(Succeed())

				Expect(dev.State()).To(Equal(StatePrepared))
				Expect(dev.Sensor()).To(Equal(sensor))
				Expect(dev.Motor()).To(Equal(motor))
			},
			Entry("600 CU", ma1017.SimulatorOptions{Model: ma1017.Model600CU},
				ma1017.SensorCanon300, ma1017.MotorMT600),
			Entry("1200 USB", ma1017.SimulatorOptions{Model: ma1017.Model1200USB},
				ma1017.SensorNEC600, ma1017.MotorMT1200),
			Entry("1200 UB full width", ma1017.SimulatorOptions{Model: ma1017.Model1200UB},
				ma1017.SensorCanon600, ma1017.MotorMT1200),
			Entry("1200 UB half width", ma1017.SimulatorOptions{Model: ma1017.Model1200UB, HalfWidthSensor: true},
				ma1017.SensorCanon300600, ma1017.MotorMT1200),
		)

		It("does not cache what the probe tuned", func() {
			dev, _ := newSimDevice(ma1017.SimulatorOptions{}, nil)
			Expect(dev.Open()).To(Succeed())
			DeferCleanup(dev.Close)
			Expect(dev.Prepare()).To(Succeed())
			Expect(dev.Cache().List()).To(BeEmpty())
		})
	})

	Describe("lifecycle", func() {
		var dev *Device

		BeforeEach(func() {
			dev, _ = newSimDevice(ma1017.SimulatorOptions{}, nil)
		})

		It("refuses to prepare a closed device", func() {
			Expect(dev.Prepare()).To(MatchError(ma1017.ErrInvalidState))
		})

		It("refuses to open twice", func() {
			Expect(dev.Open()).To(Succeed())
			DeferCleanup(dev.Close)
			Expect(dev.Open()).To(MatchError(ma1017.ErrInvalidState))
		})

		It("refuses to stop a scan that is not running", func() {
			Expect(dev.Open()).To(Succeed())
			DeferCleanup(dev.Close)
			Expect(dev.Prepare()).To(Succeed())
			Expect(dev.StopScan()).To(MatchError(ma1017.ErrInvalidState))
		})

		It("rejects an empty setup window", func() {
			Expect(dev.Open()).To(Succeed())
			DeferCleanup(dev.Close)
			Expect(dev.Prepare()).To(Succeed())
			g := dev.Suggest(ModeGray8, 300, 0, 0, 0, 100)
			Expect(dev.SetupScan(context.Background(), ModeGray8, g)).To(MatchError(ma1017.ErrInvalidParameter))
			Expect(dev.State()).To(Equal(StatePrepared))
		})

		It("fails to open without a scanner", func() {
			empty := NewDevice(ma1017.NewSimRegistry(), Options{})
			Expect(empty.Open()).To(HaveOccurred())
			Expect(empty.State()).To(Equal(StateClosed))
		})
	})
})

var _ = Describe("Session", func() {
	var (
		dev *Device
		sim *ma1017.Simulator
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		dev, sim = newSimDevice(ma1017.SimulatorOptions{}, nil)
		Expect(dev.Open()).To(Succeed())
		DeferCleanup(func() {
			if dev.State() != StateClosed {
				dev.Close()
			}
		})
	})

	DescribeTable("delivers exactly the frame",
		func(mode ColorMode, ppl, bpl int) {
			sess, err := dev.Start(ctx, smallArea(mode, 100))
			Expect(err).NotTo(HaveOccurred())

			f := sess.Frame()
			Expect(f.PixelsPerLine).To(Equal(ppl))
			Expect(f.BytesPerLine).To(Equal(bpl))
			Expect(f.Lines).To(Equal(50))

			data, err := io.ReadAll(sess)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(HaveLen(bpl * 50))
			Expect(dev.State()).To(Equal(StateOpen))
		},
		Entry("colour", ColorColor, 100, 300),
		Entry("grey", ColorGray, 100, 100),
		Entry("lineart", ColorLineart, 96, 12),
	)

	It("returns EndOfData after the final EOF", func() {
		sess, err := dev.Start(ctx, smallArea(ColorGray, 50))
		Expect(err).NotTo(HaveOccurred())
		_, err = io.ReadAll(sess)
		Expect(err).NotTo(HaveOccurred())

		_, err = sess.Read(make([]byte, 16))
		Expect(err).To(MatchError(ma1017.ErrEndOfData))
	})

	It("clamps the resolution to what the model achieves", func() {
		dev, _ = newSimDevice(ma1017.SimulatorOptions{Model: ma1017.Model600CU}, nil)
		Expect(dev.Open()).To(Succeed())
		sess, err := dev.Start(ctx, smallArea(ColorGray, 1200))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(sess.Close)

		Expect(sess.Frame().DPI).To(Equal(600))
		Expect(sess.Frame().PixelsPerLine).To(Equal(600))
	})

	It("rejects an empty area", func() {
		p := smallArea(ColorGray, 100)
		p.BottomRightX = p.TopLeftX
		_, err := dev.Start(ctx, p)
		Expect(err).To(MatchError(ma1017.ErrInvalidParameter))
	})

	It("is busy while a scan runs", func() {
		sess, err := dev.Start(ctx, smallArea(ColorGray, 100))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(sess.Close)

		_, err = dev.Start(ctx, smallArea(ColorGray, 100))
		Expect(err).To(MatchError(ma1017.ErrBusy))
	})

	It("tears down after a read error", func() {
		sess, err := dev.Start(ctx, smallArea(ColorGray, 100))
		Expect(err).NotTo(HaveOccurred())

		sim.InjectReadError(errors.New("usb stall"))
		_, err = io.ReadAll(sess)
		Expect(err).To(HaveOccurred())
		Expect(dev.State()).To(Equal(StateOpen))
	})

	It("reuses cached power delays on the next scan", func() {
		sess, err := dev.Start(ctx, smallArea(ColorColor, 100))
		Expect(err).NotTo(HaveOccurred())
		_, err = io.ReadAll(sess)
		Expect(err).NotTo(HaveOccurred())

		first := dev.Cache().List()
		Expect(first).NotTo(BeEmpty())

		sess, err = dev.Start(ctx, smallArea(ColorColor, 100))
		Expect(err).NotTo(HaveOccurred())
		_, err = io.ReadAll(sess)
		Expect(err).NotTo(HaveOccurred())

		Expect(dev.Cache().List()).To(Equal(first))
	})

	It("cancels a streamed scan", func() {
		p := DefaultParams()
		p.Mode = ColorGray
		sess, err := dev.Start(ctx, p)
		Expect(err).NotTo(HaveOccurred())

		st := sess.Stream(1)
		Eventually(st.Lines()).Should(Receive())
		st.Cancel()
		for range st.Lines() {
		}
		Expect(st.Wait()).To(MatchError(ma1017.ErrCancelled))

		Expect(dev.State()).To(Equal(StateOpen))
		Expect(lampOn(sim)).To(BeFalse())
		_, err = sess.Read(make([]byte, 16))
		Expect(err).To(MatchError(ma1017.ErrCancelled))
	})

	It("abandons calibration when cancelled between reference rows", func() {
		_, err := dev.Start(&expiringContext{Context: ctx, live: 5}, smallArea(ColorColor, 100))
		Expect(err).To(MatchError(ma1017.ErrCancelled))
		Expect(err).To(MatchError(context.Canceled))

		Expect(dev.State()).To(Equal(StateOpen))
		Expect(dev.cals).To(Equal(calibrators{}))
		Expect(dev.chip.IsRowing()).To(BeFalse())
		Expect(lampOn(sim)).To(BeFalse())

		sess, err := dev.Start(ctx, smallArea(ColorGray, 100))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(sess.Close)
	})
})

// expiringContext reports cancellation once Err has been asked live times.
type expiringContext struct {
	context.Context
	live int
}

func (c *expiringContext) Err() error {
	if c.live <= 0 {
		return context.Canceled
	}
	c.live--
	return nil
}

type recorder struct {
	events []notify.Event
}

func (r *recorder) Publish(e notify.Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Close() {}

var _ = Describe("Scanner", func() {
	var (
		sc  *Scanner
		rec *recorder
	)

	BeforeEach(func() {
		dev, _ := newSimDevice(ma1017.SimulatorOptions{}, calib.NewCache())
		rec = &recorder{}
		sc = New(dev, rec)
		DeferCleanup(sc.Disconnect)
	})

	It("connects on the first scan and publishes its lifecycle", func() {
		page, err := sc.Scan(context.Background(), smallArea(ColorGray, 100))
		Expect(err).NotTo(HaveOccurred())
		Expect(page.Lines()).To(Equal(50))
		Expect(sc.Name()).To(Equal("Mustek 1200 UB"))

		Expect(rec.events).To(HaveLen(2))
		Expect(rec.events[0].Event).To(Equal(notify.ScanStarted))
		Expect(rec.events[1].Event).To(Equal(notify.ScanFinished))
		Expect(rec.events[1].Lines).To(Equal(50))
	})

	It("reports a cancelled context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := DefaultParams()
		p.Mode = ColorGray
		_, err := sc.Scan(ctx, p)
		Expect(err).To(MatchError(ma1017.ErrCancelled))
		Expect(rec.events[len(rec.events)-1].Event).To(Equal(notify.ScanFailed))
		Expect(sc.Busy()).To(BeFalse())
		Expect(sc.dev.Cache().List()).To(BeEmpty())
		Expect(sc.dev.State()).To(Equal(StateOpen))
	})

	It("answers status queries while a scan runs", func() {
		stop := make(chan struct{})
		polled := make(chan int)
		go func() {
			n := 0
			for {
				select {
				case <-stop:
					polled <- n
					return
				default:
					_ = sc.Status()
					_ = sc.Name()
					_ = sc.Serial()
					n++
				}
			}
		}()
		_, err := sc.Scan(context.Background(), smallArea(ColorGray, 100))
		close(stop)
		Expect(err).NotTo(HaveOccurred())
		Expect(<-polled).To(BeNumerically(">", 0))

		st := sc.Status()
		Expect(st.Model).To(Equal(ma1017.Model1200UB.String()))
		Expect(st.Sensor).To(Equal(ma1017.SensorCanon600.String()))
		Expect(st.Motor).To(Equal(ma1017.MotorMT1200.String()))
	})

	It("reports status after connecting", func() {
		Expect(sc.Connect()).To(Succeed())
		st := sc.Status()
		Expect(st.State).To(Equal(StatePrepared.String()))
		Expect(st.Sensor).To(Equal(ma1017.SensorCanon600.String()))
		Expect(st.Busy).To(BeFalse())
	})
})
