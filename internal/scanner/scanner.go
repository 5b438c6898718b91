package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mzyy94/airmustek/internal/ma1017"
	"github.com/mzyy94/airmustek/internal/notify"
)

// Scanner is the service-level handle on one Device. It runs one scan at a
// time and publishes lifecycle events.
type Scanner struct {
	mu       sync.Mutex
	dev      *Device
	notifier notify.Publisher
	capacity int
	busy     atomic.Bool
}

// New creates a Scanner over dev. A nil notifier discards events.
func New(dev *Device, n notify.Publisher) *Scanner {
	if n == nil {
		n = notify.Nop{}
	}
	return &Scanner{dev: dev, notifier: n, capacity: DefaultStreamCapacity}
}

// SetStreamCapacity sets the line buffer of later scans.
func (s *Scanner) SetStreamCapacity(n int) { s.capacity = n }

// Device returns the underlying device.
func (s *Scanner) Device() *Device { return s.dev }

// Busy reports whether a scan is running.
func (s *Scanner) Busy() bool { return s.busy.Load() }

// Connect opens the device and detects its sensor.
func (s *Scanner) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connect()
}

func (s *Scanner) connect() error {
	if s.dev.State() != StateClosed {
		return nil
	}
	if err := s.dev.Open(); err != nil {
		return err
	}
	return s.dev.Prepare()
}

// Disconnect closes the device.
func (s *Scanner) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev.State() == StateClosed {
		return nil
	}
	return s.dev.Close()
}

// Name returns the product name, or "" before the first connect.
func (s *Scanner) Name() string {
	if s.dev.Model() == ma1017.ModelUnknown {
		return ""
	}
	return "Mustek " + s.dev.Model().String()
}

// Serial returns the USB serial or path of the device.
func (s *Scanner) Serial() string {
	info := s.dev.Info()
	if info.Serial != "" {
		return info.Serial
	}
	return info.Path
}

// Status is a snapshot for status endpoints.
type Status struct {
	State  string `json:"state"`
	Model  string `json:"model"`
	Sensor string `json:"sensor,omitempty"`
	Motor  string `json:"motor,omitempty"`
	Path   string `json:"path,omitempty"`
	Busy   bool   `json:"busy"`
}

// Status returns the current device state.
func (s *Scanner) Status() Status {
	st := Status{
		State: s.dev.State().String(),
		Model: s.dev.Model().String(),
		Path:  s.dev.Info().Path,
		Busy:  s.Busy(),
	}
	if s.dev.Detected() {
		st.Sensor = s.dev.Sensor().String()
		st.Motor = s.dev.Motor().String()
	}
	return st
}

// Scan runs one scan to completion and returns the page. Cancelling ctx
// stops the scan between calibration rows or at the next line. A second concurrent call fails with
// ErrBusy.
func (s *Scanner) Scan(ctx context.Context, p Params) (*Page, error) {
	if !s.mu.TryLock() {
		return nil, fmt.Errorf("scan: %w", ma1017.ErrBusy)
	}
	defer s.mu.Unlock()
	s.busy.Store(true)
	defer s.busy.Store(false)

	if err := s.connect(); err != nil {
		s.publish(notify.Event{Event: notify.ScanFailed, Error: err.Error()})
		return nil, fmt.Errorf("scan: %w", err)
	}
	device := s.dev.Info().Path
	s.publish(notify.Event{Event: notify.ScanStarted, Device: device, Mode: p.Mode.String(), DPI: p.DPI})

	sess, err := s.dev.Start(ctx, p)
	if err != nil {
		s.publish(notify.Event{Event: notify.ScanFailed, Device: device, Error: err.Error()})
		return nil, fmt.Errorf("scan: %w", err)
	}
	st := sess.Stream(s.capacity)
	go func() {
		select {
		case <-ctx.Done():
			st.Cancel()
		case <-st.Done():
		}
	}()

	page, err := Collect(st)
	if err != nil {
		if errors.Is(err, ma1017.ErrCancelled) && ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ma1017.ErrCancelled, ctx.Err())
		}
		s.publish(notify.Event{Event: notify.ScanFailed, Device: device, Lines: page.Lines(), Error: err.Error()})
		return nil, fmt.Errorf("scan: %w", err)
	}
	f := page.Frame
	slog.Info("scan finished", "mode", f.Mode.String(), "dpi", f.DPI, "width", f.PixelsPerLine, "lines", page.Lines())
	s.publish(notify.Event{Event: notify.ScanFinished, Device: device, Mode: f.Mode.String(), DPI: f.DPI, Lines: page.Lines()})
	return page, nil
}

func (s *Scanner) publish(e notify.Event) {
	if err := s.notifier.Publish(e); err != nil {
		slog.Warn("publishing event failed", "event", e.Event, "err", err)
	}
}
