package ma1017

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/gousb"
)

// USBRegistry enumerates and opens scanners through libusb.
type USBRegistry struct {
	ctx *gousb.Context
}

// NewUSBRegistry creates a libusb context. Close it when done.
func NewUSBRegistry() *USBRegistry {
	return &USBRegistry{ctx: gousb.NewContext()}
}

// Close releases the libusb context.
func (r *USBRegistry) Close() error {
	return r.ctx.Close()
}

func fromDesc(d *gousb.DeviceDesc) DeviceInfo {
	return DeviceInfo{
		Path:    fmt.Sprintf("%03d:%03d", d.Bus, d.Address),
		Vendor:  uint16(d.Vendor),
		Product: uint16(d.Product),
	}
}

// Devices lists attached devices with the MA-1017 vendor id, sorted by bus
// and address. No device is left open.
func (r *USBRegistry) Devices() ([]DeviceInfo, error) {
	var out []DeviceInfo
	devs, err := r.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		if uint16(d.Vendor) == VendorID {
			out = append(out, fromDesc(d))
		}
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("enumerate usb: %v: %w", err, ErrIO)
	}
	return out, nil
}

// Open opens the device at path ("bus:address") and claims its default
// interface with one bulk in and one bulk out endpoint.
func (r *USBRegistry) Open(path string) (Device, error) {
	var bus, addr int
	if _, err := fmt.Sscanf(path, "%d:%d", &bus, &addr); err != nil {
		return nil, fmt.Errorf("device path %q: %w", path, ErrInvalidParameter)
	}
	devs, err := r.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == bus && d.Address == addr
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("open %s: %v: %w", path, err, ErrIO)
		}
		return nil, fmt.Errorf("open %s: no such device: %w", path, ErrInvalidParameter)
	}
	for _, extra := range devs[1:] {
		extra.Close()
	}
	d := devs[0]
	if err := d.SetAutoDetach(true); err != nil {
		slog.Debug("auto detach unavailable", "path", path, "err", err)
	}

	iface, done, err := d.DefaultInterface()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open %s: claim interface: %v: %w", path, err, ErrIO)
	}
	inNum, outNum := -1, -1
	for _, ep := range iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			inNum = ep.Number
		} else {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		done()
		d.Close()
		return nil, fmt.Errorf("open %s: missing bulk endpoints: %w", path, ErrIO)
	}
	in, err := iface.InEndpoint(inNum)
	if err != nil {
		done()
		d.Close()
		return nil, fmt.Errorf("open %s: in endpoint: %v: %w", path, err, ErrIO)
	}
	out, err := iface.OutEndpoint(outNum)
	if err != nil {
		done()
		d.Close()
		return nil, fmt.Errorf("open %s: out endpoint: %v: %w", path, err, ErrIO)
	}

	info := fromDesc(d.Desc)
	if name, err := d.Product(); err == nil {
		info.Name = name
	}
	if serial, err := d.SerialNumber(); err == nil {
		info.Serial = serial
	}
	slog.Info("usb device opened", "path", path, "vendor", fmt.Sprintf("%04x", info.Vendor),
		"product", fmt.Sprintf("%04x", info.Product), "in", inNum, "out", outNum)
	return &usbDevice{info: info, d: d, done: done, in: in, out: out}, nil
}

// usbDevice is an open handle to a scanner on the USB bus.
type usbDevice struct {
	info DeviceInfo
	d    *gousb.Device
	done func()
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func (u *usbDevice) Info() DeviceInfo { return u.info }

func (u *usbDevice) BulkWrite(p []byte) (int, error) { return u.out.Write(p) }

func (u *usbDevice) BulkRead(p []byte) (int, error) { return u.in.Read(p) }

func (u *usbDevice) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	return u.d.Control(requestType, request, value, index, data)
}

func (u *usbDevice) Close() error {
	u.done()
	return u.d.Close()
}
