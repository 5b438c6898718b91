package ma1017

import "fmt"

// DeviceInfo describes an attached scanner as seen during enumeration.
type DeviceInfo struct {
	Path    string `json:"path"`
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
	Name    string `json:"name,omitempty"`
	Serial  string `json:"serial,omitempty"`
}

// Model returns the scanner model for the product id.
func (d DeviceInfo) Model() Model {
	if d.Vendor != VendorID {
		return ModelUnknown
	}
	return ProductModels[d.Product]
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s [%04x:%04x]", d.Path, d.Vendor, d.Product)
}

// Device is the USB surface the chip driver needs: bulk transfers on the
// scanner's single in/out endpoint pair, control transfers and identity.
type Device interface {
	Info() DeviceInfo
	BulkWrite(p []byte) (int, error)
	BulkRead(p []byte) (int, error)
	Control(requestType, request uint8, value, index uint16, data []byte) (int, error)
	Close() error
}

// Registry enumerates and opens scanner devices. It is passed explicitly to
// whatever needs device access; there is no process-wide device list.
type Registry interface {
	Devices() ([]DeviceInfo, error)
	Open(path string) (Device, error)
}

// FindFirst returns the first enumerated device with a known product id,
// or the first matching want when want is not ModelUnknown.
func FindFirst(r Registry, want Model) (DeviceInfo, error) {
	devs, err := r.Devices()
	if err != nil {
		return DeviceInfo{}, err
	}
	for _, d := range devs {
		m := d.Model()
		if m == ModelUnknown {
			continue
		}
		if want == ModelUnknown || want == m {
			return d, nil
		}
	}
	return DeviceInfo{}, fmt.Errorf("no %s scanner attached: %w", want, ErrInvalidParameter)
}
