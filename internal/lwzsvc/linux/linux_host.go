// Package linux implements the lwzsvc host surface on top of hidapi, udev
// and uhid.
package linux

import (
	"fmt"
	"sync"
	"time"

	"github.com/ledwizd/ledwizd/internal/lwzsvc"
	"github.com/sstallion/go-hid"
	"go.uber.org/zap"
)

const descriptorBufSize = 4096

// Host enumerates and opens HID endpoints through hidapi.
type Host struct {
	log      *zap.Logger
	initOnce sync.Once
}

func NewHost(log *zap.Logger) *Host {
	return &Host{log: log}
}

func (h *Host) init() {
	h.initOnce.Do(func() {
		hid.Init()
	})
}

// Enumerate lists every HID endpoint on the system. Capability queries
// (collection count, output report length) are performed only for endpoints
// carrying the LedWiz vendor ID; they require opening the device.
func (h *Host) Enumerate() ([]lwzsvc.HostDeviceInfo, error) {
	h.init()
	var infos []lwzsvc.HostDeviceInfo
	err := hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, func(info *hid.DeviceInfo) error {
		hi := lwzsvc.HostDeviceInfo{
			Path:      info.Path,
			VendorID:  info.VendorID,
			ProductID: info.ProductID,
			Product:   info.ProductStr,
		}
		if info.VendorID == lwzsvc.VendorID {
			caps, err := h.queryCaps(info.Path)
			if err != nil {
				h.log.Debug("capability query failed", zap.String("path", info.Path), zap.Error(err))
			} else {
				hi.Collections = caps.Collections
				hi.OutputReportLength = caps.OutputReportLength
			}
		}
		infos = append(infos, hi)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hid enumeration failed: %w", err)
	}
	return infos, nil
}

func (h *Host) queryCaps(path string) (Caps, error) {
	dev, err := hid.OpenPath(path)
	if err != nil {
		return Caps{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer dev.Close()

	buf := make([]byte, descriptorBufSize)
	n, err := dev.GetReportDescriptor(buf)
	if err != nil {
		return Caps{}, fmt.Errorf("failed to read report descriptor: %w", err)
	}
	return ParseCaps(buf[:n])
}

// Open opens the endpoint at path for shared read-write access.
func (h *Host) Open(path string) (lwzsvc.HostDevice, error) {
	h.init()
	dev, err := hid.OpenPath(path)
	if err != nil {
		return nil, err
	}
	return &hostDevice{dev: dev}, nil
}

// Probe attempts to reopen path and reports whether it succeeded. Used as
// the liveness check after a removal event.
func (h *Host) Probe(path string) bool {
	h.init()
	dev, err := hid.OpenPath(path)
	if err != nil {
		return false
	}
	dev.Close()
	return true
}

type hostDevice struct {
	dev *hid.Device
}

func (d *hostDevice) Write(p []byte) (int, error) {
	return d.dev.Write(p)
}

func (d *hostDevice) ReadWithTimeout(p []byte, timeout time.Duration) (int, error) {
	return d.dev.ReadWithTimeout(p, timeout)
}

func (d *hostDevice) Close() error {
	return d.dev.Close()
}
