package linux

import (
	"context"
	"fmt"

	"github.com/ledwizd/ledwizd/internal/lwzsvc"
	"github.com/psanford/uhid"
	"go.uber.org/zap"
)

// emulatorDescriptor is a one-collection vendor descriptor with an 8-byte
// unnumbered output report (9 bytes including the report-id byte) and an
// 8-byte input report, matching the capability filter the registry applies.
var emulatorDescriptor = []byte{
	0x06, 0x00, 0xFF, // Usage Page (Vendor Defined)
	0x09, 0x01, //       Usage (1)
	0xA1, 0x01, //       Collection (Application)
	0x15, 0x00, //         Logical Minimum (0)
	0x26, 0xFF, 0x00, //   Logical Maximum (255)
	0x75, 0x08, //         Report Size (8)
	0x95, 0x08, //         Report Count (8)
	0x09, 0x01, //         Usage (1)
	0x91, 0x02, //         Output (Data,Var,Abs)
	0x95, 0x08, //         Report Count (8)
	0x09, 0x01, //         Usage (1)
	0x81, 0x02, //         Input (Data,Var,Abs)
	0xC0, //             End Collection
}

// Emulator exposes a virtual LedWiz unit through uhid and decodes the
// reports written to it. It lets the full stack be driven without
// hardware attached.
type Emulator struct {
	log  *zap.Logger
	unit int32
}

func NewEmulator(log *zap.Logger, unit int32) (*Emulator, error) {
	if unit < 1 || unit > lwzsvc.MaxDevices {
		return nil, fmt.Errorf("unit out of range: %d", unit)
	}
	return &Emulator{log: log, unit: unit}, nil
}

// Run creates the uhid device and decodes incoming output reports until the
// context is cancelled.
func (e *Emulator) Run(ctx context.Context) error {
	dev, err := uhid.NewDevice(fmt.Sprintf("ledwiz-emu-%d", e.unit), emulatorDescriptor)
	if err != nil {
		return fmt.Errorf("failed to create uhid device: %w", err)
	}
	dev.Data.Bus = 0x03
	dev.Data.VendorID = lwzsvc.VendorID
	dev.Data.ProductID = uint32(lwzsvc.ProductIDMin + e.unit - 1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := dev.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open uhid device: %w", err)
	}
	defer dev.Close()

	e.log.Info("Emulating unit", zap.Int32("unit", e.unit))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			if event.Type != uhid.Output {
				continue
			}
			e.decode(event.Data)
		}
	}
}

func (e *Emulator) decode(data []byte) {
	// hidraw prepends a zero report number for unnumbered reports.
	if len(data) > 0 && data[0] == 0 && (len(data) == 9 || len(data) == 33) {
		data = data[1:]
	}

	switch {
	case len(data) == 8 && data[0] == 0x40:
		e.log.Info("SBA",
			zap.Uint8("bank0", data[1]),
			zap.Uint8("bank1", data[2]),
			zap.Uint8("bank2", data[3]),
			zap.Uint8("bank3", data[4]),
			zap.Uint8("pulseSpeed", data[5]))
	case len(data) == 32:
		e.log.Info("PBA", zap.Uint8s("profile", data))
	default:
		e.log.Info("raw report", zap.Binary("data", data))
	}
}
