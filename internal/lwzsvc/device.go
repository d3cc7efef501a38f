package lwzsvc

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultMinWriteInterval is the pacing applied between successive writes to
// a genuine LedWiz. The controller processes output reports at a limited
// rate; writing faster than this makes it drop reports.
const DefaultMinWriteInterval = 10 * time.Millisecond

// readTimeout bounds Device.Read. Reads are best-effort only.
const readTimeout = 50 * time.Millisecond

// maxPayload is the largest report payload the controller accepts.
const maxPayload = 32

// Device is a reference-counted wrapper around an opened HID endpoint.
// The registry slot holds one reference; every queued chunk targeting the
// device holds another. When the count drops to zero the endpoint is closed.
//
// All operations are total: they return zero or no-op on failure and never
// propagate errors. Liveness is detected separately by reopening the path.
type Device struct {
	log  *zap.Logger
	hdl  HostDevice
	path string
	refs atomic.Int32

	mu               sync.Mutex
	minWriteInterval time.Duration
	lastWrite        time.Time
}

// openDevice opens the endpoint at path and returns a device with a
// reference count of one.
func openDevice(log *zap.Logger, host Host, path string) (*Device, error) {
	hdl, err := host.Open(path)
	if err != nil {
		return nil, err
	}
	d := &Device{
		log:              log,
		hdl:              hdl,
		path:             path,
		minWriteInterval: DefaultMinWriteInterval,
	}
	d.refs.Store(1)
	return d, nil
}

func (d *Device) AddRef() {
	d.refs.Inc()
}

// Release drops one reference and closes the endpoint when the count
// reaches zero.
func (d *Device) Release() {
	if d.refs.Dec() == 0 {
		if err := d.hdl.Close(); err != nil {
			d.log.Debug("close failed", zap.String("path", d.path), zap.Error(err))
		}
	}
}

// Path returns the host device path this device was opened from.
func (d *Device) Path() string {
	return d.path
}

// Handle returns the underlying host endpoint for capability queries.
func (d *Device) Handle() HostDevice {
	return d.hdl
}

// SetMinWriteInterval adjusts the pacing between successive writes. Zero
// disables pacing entirely.
func (d *Device) SetMinWriteInterval(interval time.Duration) {
	d.mu.Lock()
	d.minWriteInterval = interval
	d.mu.Unlock()
}

// MinWriteInterval returns the current pacing setting.
func (d *Device) MinWriteInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minWriteInterval
}

// Write sends up to 32 payload bytes as one output report, prefixed with a
// zero report-id byte. If pacing is configured, the call blocks until the
// minimum interval since the last successful write has elapsed. Returns the
// number of payload bytes written, or 0 on failure.
func (d *Device) Write(p []byte) int {
	if len(p) == 0 || len(p) > maxPayload {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.minWriteInterval > 0 && !d.lastWrite.IsZero() {
		if wait := d.minWriteInterval - time.Since(d.lastWrite); wait > 0 {
			time.Sleep(wait)
		}
	}

	report := make([]byte, len(p)+1)
	report[0] = 0 // report id
	copy(report[1:], p)

	n, err := d.hdl.Write(report)
	if err != nil || n <= 0 {
		d.log.Debug("write failed", zap.String("path", d.path), zap.Error(err))
		return 0
	}
	d.lastWrite = time.Now()
	return len(p)
}

// Read performs a best-effort blocking read with a short timeout. Returns
// the number of bytes read, or 0 on timeout or error.
func (d *Device) Read(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	n, err := d.hdl.ReadWithTimeout(p, readTimeout)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ClearInput drains any pending input reports with non-blocking reads.
// Advisory only.
func (d *Device) ClearInput(reportLen int) {
	if reportLen <= 0 {
		return
	}
	buf := make([]byte, reportLen)
	for {
		n, err := d.hdl.ReadWithTimeout(buf, 0)
		if err != nil || n <= 0 {
			return
		}
	}
}
