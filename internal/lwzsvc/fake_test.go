package lwzsvc

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// fakeEndpoint records writes and serves canned reads. A non-nil gate makes
// Write consume one token per call, letting tests hold the writer goroutine
// mid-write.
type fakeEndpoint struct {
	mu     sync.Mutex
	gate   chan struct{}
	writes [][]byte
	reads  [][]byte
	closed bool
}

func (e *fakeEndpoint) Write(p []byte) (int, error) {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	e.writes = append(e.writes, buf)
	return len(p), nil
}

func (e *fakeEndpoint) ReadWithTimeout(p []byte, timeout time.Duration) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.reads) == 0 {
		return 0, nil
	}
	n := copy(p, e.reads[0])
	e.reads = e.reads[1:]
	return n, nil
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEndpoint) writeLog() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.writes))
	copy(out, e.writes)
	return out
}

// newFakeDevice builds a device over ep with a reference count of one and
// pacing disabled.
func newFakeDevice(ep HostDevice) *Device {
	d := &Device{
		log: zap.NewNop(),
		hdl: ep,
	}
	d.refs.Store(1)
	return d
}

// fakeHost is an in-memory Host with scriptable enumeration results and
// liveness probes.
type fakeHost struct {
	mu        sync.Mutex
	infos     []HostDeviceInfo
	endpoints map[string]*fakeEndpoint
	gone      map[string]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		endpoints: make(map[string]*fakeEndpoint),
		gone:      make(map[string]bool),
	}
}

// attach adds a matching unit to the enumeration results and returns its
// endpoint.
func (h *fakeHost) attach(unit int32, product string) *fakeEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	path := fmt.Sprintf("fake/hidraw%d", unit)
	ep := &fakeEndpoint{}
	h.endpoints[path] = ep
	h.infos = append(h.infos, HostDeviceInfo{
		Path:               path,
		VendorID:           VendorID,
		ProductID:          uint16(ProductIDMin + unit - 1),
		Product:            product,
		Collections:        1,
		OutputReportLength: OutputReportLength,
	})
	return ep
}

func (h *fakeHost) detach(unit int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	path := fmt.Sprintf("fake/hidraw%d", unit)
	h.gone[path] = true
	infos := h.infos[:0]
	for _, info := range h.infos {
		if info.Path != path {
			infos = append(infos, info)
		}
	}
	h.infos = infos
}

func (h *fakeHost) Enumerate() ([]HostDeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	infos := make([]HostDeviceInfo, len(h.infos))
	copy(infos, h.infos)
	return infos, nil
}

func (h *fakeHost) Open(path string) (HostDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, ok := h.endpoints[path]
	if !ok || h.gone[path] {
		return nil, fmt.Errorf("no such device: %s", path)
	}
	return ep, nil
}

func (h *fakeHost) Probe(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.gone[path]
}

// fakeSink is an EventSink tests trigger by hand.
type fakeSink struct {
	mu      sync.Mutex
	handler EventHandler
}

func (s *fakeSink) Install(h EventHandler) (EventHandler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.handler
	s.handler = h
	return prev, nil
}

func (s *fakeSink) Uninstall(prev EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = prev
}

func (s *fakeSink) installed() EventHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *fakeSink) arrival() {
	if h := s.installed(); h != nil {
		h.DeviceArrived()
	}
}

func (s *fakeSink) removal() {
	if h := s.installed(); h != nil {
		h.DeviceRemoved()
	}
}
