package lwzsvc

import (
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/net/context"
)

// NotifyReason is passed to client callbacks on device transitions.
type NotifyReason int32

const (
	ReasonAdd    NotifyReason = 1
	ReasonDelete NotifyReason = 2
)

// NotifyFunc is the simple transition callback.
type NotifyFunc func(reason NotifyReason, unit int32)

// NotifyExFunc additionally receives the opaque user value registered with
// SetNotifyEx.
type NotifyExFunc func(user any, reason NotifyReason, unit int32)

// DeviceList is a client-owned list of attached unit handles. The service
// updates it on attach and detach transitions; the client reads it. The
// list is fully updated before the first callback of a scan is invoked.
type DeviceList struct {
	Handles    [MaxDevices]int32
	NumDevices int32
}

type slot struct {
	dev     *Device
	path    string
	product string
}

// notification is a callback invocation recorded under the service mutex
// and dispatched after it is released.
type notification struct {
	reason NotifyReason
	unit   int32
	cb     NotifyFunc
	cbEx   NotifyExFunc
	user   any
}

var defaultOptions = serviceOptions{
	passthroughProducts: []string{"Pinscape Controller"},
	minWriteInterval:    DefaultMinWriteInterval,
}

type serviceOptions struct {
	passthroughProducts []string
	minWriteInterval    time.Duration
	store               *Store
	lockName            string
}

type Option func(*serviceOptions)

// WithPassthroughProducts sets the product-string tokens that identify
// devices needing no write pacing.
func WithPassthroughProducts(tokens []string) Option {
	return func(o *serviceOptions) {
		o.passthroughProducts = tokens
	}
}

// WithMinWriteInterval sets the default pacing applied to newly attached
// devices.
func WithMinWriteInterval(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.minWriteInterval = d
	}
}

// WithStore attaches a metadata store recording unit first/last-seen times.
func WithStore(store *Store) Option {
	return func(o *serviceOptions) {
		o.store = store
	}
}

// WithProcessLockName overrides the advisory process lock name.
func WithProcessLockName(name string) Option {
	return func(o *serviceOptions) {
		o.lockName = name
	}
}

// Service mediates between client calls and the LedWiz family of output
// controllers. It maintains the 16-slot registry of attached units, owns
// the write queue, and delivers attach/detach notifications.
//
// All public operations are synchronous and safe for concurrent use.
// Client callbacks are invoked outside the service mutex, so a callback may
// call back into any public operation on the same goroutine.
type Service struct {
	log     *zap.Logger
	host    Host
	queue   *Queue
	options serviceOptions
	ready   chan struct{}

	attached *xsync.MapOf[int32, struct{}]

	mu       sync.Mutex
	devices  [MaxDevices]slot
	list     *DeviceList
	cb       NotifyFunc
	cbEx     NotifyExFunc
	user     any
	sink     EventSink
	sinkPrev EventHandler
	proclock *processLock

	closeOnce sync.Once
}

// New creates the service and starts the write queue's writer goroutine.
func New(log *zap.Logger, host Host, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.lockName == "" {
		options.lockName = defaultProcessLockName
	}
	return &Service{
		log:      log,
		host:     host,
		queue:    OpenQueue(log.Named("queue")),
		options:  options,
		ready:    make(chan struct{}),
		attached: xsync.NewMapOf[int32, struct{}](),
	}
}

// Start acquires the advisory process lock and blocks until the context is
// cancelled, then tears the service down.
func (s *Service) Start(ctx context.Context) error {
	lock, err := acquireProcessLock(s.options.lockName)
	if err != nil {
		// Advisory only; it does not gate I/O correctness.
		s.log.Warn("process lock unavailable", zap.Error(err))
	} else {
		s.mu.Lock()
		s.proclock = lock
		s.mu.Unlock()
	}

	close(s.ready)
	s.log.Info("Service started")
	<-ctx.Done()
	s.Close(false)
	return nil
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Close releases all devices, unhooks the event sink and shuts the queue
// down. With unloading set, queue shutdown waits on the writer-exited
// signal instead of joining. Safe to call more than once.
func (s *Service) Close(unloading bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.freeAllLocked()
		s.unregisterLocked()
		lock := s.proclock
		s.proclock = nil
		s.mu.Unlock()

		s.queue.Close(unloading)

		if lock != nil {
			lock.release()
		}
	})
}

//
// Public operations
//

// SBA enqueues a switch-bank assignment: four 8-bit on/off banks plus the
// global pulse speed (1..7).
func (s *Service) SBA(unit int32, bank0, bank1, bank2, bank3, pulseSpeed byte) {
	d := s.refDevice(unit)
	if d == nil {
		return
	}
	defer d.Release()

	data := []byte{0x40, bank0, bank1, bank2, bank3, pulseSpeed, 0, 0}
	s.queue.Push(d, PacketSBA, data)
}

// PBA enqueues a profile assignment: 32 per-output values, 1..48 for PWM
// duty or 129..132 for the auto-pulse modes.
func (s *Service) PBA(unit int32, profile []byte) {
	if len(profile) != maxPayload {
		return
	}
	d := s.refDevice(unit)
	if d == nil {
		return
	}
	defer d.Release()

	s.queue.Push(d, PacketPBA, profile)
}

// RawWrite enqueues up to 32 bytes unchanged and returns the count accepted
// by the queue.
func (s *Service) RawWrite(unit int32, p []byte) int {
	if len(p) == 0 {
		return 0
	}
	if len(p) > maxPayload {
		p = p[:maxPayload]
	}
	d := s.refDevice(unit)
	if d == nil {
		return 0
	}
	defer d.Release()

	return s.queue.Push(d, PacketRAW, p)
}

// RawRead drains the write queue, then reads from the device. At most 64
// bytes are read. Returns the number of bytes read, 0 on timeout or error.
func (s *Service) RawRead(unit int32, p []byte) int {
	if len(p) == 0 {
		return 0
	}
	if len(p) > 64 {
		p = p[:64]
	}
	d := s.refDevice(unit)
	if d == nil {
		return 0
	}
	defer d.Release()

	s.queue.WaitEmpty()
	return d.Read(p)
}

// Register hooks the service into a host-provided hotplug event sink. The
// call is refused when the service is already hooked into a different sink,
// when no notification callback has been set, or when the slot for unit is
// empty. A nil sink unregisters and restores the previously installed
// handler.
func (s *Service) Register(unit int32, sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sink == nil {
		s.unregisterLocked()
		return
	}
	if s.sink != nil && s.sink != sink {
		return
	}
	if s.cb == nil && s.cbEx == nil {
		return
	}
	idx := int(unit) - 1
	if idx < 0 || idx >= MaxDevices {
		return
	}
	if s.devices[idx].dev == nil {
		return
	}
	if s.sink == sink {
		return
	}

	h := &sinkHandler{svc: s}
	prev, err := sink.Install(h)
	if err != nil {
		s.log.Error("failed to install hotplug handler", zap.Error(err))
		return
	}
	h.prev = prev
	s.sink = sink
	s.sinkPrev = prev
}

// SetNotify installs the simple transition callback and the client device
// list. The internal slot table is freed first so that the rescan re-emits
// an add for every attached device, including ones seen on a previous scan.
func (s *Service) SetNotify(cb NotifyFunc, list *DeviceList) {
	s.mu.Lock()
	s.freeAllLocked()

	s.cb = cb
	s.list = list
	if s.list != nil {
		*s.list = DeviceList{}
	}

	pending := s.rescanAttachedLocked()
	s.mu.Unlock()

	s.dispatch(pending)
}

// SetNotifyEx installs the extended callback with its opaque user value.
// Unlike SetNotify it keeps the slot table, so only genuinely new devices
// produce an add on the rescan.
func (s *Service) SetNotifyEx(cb NotifyExFunc, user any, list *DeviceList) {
	s.mu.Lock()
	s.cbEx = cb
	s.user = user
	s.list = list
	if s.list != nil {
		*s.list = DeviceList{}
	}

	pending := s.rescanAttachedLocked()
	s.mu.Unlock()

	s.dispatch(pending)
}

// IsAttached reports whether unit currently occupies a slot.
func (s *Service) IsAttached(unit int32) bool {
	_, ok := s.attached.Load(unit)
	return ok
}

// Units returns the handles of all attached units in ascending order.
func (s *Service) Units() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var units []int32
	for i := range s.devices {
		if s.devices[i].dev != nil {
			units = append(units, int32(i+1))
		}
	}
	return units
}

// Tuning carries the live-reloadable device parameters.
type Tuning struct {
	PassthroughProducts []string
	MinWriteInterval    time.Duration
}

// ApplyTuning updates the pacing defaults and re-tunes every attached
// device.
func (s *Service) ApplyTuning(t Tuning) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.PassthroughProducts != nil {
		s.options.passthroughProducts = t.PassthroughProducts
	}
	if t.MinWriteInterval > 0 {
		s.options.minWriteInterval = t.MinWriteInterval
	}
	for i := range s.devices {
		d := s.devices[i].dev
		if d == nil {
			continue
		}
		d.SetMinWriteInterval(s.deviceInterval(s.devices[i].product))
	}
}

//
// Registry internals. All *Locked methods require s.mu.
//

func (s *Service) refDevice(unit int32) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := int(unit) - 1
	if idx < 0 || idx >= MaxDevices {
		return nil
	}
	d := s.devices[idx].dev
	if d != nil {
		d.AddRef()
	}
	return d
}

func (s *Service) deviceInterval(product string) time.Duration {
	for _, token := range s.options.passthroughProducts {
		if token != "" && strings.Contains(product, token) {
			return 0
		}
	}
	return s.options.minWriteInterval
}

// rescanAttachedLocked enumerates the host's HID endpoints and claims every
// matching device whose slot is still empty. Returns the recorded add
// notifications; the caller dispatches them after releasing s.mu.
func (s *Service) rescanAttachedLocked() []notification {
	infos, err := s.host.Enumerate()
	if err != nil {
		s.log.Error("enumeration failed", zap.Error(err))
		return nil
	}

	var newUnits []int
	for _, info := range infos {
		if info.VendorID != VendorID {
			continue
		}
		idx := int(info.ProductID) - ProductIDMin
		if idx < 0 || idx >= MaxDevices {
			continue
		}
		if info.Collections != 1 || info.OutputReportLength != OutputReportLength {
			continue
		}
		if s.devices[idx].dev != nil {
			continue
		}

		dev, err := openDevice(s.log.Named("dev"), s.host, info.Path)
		if err != nil {
			s.log.Debug("open failed", zap.String("path", info.Path), zap.Error(err))
			continue
		}
		dev.SetMinWriteInterval(s.deviceInterval(info.Product))

		s.devices[idx] = slot{dev: dev, path: info.Path, product: info.Product}
		s.attached.Store(int32(idx+1), struct{}{})
		newUnits = append(newUnits, idx)

		s.log.Debug("unit attached",
			zap.Int32("unit", int32(idx+1)),
			zap.String("product", info.Product),
			zap.Duration("pacing", dev.MinWriteInterval()))

		if s.options.store != nil {
			if err := s.options.store.Touch(int32(idx+1), info); err != nil {
				s.log.Warn("failed to record unit metadata", zap.Error(err))
			}
		}
	}

	return s.addBatchLocked(newUnits)
}

// addBatchLocked appends the new units to the client list and records one
// add notification per unit. The list must be fully updated before the
// first callback runs: some clients inspect it only during the first
// invocation of a scan and ignore the rest.
func (s *Service) addBatchLocked(newUnits []int) []notification {
	if s.list != nil {
		for _, idx := range newUnits {
			h := int32(idx + 1)
			found := false
			for j := int32(0); j < s.list.NumDevices; j++ {
				if s.list.Handles[j] == h {
					found = true
					break
				}
			}
			if !found && s.list.NumDevices < MaxDevices {
				s.list.Handles[s.list.NumDevices] = h
				s.list.NumDevices++
			}
		}
	}

	var pending []notification
	for _, idx := range newUnits {
		pending = append(pending, s.notificationLocked(ReasonAdd, int32(idx+1)))
	}
	return pending
}

// rescanDetachedLocked probes every occupied slot by reopening its stored
// path and releases the ones that fail.
func (s *Service) rescanDetachedLocked() []notification {
	var pending []notification
	for i := range s.devices {
		if s.devices[i].dev == nil {
			continue
		}
		if s.host.Probe(s.devices[i].path) {
			continue
		}

		s.devices[i].dev.Release()
		s.devices[i] = slot{}
		s.attached.Delete(int32(i + 1))
		s.log.Debug("unit detached", zap.Int32("unit", int32(i+1)))

		pending = append(pending, s.removeOneLocked(i))
	}
	return pending
}

// removeOneLocked drops the unit from the client list by swapping with the
// last entry and records the delete notification.
func (s *Service) removeOneLocked(idx int) notification {
	h := int32(idx + 1)
	if s.list != nil {
		for j := int32(0); j < s.list.NumDevices; j++ {
			if s.list.Handles[j] != h {
				continue
			}
			s.list.Handles[j] = s.list.Handles[s.list.NumDevices-1]
			s.list.Handles[s.list.NumDevices-1] = 0
			s.list.NumDevices--
			break
		}
	}
	return s.notificationLocked(ReasonDelete, h)
}

func (s *Service) freeAllLocked() {
	for i := range s.devices {
		if s.devices[i].dev != nil {
			s.devices[i].dev.Release()
			s.devices[i] = slot{}
		}
	}
	s.attached.Clear()
}

func (s *Service) unregisterLocked() {
	if s.sink == nil {
		return
	}
	s.sink.Uninstall(s.sinkPrev)
	s.sink = nil
	s.sinkPrev = nil
}

func (s *Service) notificationLocked(reason NotifyReason, unit int32) notification {
	return notification{
		reason: reason,
		unit:   unit,
		cb:     s.cb,
		cbEx:   s.cbEx,
		user:   s.user,
	}
}

// dispatch runs the recorded callbacks. It must be called without s.mu held
// so that callbacks may re-enter the public API.
func (s *Service) dispatch(pending []notification) {
	for _, n := range pending {
		if n.cb != nil {
			n.cb(n.reason, n.unit)
		}
		if n.cbEx != nil {
			n.cbEx(n.user, n.reason, n.unit)
		}
	}
}

// sinkHandler is the EventHandler the service installs on a hotplug sink.
// Events are forwarded to the previously installed handler after the
// service has processed them.
type sinkHandler struct {
	svc  *Service
	prev EventHandler
}

func (h *sinkHandler) DeviceArrived() {
	s := h.svc
	s.mu.Lock()
	pending := s.rescanAttachedLocked()
	s.mu.Unlock()
	s.dispatch(pending)

	if h.prev != nil {
		h.prev.DeviceArrived()
	}
}

func (h *sinkHandler) DeviceRemoved() {
	s := h.svc
	s.mu.Lock()
	pending := s.rescanDetachedLocked()
	s.mu.Unlock()
	s.dispatch(pending)

	if h.prev != nil {
		h.prev.DeviceRemoved()
	}
}

func (h *sinkHandler) SinkClosed() {
	s := h.svc
	s.mu.Lock()
	s.freeAllLocked()
	s.unregisterLocked()
	s.mu.Unlock()

	if h.prev != nil {
		h.prev.SinkClosed()
	}
}
