package linux

import (
	"context"
	"fmt"
	"sync"

	"github.com/jochenvg/go-udev"
	"github.com/ledwizd/ledwizd/internal/lwzsvc"
	"github.com/ledwizd/ledwizd/pkg/bus"
	"go.uber.org/zap"
)

// EventKind classifies hotplug events.
type EventKind uint8

const (
	EventArrival EventKind = iota
	EventRemoval
)

// HotplugEvent is published on the sink's bus for every hidraw add or remove
// uevent.
type HotplugEvent struct {
	Kind EventKind
	Node string
}

type (
	HotplugBus = bus.Bus[EventKind, HotplugEvent]
)

// UdevSink is the Linux hotplug event sink. A udev netlink monitor filtered
// to the hidraw subsystem feeds a bus; a single pump goroutine dispatches
// events to the installed handler chain, so handlers always run on the same
// goroutine. Additional observers may subscribe through Events.
type UdevSink struct {
	log   *zap.Logger
	bus   *HotplugBus
	ready chan struct{}

	mu      sync.Mutex
	handler lwzsvc.EventHandler
}

func NewUdevSink(log *zap.Logger) *UdevSink {
	return &UdevSink{
		log:   log,
		bus:   bus.NewBus[EventKind, HotplugEvent](log.Named("bus")),
		ready: make(chan struct{}),
	}
}

func (s *UdevSink) Ready() <-chan struct{} {
	return s.ready
}

// Events returns a subscription to all hotplug events, independent of the
// installed handler.
func (s *UdevSink) Events(ctx context.Context) <-chan bus.Message[EventKind, HotplugEvent] {
	return s.bus.Subscribe(ctx)
}

// Start runs the udev monitor until the context is cancelled. On shutdown
// the installed handler receives SinkClosed.
func (s *UdevSink) Start(ctx context.Context) error {
	if err := s.bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hotplug bus: %w", err)
	}

	u := udev.Udev{}
	m := u.NewMonitorFromNetlink("udev")
	if m == nil {
		return fmt.Errorf("failed to create udev monitor")
	}

	ch, err := m.DeviceChan(ctx)
	if err != nil {
		return fmt.Errorf("failed to start udev monitor: %w", err)
	}

	go s.pump(ctx)

	close(s.ready)
	s.log.Info("Hotplug monitor started")

	for {
		select {
		case <-ctx.Done():
			s.closed()
			return nil
		case d, ok := <-ch:
			if !ok {
				s.closed()
				return nil
			}
			if d.Subsystem() != "hidraw" {
				continue
			}
			switch d.Action() {
			case "add":
				s.bus.Publish(ctx, EventArrival, HotplugEvent{Kind: EventArrival, Node: d.Devnode()})
			case "remove":
				s.bus.Publish(ctx, EventRemoval, HotplugEvent{Kind: EventRemoval, Node: d.Devnode()})
			}
		}
	}
}

// pump dispatches bus events to the installed handler. The handler is read
// under the mutex but invoked outside it: handlers take locks of their own,
// and Install may be called while a dispatch is in flight.
func (s *UdevSink) pump(ctx context.Context) {
	ch := s.bus.Subscribe(ctx, EventArrival, EventRemoval)
	for msg := range ch {
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h == nil {
			continue
		}
		switch msg.Key {
		case EventArrival:
			h.DeviceArrived()
		case EventRemoval:
			h.DeviceRemoved()
		}
	}
}

func (s *UdevSink) closed() {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.SinkClosed()
	}
}

// Install replaces the current handler, returning the previous one so the
// new handler can chain to it.
func (s *UdevSink) Install(h lwzsvc.EventHandler) (lwzsvc.EventHandler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.handler
	s.handler = h
	return prev, nil
}

// Uninstall restores a previously returned handler.
func (s *UdevSink) Uninstall(prev lwzsvc.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = prev
}
