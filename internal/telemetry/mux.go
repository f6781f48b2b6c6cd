package telemetry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/azymohliad/watchmate/internal/ble"
	"github.com/azymohliad/watchmate/internal/ble/protocol"
)

// Sample is one decoded telemetry value, timestamped at receipt.
type Sample struct {
	Service protocol.Service
	Value   protocol.Value
	Time    time.Time
}

// Notifications is the consumer-side view of one device subscription.
// *ble.Notifications satisfies it.
type Notifications interface {
	Chan() <-chan protocol.Value
	Cancel()
}

// Source hands out device subscriptions. It is bound to the mux only while
// the session is Ready.
type Source interface {
	Subscribe(svc protocol.Service) (Notifications, error)
}

// ClientSource adapts a live GATT client to the Source interface.
type ClientSource struct {
	Client *ble.Client
}

func (s ClientSource) Subscribe(svc protocol.Service) (Notifications, error) {
	return s.Client.Subscribe(svc)
}

// Mux fans out device notifications to any number of consumers per service.
// Consumers survive link loss: rebinding to the reconnected client restores
// delivery without the consumer resubscribing. The device-side subscription
// for a service is held only while at least one consumer wants it.
type Mux struct {
	buf int

	mu       sync.Mutex
	source   Source
	services map[protocol.Service]*serviceFan
	closed   bool
}

type serviceFan struct {
	fan   *Fanout[Sample]
	notif Notifications // nil while unbound
}

// NewMux creates a multiplexer whose consumers buffer up to buf samples.
func NewMux(buf int) *Mux {
	if buf <= 0 {
		buf = 16
	}
	return &Mux{
		buf:      buf,
		services: make(map[protocol.Service]*serviceFan),
	}
}

// Consumer is one cancellable telemetry subscription.
type Consumer struct {
	svc    protocol.Service
	stream *Stream[Sample]
	mux    *Mux
	once   sync.Once
}

// Chan returns the sample stream. It is closed on mux teardown or Cancel.
func (c *Consumer) Chan() <-chan Sample {
	return c.stream.Chan()
}

// Cancel detaches this consumer. Other consumers of the same service are
// unaffected; the device-side subscription is released synchronously when
// the last consumer cancels.
func (c *Consumer) Cancel() {
	c.once.Do(func() {
		c.stream.Cancel()
		c.mux.release(c.svc)
	})
}

// Subscribe registers a consumer for a service. It may be called before a
// source is bound; samples start flowing once Bind is called.
func (m *Mux) Subscribe(svc protocol.Service) (*Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("telemetry: mux closed")
	}

	sf, ok := m.services[svc]
	if !ok {
		sf = &serviceFan{fan: NewFanout[Sample]()}
		m.services[svc] = sf
	}
	stream := sf.fan.Subscribe(m.buf)

	if m.source != nil && sf.notif == nil {
		if err := m.attachLocked(svc, sf); err != nil {
			stream.Cancel()
			if sf.fan.Subscribers() == 0 {
				delete(m.services, svc)
			}
			return nil, err
		}
	}
	return &Consumer{svc: svc, stream: stream, mux: m}, nil
}

// Bind attaches the mux to a live source, re-establishing the device-side
// subscription for every service that has consumers. Called by the session
// wiring on every transition to Ready, including reconnects.
func (m *Mux) Bind(source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.source = source
	for svc, sf := range m.services {
		if sf.notif != nil || sf.fan.Subscribers() == 0 {
			continue
		}
		if err := m.attachLocked(svc, sf); err != nil {
			slog.Warn("[telemetry] resubscribe failed", "service", svc, "error", err)
		}
	}
}

// Unbind detaches from the source, releasing every device-side
// subscription. Consumers stay registered and see a delivery gap, not an
// end-of-stream.
func (m *Mux) Unbind() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = nil
	for _, sf := range m.services {
		if sf.notif != nil {
			sf.notif.Cancel()
			sf.notif = nil
		}
	}
}

// Close tears the mux down: every consumer receives end-of-stream and all
// device-side subscriptions are released. Called on session destruction.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.source = nil
	services := m.services
	m.services = make(map[protocol.Service]*serviceFan)
	m.mu.Unlock()

	for _, sf := range services {
		if sf.notif != nil {
			sf.notif.Cancel()
		}
		sf.fan.Close()
	}
}

// attachLocked subscribes to the source and starts the pump. Caller holds mu.
func (m *Mux) attachLocked(svc protocol.Service, sf *serviceFan) error {
	notif, err := m.source.Subscribe(svc)
	if err != nil {
		return err
	}
	sf.notif = notif
	go m.pump(svc, notif, sf.fan)
	return nil
}

// pump forwards decoded values into the per-service fanout until the
// subscription ends (cancel or link loss).
func (m *Mux) pump(svc protocol.Service, notif Notifications, fan *Fanout[Sample]) {
	for v := range notif.Chan() {
		fan.Publish(Sample{Service: svc, Value: v, Time: time.Now()})
	}
	m.mu.Lock()
	if sf, ok := m.services[svc]; ok && sf.notif == notif {
		sf.notif = nil
	}
	m.mu.Unlock()
}

// release drops the device-side subscription if no consumer remains.
func (m *Mux) release(svc protocol.Service) {
	m.mu.Lock()
	sf, ok := m.services[svc]
	if !ok || sf.fan.Subscribers() > 0 {
		m.mu.Unlock()
		return
	}
	notif := sf.notif
	delete(m.services, svc)
	m.mu.Unlock()

	if notif != nil {
		notif.Cancel()
	}
}
