package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/azymohliad/watchmate/internal/ble/protocol"
)

// Options configures client behavior.
type Options struct {
	OpTimeout    time.Duration // bounded timeout for a single read/write round-trip
	NotifyBuffer int           // per-subscriber notification buffer
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		OpTimeout:    5 * time.Second,
		NotifyBuffer: 16,
	}
}

// Client owns one connected transport handle and maps logical services onto
// GATT operations. All round-trips against the single physical link are
// serialized internally; concurrent callers queue rather than race the
// transport. The client never retries: retry policy lives in the Session.
type Client struct {
	conn Connection
	opts Options

	mu        sync.Mutex
	chars     map[protocol.Service]Characteristic
	connected bool
	subs      map[protocol.Service][]*Notifications
	linkLost  func()

	// opMu serializes read/write round-trips on the physical link.
	opMu sync.Mutex
}

// Connect establishes the transport connection, discovers services and
// negotiates optional capabilities. It fails with ErrUnreachable,
// ErrConnectTimeout or a ServiceMissingError.
func Connect(ctx context.Context, adapter Adapter, dev Device, opts Options) (*Client, error) {
	conn, err := adapter.Connect(ctx, dev.Address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, dev.Address)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, dev.Address, err)
	}
	return NewClient(conn, opts)
}

// NewClient resolves the service table against an established connection.
// Required services missing from the device fail with a ServiceMissingError
// and release the connection; optional services are negotiated and reported
// through Has.
func NewClient(conn Connection, opts Options) (*Client, error) {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = 16
	}
	c := &Client{
		conn:      conn,
		opts:      opts,
		chars:     make(map[protocol.Service]Characteristic, len(serviceTable)),
		subs:      make(map[protocol.Service][]*Notifications),
		connected: true,
	}
	for svc, b := range serviceTable {
		char, err := conn.DiscoverCharacteristic(b.serviceUUID, b.charUUID)
		if err != nil {
			if b.required {
				conn.Disconnect()
				return nil, &ServiceMissingError{Service: svc}
			}
			slog.Debug("[ble] optional service not present", "service", svc)
			continue
		}
		c.chars[svc] = char
	}
	conn.OnDisconnect(c.handleDisconnect)
	return c, nil
}

// SetLinkLostHandler registers a callback fired once when the transport
// drops unexpectedly. It is not fired on explicit Disconnect.
func (c *Client) SetLinkLostHandler(f func()) {
	c.mu.Lock()
	c.linkLost = f
	c.mu.Unlock()
}

// Connected reports whether the transport handle is currently connected.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Has reports whether the device exposes the given optional service.
func (c *Client) Has(svc protocol.Service) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chars[svc]
	return ok
}

// Read performs a single read round-trip and decodes the value.
func (c *Client) Read(ctx context.Context, svc protocol.Service) (protocol.Value, error) {
	char, err := c.characteristic(svc)
	if err != nil {
		return nil, err
	}
	c.opMu.Lock()
	data, err := c.roundTrip(ctx, svc, char.Read)
	c.opMu.Unlock()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(svc, data)
}

// Write encodes the value and performs a single write round-trip.
func (c *Client) Write(ctx context.Context, svc protocol.Service, v protocol.Value) error {
	char, err := c.characteristic(svc)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(svc, v)
	if err != nil {
		return err
	}
	c.opMu.Lock()
	_, err = c.roundTrip(ctx, svc, func() ([]byte, error) {
		return nil, char.Write(data)
	})
	c.opMu.Unlock()
	return err
}

// roundTrip runs one blocking transport operation under a bounded timeout.
// Caller holds opMu.
func (c *Client) roundTrip(ctx context.Context, svc protocol.Service, op func() ([]byte, error)) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := op()
		ch <- result{data, err}
	}()

	timer := time.NewTimer(c.opts.OpTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			if !c.Connected() {
				return nil, fmt.Errorf("%s: %w", svc, ErrDisconnected)
			}
			return nil, fmt.Errorf("ble: %s: %w", svc, res.err)
		}
		return res.data, nil
	case <-ctx.Done():
		// A caller-cancelled context is not a link timeout.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", svc, ErrTimeout)
		}
		return nil, fmt.Errorf("ble: %s: %w", svc, ctx.Err())
	case <-timer.C:
		if !c.Connected() {
			return nil, fmt.Errorf("%s: %w", svc, ErrDisconnected)
		}
		return nil, fmt.Errorf("%s: %w", svc, ErrTimeout)
	}
}

// Notifications is a cancellable stream of decoded values from one
// subscription. Multiple independent subscribers to the same service each
// receive every notification. A slow subscriber loses its oldest buffered
// values rather than stalling the link.
type Notifications struct {
	svc    protocol.Service
	client *Client

	mu     sync.Mutex
	ch     chan protocol.Value
	closed bool
}

// Chan returns the value stream. It is closed when the subscription is
// cancelled or the client disconnects.
func (n *Notifications) Chan() <-chan protocol.Value {
	return n.ch
}

// Cancel releases the subscription. The underlying BLE notification is
// disabled synchronously when the last subscriber for the service cancels.
func (n *Notifications) Cancel() {
	n.client.unsubscribe(n)
}

func (n *Notifications) deliver(v protocol.Value) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- v:
	default:
		// Buffer full: drop the oldest sample, then retry once.
		select {
		case <-n.ch:
		default:
		}
		select {
		case n.ch <- v:
		default:
		}
	}
}

func (n *Notifications) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.ch)
	}
}

// Subscribe returns a notification stream for the given service. The
// underlying BLE subscription is enabled for the first subscriber only.
func (c *Client) Subscribe(svc protocol.Service) (*Notifications, error) {
	b, ok := serviceTable[svc]
	if !ok || !b.notify {
		return nil, fmt.Errorf("ble: %s does not notify", svc)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("%s: %w", svc, ErrDisconnected)
	}
	char, ok := c.chars[svc]
	if !ok {
		return nil, fmt.Errorf("ble: %s not available on this device", svc)
	}

	n := &Notifications{
		svc:    svc,
		client: c,
		ch:     make(chan protocol.Value, c.opts.NotifyBuffer),
	}
	if len(c.subs[svc]) == 0 {
		if err := char.Subscribe(func(data []byte) {
			c.dispatch(svc, data)
		}); err != nil {
			return nil, fmt.Errorf("ble: subscribe %s: %w", svc, err)
		}
	}
	c.subs[svc] = append(c.subs[svc], n)
	return n, nil
}

// dispatch decodes one raw notification and fans it out to every subscriber
// in registration order.
func (c *Client) dispatch(svc protocol.Service, data []byte) {
	v, err := protocol.Decode(svc, data)
	if err != nil {
		// A malformed frame is a protocol bug or a firmware mismatch.
		slog.Error("[ble] malformed notification", "service", svc, "error", err)
		return
	}
	c.mu.Lock()
	subs := make([]*Notifications, len(c.subs[svc]))
	copy(subs, c.subs[svc])
	c.mu.Unlock()
	for _, n := range subs {
		n.deliver(v)
	}
}

func (c *Client) unsubscribe(n *Notifications) {
	c.mu.Lock()
	list := c.subs[n.svc]
	for i, sub := range list {
		if sub == n {
			c.subs[n.svc] = append(list[:i], list[i+1:]...)
			break
		}
	}
	last := len(c.subs[n.svc]) == 0 && c.connected
	char := c.chars[n.svc]
	c.mu.Unlock()

	if last && char != nil {
		if err := char.Unsubscribe(); err != nil {
			slog.Warn("[ble] unsubscribe failed", "service", n.svc, "error", err)
		}
	}
	n.close()
}

func (c *Client) characteristic(svc protocol.Service) (Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("%s: %w", svc, ErrDisconnected)
	}
	char, ok := c.chars[svc]
	if !ok {
		return nil, fmt.Errorf("ble: %s not available on this device", svc)
	}
	return char, nil
}

// handleDisconnect reacts to an unexpected link drop reported by the
// transport: it invalidates the handle, ends every notification stream and
// fires the link-lost handler.
func (c *Client) handleDisconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	linkLost := c.linkLost
	subs := c.takeSubsLocked()
	c.mu.Unlock()

	for _, n := range subs {
		n.close()
	}
	slog.Warn("[ble] link lost")
	if linkLost != nil {
		linkLost()
	}
}

// Disconnect releases the transport handle. Idempotent. Every subscriber
// receives end-of-stream before Disconnect returns.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	subs := c.takeSubsLocked()
	c.mu.Unlock()

	for _, n := range subs {
		n.close()
	}
	return c.conn.Disconnect()
}

// takeSubsLocked drains the subscription registry. Caller holds mu.
func (c *Client) takeSubsLocked() []*Notifications {
	var all []*Notifications
	for svc, list := range c.subs {
		all = append(all, list...)
		delete(c.subs, svc)
	}
	return all
}
