package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the device session connection state.
type State int

const (
	StateDisconnected State = iota
	StateDiscovering
	StateConnecting
	StateResolvingServices
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateResolvingServices:
		return "resolving-services"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionOptions configures session behavior.
type SessionOptions struct {
	DeviceName     string        // advertised name used during discovery
	Address        string        // pinned transport address; empty means discover by name
	ScanTimeout    time.Duration // bound on discovery
	ConnectTimeout time.Duration // bound on one connection attempt
	ReconnectMax   int           // max reconnect backoff in seconds
	Client         Options
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		DeviceName:     DefaultDeviceName,
		ScanTimeout:    15 * time.Second,
		ConnectTimeout: 20 * time.Second,
		ReconnectMax:   30,
		Client:         DefaultOptions(),
	}
}

// ErrSessionClosed is returned for operations on an explicitly
// disconnected session.
var ErrSessionClosed = errors.New("ble: session closed")

// Session supervises one device connection: discovery, connecting, service
// resolution and reconnection after link loss. It owns the GATT client;
// collaborators receive the live client through the OnReady hook and must
// stop using it when OnLinkDown or OnClosed fires.
type Session struct {
	adapter Adapter
	opts    SessionOptions

	mu     sync.Mutex
	state  State
	reason error // terminal failure reason, nil while healthy
	dev    Device
	bound  bool
	client *Client
	closed bool
	stop   chan struct{}

	reconnecting atomic.Bool

	onReady    []func(*Client)
	onLinkDown []func()
	onClosed   []func()

	statusSubs []*StatusStream
}

// NewSession creates a session for one device. The device handle is bound
// on the first successful discovery and is immutable afterwards.
func NewSession(adapter Adapter, opts SessionOptions) *Session {
	if opts.DeviceName == "" {
		opts.DeviceName = DefaultDeviceName
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 15 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30
	}
	return &Session{
		adapter: adapter,
		opts:    opts,
		stop:    make(chan struct{}),
	}
}

// OnReady registers a hook fired with the live client whenever the session
// reaches Ready, including after a reconnect.
func (s *Session) OnReady(f func(*Client)) {
	s.mu.Lock()
	s.onReady = append(s.onReady, f)
	s.mu.Unlock()
}

// OnLinkDown registers a hook fired when the link drops unexpectedly,
// before reconnection starts.
func (s *Session) OnLinkDown(f func()) {
	s.mu.Lock()
	s.onLinkDown = append(s.onLinkDown, f)
	s.mu.Unlock()
}

// OnClosed registers a hook fired on explicit disconnect or terminal failure.
func (s *Session) OnClosed(f func()) {
	s.mu.Lock()
	s.onClosed = append(s.onClosed, f)
	s.mu.Unlock()
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal failure reason, if the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Client returns the live GATT client, or nil outside Ready.
func (s *Session) Client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil
	}
	return s.client
}

// Device returns the bound device handle.
func (s *Session) Device() (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev, s.bound
}

// Connect drives the session to Ready: discovery (when no address is
// pinned), transport connection and service resolution. Non-transient
// failures land in Disconnected with a recorded reason; the session does
// not auto-retry discovery.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateDisconnected {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("ble: cannot connect from state %s", st)
	}
	s.mu.Unlock()

	dev := Device{Address: s.opts.Address, Name: s.opts.DeviceName}
	if dev.Address == "" {
		s.setState(StateDiscovering)
		found, err := s.discover(ctx)
		if err != nil {
			return s.fail(err)
		}
		dev = found
	}

	s.mu.Lock()
	s.dev = dev
	s.bound = true
	s.mu.Unlock()

	client, err := s.establish(ctx)
	if err != nil {
		return s.fail(err)
	}
	s.ready(client)
	return nil
}

// Disconnect tears the session down: the reconnect loop stops, the client
// is released and every status subscriber receives end-of-stream. Idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateDisconnected
	client := s.client
	s.client = nil
	close(s.stop)
	subs := s.statusSubs
	s.statusSubs = nil
	hooks := make([]func(), len(s.onClosed))
	copy(hooks, s.onClosed)
	s.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	for _, sub := range subs {
		sub.deliver(StateDisconnected)
		sub.close()
	}
	for _, f := range hooks {
		f()
	}
	slog.Info("[session] disconnected")
	return nil
}

func (s *Session) discover(ctx context.Context) (Device, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
	defer cancel()
	devices, err := s.adapter.Scan(scanCtx, s.opts.DeviceName)
	if err != nil {
		return Device{}, fmt.Errorf("ble: discovery: %w", err)
	}
	if len(devices) == 0 {
		return Device{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, s.opts.DeviceName)
	}
	slog.Info("[session] device found", "name", devices[0].Name, "address", devices[0].Address, "rssi", devices[0].RSSI)
	return devices[0], nil
}

// establish performs one connection attempt against the bound device.
func (s *Session) establish(ctx context.Context) (*Client, error) {
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()

	s.setState(StateConnecting)
	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	conn, err := s.adapter.Connect(cctx, dev.Address)
	if err != nil {
		if cctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, dev.Address)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, dev.Address, err)
	}

	s.setState(StateResolvingServices)
	client, err := NewClient(conn, s.opts.Client)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Session) ready(client *Client) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.Disconnect()
		return
	}
	s.client = client
	s.reason = nil
	hooks := make([]func(*Client), len(s.onReady))
	copy(hooks, s.onReady)
	s.mu.Unlock()

	client.SetLinkLostHandler(s.handleLinkLoss)
	s.setState(StateReady)
	for _, f := range hooks {
		f(client)
	}
}

// fail records a terminal reason and tears the session down. A terminal
// failure ends the session the same way an explicit Disconnect does: status
// subscribers receive a final Disconnected state and end-of-stream, and the
// OnClosed hooks fire so collaborators release their consumers instead of
// blocking on a session that will never recover.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.reason = err
	s.state = StateDisconnected
	s.client = nil
	close(s.stop)
	subs := s.statusSubs
	s.statusSubs = nil
	hooks := make([]func(), len(s.onClosed))
	copy(hooks, s.onClosed)
	s.mu.Unlock()

	slog.Error("[session] terminal failure", "error", err)
	for _, sub := range subs {
		sub.deliver(StateDisconnected)
		sub.close()
	}
	for _, f := range hooks {
		f()
	}
	return err
}

// handleLinkLoss is fired by the client on an unexpected transport drop.
// Only one reconnect loop runs at a time.
func (s *Session) handleLinkLoss() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.client = nil
	hooks := make([]func(), len(s.onLinkDown))
	copy(hooks, s.onLinkDown)
	s.mu.Unlock()

	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	s.setState(StateReconnecting)
	for _, f := range hooks {
		f()
	}
	go s.reconnectLoop()
}

// reconnectLoop retries the connection with exponential backoff, bounded
// delay and unbounded attempts, until explicit Disconnect or a
// non-transient failure.
func (s *Session) reconnectLoop() {
	defer s.reconnecting.Store(false)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.opts.ReconnectMax)
			slog.Info("[session] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-s.stop:
				return
			}
		}
		select {
		case <-s.stop:
			return
		default:
		}

		client, err := s.establish(context.Background())
		if err != nil {
			var missing *ServiceMissingError
			if errors.As(err, &missing) {
				// The device no longer exposes a required service; retrying
				// cannot fix a firmware mismatch.
				s.fail(err)
				return
			}
			slog.Warn("[session] reconnect failed", "error", err, "attempt", attempt+1)
			s.setState(StateReconnecting)
			continue
		}

		s.mu.Lock()
		addr := s.dev.Address
		s.mu.Unlock()
		slog.Info("[session] reconnected", "address", addr)
		s.ready(client)
		return
	}
}

// StatusStream is a cancellable fan-out subscription to session state
// transitions, consumed by the desktop bridge.
type StatusStream struct {
	mu     sync.Mutex
	ch     chan State
	closed bool
	sess   *Session
}

// Chan returns the state stream. It is closed on session teardown.
func (ss *StatusStream) Chan() <-chan State {
	return ss.ch
}

// Cancel detaches this subscriber without affecting others.
func (ss *StatusStream) Cancel() {
	ss.sess.mu.Lock()
	for i, sub := range ss.sess.statusSubs {
		if sub == ss {
			ss.sess.statusSubs = append(ss.sess.statusSubs[:i], ss.sess.statusSubs[i+1:]...)
			break
		}
	}
	ss.sess.mu.Unlock()
	ss.close()
}

func (ss *StatusStream) deliver(st State) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return
	}
	select {
	case ss.ch <- st:
	default:
		select {
		case <-ss.ch:
		default:
		}
		select {
		case ss.ch <- st:
		default:
		}
	}
}

func (ss *StatusStream) close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if !ss.closed {
		ss.closed = true
		close(ss.ch)
	}
}

// SubscribeStatus returns a stream of session state transitions. The stream
// starts with the current state.
func (s *Session) SubscribeStatus() *StatusStream {
	sub := &StatusStream{ch: make(chan State, 8), sess: s}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.close()
		return sub
	}
	st := s.state
	s.statusSubs = append(s.statusSubs, sub)
	s.mu.Unlock()
	sub.deliver(st)
	return sub
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	subs := make([]*StatusStream, len(s.statusSubs))
	copy(subs, s.statusSubs)
	s.mu.Unlock()
	slog.Debug("[session] state", "state", st)
	for _, sub := range subs {
		sub.deliver(st)
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
