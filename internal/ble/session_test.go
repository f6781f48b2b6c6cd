package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/azymohliad/watchmate/internal/ble/protocol"
)

func testSessionOptions() SessionOptions {
	return SessionOptions{
		DeviceName:     DefaultDeviceName,
		ScanTimeout:    time.Second,
		ConnectTimeout: time.Second,
		ReconnectMax:   1,
		Client:         fastOptions(),
	}
}

func watchDevices() []Device {
	return []Device{
		{Name: DefaultDeviceName, Address: "AA:BB:CC:DD:EE:FF", RSSI: -45},
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session state = %v, want %v", s.State(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSessionConnectLifecycle(t *testing.T) {
	adapter := newMockAdapter(watchDevices())
	sess := NewSession(adapter, testSessionOptions())
	status := sess.SubscribeStatus()

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if sess.State() != StateReady {
		t.Fatalf("state = %v, want ready", sess.State())
	}
	if sess.Client() == nil {
		t.Fatal("Client() should be non-nil in Ready")
	}
	dev, bound := sess.Device()
	if !bound || dev.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Device() = %+v bound=%v, want bound watch", dev, bound)
	}

	// Status stream saw the whole progression in order.
	want := []State{StateDisconnected, StateDiscovering, StateConnecting, StateResolvingServices, StateReady}
	for _, w := range want {
		select {
		case got := <-status.Chan():
			if got != w {
				t.Errorf("status = %v, want %v", got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("status stream missing state %v", w)
		}
	}
}

func TestSessionSkipsDiscoveryWithPinnedAddress(t *testing.T) {
	adapter := newMockAdapter(nil) // scan would find nothing
	opts := testSessionOptions()
	opts.Address = "AA:BB:CC:DD:EE:FF"
	sess := NewSession(adapter, opts)

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if sess.State() != StateReady {
		t.Errorf("state = %v, want ready", sess.State())
	}
}

func TestSessionDeviceNotFoundIsTerminal(t *testing.T) {
	adapter := newMockAdapter(nil)
	sess := NewSession(adapter, testSessionOptions())

	err := sess.Connect(context.Background())
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Connect() error = %v, want ErrDeviceNotFound", err)
	}
	if sess.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected (no discovery auto-retry)", sess.State())
	}
	if !errors.Is(sess.Err(), ErrDeviceNotFound) {
		t.Errorf("Err() = %v, want recorded terminal reason", sess.Err())
	}
}

func TestSessionServiceMissingIsTerminal(t *testing.T) {
	adapter := newMockAdapter(watchDevices())
	adapter.missing = []string{serviceTable[protocol.ServiceUpdateControl].charUUID}
	sess := NewSession(adapter, testSessionOptions())

	err := sess.Connect(context.Background())
	var svcErr *ServiceMissingError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Connect() error = %v, want ServiceMissingError", err)
	}
	if sess.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", sess.State())
	}
}

func TestSessionConnectFromReadyRejected(t *testing.T) {
	adapter := newMockAdapter(watchDevices())
	sess := NewSession(adapter, testSessionOptions())
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := sess.Connect(context.Background()); err == nil {
		t.Error("second Connect() should be rejected while Ready")
	}
}

func TestSessionLinkLossReconnects(t *testing.T) {
	adapter := newMockAdapter(watchDevices())
	sess := NewSession(adapter, testSessionOptions())

	readies := make(chan *Client, 4)
	sess.OnReady(func(c *Client) { readies <- c })
	linkDown := make(chan struct{}, 4)
	sess.OnLinkDown(func() { linkDown <- struct{}{} })

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first := <-readies

	adapter.latestConnection().SimulateDisconnect()

	select {
	case <-linkDown:
	case <-time.After(time.Second):
		t.Fatal("OnLinkDown not fired")
	}

	// The first reconnect attempt is immediate against the mock.
	waitForState(t, sess, StateReady)

	select {
	case second := <-readies:
		if second == first {
			t.Error("reconnect should hand out a fresh client")
		}
	case <-time.After(time.Second):
		t.Fatal("OnReady not fired after reconnect")
	}
	if sess.reconnecting.Load() {
		t.Error("reconnecting flag should be cleared after success")
	}
}

func TestSessionDisconnectStopsReconnectLoop(t *testing.T) {
	adapter := newMockAdapter(watchDevices())
	sess := NewSession(adapter, testSessionOptions())

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Make every reconnect attempt fail so the loop keeps backing off.
	adapter.mu.Lock()
	adapter.failConnects = 1000
	adapter.mu.Unlock()

	adapter.latestConnection().SimulateDisconnect()
	waitForState(t, sess, StateReconnecting)

	if err := sess.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for sess.reconnecting.Load() {
		select {
		case <-deadline:
			t.Fatal("reconnect loop did not stop after Disconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if sess.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", sess.State())
	}
}

func TestSessionDisconnectEndsStatusStream(t *testing.T) {
	adapter := newMockAdapter(watchDevices())
	sess := NewSession(adapter, testSessionOptions())
	status := sess.SubscribeStatus()

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sess.Disconnect()

	deadline := time.After(time.Second)
	for {
		select {
		case st, ok := <-status.Chan():
			if !ok {
				return // end-of-stream delivered
			}
			_ = st
		case <-deadline:
			t.Fatal("status stream not closed on session teardown")
		}
	}
}

func TestStatusStreamCancelIsolated(t *testing.T) {
	adapter := newMockAdapter(watchDevices())
	sess := NewSession(adapter, testSessionOptions())
	first := sess.SubscribeStatus()
	second := sess.SubscribeStatus()

	first.Cancel()

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The remaining subscriber still sees transitions.
	deadline := time.After(time.Second)
	for {
		select {
		case st := <-second.Chan():
			if st == StateReady {
				return
			}
		case <-deadline:
			t.Fatal("remaining status subscriber missed transitions")
		}
	}
}

func TestSessionOnClosedFires(t *testing.T) {
	adapter := newMockAdapter(watchDevices())
	sess := NewSession(adapter, testSessionOptions())
	closed := make(chan struct{}, 1)
	sess.OnClosed(func() { closed <- struct{}{} })

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sess.Disconnect()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClosed not fired")
	}
}

func TestOnClosedFiresOnTerminalReconnectFailure(t *testing.T) {
	adapter := newMockAdapter(watchDevices())
	sess := NewSession(adapter, testSessionOptions())
	closed := make(chan struct{})
	sess.OnClosed(func() { close(closed) })
	status := sess.SubscribeStatus()

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The watch comes back from the drop without a required service, so the
	// reconnect loop must give up terminally.
	adapter.mu.Lock()
	adapter.missing = []string{serviceTable[protocol.ServiceUpdateControl].charUUID}
	adapter.mu.Unlock()
	adapter.latestConnection().SimulateDisconnect()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed not fired on terminal reconnect failure")
	}
	if sess.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", sess.State())
	}
	var svcErr *ServiceMissingError
	if !errors.As(sess.Err(), &svcErr) {
		t.Errorf("Err() = %v, want ServiceMissingError", sess.Err())
	}

	// Status subscribers get end-of-stream, not silent blocking.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-status.Chan():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("status stream not closed on terminal failure")
		}
	}
}

func TestOnClosedFiresOnFailedConnect(t *testing.T) {
	adapter := newMockAdapter(nil) // nothing to discover
	sess := NewSession(adapter, testSessionOptions())
	closed := make(chan struct{})
	sess.OnClosed(func() { close(closed) })

	if err := sess.Connect(context.Background()); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Connect() error = %v, want ErrDeviceNotFound", err)
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClosed not fired on terminal connect failure")
	}
}

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30)
		if got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	// Large attempt numbers must clamp to the cap instead of overflowing.
	if got := backoffDelay(100, 30); got != 30*time.Second {
		t.Errorf("backoffDelay(100, 30) = %v, want 30s", got)
	}
	if got := backoffDelay(63, 60); got != 60*time.Second {
		t.Errorf("backoffDelay(63, 60) = %v, want 60s", got)
	}
}
