package ble

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/azymohliad/watchmate/internal/ble/protocol"
)

func fastOptions() Options {
	return Options{
		OpTimeout:    100 * time.Millisecond,
		NotifyBuffer: 16,
	}
}

func mustNewClient(t *testing.T, conn Connection) *Client {
	t.Helper()
	client, err := NewClient(conn, fastOptions())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestNewClientResolvesServices(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)

	if !client.Connected() {
		t.Error("client should be connected after NewClient")
	}
	if !client.Has(protocol.ServiceHeartRate) {
		t.Error("heart-rate should be present on a full device")
	}
	if !client.Has(protocol.ServiceUpdateControl) {
		t.Error("update-control should be present")
	}
}

func TestNewClientRequiredServiceMissing(t *testing.T) {
	missing := serviceTable[protocol.ServiceUpdateAck].charUUID
	conn := newMockConnection(missing)

	_, err := NewClient(conn, fastOptions())
	var svcErr *ServiceMissingError
	if !errors.As(err, &svcErr) {
		t.Fatalf("NewClient() error = %v, want ServiceMissingError", err)
	}
	if svcErr.Service != protocol.ServiceUpdateAck {
		t.Errorf("missing service = %v, want update-ack", svcErr.Service)
	}
	if !conn.isDisconnected() {
		t.Error("connection should be released after a failed service resolution")
	}
}

func TestNewClientOptionalServiceMissing(t *testing.T) {
	missing := serviceTable[protocol.ServiceHeartRate].charUUID
	conn := newMockConnection(missing)
	client := mustNewClient(t, conn)

	if client.Has(protocol.ServiceHeartRate) {
		t.Error("heart-rate should be reported absent")
	}
	if _, err := client.Subscribe(protocol.ServiceHeartRate); err == nil {
		t.Error("Subscribe(heart-rate) should fail on a device without it")
	}
}

func TestClientReadDecodes(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)
	conn.charFor(protocol.ServiceBatteryLevel).setRead([]byte{87})

	v, err := client.Read(context.Background(), protocol.ServiceBatteryLevel)
	if err != nil {
		t.Fatalf("Read(battery-level) error = %v", err)
	}
	if b := v.(protocol.Battery); b.Percent != 87 {
		t.Errorf("Percent = %d, want 87", b.Percent)
	}
}

func TestClientReadMalformedSurfaced(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)
	conn.charFor(protocol.ServiceBatteryLevel).setRead([]byte{200})

	_, err := client.Read(context.Background(), protocol.ServiceBatteryLevel)
	var derr *protocol.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("Read() error = %v, want DecodeError", err)
	}
}

func TestClientWriteEncodes(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)

	ts := time.Date(2026, time.March, 9, 14, 30, 45, 0, time.UTC)
	if err := client.Write(context.Background(), protocol.ServiceCurrentTime, protocol.CurrentTime{Time: ts}); err != nil {
		t.Fatalf("Write(current-time) error = %v", err)
	}

	got := conn.charFor(protocol.ServiceCurrentTime).lastWrite()
	want, _ := protocol.Encode(protocol.ServiceCurrentTime, protocol.CurrentTime{Time: ts})
	if !bytes.Equal(got, want) {
		t.Errorf("written bytes = %x, want %x", got, want)
	}
}

func TestClientReadTimeout(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)

	char := conn.charFor(protocol.ServiceBatteryLevel)
	block := make(chan struct{})
	char.mu.Lock()
	char.blockRead = block
	char.mu.Unlock()
	defer close(block)

	_, err := client.Read(context.Background(), protocol.ServiceBatteryLevel)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Read() error = %v, want ErrTimeout", err)
	}
}

func TestClientReadCancelledContextIsNotTimeout(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)

	char := conn.charFor(protocol.ServiceBatteryLevel)
	block := make(chan struct{})
	char.mu.Lock()
	char.blockRead = block
	char.mu.Unlock()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Read(ctx, protocol.ServiceBatteryLevel)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Read() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("a deliberate cancel must not be reported as a link timeout")
	}
}

func TestClientRejectsOpsWhenDisconnected(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)
	client.Disconnect()

	start := time.Now()
	_, err := client.Read(context.Background(), protocol.ServiceBatteryLevel)
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("Read() error = %v, want ErrDisconnected", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("rejection took %v, should not block", elapsed)
	}

	if err := client.Write(context.Background(), protocol.ServiceCurrentTime, protocol.CurrentTime{Time: time.Now()}); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Write() error = %v, want ErrDisconnected", err)
	}
	if _, err := client.Subscribe(protocol.ServiceBatteryLevel); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Subscribe() error = %v, want ErrDisconnected", err)
	}
}

func TestSubscribeFanOut(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)

	first, err := client.Subscribe(protocol.ServiceBatteryLevel)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	second, err := client.Subscribe(protocol.ServiceBatteryLevel)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	char := conn.charFor(protocol.ServiceBatteryLevel)
	char.SimulateNotification([]byte{50})

	for name, sub := range map[string]*Notifications{"first": first, "second": second} {
		select {
		case v := <-sub.Chan():
			if b := v.(protocol.Battery); b.Percent != 50 {
				t.Errorf("%s subscriber: Percent = %d, want 50", name, b.Percent)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber did not receive the notification", name)
		}
	}

	// Cancelling one subscriber must not affect the other.
	first.Cancel()
	if !char.isSubscribed() {
		t.Error("underlying subscription should survive while a subscriber remains")
	}

	char.SimulateNotification([]byte{49})
	select {
	case v := <-second.Chan():
		if b := v.(protocol.Battery); b.Percent != 49 {
			t.Errorf("Percent = %d, want 49", b.Percent)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber stopped receiving after another cancelled")
	}

	// Cancelled subscriber's channel ends.
	if _, ok := <-first.Chan(); ok {
		t.Error("cancelled subscriber channel should be closed")
	}
}

func TestSubscribeLastCancelReleasesNotify(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)

	sub, err := client.Subscribe(protocol.ServiceHeartRate)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	char := conn.charFor(protocol.ServiceHeartRate)
	if !char.isSubscribed() {
		t.Fatal("underlying notify should be enabled after Subscribe")
	}

	sub.Cancel()
	if char.isSubscribed() {
		t.Error("underlying notify should be released by the last Cancel, synchronously")
	}
}

func TestSubscribeDropsOldestWhenSlow(t *testing.T) {
	conn := newMockConnection()
	client, err := NewClient(conn, Options{OpTimeout: time.Second, NotifyBuffer: 2})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	sub, err := client.Subscribe(protocol.ServiceBatteryLevel)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	char := conn.charFor(protocol.ServiceBatteryLevel)
	for _, pct := range []byte{10, 20, 30} {
		char.SimulateNotification([]byte{pct})
	}

	// Oldest sample (10) was dropped; 20 and 30 remain.
	want := []uint8{20, 30}
	for _, w := range want {
		select {
		case v := <-sub.Chan():
			if b := v.(protocol.Battery); b.Percent != w {
				t.Errorf("Percent = %d, want %d", b.Percent, w)
			}
		case <-time.After(time.Second):
			t.Fatal("expected buffered sample")
		}
	}
}

func TestMalformedNotificationIsDropped(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)

	sub, err := client.Subscribe(protocol.ServiceBatteryLevel)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	char := conn.charFor(protocol.ServiceBatteryLevel)
	char.SimulateNotification([]byte{255}) // out of range
	char.SimulateNotification([]byte{42})

	select {
	case v := <-sub.Chan():
		if b := v.(protocol.Battery); b.Percent != 42 {
			t.Errorf("Percent = %d, want 42 (malformed frame must not become a value)", b.Percent)
		}
	case <-time.After(time.Second):
		t.Fatal("valid notification not delivered")
	}
}

func TestDisconnectEndsStreams(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)

	sub, err := client.Subscribe(protocol.ServiceBatteryLevel)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	client.Disconnect()

	select {
	case _, ok := <-sub.Chan():
		if ok {
			t.Error("expected end-of-stream after Disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed on Disconnect")
	}
	if !conn.isDisconnected() {
		t.Error("transport should be released")
	}
}

func TestLinkLossEndsStreamsAndFiresHandler(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)

	lost := make(chan struct{}, 2)
	client.SetLinkLostHandler(func() { lost <- struct{}{} })

	sub, err := client.Subscribe(protocol.ServiceBatteryLevel)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	conn.SimulateDisconnect()
	conn.SimulateDisconnect() // duplicate signal must be ignored

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("link-lost handler not fired")
	}
	select {
	case <-lost:
		t.Error("link-lost handler fired more than once")
	default:
	}

	if _, ok := <-sub.Chan(); ok {
		t.Error("expected end-of-stream after link loss")
	}
	if client.Connected() {
		t.Error("client should report disconnected")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	conn := newMockConnection()
	client := mustNewClient(t, conn)
	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
}
