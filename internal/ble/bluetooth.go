package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// HardwareAdapter is the production Adapter, backed by tinygo-org/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS). Device.Address holds
// whatever identifier the platform stack uses: a MAC address under BlueZ, a
// peripheral UUID under CoreBluetooth.
type HardwareAdapter struct {
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	connections map[string]*hwConnection // live connections, guarded by mu
}

// NewHardwareAdapter creates a BLE adapter backed by the platform stack.
func NewHardwareAdapter() *HardwareAdapter {
	return &HardwareAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*hwConnection),
	}
}

func (a *HardwareAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The stack reports link loss through the adapter-wide connect handler
	// (connected=false). Route it to the affected connection; the session's
	// reconnect logic hangs off that callback.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

// Scan collects advertising devices until ctx expires. A non-empty name
// stops the scan at the first device advertising that name, so connecting
// to a known watch does not wait out the whole scan window.
func (a *HardwareAdapter) Scan(ctx context.Context, name string) ([]Device, error) {
	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)
	found := make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-found:
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		local := result.LocalName()
		if name != "" && local != name {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    local,
			Address: addr,
			RSSI:    int(result.RSSI),
		})
		if name != "" {
			select {
			case found <- struct{}{}:
			default:
			}
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

// Connect dials the device at address. The stack's Connect has no context
// support, so it runs in its own goroutine and this call stops waiting when
// ctx ends; a connection that completes afterwards is left for the stack to
// reap.
func (a *HardwareAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	type dialResult struct {
		device bluetooth.Device
		err    error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		dialed <- dialResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-dialed:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &hwConnection{device: &result.device}

		// Registered connections receive the adapter-level disconnect signal.
		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

var _ Adapter = (*HardwareAdapter)(nil)

type hwConnection struct {
	device       *bluetooth.Device
	disconnectCb func()
}

func (c *hwConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: bad service uuid %s: %w", serviceUUID, err)
	}
	chrID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: bad characteristic uuid %s: %w", charUUID, err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcID})
	if err != nil || len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found: %w", serviceUUID, err)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{chrID})
	if err != nil || len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found: %w", charUUID, err)
	}
	return &hwCharacteristic{char: &chars[0]}, nil
}

func (c *hwConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *hwConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type hwCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *hwCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 512) // max ATT value length
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *hwCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *hwCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}

func (c *hwCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
