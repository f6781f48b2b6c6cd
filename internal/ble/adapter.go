// Package ble provides the GATT client and device session for communicating
// with an InfiniTime watch. It handles connection management, service
// discovery, telemetry subscriptions and the transport side of OTA updates
// over Bluetooth Low Energy.
package ble

import "context"

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read fetches the current value of the characteristic.
	Read() ([]byte, error)
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe releases the notification subscription.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral. Address is the transport
// address (a MAC on Linux, a CoreBluetooth UUID on macOS).
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given local name.
	// With a non-empty name it returns as soon as a match is found;
	// otherwise it collects devices until ctx is done.
	Scan(ctx context.Context, name string) ([]Device, error)
	// Connect establishes a connection to the device at the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
