package ble

import "github.com/azymohliad/watchmate/internal/ble/protocol"

// DefaultDeviceName is the local name InfiniTime watches advertise.
const DefaultDeviceName = "InfiniTime"

// binding maps a logical service to its concrete GATT identifiers.
type binding struct {
	serviceUUID string
	charUUID    string
	required    bool
	notify      bool
}

// serviceTable is the single place where logical services are bound to wire
// identifiers. Heart rate and step count are optional: older firmware and
// stripped-down builds ship without them, and the client negotiates their
// presence at connect time.
var serviceTable = map[protocol.Service]binding{
	protocol.ServiceCurrentTime: {
		serviceUUID: "00001805-0000-1000-8000-00805f9b34fb",
		charUUID:    "00002a2b-0000-1000-8000-00805f9b34fb",
		required:    true,
	},
	protocol.ServiceBatteryLevel: {
		serviceUUID: "0000180f-0000-1000-8000-00805f9b34fb",
		charUUID:    "00002a19-0000-1000-8000-00805f9b34fb",
		required:    true,
		notify:      true,
	},
	protocol.ServiceHeartRate: {
		serviceUUID: "0000180d-0000-1000-8000-00805f9b34fb",
		charUUID:    "00002a37-0000-1000-8000-00805f9b34fb",
		notify:      true,
	},
	protocol.ServiceStepCount: {
		serviceUUID: "00030000-78fc-48fe-8e23-433b3a1942d0",
		charUUID:    "00030001-78fc-48fe-8e23-433b3a1942d0",
		notify:      true,
	},
	protocol.ServiceFirmwareVersion: {
		serviceUUID: "0000180a-0000-1000-8000-00805f9b34fb",
		charUUID:    "00002a26-0000-1000-8000-00805f9b34fb",
		required:    true,
	},
	protocol.ServiceUpdateControl: {
		serviceUUID: "00001530-1212-efde-1523-785feabcd123",
		charUUID:    "00001531-1212-efde-1523-785feabcd123",
		required:    true,
	},
	protocol.ServiceUpdateData: {
		serviceUUID: "00001530-1212-efde-1523-785feabcd123",
		charUUID:    "00001532-1212-efde-1523-785feabcd123",
		required:    true,
	},
	protocol.ServiceUpdateAck: {
		serviceUUID: "00001530-1212-efde-1523-785feabcd123",
		charUUID:    "00001534-1212-efde-1523-785feabcd123",
		required:    true,
		notify:      true,
	},
}
