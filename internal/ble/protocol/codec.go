// Package protocol implements the wire codec for the watch's GATT services.
// It is a pure transform between logical values and characteristic bytes;
// all I/O lives in the ble package.
package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Service identifies a logical GATT service. The binding to concrete
// characteristic UUIDs lives in the ble package's service table.
type Service int

const (
	ServiceCurrentTime Service = iota
	ServiceBatteryLevel
	ServiceHeartRate
	ServiceStepCount
	ServiceFirmwareVersion
	ServiceUpdateControl
	ServiceUpdateData
	ServiceUpdateAck
)

var serviceNames = map[Service]string{
	ServiceCurrentTime:     "current-time",
	ServiceBatteryLevel:    "battery-level",
	ServiceHeartRate:       "heart-rate",
	ServiceStepCount:       "step-count",
	ServiceFirmwareVersion: "firmware-version",
	ServiceUpdateControl:   "update-control",
	ServiceUpdateData:      "update-data",
	ServiceUpdateAck:       "update-ack",
}

func (s Service) String() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("service(%d)", int(s))
}

// DecodeError reports a malformed frame. It names the service and the byte
// offset of the offending data so a firmware protocol mismatch can be
// diagnosed from the error alone.
type DecodeError struct {
	Service Service
	Offset  int
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: %s: %s (byte %d)", e.Service, e.Reason, e.Offset)
}

func decodeErr(svc Service, offset int, format string, args ...any) error {
	return &DecodeError{Service: svc, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// Value is a decoded characteristic value or an encodable request.
type Value interface {
	isValue()
}

// Battery is the battery level in percent (0-100).
type Battery struct {
	Percent uint8
}

// HeartRate is a heart rate measurement in beats per minute.
type HeartRate struct {
	BPM uint16
}

// StepCount is the daily step counter.
type StepCount struct {
	Steps uint32
}

// FirmwareRevision is the installed firmware version string, e.g. "1.14.1".
type FirmwareRevision struct {
	Version string
}

// CurrentTime sets the watch clock.
type CurrentTime struct {
	Time time.Time
}

func (Battery) isValue()          {}
func (HeartRate) isValue()        {}
func (StepCount) isValue()        {}
func (FirmwareRevision) isValue() {}
func (CurrentTime) isValue()      {}

// Encode translates a value into the wire bytes for the given service.
// It fails if the service is not writable or the value type does not match.
func Encode(svc Service, v Value) ([]byte, error) {
	switch svc {
	case ServiceCurrentTime:
		ct, ok := v.(CurrentTime)
		if !ok {
			return nil, fmt.Errorf("protocol: %s: cannot encode %T", svc, v)
		}
		return encodeCurrentTime(ct.Time), nil
	case ServiceUpdateControl:
		return encodeUpdateControl(svc, v)
	case ServiceUpdateData:
		c, ok := v.(Chunk)
		if !ok {
			return nil, fmt.Errorf("protocol: %s: cannot encode %T", svc, v)
		}
		return encodeChunk(c)
	default:
		return nil, fmt.Errorf("protocol: %s is not writable", svc)
	}
}

// Decode translates characteristic bytes from a read or notification into a
// value. Malformed frames yield a DecodeError, never a default value.
func Decode(svc Service, data []byte) (Value, error) {
	switch svc {
	case ServiceBatteryLevel:
		return decodeBattery(data)
	case ServiceHeartRate:
		return decodeHeartRate(data)
	case ServiceStepCount:
		return decodeStepCount(data)
	case ServiceFirmwareVersion:
		return decodeFirmwareRevision(data)
	case ServiceUpdateAck:
		return decodeUpdateAck(data)
	default:
		return nil, fmt.Errorf("protocol: %s is not readable", svc)
	}
}

// encodeCurrentTime produces the 10-byte BLE Current Time layout:
// year u16le, month, day, hour, minute, second, day-of-week, fractions/256,
// adjust reason.
func encodeCurrentTime(t time.Time) []byte {
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(t.Year()))
	buf[2] = uint8(t.Month())
	buf[3] = uint8(t.Day())
	buf[4] = uint8(t.Hour())
	buf[5] = uint8(t.Minute())
	buf[6] = uint8(t.Second())
	weekday := uint8(t.Weekday())
	if weekday == 0 {
		weekday = 7 // CTS counts Monday=1..Sunday=7
	}
	buf[7] = weekday
	buf[8] = uint8(t.Nanosecond() / int(time.Second/256))
	buf[9] = 0 // adjust reason: manual update
	return buf
}

func decodeBattery(data []byte) (Value, error) {
	if len(data) < 1 {
		return nil, decodeErr(ServiceBatteryLevel, 0, "empty frame, want 1 byte")
	}
	if data[0] > 100 {
		return nil, decodeErr(ServiceBatteryLevel, 0, "level %d out of range 0-100", data[0])
	}
	return Battery{Percent: data[0]}, nil
}

// decodeHeartRate parses a Heart Rate Measurement frame: a flags byte
// followed by a u8 or (flags bit 0) u16le BPM value.
func decodeHeartRate(data []byte) (Value, error) {
	if len(data) < 2 {
		return nil, decodeErr(ServiceHeartRate, 0, "frame too short: %d bytes, want >= 2", len(data))
	}
	flags := data[0]
	if flags&0x01 != 0 {
		if len(data) < 3 {
			return nil, decodeErr(ServiceHeartRate, 1, "16-bit value flagged but frame has %d bytes", len(data))
		}
		return HeartRate{BPM: binary.LittleEndian.Uint16(data[1:3])}, nil
	}
	return HeartRate{BPM: uint16(data[1])}, nil
}

func decodeStepCount(data []byte) (Value, error) {
	if len(data) < 4 {
		return nil, decodeErr(ServiceStepCount, 0, "frame too short: %d bytes, want 4", len(data))
	}
	return StepCount{Steps: binary.LittleEndian.Uint32(data[0:4])}, nil
}

func decodeFirmwareRevision(data []byte) (Value, error) {
	if len(data) == 0 {
		return nil, decodeErr(ServiceFirmwareVersion, 0, "empty version string")
	}
	for i, b := range data {
		if b < 0x20 || b > 0x7e {
			return nil, decodeErr(ServiceFirmwareVersion, i, "non-printable byte 0x%02x in version string", b)
		}
	}
	return FirmwareRevision{Version: string(data)}, nil
}
