package protocol

import (
	"encoding/binary"
	"fmt"
)

// Update transfer framing. Control requests are written to the
// update-control characteristic, chunks to update-data, and the watch
// acknowledges everything through update-ack notifications of the form
// {0x10, request opcode, status, extra...}.

// Control opcodes.
const (
	opBegin  = 0x01
	opVerify = 0x02
	opAbort  = 0x03
	opResume = 0x04
	opChunk  = 0x05 // synthetic: chunks carry no opcode, but their acks do
	opAck    = 0x10 // response marker
)

// UpdateKind distinguishes firmware images from resource archives.
type UpdateKind uint8

const (
	KindFirmware        UpdateKind = 0x01
	KindResourceArchive UpdateKind = 0x02
)

func (k UpdateKind) String() string {
	switch k {
	case KindFirmware:
		return "firmware"
	case KindResourceArchive:
		return "resources"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// AckStatus is the status byte carried in update-ack frames.
type AckStatus uint8

const (
	StatusOK                  AckStatus = 0x01
	StatusInsufficientStorage AckStatus = 0x02
	StatusIncompatibleVersion AckStatus = 0x03
	StatusBadState            AckStatus = 0x04
)

func (s AckStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInsufficientStorage:
		return "insufficient storage"
	case StatusIncompatibleVersion:
		return "incompatible version"
	case StatusBadState:
		return "bad state"
	default:
		return fmt.Sprintf("status(0x%02x)", uint8(s))
	}
}

// BeginRequest negotiates a transfer: declared size, CRC-32 checksum and kind.
type BeginRequest struct {
	Kind     UpdateKind
	Size     uint32
	Checksum uint32
}

// ResumeRequest continues a suspended transfer from the next
// unacknowledged chunk index.
type ResumeRequest struct {
	NextIndex uint16
}

// VerifyRequest asks the watch to recompute the checksum over the fully
// received image and report it.
type VerifyRequest struct{}

// AbortRequest cancels the transfer and releases device-side state.
type AbortRequest struct{}

// Chunk is one bounded slice of the image, written to update-data.
type Chunk struct {
	Index   uint16
	Payload []byte
}

func (BeginRequest) isValue()  {}
func (ResumeRequest) isValue() {}
func (VerifyRequest) isValue() {}
func (AbortRequest) isValue()  {}
func (Chunk) isValue()         {}

// Acknowledgments, decoded from update-ack notifications.

// BeginAck answers a BeginRequest.
type BeginAck struct {
	Status AckStatus
}

// ResumeAck answers a ResumeRequest.
type ResumeAck struct {
	Status AckStatus
}

// ChunkAck confirms receipt of one chunk.
type ChunkAck struct {
	Index  uint16
	Status AckStatus
}

// VerifyResult reports the checksum the watch computed over the received image.
type VerifyResult struct {
	Status   AckStatus
	Checksum uint32
}

// AbortAck confirms the transfer was torn down device-side.
type AbortAck struct{}

func (BeginAck) isValue()     {}
func (ResumeAck) isValue()    {}
func (ChunkAck) isValue()     {}
func (VerifyResult) isValue() {}
func (AbortAck) isValue()     {}

func encodeUpdateControl(svc Service, v Value) ([]byte, error) {
	switch req := v.(type) {
	case BeginRequest:
		buf := make([]byte, 10)
		buf[0] = opBegin
		buf[1] = uint8(req.Kind)
		binary.LittleEndian.PutUint32(buf[2:6], req.Size)
		binary.LittleEndian.PutUint32(buf[6:10], req.Checksum)
		return buf, nil
	case ResumeRequest:
		buf := make([]byte, 3)
		buf[0] = opResume
		binary.LittleEndian.PutUint16(buf[1:3], req.NextIndex)
		return buf, nil
	case VerifyRequest:
		return []byte{opVerify}, nil
	case AbortRequest:
		return []byte{opAbort}, nil
	default:
		return nil, fmt.Errorf("protocol: %s: cannot encode %T", svc, v)
	}
}

func encodeChunk(c Chunk) ([]byte, error) {
	if len(c.Payload) == 0 {
		return nil, fmt.Errorf("protocol: %s: empty chunk payload", ServiceUpdateData)
	}
	buf := make([]byte, 2+len(c.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], c.Index)
	copy(buf[2:], c.Payload)
	return buf, nil
}

func decodeUpdateAck(data []byte) (Value, error) {
	if len(data) < 3 {
		return nil, decodeErr(ServiceUpdateAck, 0, "frame too short: %d bytes, want >= 3", len(data))
	}
	if data[0] != opAck {
		return nil, decodeErr(ServiceUpdateAck, 0, "unexpected marker 0x%02x, want 0x%02x", data[0], opAck)
	}
	status := AckStatus(data[2])
	switch data[1] {
	case opBegin:
		return BeginAck{Status: status}, nil
	case opResume:
		return ResumeAck{Status: status}, nil
	case opAbort:
		return AbortAck{}, nil
	case opChunk:
		if len(data) < 5 {
			return nil, decodeErr(ServiceUpdateAck, 3, "chunk ack too short: %d bytes, want 5", len(data))
		}
		return ChunkAck{Index: binary.LittleEndian.Uint16(data[3:5]), Status: status}, nil
	case opVerify:
		if len(data) < 7 {
			return nil, decodeErr(ServiceUpdateAck, 3, "verify result too short: %d bytes, want 7", len(data))
		}
		return VerifyResult{Status: status, Checksum: binary.LittleEndian.Uint32(data[3:7])}, nil
	default:
		return nil, decodeErr(ServiceUpdateAck, 1, "unknown acknowledged opcode 0x%02x", data[1])
	}
}

// EncodeChunkAck builds the ack frame a watch sends for one chunk. It lives
// here so tests and device simulators produce exactly what decodeUpdateAck
// expects.
func EncodeChunkAck(index uint16, status AckStatus) []byte {
	buf := make([]byte, 5)
	buf[0] = opAck
	buf[1] = opChunk
	buf[2] = uint8(status)
	binary.LittleEndian.PutUint16(buf[3:5], index)
	return buf
}

// EncodeBeginAck builds the ack frame for a BeginRequest.
func EncodeBeginAck(status AckStatus) []byte {
	return []byte{opAck, opBegin, uint8(status)}
}

// EncodeResumeAck builds the ack frame for a ResumeRequest.
func EncodeResumeAck(status AckStatus) []byte {
	return []byte{opAck, opResume, uint8(status)}
}

// EncodeVerifyResult builds the final checksum report frame.
func EncodeVerifyResult(status AckStatus, checksum uint32) []byte {
	buf := make([]byte, 7)
	buf[0] = opAck
	buf[1] = opVerify
	buf[2] = uint8(status)
	binary.LittleEndian.PutUint32(buf[3:7], checksum)
	return buf
}

// EncodeAbortAck builds the ack frame for an AbortRequest.
func EncodeAbortAck() []byte {
	return []byte{opAck, opAbort, uint8(StatusOK)}
}
