package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeBeginRequest(t *testing.T) {
	got, err := Encode(ServiceUpdateControl, BeginRequest{
		Kind:     KindFirmware,
		Size:     0x00012000,
		Checksum: 0xdeadbeef,
	})
	if err != nil {
		t.Fatalf("Encode(begin) error = %v", err)
	}
	want := []byte{
		0x01,                   // opcode
		0x01,                   // kind: firmware
		0x00, 0x20, 0x01, 0x00, // size u32le
		0xef, 0xbe, 0xad, 0xde, // crc u32le
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode(begin) = %x, want %x", got, want)
	}
}

func TestEncodeControlRequests(t *testing.T) {
	tests := []struct {
		name string
		req  Value
		want []byte
	}{
		{"verify", VerifyRequest{}, []byte{0x02}},
		{"abort", AbortRequest{}, []byte{0x03}},
		{"resume", ResumeRequest{NextIndex: 0x0102}, []byte{0x04, 0x02, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(ServiceUpdateControl, tt.req)
			if err != nil {
				t.Fatalf("Encode(%s) error = %v", tt.name, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode(%s) = %x, want %x", tt.name, got, tt.want)
			}
		})
	}
}

func TestEncodeChunk(t *testing.T) {
	got, err := Encode(ServiceUpdateData, Chunk{Index: 3, Payload: []byte{0xaa, 0xbb}})
	if err != nil {
		t.Fatalf("Encode(chunk) error = %v", err)
	}
	want := []byte{0x03, 0x00, 0xaa, 0xbb}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode(chunk) = %x, want %x", got, want)
	}
}

func TestEncodeChunkEmptyPayload(t *testing.T) {
	if _, err := Encode(ServiceUpdateData, Chunk{Index: 0}); err == nil {
		t.Error("Encode(chunk) should reject an empty payload")
	}
}

func TestDecodeAckRoundTrips(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Value
	}{
		{"begin ok", EncodeBeginAck(StatusOK), BeginAck{Status: StatusOK}},
		{"begin rejected", EncodeBeginAck(StatusInsufficientStorage), BeginAck{Status: StatusInsufficientStorage}},
		{"resume ok", EncodeResumeAck(StatusOK), ResumeAck{Status: StatusOK}},
		{"resume refused", EncodeResumeAck(StatusBadState), ResumeAck{Status: StatusBadState}},
		{"chunk", EncodeChunkAck(42, StatusOK), ChunkAck{Index: 42, Status: StatusOK}},
		{"verify", EncodeVerifyResult(StatusOK, 0xcafef00d), VerifyResult{Status: StatusOK, Checksum: 0xcafef00d}},
		{"abort", EncodeAbortAck(), AbortAck{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(ServiceUpdateAck, tt.data)
			if err != nil {
				t.Fatalf("Decode(%x) error = %v", tt.data, err)
			}
			if got != tt.want {
				t.Errorf("Decode(%x) = %#v, want %#v", tt.data, got, tt.want)
			}
		})
	}
}

func TestDecodeAckMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too short", []byte{0x10, 0x01}},
		{"bad marker", []byte{0x42, 0x01, 0x01}},
		{"unknown opcode", []byte{0x10, 0x7f, 0x01}},
		{"chunk ack missing index", []byte{0x10, 0x05, 0x01, 0x02}},
		{"verify missing checksum", []byte{0x10, 0x02, 0x01, 0x01, 0x02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(ServiceUpdateAck, tt.data)
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("Decode(%x) error = %v, want DecodeError", tt.data, err)
			}
			if derr.Service != ServiceUpdateAck {
				t.Errorf("DecodeError.Service = %v, want update-ack", derr.Service)
			}
		})
	}
}
