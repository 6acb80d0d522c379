package wire

import (
	"bytes"
	"net"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, kind Kind, v interface{}) interface{} {
	t.Helper()
	body, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal(%T) failed: %v", v, err)
	}
	got, err := Unmarshal(kind, body)
	if err != nil {
		t.Fatalf("Unmarshal(%T) failed: %v", v, err)
	}
	return got
}

func TestNodeIDRequestRoundTrip(t *testing.T) {
	want := NodeIDRequest{IPPort: "10.0.0.5:5200", DisplayName: "worker-3", Kind: NodeKindServer}
	got := roundTrip(t, KindNodeIDRequest, want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestGetAllNodeIDsResponseRoundTrip(t *testing.T) {
	want := GetAllNodeIDsResponse{Entries: []NodeEntry{
		{IPPort: "10.0.0.1:5200", DisplayName: "a", AssignedID: 1, Kind: NodeKindServer},
		{IPPort: "10.0.0.2:5200", DisplayName: "b", AssignedID: 2, Kind: NodeKindClient},
	}}
	got := roundTrip(t, KindGetAllNodeIDsResponse, want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestGetAllNodeIDsResponseEmpty(t *testing.T) {
	want := GetAllNodeIDsResponse{Entries: nil}
	got := roundTrip(t, KindGetAllNodeIDsResponse, want).(GetAllNodeIDsResponse)
	if len(got.Entries) != 0 {
		t.Errorf("expected no entries, got %v", got.Entries)
	}
}

func TestRDMAConnRequestRoundTrip(t *testing.T) {
	addr := QPAddress{Buffer: 0xdeadbeef, RKey: 42, QPNum: 7, LID: 3, PSN: 99}
	addr.GID[0] = 0xff
	addr.GID[15] = 0x01
	want := RDMAConnRequest{Addr: addr, NodeID: 123}
	got := roundTrip(t, KindRDMAConnRequest, want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestMemoryResourceRequestRoundTrip(t *testing.T) {
	want := MemoryResourceRequest{Op: MemOpAlloc, Size: 4096, Offset: 0}
	got := roundTrip(t, KindMemoryResourceRequest, want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestUnmarshalShortBufferErrors(t *testing.T) {
	if _, err := Unmarshal(KindNodeIDResponse, []byte{1, 2, 3}); err != ErrShortBuffer {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
}

func TestEnvelopeRoundTripOverPipe(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	req, err := NewEnvelope(MemoryResourceRequest{Op: MemOpAlloc, Size: 1024})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- WriteEnvelope(clientConn, req)
	}()

	got, err := ReadEnvelope(serverConn)
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	if got.ID != req.ID {
		t.Errorf("correlation id mismatch: got %v, want %v", got.ID, req.ID)
	}
	if got.Kind != KindMemoryResourceRequest {
		t.Errorf("kind = %v, want KindMemoryResourceRequest", got.Kind)
	}
	payload, ok := got.Payload.(MemoryResourceRequest)
	if !ok {
		t.Fatalf("payload type = %T, want MemoryResourceRequest", got.Payload)
	}
	if payload.Size != 1024 {
		t.Errorf("payload.Size = %d, want 1024", payload.Size)
	}
}

func TestReplyEchoesCorrelationID(t *testing.T) {
	req, _ := NewEnvelope(GetAllNodeIDsRequest{})
	resp, err := Reply(req, GetAllNodeIDsResponse{})
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if resp.ID != req.ID {
		t.Errorf("reply id = %v, want %v", resp.ID, req.ID)
	}
}

func TestWriteEnvelopeRejectsUnknownPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteEnvelope(&buf, Envelope{Kind: KindErrorMessage, Payload: struct{}{}})
	if err == nil {
		t.Fatal("expected error for unknown payload type")
	}
}
