package ctrlsock

import (
	"net"
	"testing"
	"time"

	"github.com/behrlich/rdma-manager/internal/wire"
)

func TestRequestReplyRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", func(conn net.Conn, req wire.Envelope) (interface{}, error) {
		switch p := req.Payload.(type) {
		case wire.NodeIDRequest:
			_ = p
			return wire.NodeIDResponse{AssignedID: 7, Status: wire.StatusNoError}, nil
		default:
			return wire.ErrorMessage{Status: wire.StatusInvalidMessage}, nil
		}
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()
	go ln.Serve()

	d := NewDialer(ln.Addr().String())
	defer d.Close()

	reply, err := d.Request(wire.NodeIDRequest{IPPort: "10.0.0.1:5200", DisplayName: "n1", Kind: wire.NodeKindServer})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp, ok := reply.Payload.(wire.NodeIDResponse)
	if !ok {
		t.Fatalf("reply payload type = %T, want NodeIDResponse", reply.Payload)
	}
	if resp.AssignedID != 7 {
		t.Errorf("AssignedID = %d, want 7", resp.AssignedID)
	}
}

func TestUnrecognisedMessageGetsErrorReply(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", func(conn net.Conn, req wire.Envelope) (interface{}, error) {
		return wire.ErrorMessage{Status: wire.StatusInvalidMessage}, nil
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()
	go ln.Serve()

	d := NewDialer(ln.Addr().String())
	defer d.Close()

	reply, err := d.Request(wire.GetAllNodeIDsRequest{})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	errMsg, ok := reply.Payload.(wire.ErrorMessage)
	if !ok {
		t.Fatalf("reply payload type = %T, want ErrorMessage", reply.Payload)
	}
	if errMsg.Status != wire.StatusInvalidMessage {
		t.Errorf("Status = %v, want StatusInvalidMessage", errMsg.Status)
	}
}

func TestDialTimeoutOnUnreachableAddress(t *testing.T) {
	d := NewDialer("10.255.255.1:1")
	d.ConnectTimeout = 50 * time.Millisecond
	if _, err := d.Request(wire.GetAllNodeIDsRequest{}); err == nil {
		t.Fatal("expected error connecting to unreachable address")
	}
}
