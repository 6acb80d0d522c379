package sequencer

import (
	"testing"

	"github.com/behrlich/rdma-manager/internal/ctrlsock"
	"github.com/behrlich/rdma-manager/internal/wire"
)

func TestRegisterIdsIncreaseFromZero(t *testing.T) {
	d := NewDirectory()
	a := d.Register("10.0.0.1:5200", "server-a", wire.NodeKindServer)
	b := d.Register("10.0.0.2:5200", "server-b", wire.NodeKindServer)
	c := d.Register("10.0.0.3:9000", "client-c", wire.NodeKindClient)

	if a != 0 || b != 1 || c != 2 {
		t.Errorf("got ids %d,%d,%d, want 0,1,2", a, b, c)
	}
}

func TestLookupOnlyFindsServerEntries(t *testing.T) {
	d := NewDirectory()
	d.Register("10.0.0.9:1234", "a-client", wire.NodeKindClient)
	id := d.Register("10.0.0.5:5200", "a-server", wire.NodeKindServer)

	if _, ok := d.Lookup("10.0.0.9:1234"); ok {
		t.Error("Lookup should not find a CLIENT entry")
	}
	resp, ok := d.Lookup("10.0.0.5:5200")
	if !ok {
		t.Fatal("Lookup should find the SERVER entry")
	}
	if resp.ID != id || resp.Status != wire.StatusNoError {
		t.Errorf("got %+v, want id=%d status=NoError", resp, id)
	}
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	d := NewDirectory()
	if _, ok := d.Lookup("1.2.3.4:5200"); ok {
		t.Error("expected miss on empty directory")
	}
}

func TestServerEndToEnd(t *testing.T) {
	srv, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	d := ctrlsock.NewDialer(srv.Addr().String())
	defer d.Close()

	reply, err := d.Request(wire.NodeIDRequest{IPPort: "10.0.0.1:5200", DisplayName: "s1", Kind: wire.NodeKindServer})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp := reply.Payload.(wire.NodeIDResponse)
	if resp.AssignedID != 0 {
		t.Errorf("first AssignedID = %d, want 0", resp.AssignedID)
	}

	lookupReply, err := d.Request(wire.GetNodeIDForIpPortRequest{IPPort: "10.0.0.1:5200"})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	lookup := lookupReply.Payload.(wire.GetNodeIDForIpPortResponse)
	if lookup.Status != wire.StatusNoError || lookup.ID != 0 {
		t.Errorf("got %+v, want status=NoError id=0", lookup)
	}

	missReply, err := d.Request(wire.GetNodeIDForIpPortRequest{IPPort: "10.0.0.99:5200"})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	miss := missReply.Payload.(wire.GetNodeIDForIpPortResponse)
	if miss.Status != wire.StatusNodeIDNotFound {
		t.Errorf("Status = %v, want StatusNodeIDNotFound", miss.Status)
	}
}
