package engine

import (
	"net"
	"testing"
	"time"

	"github.com/behrlich/rdma-manager/internal/memregion"
)

func newUDEngine(t *testing.T) (*UDEngine, *memregion.MemoryRegion) {
	t.Helper()
	mr, err := memregion.Create(memregion.KindHost, 4096, memregion.Options{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e, err := NewUDEngine(mr, "127.0.0.1:0", 16)
	if err != nil {
		t.Fatalf("NewUDEngine failed: %v", err)
	}
	return e, mr
}

func TestUDSendReceive(t *testing.T) {
	a, _ := newUDEngine(t)
	b, _ := newUDEngine(t)

	connOnA := a.NewConnID()
	if err := a.Connect(connOnA, b.LocalAddr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	dst := make([]byte, UDGRHPrefixLen+5)
	if err := b.Receive(dst); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := a.Send(connOnA, []byte("abcde")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	c, err := b.PollReceive(true)
	if err != nil {
		t.Fatalf("PollReceive failed: %v", err)
	}
	if c.ByteLen != UDGRHPrefixLen+5 {
		t.Errorf("ByteLen = %d, want %d", c.ByteLen, UDGRHPrefixLen+5)
	}
	if string(dst[UDGRHPrefixLen:]) != "abcde" {
		t.Errorf("payload = %q, want abcde", dst[UDGRHPrefixLen:])
	}

	sc, err := a.PollSend(true)
	if err != nil {
		t.Fatalf("PollSend failed: %v", err)
	}
	if sc.Status != CompletionSuccess {
		t.Errorf("expected successful send completion, got %v", sc.Status)
	}
}

func TestUDSendToUnknownPeerFails(t *testing.T) {
	a, _ := newUDEngine(t)
	if err := a.Send(999, []byte("x")); err == nil {
		t.Error("expected error sending to unregistered conn id")
	}
}

func TestUDConnIDsAreDense(t *testing.T) {
	a, _ := newUDEngine(t)
	id0 := a.NewConnID()
	id1 := a.NewConnID()
	if id0 != 0 || id1 != 1 {
		t.Errorf("got ids %d,%d, want 0,1", id0, id1)
	}
}

func TestUDMulticastJoinSendLeave(t *testing.T) {
	loop, err := findLoopbackMulticastInterface()
	if err != nil {
		t.Skipf("no multicast-capable interface available: %v", err)
	}

	a, _ := newUDEngine(t)
	b, _ := newUDEngine(t)

	const group = "239.1.2.3:9999"
	ga, err := a.Join(loop, group, 16)
	if err != nil {
		t.Skipf("join failed in this sandbox: %v", err)
	}
	gb, err := b.Join(loop, group, 16)
	if err != nil {
		t.Skipf("join failed in this sandbox: %v", err)
	}

	dst := make([]byte, 5)
	if err := gb.RecvMcast(dst); err != nil {
		t.Fatalf("RecvMcast failed: %v", err)
	}
	if err := a.SendMcast(ga, []byte("howdy"), 42); err != nil {
		t.Fatalf("SendMcast failed: %v", err)
	}

	select {
	case c := <-gb.recvCQ.ch:
		if c.Imm == nil || *c.Imm != 42 {
			t.Errorf("Imm = %v, want 42", c.Imm)
		}
		if string(dst) != "howdy" {
			t.Errorf("payload = %q, want howdy", dst)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for multicast completion")
	}

	if err := a.Leave(group); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if err := a.SendMcast(ga, []byte("late!"), 1); err == nil {
		t.Error("expected SendMcast on a left group to fail")
	}
}

// TestUDMulticastTenDatagramsReceivedExactlyTen sends 10 256-byte
// multicast datagrams back to back and checks the receiver observes
// exactly 10 completions, no more and no fewer.
func TestUDMulticastTenDatagramsReceivedExactlyTen(t *testing.T) {
	loop, err := findLoopbackMulticastInterface()
	if err != nil {
		t.Skipf("no multicast-capable interface available: %v", err)
	}

	a, _ := newUDEngine(t)
	b, _ := newUDEngine(t)

	const group = "239.1.2.4:9998"
	const n = 10
	const size = 256

	ga, err := a.Join(loop, group, n*2)
	if err != nil {
		t.Skipf("join failed in this sandbox: %v", err)
	}
	gb, err := b.Join(loop, group, n*2)
	if err != nil {
		t.Skipf("join failed in this sandbox: %v", err)
	}
	defer a.Leave(group)
	defer b.Leave(group)

	dsts := make([][]byte, n)
	for i := 0; i < n; i++ {
		dsts[i] = make([]byte, size)
		if err := gb.RecvMcast(dsts[i]); err != nil {
			t.Fatalf("RecvMcast[%d] failed: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		payload := make([]byte, size)
		for j := range payload {
			payload[j] = byte(i)
		}
		if err := a.SendMcast(ga, payload, uint32(i)); err != nil {
			t.Fatalf("SendMcast[%d] failed: %v", i, err)
		}
	}

	received := 0
	for received < n {
		select {
		case <-gb.recvCQ.ch:
			received++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d/%d completions", received, n)
		}
	}

	select {
	case c := <-gb.recvCQ.ch:
		t.Fatalf("received an eleventh completion %+v, want exactly %d", c, n)
	case <-time.After(100 * time.Millisecond):
	}
}

func findLoopbackMulticastInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
			return &iface, nil
		}
	}
	return nil, net.InvalidAddrError("no multicast interface found")
}
