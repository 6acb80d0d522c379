package engine

import (
	"net"
	"sync"
	"testing"

	"github.com/behrlich/rdma-manager/internal/memregion"
)

// pairedEngines builds two RC engines, each over its own MR, wired
// together with an in-process net.Pipe standing in for the data-plane
// TCP connection a real deployment would open after the control-plane
// handshake.
func pairedEngines(t *testing.T, maxWR uint32, mrSize uint64) (a, b *Connection, engA, engB *RCEngine) {
	t.Helper()
	mrA, err := memregion.Create(memregion.KindHost, mrSize, memregion.Options{RegisterWithVerbs: true})
	if err != nil {
		t.Fatalf("Create mrA failed: %v", err)
	}
	mrB, err := memregion.Create(memregion.KindHost, mrSize, memregion.Options{RegisterWithVerbs: true})
	if err != nil {
		t.Fatalf("Create mrB failed: %v", err)
	}
	engA = NewRCEngine(mrA, maxWR)
	engB = NewRCEngine(mrB, maxWR)

	connA := engA.NewConnection()
	connB := engB.NewConnection()

	pa, pb := net.Pipe()
	addrA := Address{Buffer: 0, RKey: mrA.RKey(), QPNum: uint32(connA.ID)}
	addrB := Address{Buffer: 0, RKey: mrB.RKey(), QPNum: uint32(connB.ID)}

	engA.Attach(connA, pa, addrA, addrB)
	engB.Attach(connB, pb, addrB, addrA)

	return connA, connB, engA, engB
}

func TestRCWriteCorrectness(t *testing.T) {
	a, _, _, engB := pairedEngines(t, 64, 4096)

	src := []byte("hello\x00")
	if err := a.Write(128, src, true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := engB.mr.ReadBytes(128, uint64(len(src)))
	if err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}
	if string(got) != string(src) {
		t.Errorf("got %q, want %q", got, src)
	}

	c, err := a.PollSend(true)
	if err != nil {
		t.Fatalf("PollSend failed: %v", err)
	}
	if c.Status != CompletionSuccess {
		t.Errorf("expected successful completion, got %v", c.Status)
	}
}

func TestRCReadCorrectness(t *testing.T) {
	a, _, _, engB := pairedEngines(t, 64, 4096)

	want := []byte("readme!!")
	if err := engB.mr.ApplyBytes(256, want); err != nil {
		t.Fatalf("ApplyBytes failed: %v", err)
	}

	dst := make([]byte, len(want))
	if err := a.Read(256, dst, true); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(dst) != string(want) {
		t.Errorf("got %q, want %q", dst, want)
	}
}

func TestRCSendReceive(t *testing.T) {
	a, b, _, _ := pairedEngines(t, 64, 4096)

	dst := make([]byte, 5)
	if err := b.PostReceive(dst); err != nil {
		t.Fatalf("PostReceive failed: %v", err)
	}
	if err := a.Send([]byte("abcde"), true); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	c, err := b.PollReceive(true)
	if err != nil {
		t.Fatalf("PollReceive failed: %v", err)
	}
	if c.ByteLen != 5 || string(dst) != "abcde" {
		t.Errorf("got len=%d dst=%q, want len=5 dst=abcde", c.ByteLen, dst)
	}
}

func TestRCSendImmAndWriteImm(t *testing.T) {
	a, b, _, engB := pairedEngines(t, 64, 4096)

	recvDst := make([]byte, 4)
	if err := b.PostReceive(recvDst); err != nil {
		t.Fatalf("PostReceive failed: %v", err)
	}
	if err := a.SendImm([]byte("abcd"), 0xCAFE, true); err != nil {
		t.Fatalf("SendImm failed: %v", err)
	}
	c, err := b.PollReceive(true)
	if err != nil {
		t.Fatalf("PollReceive failed: %v", err)
	}
	if c.Imm == nil || *c.Imm != 0xCAFE {
		t.Errorf("Imm = %v, want 0xCAFE", c.Imm)
	}

	if err := b.PostReceive(make([]byte, 0)); err != nil {
		t.Fatalf("PostReceive failed: %v", err)
	}
	if err := a.WriteImm(64, []byte("xyz!"), 0xBEEF, true); err != nil {
		t.Fatalf("WriteImm failed: %v", err)
	}
	c, err = b.PollReceive(true)
	if err != nil {
		t.Fatalf("PollReceive failed: %v", err)
	}
	if c.Imm == nil || *c.Imm != 0xBEEF {
		t.Errorf("Imm = %v, want 0xBEEF", c.Imm)
	}
	got, err := engB.mr.ReadBytes(64, 4)
	if err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}
	if string(got) != "xyz!" {
		t.Errorf("got %q, want xyz!", got)
	}
}

// TestRCEightSendsPreserveOrder posts 8 receives up front, then fires 8
// sends of 128 random bytes each back to back, and checks every payload
// lands in its matching receive buffer in the order it was sent.
func TestRCEightSendsPreserveOrder(t *testing.T) {
	a, b, _, _ := pairedEngines(t, 64, 4096)

	const n = 8
	const size = 128

	dsts := make([][]byte, n)
	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		dsts[i] = make([]byte, size)
		if err := b.PostReceive(dsts[i]); err != nil {
			t.Fatalf("PostReceive[%d] failed: %v", i, err)
		}
		payloads[i] = make([]byte, size)
		for j := range payloads[i] {
			payloads[i][j] = byte((i*31 + j) % 256)
		}
	}

	for i := 0; i < n; i++ {
		if err := a.Send(payloads[i], true); err != nil {
			t.Fatalf("Send[%d] failed: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		c, err := b.PollReceive(true)
		if err != nil {
			t.Fatalf("PollReceive[%d] failed: %v", i, err)
		}
		if int(c.ByteLen) != size {
			t.Fatalf("PollReceive[%d] ByteLen = %d, want %d", i, c.ByteLen, size)
		}
		if string(dsts[i]) != string(payloads[i]) {
			t.Errorf("receive %d landed out of order or corrupted", i)
		}
	}
}

func TestRCFetchAndAddConcurrent(t *testing.T) {
	a, _, _, engB := pairedEngines(t, 1024, 4096)

	const n = 8
	const k = 500
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			dst := make([]byte, 8)
			for j := 0; j < k; j++ {
				if err := a.FetchAndAdd(0, dst, 1, true); err != nil {
					t.Errorf("FetchAndAdd failed: %v", err)
					return
				}
				if _, err := a.PollSend(true); err != nil {
					t.Errorf("PollSend failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := engB.mr.ReadScalar(0, 64)
	if err != nil {
		t.Fatalf("ReadScalar failed: %v", err)
	}
	if got != uint64(n*k) {
		t.Errorf("got %d, want %d", got, n*k)
	}
}

func TestRCCompareAndSwap(t *testing.T) {
	a, _, _, engB := pairedEngines(t, 64, 4096)
	if err := engB.mr.WriteScalar(0, 64, 42); err != nil {
		t.Fatalf("WriteScalar failed: %v", err)
	}

	dst := make([]byte, 8)
	if err := a.CompareAndSwap(0, dst, 42, 99, true); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	var pre uint64
	for i := 0; i < 8; i++ {
		pre |= uint64(dst[i]) << (8 * uint(i))
	}
	if pre != 42 {
		t.Errorf("pre-swap value = %d, want 42", pre)
	}
	got, err := engB.mr.ReadScalar(0, 64)
	if err != nil {
		t.Fatalf("ReadScalar failed: %v", err)
	}
	if got != 99 {
		t.Errorf("post-swap value = %d, want 99", got)
	}

	if err := a.CompareAndSwap(0, dst, 42, 7, true); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	got, _ = engB.mr.ReadScalar(0, 64)
	if got != 99 {
		t.Errorf("CAS with mismatched compare should not apply, got %d", got)
	}
}

func TestNewConnectionIDsAreDense(t *testing.T) {
	mr, err := memregion.Create(memregion.KindHost, 4096, memregion.Options{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	eng := NewRCEngine(mr, 16)
	c0 := eng.NewConnection()
	c1 := eng.NewConnection()
	if c0.ID != 0 || c1.ID != 1 {
		t.Errorf("got ids %d,%d, want 0,1", c0.ID, c1.ID)
	}
}
