package barrier

import (
	"net"
	"sync"
	"testing"

	"github.com/behrlich/rdma-manager/internal/engine"
	"github.com/behrlich/rdma-manager/internal/memregion"
)

func pairedConns(t *testing.T) (client, server *engine.Connection) {
	t.Helper()
	mrC, err := memregion.Create(memregion.KindHost, 4096, memregion.Options{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mrS, err := memregion.Create(memregion.KindHost, 4096, memregion.Options{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	engC := engine.NewRCEngine(mrC, 64)
	engS := engine.NewRCEngine(mrS, 64)

	c := engC.NewConnection()
	s := engS.NewConnection()

	pc, ps := net.Pipe()
	addrC := engine.Address{QPNum: uint32(c.ID)}
	addrS := engine.Address{QPNum: uint32(s.ID)}
	engC.Attach(c, pc, addrC, addrS)
	engS.Attach(s, ps, addrS, addrC)
	return c, s
}

func TestGlobalBarrierLiveness(t *testing.T) {
	client, server := pairedConns(t)

	var wg sync.WaitGroup
	wg.Add(2)
	var clientErr, serverErr error
	go func() {
		defer wg.Done()
		clientErr = GlobalBarrierClient([]Peer{client})
	}()
	go func() {
		defer wg.Done()
		serverErr = GlobalBarrierServer([]Peer{server})
	}()
	wg.Wait()

	if clientErr != nil {
		t.Errorf("client barrier failed: %v", clientErr)
	}
	if serverErr != nil {
		t.Errorf("server barrier failed: %v", serverErr)
	}
}
