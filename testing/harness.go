// Package testing provides a loopback harness that stands up a full
// sequencer + server + client stack on 127.0.0.1, the same way
// ublk.MockBackend lets consumers of that library test without a real
// kernel device: consumers of this module can exercise Connect,
// RemoteAlloc, and the data-plane verbs without any real RDMA hardware.
package testing

import (
	"fmt"
	"net"

	rdma "github.com/behrlich/rdma-manager"
	"github.com/behrlich/rdma-manager/internal/config"
	"github.com/behrlich/rdma-manager/internal/memregion"
	"github.com/behrlich/rdma-manager/internal/sequencer"
)

// Harness wires a sequencer, one server, and one client together over
// loopback TCP, each with its own in-process memory region.
type Harness struct {
	Seq        *sequencer.Server
	Server     *rdma.Server
	Client     *rdma.Client
	ServerMR   *memregion.MemoryRegion
	ClientMR   *memregion.MemoryRegion
	ServerAddr string
}

// NewHarness brings up the full stack with the given MR size for both
// sides and the given per-connection work-request budget.
func NewHarness(mrSize uint64, maxWR uint32) (*Harness, error) {
	seq, err := sequencer.Listen("127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("testing: start sequencer: %w", err)
	}
	go seq.Serve()

	seqTCPAddr, ok := seq.Addr().(*net.TCPAddr)
	if !ok {
		seq.Close()
		return nil, fmt.Errorf("testing: sequencer address is not a TCP address")
	}

	cfg := config.Default()
	cfg.RDMAMaxWR = maxWR
	cfg.SequencerIP = "127.0.0.1"
	cfg.SequencerPort = uint16(seqTCPAddr.Port)

	serverMR, err := memregion.Create(memregion.KindHost, mrSize, memregion.Options{RegisterWithVerbs: true})
	if err != nil {
		seq.Close()
		return nil, fmt.Errorf("testing: create server MR: %w", err)
	}
	server, err := rdma.NewServer(cfg, serverMR, "127.0.0.1:0")
	if err != nil {
		seq.Close()
		return nil, fmt.Errorf("testing: create server: %w", err)
	}
	serverAddr := server.Addr().String()
	cfg.RDMAServerAddresses = []string{serverAddr}
	if err := server.Start(); err != nil {
		seq.Close()
		server.Stop()
		return nil, fmt.Errorf("testing: start server: %w", err)
	}

	clientMR, err := memregion.Create(memregion.KindHost, mrSize, memregion.Options{RegisterWithVerbs: true})
	if err != nil {
		seq.Close()
		server.Stop()
		return nil, fmt.Errorf("testing: create client MR: %w", err)
	}
	client := rdma.NewClient(cfg, clientMR, "127.0.0.1:0")

	return &Harness{
		Seq:        seq,
		Server:     server,
		Client:     client,
		ServerMR:   serverMR,
		ClientMR:   clientMR,
		ServerAddr: serverAddr,
	}, nil
}

// Connect peers the harness's client with its server and returns the
// server's NodeID.
func (h *Harness) Connect() (uint64, error) {
	return h.Client.Connect(h.ServerAddr)
}

// Stop tears the whole stack down: the client's peered QPs are not
// disconnected explicitly; the server's Stop closes its side of each,
// then the control-plane listeners close.
func (h *Harness) Stop() {
	h.Client.Close()
	h.Server.Stop()
	h.Seq.Close()
}
