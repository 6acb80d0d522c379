package rdma

import (
	"fmt"
	"net"
	"sync"

	"github.com/behrlich/rdma-manager/internal/ctrlsock"
	"github.com/behrlich/rdma-manager/internal/engine"
	"github.com/behrlich/rdma-manager/internal/errs"
	"github.com/behrlich/rdma-manager/internal/logging"
	"github.com/behrlich/rdma-manager/internal/memregion"
	"github.com/behrlich/rdma-manager/internal/wire"
)

// Server is the server facet of the transport (spec section 4.7): it
// owns a memory region and a Reliable engine, registers itself with
// the sequencer, and serves control-plane requests on an accept loop.
//
// Resolving the spec's ambiguous "lower nodeid backs off" tie-break
// (an explicit Open Question): a Server here accepts any
// RDMAConnRequest from a NodeID it has not already peered with and
// rejects a repeat request from an already-peered NodeID with
// ErrorMessage(INVALID_MESSAGE). This library exposes connection
// initiation only through Client.Connect, so the "both sides racing to
// build a QP toward each other" scenario the original tie-break guarded
// against cannot arise here -- the first request for a given NodeID
// always wins, and there is never a second initiator to back off.
type Server struct {
	cfg *Config
	mr  *memregion.MemoryRegion
	rc  *engine.RCEngine

	selfAddr string
	ln       *ctrlsock.Listener
	seq      *ctrlsock.Dialer

	memMu sync.Mutex

	connMu sync.Mutex
	byNode map[uint64]*engine.Connection

	selfID   uint64
	haveSelf bool

	log *logging.Logger
}

// NewServer builds a server over mr, listening for control-plane
// connections on listenAddr and registering with the sequencer named
// in cfg.
func NewServer(cfg *Config, mr *memregion.MemoryRegion, listenAddr string) (*Server, error) {
	seqAddr := fmt.Sprintf("%s:%d", cfg.SequencerIP, cfg.SequencerPort)
	s := &Server{
		cfg:    cfg,
		mr:     mr,
		rc:     engine.NewRCEngine(mr, cfg.RDMAMaxWR),
		seq:    ctrlsock.NewDialer(seqAddr),
		byNode: make(map[uint64]*engine.Connection),
		log:    logging.Default(),
	}
	ln, err := ctrlsock.Listen(listenAddr, s.handle)
	if err != nil {
		return nil, errs.WrapError("SERVER_LISTEN", err)
	}
	s.ln = ln
	// Registering with the sequencer under the bound address (rather than
	// the possibly-wildcard listenAddr the caller passed in, e.g.
	// "127.0.0.1:0") lets clients resolve it by the same string they dial.
	s.selfAddr = ln.Addr().String()
	return s, nil
}

// Engine exposes the underlying RC engine, e.g. for tests that want to
// drive verbs directly against an accepted peer's connection.
func (s *Server) Engine() *engine.RCEngine { return s.rc }

// Addr returns the bound control-plane address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// NodeID returns this server's assigned NodeID; valid only after Start.
func (s *Server) NodeID() uint64 { return s.selfID }

// Start registers the server with the sequencer and spawns the accept
// loop in a background goroutine, returning once registration
// completes.
func (s *Server) Start() error {
	reply, err := s.seq.Request(wire.NodeIDRequest{IPPort: s.selfAddr, DisplayName: s.selfAddr, Kind: wire.NodeKindServer})
	if err != nil {
		return errs.WrapError("SERVER_START", err)
	}
	resp, ok := reply.Payload.(wire.NodeIDResponse)
	if !ok {
		return errs.NewError("SERVER_START", errs.ErrCodeControlPlane, "sequencer returned an unexpected reply kind")
	}
	s.selfID = resp.AssignedID
	s.haveSelf = true
	s.log.Info("server registered with sequencer", "id", s.selfID, "addr", s.selfAddr)

	go func() {
		if err := s.ln.Serve(); err != nil {
			s.log.Warn("control-plane accept loop exited", "error", err)
		}
	}()
	return nil
}

// CreateSRQ creates a Shared Receive Queue (spec section 4.7: a server
// "optionally routes new QPs onto an active SRQ") with room for depth
// outstanding receives, and returns it without activating it.
func (s *Server) CreateSRQ(depth int) *engine.SRQ {
	return s.rc.NewSRQ(depth)
}

// SetActiveSRQ designates srq as the queue future incoming connections
// are attached to. Pass nil to resume giving new connections their own
// per-QP recv queue.
func (s *Server) SetActiveSRQ(srq *engine.SRQ) {
	s.rc.SetActiveSRQ(srq)
}

// Connections returns a snapshot of every currently peered connection,
// e.g. for a caller that wants to keep its receive queues topped up
// (SEND/SEND_IMM only land once something has posted a receive).
func (s *Server) Connections() []*engine.Connection {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	out := make([]*engine.Connection, 0, len(s.byNode))
	for _, c := range s.byNode {
		out = append(out, c)
	}
	return out
}

// Stop closes the accept loop, the sequencer connection, and every
// peered QP. Completions still queued on a QP's CQs are not drained.
func (s *Server) Stop() error {
	s.connMu.Lock()
	ids := make([]int64, 0, len(s.byNode))
	for _, c := range s.byNode {
		ids = append(ids, c.ID)
	}
	s.byNode = make(map[uint64]*engine.Connection)
	s.connMu.Unlock()

	for _, id := range ids {
		_ = s.rc.Disconnect(id)
	}
	_ = s.seq.Close()
	return s.ln.Close()
}

func (s *Server) handle(conn net.Conn, req wire.Envelope) (interface{}, error) {
	switch m := req.Payload.(type) {
	case wire.RDMAConnRequest:
		return s.handleConnRequest(conn, req, m)
	case wire.MemoryResourceRequest:
		return s.handleMemoryRequest(m)
	case wire.RDMAConnDisconnect:
		return s.handleDisconnect(m)
	default:
		return wire.ErrorMessage{Status: wire.StatusInvalidMessage}, nil
	}
}

func (s *Server) handleConnRequest(conn net.Conn, req wire.Envelope, m wire.RDMAConnRequest) (interface{}, error) {
	s.connMu.Lock()
	if _, seen := s.byNode[m.NodeID]; seen {
		s.connMu.Unlock()
		return wire.ErrorMessage{Status: wire.StatusInvalidMessage}, nil
	}

	rcConn := s.rc.NewConnection()
	s.byNode[m.NodeID] = rcConn
	s.connMu.Unlock()

	local := wire.QPAddress{Buffer: 0, RKey: s.mr.RKey(), QPNum: uint32(rcConn.ID)}
	reply, err := wire.Reply(req, wire.RDMAConnResponse{Addr: local})
	if err != nil {
		return nil, err
	}
	if err := wire.WriteEnvelope(conn, reply); err != nil {
		return nil, err
	}

	s.rc.Attach(rcConn, conn, local, m.Addr)
	s.log.Info("accepted QP from peer", "node_id", m.NodeID, "conn_id", rcConn.ID)
	return nil, ctrlsock.ErrHijacked
}

func (s *Server) handleMemoryRequest(m wire.MemoryResourceRequest) (interface{}, error) {
	s.memMu.Lock()
	defer s.memMu.Unlock()

	switch m.Op {
	case wire.MemOpAlloc:
		offset, err := s.mr.Alloc(m.Size)
		if err != nil {
			return wire.MemoryResourceResponse{Status: wire.StatusMemoryNotAvailable}, nil
		}
		return wire.MemoryResourceResponse{Offset: offset, Status: wire.StatusNoError}, nil
	case wire.MemOpRelease:
		if err := s.mr.Free(m.Offset, m.Size); err != nil {
			return wire.MemoryResourceResponse{Status: wire.StatusMemoryReleaseFailed}, nil
		}
		return wire.MemoryResourceResponse{Status: wire.StatusNoError}, nil
	default:
		return wire.ErrorMessage{Status: wire.StatusInvalidMessage}, nil
	}
}

func (s *Server) handleDisconnect(m wire.RDMAConnDisconnect) (interface{}, error) {
	s.connMu.Lock()
	conn, ok := s.byNode[m.NodeID]
	if ok {
		delete(s.byNode, m.NodeID)
	}
	s.connMu.Unlock()
	if !ok {
		return wire.ErrorMessage{Status: wire.StatusInvalidMessage}, nil
	}
	if err := s.rc.Disconnect(conn.ID); err != nil {
		s.log.Warn("failed to disconnect QP", "node_id", m.NodeID, "error", err)
	}
	return wire.MemoryResourceResponse{Status: wire.StatusNoError}, nil
}
