// Package sequencer implements the NodeID Sequencer: a single-threaded
// authority handing out monotonically increasing NodeIDs and maintaining
// an ip:port -> NodeID directory for server nodes, grounded on the
// teacher's internal/ctrl.Controller dispatch-table shape (one exported
// method per recognised command, guarded by one mutex).
package sequencer

import (
	"net"
	"sync"

	"github.com/behrlich/rdma-manager/internal/ctrlsock"
	"github.com/behrlich/rdma-manager/internal/logging"
	"github.com/behrlich/rdma-manager/internal/wire"
)

// entry is one row of the directory.
type entry struct {
	ipPort      string
	displayName string
	assignedID  uint64
	kind        wire.NodeKind
}

// Directory is the sequencer's in-memory state: a monotone counter plus
// an append-only list of entries, and an ip:port -> id map populated
// only for SERVER entries.
type Directory struct {
	mu        sync.Mutex
	nextID    uint64
	entries   []entry
	serverIdx map[string]uint64
}

// NewDirectory returns an empty directory with the counter at zero.
func NewDirectory() *Directory {
	return &Directory{serverIdx: make(map[string]uint64)}
}

// Register assigns the next id to ipPort/displayName/kind and, for
// SERVER kinds, records it in the address index.
func (d *Directory) Register(ipPort, displayName string, kind wire.NodeKind) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.entries = append(d.entries, entry{ipPort: ipPort, displayName: displayName, assignedID: id, kind: kind})
	if kind == wire.NodeKindServer {
		d.serverIdx[ipPort] = id
	}
	return id
}

// Lookup translates an ip:port to a previously-registered SERVER id.
func (d *Directory) Lookup(ipPort string) (wire.GetNodeIDForIpPortResponse, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.serverIdx[ipPort]
	if !ok {
		return wire.GetNodeIDForIpPortResponse{}, false
	}
	for _, e := range d.entries {
		if e.ipPort == ipPort && e.assignedID == id {
			return wire.GetNodeIDForIpPortResponse{
				ID: e.assignedID, IP: e.ipPort, Name: e.displayName, Kind: e.kind, Status: wire.StatusNoError,
			}, true
		}
	}
	return wire.GetNodeIDForIpPortResponse{}, false
}

// All returns every registered entry in registration order.
func (d *Directory) All() []wire.NodeEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]wire.NodeEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, wire.NodeEntry{IPPort: e.ipPort, DisplayName: e.displayName, AssignedID: e.assignedID, Kind: e.kind})
	}
	return out
}

// Server serves the four sequencer-typed messages over a ctrlsock
// listener.
type Server struct {
	dir *Directory
	ln  *ctrlsock.Listener
}

// Listen starts a sequencer listening on addr.
func Listen(addr string) (*Server, error) {
	s := &Server{dir: NewDirectory()}
	ln, err := ctrlsock.Listen(addr, s.handle)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve runs the accept loop; it blocks until Close is called.
func (s *Server) Serve() error { return s.ln.Serve() }

// Close stops the accept loop.
func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) handle(conn net.Conn, req wire.Envelope) (interface{}, error) {
	switch m := req.Payload.(type) {
	case wire.NodeIDRequest:
		id := s.dir.Register(m.IPPort, m.DisplayName, m.Kind)
		logging.Default().Info("sequencer assigned node id", "ip_port", m.IPPort, "id", id, "kind", m.Kind)
		return wire.NodeIDResponse{AssignedID: id, Status: wire.StatusNoError}, nil
	case wire.GetNodeIDForIpPortRequest:
		if resp, ok := s.dir.Lookup(m.IPPort); ok {
			return resp, nil
		}
		return wire.GetNodeIDForIpPortResponse{Status: wire.StatusNodeIDNotFound}, nil
	case wire.GetAllNodeIDsRequest:
		return wire.GetAllNodeIDsResponse{Entries: s.dir.All()}, nil
	default:
		return wire.ErrorMessage{Status: wire.StatusInvalidMessage}, nil
	}
}
