package rdma

import (
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/behrlich/rdma-manager/internal/ctrlsock"
	"github.com/behrlich/rdma-manager/internal/engine"
	"github.com/behrlich/rdma-manager/internal/errs"
	"github.com/behrlich/rdma-manager/internal/logging"
	"github.com/behrlich/rdma-manager/internal/memregion"
	"github.com/behrlich/rdma-manager/internal/wire"
)

// Client is the client facet of the transport (spec section 4.6): it
// owns a memory region and a Reliable engine, learns its own NodeID
// from the sequencer on first use, and peers a QP with each server it
// connects to. A Client's methods are safe for concurrent use.
type Client struct {
	cfg *Config
	mr  *memregion.MemoryRegion
	rc  *engine.RCEngine

	selfAddr string
	seq      *ctrlsock.Dialer

	mu        sync.Mutex
	selfID    uint64
	haveSelf  bool
	serverIDs map[string]uint64
	peers     map[string]*engine.Connection

	log *logging.Logger
}

// NewClient builds a client over mr, addressed as selfAddr ("ip:port")
// when it registers with the sequencer named in cfg.
func NewClient(cfg *Config, mr *memregion.MemoryRegion, selfAddr string) *Client {
	seqAddr := fmt.Sprintf("%s:%d", cfg.SequencerIP, cfg.SequencerPort)
	return &Client{
		cfg:       cfg,
		mr:        mr,
		rc:        engine.NewRCEngine(mr, cfg.RDMAMaxWR),
		selfAddr:  selfAddr,
		seq:       ctrlsock.NewDialer(seqAddr),
		serverIDs: make(map[string]uint64),
		peers:     make(map[string]*engine.Connection),
		log:       logging.Default(),
	}
}

// Engine exposes the underlying RC engine for posting verbs once
// Connect has returned.
func (c *Client) Engine() *engine.RCEngine { return c.rc }

func (c *Client) ensureSelfID() error {
	if c.haveSelf {
		return nil
	}
	reply, err := c.seq.Request(wire.NodeIDRequest{IPPort: c.selfAddr, DisplayName: c.selfAddr, Kind: wire.NodeKindClient})
	if err != nil {
		return errs.WrapError("CONNECT", err)
	}
	resp, ok := reply.Payload.(wire.NodeIDResponse)
	if !ok {
		return errs.NewError("CONNECT", errs.ErrCodeControlPlane, "sequencer returned an unexpected reply kind")
	}
	c.selfID = resp.AssignedID
	c.haveSelf = true
	c.log.Info("assigned node id", "id", c.selfID, "self_addr", c.selfAddr)
	return nil
}

// resolveServerID translates target to its registered NodeID, retrying
// with exponential backoff while the sequencer reports NODEID_NOT_FOUND
// (the server may not have registered yet).
func (c *Client) resolveServerID(target string) (uint64, error) {
	if id, ok := c.serverIDs[target]; ok {
		return id, nil
	}

	var result wire.GetNodeIDForIpPortResponse
	op := func() error {
		reply, err := c.seq.Request(wire.GetNodeIDForIpPortRequest{IPPort: target})
		if err != nil {
			return backoff.Permanent(errs.WrapError("CONNECT", err))
		}
		resp, ok := reply.Payload.(wire.GetNodeIDForIpPortResponse)
		if !ok {
			return backoff.Permanent(errs.NewError("CONNECT", errs.ErrCodeControlPlane, "sequencer returned an unexpected reply kind"))
		}
		if resp.Status == wire.StatusNodeIDNotFound {
			return fmt.Errorf("server %s not yet registered with sequencer", target)
		}
		result = resp
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.RDMAGetNodeIDRetries))
	if err := backoff.Retry(op, policy); err != nil {
		if perr, ok := err.(*errs.Error); ok {
			return 0, perr
		}
		return 0, errs.NewError("CONNECT", errs.ErrCodeControlPlane, err.Error())
	}
	if result.IP != target {
		return 0, errs.NewError("CONNECT", errs.ErrCodeControlPlane, "sequencer returned a mismatched ip:port")
	}
	c.serverIDs[target] = result.ID
	return result.ID, nil
}

// Connect peers a QP with target ("ip:port"), returning the server's
// NodeID. A QP already READY for target is reused.
func (c *Client) Connect(target string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSelfID(); err != nil {
		return 0, err
	}
	serverID, err := c.resolveServerID(target)
	if err != nil {
		return 0, err
	}
	if conn, ok := c.peers[target]; ok && conn.State() == engine.StateReady {
		return serverID, nil
	}

	rcConn := c.rc.NewConnection()
	dialer := ctrlsock.NewDialer(target)
	local := wire.QPAddress{Buffer: 0, RKey: c.mr.RKey(), QPNum: uint32(rcConn.ID)}

	reply, err := dialer.Request(wire.RDMAConnRequest{Addr: local, NodeID: c.selfID})
	if err != nil {
		return 0, errs.NewNodeError("CONNECT", serverID, errs.ErrCodeControlPlane, err.Error())
	}

	switch resp := reply.Payload.(type) {
	case wire.RDMAConnResponse:
		dataConn := dialer.TakeConn()
		c.rc.Attach(rcConn, dataConn, local, resp.Addr)
		c.peers[target] = rcConn
		c.log.Info("peered QP with server", "target", target, "server_id", serverID, "conn_id", rcConn.ID)
		return serverID, nil
	case wire.ErrorMessage:
		dialer.Close()
		return 0, errs.NewNodeError("CONNECT", serverID, errs.ErrCodeRemoteRejected, resp.Status.String())
	default:
		dialer.Close()
		return 0, errs.NewNodeError("CONNECT", serverID, errs.ErrCodeControlPlane, "unexpected reply kind during connect")
	}
}

// Conn returns the QP peered with target, if Connect has already
// succeeded for it.
func (c *Client) Conn(target string) (*engine.Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.peers[target]
	return conn, ok
}

// RemoteAlloc asks target's server to carve size bytes out of its MR,
// returning the offset of the allocated extent.
func (c *Client) RemoteAlloc(target string, size uint64) (uint64, error) {
	dialer := ctrlsock.NewDialer(target)
	defer dialer.Close()

	reply, err := dialer.Request(wire.MemoryResourceRequest{Op: wire.MemOpAlloc, Size: size})
	if err != nil {
		return 0, errs.WrapError("REMOTE_ALLOC", err)
	}
	resp, ok := reply.Payload.(wire.MemoryResourceResponse)
	if !ok {
		return 0, errs.NewError("REMOTE_ALLOC", errs.ErrCodeControlPlane, "unexpected reply kind")
	}
	switch resp.Status {
	case wire.StatusNoError:
		return resp.Offset, nil
	case wire.StatusMemoryNotAvailable:
		return 0, errs.NewError("REMOTE_ALLOC", errs.ErrCodeOutOfMemory, "REMOTE_OOM")
	default:
		return 0, errs.NewError("REMOTE_ALLOC", errs.ErrCodeRemoteRejected, resp.Status.String())
	}
}

// RemoteFree releases an extent previously returned by RemoteAlloc.
func (c *Client) RemoteFree(target string, size, offset uint64) error {
	dialer := ctrlsock.NewDialer(target)
	defer dialer.Close()

	reply, err := dialer.Request(wire.MemoryResourceRequest{Op: wire.MemOpRelease, Size: size, Offset: offset})
	if err != nil {
		return errs.WrapError("REMOTE_FREE", err)
	}
	resp, ok := reply.Payload.(wire.MemoryResourceResponse)
	if !ok {
		return errs.NewError("REMOTE_FREE", errs.ErrCodeControlPlane, "unexpected reply kind")
	}
	if resp.Status != wire.StatusNoError {
		return errs.NewError("REMOTE_FREE", errs.ErrCodeInvalidArg, "RELEASE_FAILED")
	}
	return nil
}

// Disconnect tears down the QP peered with target and notifies the
// server so it releases its side too.
func (c *Client) Disconnect(target string) error {
	c.mu.Lock()
	conn, ok := c.peers[target]
	if ok {
		delete(c.peers, target)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	dialer := ctrlsock.NewDialer(target)
	defer dialer.Close()
	if _, err := dialer.Request(wire.RDMAConnDisconnect{NodeID: c.selfID}); err != nil {
		c.log.Warn("failed to notify server of disconnect", "target", target, "error", err)
	}
	return c.rc.Disconnect(conn.ID)
}

// Close releases the sequencer connection. It does not tear down any
// peered QPs; call Disconnect for each target first if that is needed.
func (c *Client) Close() error { return c.seq.Close() }
