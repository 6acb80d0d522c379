package engine

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/behrlich/rdma-manager/internal/errs"
	"github.com/behrlich/rdma-manager/internal/logging"
	"github.com/behrlich/rdma-manager/internal/memregion"
)

// UDGRHPrefixLen is the 40-byte Global Routing Header every UD receive
// buffer is posted with room for, per spec section 4.5.
const UDGRHPrefixLen = 40

// UDQKey is the fixed queue key UD QPs in this module use to admit
// datagrams, per spec section 6.
const UDQKey = 0x11111111

// udRecvBuf is a posted UD receive buffer.
type udRecvBuf struct {
	dest []byte
}

// UDEngine owns the single UD QP that serves every datagram peer of
// this endpoint (spec section 4.5), plus any multicast groups it has
// joined. It is backed by a real net.UDPConn rather than a simulated
// transport: Go's net package already gives an idiomatic, unreliable,
// connectionless datagram primitive that is the natural stand-in for a
// UD QP when no cgo ibverbs binding exists in this module's corpus.
type UDEngine struct {
	mr   *memregion.MemoryRegion
	conn *net.UDPConn

	mu         sync.Mutex
	peers      map[int64]*net.UDPAddr
	nextConnID int64

	sendCQ   *completionQueue
	recvCQ   *completionQueue
	recvBufs chan udRecvBuf

	mcastMu sync.Mutex
	mcast   map[string]*multicastGroup

	log *logging.Logger
}

// multicastGroup is the UD engine's "Multicast connection record" (spec
// section 3): an independently joined group with its own send/recv path
// and active flag.
type multicastGroup struct {
	addr     *net.UDPAddr
	conn     *net.UDPConn
	recvCQ   *completionQueue
	recvBufs chan udRecvBuf
	active   int32
}

// NewUDEngine creates the endpoint's single UD QP, bound to localAddr
// ("ip:port" or ":0" to let the kernel choose a port), with depth as
// the recv-buffer and completion-queue capacity.
func NewUDEngine(mr *memregion.MemoryRegion, localAddr string, depth int) (*UDEngine, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, errs.WrapError("UD_CREATE", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errs.WrapError("UD_CREATE", err)
	}

	e := &UDEngine{
		mr:       mr,
		conn:     conn,
		peers:    make(map[int64]*net.UDPAddr),
		sendCQ:   newCompletionQueue(depth),
		recvCQ:   newCompletionQueue(depth),
		recvBufs: make(chan udRecvBuf, depth),
		mcast:    make(map[string]*multicastGroup),
		log:      logging.Default(),
	}
	go e.readLoop()
	return e, nil
}

// LocalAddr returns the bound UDP address of this endpoint's QP.
func (e *UDEngine) LocalAddr() *net.UDPAddr { return e.conn.LocalAddr().(*net.UDPAddr) }

// Connect builds the address handle for connID from the peer's
// exchanged {lid, gid, qp_num}; UD connect is unconditional, it never
// negotiates state with the remote side. remoteUDPAddr is this
// software stand-in's substitute for an HCA address-handle lookup by
// {lid, gid}.
func (e *UDEngine) Connect(connID int64, remoteUDPAddr string) error {
	addr, err := net.ResolveUDPAddr("udp", remoteUDPAddr)
	if err != nil {
		return errs.WrapError("UD_CONNECT", err)
	}
	e.mu.Lock()
	e.peers[connID] = addr
	e.mu.Unlock()
	return nil
}

// NewConnID allocates a dense peer id for Connect to target.
func (e *UDEngine) NewConnID() int64 {
	return atomic.AddInt64(&e.nextConnID, 1) - 1
}

// Send posts a SEND datagram to connID's peer. UD SEND is fire-and-
// forget: the completion reflects the local post, not peer receipt.
func (e *UDEngine) Send(connID int64, payload []byte) error {
	e.mu.Lock()
	addr, ok := e.peers[connID]
	e.mu.Unlock()
	if !ok {
		return errs.NewConnError("UD_SEND", connID, errs.ErrCodeInvalidArg, "unknown UD peer")
	}
	if _, err := e.conn.WriteToUDP(payload, addr); err != nil {
		return errs.WrapError("UD_SEND", err)
	}
	e.sendCQ.push(Completion{Status: CompletionSuccess, ByteLen: uint32(len(payload))})
	return nil
}

// Receive posts dest as the destination of the next inbound datagram,
// leaving room for the 40-byte GRH prefix.
func (e *UDEngine) Receive(dest []byte) error {
	select {
	case e.recvBufs <- udRecvBuf{dest: dest}:
		return nil
	default:
		return errs.NewError("UD_POST_RECV", errs.ErrCodePostFailed, "UD receive queue full")
	}
}

// PollSend/PollReceive drain the UD QP's completion queues.
func (e *UDEngine) PollSend(block bool) (*Completion, error)    { return e.sendCQ.poll(block) }
func (e *UDEngine) PollReceive(block bool) (*Completion, error) { return e.recvCQ.poll(block) }

func (e *UDEngine) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		rb := <-e.recvBufs
		copied := copy(rb.dest[min(len(rb.dest), UDGRHPrefixLen):], buf[:n])
		e.recvCQ.push(Completion{Status: CompletionSuccess, ByteLen: uint32(UDGRHPrefixLen + copied)})
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Join resolves multicastAddr, opens a dedicated multicast-bound socket
// via the connection-manager equivalent (net.ListenMulticastUDP, the
// idiomatic Go primitive for joining an IP multicast group), and
// returns the group handle.
func (e *UDEngine) Join(iface *net.Interface, multicastAddr string, depth int) (*multicastGroup, error) {
	addr, err := net.ResolveUDPAddr("udp", multicastAddr)
	if err != nil {
		return nil, errs.WrapError("UD_MCAST_JOIN", err)
	}
	conn, err := net.ListenMulticastUDP("udp", iface, addr)
	if err != nil {
		return nil, errs.WrapError("UD_MCAST_JOIN", err)
	}

	g := &multicastGroup{
		addr:     addr,
		conn:     conn,
		recvCQ:   newCompletionQueue(depth),
		recvBufs: make(chan udRecvBuf, depth),
		active:   1,
	}
	e.mcastMu.Lock()
	e.mcast[multicastAddr] = g
	e.mcastMu.Unlock()

	go g.readLoop()
	return g, nil
}

// Leave tears the group down in reverse of Join: mark inactive first so
// no further sends are attempted against it, then close the socket.
func (e *UDEngine) Leave(multicastAddr string) error {
	e.mcastMu.Lock()
	g, ok := e.mcast[multicastAddr]
	if ok {
		delete(e.mcast, multicastAddr)
	}
	e.mcastMu.Unlock()
	if !ok {
		return errs.NewError("UD_MCAST_LEAVE", errs.ErrCodeInvalidArg, "not joined to that group")
	}
	atomic.StoreInt32(&g.active, 0)
	return g.conn.Close()
}

// SendMcast posts a datagram to the joined group, carrying the sender's
// local QP number as the immediate-data field.
func (e *UDEngine) SendMcast(g *multicastGroup, payload []byte, senderQPNum uint32) error {
	if atomic.LoadInt32(&g.active) == 0 {
		return errs.NewError("UD_MCAST_SEND", errs.ErrCodeInvalidArg, "multicast group is not active")
	}
	framed := make([]byte, 4+len(payload))
	framed[0] = byte(senderQPNum)
	framed[1] = byte(senderQPNum >> 8)
	framed[2] = byte(senderQPNum >> 16)
	framed[3] = byte(senderQPNum >> 24)
	copy(framed[4:], payload)
	if _, err := e.conn.WriteToUDP(framed, g.addr); err != nil {
		return errs.WrapError("UD_MCAST_SEND", err)
	}
	return nil
}

// RecvMcast posts dest as the destination of the next inbound multicast
// datagram for group g.
func (g *multicastGroup) RecvMcast(dest []byte) error {
	select {
	case g.recvBufs <- udRecvBuf{dest: dest}:
		return nil
	default:
		return errs.NewError("UD_MCAST_RECV", errs.ErrCodePostFailed, "multicast receive queue full")
	}
}

// PollMcast drains the group's completion queue.
func (g *multicastGroup) PollMcast(block bool) (*Completion, error) { return g.recvCQ.poll(block) }

func (g *multicastGroup) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 4 {
			continue
		}
		senderQPNum := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		rb := <-g.recvBufs
		copied := copy(rb.dest, buf[4:n])
		imm := senderQPNum
		g.recvCQ.push(Completion{Status: CompletionSuccess, Imm: &imm, ByteLen: uint32(copied)})
	}
}
