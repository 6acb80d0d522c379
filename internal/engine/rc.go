package engine

import (
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/rdma-manager/internal/errs"
	"github.com/behrlich/rdma-manager/internal/logging"
	"github.com/behrlich/rdma-manager/internal/memregion"
	"github.com/behrlich/rdma-manager/internal/metrics"
)

// recvBuffer is a posted receive: the destination the next inbound
// SEND/SEND_IMM/WRITE_IMM notification will land in.
type recvBuffer struct {
	dest []byte
}

// pendingOp tracks an in-flight request awaiting its response frame
// (READ, FETCH_ADD, CMP_SWAP), keyed by WRID.
type pendingOp struct {
	dest []byte // nil for FETCH_ADD/CMP_SWAP, which write 8 bytes via result
	done chan frame
}

// Connection is one RC QP record (spec section 3's "Queue Pair (QP)
// record"): local/remote addressing, its state, and the software
// stand-in for its send/recv CQs.
type Connection struct {
	ID     int64
	mu     sync.Mutex
	state  State
	local  Address
	remote Address

	mr   *memregion.MemoryRegion
	conn net.Conn

	maxWR           uint32
	unsignaledCount uint32

	sendCQ *completionQueue
	recvCQ *completionQueue

	writeMu  sync.Mutex
	nextWRID uint64

	recvBufs  chan recvBuffer
	pendingMu sync.Mutex
	pending   map[uint64]*pendingOp
	sendWait  map[uint64]chan struct{} // WRID -> signal for WRITE/SEND acks

	// srq is non-nil when this QP was created while an SRQ was active
	// (spec section 3's SRQ invariant): receives are posted to and
	// completions drawn from srq's shared queues instead of this
	// connection's own recvBufs/recvCQ.
	srq *SRQ

	// recvBudget bounds how many of this QP's own posted receive buffers
	// may sit unconsumed at once; postBudget bounds how many of this
	// QP's own IMMEDIATE-mode sends may sit unacknowledged at once. Both
	// are spec section 5's credit/receive-budget discipline applied from
	// the two different directions a single connection needs it.
	recvBudget *ReceiveBudget
	postBudget *ReceiveBudget

	// metrics is the owning engine's counter set (never nil); every verb
	// records its outcome here.
	metrics *metrics.Metrics

	closeOnce sync.Once
	log       *logging.Logger
}

func newConnection(id int64, mr *memregion.MemoryRegion, maxWR uint32, srq *SRQ, m *metrics.Metrics) *Connection {
	return &Connection{
		ID:         id,
		state:      StateFresh,
		mr:         mr,
		maxWR:      maxWR,
		sendCQ:     newCompletionQueue(int(maxWR)),
		recvCQ:     newCompletionQueue(int(maxWR)),
		recvBufs:   make(chan recvBuffer, maxWR),
		pending:    make(map[uint64]*pendingOp),
		sendWait:   make(map[uint64]chan struct{}),
		srq:        srq,
		recvBudget: NewReceiveBudget(maxWR),
		postBudget: NewReceiveBudget(maxWR),
		metrics:    m,
		log:        logging.Default(),
	}
}

// State returns the connection's current state under lock.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Local/Remote return the addressing blocks exchanged during connect.
func (c *Connection) Local() Address  { return c.local }
func (c *Connection) Remote() Address { return c.remote }

// RCEngine creates/transitions RC QPs and drives the data-plane verbs
// over a persistent net.Conn per connection. The connection table is
// serialised by mu, matching spec section 5's "connection lock held
// during QP creation, state transition, and destruction."
type RCEngine struct {
	mr         *memregion.MemoryRegion
	maxWR      uint32
	mu         sync.Mutex
	conns      map[int64]*Connection
	nextConnID int64

	// srqs/activeSRQ back spec section 3's SRQ variant: while activeSRQ
	// is set, new connections are attached to it instead of getting
	// their own recv CQ/buffer pool.
	srqs      map[int64]*SRQ
	activeSRQ *SRQ
	nextSRQID int64

	// cpuAffinity optionally pins each connection's reader goroutine to
	// one OS thread/CPU, round-robin by connection id, the same
	// affinity discipline the teacher's per-queue ioLoop applies so a
	// polling thread isn't bounced across cores by the Go scheduler.
	cpuAffinity []int

	// metrics aggregates op/byte/error/poll/completion counts across
	// every connection this engine owns, the engine-wide counterpart to
	// the teacher's per-device Metrics.
	metrics *metrics.Metrics

	log *logging.Logger
}

// NewRCEngine builds an engine over mr with a per-connection work
// request budget of maxWR.
func NewRCEngine(mr *memregion.MemoryRegion, maxWR uint32) *RCEngine {
	return &RCEngine{mr: mr, maxWR: maxWR, conns: make(map[int64]*Connection), metrics: metrics.New(), log: logging.Default()}
}

// Metrics returns the engine-wide counter set, for exporting via
// internal/metrics's Prometheus registry or reading a Snapshot.
func (e *RCEngine) Metrics() *metrics.Metrics {
	return e.metrics
}

// SetCPUAffinity configures round-robin CPU pinning for reader
// goroutines started by future Attach calls: connection N locks its
// reader to cpus[N%len(cpus)]. Passing nil or an empty slice disables
// pinning (the default).
func (e *RCEngine) SetCPUAffinity(cpus []int) {
	e.mu.Lock()
	e.cpuAffinity = cpus
	e.mu.Unlock()
}

// NewConnection allocates a dense connection id and a FRESH QP record,
// not yet attached to any transport. If an SRQ is currently active
// (spec section 4's SRQ variant), the new QP is created with that SRQ
// attached, routing its receive traffic through the shared queue.
func (e *RCEngine) NewConnection() *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextConnID
	e.nextConnID++
	c := newConnection(id, e.mr, e.maxWR, e.activeSRQ, e.metrics)
	e.conns[id] = c
	if e.activeSRQ != nil {
		e.activeSRQ.attach(id)
	}
	return c
}

// Get returns the connection for id, if any.
func (e *RCEngine) Get(id int64) (*Connection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[id]
	return c, ok
}

// Attach drives a FRESH connection through INIT -> READY against conn,
// installs the peer's address, and starts its reader goroutine. Per
// spec section 4.4, transitions are idempotent: calling Attach twice on
// an already-READY connection is a no-op.
func (e *RCEngine) Attach(c *Connection, conn net.Conn, local, remote Address) {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.local = local
	c.remote = remote
	c.state = StateInit
	c.mu.Unlock()

	c.setState(StateReady)
	go e.readLoop(c)
}

// Disconnect destroys the QP by closing its connection; the reader
// goroutine then pushes an error completion onto the receive CQ and
// exits. Completions already queued on the CQs are not drained.
func (e *RCEngine) Disconnect(id int64) error {
	e.mu.Lock()
	c, ok := e.conns[id]
	if ok {
		delete(e.conns, id)
	}
	e.mu.Unlock()
	if !ok {
		return errs.NewConnError("DISCONNECT", id, errs.ErrCodeInvalidArg, "unknown connection id")
	}
	if c.srq != nil {
		c.srq.detach(id)
	}
	c.setState(StateDisconnected)
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
	return nil
}

func (c *Connection) allocWRID() uint64 {
	return atomic.AddUint64(&c.nextWRID, 1)
}

// shouldSignal implements the advisory signaled counter: an explicit
// signaled=true always resets it; otherwise every maxWR-th unsignaled
// post is forced signaled to bound outstanding send-queue depth.
func (c *Connection) shouldSignal(signaled bool) bool {
	if signaled {
		atomic.StoreUint32(&c.unsignaledCount, 0)
		return true
	}
	n := atomic.AddUint32(&c.unsignaledCount, 1)
	if n >= c.maxWR {
		atomic.StoreUint32(&c.unsignaledCount, 0)
		return true
	}
	return false
}

func (c *Connection) send(f frame) error {
	if c.State() != StateReady {
		return errs.NewConnError("POST_SEND", c.ID, errs.ErrCodePostFailed, "connection is not READY")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(c.conn, f); err != nil {
		return errs.WrapError("POST_SEND", err)
	}
	return nil
}

// Write posts an RDMA WRITE of src into the peer's MR at remoteOffset.
func (c *Connection) Write(remoteOffset uint64, src []byte, signaled bool) error {
	wrid := c.allocWRID()
	wantAck := c.shouldSignal(signaled)
	var wait chan struct{}
	if wantAck {
		wait = make(chan struct{}, 1)
		c.pendingMu.Lock()
		c.sendWait[wrid] = wait
		c.pendingMu.Unlock()
	}
	if err := c.send(frame{Op: opWrite, WRID: wrid, A: remoteOffset, Payload: src}); err != nil {
		c.metrics.RecordOp(metrics.OpWrite, uint64(len(src)), false)
		return err
	}
	if wantAck {
		<-wait
		c.sendCQ.push(Completion{WRID: wrid, Status: CompletionSuccess})
	}
	c.metrics.RecordOp(metrics.OpWrite, uint64(len(src)), true)
	return nil
}

// WriteImm posts an RDMA WRITE_WITH_IMM, which also consumes one of the
// peer's posted receive buffers purely to deliver the immediate value.
// A signaled post first reserves a unit of this connection's own
// IMMEDIATE-mode post budget, rejecting the post outright if maxWR posts
// are already outstanding unacknowledged, and releases that unit once
// the peer's ack lands; an unsignaled post reserves nothing.
func (c *Connection) WriteImm(remoteOffset uint64, src []byte, imm uint32, signaled bool) error {
	wrid := c.allocWRID()
	wantAck := c.shouldSignal(signaled)
	if wantAck && !c.postBudget.Reserve(1) {
		return errs.NewConnError("WRITE_IMM", c.ID, errs.ErrCodePostFailed, "IMMEDIATE-mode receive budget exhausted")
	}
	var wait chan struct{}
	if wantAck {
		wait = make(chan struct{}, 1)
		c.pendingMu.Lock()
		c.sendWait[wrid] = wait
		c.pendingMu.Unlock()
	}
	if err := c.send(frame{Op: opWriteImm, WRID: wrid, A: remoteOffset, Imm: imm, Payload: src}); err != nil {
		if wantAck {
			c.postBudget.Ack(1)
		}
		c.metrics.RecordOp(metrics.OpWriteImm, uint64(len(src)), false)
		return err
	}
	if wantAck {
		<-wait
		c.sendCQ.push(Completion{WRID: wrid, Status: CompletionSuccess})
		c.postBudget.Ack(1)
	}
	c.metrics.SetPendingBudget(c.postBudget.Pending())
	c.metrics.RecordOp(metrics.OpWriteImm, uint64(len(src)), true)
	return nil
}

// Read posts an RDMA READ, blocking until the peer's data has landed in
// dst; the spec's "signaled" advisory applies to whether a completion
// is *additionally* pushed onto the send CQ, but the caller always
// needs to wait for the payload, so Read always awaits its response.
func (c *Connection) Read(remoteOffset uint64, dst []byte, signaled bool) error {
	wrid := c.allocWRID()
	done := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[wrid] = &pendingOp{dest: dst, done: done}
	c.pendingMu.Unlock()

	if err := c.send(frame{Op: opRead, WRID: wrid, A: remoteOffset, B: uint64(len(dst))}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, wrid)
		c.pendingMu.Unlock()
		c.metrics.RecordOp(metrics.OpRead, uint64(len(dst)), false)
		return err
	}
	<-done
	if c.shouldSignal(signaled) {
		c.sendCQ.push(Completion{WRID: wrid, Status: CompletionSuccess, ByteLen: uint32(len(dst))})
	}
	c.metrics.RecordOp(metrics.OpRead, uint64(len(dst)), true)
	return nil
}

// Send posts an RDMA SEND, consuming one of the peer's posted receive
// buffers.
func (c *Connection) Send(src []byte, signaled bool) error {
	wrid := c.allocWRID()
	wantAck := c.shouldSignal(signaled)
	var wait chan struct{}
	if wantAck {
		wait = make(chan struct{}, 1)
		c.pendingMu.Lock()
		c.sendWait[wrid] = wait
		c.pendingMu.Unlock()
	}
	if err := c.send(frame{Op: opSend, WRID: wrid, Payload: src}); err != nil {
		c.metrics.RecordOp(metrics.OpSend, uint64(len(src)), false)
		return err
	}
	if wantAck {
		<-wait
		c.sendCQ.push(Completion{WRID: wrid, Status: CompletionSuccess})
	}
	c.metrics.RecordOp(metrics.OpSend, uint64(len(src)), true)
	return nil
}

// SendImm posts an RDMA SEND_WITH_IMM, subject to the same IMMEDIATE-
// mode post budget as WriteImm.
func (c *Connection) SendImm(src []byte, imm uint32, signaled bool) error {
	wrid := c.allocWRID()
	wantAck := c.shouldSignal(signaled)
	if wantAck && !c.postBudget.Reserve(1) {
		return errs.NewConnError("SEND_IMM", c.ID, errs.ErrCodePostFailed, "IMMEDIATE-mode receive budget exhausted")
	}
	var wait chan struct{}
	if wantAck {
		wait = make(chan struct{}, 1)
		c.pendingMu.Lock()
		c.sendWait[wrid] = wait
		c.pendingMu.Unlock()
	}
	if err := c.send(frame{Op: opSendImm, WRID: wrid, Imm: imm, Payload: src}); err != nil {
		if wantAck {
			c.postBudget.Ack(1)
		}
		c.metrics.RecordOp(metrics.OpSendImm, uint64(len(src)), false)
		return err
	}
	if wantAck {
		<-wait
		c.sendCQ.push(Completion{WRID: wrid, Status: CompletionSuccess})
		c.postBudget.Ack(1)
	}
	c.metrics.SetPendingBudget(c.postBudget.Pending())
	c.metrics.RecordOp(metrics.OpSendImm, uint64(len(src)), true)
	return nil
}

// PostReceive posts dest as the destination of the next inbound
// SEND/SEND_IMM/WRITE_IMM notification. If this QP was created against
// an active SRQ, the buffer is posted to the shared queue instead (spec
// section 3's SRQ invariant). Outside the SRQ path, posting first
// reserves a unit of this connection's own receive budget, rejecting
// the post once maxWR buffers are already posted-but-unconsumed; the
// unit is released as readLoop lands a message into a posted buffer.
func (c *Connection) PostReceive(dest []byte) error {
	if c.srq != nil {
		return c.srq.PostReceive(dest)
	}
	if !c.recvBudget.Reserve(1) {
		return errs.NewConnError("POST_RECV", c.ID, errs.ErrCodePostFailed, "receive budget exhausted")
	}
	select {
	case c.recvBufs <- recvBuffer{dest: dest}:
		return nil
	default:
		c.recvBudget.Ack(1)
		return errs.NewConnError("POST_RECV", c.ID, errs.ErrCodePostFailed, "receive queue full")
	}
}

// ReceiveWriteImm posts a zero-length receive whose only purpose is to
// catch the immediate value of an inbound WRITE_WITH_IMM.
func (c *Connection) ReceiveWriteImm() error {
	return c.PostReceive(nil)
}

// FetchAndAdd posts an atomic FETCH_ADD; dst receives the pre-operation
// value on completion.
func (c *Connection) FetchAndAdd(remoteOffset uint64, dst []byte, addend uint64, signaled bool) error {
	wrid := c.allocWRID()
	done := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[wrid] = &pendingOp{done: done}
	c.pendingMu.Unlock()

	if err := c.send(frame{Op: opFetchAdd, WRID: wrid, A: remoteOffset, B: addend}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, wrid)
		c.pendingMu.Unlock()
		c.metrics.RecordOp(metrics.OpAtomic, 8, false)
		return err
	}
	resp := <-done
	putUint64(dst, resp.C)
	c.shouldSignal(signaled)
	c.sendCQ.push(Completion{WRID: wrid, Status: CompletionSuccess, ByteLen: 8})
	c.metrics.RecordOp(metrics.OpAtomic, 8, true)
	return nil
}

// CompareAndSwap posts an atomic CMP_SWAP; dst receives the
// pre-operation value regardless of whether the swap happened.
func (c *Connection) CompareAndSwap(remoteOffset uint64, dst []byte, compare, swap uint64, signaled bool) error {
	wrid := c.allocWRID()
	done := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[wrid] = &pendingOp{done: done}
	c.pendingMu.Unlock()

	if err := c.send(frame{Op: opCmpSwap, WRID: wrid, A: remoteOffset, B: compare, C: swap}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, wrid)
		c.pendingMu.Unlock()
		c.metrics.RecordOp(metrics.OpAtomic, 8, false)
		return err
	}
	resp := <-done
	putUint64(dst, resp.C)
	c.shouldSignal(signaled)
	c.sendCQ.push(Completion{WRID: wrid, Status: CompletionSuccess, ByteLen: 8})
	c.metrics.RecordOp(metrics.OpAtomic, 8, true)
	return nil
}

// PollSend drains the send completion queue.
func (c *Connection) PollSend(block bool) (*Completion, error) {
	c.metrics.RecordPoll()
	comp, err := c.sendCQ.poll(block)
	if comp != nil {
		c.metrics.RecordCompletion(0)
	}
	return comp, err
}

// PollReceive drains the recv completion queue. Once this QP is
// attached to an SRQ, its own recv CQ never receives completions --
// callers must poll the SRQ itself instead (spec section 3: "a QP
// created against an SRQ must poll receive completions from the SRQ's
// recv CQ, not from its own").
func (c *Connection) PollReceive(block bool) (*Completion, error) {
	if c.srq != nil {
		return nil, errs.NewConnError("POLL_RECV", c.ID, errs.ErrCodeInvalidArg, "QP is attached to an SRQ; poll the SRQ's recv CQ instead")
	}
	c.metrics.RecordPoll()
	comp, err := c.recvCQ.poll(block)
	if comp != nil {
		c.metrics.RecordCompletion(0)
	}
	return comp, err
}

func putUint64(dst []byte, v uint64) {
	for i := 0; i < 8 && i < len(dst); i++ {
		dst[i] = byte(v >> (8 * uint(i)))
	}
}

// readLoop is the single reader per connection that applies inbound
// verbs and dispatches responses, the data-plane analogue of the
// teacher's per-queue ioLoop pinned to one goroutine per connection.
func (e *RCEngine) readLoop(c *Connection) {
	e.mu.Lock()
	cpus := e.cpuAffinity
	e.mu.Unlock()
	if len(cpus) > 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		cpu := cpus[int(c.ID)%len(cpus)]
		var mask unix.CPUSet
		mask.Set(cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			c.log.Warn("failed to set reader CPU affinity", "conn", c.ID, "cpu", cpu, "error", err)
		}
	}

	for {
		f, err := readFrame(c.conn)
		if err != nil {
			c.setState(StateDisconnected)
			if c.srq != nil {
				c.srq.recvCQ.push(Completion{Status: CompletionError, ConnID: c.ID})
			} else {
				c.recvCQ.push(Completion{Status: CompletionError})
			}
			return
		}

		switch f.Op {
		case opWrite:
			if err := c.mr.ApplyBytes(f.A, f.Payload); err != nil {
				c.log.Warn("WRITE out of bounds", "conn", c.ID, "offset", f.A, "error", err)
			}
			releaseFrame(f)
			c.send(frame{Op: opWriteAck, WRID: f.WRID})

		case opWriteAck:
			c.signalSend(f.WRID)

		case opWriteImm:
			if err := c.mr.ApplyBytes(f.A, f.Payload); err != nil {
				c.log.Warn("WRITE_IMM out of bounds", "conn", c.ID, "offset", f.A, "error", err)
			}
			releaseFrame(f)
			imm := f.Imm
			if c.srq != nil {
				<-c.srq.recvBufs
				c.srq.recvCQ.push(Completion{WRID: f.WRID, Status: CompletionSuccess, Imm: &imm, ConnID: c.ID})
			} else {
				<-c.recvBufs
				c.recvBudget.Ack(1)
				c.recvCQ.push(Completion{WRID: f.WRID, Status: CompletionSuccess, Imm: &imm})
			}
			c.send(frame{Op: opWriteAck, WRID: f.WRID})

		case opRead:
			data, err := c.mr.ReadBytes(f.A, f.B)
			if err != nil {
				c.log.Warn("READ out of bounds", "conn", c.ID, "offset", f.A, "error", err)
				data = make([]byte, f.B)
			}
			c.send(frame{Op: opReadResp, WRID: f.WRID, Payload: data})

		case opReadResp:
			c.deliverPending(f.WRID, f)

		case opSend:
			var n int
			if c.srq != nil {
				buf := <-c.srq.recvBufs
				n = copy(buf.dest, f.Payload)
				releaseFrame(f)
				c.srq.recvCQ.push(Completion{WRID: f.WRID, Status: CompletionSuccess, ByteLen: uint32(n), ConnID: c.ID})
			} else {
				buf := <-c.recvBufs
				c.recvBudget.Ack(1)
				n = copy(buf.dest, f.Payload)
				releaseFrame(f)
				c.recvCQ.push(Completion{WRID: f.WRID, Status: CompletionSuccess, ByteLen: uint32(n)})
			}
			c.send(frame{Op: opSendAck, WRID: f.WRID})

		case opSendAck:
			c.signalSend(f.WRID)

		case opSendImm:
			var n int
			imm := f.Imm
			if c.srq != nil {
				buf := <-c.srq.recvBufs
				n = copy(buf.dest, f.Payload)
				releaseFrame(f)
				c.srq.recvCQ.push(Completion{WRID: f.WRID, Status: CompletionSuccess, Imm: &imm, ByteLen: uint32(n), ConnID: c.ID})
			} else {
				buf := <-c.recvBufs
				c.recvBudget.Ack(1)
				n = copy(buf.dest, f.Payload)
				releaseFrame(f)
				c.recvCQ.push(Completion{WRID: f.WRID, Status: CompletionSuccess, Imm: &imm, ByteLen: uint32(n)})
			}
			c.send(frame{Op: opSendAck, WRID: f.WRID})

		case opFetchAdd:
			pre, err := c.mr.AtomicFetchAdd64(f.A, f.B)
			if err != nil {
				c.log.Warn("FETCH_ADD out of bounds", "conn", c.ID, "offset", f.A, "error", err)
			}
			c.send(frame{Op: opFetchAddResp, WRID: f.WRID, C: pre})

		case opFetchAddResp:
			c.deliverPending(f.WRID, f)

		case opCmpSwap:
			pre, err := c.mr.AtomicCompareAndSwap64(f.A, f.B, f.C)
			if err != nil {
				c.log.Warn("CMP_SWAP out of bounds", "conn", c.ID, "offset", f.A, "error", err)
			}
			c.send(frame{Op: opCmpSwapResp, WRID: f.WRID, C: pre})

		case opCmpSwapResp:
			c.deliverPending(f.WRID, f)
		}
	}
}

func (c *Connection) signalSend(wrid uint64) {
	c.pendingMu.Lock()
	wait, ok := c.sendWait[wrid]
	if ok {
		delete(c.sendWait, wrid)
	}
	c.pendingMu.Unlock()
	if ok {
		wait <- struct{}{}
	}
}

func (c *Connection) deliverPending(wrid uint64, f frame) {
	c.pendingMu.Lock()
	p, ok := c.pending[wrid]
	if ok {
		delete(c.pending, wrid)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	if p.dest != nil {
		copy(p.dest, f.Payload)
		releaseFrame(f)
	}
	p.done <- f
}
