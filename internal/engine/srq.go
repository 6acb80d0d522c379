package engine

import (
	"sync"

	"github.com/behrlich/rdma-manager/internal/errs"
)

// SRQ is a Shared Receive Queue (spec section 3): a receive buffer pool
// and completion queue shared by every QP attached to it, so a posted
// receive can satisfy whichever attached QP a message arrives on
// instead of being tied to one connection's own recv CQ.
type SRQ struct {
	ID int64

	recvCQ   *completionQueue
	recvBufs chan recvBuffer

	mu       sync.Mutex
	attached map[int64]bool
}

func newSRQ(id int64, depth int) *SRQ {
	return &SRQ{
		ID:       id,
		recvCQ:   newCompletionQueue(depth),
		recvBufs: make(chan recvBuffer, depth),
		attached: make(map[int64]bool),
	}
}

// PostReceive posts dest as a destination for the next inbound
// SEND/SEND_IMM/WRITE_IMM landing on any attached QP.
func (s *SRQ) PostReceive(dest []byte) error {
	select {
	case s.recvBufs <- recvBuffer{dest: dest}:
		return nil
	default:
		return errs.NewError("SRQ_POST_RECV", errs.ErrCodePostFailed, "shared receive queue full")
	}
}

// PollReceive drains the shared recv CQ. The returned Completion's
// ConnID names which attached QP the message actually arrived on (spec:
// "the engine maps the returned QP number back to the originating
// connection id").
func (s *SRQ) PollReceive(block bool) (*Completion, error) {
	return s.recvCQ.poll(block)
}

// Attached reports the QPs currently attached to this SRQ.
func (s *SRQ) Attached() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.attached))
	for id := range s.attached {
		out = append(out, id)
	}
	return out
}

func (s *SRQ) attach(connID int64) {
	s.mu.Lock()
	s.attached[connID] = true
	s.mu.Unlock()
}

func (s *SRQ) detach(connID int64) {
	s.mu.Lock()
	delete(s.attached, connID)
	s.mu.Unlock()
}

// NewSRQ creates a Shared Receive Queue with the given per-queue
// receive-buffer/completion depth. It is not active until passed to
// SetActiveSRQ.
func (e *RCEngine) NewSRQ(depth int) *SRQ {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srqs == nil {
		e.srqs = make(map[int64]*SRQ)
	}
	id := e.nextSRQID
	e.nextSRQID++
	s := newSRQ(id, depth)
	e.srqs[id] = s
	return s
}

// SetActiveSRQ designates s as the SRQ newly created connections are
// attached to (spec: "While an SRQ is designated 'active', new QPs ...
// are created with that SRQ attached"). Pass nil to go back to
// per-connection recv queues for new connections; existing attachments
// are unaffected either way.
func (e *RCEngine) SetActiveSRQ(s *SRQ) {
	e.mu.Lock()
	e.activeSRQ = s
	e.mu.Unlock()
}
