package engine

import "github.com/behrlich/rdma-manager/internal/wire"

// State is a QP's position in the FRESH -> INIT -> READY -> DISCONNECTED
// state machine. Transitions are monotone and idempotent per QP.
type State int

const (
	StateFresh State = iota
	StateInit
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "FRESH"
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// CompletionStatus reports whether a polled completion succeeded.
type CompletionStatus int

const (
	CompletionSuccess CompletionStatus = iota
	CompletionError
)

// Completion is what poll_send/poll_receive hand back to the caller.
// ConnID identifies the QP a receive completion actually belongs to --
// only meaningful when polling a Shared Receive Queue's CQ, where one
// poll can surface completions from any attached connection (the
// software stand-in for mapping a CQE's qp_num back to its owner).
type Completion struct {
	WRID    uint64
	Status  CompletionStatus
	Imm     *uint32
	ByteLen uint32
	ConnID  int64
}

// completionQueue is the software stand-in for a verbs CQ: a bounded
// FIFO that post paths push into and poll paths drain, with blocking
// and non-blocking poll variants matching spec section 5's
// busy-wait-with-sleep suspension model.
type completionQueue struct {
	ch chan Completion
}

func newCompletionQueue(depth int) *completionQueue {
	return &completionQueue{ch: make(chan Completion, depth)}
}

func (cq *completionQueue) push(c Completion) {
	cq.ch <- c
}

// poll returns the next completion. If block is false and none is
// ready, it returns (nil, nil) rather than an error -- an empty CQ is
// not a failure.
func (cq *completionQueue) poll(block bool) (*Completion, error) {
	if block {
		c := <-cq.ch
		return &c, nil
	}
	select {
	case c := <-cq.ch:
		return &c, nil
	default:
		return nil, nil
	}
}

// Address is the local/remote six-field addressing block exchanged
// during connection setup (spec section 6's wire layout).
type Address = wire.QPAddress
