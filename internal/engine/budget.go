package engine

import (
	"fmt"
	"sync"

	"github.com/behrlich/rdma-manager/internal/errs"
)

// ReceiveBudget tracks a connection's outstanding IMMEDIATE-mode work
// requests (spec section 5's credit/receive-budget discipline). Both
// sides keep pending in [0, maxWR]; a poster checks pending+k <= maxWR
// before issuing a burst of k WRITE_WITH_IMM/SEND_WITH_IMM posts, and
// decrements pending as the corresponding acknowledgements land. Reserve
// and Ack are called from different goroutines (the poster and the
// reader loop delivering acks), so access is mutex-guarded.
type ReceiveBudget struct {
	mu      sync.Mutex
	maxWR   uint32
	pending uint32
}

// NewReceiveBudget creates a tracker with the given per-connection WR
// ceiling.
func NewReceiveBudget(maxWR uint32) *ReceiveBudget {
	return &ReceiveBudget{maxWR: maxWR}
}

// BlockSize is ceil(maxWR/2): the natural unit a block-acknowledgement
// would carry if acks were batched rather than sent one per op.
func (b *ReceiveBudget) BlockSize() uint32 {
	return (b.maxWR + 1) / 2
}

// Reserve admits a burst of k posts if pending+k would not exceed maxWR,
// incrementing pending and returning true; otherwise it leaves pending
// untouched and returns false so the caller can back off.
func (b *ReceiveBudget) Reserve(k uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending+k > b.maxWR {
		return false
	}
	b.pending += k
	return true
}

// Ack records k units of budget becoming free again, decrementing
// pending by k (clamped at zero against spurious or oversized acks).
func (b *ReceiveBudget) Ack(k uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k > b.pending {
		b.pending = 0
		return
	}
	b.pending -= k
}

// Pending returns the current in-flight count, exported for the budget
// invariant check (pending <= maxWR at all times).
func (b *ReceiveBudget) Pending() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// CheckInvariant returns an error if pending exceeds maxWR. It is
// purely defensive: Reserve refuses any increase past maxWR and Ack only
// ever decreases pending.
func (b *ReceiveBudget) CheckInvariant() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending > b.maxWR {
		return errs.NewError("BUDGET_INVARIANT", errs.ErrCodeInvalidArg,
			fmt.Sprintf("pending %d exceeds max_wr %d", b.pending, b.maxWR))
	}
	return nil
}
