// Package metrics tracks per-verb operation/byte/error counts, poll and
// completion counts, and the IMMEDIATE-mode receive budget, the RDMA
// analogue of the teacher's per-device I/O metrics. Counters are
// atomic so any connection's goroutines can record directly; Snapshot
// gives the teacher-style point-in-time introspection, and
// internal/metrics/prometheus.go backs the same counters with
// Prometheus collectors for external scraping.
package metrics

import (
	"sync/atomic"
	"time"
)

// Op identifies the RDMA verb a counter set belongs to.
type Op int

const (
	OpWrite Op = iota
	OpWriteImm
	OpRead
	OpSend
	OpSendImm
	OpAtomic
	numOps
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpWriteImm:
		return "write_imm"
	case OpRead:
		return "read"
	case OpSend:
		return "send"
	case OpSendImm:
		return "send_imm"
	case OpAtomic:
		return "atomic"
	default:
		return "unknown"
	}
}

// latencyBuckets mirrors the teacher's 8-bucket logarithmic histogram,
// 1us through 10s.
var latencyBuckets = [8]uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

// Metrics is an engine-wide (one per RCEngine) set of atomic counters.
type Metrics struct {
	ops    [numOps]atomic.Uint64
	bytes  [numOps]atomic.Uint64
	errors [numOps]atomic.Uint64

	polls       atomic.Uint64
	completions atomic.Uint64

	// pendingBudget mirrors the most recently observed ReceiveBudget
	// pending count across all connections, the gauge spec's receive-
	// budget discipline needs for external observation.
	pendingBudget atomic.Int64

	totalLatencyNs atomic.Uint64
	opCount        atomic.Uint64
	latency        [8]atomic.Uint64

	startTime atomic.Int64
	stopTime  atomic.Int64
}

// New creates a Metrics instance with its clock started.
func New() *Metrics {
	m := &Metrics{}
	m.startTime.Store(time.Now().UnixNano())
	return m
}

// RecordOp records one post of the given verb: a byte count (the
// engine passes 8 for atomics, the operand width) and whether it
// completed successfully.
func (m *Metrics) RecordOp(op Op, bytes uint64, success bool) {
	m.ops[op].Add(1)
	if success {
		m.bytes[op].Add(bytes)
	} else {
		m.errors[op].Add(1)
	}
}

// RecordPoll counts one PollSend/PollReceive call, regardless of
// whether it found a completion.
func (m *Metrics) RecordPoll() {
	m.polls.Add(1)
}

// RecordCompletion counts one completion drained from a CQ and folds
// its latency into the running average and histogram.
func (m *Metrics) RecordCompletion(latencyNs uint64) {
	m.completions.Add(1)
	m.totalLatencyNs.Add(latencyNs)
	m.opCount.Add(1)
	for i, bucket := range latencyBuckets {
		if latencyNs <= bucket {
			m.latency[i].Add(1)
		}
	}
}

// SetPendingBudget records the current IMMEDIATE-mode receive-budget
// pending count for the gauge a scraper reads.
func (m *Metrics) SetPendingBudget(pending uint32) {
	m.pendingBudget.Store(int64(pending))
}

// Stop marks the engine as stopped for uptime accounting.
func (m *Metrics) Stop() {
	m.stopTime.Store(time.Now().UnixNano())
}

// OpSnapshot is one verb's counters at Snapshot time.
type OpSnapshot struct {
	Op     Op
	Ops    uint64
	Bytes  uint64
	Errors uint64
}

// Snapshot is a point-in-time read of Metrics.
type Snapshot struct {
	PerOp [int(numOps)]OpSnapshot

	Polls       uint64
	Completions uint64

	PendingBudget int64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns uint64
	LatencyP99Ns uint64
	LatencyHistogram [8]uint64

	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64
}

// Snapshot computes derived statistics (averages, percentiles, error
// rate) from the current counters.
func (m *Metrics) Snapshot() Snapshot {
	var snap Snapshot
	var totalErrors uint64
	for i := 0; i < int(numOps); i++ {
		op := Op(i)
		ops := m.ops[i].Load()
		bytes := m.bytes[i].Load()
		errs := m.errors[i].Load()
		snap.PerOp[i] = OpSnapshot{Op: op, Ops: ops, Bytes: bytes, Errors: errs}
		snap.TotalOps += ops
		snap.TotalBytes += bytes
		totalErrors += errs
	}
	snap.Polls = m.polls.Load()
	snap.Completions = m.completions.Load()
	snap.PendingBudget = m.pendingBudget.Load()

	opCount := m.opCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.totalLatencyNs.Load() / opCount
		snap.LatencyP50Ns = m.percentile(0.50)
		snap.LatencyP99Ns = m.percentile(0.99)
	}
	for i := range latencyBuckets {
		snap.LatencyHistogram[i] = m.latency[i].Load()
	}

	start := m.startTime.Load()
	stop := m.stopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}
	return snap
}

// percentile linearly interpolates the latency at p (0.0-1.0) from the
// cumulative histogram, the same estimation the teacher's
// calculatePercentile uses.
func (m *Metrics) percentile(p float64) uint64 {
	total := m.opCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)
	var prevBucket, prevCount uint64
	for i, bucket := range latencyBuckets {
		count := m.latency[i].Load()
		if count >= target {
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket, prevCount = bucket, count
	}
	return latencyBuckets[len(latencyBuckets)-1]
}

// Observer is a pluggable sink for per-operation outcomes, letting
// callers record without taking a direct Metrics dependency.
type Observer interface {
	ObserveOp(op Op, bytes uint64, success bool)
	ObserveCompletion(latencyNs uint64)
}

// NoOpObserver discards everything.
type NoOpObserver struct{}

func (NoOpObserver) ObserveOp(Op, uint64, bool)  {}
func (NoOpObserver) ObserveCompletion(uint64)     {}

// MetricsObserver implements Observer against a concrete Metrics.
type MetricsObserver struct {
	m *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) ObserveOp(op Op, bytes uint64, success bool) {
	o.m.RecordOp(op, bytes, success)
}

func (o *MetricsObserver) ObserveCompletion(latencyNs uint64) {
	o.m.RecordCompletion(latencyNs)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
