// Package engine implements the Reliable (RC) and Unreliable (UD)
// data-plane engines: QP state machines plus the posting/polling verb
// set from the specification. No cgo ibverbs binding exists anywhere in
// this module's retrieval corpus, so the "HCA" is a software stand-in
// that moves bytes over a plain net.Conn per QP (RC) or real UDP
// sockets (UD) instead of real verbs hardware -- the posting
// discipline, completion semantics, and state machine it implements are
// otherwise exactly what the specification describes, generalising the
// teacher's "prepare then flush, then poll completions" shape from
// internal/uring.Ring onto a network transport instead of io_uring.
package engine

import (
	"encoding/binary"
	"io"

	"github.com/behrlich/rdma-manager/internal/queue"
)

// poolThreshold is the payload size above which readFrame draws from
// queue's size-bucketed buffer pool instead of allocating fresh: large
// bulk WRITE/READ/SEND payloads are the hot path worth pooling, small
// control-ish payloads are not (mirrors queue.BufferPool's own "128KB+"
// bucketing, which leaves anything <=64KB to the caller).
const poolThreshold = 64 * 1024

// op tags a data-plane frame's verb.
type op byte

const (
	opWrite op = iota + 1
	opWriteAck
	opWriteImm
	opRead
	opReadResp
	opSend
	opSendAck
	opSendImm
	opFetchAdd
	opFetchAddResp
	opCmpSwap
	opCmpSwapResp
)

// frame is the generic data-plane wire unit. Not every field is
// meaningful for every op; see the per-op comments in rc.go.
type frame struct {
	Op      op
	WRID    uint64
	A       uint64 // RemoteOffset for WRITE/READ/atomics; unused otherwise
	B       uint64 // Addend/Compare/Size depending on op
	C       uint64 // Swap, for CMP_SWAP only
	Imm     uint32
	Payload []byte
	pooled  bool // Payload was drawn from queue's buffer pool, release it after use
}

// releaseFrame returns a pooled payload once the caller is done with
// it. Safe to call on a frame whose payload was never pooled.
func releaseFrame(f frame) {
	if f.pooled {
		queue.PutBuffer(f.Payload)
	}
}

const frameHeaderSize = 1 + 8 + 8 + 8 + 8 + 4 + 4 // op+wrid+a+b+c+imm+payloadLen

func writeFrame(w io.Writer, f frame) error {
	header := make([]byte, frameHeaderSize)
	header[0] = byte(f.Op)
	binary.BigEndian.PutUint64(header[1:9], f.WRID)
	binary.BigEndian.PutUint64(header[9:17], f.A)
	binary.BigEndian.PutUint64(header[17:25], f.B)
	binary.BigEndian.PutUint64(header[25:33], f.C)
	binary.BigEndian.PutUint32(header[33:37], f.Imm)
	binary.BigEndian.PutUint32(header[37:41], uint32(len(f.Payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return frame{}, err
	}
	f := frame{
		Op:   op(header[0]),
		WRID: binary.BigEndian.Uint64(header[1:9]),
		A:    binary.BigEndian.Uint64(header[9:17]),
		B:    binary.BigEndian.Uint64(header[17:25]),
		C:    binary.BigEndian.Uint64(header[25:33]),
		Imm:  binary.BigEndian.Uint32(header[33:37]),
	}
	payloadLen := binary.BigEndian.Uint32(header[37:41])
	if payloadLen > 0 {
		if payloadLen > poolThreshold && payloadLen <= 1<<20 {
			f.Payload = queue.GetBuffer(payloadLen)
			f.pooled = true
		} else {
			f.Payload = make([]byte, payloadLen)
		}
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			releaseFrame(f)
			return frame{}, err
		}
	}
	return f, nil
}
