package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// maxFrameBody caps a single envelope body, guarding a misbehaving peer
// from forcing an unbounded allocation on read.
const maxFrameBody = 16 << 20

// Envelope wraps a decoded message with the correlation id a reply must
// echo back, so a reply can be matched to its request. ctrlsock.Dialer
// does not check it: it sends one request at a time on a socket and
// takes the next envelope read as the reply.
type Envelope struct {
	ID      uuid.UUID
	Kind    Kind
	Payload interface{}
}

// NewEnvelope builds an envelope for an outgoing request, assigning a
// fresh correlation id.
func NewEnvelope(payload interface{}) (Envelope, error) {
	kind, err := KindOf(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: uuid.New(), Kind: kind, Payload: payload}, nil
}

// Reply builds a response envelope that echoes the request's correlation
// id, so the requester can match the reply to its request.
func Reply(req Envelope, payload interface{}) (Envelope, error) {
	kind, err := KindOf(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: req.ID, Kind: kind, Payload: payload}, nil
}

// WriteEnvelope frames an envelope as:
//
//	[4 bytes total length][16 bytes uuid][1 byte kind][body...]
//
// matching the teacher's fixed-header-then-payload layout, extended with
// a length prefix since control-plane bodies are variable length.
func WriteEnvelope(w io.Writer, e Envelope) error {
	body, err := Marshal(e.Payload)
	if err != nil {
		return err
	}
	total := 16 + 1 + len(body)
	header := make([]byte, 4+16+1)
	binary.BigEndian.PutUint32(header[0:4], uint32(total))
	idBytes, err := e.ID.MarshalBinary()
	if err != nil {
		return err
	}
	copy(header[4:20], idBytes)
	header[20] = byte(e.Kind)

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// ReadEnvelope blocks until a full framed envelope arrives on r.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < 17 {
		return Envelope{}, fmt.Errorf("wire: frame too short (%d bytes)", total)
	}
	if total > maxFrameBody {
		return Envelope{}, fmt.Errorf("wire: frame exceeds max size (%d bytes)", total)
	}

	rest := make([]byte, total)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Envelope{}, err
	}

	var id uuid.UUID
	if err := id.UnmarshalBinary(rest[0:16]); err != nil {
		return Envelope{}, err
	}
	kind := Kind(rest[16])
	payload, err := Unmarshal(kind, rest[17:])
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Kind: kind, Payload: payload}, nil
}
