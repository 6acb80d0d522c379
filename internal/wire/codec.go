package wire

import (
	"encoding/binary"
	"fmt"
)

// putString appends a uint16-length-prefixed string, matching the
// fixed-width-first, variable-payload-after layout the teacher's
// uapi.Marshal family uses for its fixed C structs.
func putString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func getString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	if len(data) < n {
		return "", nil, ErrShortBuffer
	}
	return string(data[:n]), data[n:], nil
}

// ErrShortBuffer is returned when a buffer is too small to decode a
// message field.
var ErrShortBuffer = fmt.Errorf("wire: short buffer")

func putQPAddress(buf []byte, a QPAddress) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], a.Buffer)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:4], a.RKey)
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint32(tmp[:4], a.QPNum)
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint16(tmp[:2], a.LID)
	buf = append(buf, tmp[:2]...)
	buf = append(buf, a.GID[:]...)
	binary.BigEndian.PutUint32(tmp[:4], a.PSN)
	buf = append(buf, tmp[:4]...)
	return buf
}

const qpAddressSize = 8 + 4 + 4 + 2 + 16 + 4

func getQPAddress(data []byte) (QPAddress, []byte, error) {
	if len(data) < qpAddressSize {
		return QPAddress{}, nil, ErrShortBuffer
	}
	var a QPAddress
	a.Buffer = binary.BigEndian.Uint64(data[0:8])
	a.RKey = binary.BigEndian.Uint32(data[8:12])
	a.QPNum = binary.BigEndian.Uint32(data[12:16])
	a.LID = binary.BigEndian.Uint16(data[16:18])
	copy(a.GID[:], data[18:34])
	a.PSN = binary.BigEndian.Uint32(data[34:38])
	return a, data[qpAddressSize:], nil
}

// Marshal encodes a message body to bytes. The Kind tag itself is
// written by the envelope framer, not here.
func Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case NodeIDRequest:
		buf := []byte{byte(m.Kind)}
		buf = putString(buf, m.IPPort)
		buf = putString(buf, m.DisplayName)
		return buf, nil
	case NodeIDResponse:
		var buf [10]byte
		binary.BigEndian.PutUint64(buf[0:8], m.AssignedID)
		binary.BigEndian.PutUint16(buf[8:10], uint16(m.Status))
		return buf[:], nil
	case GetNodeIDForIpPortRequest:
		return putString(nil, m.IPPort), nil
	case GetNodeIDForIpPortResponse:
		buf := make([]byte, 0, 16)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], m.ID)
		buf = append(buf, tmp[:]...)
		buf = putString(buf, m.IP)
		buf = putString(buf, m.Name)
		buf = append(buf, byte(m.Kind))
		binary.BigEndian.PutUint16(tmp[:2], uint16(m.Status))
		buf = append(buf, tmp[:2]...)
		return buf, nil
	case GetAllNodeIDsRequest:
		return nil, nil
	case GetAllNodeIDsResponse:
		buf := make([]byte, 0, 64)
		var cnt [4]byte
		binary.BigEndian.PutUint32(cnt[:], uint32(len(m.Entries)))
		buf = append(buf, cnt[:]...)
		for _, e := range m.Entries {
			buf = putString(buf, e.IPPort)
			buf = putString(buf, e.DisplayName)
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], e.AssignedID)
			buf = append(buf, tmp[:]...)
			buf = append(buf, byte(e.Kind))
		}
		return buf, nil
	case RDMAConnRequest:
		buf := putQPAddress(nil, m.Addr)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], m.NodeID)
		return append(buf, tmp[:]...), nil
	case RDMAConnResponse:
		return putQPAddress(nil, m.Addr), nil
	case RDMAConnDisconnect:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], m.NodeID)
		return buf[:], nil
	case MemoryResourceRequest:
		buf := []byte{byte(m.Op)}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], m.Size)
		buf = append(buf, tmp[:]...)
		binary.BigEndian.PutUint64(tmp[:], m.Offset)
		buf = append(buf, tmp[:]...)
		return buf, nil
	case MemoryResourceResponse:
		buf := make([]byte, 10)
		binary.BigEndian.PutUint64(buf[0:8], m.Offset)
		binary.BigEndian.PutUint16(buf[8:10], uint16(m.Status))
		return buf, nil
	case ErrorMessage:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(m.Status))
		return buf[:], nil
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", v)
	}
}

// Unmarshal decodes a message body given its Kind.
func Unmarshal(kind Kind, data []byte) (interface{}, error) {
	switch kind {
	case KindNodeIDRequest:
		if len(data) < 1 {
			return nil, ErrShortBuffer
		}
		m := NodeIDRequest{Kind: NodeKind(data[0])}
		rest := data[1:]
		var err error
		if m.IPPort, rest, err = getString(rest); err != nil {
			return nil, err
		}
		if m.DisplayName, _, err = getString(rest); err != nil {
			return nil, err
		}
		return m, nil
	case KindNodeIDResponse:
		if len(data) < 10 {
			return nil, ErrShortBuffer
		}
		return NodeIDResponse{
			AssignedID: binary.BigEndian.Uint64(data[0:8]),
			Status:     Status(binary.BigEndian.Uint16(data[8:10])),
		}, nil
	case KindGetNodeIDForIpPortRequest:
		ip, _, err := getString(data)
		if err != nil {
			return nil, err
		}
		return GetNodeIDForIpPortRequest{IPPort: ip}, nil
	case KindGetNodeIDForIpPortResponse:
		if len(data) < 8 {
			return nil, ErrShortBuffer
		}
		m := GetNodeIDForIpPortResponse{ID: binary.BigEndian.Uint64(data[0:8])}
		rest := data[8:]
		var err error
		if m.IP, rest, err = getString(rest); err != nil {
			return nil, err
		}
		if m.Name, rest, err = getString(rest); err != nil {
			return nil, err
		}
		if len(rest) < 3 {
			return nil, ErrShortBuffer
		}
		m.Kind = NodeKind(rest[0])
		m.Status = Status(binary.BigEndian.Uint16(rest[1:3]))
		return m, nil
	case KindGetAllNodeIDsRequest:
		return GetAllNodeIDsRequest{}, nil
	case KindGetAllNodeIDsResponse:
		if len(data) < 4 {
			return nil, ErrShortBuffer
		}
		count := binary.BigEndian.Uint32(data[0:4])
		rest := data[4:]
		entries := make([]NodeEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			var e NodeEntry
			var err error
			if e.IPPort, rest, err = getString(rest); err != nil {
				return nil, err
			}
			if e.DisplayName, rest, err = getString(rest); err != nil {
				return nil, err
			}
			if len(rest) < 9 {
				return nil, ErrShortBuffer
			}
			e.AssignedID = binary.BigEndian.Uint64(rest[0:8])
			e.Kind = NodeKind(rest[8])
			rest = rest[9:]
			entries = append(entries, e)
		}
		return GetAllNodeIDsResponse{Entries: entries}, nil
	case KindRDMAConnRequest:
		addr, rest, err := getQPAddress(data)
		if err != nil {
			return nil, err
		}
		if len(rest) < 8 {
			return nil, ErrShortBuffer
		}
		return RDMAConnRequest{Addr: addr, NodeID: binary.BigEndian.Uint64(rest[0:8])}, nil
	case KindRDMAConnResponse:
		addr, _, err := getQPAddress(data)
		if err != nil {
			return nil, err
		}
		return RDMAConnResponse{Addr: addr}, nil
	case KindRDMAConnDisconnect:
		if len(data) < 8 {
			return nil, ErrShortBuffer
		}
		return RDMAConnDisconnect{NodeID: binary.BigEndian.Uint64(data[0:8])}, nil
	case KindMemoryResourceRequest:
		if len(data) < 17 {
			return nil, ErrShortBuffer
		}
		return MemoryResourceRequest{
			Op:     MemOpKind(data[0]),
			Size:   binary.BigEndian.Uint64(data[1:9]),
			Offset: binary.BigEndian.Uint64(data[9:17]),
		}, nil
	case KindMemoryResourceResponse:
		if len(data) < 10 {
			return nil, ErrShortBuffer
		}
		return MemoryResourceResponse{
			Offset: binary.BigEndian.Uint64(data[0:8]),
			Status: Status(binary.BigEndian.Uint16(data[8:10])),
		}, nil
	case KindErrorMessage:
		if len(data) < 2 {
			return nil, ErrShortBuffer
		}
		return ErrorMessage{Status: Status(binary.BigEndian.Uint16(data[0:2]))}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", kind)
	}
}

// KindOf returns the Kind tag for a concrete message value, used by
// callers constructing an Envelope to send.
func KindOf(v interface{}) (Kind, error) {
	switch v.(type) {
	case NodeIDRequest:
		return KindNodeIDRequest, nil
	case NodeIDResponse:
		return KindNodeIDResponse, nil
	case GetNodeIDForIpPortRequest:
		return KindGetNodeIDForIpPortRequest, nil
	case GetNodeIDForIpPortResponse:
		return KindGetNodeIDForIpPortResponse, nil
	case GetAllNodeIDsRequest:
		return KindGetAllNodeIDsRequest, nil
	case GetAllNodeIDsResponse:
		return KindGetAllNodeIDsResponse, nil
	case RDMAConnRequest:
		return KindRDMAConnRequest, nil
	case RDMAConnResponse:
		return KindRDMAConnResponse, nil
	case RDMAConnDisconnect:
		return KindRDMAConnDisconnect, nil
	case MemoryResourceRequest:
		return KindMemoryResourceRequest, nil
	case MemoryResourceResponse:
		return KindMemoryResourceResponse, nil
	case ErrorMessage:
		return KindErrorMessage, nil
	default:
		return 0, fmt.Errorf("wire: unknown message type %T", v)
	}
}
