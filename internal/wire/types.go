// Package wire defines the control-plane envelope types and their binary
// encoding, grounded on the teacher's internal/uapi manual marshal style
// (fixed-layout structs encoded field-by-field with encoding/binary,
// rather than a generic reflection-based codec).
package wire

// Kind identifies the type of a control-plane message, carried as a
// one-byte tag ahead of the body in every framed envelope.
type Kind uint8

const (
	KindNodeIDRequest Kind = iota + 1
	KindNodeIDResponse
	KindGetNodeIDForIpPortRequest
	KindGetNodeIDForIpPortResponse
	KindGetAllNodeIDsRequest
	KindGetAllNodeIDsResponse
	KindRDMAConnRequest
	KindRDMAConnResponse
	KindRDMAConnDisconnect
	KindMemoryResourceRequest
	KindMemoryResourceResponse
	KindErrorMessage
)

func (k Kind) String() string {
	switch k {
	case KindNodeIDRequest:
		return "NodeIDRequest"
	case KindNodeIDResponse:
		return "NodeIDResponse"
	case KindGetNodeIDForIpPortRequest:
		return "GetNodeIDForIpPortRequest"
	case KindGetNodeIDForIpPortResponse:
		return "GetNodeIDForIpPortResponse"
	case KindGetAllNodeIDsRequest:
		return "GetAllNodeIDsRequest"
	case KindGetAllNodeIDsResponse:
		return "GetAllNodeIDsResponse"
	case KindRDMAConnRequest:
		return "RDMAConnRequest"
	case KindRDMAConnResponse:
		return "RDMAConnResponse"
	case KindRDMAConnDisconnect:
		return "RDMAConnDisconnect"
	case KindMemoryResourceRequest:
		return "MemoryResourceRequest"
	case KindMemoryResourceResponse:
		return "MemoryResourceResponse"
	case KindErrorMessage:
		return "ErrorMessage"
	default:
		return "Unknown"
	}
}

// Status is the shared status code carried on every response-shaped
// message (spec section 4.2's status table).
type Status uint16

const (
	StatusNoError Status = iota
	StatusInvalidMessage
	StatusMemoryNotAvailable
	StatusMemoryReleaseFailed
	StatusNodeIDNotFound
)

func (s Status) String() string {
	switch s {
	case StatusNoError:
		return "NO_ERROR"
	case StatusInvalidMessage:
		return "INVALID_MESSAGE"
	case StatusMemoryNotAvailable:
		return "MEMORY_NOT_AVAILABLE"
	case StatusMemoryReleaseFailed:
		return "MEMORY_RELEASE_FAILED"
	case StatusNodeIDNotFound:
		return "NODEID_NOT_FOUND"
	default:
		return "UNKNOWN_STATUS"
	}
}

// NodeKind distinguishes client vs server entries in the NodeID directory.
type NodeKind uint8

const (
	NodeKindClient NodeKind = iota
	NodeKindServer
)

// MemOpKind distinguishes alloc vs release in a MemoryResourceRequest.
type MemOpKind uint8

const (
	MemOpAlloc MemOpKind = iota
	MemOpRelease
)

// NodeIDRequest is sent client/server -> sequencer to obtain a NodeID.
type NodeIDRequest struct {
	IPPort      string
	DisplayName string
	Kind        NodeKind
}

// NodeIDResponse answers a NodeIDRequest.
type NodeIDResponse struct {
	AssignedID uint64
	Status     Status
}

// GetNodeIDForIpPortRequest asks the sequencer to translate an address to
// a previously-assigned server NodeID.
type GetNodeIDForIpPortRequest struct {
	IPPort string
}

// GetNodeIDForIpPortResponse answers a GetNodeIDForIpPortRequest.
type GetNodeIDForIpPortResponse struct {
	ID     uint64
	IP     string
	Name   string
	Kind   NodeKind
	Status Status
}

// NodeEntry is one row of the NodeID directory, used by
// GetAllNodeIDsResponse.
type NodeEntry struct {
	IPPort      string
	DisplayName string
	AssignedID  uint64
	Kind        NodeKind
}

// GetAllNodeIDsRequest asks the sequencer for the full directory.
type GetAllNodeIDsRequest struct{}

// GetAllNodeIDsResponse carries the full directory.
type GetAllNodeIDsResponse struct {
	Entries []NodeEntry
}

// QPAddress is the six-field addressing block exchanged to peer a QP
// (spec section 6's wire layout for RDMAConnRequest/Response).
type QPAddress struct {
	Buffer uint64
	RKey   uint32
	QPNum  uint32
	LID    uint16
	GID    [16]byte
	PSN    uint32
}

// RDMAConnRequest is sent peer->peer to bootstrap a QP.
type RDMAConnRequest struct {
	Addr   QPAddress
	NodeID uint64
}

// RDMAConnResponse answers an RDMAConnRequest with the responder's own
// address block.
type RDMAConnResponse struct {
	Addr QPAddress
}

// RDMAConnDisconnect tells a peer to tear down the QP associated with
// NodeID.
type RDMAConnDisconnect struct {
	NodeID uint64
}

// MemoryResourceRequest is sent client->server to alloc/release a region
// of the server's MR.
type MemoryResourceRequest struct {
	Op     MemOpKind
	Size   uint64
	Offset uint64
}

// MemoryResourceResponse answers a MemoryResourceRequest.
type MemoryResourceResponse struct {
	Offset uint64
	Status Status
}

// ErrorMessage is a generic failure reply for any request kind.
type ErrorMessage struct {
	Status Status
}
