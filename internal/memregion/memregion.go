// Package memregion implements the pluggable Memory Region (MR)
// abstraction: a pinned byte buffer plus a free-list sub-allocator, with
// host / huge-page / NUMA-local / device(GPU) backing variants.
//
// The host variants are grounded on the teacher's raw-syscall mmap path
// (mmapQueues, formerly in internal/queue/runner.go), generalised from
// mapping a kernel-exposed descriptor array to mapping anonymous,
// optionally huge-paged, optionally NUMA-bound memory. The device variant validates
// against the NVML device inventory the way leptonai-gpud's
// accelerator/nvidia/query/nvml package does, but never actually drives
// CUDA allocation; it bounces through a host staging buffer, matching
// the specification's own description of device-kind scalar access.
package memregion

import (
	"fmt"
	"math/rand"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/behrlich/rdma-manager/internal/errs"
	"github.com/behrlich/rdma-manager/internal/logging"
)

// Kind tags the backing strategy for a Memory Region.
type Kind int

const (
	KindHost Kind = iota
	KindHostHuge
	KindHostNUMA
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindHostHuge:
		return "host-huge"
	case KindHostNUMA:
		return "host-numa"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Options configures Create. NumaNode and DeviceIndex are nil unless
// the caller opts into the corresponding Kind.
type Options struct {
	HugePages         bool
	NumaNode          *int
	DeviceIndex       *int
	RegisterWithVerbs bool
}

// AccessFlags mirrors the verbs access bitmask an MR is registered
// with when RegisterWithVerbs is set.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteRead
	AccessRemoteWrite
	AccessRemoteAtomic
)

// DefaultAccess is the access mask spec section 4.1 requires whenever
// registration is requested.
const DefaultAccess = AccessLocalWrite | AccessRemoteRead | AccessRemoteWrite | AccessRemoteAtomic

// extent is one run of free bytes in the free list, kept sorted by
// Offset so Alloc/Free can scan and coalesce in one pass.
type extent struct {
	Offset uint64
	Size   uint64
}

// MemoryRegion owns a pinned byte buffer, its verbs registration
// (simulated lkey/rkey), and a free-list sub-allocator.
type MemoryRegion struct {
	mu   sync.Mutex
	free []extent

	// scalarMu guards WriteScalar/ReadScalar and the atomic RDMA verbs
	// (FETCH_ADD, CMP_SWAP), kept separate from mu so a hot data-plane
	// access path never contends with allocator bookkeeping.
	scalarMu sync.Mutex

	data        []byte
	size        uint64
	kind        Kind
	numaNode    int
	deviceIndex int
	hugePages   bool

	registered bool
	lkey       uint32
	rkey       uint32

	log *logging.Logger
}

// keyCounter is a process-local simulated keyspace; a real
// verbs stack gets these from ibv_reg_mr, but nothing in this module's
// corpus ships an ibverbs cgo binding, so registration just mints a
// unique pair.
var keyCounter uint32
var keyMu sync.Mutex

func mintKeys() (uint32, uint32) {
	keyMu.Lock()
	defer keyMu.Unlock()
	keyCounter++
	return keyCounter, keyCounter | 0x80000000
}

// Create allocates a Memory Region of the given kind and size. For host
// kinds the buffer is an anonymous mmap, optionally huge-paged and
// optionally bound to a NUMA node; for device it is a host bounce
// buffer validated against the NVML device inventory (see nvml.go).
func Create(kind Kind, size uint64, opts Options) (*MemoryRegion, error) {
	if size == 0 {
		return nil, errs.NewError("MR_CREATE", errs.ErrCodeInvalidArg, "size must be positive")
	}

	mr := &MemoryRegion{
		size: size,
		kind: kind,
		log:  logging.Default(),
		free: []extent{{Offset: 0, Size: size}},
	}

	switch kind {
	case KindHost, KindHostHuge, KindHostNUMA:
		numa := -1
		if opts.NumaNode != nil {
			numa = *opts.NumaNode
		}
		data, err := mmapHost(size, opts.HugePages || kind == KindHostHuge, numa)
		if err != nil {
			return nil, errs.WrapError("MR_CREATE", err)
		}
		mr.data = data
		mr.numaNode = numa
		mr.hugePages = opts.HugePages || kind == KindHostHuge
	case KindDevice:
		idx := 0
		if opts.DeviceIndex != nil {
			idx = *opts.DeviceIndex
		}
		if err := validateDevice(idx); err != nil {
			mr.log.Warn("device validation failed, falling back to host-backed staging buffer", "device_index", idx, "error", err)
		}
		mr.data = make([]byte, size)
		mr.deviceIndex = idx
	default:
		return nil, errs.NewError("MR_CREATE", errs.ErrCodeInvalidArg, "unknown memory region kind")
	}

	if opts.RegisterWithVerbs {
		lkey, rkey := mintKeys()
		mr.lkey, mr.rkey = lkey, rkey
		mr.registered = true
	}

	mr.log.Info("memory region created", "kind", kind, "size", humanize.IBytes(size), "registered", mr.registered)
	return mr, nil
}

// Size returns the region's total byte length.
func (mr *MemoryRegion) Size() uint64 { return mr.size }

// Kind returns the backing variant.
func (mr *MemoryRegion) Kind() Kind { return mr.kind }

// LKey/RKey return the simulated verbs registration keys. They are
// zero-valued if the region was created without RegisterWithVerbs.
func (mr *MemoryRegion) LKey() uint32 { return mr.lkey }
func (mr *MemoryRegion) RKey() uint32 { return mr.rkey }

// DeviceIndex returns the GPU index a device-kind region was created
// against. This package only records it; nvml.go uses an index solely
// to validate it against the NVML inventory at Create time.
func (mr *MemoryRegion) DeviceIndex() int { return mr.deviceIndex }

// Alloc reserves n bytes from the free list, splitting the first extent
// large enough to hold them, and returns its offset.
func (mr *MemoryRegion) Alloc(n uint64) (uint64, error) {
	if n == 0 {
		return 0, errs.NewError("MR_ALLOC", errs.ErrCodeInvalidArg, "alloc size must be positive")
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	for i, e := range mr.free {
		if e.Size < n {
			continue
		}
		offset := e.Offset
		if e.Size == n {
			mr.free = append(mr.free[:i], mr.free[i+1:]...)
		} else {
			mr.free[i] = extent{Offset: e.Offset + n, Size: e.Size - n}
		}
		return offset, nil
	}
	return 0, errs.NewError("MR_ALLOC", errs.ErrCodeOutOfMemory, fmt.Sprintf("no extent fits %d bytes", n))
}

// Free returns the extent at offset..offset+n to the free list, merging
// with adjacent neighbours. Per the resolved Open Question on MR.Free's
// signature, Free is keyed on the allocation's offset (not a raw
// pointer), matching every other offset-relative MR operation.
func (mr *MemoryRegion) Free(offset, n uint64) error {
	if offset+n > mr.size {
		return errs.NewError("MR_FREE", errs.ErrCodeInvalidArg, "extent exceeds region bounds")
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	for _, e := range mr.free {
		if offset < e.Offset+e.Size && offset+n > e.Offset {
			return errs.NewError("MR_FREE", errs.ErrCodeInvalidArg, "double-free or overlapping free")
		}
	}

	i := 0
	for ; i < len(mr.free) && mr.free[i].Offset < offset; i++ {
	}
	mr.free = append(mr.free, extent{})
	copy(mr.free[i+1:], mr.free[i:])
	mr.free[i] = extent{Offset: offset, Size: n}

	mr.coalesceLocked()
	return nil
}

func (mr *MemoryRegion) coalesceLocked() {
	out := mr.free[:0]
	for _, e := range mr.free {
		if len(out) > 0 && out[len(out)-1].Offset+out[len(out)-1].Size == e.Offset {
			out[len(out)-1].Size += e.Size
		} else {
			out = append(out, e)
		}
	}
	mr.free = out
}

func (mr *MemoryRegion) checkBounds(offset, n uint64) error {
	if offset+n > mr.size {
		return errs.NewError("MR_ACCESS", errs.ErrCodeInvalidArg, "access out of bounds")
	}
	return nil
}

// WriteScalar stores a little-endian fixed-width integer at offset. For
// host kinds this writes the backing slice directly; for device kinds
// it bounces through the same slice, which for this module's software
// stand-in *is* the staging buffer (see nvml.go).
func (mr *MemoryRegion) WriteScalar(offset uint64, width int, value uint64) error {
	n := uint64(width / 8)
	if err := mr.checkBounds(offset, n); err != nil {
		return err
	}
	mr.scalarMu.Lock()
	defer mr.scalarMu.Unlock()
	switch width {
	case 8:
		mr.data[offset] = byte(value)
	case 16:
		*(*uint16)(unsafe.Pointer(&mr.data[offset])) = uint16(value)
	case 32:
		*(*uint32)(unsafe.Pointer(&mr.data[offset])) = uint32(value)
	case 64:
		*(*uint64)(unsafe.Pointer(&mr.data[offset])) = value
	default:
		return errs.NewError("MR_WRITE_SCALAR", errs.ErrCodeInvalidArg, "unsupported scalar width")
	}
	return nil
}

// ReadScalar is WriteScalar's inverse.
func (mr *MemoryRegion) ReadScalar(offset uint64, width int) (uint64, error) {
	n := uint64(width / 8)
	if err := mr.checkBounds(offset, n); err != nil {
		return 0, err
	}
	mr.scalarMu.Lock()
	defer mr.scalarMu.Unlock()
	switch width {
	case 8:
		return uint64(mr.data[offset]), nil
	case 16:
		return uint64(*(*uint16)(unsafe.Pointer(&mr.data[offset]))), nil
	case 32:
		return uint64(*(*uint32)(unsafe.Pointer(&mr.data[offset]))), nil
	case 64:
		return *(*uint64)(unsafe.Pointer(&mr.data[offset])), nil
	default:
		return 0, errs.NewError("MR_READ_SCALAR", errs.ErrCodeInvalidArg, "unsupported scalar width")
	}
}

// Bytes exposes the raw backing slice for direct data-plane access
// (posting from/into it as a WR local address).
func (mr *MemoryRegion) Bytes() []byte { return mr.data }

// ApplyBytes copies src into the region at offset, the software
// equivalent of an HCA's RDMA WRITE landing in registered memory.
func (mr *MemoryRegion) ApplyBytes(offset uint64, src []byte) error {
	if err := mr.checkBounds(offset, uint64(len(src))); err != nil {
		return err
	}
	copy(mr.data[offset:], src)
	return nil
}

// ReadBytes copies n bytes out of the region at offset, the software
// equivalent of an HCA's RDMA READ sourcing from registered memory.
func (mr *MemoryRegion) ReadBytes(offset, n uint64) ([]byte, error) {
	if err := mr.checkBounds(offset, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, mr.data[offset:offset+n])
	return out, nil
}

// AtomicFetchAdd64 adds addend to the 8-byte value at offset and
// returns the pre-addition value, matching FETCH_ADD's HCA contract:
// the 8 bytes are read as a host-byte-order unsigned 64-bit integer
// (the same layout WriteScalar/ReadScalar use, with no byte swapping)
// and addend is added to it.
func (mr *MemoryRegion) AtomicFetchAdd64(offset, addend uint64) (uint64, error) {
	if err := mr.checkBounds(offset, 8); err != nil {
		return 0, err
	}
	mr.scalarMu.Lock()
	defer mr.scalarMu.Unlock()
	ptr := (*uint64)(unsafe.Pointer(&mr.data[offset]))
	pre := *ptr
	*ptr = pre + addend
	return pre, nil
}

// AtomicCompareAndSwap64 swaps the 8-byte value at offset with swap iff
// it currently equals compare, and always returns the pre-operation
// value.
func (mr *MemoryRegion) AtomicCompareAndSwap64(offset, compare, swap uint64) (uint64, error) {
	if err := mr.checkBounds(offset, 8); err != nil {
		return 0, err
	}
	mr.scalarMu.Lock()
	defer mr.scalarMu.Unlock()
	ptr := (*uint64)(unsafe.Pointer(&mr.data[offset]))
	pre := *ptr
	if pre == compare {
		*ptr = swap
	}
	return pre, nil
}

// Fill sets every byte of the region to value.
func (mr *MemoryRegion) Fill(value byte) {
	for i := range mr.data {
		mr.data[i] = value
	}
}

// FillRandom fills the region with random bytes, required for
// device-kind benchmark buffers so HCA-side compression cannot inflate
// measured throughput on compressible all-zero data.
func (mr *MemoryRegion) FillRandom() {
	rand.Read(mr.data)
}

// mmapHost allocates an anonymous, pinned buffer, optionally huge-paged
// and optionally NUMA-bound, generalising the teacher's raw SYS_MMAP
// call in mmapQueues from a fixed-size descriptor array to an arbitrary
// caller-sized region, now going through x/sys/unix's Mmap wrapper
// rather than a hand-rolled Syscall6.
func mmapHost(size uint64, huge bool, numaNode int) ([]byte, error) {
	pageSize := uint64(unix.Getpagesize())
	rounded := (size + pageSize - 1) &^ (pageSize - 1)

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if huge {
		flags |= unix.MAP_HUGETLB
	}

	data, err := unix.Mmap(-1, 0, int(rounded), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		if huge {
			return mmapHost(size, false, numaNode)
		}
		return nil, err
	}

	if numaNode >= 0 {
		addr := uintptr(unsafe.Pointer(&data[0]))
		if err := bindNUMA(addr, rounded, numaNode); err != nil {
			logging.Default().Warn("NUMA bind failed, region remains on default policy", "node", numaNode, "error", err)
		}
	}

	return data[:size], nil
}

// bindNUMA issues an mbind(2) syscall restricting [addr, addr+size) to a
// single NUMA node. x/sys/unix doesn't wrap mbind with a typed helper,
// so this drops to unix.Syscall6 directly with unix's own SYS_MBIND
// constant -- the same "raw syscall the stdlib doesn't wrap" approach
// the teacher uses for mmap/affinity, just sourced from the ecosystem
// package instead of the bare syscall package.
func bindNUMA(addr uintptr, size uint64, node int) error {
	const mpolBindMode = 2
	const mpolMfMove = 1 << 1

	if node < 0 || node >= 64 {
		return fmt.Errorf("memregion: numa node %d out of range", node)
	}
	var mask uint64 = 1 << uint(node)
	_, _, errno := unix.Syscall6(
		unix.SYS_MBIND,
		addr,
		uintptr(size),
		mpolBindMode,
		uintptr(unsafe.Pointer(&mask)),
		65, // maxnode, one word's worth of bits + 1
		mpolMfMove,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
