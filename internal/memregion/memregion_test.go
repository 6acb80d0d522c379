package memregion

import (
	"testing"

	"github.com/behrlich/rdma-manager/internal/errs"
)

func newHostRegion(t *testing.T, size uint64) *MemoryRegion {
	t.Helper()
	mr, err := Create(KindHost, size, Options{RegisterWithVerbs: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return mr
}

func TestAllocFreeWholeRegionCoalesces(t *testing.T) {
	mr := newHostRegion(t, 4096)

	a, err := mr.Alloc(1024)
	if err != nil {
		t.Fatalf("Alloc a failed: %v", err)
	}
	b, err := mr.Alloc(1024)
	if err != nil {
		t.Fatalf("Alloc b failed: %v", err)
	}
	if err := mr.Free(a, 1024); err != nil {
		t.Fatalf("Free a failed: %v", err)
	}
	if err := mr.Free(b, 1024); err != nil {
		t.Fatalf("Free b failed: %v", err)
	}

	if len(mr.free) != 1 || mr.free[0].Offset != 0 || mr.free[0].Size != 4096 {
		t.Errorf("expected one whole-region extent, got %+v", mr.free)
	}
}

func TestAllocExhaustion(t *testing.T) {
	mr := newHostRegion(t, 1024)
	if _, err := mr.Alloc(600); err != nil {
		t.Fatalf("first alloc failed: %v", err)
	}
	_, err := mr.Alloc(600)
	if !errs.IsCode(err, errs.ErrCodeOutOfMemory) {
		t.Fatalf("expected ErrCodeOutOfMemory, got %v", err)
	}
}

func TestDoubleFreeIsInvalidArg(t *testing.T) {
	mr := newHostRegion(t, 4096)
	off, err := mr.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := mr.Free(off, 128); err != nil {
		t.Fatalf("first Free failed: %v", err)
	}
	err = mr.Free(off, 128)
	if !errs.IsCode(err, errs.ErrCodeInvalidArg) {
		t.Fatalf("expected ErrCodeInvalidArg on double-free, got %v", err)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	mr := newHostRegion(t, 4096)
	widths := []int{8, 16, 32, 64}
	for _, w := range widths {
		off, err := mr.Alloc(8)
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		var want uint64 = 0xdeadbeef
		if w < 64 {
			want &= (1 << uint(w)) - 1
		}
		if err := mr.WriteScalar(off, w, want); err != nil {
			t.Fatalf("WriteScalar(width=%d) failed: %v", w, err)
		}
		got, err := mr.ReadScalar(off, w)
		if err != nil {
			t.Fatalf("ReadScalar(width=%d) failed: %v", w, err)
		}
		if got != want {
			t.Errorf("width=%d: got %#x, want %#x", w, got, want)
		}
	}
}

func TestFillAndFillRandom(t *testing.T) {
	mr := newHostRegion(t, 256)
	mr.Fill(0xAB)
	for i, b := range mr.Bytes() {
		if b != 0xAB {
			t.Fatalf("byte %d = %#x, want 0xAB", i, b)
		}
	}

	mr.FillRandom()
	allSame := true
	first := mr.Bytes()[0]
	for _, b := range mr.Bytes() {
		if b != first {
			allSame = false
			break
		}
	}
	if allSame {
		t.Error("FillRandom produced a constant buffer, extremely unlikely for 256 random bytes")
	}
}

func TestRegisterWithVerbsAssignsKeys(t *testing.T) {
	mr, err := Create(KindHost, 4096, Options{RegisterWithVerbs: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if mr.LKey() == 0 || mr.RKey() == 0 {
		t.Error("expected non-zero lkey/rkey when RegisterWithVerbs is set")
	}

	unregistered, err := Create(KindHost, 4096, Options{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if unregistered.LKey() != 0 || unregistered.RKey() != 0 {
		t.Error("expected zero-valued keys when RegisterWithVerbs is unset")
	}
}

func TestCreateRejectsZeroSize(t *testing.T) {
	if _, err := Create(KindHost, 0, Options{}); !errs.IsCode(err, errs.ErrCodeInvalidArg) {
		t.Fatalf("expected ErrCodeInvalidArg for zero size, got %v", err)
	}
}
