package pagetable

import (
	"runtime"
	"testing"
	"unsafe"

	"nucleus/mem"
	"nucleus/retype"
)

func setup(t *testing.T, nframes uint64) *retype.Table {
	t.Helper()
	backing := make([]byte, nframes*uint64(mem.PGSIZE))
	mem.Vdirect = uintptr(unsafe.Pointer(&backing[0]))
	mem.DmapInited = true
	t.Cleanup(func() {
		runtime.KeepAlive(backing)
		mem.DmapInited = false
	})
	return retype.New(nframes, []retype.Region{{Base: 0, Count: nframes, Kind: retype.Usable}})
}

func newAddrspace(t *testing.T, tbl *retype.Table, frame uint64) Addrspace {
	t.Helper()
	uf, err := tbl.AcquireUntyped(frame)
	if err != nil {
		t.Fatalf("AcquireUntyped: %v", err)
	}
	root, err := NewL4(tbl, uf, nil)
	if err != nil {
		t.Fatalf("NewL4: %v", err)
	}
	return Addrspace{Root: root}
}

func TestMapThenGetRoundTrip(t *testing.T) {
	tbl := setup(t, 16)
	as := newAddrspace(t, tbl, 0)
	alloc := NewBumpAllocator(tbl, []uint64{1, 2, 3})

	const page = 0x10
	const userFrame = 10
	if err := as.MapTo(page, userFrame, mem.PTE_W, mem.PTE_W, alloc); err != nil {
		t.Fatalf("MapTo: %v", err)
	}
	frame, flags, ok := as.Get(page)
	if !ok {
		t.Fatalf("Get after MapTo: not found")
	}
	if frame != userFrame {
		t.Fatalf("Get frame = %d, want %d", frame, userFrame)
	}
	if flags&mem.PTE_P == 0 || flags&mem.PTE_W == 0 {
		t.Fatalf("Get flags = %#x, missing P|W", flags)
	}
}

func TestMapToRejectsDoubleMap(t *testing.T) {
	tbl := setup(t, 16)
	as := newAddrspace(t, tbl, 0)
	alloc := NewBumpAllocator(tbl, []uint64{1, 2, 3})

	if err := as.MapTo(0x20, 10, mem.PTE_W, mem.PTE_W, alloc); err != nil {
		t.Fatalf("first MapTo: %v", err)
	}
	if err := as.MapTo(0x20, 11, mem.PTE_W, mem.PTE_W, alloc); err == nil {
		t.Fatalf("second MapTo to the same page should fail")
	}
}

func TestUnmapThenGetFails(t *testing.T) {
	tbl := setup(t, 16)
	as := newAddrspace(t, tbl, 0)
	alloc := NewBumpAllocator(tbl, []uint64{1, 2, 3})

	if err := as.MapTo(0x30, 12, mem.PTE_W, mem.PTE_W, alloc); err != nil {
		t.Fatalf("MapTo: %v", err)
	}
	as.Unmap(0x30)
	if _, _, ok := as.Get(0x30); ok {
		t.Fatalf("Get after Unmap should fail")
	}
}

func TestNewL4ClonesKernelHalf(t *testing.T) {
	tbl := setup(t, 4)
	uf0, _ := tbl.AcquireUntyped(0)
	template, err := NewL4(tbl, uf0, nil)
	if err != nil {
		t.Fatalf("NewL4 template: %v", err)
	}
	template.Get().Set(300, 0xAB, mem.PTE_P|mem.PTE_W)

	uf1, _ := tbl.AcquireUntyped(1)
	child, err := NewL4(tbl, uf1, template.Get())
	if err != nil {
		t.Fatalf("NewL4 child: %v", err)
	}
	f, fl := child.Get().Get(300)
	if f != 0xAB || fl&mem.PTE_W == 0 {
		t.Fatalf("child did not inherit kernel half entry: frame=%#x flags=%#x", f, fl)
	}
	// user half (index < 256) must stay zeroed.
	if f, fl := child.Get().Get(5); f != 0 || fl != 0 {
		t.Fatalf("user half should be zeroed, got frame=%#x flags=%#x", f, fl)
	}
}

func TestFlushPageInvokesHook(t *testing.T) {
	var got uintptr
	old := FlushHook
	defer func() { FlushHook = old }()
	FlushHook = func(v uintptr) { got = v }
	FlushPage(0x1234)
	if got != 0x1234 {
		t.Fatalf("FlushHook not invoked with expected address")
	}
}
