package kptr

import (
	"runtime"
	"testing"
	"unsafe"

	"nucleus/mem"
	"nucleus/retype"
)

// page is a page-sized payload type used purely for exercising KPtr.
type page struct {
	Value int64
	_     [mem.PGSIZE - 8]byte
}

var finalized int

func (p *page) Finalize() {
	finalized++
}

func setup(t *testing.T) (*retype.Table, retype.UntypedFrame) {
	t.Helper()
	finalized = 0
	backing := make([]byte, 4*mem.PGSIZE)
	mem.Vdirect = uintptr(unsafe.Pointer(&backing[0]))
	mem.DmapInited = true
	t.Cleanup(func() {
		runtime.KeepAlive(backing)
		mem.DmapInited = false
	})
	tbl := retype.New(4, []retype.Region{{Base: 0, Count: 4, Kind: retype.Usable}})
	uf, err := tbl.AcquireUntyped(0)
	if err != nil {
		t.Fatalf("AcquireUntyped: %v", err)
	}
	return tbl, uf
}

func TestNewAndGet(t *testing.T) {
	tbl, uf := setup(t)
	_ = tbl
	p, err := New(tbl, uf, page{Value: 42})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Get().Value != 42 {
		t.Fatalf("Get().Value = %d, want 42", p.Get().Value)
	}
}

func TestCloneFreeRoundTrip(t *testing.T) {
	tbl, uf := setup(t)
	p, err := New(tbl, uf, page{Value: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clones := make([]KPtr[page], 0, 3)
	for i := 0; i < 3; i++ {
		c, err := p.Clone()
		if err != nil {
			t.Fatalf("Clone #%d: %v", i, err)
		}
		clones = append(clones, c)
	}
	if _, c, _ := tbl.Stat(p.Frame()); c != 4 {
		t.Fatalf("refcount = %d, want 4", c)
	}
	for _, c := range clones {
		c.Free()
	}
	if _, c, _ := tbl.Stat(p.Frame()); c != 1 {
		t.Fatalf("refcount after freeing clones = %d, want 1", c)
	}
	if finalized != 0 {
		t.Fatalf("finalize ran before last free")
	}
	p.Free()
	if finalized != 1 {
		t.Fatalf("finalize did not run on last free")
	}
}

func TestFreeDoesNotRetypeToUntyped(t *testing.T) {
	tbl, uf := setup(t)
	p, err := New(tbl, uf, page{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Free()
	s, c, _ := tbl.Stat(p.Frame())
	if s != retype.Kernel || c != 0 {
		t.Fatalf("after last free: (%v,%v), want (Kernel,0)", s, c)
	}
	if err := tbl.TryIntoUntyped(p.Frame()); err != nil {
		t.Fatalf("explicit TryIntoUntyped should now succeed: %v", err)
	}
}

func TestTryIntoInnerRequiresSoleReference(t *testing.T) {
	tbl, uf := setup(t)
	p, err := New(tbl, uf, page{Value: 7})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clone, err := p.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if _, ok := p.TryIntoInner(); ok {
		t.Fatalf("TryIntoInner should fail with an outstanding clone")
	}
	clone.Free()
	v, ok := p.TryIntoInner()
	if !ok || v.Value != 7 {
		t.Fatalf("TryIntoInner = (%v,%v), want (7,true)", v, ok)
	}
}
