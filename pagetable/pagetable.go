// Package pagetable implements the lock-free 512-entry x86-64 page table
// and the Addrspace view used to walk and build four-level mappings.
//
// Grounded on the reference kernel's Vm_t/Pmap_t address-space code for
// its atomic-entry idiom and locking-discipline naming (Lock_pmap-style
// guards belong one level up, in the capability-trie caller that resolves
// a PageTable resource before mutating it). The recursive four-level
// walk and kernel-half-clone behavior are implemented directly against
// this package's own Table/Addrspace types.
package pagetable

import (
	"sync/atomic"
	"unsafe"

	"nucleus/diag"
	"nucleus/kerr"
	"nucleus/kptr"
	"nucleus/mem"
	"nucleus/retype"
)

// entry is one atomic page-table entry: bits 51..12 are the frame
// address, the remainder are x86-64 architectural flags.
type entry struct {
	word atomic.Uint64
}

// Table is a page-aligned array of 512 atomic entries — exactly one page,
// which lets a Table live directly inside a kptr.KPtr[Table].
type Table struct {
	Entries [512]entry
}

func init() {
	var t Table
	if unsafe.Sizeof(t) != uintptr(mem.PGSIZE) {
		diag.Panic("pagetable: Table must be exactly one page", nil, 0)
	}
}

// Get decodes entry i into its frame number and flag bits.
func (t *Table) Get(i int) (frame uint64, flags uint64) {
	v := t.Entries[i].word.Load()
	return (v & mem.PTE_ADDR) >> mem.PGSHIFT, v &^ mem.PTE_ADDR
}

// Set installs frame/flags into entry i with a plain atomic store:
// visibility of the new mapping is the caller's responsibility via an
// explicit TLB flush, not the store itself.
func (t *Table) Set(i int, frame uint64, flags uint64) {
	v := ((frame << mem.PGSHIFT) & mem.PTE_ADDR) | (flags &^ mem.PTE_ADDR)
	t.Entries[i].word.Store(v)
}

// CompareAndSwap publishes a subtree root with a single atomic CAS,
// keeping a multi-entry update consistent without a lock.
func (t *Table) CompareAndSwap(i int, oldFrame, oldFlags, newFrame, newFlags uint64) bool {
	old := ((oldFrame << mem.PGSHIFT) & mem.PTE_ADDR) | (oldFlags &^ mem.PTE_ADDR)
	new_ := ((newFrame << mem.PGSHIFT) & mem.PTE_ADDR) | (newFlags &^ mem.PTE_ADDR)
	return t.Entries[i].word.CompareAndSwap(old, new_)
}

// Clear removes entry i. Interior tables reached only through it are not
// freed — a deliberate design choice that trades eager reclamation for
// reduced cross-level coordination.
func (t *Table) Clear(i int) {
	t.Entries[i].word.Store(0)
}

func tableAt(frame uint64) *Table {
	return (*Table)(unsafe.Pointer(mem.Dmap(mem.Pa_t(frame << mem.PGSHIFT))))
}

// indices decomposes a page number into its four level indices.
func indices(page uint64) (p4, p3, p2, p1 int) {
	return int((page >> 27) & 0x1ff), int((page >> 18) & 0x1ff),
		int((page >> 9) & 0x1ff), int(page & 0x1ff)
}

// NewL4 allocates a fresh L4 table, cloning the kernel half (indices
// 256..512) from template when one is supplied. The user half is left
// zeroed.
func NewL4(tbl *retype.Table, untyped retype.UntypedFrame, template *Table) (kptr.KPtr[Table], error) {
	kp, err := kptr.New(tbl, untyped, Table{})
	if err != nil {
		return kptr.KPtr[Table]{}, err
	}
	if template != nil {
		t := kp.Get()
		for i := 256; i < 512; i++ {
			v := template.Entries[i].word.Load()
			t.Entries[i].word.Store(v)
		}
	}
	return kp, nil
}

// Addrspace is a thin view over a root L4 frame.
type Addrspace struct {
	Root kptr.KPtr[Table]
}

// Get performs the recursive four-level walk for page, returning the
// mapped leaf frame and flags. A huge-page interior entry aborts the
// walk with ok=false, since this package doesn't interpret PTE_PS.
func (a Addrspace) Get(page uint64) (frame uint64, flags uint64, ok bool) {
	p4, p3, p2, p1 := indices(page)
	cur := a.Root.Get()
	for _, idx := range [3]int{p4, p3, p2} {
		f, fl := cur.Get(idx)
		if fl&mem.PTE_P == 0 {
			return 0, 0, false
		}
		if fl&mem.PTE_PS != 0 {
			return 0, 0, false
		}
		cur = tableAt(f)
	}
	f, fl := cur.Get(p1)
	if fl&mem.PTE_P == 0 {
		return 0, 0, false
	}
	return f, fl, true
}

// BumpAllocator hands out fresh Kernel-typed frames for interior
// page-table levels, mirroring the original bump_alloc::BumpAllocator's
// role during MapTo: a simple forward-only cursor over a pool of frames
// known to be Untyped, rather than a general allocator.
type BumpAllocator struct {
	tbl    *retype.Table
	frames []uint64
	next   int
}

// NewBumpAllocator builds an allocator over the given pool of candidate
// frame numbers, each of which must currently be Untyped.
func NewBumpAllocator(tbl *retype.Table, frames []uint64) *BumpAllocator {
	return &BumpAllocator{tbl: tbl, frames: frames}
}

// AllocFrame retypes and returns the next available frame from the pool.
func (b *BumpAllocator) AllocFrame() (uint64, error) {
	for b.next < len(b.frames) {
		f := b.frames[b.next]
		b.next++
		uf, err := b.tbl.AcquireUntyped(f)
		if err != nil {
			continue
		}
		kf, err := uf.IntoKernel()
		if err != nil {
			continue
		}
		return kf.Frame, nil
	}
	return 0, kerr.ResourceInUse
}

// MapTo walks page's path top-down, allocating interior tables through
// alloc when absent, and installs frame/flags at the leaf.
func (a Addrspace) MapTo(page uint64, frame uint64, flags uint64, parentFlags uint64, alloc *BumpAllocator) error {
	p4, p3, p2, p1 := indices(page)
	cur := a.Root.Get()
	for _, idx := range [3]int{p4, p3, p2} {
		f, fl := cur.Get(idx)
		if fl&mem.PTE_P == 0 {
			nf, err := alloc.AllocFrame()
			if err != nil {
				return err
			}
			cur.Set(idx, nf, parentFlags|mem.PTE_P)
			cur = tableAt(nf)
			continue
		}
		if fl&mem.PTE_PS != 0 {
			return kerr.InvalidArgument
		}
		cur = tableAt(f)
	}
	if _, fl := cur.Get(p1); fl&mem.PTE_P != 0 {
		return kerr.ResourceInUse
	}
	cur.Set(p1, frame, flags|mem.PTE_P)
	return nil
}

// Unmap clears the leaf entry for page, if present. Interior tables are
// left in place.
func (a Addrspace) Unmap(page uint64) {
	p4, p3, p2, p1 := indices(page)
	cur := a.Root.Get()
	for _, idx := range [3]int{p4, p3, p2} {
		f, fl := cur.Get(idx)
		if fl&mem.PTE_P == 0 {
			return
		}
		cur = tableAt(f)
	}
	cur.Clear(p1)
}

// FlushHook is the architecture-specific TLB invalidation primitive
// (INVLPG on x86-64). It is a package variable, not a direct asm call,
// so tests can observe flush requests without real hardware — the same
// indirection package obj uses for Dispatch.
var FlushHook func(virt uintptr) = func(uintptr) {}

// FlushPage invalidates the TLB entry for the given virtual address.
func FlushPage(virt uintptr) {
	FlushHook(virt)
}
