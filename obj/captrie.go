// Package obj implements the capability trie, thread/exec-context
// objects, and the syscall-dispatch core that invokes operations on the
// resource a capability names.
//
// RawCapEntry/CapSlot/Resource and Thread/ExecCtx/dispatch are kept in a
// single package because they reference each other both ways (a CapSlot
// can name a Thread; a Thread's exercise-cap path walks a RawCapEntry),
// and Go doesn't allow that cycle to cross a package boundary. This
// mirrors how the reference kernel itself keeps mutually referential
// process/address-space/page-table state in one package (vm) rather
// than splitting it along a boundary the types don't actually respect.
package obj

import (
	"sync/atomic"
	"unsafe"

	"nucleus/diag"
	"nucleus/kerr"
	"nucleus/kptr"
	"nucleus/mem"
	"nucleus/retype"
)

// RTable is the global physical-frame retype table. It is set once by the
// boot path (package boot) and read thereafter without synchronization
// beyond what retype.Table itself provides, matching 's
// "global mutable state... initialization is one-shot from the boot
// path."
var RTable *retype.Table

// NumSlots is the number of capability slots per trie node: one node is
// exactly one page, and each slot is 32 bytes.
const NumSlots = 4096 / 32

// ResourceKind tags the variant a CapSlot's resource field holds.
type ResourceKind uint8

const (
	ResEmpty ResourceKind = iota
	ResCapEntry
	ResThread
	ResPageTable
	ResSyncRet
	ResSyncCall
	ResHardwareAccess
	ResMemoryTyping
)

func packChild(frame uint64) uint64 {
	return frame | (1 << 63)
}

func unpackChild(v uint64) (frame uint64, ok bool) {
	if v == 0 {
		return 0, false
	}
	return v &^ (1 << 63), true
}

func packResource(kind ResourceKind, frame uint64, extra uint8) uint64 {
	return uint64(kind)<<56 | (frame&0x0000_FFFF_FFFF_FFFF)<<8 | uint64(extra)
}

func unpackResource(v uint64) (kind ResourceKind, frame uint64, extra uint8) {
	return ResourceKind(v >> 56), (v >> 8) & 0x0000_FFFF_FFFF_FFFF, uint8(v)
}

// CapSlot is one atomic cell of a capability trie node: an optional child
// node pointer plus a tagged resource. Each field is its own atomic word
// so that Link/Unlink (which touch only the child) and
// Construct/Drop/Copy (which touch only the resource) each complete with
// a single CAS/store, serializing each slot without a lock spanning two
// concurrent operations. The reserved words pad the slot to 32 bytes so
// that 128 slots fill exactly one page.
type CapSlot struct {
	child    atomic.Uint64
	resource atomic.Uint64
	reserved [2]uint64
}

// Child returns the child node's frame number, if linked.
func (s *CapSlot) Child() (frame uint64, ok bool) {
	return unpackChild(s.child.Load())
}

// Link atomically replaces the slot's child pointer.
func (s *CapSlot) Link(frame uint64) {
	s.child.Store(packChild(frame))
}

// Unlink clears the slot's child pointer.
func (s *CapSlot) Unlink() {
	s.child.Store(0)
}

// Resource returns the slot's current resource variant.
func (s *CapSlot) Resource() (kind ResourceKind, frame uint64, extra uint8) {
	return unpackResource(s.resource.Load())
}

// Construct installs a resource into the slot, failing with
// ResourceInUse if the slot is not currently Empty.
func (s *CapSlot) Construct(kind ResourceKind, frame uint64, extra uint8) error {
	for {
		old := s.resource.Load()
		k, _, _ := unpackResource(old)
		if k != ResEmpty {
			return kerr.ResourceInUse
		}
		if s.resource.CompareAndSwap(old, packResource(kind, frame, extra)) {
			return nil
		}
	}
}

// Drop clears the slot's resource back to Empty.
func (s *CapSlot) Drop() {
	s.resource.Store(0)
}

// CopyFrom clones src's resource variant into this slot, requiring this
// slot to currently be Empty. For the kinds that name a KPtr-backed frame
// (CapEntry, Thread, PageTable, SyncCall) it takes one more reference on
// that Kernel frame in the retype table, unlike Link, which takes none.
func (s *CapSlot) CopyFrom(src *CapSlot) error {
	kind, frame, extra := src.Resource()
	if kind == ResEmpty {
		return kerr.InvalidArgument
	}
	if kind == ResCapEntry || kind == ResThread || kind == ResPageTable || kind == ResSyncCall {
		if RTable != nil {
			if err := RTable.TryAsKernel(frame); err != nil {
				return err
			}
		}
	}
	return s.Construct(kind, frame, extra)
}

// RawCapEntry is a page-shaped trie node of NumSlots capability slots.
type RawCapEntry struct {
	Slots [NumSlots]CapSlot
}

func init() {
	var e RawCapEntry
	if unsafe.Sizeof(e) != uintptr(mem.PGSIZE) {
		diag.Panic("obj: RawCapEntry must be exactly one page", nil, 0)
	}
}

// Lookup decomposes id into base-128 digits from least significant and
// walks the trie rooted at root, returning the terminal slot.
func Lookup(root kptr.KPtr[RawCapEntry], id uint32) (*CapSlot, error) {
	node := root
	for {
		d := id % NumSlots
		id /= NumSlots
		slot := &node.Get().Slots[d]
		if id == 0 {
			return slot, nil
		}
		childFrame, ok := slot.Child()
		if !ok {
			return nil, kerr.NotFound
		}
		node = kptr.FromExisting[RawCapEntry](RTable, childFrame)
	}
}
