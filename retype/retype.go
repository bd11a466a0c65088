// Package retype implements the physical-frame type/refcount table: the
// global state machine that partitions all RAM into Unavailable, Untyped,
// User, and Kernel frames and enforces safe transitions between them with
// lock-free compare-and-swap.
//
// Go has no atomic 16-bit word, so each entry is packed into the low 16
// bits of an atomic.Uint32, the same trick the reference kernel's
// allocator uses when a narrower hardware word isn't available as a
// distinct Go atomic type.
package retype

import (
	"sync/atomic"

	"nucleus/kerr"
)

// State is the type currently assigned to a physical frame.
type State uint16

const (
	Unavailable State = iota
	Untyped
	User
	Kernel
)

func (s State) String() string {
	switch s {
	case Unavailable:
		return "Unavailable"
	case Untyped:
		return "Untyped"
	case User:
		return "User"
	case Kernel:
		return "Kernel"
	default:
		return "State(?)"
	}
}

const (
	counterBits  = 14
	counterMask  = 1<<counterBits - 1
	MaxRefcount  = counterMask // 0x3FFF
)

func pack(s State, refcount uint16) uint32 {
	return uint32(s)<<counterBits | uint32(refcount&counterMask)
}

func unpack(v uint32) (State, uint16) {
	return State(v >> counterBits), uint16(v & counterMask)
}

// entry is one atomic (state, refcount) word. Only the low 16 bits of word
// are ever meaningful; the type is atomic.Uint32 because Go does not
// provide a 16-bit atomic.
type entry struct {
	word atomic.Uint32
}

// RegionKind classifies a span of the boot-time memory map for the purpose
// of seeding the retype table.
type RegionKind int

const (
	// Usable regions become Untyped, available for retyping.
	Usable RegionKind = iota
	// Reserved covers firmware/ACPI/MMIO holes: Unavailable forever.
	Reserved
	// Owned covers the kernel image, boot modules, and reclaimable
	// bootloader structures: Kernel with refcount 1, same as the
	// reference design's treatment of BOOTLOADER_RECLAIMABLE and
	// KERNEL_AND_MODULES regions.
	Owned
)

// Region describes one contiguous span of physical frames in the boot
// memory map, in frame-number units (not bytes).
type Region struct {
	Base  uint64
	Count uint64
	Kind  RegionKind
}

// Table is the global per-frame type/refcount table.
type Table struct {
	entries []entry
}

// New allocates a table covering frameCount frames and seeds it from the
// supplied memory-map regions. Frames not covered by any region are left
// Unavailable, matching the reference design's treatment of gaps in the
// firmware map.
func New(frameCount uint64, regions []Region) *Table {
	t := &Table{entries: make([]entry, frameCount)}
	for _, r := range regions {
		end := r.Base + r.Count
		if end > frameCount {
			end = frameCount
		}
		for f := r.Base; f < end; f++ {
			switch r.Kind {
			case Usable:
				t.entries[f].word.Store(pack(Untyped, 0))
			case Owned:
				t.entries[f].word.Store(pack(Kernel, 1))
			case Reserved:
				// zero value already encodes Unavailable/0.
			}
		}
	}
	return t
}

// NumFrames returns the number of frames the table covers.
func (t *Table) NumFrames() uint64 {
	return uint64(len(t.entries))
}

func (t *Table) at(frame uint64) (*entry, error) {
	if frame >= uint64(len(t.entries)) {
		return nil, kerr.InvalidArgument
	}
	return &t.entries[frame], nil
}

// Stat returns the current (state, refcount) of a frame.
func (t *Table) Stat(frame uint64) (State, uint16, error) {
	e, err := t.at(frame)
	if err != nil {
		return 0, 0, err
	}
	s, c := unpack(e.word.Load())
	return s, c, nil
}

// tryInto performs a single CAS from (from, 0) to (to, initial). It is the
// shared core of TryIntoUser and TryIntoKernel. A frame already typed to
// (or still typed as from with) outstanding references fails with
// ResourceInUse; a frame of any other type fails with InvalidArgument.
func (t *Table) tryInto(frame uint64, from, to State, initial uint16) error {
	e, err := t.at(frame)
	if err != nil {
		return err
	}
	for {
		old := e.word.Load()
		s, c := unpack(old)
		if s != from || c != 0 {
			if c != 0 && (s == from || s == to) {
				return kerr.ResourceInUse
			}
			return kerr.InvalidArgument
		}
		if e.word.CompareAndSwap(old, pack(to, initial)) {
			return nil
		}
	}
}

// TryIntoUser retypes an Untyped, unreferenced frame to User with an
// initial refcount of 1.
func (t *Table) TryIntoUser(frame uint64) error {
	return t.tryInto(frame, Untyped, User, 1)
}

// TryIntoKernel retypes an Untyped, unreferenced frame to Kernel with an
// initial refcount of 1.
func (t *Table) TryIntoKernel(frame uint64) error {
	return t.tryInto(frame, Untyped, Kernel, 1)
}

// TryIntoUntyped retypes a User or Kernel frame with no outstanding
// references back to Untyped. Fails with ResourceInUse if refs remain.
func (t *Table) TryIntoUntyped(frame uint64) error {
	e, err := t.at(frame)
	if err != nil {
		return err
	}
	for {
		old := e.word.Load()
		s, c := unpack(old)
		if s != User && s != Kernel {
			return kerr.InvalidArgument
		}
		if c != 0 {
			return kerr.ResourceInUse
		}
		if e.word.CompareAndSwap(old, pack(Untyped, 0)) {
			return nil
		}
	}
}

// tryAs conditionally increments the refcount iff the frame's current
// state matches want, saturating at MaxRefcount.
func (t *Table) tryAs(frame uint64, want State) error {
	e, err := t.at(frame)
	if err != nil {
		return err
	}
	for {
		old := e.word.Load()
		s, c := unpack(old)
		if s != want {
			return kerr.InvalidArgument
		}
		if c >= MaxRefcount {
			return kerr.ResourceInUse
		}
		if e.word.CompareAndSwap(old, pack(s, c+1)) {
			return nil
		}
	}
}

// TryAsUser increments the refcount of a frame currently typed User.
func (t *Table) TryAsUser(frame uint64) error {
	return t.tryAs(frame, User)
}

// TryAsKernel increments the refcount of a frame currently typed Kernel.
func (t *Table) TryAsKernel(frame uint64) error {
	return t.tryAs(frame, Kernel)
}

// UntypedFrame is a proof that a specific frame is currently Untyped with
// no outstanding references. It is the only way to obtain a User or
// Kernel frame: the transition is witnessed by consuming the value.
//
// Go has no move-only types, so nothing stops a caller from copying an
// UntypedFrame and retyping it twice; the second IntoUser/IntoKernel
// finds the frame no longer Untyped and fails (InvalidArgument if the
// first retyped it to the other type, ResourceInUse if to the same type
// while that reference is live), the same outcome the exclusivity was
// protecting against.
type UntypedFrame struct {
	tbl   *Table
	Frame uint64
}

// AcquireUntyped witnesses that frame is currently Untyped with a zero
// refcount, returning a handle usable to retype it.
func (t *Table) AcquireUntyped(frame uint64) (UntypedFrame, error) {
	s, c, err := t.Stat(frame)
	if err != nil {
		return UntypedFrame{}, err
	}
	if s != Untyped || c != 0 {
		return UntypedFrame{}, kerr.InvalidArgument
	}
	return UntypedFrame{tbl: t, Frame: frame}, nil
}

// UserFrame is a live reference on a frame typed User.
type UserFrame struct {
	tbl   *Table
	Frame uint64
}

// KernelFrame is a live reference on a frame typed Kernel.
type KernelFrame struct {
	tbl   *Table
	Frame uint64
}

// IntoUser retypes the witnessed frame to User, yielding the first
// reference on it.
func (u UntypedFrame) IntoUser() (UserFrame, error) {
	if err := u.tbl.TryIntoUser(u.Frame); err != nil {
		return UserFrame{}, err
	}
	return UserFrame{tbl: u.tbl, Frame: u.Frame}, nil
}

// IntoKernel retypes the witnessed frame to Kernel, yielding the first
// reference on it.
func (u UntypedFrame) IntoKernel() (KernelFrame, error) {
	if err := u.tbl.TryIntoKernel(u.Frame); err != nil {
		return KernelFrame{}, err
	}
	return KernelFrame{tbl: u.tbl, Frame: u.Frame}, nil
}

// Clone takes another reference on the same User frame.
func (f UserFrame) Clone() (UserFrame, error) {
	if err := f.tbl.TryAsUser(f.Frame); err != nil {
		return UserFrame{}, err
	}
	return f, nil
}

// Free releases this reference. It never retypes the frame back to
// Untyped; see Table.Decrement.
func (f UserFrame) Free() {
	f.tbl.Decrement(f.Frame)
}

// Clone takes another reference on the same Kernel frame.
func (f KernelFrame) Clone() (KernelFrame, error) {
	if err := f.tbl.TryAsKernel(f.Frame); err != nil {
		return KernelFrame{}, err
	}
	return f, nil
}

// Free releases this reference. It never retypes the frame back to
// Untyped; see Table.Decrement.
func (f KernelFrame) Free() {
	f.tbl.Decrement(f.Frame)
}

// Decrement drops one reference on frame, regardless of its current typed
// state. It never itself retypes the frame back to Untyped; only an
// explicit TryIntoUntyped performs that transition.
func (t *Table) Decrement(frame uint64) (State, uint16, error) {
	e, err := t.at(frame)
	if err != nil {
		return 0, 0, err
	}
	for {
		old := e.word.Load()
		s, c := unpack(old)
		if c == 0 {
			return s, 0, kerr.Internal
		}
		next := pack(s, c-1)
		if e.word.CompareAndSwap(old, next) {
			return s, c - 1, nil
		}
	}
}
