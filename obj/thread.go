package obj

import (
	"unsafe"

	"nucleus/corelocal"
	"nucleus/diag"
	"nucleus/kerr"
	"nucleus/kptr"
	"nucleus/mem"
	"nucleus/stats"
)

// Regs is the saved integer register file plus the control registers
// needed to resume execution: all of sysv64's integer registers, rip,
// rflags, and the segment selectors implied by ring-3 entry.
type Regs struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
	Cs, Ss             uint64
}

// ExecCtx is a thread's saved CPU register file and address-space root.
type ExecCtx struct {
	Regs    Regs
	L4Frame uint64
}

// threadPadding rounds Thread up to exactly one page: Ctx (20 register
// words plus L4Frame, 21 uint64 = 168 bytes) plus Resources (8 bytes).
const threadPadding = mem.PGSIZE - (int(unsafe.Sizeof(ExecCtx{})) + 8)

// Thread is a page-aligned record of a saved register file, its root
// page table, and its root capability trie.
type Thread struct {
	Ctx       ExecCtx
	Resources uint64 // frame number of the root RawCapEntry
	_         [threadPadding]byte
}

func init() {
	var t Thread
	if unsafe.Sizeof(t) != uintptr(mem.PGSIZE) {
		diag.Panic("obj: Thread must be exactly one page", nil, 0)
	}
}

// Dispatchable reports whether the thread's register file represents a
// valid execution state: IF set in rflags, consistent with entering or
// resuming at ring 3.
func (t *Thread) Dispatchable() bool {
	const IF = 1 << 9
	return t.Ctx.Regs.Rflags&IF != 0
}

// Dispatcher performs the architecture-specific act of switching CPU
// execution to a saved register file and address space. A real
// implementation never returns from Dispatch; it is abstracted behind
// this interface so the rest of the kernel is architecture-neutral and
// so tests can observe a dispatch request without actually transferring
// control.
type Dispatcher interface {
	Dispatch(ctx *ExecCtx)
}

// SaveState captures the currently-executing thread's register state
// into dst before a dispatch hands control to a different thread. The
// trap stub that entered the kernel on int 0x80 is the real
// implementation; it is abstracted the same way Dispatcher is.
type SaveState interface {
	Save(dst *Regs)
}

// Arch is the active Dispatcher, installed by the boot path. It defaults
// to a no-op so package-level tests can run without a real CPU.
var Arch Dispatcher = noopDispatcher{}

// Saver captures the outgoing thread's preserved registers on every
// internally-triggered Dispatch (ThreadActivate, SyncCall, SyncRet). The
// trap package installs a Frame-backed implementation for the duration of
// each syscall; tests and boot-time code default to a no-op.
var Saver SaveState = trapSaver{}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(*ExecCtx) {}

// Dispatch saves the currently active thread's register state (if any)
// via saver, installs next as the active thread, and invokes Arch on its
// exec context. Under real hardware this never returns; the caller's
// subsequent execution resumes only via a later, symmetric Dispatch back
// to it, at which point its own activating syscall appears to have
// returned 0.
func Dispatch(next kptr.KPtr[Thread], saver SaveState) {
	stats.Dispatch.Inc()
	if curFrame, ok := corelocal.ActiveThread(); ok {
		cur := kptr.FromExisting[Thread](RTable, curFrame)
		saver.Save(&cur.Get().Ctx.Regs)
	}
	corelocal.SetActiveThread(next.Frame())
	Arch.Dispatch(&next.Get().Ctx)
}

// SyncCallDescriptor names the entry point, capability table, and page
// table a SyncCall resource switches the caller into. Immutable after
// construction.
type SyncCallDescriptor struct {
	Entry     uint64
	CapTable  uint64
	PageTable uint64
	_         [mem.PGSIZE - 24]byte
}

func init() {
	var d SyncCallDescriptor
	if unsafe.Sizeof(d) != uintptr(mem.PGSIZE) {
		diag.Panic("obj: SyncCallDescriptor must be exactly one page", nil, 0)
	}
}

// Thread operation codes.
const (
	ThreadActivate       = 0
	ThreadChangeAffinity = 1
)

// CapTable operation codes.
const (
	CapTableLink = 2 + iota
	CapTableUnlink
	CapTableConstruct
	CapTableDrop
	CapTableCopy
)

// PageTable operation codes.
const (
	PageTableLink = 7 + iota
	PageTableUnlink
)

// MemoryRegion (MemoryTyping resource) operation codes.
const (
	Retype2Kernel = 9 + iota
	Retype2User
	Retype2Untyped
)

// SyncCall, SyncRet, and Hardware operation codes. Thread, CapTable,
// PageTable, and MemoryRegion each come with explicit numbers already;
// these three resource kinds don't, so this assigns the next unused
// values in the same sequence and treats the assignment as fixed from
// here on.
const (
	SyncCallCall          = 12
	SyncRetRet            = 13
	HardwareEnableIoPorts = 14
	HardwareFlushPage     = 15
)

// ConstructKind discriminates the Construct operation's payload.
type ConstructKind uint8

const (
	ConsCapTable ConstructKind = iota
	ConsThread
	ConsPageTable
	ConsSyncCall
)

// ConstructArgs is the decoded Construct payload.
//
// The reference ABI carries only four general-purpose argument words
// per syscall, which is not enough room for ThreadConsArgs's six fields
// taken literally. This implementation packs CapTableCap and
// PageTableCap (each a capability id, assumed to fit 16 bits in
// practice) together with Arg0 into the fourth register:
// d = cap_table_cap<<48 | page_table_cap<<32 | arg0. Trap-layer decoding
// of this packing lives in package trap; ExerciseCap itself only
// consumes the already-decoded ConstructArgs.
type ConstructArgs struct {
	Kind         ConstructKind
	Region       uint64
	Entry        uint64
	StackPointer uint64
	CapTableCap  uint32
	PageTableCap uint32
	Arg0         uint32
	Level        uint8
}

// ExerciseCap resolves capId in th's root trie and invokes op on the
// named resource. args carries the four sysv64 argument registers
// already placed per-operation by the trap layer; cons carries a
// pre-decoded Construct payload when op is CapTableConstruct (nil
// otherwise).
func ExerciseCap(th kptr.KPtr[Thread], capID uint32, op uint64, args [4]uint64, cons *ConstructArgs) (uint64, error) {
	root := kptr.FromExisting[RawCapEntry](RTable, th.Get().Resources)
	slot, err := Lookup(root, capID)
	if err != nil {
		return 0, err
	}
	kind, frame, extra := slot.Resource()
	switch kind {
	case ResEmpty:
		return 0, kerr.NotFound
	case ResThread:
		return exerciseThread(frame, op)
	case ResCapEntry:
		return exerciseCapEntry(root, frame, op, args, cons)
	case ResPageTable:
		return exercisePageTable(frame, extra, op, args)
	case ResMemoryTyping:
		return exerciseMemoryTyping(op, args)
	case ResSyncCall:
		return exerciseSyncCall(frame, op, args)
	case ResSyncRet:
		return exerciseSyncRet(op, args)
	case ResHardwareAccess:
		return exerciseHardware(op, args)
	default:
		return 0, kerr.Internal
	}
}

func exerciseThread(frame uint64, op uint64) (uint64, error) {
	switch op {
	case ThreadActivate:
		target := kptr.FromExisting[Thread](RTable, frame)
		if !target.Get().Dispatchable() {
			return 0, kerr.InvalidArgument
		}
		Dispatch(target, Saver)
		return 0, nil
	case ThreadChangeAffinity:
		// Single-core design: there is no
		// second core to affine to.
		return 0, kerr.InvalidOp
	default:
		return 0, kerr.InvalidOp
	}
}

// trapSaver is the zero-value default for Saver: a no-op, for boot-time
// code and tests that never install a trap-layer Frame. Package trap
// overrides Saver with a Frame-backed SaveState for the duration of each
// real syscall.
type trapSaver struct{}

func (trapSaver) Save(dst *Regs) {}
