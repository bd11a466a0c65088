// Package trap decodes the sysv64 syscall ABI off a trapped register
// frame and drives the capability-dispatch core in package obj. It is
// the boundary between the architecture-specific interrupt stub (outside
// this repository's scope) and the architecture-neutral kernel core.
package trap

import (
	"nucleus/kerr"
	"nucleus/kptr"
	"nucleus/obj"
	"nucleus/stats"
)

// Frame is the register image the vector-0x80 stub saves onto the
// per-core interrupt stack before calling into the kernel: the scratch
// and preserved integer registers, plus rip/rsp off the iretq frame —
// the syscall instruction's own return address and stack pointer, which
// the kernel needs on hand to resume the caller after a SyncRet (cs,
// rflags, and ss round-trip through the error-return path verbatim and
// aren't needed here; a real stub implementation owns that detail).
type Frame struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip                uint64
}

// stubSaver adapts a trapped Frame to obj.SaveState, so Dispatch can save
// the outgoing thread's preserved registers through the same interface
// exercised by tests against a fake implementation.
type stubSaver struct {
	src *Frame
}

func (s stubSaver) Save(dst *obj.Regs) {
	dst.Rbx, dst.Rbp = s.src.Rbx, s.src.Rbp
	dst.R12, dst.R13, dst.R14, dst.R15 = s.src.R12, s.src.R13, s.src.R14, s.src.R15
	dst.Rsp = s.src.Rsp
	dst.Rip = s.src.Rip
}

// decodeConstruct unpacks the fourth syscall argument register per the
// packing documented on obj.ConstructArgs: capTableCap in bits 63..48,
// pageTableCap in bits 47..32, arg0 in bits 31..0.
func decodeConstruct(kind obj.ConstructKind, region, entryOrStack, packed, fifth uint64) obj.ConstructArgs {
	capTableCap := uint32(packed >> 48)
	pageTableCap := uint32((packed >> 32) & 0xFFFF)
	arg0 := uint32(packed)
	switch kind {
	case obj.ConsPageTable:
		return obj.ConstructArgs{Kind: kind, Region: region, Level: uint8(entryOrStack)}
	case obj.ConsSyncCall:
		return obj.ConstructArgs{Kind: kind, Region: region, Entry: entryOrStack, CapTableCap: capTableCap, PageTableCap: pageTableCap}
	case obj.ConsThread:
		return obj.ConstructArgs{
			Kind:         kind,
			Region:       region,
			Entry:        entryOrStack,
			StackPointer: fifth,
			CapTableCap:  capTableCap,
			PageTableCap: pageTableCap,
			Arg0:         arg0,
		}
	default:
		return obj.ConstructArgs{Kind: kind, Region: region}
	}
}

// Syscall is the trap-layer entry point called by the vector-0x80 stub
// (or, in this repository, directly by tests) once the stub has saved f
// and read the sysv64 argument registers. current names the calling
// thread's own KPtr, already resolved from the per-core active-thread
// slot by the caller of this function.
//
// cons, when non-nil, carries a Construct payload pre-decoded by
// DecodeConstructArgs from a fifth register the ABI doesn't otherwise
// reserve — see that function's doc comment.
//
// Before dispatching, Syscall writes f's rip/rsp into current's saved
// context: ExerciseCap (via exerciseSyncCall) needs the caller's true
// resume point on hand to save it on the sync-call stack, and a plain
// Dispatch-time saver.Save never runs for the currently-trapped thread
// since it hasn't been displaced as the active thread yet.
func Syscall(current kptr.KPtr[obj.Thread], f *Frame, capID uint32, op uint64, a, b, c, d uint64, cons *obj.ConstructArgs) int64 {
	start := stats.Rdtsc()
	defer stats.SyscallCycles.Add(start)

	current.Get().Ctx.Regs.Rip = f.Rip
	current.Get().Ctx.Regs.Rsp = f.Rsp

	prev := obj.Saver
	obj.Saver = stubSaver{src: f}
	defer func() { obj.Saver = prev }()

	val, err := obj.ExerciseCap(current, capID, op, [4]uint64{a, b, c, d}, cons)
	return kerr.Encode(val, err)
}

// DecodeConstructArgs builds the decoded Construct payload for a
// CapTableConstruct syscall. kind is the payload discriminator and region
// the target frame's physical address; packed is the fourth argument
// register holding the capTableCap/pageTableCap/arg0 packing;
// entryOrLevel is the Entry of a Thread or SyncCall, or the Level of a
// PageTable; stackPointer is a Thread's StackPointer, the field the
// four-register ABI has no room for directly, carried instead in a fifth
// word the stub places
// immediately above the four standard argument registers on the trapped
// stack frame: the Construct payload needs more fields than the four
// general argument registers hold, and this packing is this
// implementation's resolution.
func DecodeConstructArgs(kind obj.ConstructKind, region, entryOrLevel, packed, stackPointer uint64) obj.ConstructArgs {
	return decodeConstruct(kind, region, entryOrLevel, packed, stackPointer)
}
