// Package corelocal holds the kernel's per-core mutable state: the
// active thread slot and the synchronous-call save stack a dispatch
// core needs to resume a caller after a SyncRet.
//
// The design is single-core today, so each slot is a single
// package-level value rather than an array indexed by CPU id; the
// comment on activeThread marks where SMP support would index by core, following the reference kernel's own per-cpu percpuphys_t
// pattern in its physical allocator (package mem) — an array sized
// runtime.MAXCPUS, collapsed here to one slot for a single-core design.
package corelocal

// threadSlot is opaque to this package: it stores a frame number and a
// validity bit rather than a typed KPtr, so corelocal does not need to
// import the obj package that defines Thread (avoiding a cycle, since obj
// depends on corelocal for the active-thread and call-stack state).
type threadSlot struct {
	frame uint64
	valid bool
}

// activeThread is the single core's currently executing thread. In SMP
// this becomes one slot per core.
var activeThread threadSlot

// SetActiveThread installs frame as the active thread on this core.
func SetActiveThread(frame uint64) {
	activeThread = threadSlot{frame: frame, valid: true}
}

// ActiveThread returns the active thread's frame number, if any.
func ActiveThread() (uint64, bool) {
	if !activeThread.valid {
		return 0, false
	}
	return activeThread.frame, true
}

// ClearActiveThread removes the active thread marker. Used only by tests
// and by the boot path before the first dispatch.
func ClearActiveThread() {
	activeThread = threadSlot{}
}

// CallFrame is one entry of the sync-call save stack: the caller thread,
// the cap-table/page-table it should be restored to on return, and the
// rip/rsp it was executing at when the call gate switched it away.
type CallFrame struct {
	CallerThread   uint64
	CallerCapTable uint64
	CallerL4       uint64
	ReturnRip      uint64
	ReturnRsp      uint64
}

// callDepthLimit bounds reentrancy of the per-core sync-call slot. The
// reference design describes a one-slot stack; this implementation keeps
// a small bounded stack instead of a single slot so that nested sync
// calls within that bound behave identically to chained one-slot saves,
// while still enforcing the same reentrancy ceiling.
const callDepthLimit = 8

var callStack []CallFrame

// PushCall saves a caller's context before a sync-call gate switches
// address space. It returns false if the per-core call-stack depth is
// exhausted.
func PushCall(f CallFrame) bool {
	if len(callStack) >= callDepthLimit {
		return false
	}
	callStack = append(callStack, f)
	return true
}

// PopCall restores the most recently saved caller context.
func PopCall() (CallFrame, bool) {
	if len(callStack) == 0 {
		return CallFrame{}, false
	}
	f := callStack[len(callStack)-1]
	callStack = callStack[:len(callStack)-1]
	return f, true
}

// CallDepth reports the current sync-call nesting depth, for diagnostics
// and tests.
func CallDepth() int {
	return len(callStack)
}

// ResetCallStack drops every saved call frame. Used by tests and by the
// boot path before the first dispatch.
func ResetCallStack() {
	callStack = nil
}
