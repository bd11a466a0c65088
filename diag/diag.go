// Package diag owns the kernel's unrecoverable-failure boundary: panic
// formatting, an overridable halt hook, instruction-level fault decoding,
// and suppressed-duplicate call-chain dumps.
//
// Recoverable failures never reach this package — they propagate as a
// kerr.Err_t to the syscall boundary. diag.Panic is reserved for
// conditions the kernel core treats as invariant violations: corrupt
// retype state, a relayed double fault, a failed layout assertion.
package diag

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/arch/x86/x86asm"
)

// HaltHook is called by Panic after formatting a failure report. It
// defaults to looping forever, the same terminal behavior the reference
// kernel's panic path has on real hardware; tests substitute a hook that
// records the reason and returns instead of hanging the test binary.
var HaltHook func(reason string) = func(string) {
	for {
	}
}

// Panic formats reason, appends an instruction-level decode of code (if
// non-nil) at the faulting rip, and invokes HaltHook. It never returns
// under the default hook.
func Panic(reason string, code []byte, mode int) {
	msg := fmt.Sprintf("panic: %s", reason)
	if code != nil {
		if inst, err := DecodeFault(code, mode); err == nil {
			msg += fmt.Sprintf("\nfaulting instruction: %s", inst.String())
		} else {
			msg += fmt.Sprintf("\nfaulting instruction: <undecodable: %v>", err)
		}
	}
	fmt.Println(msg)
	HaltHook(reason)
}

// DecodeFault disassembles the single instruction at the start of code,
// mode being 16/32/64 per x86asm's convention. Used to annotate panic
// reports triggered by a general-protection or page fault with the
// offending instruction rather than just its raw bytes.
func DecodeFault(code []byte, mode int) (x86asm.Inst, error) {
	return x86asm.Decode(code, mode)
}

// Callerdump prints the goroutine's call stack starting at the given
// runtime.Caller depth, for ad hoc diagnostics at a panic or assertion
// site.
func Callerdump(start int) {
	i := start
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	fmt.Printf("%s", s)
}

// DistinctCaller suppresses repeated diagnostic output from the same call
// chain, so a hot syscall path that hits a rare-but-not-fatal condition on
// every invocation logs it once rather than flooding the console.
type DistinctCaller struct {
	sync.Mutex
	Enabled bool
	seen    map[uintptr]bool
	Whitel  map[string]bool
}

func (dc *DistinctCaller) pchash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Len returns the number of unique caller paths recorded so far.
func (dc *DistinctCaller) Len() int {
	dc.Lock()
	defer dc.Unlock()
	return len(dc.seen)
}

// Distinct reports whether the current call chain has not been seen
// before, returning a formatted trace the first time each chain appears.
func (dc *DistinctCaller) Distinct() (bool, string) {
	dc.Lock()
	defer dc.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.seen == nil {
		dc.seen = make(map[uintptr]bool)
	}

	var pcs []uintptr
	for sz, got := 30, 30; got >= sz; sz *= 2 {
		pcs = make([]uintptr, sz)
		got = runtime.Callers(3, pcs)
		if got == 0 {
			return false, ""
		}
		pcs = pcs[:got]
	}
	h := dc.pchash(pcs)
	if dc.seen[h] {
		return false, ""
	}
	dc.seen[h] = true

	frames := runtime.CallersFrames(pcs)
	fs := ""
	for {
		fr, more := frames.Next()
		if dc.Whitel[fr.Function] {
			return false, ""
		}
		if fs == "" {
			fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		} else {
			fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, fs
}
