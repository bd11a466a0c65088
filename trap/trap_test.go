package trap

import (
	"testing"
	"unsafe"

	"nucleus/corelocal"
	"nucleus/kptr"
	"nucleus/mem"
	"nucleus/obj"
	"nucleus/retype"
)

func setup(t *testing.T, nframes uint64) *retype.Table {
	t.Helper()
	backing := make([]byte, nframes*uint64(mem.PGSIZE))
	mem.Vdirect = uintptr(unsafe.Pointer(&backing[0]))
	mem.DmapInited = true
	t.Cleanup(func() { mem.DmapInited = false })

	tbl := retype.New(nframes, []retype.Region{{Base: 0, Count: nframes, Kind: retype.Usable}})
	obj.RTable = tbl
	corelocal.ClearActiveThread()
	corelocal.ResetCallStack()
	obj.Saver = nil
	return tbl
}

func newRoot(t *testing.T, tbl *retype.Table, frame uint64) kptr.KPtr[obj.RawCapEntry] {
	t.Helper()
	uf, err := tbl.AcquireUntyped(frame)
	if err != nil {
		t.Fatalf("AcquireUntyped: %v", err)
	}
	kp, err := kptr.New(tbl, uf, obj.RawCapEntry{})
	if err != nil {
		t.Fatalf("kptr.New: %v", err)
	}
	return kp
}

func TestSyscallNotFoundReturnsNegativeErrno(t *testing.T) {
	tbl := setup(t, 8)
	root := newRoot(t, tbl, 0)
	uf, _ := tbl.AcquireUntyped(1)
	th, _ := kptr.New(tbl, uf, obj.Thread{Resources: root.Frame()})

	got := Syscall(th, &Frame{}, 9999, obj.ThreadActivate, 0, 0, 0, 0, nil)
	if got != -2 { // kerr.NotFound == 2
		t.Fatalf("Syscall() = %d, want -2 (NotFound)", got)
	}
}

func TestSyscallSuccessReturnsNonNegative(t *testing.T) {
	tbl := setup(t, 8)
	root := newRoot(t, tbl, 0)
	uf, _ := tbl.AcquireUntyped(1)
	th, _ := kptr.New(tbl, uf, obj.Thread{Resources: root.Frame()})
	root.Get().Slots[0].Construct(obj.ResHardwareAccess, 0, 0)

	got := Syscall(th, &Frame{}, 0, obj.HardwareEnableIoPorts, 0, 0, 0, 0, nil)
	if got != 0 {
		t.Fatalf("Syscall() = %d, want 0", got)
	}
}

func TestSyscallInstallsSaverForDurationOfCall(t *testing.T) {
	tbl := setup(t, 8)
	root := newRoot(t, tbl, 0)
	self := func() kptr.KPtr[obj.Thread] {
		uf, _ := tbl.AcquireUntyped(1)
		kp, _ := kptr.New(tbl, uf, obj.Thread{
			Resources: root.Frame(),
			Ctx:       obj.ExecCtx{Regs: obj.Regs{Rflags: 1 << 9}},
		})
		return kp
	}()
	target := func() kptr.KPtr[obj.Thread] {
		uf, _ := tbl.AcquireUntyped(2)
		kp, _ := kptr.New(tbl, uf, obj.Thread{
			Resources: root.Frame(),
			Ctx:       obj.ExecCtx{Regs: obj.Regs{Rflags: 1 << 9, Rip: 0x1000}},
		})
		return kp
	}()
	root.Get().Slots[0].Construct(obj.ResThread, target.Frame(), 0)
	corelocal.SetActiveThread(self.Frame())

	f := &Frame{Rbx: 0xdead, Rsp: 0x7000}
	if got := Syscall(self, f, 0, obj.ThreadActivate, 0, 0, 0, 0, nil); got != 0 {
		t.Fatalf("Syscall() = %d, want 0", got)
	}
	if self.Get().Ctx.Regs.Rbx != 0xdead || self.Get().Ctx.Regs.Rsp != 0x7000 {
		t.Fatalf("outgoing thread's saved regs = %+v, want Rbx=0xdead Rsp=0x7000", self.Get().Ctx.Regs)
	}
	if obj.Saver != nil {
		t.Fatalf("Saver should be restored to its pre-call value after Syscall returns")
	}
}

func TestDecodeConstructArgsThreadPacking(t *testing.T) {
	packed := uint64(7)<<48 | uint64(9)<<32 | uint64(42)
	args := DecodeConstructArgs(obj.ConsThread, 0x8000, 0x400100, packed, 0x6FFFFFFFF000)

	if args.CapTableCap != 7 || args.PageTableCap != 9 || args.Arg0 != 42 {
		t.Fatalf("decoded args = %+v, want CapTableCap=7 PageTableCap=9 Arg0=42", args)
	}
	if args.Entry != 0x400100 || args.StackPointer != 0x6FFFFFFFF000 {
		t.Fatalf("decoded args = %+v, want Entry/StackPointer preserved", args)
	}
}

func TestDecodeConstructArgsPageTableLevel(t *testing.T) {
	args := DecodeConstructArgs(obj.ConsPageTable, 0x9000, 3, 0, 0)
	if args.Level != 3 {
		t.Fatalf("decoded level = %d, want 3", args.Level)
	}
}
