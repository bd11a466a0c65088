package obj

import (
	"nucleus/corelocal"
	"nucleus/kerr"
	"nucleus/kptr"
	"nucleus/mem"
	"nucleus/pagetable"
	"nucleus/retype"
)

// Ring-3 segment selectors, a conventional flat-GDT layout (kernel code
// at 0x08/data at 0x10, user code at 0x23/data at 0x1b) used throughout
// toy and teaching kernels targeting this boot model; nothing in this
// repository depends on the exact numeric value beyond round-tripping it
// through a constructed thread's saved register file.
const (
	userCS = 0x23
	userSS = 0x1b
	flagIF = 1 << 9
)

func resolveCapEntryFrame(root kptr.KPtr[RawCapEntry], capID uint32) (uint64, error) {
	s, err := Lookup(root, capID)
	if err != nil {
		return 0, err
	}
	k, f, _ := s.Resource()
	if k != ResCapEntry {
		return 0, kerr.InvalidArgument
	}
	return f, nil
}

func resolvePageTableFrame(root kptr.KPtr[RawCapEntry], capID uint32) (uint64, uint8, error) {
	s, err := Lookup(root, capID)
	if err != nil {
		return 0, 0, err
	}
	k, f, extra := s.Resource()
	if k != ResPageTable {
		return 0, 0, kerr.InvalidArgument
	}
	return f, extra, nil
}

func exerciseCapEntry(root kptr.KPtr[RawCapEntry], nodeFrame uint64, op uint64, args [4]uint64, cons *ConstructArgs) (uint64, error) {
	node := kptr.FromExisting[RawCapEntry](RTable, nodeFrame)
	switch op {
	case CapTableLink:
		slotIdx, otherCapID := args[0], uint32(args[1])
		if slotIdx >= NumSlots {
			return 0, kerr.InvalidArgument
		}
		otherSlot, err := Lookup(root, otherCapID)
		if err != nil {
			return 0, err
		}
		k, f, _ := otherSlot.Resource()
		if k != ResCapEntry {
			return 0, kerr.InvalidArgument
		}
		node.Get().Slots[slotIdx].Link(f)
		return 0, nil

	case CapTableUnlink:
		slotIdx := args[0]
		if slotIdx >= NumSlots {
			return 0, kerr.InvalidArgument
		}
		node.Get().Slots[slotIdx].Unlink()
		return 0, nil

	case CapTableConstruct:
		if cons == nil {
			return 0, kerr.InvalidArgument
		}
		slotIdx := args[0]
		if slotIdx >= NumSlots {
			return 0, kerr.InvalidArgument
		}
		return constructResource(root, &node.Get().Slots[slotIdx], *cons)

	case CapTableDrop:
		slotIdx := args[0]
		if slotIdx >= NumSlots {
			return 0, kerr.InvalidArgument
		}
		s := &node.Get().Slots[slotIdx]
		if k, f, _ := s.Resource(); k != ResEmpty {
			RTable.Decrement(f)
		}
		s.Drop()
		return 0, nil

	case CapTableCopy:
		slotIdx, otherCapID, otherSlotIdx := args[0], uint32(args[1]), args[2]
		if slotIdx >= NumSlots || otherSlotIdx >= NumSlots {
			return 0, kerr.InvalidArgument
		}
		otherCapSlot, err := Lookup(root, otherCapID)
		if err != nil {
			return 0, err
		}
		k, otherFrame, _ := otherCapSlot.Resource()
		if k != ResCapEntry {
			return 0, kerr.InvalidArgument
		}
		otherNode := kptr.FromExisting[RawCapEntry](RTable, otherFrame)
		src := &otherNode.Get().Slots[otherSlotIdx]
		dst := &node.Get().Slots[slotIdx]
		return 0, dst.CopyFrom(src)

	default:
		return 0, kerr.InvalidOp
	}
}

// constructResource validates and performs a Construct op: the target
// region is retyped to Kernel only after every precondition has been
// checked, so a failed Construct leaves the source frame untyped.
func constructResource(root kptr.KPtr[RawCapEntry], slot *CapSlot, cons ConstructArgs) (uint64, error) {
	if cons.Region&uint64(mem.PGOFFSET) != 0 {
		return 0, kerr.InvalidArgument
	}
	frameNum := cons.Region >> mem.PGSHIFT

	var capTableFrame, l4Frame uint64
	var pageLevel uint8
	switch cons.Kind {
	case ConsThread, ConsSyncCall:
		var err error
		capTableFrame, err = resolveCapEntryFrame(root, cons.CapTableCap)
		if err != nil {
			return 0, err
		}
		l4Frame, pageLevel, err = resolvePageTableFrame(root, cons.PageTableCap)
		if err != nil {
			return 0, err
		}
		if cons.Kind == ConsThread && pageLevel != 4 {
			return 0, kerr.InvalidArgument
		}
	}

	if k, _, _ := slot.Resource(); k != ResEmpty {
		return 0, kerr.ResourceInUse
	}

	untyped, err := RTable.AcquireUntyped(frameNum)
	if err != nil {
		return 0, err
	}

	switch cons.Kind {
	case ConsCapTable:
		kp, err := kptr.New(RTable, untyped, RawCapEntry{})
		if err != nil {
			return 0, err
		}
		return 0, slot.Construct(ResCapEntry, kp.Frame(), 0)

	case ConsThread:
		t := Thread{
			Resources: capTableFrame,
			Ctx: ExecCtx{
				L4Frame: l4Frame,
				Regs: Regs{
					Rip:    cons.Entry,
					Rsp:    cons.StackPointer,
					Rdi:    uint64(cons.Arg0),
					Rflags: flagIF,
					Cs:     userCS,
					Ss:     userSS,
				},
			},
		}
		kp, err := kptr.New(RTable, untyped, t)
		if err != nil {
			return 0, err
		}
		return 0, slot.Construct(ResThread, kp.Frame(), 0)

	case ConsPageTable:
		if cons.Level < 1 || cons.Level > 4 {
			return 0, kerr.InvalidArgument
		}
		var template *pagetable.Table
		if cons.Level == 4 {
			if curFrame, ok := corelocal.ActiveThread(); ok {
				cur := kptr.FromExisting[Thread](RTable, curFrame)
				template = kptr.FromExisting[pagetable.Table](RTable, cur.Get().Ctx.L4Frame).Get()
			}
		}
		kp, err := pagetable.NewL4(RTable, untyped, template)
		if err != nil {
			return 0, err
		}
		return 0, slot.Construct(ResPageTable, kp.Frame(), cons.Level)

	case ConsSyncCall:
		desc := SyncCallDescriptor{Entry: cons.Entry, CapTable: capTableFrame, PageTable: l4Frame}
		kp, err := kptr.New(RTable, untyped, desc)
		if err != nil {
			return 0, err
		}
		return 0, slot.Construct(ResSyncCall, kp.Frame(), 0)

	default:
		return 0, kerr.InvalidArgument
	}
}

func exercisePageTable(frame uint64, level uint8, op uint64, args [4]uint64) (uint64, error) {
	tbl := kptr.FromExisting[pagetable.Table](RTable, frame)
	slotIdx := args[0]
	if slotIdx >= 512 {
		return 0, kerr.InvalidArgument
	}
	switch op {
	case PageTableLink:
		targetFrame, flags := args[1], args[2]
		wantState := retype.Kernel
		if level == 1 {
			wantState = retype.User
		}
		if s, _, err := RTable.Stat(targetFrame); err != nil || s != wantState {
			if level == 1 {
				return 0, kerr.FrameNotUser
			}
			return 0, kerr.InvalidArgument
		}
		tbl.Get().Set(int(slotIdx), targetFrame, flags|mem.PTE_P)
		return 0, nil

	case PageTableUnlink:
		tbl.Get().Clear(int(slotIdx))
		return 0, nil

	default:
		return 0, kerr.InvalidOp
	}
}

func exerciseMemoryTyping(op uint64, args [4]uint64) (uint64, error) {
	region := args[0]
	if region&uint64(mem.PGOFFSET) != 0 {
		return 0, kerr.InvalidArgument
	}
	frameNum := region >> mem.PGSHIFT
	switch op {
	case Retype2Kernel:
		return 0, RTable.TryIntoKernel(frameNum)
	case Retype2User:
		return 0, RTable.TryIntoUser(frameNum)
	case Retype2Untyped:
		return 0, RTable.TryIntoUntyped(frameNum)
	default:
		return 0, kerr.InvalidOp
	}
}

func exerciseSyncCall(frame uint64, op uint64, args [4]uint64) (uint64, error) {
	if op != SyncCallCall {
		return 0, kerr.InvalidOp
	}
	desc := kptr.FromExisting[SyncCallDescriptor](RTable, frame).Get()
	curFrame, ok := corelocal.ActiveThread()
	if !ok {
		return 0, kerr.Internal
	}
	cur := kptr.FromExisting[Thread](RTable, curFrame)
	saved := corelocal.CallFrame{
		CallerThread:   curFrame,
		CallerCapTable: cur.Get().Resources,
		CallerL4:       cur.Get().Ctx.L4Frame,
		ReturnRip:      cur.Get().Ctx.Regs.Rip,
		ReturnRsp:      cur.Get().Ctx.Regs.Rsp,
	}
	if !corelocal.PushCall(saved) {
		return 0, kerr.ResourceInUse
	}
	cur.Get().Resources = desc.CapTable
	cur.Get().Ctx.L4Frame = desc.PageTable
	cur.Get().Ctx.Regs.Rip = desc.Entry
	cur.Get().Ctx.Regs.Rdi = args[0]
	cur.Get().Ctx.Regs.Rsi = args[1]
	cur.Get().Ctx.Regs.Rdx = args[2]
	cur.Get().Ctx.Regs.Rcx = args[3]
	Dispatch(cur, Saver)
	return 0, nil
}

func exerciseSyncRet(op uint64, args [4]uint64) (uint64, error) {
	if op != SyncRetRet {
		return 0, kerr.InvalidOp
	}
	code := args[0]
	saved, ok := corelocal.PopCall()
	if !ok {
		return 0, kerr.Internal
	}
	curFrame, ok := corelocal.ActiveThread()
	if !ok {
		return 0, kerr.Internal
	}
	cur := kptr.FromExisting[Thread](RTable, curFrame)
	cur.Get().Resources = saved.CallerCapTable
	cur.Get().Ctx.L4Frame = saved.CallerL4
	cur.Get().Ctx.Regs.Rip = saved.ReturnRip
	cur.Get().Ctx.Regs.Rsp = saved.ReturnRsp
	cur.Get().Ctx.Regs.Rax = code
	Dispatch(cur, Saver)
	return code, nil
}

func exerciseHardware(op uint64, args [4]uint64) (uint64, error) {
	switch op {
	case HardwareEnableIoPorts:
		return 0, nil
	case HardwareFlushPage:
		pagetable.FlushPage(uintptr(args[0]))
		return 0, nil
	default:
		return 0, kerr.InvalidOp
	}
}
