// Package boot consumes a Limine-style boot protocol structure and brings
// up the retype table, the kernel direct map, and the first thread's
// preallocated root capability trie.
//
// Grounded on the reference kernel's own boot sequence (package mem's
// Dmap_init plus the physical-memory-map consumption in its allocator
// init path), adapted here to seed package retype's Table instead of a
// refcounted free list.
package boot

import (
	"fmt"

	"nucleus/corelocal"
	"nucleus/kptr"
	"nucleus/mem"
	"nucleus/obj"
	"nucleus/pagetable"
	"nucleus/retype"
)

// MemoryMapEntry describes one contiguous span of the bootloader-reported
// physical memory map, in frame-number units.
type MemoryMapEntry struct {
	Base  uint64
	Count uint64
	Kind  retype.RegionKind
}

// Info is the configuration this kernel receives instead of a process
// environment: the Limine-supplied direct-map offset, memory map, and
// initrd image.
type Info struct {
	DirectMapOffset  uintptr
	MemoryMap        []MemoryMapEntry
	FrameCount       uint64
	KernelStackBytes uint64

	// InitrdBooterEntry, InitrdStackTop, and InitrdRootRegion locate the
	// first thread's entry point, initial stack, and the untyped frame
	// backing its root trie — produced by unpacking the tar-format initrd
	// and loading the booter ELF's PT_LOAD segments (both non-goals of
	// this specification;).
	InitrdBooterEntry uint64
	InitrdStackTop    uint64
	InitrdRootRegion  uint64
}

// minStackBytes is the minimum kernel stack size the boot protocol must
// supply.
const minStackBytes = 200 * 1024

// Init builds the retype table from info's memory map, installs the
// direct map, and constructs the initial thread with the well-known root
// trie layout: slot 0 = SyncRet, 1 = MemoryTyping, 2 = CapEntry(self),
// 3 = Thread(self), 4 = PageTable(self L4), 5 = HardwareAccess. It
// returns the initial thread's KPtr, ready for an initial ThreadActivate.
func Init(info *Info) (kptr.KPtr[obj.Thread], error) {
	if info.KernelStackBytes < minStackBytes {
		return kptr.KPtr[obj.Thread]{}, fmt.Errorf("boot: kernel stack %d bytes below required minimum %d", info.KernelStackBytes, minStackBytes)
	}
	mem.Dmap_init(info.DirectMapOffset)

	regions := make([]retype.Region, len(info.MemoryMap))
	for i, e := range info.MemoryMap {
		regions[i] = retype.Region{Base: e.Base, Count: e.Count, Kind: e.Kind}
	}
	tbl := retype.New(info.FrameCount, regions)
	obj.RTable = tbl
	corelocal.ClearActiveThread()
	corelocal.ResetCallStack()

	rootFrame := info.InitrdRootRegion >> mem.PGSHIFT
	rootUntyped, err := tbl.AcquireUntyped(rootFrame)
	if err != nil {
		return kptr.KPtr[obj.Thread]{}, fmt.Errorf("boot: root trie region: %w", err)
	}
	root, err := kptr.New(tbl, rootUntyped, obj.RawCapEntry{})
	if err != nil {
		return kptr.KPtr[obj.Thread]{}, fmt.Errorf("boot: construct root trie: %w", err)
	}

	l4Frame, err := nextKernelFrame(tbl, &info.MemoryMap)
	if err != nil {
		return kptr.KPtr[obj.Thread]{}, fmt.Errorf("boot: root page table: %w", err)
	}
	l4, err := pagetable.NewL4(tbl, l4Frame, nil)
	if err != nil {
		return kptr.KPtr[obj.Thread]{}, fmt.Errorf("boot: construct L4: %w", err)
	}

	threadFrame, err := nextKernelFrame(tbl, &info.MemoryMap)
	if err != nil {
		return kptr.KPtr[obj.Thread]{}, fmt.Errorf("boot: thread object: %w", err)
	}
	th, err := kptr.New(tbl, threadFrame, obj.Thread{
		Resources: root.Frame(),
		Ctx: ExecCtxFor(info.InitrdBooterEntry, info.InitrdStackTop, l4.Frame()),
	})
	if err != nil {
		return kptr.KPtr[obj.Thread]{}, fmt.Errorf("boot: construct initial thread: %w", err)
	}

	root.Get().Slots[0].Construct(obj.ResSyncRet, 0, 0)
	root.Get().Slots[1].Construct(obj.ResMemoryTyping, 0, 0)
	root.Get().Slots[2].Construct(obj.ResCapEntry, root.Frame(), 0)
	root.Get().Slots[3].Construct(obj.ResThread, th.Frame(), 0)
	root.Get().Slots[4].Construct(obj.ResPageTable, l4.Frame(), 4)
	root.Get().Slots[5].Construct(obj.ResHardwareAccess, 0, 0)

	fmt.Printf("boot: retype table covers %d frames, root trie at frame %d\n", tbl.NumFrames(), root.Frame())
	return th, nil
}

// ExecCtxFor builds the register file a freshly constructed thread
// entering at entry with the given stack and L4 root should carry: IF set
//, ring-3 selectors implied by the
// boot-time GDT layout.
func ExecCtxFor(entry, stackTop, l4Frame uint64) obj.ExecCtx {
	return obj.ExecCtx{
		L4Frame: l4Frame,
		Regs: obj.Regs{
			Rip:    entry,
			Rsp:    stackTop,
			Rflags: 1 << 9,
			Cs:     0x23,
			Ss:     0x1b,
		},
	}
}

// nextKernelFrame takes the first frame of the first usable memory-map
// span that has frames left, advances that span past it so the next call
// finds a different frame, and returns an Untyped witness for it; the
// caller's kptr.New performs the retype to Kernel. A frame that is no
// longer Untyped is not skipped: AcquireUntyped's error is returned. A
// minimal stand-in for a real bump allocator tied to the firmware map,
// sufficient for the handful of fixed allocations boot performs before
// handing control to the dispatch core.
func nextKernelFrame(tbl *retype.Table, mm *[]MemoryMapEntry) (retype.UntypedFrame, error) {
	for i := range *mm {
		e := &(*mm)[i]
		if e.Kind != retype.Usable || e.Count == 0 {
			continue
		}
		frame := e.Base
		e.Base++
		e.Count--
		return tbl.AcquireUntyped(frame)
	}
	return retype.UntypedFrame{}, fmt.Errorf("boot: no usable frames remain")
}
