// Package mem defines physical-address primitives and the kernel direct map.
//
// A Frame has no lifetime of its own: its meaning comes entirely from the
// retype table entry at its index (package retype). This package only
// supplies the newtypes, alignment arithmetic, and the direct-map window
// that every higher package builds on.
package mem

import (
	"fmt"
	"unsafe"

	"nucleus/diag"
	"nucleus/util"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// PTE_P marks a page as present.
const PTE_P uint64 = 1 << 0

// PTE_W marks a page writable.
const PTE_W uint64 = 1 << 1

// PTE_U marks a page user-accessible.
const PTE_U uint64 = 1 << 2

// PTE_PS indicates a large page.
const PTE_PS uint64 = 1 << 7

// PTE_ADDR extracts the frame-address bits (51..12) of a page-table entry.
const PTE_ADDR uint64 = 0x000f_ffff_ffff_f000

// Pa_t represents a 4 KiB-aligned physical address (a frame number when
// shifted right by PGSHIFT).
type Pa_t uintptr

// FrameN returns the physical frame number (index into the retype table)
// for the address.
func (p Pa_t) FrameN() uint64 {
	return uint64(p) >> PGSHIFT
}

// Aligned reports whether p is frame-aligned.
func (p Pa_t) Aligned() bool {
	return p&PGOFFSET == 0
}

// Bytepg_t is a byte-addressed page, the unit of storage a Frame names.
type Bytepg_t [PGSIZE]uint8

// VDIRECT is the higher-half virtual slot reserved for the direct map.
// The boot protocol guarantees an offset at or above this value; the
// kernel pins its own direct map here once the bootloader's own
// mapping has been validated against it.
const VDIRECT = 0xFFFF_8000_0000_0000

// DMAPLEN is the length of the direct map window in bytes: one entry per
// frame the retype table can address, covering up to 512 GiB of physical
// memory via contiguous 2 MiB or 1 GiB mappings installed at boot.
const DMAPLEN = 1 << 39

// Vdirect holds the virtual base address of the direct map, fixed once at
// boot by Dmap_init.
var Vdirect uintptr = VDIRECT

// DmapInited reports whether Dmap_init has run. Reads through the direct
// map before this are a bug in the caller.
var DmapInited bool

// Dmap_init records the direct-map base handed to the kernel by the
// bootloader. The actual page-table population of the window is the
// boot package's responsibility (package boot); this function only
// validates and latches the offset so Dmap/Dmap8 become usable.
func Dmap_init(offset uintptr) {
	if offset < VDIRECT {
		diag.Panic("direct map offset below minimum required by boot protocol", nil, 0)
	}
	Vdirect = offset
	DmapInited = true
	fmt.Printf("direct map installed at %#x\n", offset)
}

// Dmap returns a page-aligned virtual pointer into the direct map for the
// given physical address.
func Dmap(p Pa_t) *Bytepg_t {
	if !DmapInited {
		diag.Panic("dmap not initialized", nil, 0)
	}
	va := Vdirect + uintptr(util.Rounddown(int(p), PGSIZE))
	return (*Bytepg_t)(unsafe.Pointer(va))
}

// Dmap8 returns a byte slice over the direct map starting at the byte
// offset within its page that p names.
func Dmap8(p Pa_t) []uint8 {
	pg := Dmap(p)
	off := p & PGOFFSET
	return pg[off:]
}

// Dmap_v2p converts a direct-mapped virtual address back to a physical one.
func Dmap_v2p(v unsafe.Pointer) Pa_t {
	va := uintptr(v)
	if va < Vdirect {
		diag.Panic("address is not in the direct map", nil, 0)
	}
	return Pa_t(va - Vdirect)
}
