// Package kptr implements KPtr[T], a page-sized refcounted owning handle
// to a kernel object backed by a Kernel-typed frame.
//
// Since Go has no compile-time mechanism to enforce that a type's size
// equals the page size, the constraint is checked at runtime each time a
// KPtr[T] is constructed or wrapped instead.
package kptr

import (
	"unsafe"

	"nucleus/diag"
	"nucleus/mem"
	"nucleus/retype"
)

// Finalizer is implemented by kernel object types that must run cleanup
// when the last KPtr referencing them is freed.
type Finalizer interface {
	Finalize()
}

func checkLayout[T any]() {
	var zero T
	sz := unsafe.Sizeof(zero)
	if sz != uintptr(mem.PGSIZE) {
		diag.Panic("kptr: T must be exactly one page in size", nil, 0)
	}
}

// KPtr owns one reference on a Kernel frame holding a value of type T.
type KPtr[T any] struct {
	tbl   *retype.Table
	frame uint64
}

// New transitions untyped to Kernel, writes value into the frame's
// direct-mapped memory, and returns a KPtr owning the first reference.
func New[T any](tbl *retype.Table, untyped retype.UntypedFrame, value T) (KPtr[T], error) {
	checkLayout[T]()
	kf, err := untyped.IntoKernel()
	if err != nil {
		return KPtr[T]{}, err
	}
	p := KPtr[T]{tbl: tbl, frame: kf.Frame}
	*p.Get() = value
	return p, nil
}

// FromExisting wraps an already-Kernel-typed frame without taking a new
// reference. Package obj uses it to view objects already named by a
// capability slot or a thread's fields without changing their refcount.
func FromExisting[T any](tbl *retype.Table, frame uint64) KPtr[T] {
	checkLayout[T]()
	return KPtr[T]{tbl: tbl, frame: frame}
}

// Get returns a pointer to the T stored in this frame, via the kernel
// direct map.
func (k KPtr[T]) Get() *T {
	return (*T)(unsafe.Pointer(mem.Dmap(mem.Pa_t(k.frame << mem.PGSHIFT))))
}

// Frame returns the backing frame number.
func (k KPtr[T]) Frame() uint64 {
	return k.frame
}

// Clone takes another reference on the same Kernel frame.
func (k KPtr[T]) Clone() (KPtr[T], error) {
	if err := k.tbl.TryAsKernel(k.frame); err != nil {
		return KPtr[T]{}, err
	}
	return k, nil
}

// Free releases this reference. On the last reference it runs T's
// Finalize method, if T implements Finalizer, before decrementing. It
// never itself retypes the frame back to Untyped: the
// frame remains Kernel with refcount 0 until an explicit Retype2Untyped.
func (k KPtr[T]) Free() {
	_, count, err := k.tbl.Stat(k.frame)
	if err == nil && count == 1 {
		if fin, ok := any(k.Get()).(Finalizer); ok {
			fin.Finalize()
		}
	}
	k.tbl.Decrement(k.frame)
}

// TryIntoInner returns the stored value and true only if this was the
// sole outstanding reference; it consumes that reference either way if
// it returns true.
func (k KPtr[T]) TryIntoInner() (T, bool) {
	_, count, err := k.tbl.Stat(k.frame)
	if err != nil || count != 1 {
		var zero T
		return zero, false
	}
	v := *k.Get()
	k.tbl.Decrement(k.frame)
	return v, true
}
