// Package kerr defines the syscall error kinds and their wire encoding.
//
// Every recoverable failure in the kernel core maps to exactly one of the
// eight kinds below; the mapping is total, matching the
// reference kernel's own convention of a single closed error enum rather
// than wrapped/sentinel errors scattered per package.
package kerr

import "fmt"

// Err_t is a kernel capability-operation error.
type Err_t int

const (
	ResourceInUse Err_t = iota + 1
	NotFound
	InvalidOp
	InvalidArgument
	PageOffsetOutOfBounds
	FrameOutsideOfRegion
	FrameNotUser
	Internal
)

var names = [...]string{
	ResourceInUse:         "ResourceInUse",
	NotFound:              "NotFound",
	InvalidOp:             "InvalidOp",
	InvalidArgument:       "InvalidArgument",
	PageOffsetOutOfBounds: "PageOffsetOutOfBounds",
	FrameOutsideOfRegion:  "FrameOutsideOfRegion",
	FrameNotUser:          "FrameNotUser",
	Internal:              "Internal",
}

func (e Err_t) Error() string {
	if int(e) < 1 || int(e) >= len(names) {
		return fmt.Sprintf("kerr.Err_t(%d)", int(e))
	}
	return names[e]
}

// Errno returns the positive errno this error encodes on the syscall ABI.
func (e Err_t) Errno() int64 {
	return int64(e)
}

// Encode converts a successful return value and/or error into the signed
// syscall return convention: >=0 on success, -(errno) on failure.
func Encode(val uint64, err error) int64 {
	if err == nil {
		return int64(val)
	}
	if ke, ok := err.(Err_t); ok {
		return -ke.Errno()
	}
	return -Internal.Errno()
}
