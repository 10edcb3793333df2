package alloc

import (
	"unsafe"

	"tlog.app/go/errors"
)

type (
	// Allocator approves general memory requests made by a translation.
	// The core never allocates its arrays without asking first.
	Allocator interface {
		Reserve(size int) error
		Release(size int)
	}

	// CodeAllocator owns the buffers host code is emitted into.
	CodeAllocator interface {
		AllocCode(size int) ([]byte, error)
		// ReallocCode returns a buffer holding the same bytes as b
		// with capacity of at least size.
		ReallocCode(b []byte, size int) ([]byte, error)
		FreeCode(b []byte)
	}

	// Heap is the default allocator backed by the Go heap.
	Heap struct{}
)

var ErrNoMemory = errors.New("out of memory")

var _ interface {
	Allocator
	CodeAllocator
} = Heap{}

func (Heap) Reserve(size int) error { return nil }
func (Heap) Release(size int)       {}

func (Heap) AllocCode(size int) ([]byte, error) {
	return make([]byte, 0, size), nil
}

func (Heap) ReallocCode(b []byte, size int) ([]byte, error) {
	if cap(b) >= size {
		return b, nil
	}

	r := make([]byte, len(b), size)
	copy(r, b)

	return r, nil
}

func (Heap) FreeCode(b []byte) {}

// Make allocates a zeroed slice of n elements.
func Make[T any](a Allocator, n int) ([]T, error) {
	if n == 0 {
		return nil, nil
	}

	err := a.Reserve(n * sizeof[T]())
	if err != nil {
		return nil, err
	}

	return make([]T, n), nil
}

// Grow returns s with capacity of at least newCap.
// On failure s is returned unchanged together with the error.
func Grow[T any](a Allocator, s []T, newCap int) ([]T, error) {
	if cap(s) >= newCap {
		return s, nil
	}

	err := a.Reserve(newCap * sizeof[T]())
	if err != nil {
		return s, err
	}

	r := make([]T, len(s), newCap)
	copy(r, s)

	if cap(s) != 0 {
		a.Release(cap(s) * sizeof[T]())
	}

	return r, nil
}

// Free gives the memory held by s back to the allocator.
func Free[T any](a Allocator, s []T) {
	if cap(s) == 0 {
		return
	}

	a.Release(cap(s) * sizeof[T]())
}

func sizeof[T any]() int {
	var z T

	return int(unsafe.Sizeof(z))
}
