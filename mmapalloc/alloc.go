// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mmapalloc provides a flatmap.Allocator backed by anonymous memory
// mappings instead of the Go heap. Table storage obtained this way is
// invisible to the garbage collector and is returned to the operating
// system the moment the map retires it, which suits long-lived tables whose
// backing arrays would otherwise inflate GC marking work.
//
// Because the garbage collector does not scan mapped memory, the key and
// value types must not contain pointers (no strings, slices, maps, or
// pointer fields). New panics if they do.
//
// An allocator can be given a byte budget with WithLimit. Allocations that
// would exceed the budget fail by returning nil, which the map surfaces as
// a false return from Put. This makes memory exhaustion an ordinary,
// testable outcome rather than a process-fatal one.
//
// Arrays the map retires are unmapped immediately, so the map's allowance
// for mutating during iteration does not hold here: a Put that grows the
// table invalidates the storage an in-flight iteration is walking.
//
// On platforms without memory mapping the allocator falls back to the Go
// heap. The budget and accounting behave identically; release is left to
// the garbage collector.
package mmapalloc

import (
	"fmt"
	"os"
	"reflect"
	"unsafe"

	"github.com/cockroachdb/flatmap"
)

// Allocator allocates flatmap backing arrays from anonymous mappings. It
// implements flatmap.Allocator[K, V].
//
// An Allocator is NOT goroutine-safe, matching the map it backs.
type Allocator[K any, V any] struct {
	limit int
	inUse int
	// mappings tracks every outstanding allocation by its base address so
	// that Free calls can recover the original mapping.
	mappings map[uintptr][]byte
}

type config struct {
	limit int
}

// Option configures an Allocator.
type Option func(*config)

// WithLimit caps the total bytes the allocator will hand out, measured in
// whole pages. An allocation that would push the total over the limit fails
// by returning nil. A limit of 0 (the default) means unlimited.
func WithLimit(bytes int) Option {
	return func(c *config) {
		c.limit = bytes
	}
}

// New constructs an Allocator for a Map[K, V]. It panics if K or V
// contains pointers, since the garbage collector cannot see into mapped
// memory and any pointee would be collectable while still referenced from
// the table.
func New[K any, V any](opts ...Option) *Allocator[K, V] {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	var k K
	var v V
	if t := reflect.TypeOf(&k).Elem(); typeHasPointers(t) {
		panic(fmt.Sprintf("mmapalloc: key type %s contains pointers", t))
	}
	if t := reflect.TypeOf(&v).Elem(); typeHasPointers(t) {
		panic(fmt.Sprintf("mmapalloc: value type %s contains pointers", t))
	}
	return &Allocator[K, V]{
		limit:    c.limit,
		mappings: make(map[uintptr][]byte),
	}
}

// InUse returns the number of bytes currently allocated, in whole pages.
// After the map backed by this allocator is closed, InUse returns 0.
func (a *Allocator[K, V]) InUse() int {
	return a.inUse
}

// AllocSlots implements flatmap.Allocator.
func (a *Allocator[K, V]) AllocSlots(n int) []flatmap.Slot[K, V] {
	var s flatmap.Slot[K, V]
	b := a.alloc(n * int(unsafe.Sizeof(s)))
	if b == nil {
		return nil
	}
	return unsafe.Slice((*flatmap.Slot[K, V])(unsafe.Pointer(unsafe.SliceData(b))), n)
}

// AllocControls implements flatmap.Allocator. Mapped memory is zeroed by
// the kernel, which satisfies the zeroed-controls requirement without an
// explicit clear.
func (a *Allocator[K, V]) AllocControls(n int) []uint8 {
	b := a.alloc(n)
	if b == nil {
		return nil
	}
	return b[:n:n]
}

// FreeSlots implements flatmap.Allocator.
func (a *Allocator[K, V]) FreeSlots(v []flatmap.Slot[K, V]) {
	a.free(unsafe.Pointer(unsafe.SliceData(v)))
}

// FreeControls implements flatmap.Allocator.
func (a *Allocator[K, V]) FreeControls(v []uint8) {
	a.free(unsafe.Pointer(unsafe.SliceData(v)))
}

func (a *Allocator[K, V]) alloc(size int) []byte {
	size = pageCeil(size)
	if a.limit > 0 && a.inUse+size > a.limit {
		return nil
	}
	b, err := mapPages(size)
	if err != nil {
		return nil
	}
	a.mappings[uintptr(unsafe.Pointer(unsafe.SliceData(b)))] = b
	a.inUse += size
	return b
}

func (a *Allocator[K, V]) free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	base := uintptr(p)
	b, ok := a.mappings[base]
	if !ok {
		panic(fmt.Sprintf("mmapalloc: free of %#x which this allocator did not allocate", base))
	}
	delete(a.mappings, base)
	a.inUse -= len(b)
	_ = unmapPages(b)
}

// pageCeil rounds size up to a whole number of pages, at least one. A
// zero-sized request (zero-sized key and value types make Slot[K, V]
// zero-sized) still gets a real mapping: mmap rejects a zero length, and the
// returned slice needs a base address Free can recognize.
func pageCeil(size int) int {
	page := os.Getpagesize()
	if size <= 0 {
		return page
	}
	return (size + page - 1) &^ (page - 1)
}

func typeHasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return typeHasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if typeHasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		// Pointers, strings, slices, maps, channels, funcs, interfaces, and
		// unsafe.Pointer all carry references.
		return true
	}
}
