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

package flatmap

// option provide an interface to do work on Map while it is being created.
// Options are applied before any storage is acquired, so an option that
// replaces the allocator affects the initial arrays as well.
type option[K any, V any] interface {
	apply(m *Map[K, V])
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows
// the GC to reclaim memory.
//
// An allocator reports failure by returning nil from AllocSlots or
// AllocControls. The map never panics on allocation failure; the failure is
// surfaced from Put, and any array acquired as part of the failed operation
// is returned to the allocator.
//
// If the allocator is manually managing memory and requires that slots and
// controls be freed then Map.Close must be called in order to ensure
// FreeSlots and FreeControls are called. The map hands back every array it
// retires, exactly as it was allocated, so an allocator can account for
// memory symmetrically.
type Allocator[K any, V any] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n),
	// or nil if the allocation cannot be satisfied.
	AllocSlots(n int) []Slot[K, V]

	// AllocControls should return a slice equivalent to make([]uint8, n),
	// or nil if the allocation cannot be satisfied. The returned slice must
	// be zeroed; a zero control byte marks an empty slot.
	AllocControls(n int) []uint8

	// FreeSlots may release the memory associated with the supplied slice,
	// which is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []Slot[K, V])

	// FreeControls may release the memory associated with the supplied
	// slice, which is guaranteed to have been allocated by AllocControls.
	FreeControls(v []uint8)
}

type defaultAllocator[K any, V any] struct{}

func (defaultAllocator[K, V]) AllocSlots(n int) []Slot[K, V] {
	return make([]Slot[K, V], n)
}

func (defaultAllocator[K, V]) AllocControls(n int) []uint8 {
	return make([]uint8, n)
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}

func (defaultAllocator[K, V]) FreeControls(v []uint8) {
}

type allocatorOption[K any, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specifying the Allocator to use for a
// Map[K,V].
func WithAllocator[K any, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type seedOption[K any, V any] struct {
	seed uintptr
}

func (op seedOption[K, V]) apply(m *Map[K, V]) {
	m.seed = op.seed
}

// WithSeed is an option to fix the hash seed of a Map[K,V] instead of
// drawing a random one. With a hash callback that is a pure function of key
// and seed, such as HashString or HashBytes, a fixed seed makes slot
// placement and iteration order reproducible across runs, which is useful in
// tests and when replaying a failure. HashComparable draws internal maphash
// state per callback, so with it a fixed seed reproduces layouts only across
// maps sharing the same callback value.
func WithSeed[K any, V any](seed uintptr) option[K, V] {
	return seedOption[K, V]{seed}
}
