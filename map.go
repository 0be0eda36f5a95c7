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

// Package flatmap provides a hash table with open addressing and linear
// probing in which hashing, key equality, and memory allocation are supplied
// by the caller rather than derived from the key type. If you're not
// familiar with open-addressing see
// https://en.wikipedia.org/wiki/Open_addressing.
//
// # Contracts
//
// A Map is constructed from two required callbacks and an optional
// allocator:
//
//   - HashFn maps a key and a per-map seed to a uintptr. It must be pure:
//     equal keys must produce equal hashes for the same seed, and hashing
//     must not mutate the key.
//   - EqualFn reports whether two keys are equal. It must be reflexive,
//     symmetric, and transitive, and it must agree with HashFn (keys that
//     compare equal must hash equal).
//   - Allocator provides the backing arrays for slots and control bytes and
//     is given back every array the map retires. Allocation failure is
//     reported by returning a nil slice rather than by panicking, which
//     makes the map usable in environments where memory is budgeted and
//     exhaustion is an expected outcome.
//
// Because equality is injected, keys are not constrained to Go's comparable
// types. A key can be a struct compared by a subset of its fields, a byte
// slice compared by content, or any other type the callbacks can handle.
//
// # Layout and probing
//
// The table is two parallel arrays of power-of-two length: a slots array
// holding key/value pairs and a control byte per slot recording whether the
// slot is empty, full, or a deletion tombstone. Lookup computes
// hash(key)&(capacity-1) and walks slots one at a time from there, wrapping
// at the end of the array. Probing stops at an empty control byte, which is
// what bounds every probe chain. Tombstones do not stop probing. Keeping the
// control bytes in their own dense array means probe misses mostly touch
// that array and not the (larger) slots.
//
// # Deletion
//
// Deleting an entry normally leaves a tombstone so that probe chains
// passing through the slot keep working. If the slot immediately after the
// deleted one is empty then no chain can extend through the deleted slot,
// so it is marked empty instead, and the contiguous run of tombstones
// preceding it is converted to empty as well. Tombstones are otherwise
// reclaimed wholesale by rehashing.
//
// # Growth and allocation failure
//
// The table is grown before an insert that would push the number of
// occupied slots (full plus tombstones) to 3/4 of capacity or beyond.
// Capacity doubles when the live count is responsible, and when tombstone
// debt alone crossed the threshold the table is rebuilt at the same
// capacity, which drops the tombstones without consuming more memory. A
// rebuild acquires the new arrays, rehomes every entry, and only then
// returns the old arrays to the allocator. If the allocator refuses the new
// arrays, Put returns false and the map is left exactly as it was.
//
// # Implementation
//
// The implementation is deliberately simpler than a Swiss table. Group
// probing earns its keep through SIMD-style matching against hash
// fingerprints, and with caller-injected equality and hashing the fixed
// cost of the contracts dominates what group matching saves. For maps keyed
// by Go comparable types and hashed by the runtime, see
// github.com/cockroachdb/swiss which makes the opposite trade.
package flatmap

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"strings"
)

const debug = false

const (
	ctrlEmpty   uint8 = 0
	ctrlFull    uint8 = 1
	ctrlDeleted uint8 = 2

	// minCapacity is the smallest non-zero table size. Capacities are always
	// zero or a power of two so that probing can use a mask rather than a
	// modulus.
	minCapacity = 8

	// The maximum fraction of the table that may be occupied (full slots
	// plus tombstones) is loadFactorNum/loadFactorDen. Above this the table
	// is rehashed. 3/4 keeps probe chains short without wasting more than
	// a third of the allocated slots.
	loadFactorNum = 3
	loadFactorDen = 4
)

// Slot holds a key and value. Slots are allocated in bulk through the
// Allocator contract.
type Slot[K any, V any] struct {
	key   K
	value V
}

// Map is an unordered map from keys to values with Put, Get, Delete, and All
// operations. Unlike Go's builtin map the key type is unconstrained: hashing
// and equality are supplied to New as callbacks, and backing memory is
// obtained through a pluggable Allocator which is permitted to fail.
//
// A Map is NOT goroutine-safe.
type Map[K any, V any] struct {
	// The hash function applied to keys of type K, mixed with seed.
	hash HashFn[K]
	// The equality predicate for keys of type K.
	eq   EqualFn[K]
	seed uintptr
	// The allocator to use for the ctrls and slots slices.
	allocator Allocator[K, V]
	// ctrls is capacity in length. Each byte is one of ctrlEmpty, ctrlFull,
	// or ctrlDeleted and describes the slot at the same index. ctrlEmpty is
	// the zero byte so freshly allocated (zeroed) storage is a valid empty
	// table.
	ctrls []uint8
	// slots is capacity in length.
	slots []Slot[K, V]
	// The total number of slots (always zero or a power of two). The
	// capacity is used as a mask to quickly compute i%N using a bitwise &
	// operation.
	capacity int
	// The number of filled slots (i.e. the number of elements in the map).
	used int
	// The number of tombstone slots. Tombstones count against the load
	// factor so that a table churned by Put/Delete cycles rehashes rather
	// than accumulating unbounded probe chains.
	deleted int
}

// New constructs a new Map with the specified initial capacity. If
// initialCapacity is 0 the map will start out with zero capacity and will
// acquire storage on the first insert. The hash and eq callbacks are
// required and New panics if either is nil. The zero value for a Map is not
// usable; construct with New or Init.
func New[K any, V any](initialCapacity int, hash HashFn[K], eq EqualFn[K], options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(initialCapacity, hash, eq, options...)
	return m
}

// Init initializes a Map with the specified initial capacity, hash function,
// and equality predicate. Init may be used on a closed map to make it usable
// again. Initializing a map that still holds storage abandons that storage;
// Close first.
func (m *Map[K, V]) Init(initialCapacity int, hash HashFn[K], eq EqualFn[K], options ...option[K, V]) {
	if hash == nil {
		panic("flatmap: nil hash function")
	}
	if eq == nil {
		panic("flatmap: nil equality function")
	}
	*m = Map[K, V]{
		hash:      hash,
		eq:        eq,
		seed:      uintptr(rand.Uint64()),
		allocator: defaultAllocator[K, V]{},
	}

	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity > 0 {
		if initialCapacity < minCapacity {
			initialCapacity = minCapacity
		}
		// The requested capacity is rounded up to a power of two. If the
		// allocator refuses the initial arrays the map is left at zero
		// capacity; the first Put will retry and report the failure.
		m.resize(1 << bits.Len(uint(initialCapacity-1)))
	}
	m.checkInvariants()
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[K, V]) Close() {
	if m.capacity > 0 {
		m.allocator.FreeSlots(m.slots)
		m.allocator.FreeControls(m.ctrls)
		m.ctrls = nil
		m.slots = nil
		m.capacity = 0
		m.used = 0
		m.deleted = 0
	}
	m.allocator = nil
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. Put reports whether the entry is
// in the map when it returns: false means the allocator could not provide
// the storage needed to grow the table, in which case the map is unchanged
// and remains usable.
func (m *Map[K, V]) Put(key K, value V) bool {
	// Growth is checked up front against the occupancy this insert would
	// produce, counting tombstones, so that the probe below always has an
	// empty slot to terminate at. Note that this makes an overwriting Put
	// subject to the same growth (and growth failure) as an inserting one;
	// whether the key is already present isn't known until after the probe.
	if loadFactorDen*(m.used+m.deleted+1) >= loadFactorNum*m.capacity {
		if !m.rehash() {
			return false
		}
	}

	h := m.hash(&key, m.seed)
	mask := m.capacity - 1
	i := int(h & uintptr(mask))
	if debug {
		fmt.Printf("put(%v): start=%d\n", key, i)
	}

	// Walk the probe chain looking for the key, remembering the first
	// reusable slot seen along the way. A tombstone cannot be taken at
	// first sight: the key may still be present further down the chain and
	// inserting early would duplicate it.
	free := -1
	for n := 0; n < m.capacity; n++ {
		c := m.ctrls[i]
		if c == ctrlFull {
			if m.eq(&key, &m.slots[i].key) {
				if debug {
					fmt.Printf("put(updating): index=%d key=%v\n", i, key)
				}
				m.slots[i].value = value
				m.checkInvariants()
				return true
			}
		} else {
			if free < 0 {
				free = i
			}
			if c == ctrlEmpty {
				break
			}
		}
		i = (i + 1) & mask
	}

	// The probe ended at an empty slot, or visited every slot without
	// finding the key. Either way the key is proven absent and free is the
	// best slot for it.
	if free < 0 {
		panic("flatmap: probe found no empty or deleted slot")
	}
	if m.ctrls[free] == ctrlDeleted {
		m.deleted--
	}
	m.ctrls[free] = ctrlFull
	m.slots[free] = Slot[K, V]{key: key, value: value}
	m.used++
	if debug {
		fmt.Printf("put(inserting): index=%d used=%d deleted=%d\n", free, m.used, m.deleted)
	}
	m.checkInvariants()
	return true
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if i := m.find(&key); i >= 0 {
		return m.slots[i].value, true
	}
	return value, false
}

// Ptr returns a pointer to the value for the specified key, or nil if the
// key is not present. The pointer allows the value to be updated in place
// without a second probe. It is invalidated by any subsequent mutation of
// the map and must not be retained across one.
func (m *Map[K, V]) Ptr(key K) *V {
	if i := m.find(&key); i >= 0 {
		return &m.slots[i].value
	}
	return nil
}

// Delete deletes the entry corresponding to the specified key from the map,
// reporting whether such an entry was present.
func (m *Map[K, V]) Delete(key K) bool {
	// Delete is find composed with "delete at": we perform find(key), and
	// then delete at the resulting slot if found.
	i := m.find(&key)
	if i < 0 {
		return false
	}

	m.used--
	m.slots[i] = Slot[K, V]{}

	// Given a slot to delete we simply create a tombstone so that probe
	// chains which pass through the slot keep probing. If the next slot on
	// the chain is empty then no chain passes through this slot (a chain
	// extending past it would have been terminated by that empty slot), so
	// the slot can be marked empty instead. In that case the contiguous run
	// of tombstones immediately before it can also be reclaimed: any chain
	// through them now terminates one slot later at the empty we just
	// created.
	mask := m.capacity - 1
	if m.ctrls[(i+1)&mask] == ctrlEmpty {
		m.ctrls[i] = ctrlEmpty
		for j := (i - 1) & mask; m.ctrls[j] == ctrlDeleted; j = (j - 1) & mask {
			m.ctrls[j] = ctrlEmpty
			m.deleted--
		}
		if debug {
			fmt.Printf("delete(%v): index=%d used=%d emptied\n", key, i, m.used)
		}
	} else {
		m.ctrls[i] = ctrlDeleted
		m.deleted++
		if debug {
			fmt.Printf("delete(%v): index=%d used=%d deleted=%d\n", key, i, m.used, m.deleted)
		}
	}
	m.checkInvariants()
	return true
}

// Clear removes all entries from the map, retaining its capacity and
// storage.
func (m *Map[K, V]) Clear() {
	if m.capacity > 0 {
		clear(m.ctrls)
		clear(m.slots)
	}
	m.used = 0
	m.deleted = 0
	m.checkInvariants()
}

// All calls yield sequentially for each key and value present in the map.
// If yield returns false, iteration stops. Iteration is usable with go1.23
// range-over-func syntax:
//
//	for k, v := range m.All {
//		fmt.Printf("%v: %v\n", k, v)
//	}
//
// The map can be mutated during iteration, though there is no guarantee
// that the mutations will be visible to the iteration. Iteration order is
// arbitrary and changes when the map is rehashed.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	// Snapshot the controls and slots so that iteration remains valid if
	// the map is resized during iteration.
	ctrls, slots := m.ctrls, m.slots
	for i := range ctrls {
		if ctrls[i] == ctrlFull {
			s := &slots[i]
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Stats describes the occupancy of a Map.
type Stats struct {
	// Used is the number of entries in the map.
	Used int
	// Capacity is the current number of slots.
	Capacity int
	// Tombstones is the number of slots consumed by deletions and not yet
	// reclaimed.
	Tombstones int
	// Load is the fraction of slots that are either full or tombstones.
	Load float64
}

// Stats returns occupancy statistics for the map. It is intended for tests
// and for monitoring tombstone accumulation; it is not needed for ordinary
// use.
func (m *Map[K, V]) Stats() Stats {
	s := Stats{
		Used:       m.used,
		Capacity:   m.capacity,
		Tombstones: m.deleted,
	}
	if m.capacity > 0 {
		s.Load = float64(m.used+m.deleted) / float64(m.capacity)
	}
	return s
}

// find returns the slot index holding key, or -1 if key is not present. A
// probe walks slots from hash(key)&mask until it hits an empty control
// byte. Tombstones keep the probe going.
//
// TODO(peter): Explore storing a hash fingerprint next to each control
// state so that probes can usually skip the eq callback, as group-based
// tables do. The fingerprint would have to be validated against the
// injected hash rather than assumed.
func (m *Map[K, V]) find(key *K) int {
	if m.used == 0 {
		// Covers the zero-capacity table, which must not probe (there is
		// nothing to mask against), and skips hashing when there is
		// nothing to find.
		return -1
	}
	h := m.hash(key, m.seed)
	mask := m.capacity - 1
	i := int(h & uintptr(mask))
	if debug {
		fmt.Printf("find(%v): start=%d\n", *key, i)
	}
	for n := 0; n < m.capacity; n++ {
		switch m.ctrls[i] {
		case ctrlFull:
			if m.eq(key, &m.slots[i].key) {
				return i
			}
		case ctrlEmpty:
			return -1
		}
		i = (i + 1) & mask
	}
	return -1
}

// rehash rebuilds the table in response to the load factor check in Put. If
// the live count alone is at the growth threshold the capacity is doubled.
// Otherwise tombstone debt pushed the table over and it is rebuilt at the
// same capacity, which reclaims every tombstone. Rebuilding at the same
// size rather than growing keeps a table that churns through Put/Delete
// cycles at a bounded capacity. rehash reports whether the rebuild
// succeeded; on failure the map is unchanged.
func (m *Map[K, V]) rehash() bool {
	newCapacity := m.capacity
	if m.capacity == 0 {
		newCapacity = minCapacity
	} else if loadFactorDen*(m.used+1) >= loadFactorNum*m.capacity {
		newCapacity = 2 * m.capacity
	}
	return m.resize(newCapacity)
}

// resize rebuilds the table at newCapacity (which must be a power of two
// and large enough for the current entries) by allocating new arrays and
// re-inserting every entry, then returning the old arrays to the allocator.
// The old arrays are released only after every entry has been rehomed. If
// the allocator fails, resize releases whatever it acquired, leaves the map
// untouched, and returns false.
func (m *Map[K, V]) resize(newCapacity int) bool {
	newSlots := m.allocator.AllocSlots(newCapacity)
	if newSlots == nil {
		return false
	}
	newCtrls := m.allocator.AllocControls(newCapacity)
	if newCtrls == nil {
		m.allocator.FreeSlots(newSlots)
		return false
	}
	// AllocControls returns zeroed storage and ctrlEmpty is the zero byte,
	// so the new table starts out all empty.

	if debug {
		fmt.Printf("resize: capacity=%d->%d used=%d deleted=%d\n",
			m.capacity, newCapacity, m.used, m.deleted)
	}

	oldCtrls, oldSlots, oldCapacity := m.ctrls, m.slots, m.capacity
	m.ctrls = newCtrls
	m.slots = newSlots
	m.capacity = newCapacity
	m.deleted = 0

	for i := 0; i < oldCapacity; i++ {
		if oldCtrls[i] != ctrlFull {
			continue
		}
		s := &oldSlots[i]
		m.uncheckedPut(m.hash(&s.key, m.seed), s)
	}

	if oldCapacity > 0 {
		m.allocator.FreeSlots(oldSlots)
		m.allocator.FreeControls(oldCtrls)
	}
	m.checkInvariants()
	return true
}

// uncheckedPut inserts an entry known not to be in the table. Used by
// resize to rehome entries into the new arrays, which hold no tombstones,
// so the probe only needs to find the first empty slot. The used count is
// the caller's responsibility.
func (m *Map[K, V]) uncheckedPut(h uintptr, s *Slot[K, V]) {
	mask := m.capacity - 1
	i := int(h & uintptr(mask))
	for m.ctrls[i] != ctrlEmpty {
		i = (i + 1) & mask
	}
	m.ctrls[i] = ctrlFull
	m.slots[i] = *s
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if m.capacity == 0 {
			if m.used != 0 || m.deleted != 0 || len(m.ctrls) != 0 || len(m.slots) != 0 {
				panic(fmt.Sprintf("invariant failed: empty table with used=%d deleted=%d ctrls=%d slots=%d",
					m.used, m.deleted, len(m.ctrls), len(m.slots)))
			}
			return
		}
		if m.capacity&(m.capacity-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a power of 2", m.capacity))
		}
		if len(m.ctrls) != m.capacity || len(m.slots) != m.capacity {
			panic(fmt.Sprintf("invariant failed: ctrls=%d slots=%d don't match capacity=%d",
				len(m.ctrls), len(m.slots), m.capacity))
		}

		// For every full slot, verify the slot is reachable by probing for
		// its own key. Count the slot states and compare against the stored
		// counts.
		var used, deleted int
		for i := 0; i < m.capacity; i++ {
			switch m.ctrls[i] {
			case ctrlEmpty:
			case ctrlDeleted:
				deleted++
			case ctrlFull:
				used++
				s := &m.slots[i]
				if j := m.find(&s.key); j != i {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v found at %d\n%s",
						i, s.key, j, m.debugString()))
				}
			default:
				panic(fmt.Sprintf("invariant failed: ctrl(%d): unknown state %02x", i, m.ctrls[i]))
			}
		}
		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
		if deleted != m.deleted {
			panic(fmt.Sprintf("invariant failed: found %d deleted slots, but deleted count is %d\n%s",
				deleted, m.deleted, m.debugString()))
		}
		if loadFactorDen*(m.used+m.deleted) >= loadFactorNum*m.capacity {
			panic(fmt.Sprintf("invariant failed: load %d/%d is at or above %d/%d\n%s",
				m.used+m.deleted, m.capacity, loadFactorNum, loadFactorDen, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  deleted=%d\n", m.capacity, m.used, m.deleted)
	for i := 0; i < m.capacity; i++ {
		switch m.ctrls[i] {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		default:
			s := &m.slots[i]
			fmt.Fprintf(&buf, "  %4d: %v -> %v [start=%d]\n",
				i, s.key, s.value, int(m.hash(&s.key, m.seed)&uintptr(m.capacity-1)))
		}
	}
	return buf.String()
}
