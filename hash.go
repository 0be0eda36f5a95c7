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

import (
	"bytes"
	"hash/maphash"

	"github.com/zeebo/xxh3"
)

// HashFn hashes a key, mixing in the map's seed. Implementations must be
// pure: the same key and seed must always produce the same result, and the
// key must not be mutated. Keys that are equal under the map's EqualFn must
// hash identically.
//
// The key is passed by pointer to avoid copying large keys; the pointer is
// only valid for the duration of the call.
type HashFn[K any] func(key *K, seed uintptr) uintptr

// EqualFn reports whether two keys are equal. Implementations must be
// consistent with the map's HashFn and must not mutate the keys. The
// pointers are only valid for the duration of the call.
type EqualFn[K any] func(a, b *K) bool

// HashString returns a HashFn for string keys backed by xxh3. The map's
// seed is used as the xxh3 seed, so distinct maps place the same keys
// differently.
func HashString() HashFn[string] {
	return func(key *string, seed uintptr) uintptr {
		return uintptr(xxh3.HashStringSeed(*key, uint64(seed)))
	}
}

// HashBytes returns a HashFn for []byte keys backed by xxh3, hashing the
// slice contents. Pair it with EqualBytes so that equal contents always
// land on the same probe chain.
func HashBytes() HashFn[[]byte] {
	return func(key *[]byte, seed uintptr) uintptr {
		return uintptr(xxh3.HashSeed(*key, uint64(seed)))
	}
}

// HashComparable returns a HashFn for any comparable key type, backed by
// hash/maphash. A maphash seed is drawn once per returned function;
// maphash seeds are opaque, so the map's seed is mixed into the result
// instead of seeding maphash directly.
func HashComparable[K comparable]() HashFn[K] {
	mseed := maphash.MakeSeed()
	return func(key *K, seed uintptr) uintptr {
		return uintptr(maphash.Comparable(mseed, *key)) ^ seed
	}
}

// EqualComparable returns an EqualFn that compares keys with ==.
func EqualComparable[K comparable]() EqualFn[K] {
	return func(a, b *K) bool {
		return *a == *b
	}
}

// EqualBytes returns an EqualFn that compares []byte keys by content.
func EqualBytes() EqualFn[[]byte] {
	return func(a, b *[]byte) bool {
		return bytes.Equal(*a, *b)
	}
}
