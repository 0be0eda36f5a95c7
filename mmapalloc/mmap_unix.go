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

//go:build unix

package mmapalloc

import "golang.org/x/sys/unix"

// mapPages allocates size bytes of zeroed, page-aligned memory outside the
// Go heap. size must be a multiple of the page size.
func mapPages(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// unmapPages returns a mapping obtained from mapPages to the operating
// system. The memory must not be touched afterwards.
func unmapPages(b []byte) error {
	return unix.Munmap(b)
}
