/*
 * Copyright 2025 SafeIPC Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package ring implements the lock-free single-producer single-consumer
// circular byte buffer that backs one direction of a SafeIPC channel.
//
// The buffer lives in a shared memory span laid out as
// [head uint32][tail uint32][data ...]. Each process mutates exactly one of
// the two indices: the producer owns head, the consumer owns tail. Indices
// are published with sequentially consistent atomics; each side additionally
// keeps process-local cached copies that are only refreshed by LoadHead /
// LoadTail. Every refresh validates the remote index, because the peer
// process can scribble over its side of the shared state at any time.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// HeaderSize is the number of bytes occupied by the head and tail indices at
// the start of the shared span.
const HeaderSize = 8

// MinDataSize is the smallest usable data area. One byte is permanently
// unused so that a full buffer is distinguishable from an empty one.
const MinDataSize = 2

// ErrCorrupted reports that a remote index failed validation. The condition
// is permanent: every subsequent index load on this buffer fails too.
var ErrCorrupted = errors.New("ring: shared index corrupted")

// RingBuffer is a view over one direction's shared span. It is not
// internally synchronized; safety relies on one writer and one reader per
// buffer, which the channel layer guarantees by construction.
type RingBuffer struct {
	head *uint32 // shared, producer-owned
	tail *uint32 // shared, consumer-owned
	data []byte  // shared data area, size N

	size uint32 // N

	cachedHead uint32
	cachedTail uint32

	corrupted bool
}

// New creates a view over span, which must be HeaderSize plus at least
// MinDataSize bytes. The shared indices are left untouched; the side that
// created the region calls Reset once before handing the other side its
// mapping.
func New(span []byte) (*RingBuffer, error) {
	if len(span) < HeaderSize+MinDataSize {
		return nil, fmt.Errorf("ring: span of %d bytes is too small", len(span))
	}
	base := unsafe.Pointer(&span[0])
	return &RingBuffer{
		head: (*uint32)(base),
		tail: (*uint32)(unsafe.Add(base, 4)),
		data: span[HeaderSize:],
		size: uint32(len(span) - HeaderSize),
	}, nil
}

// Reset zeroes both shared indices and the local caches. Only the creator
// calls this, before the peer maps the region.
func (r *RingBuffer) Reset() {
	atomic.StoreUint32(r.head, 0)
	atomic.StoreUint32(r.tail, 0)
	r.cachedHead = 0
	r.cachedTail = 0
}

// Capacity returns the usable byte capacity, size minus the one reserved
// byte.
func (r *RingBuffer) Capacity() uint32 {
	return r.size - 1
}

func (r *RingBuffer) used(head, tail uint32) uint32 {
	return (head + r.size - tail) % r.size
}

// UsedSpace returns the byte count between the cached indices.
func (r *RingBuffer) UsedSpace() uint32 {
	return r.used(r.cachedHead, r.cachedTail)
}

// FreeSpace returns Capacity minus UsedSpace.
func (r *RingBuffer) FreeSpace() uint32 {
	return r.Capacity() - r.UsedSpace()
}

// IsEmpty reports whether the cached indices are equal.
func (r *RingBuffer) IsEmpty() bool {
	return r.cachedHead == r.cachedTail
}

// IsFull reports whether UsedSpace equals Capacity.
func (r *RingBuffer) IsFull() bool {
	return r.UsedSpace() == r.Capacity()
}

// LoadHead refreshes the cached head from shared memory. The consumer calls
// this to observe newly produced data. The loaded value must lie in [0, N)
// and must not make used space shrink (the producer never retreats);
// anything else marks the buffer corrupted.
func (r *RingBuffer) LoadHead() error {
	if r.corrupted {
		return ErrCorrupted
	}
	h := atomic.LoadUint32(r.head)
	if h >= r.size || r.used(h, r.cachedTail) < r.used(r.cachedHead, r.cachedTail) {
		r.corrupted = true
		return ErrCorrupted
	}
	r.cachedHead = h
	return nil
}

// LoadTail refreshes the cached tail from shared memory. The producer calls
// this to observe newly freed space. The loaded value must lie in [0, N)
// and must not advance past the head (used space must not grow); anything
// else marks the buffer corrupted.
func (r *RingBuffer) LoadTail() error {
	if r.corrupted {
		return ErrCorrupted
	}
	t := atomic.LoadUint32(r.tail)
	if t >= r.size || r.used(r.cachedHead, t) > r.used(r.cachedHead, r.cachedTail) {
		r.corrupted = true
		return ErrCorrupted
	}
	r.cachedTail = t
	return nil
}

// StoreHead publishes the cached head to the peer.
func (r *RingBuffer) StoreHead() {
	atomic.StoreUint32(r.head, r.cachedHead)
}

// StoreTail publishes the cached tail to the peer.
func (r *RingBuffer) StoreTail() {
	atomic.StoreUint32(r.tail, r.cachedTail)
}

// Corrupted reports whether a previous index load failed validation.
func (r *RingBuffer) Corrupted() bool {
	return r.corrupted
}

// Write copies p into the buffer at the cached head, wrapping at the end of
// the data area, and advances the cached head. The caller must have checked
// that p fits in FreeSpace; the index is not published until StoreHead.
func (r *RingBuffer) Write(p []byte) {
	if uint32(len(p)) > r.FreeSpace() {
		panic("ring: write exceeds free space")
	}
	pos := r.cachedHead
	first := r.size - pos
	if uint32(len(p)) <= first {
		copy(r.data[pos:], p)
	} else {
		copy(r.data[pos:], p[:first])
		copy(r.data, p[first:])
	}
	r.cachedHead = (pos + uint32(len(p))) % r.size
}

// Peek copies up to len(out) bytes from the cached tail into out without
// consuming them. It returns the number of bytes copied, bounded by
// UsedSpace.
func (r *RingBuffer) Peek(out []byte) uint32 {
	n := uint32(len(out))
	if avail := r.UsedSpace(); n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	pos := r.cachedTail
	first := r.size - pos
	if n <= first {
		copy(out, r.data[pos:pos+n])
	} else {
		copy(out, r.data[pos:])
		copy(out[first:], r.data[:n-first])
	}
	return n
}

// Discard advances the cached tail by n bytes, which must not exceed
// UsedSpace. The index is not published until StoreTail.
func (r *RingBuffer) Discard(n uint32) {
	if n > r.UsedSpace() {
		panic("ring: discard exceeds used space")
	}
	r.cachedTail = (r.cachedTail + n) % r.size
}

// Read copies up to len(out) bytes into out and consumes them, combining
// Peek and Discard.
func (r *RingBuffer) Read(out []byte) uint32 {
	n := r.Peek(out)
	r.Discard(n)
	return n
}
