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

package ipc

import "encoding/binary"

// Common header layout (12 bytes, little-endian):
//
//	uint32 payloadSize
//	uint32 sizeCheck   // bitwise complement of payloadSize
//	uint16 sequence    // starts at 1, wraps 65535 -> 0
//	uint8  format      // FormatPlain or FormatWithHandle
//	uint8  reserved    // zero
//
// Secondary header layout (4 bytes, format B only):
//
//	uint8  handleType
//	uint8  accessMode
//	uint16 reserved    // zero
const (
	commonHeaderSize    = 12
	secondaryHeaderSize = 4

	// maxPayloadSize is the protocol maximum, independent of ring capacity.
	maxPayloadSize = 1 << 24
)

// FormatTag distinguishes plain messages from messages carrying a memory
// handle.
type FormatTag uint8

const (
	// FormatPlain is a message of header plus payload bytes.
	FormatPlain FormatTag = 1
	// FormatWithHandle additionally carries a secondary header and one
	// out-of-band memory handle.
	FormatWithHandle FormatTag = 2
)

// HandleType identifies the kind of OS handle attached to a message.
type HandleType uint8

// HandleSharedMemory is currently the only handle type.
const HandleSharedMemory HandleType = 1

// AccessMode is the access the receiver gets on an attached handle.
type AccessMode uint8

const (
	// AccessReadOnly grants read access.
	AccessReadOnly AccessMode = 1
	// AccessReadWrite grants read and write access.
	AccessReadWrite AccessMode = 2
)

type commonHeader struct {
	payloadSize uint32
	sequence    uint16
	format      FormatTag
}

func (h commonHeader) hasSecondary() bool {
	return h.format == FormatWithHandle
}

// totalSize is the full encoded message size: headers plus payload.
func (h commonHeader) totalSize() uint32 {
	n := uint32(commonHeaderSize) + h.payloadSize
	if h.hasSecondary() {
		n += secondaryHeaderSize
	}
	return n
}

func (h commonHeader) encode(dst *[commonHeaderSize]byte) {
	b := dst[:]
	binary.LittleEndian.PutUint32(b[0:4], h.payloadSize)
	binary.LittleEndian.PutUint32(b[4:8], ^h.payloadSize)
	binary.LittleEndian.PutUint16(b[8:10], h.sequence)
	b[10] = byte(h.format)
	b[11] = 0
}

func decodeCommonHeader(b []byte) (commonHeader, error) {
	if len(b) < commonHeaderSize {
		return commonHeader{}, ErrBusy
	}
	size := binary.LittleEndian.Uint32(b[0:4])
	check := binary.LittleEndian.Uint32(b[4:8])
	if check != ^size {
		return commonHeader{}, protocolErrorf("header size check mismatch: size=%d check=%#x", size, check)
	}
	if size > maxPayloadSize {
		return commonHeader{}, protocolErrorf("payload size %d above protocol maximum", size)
	}
	format := FormatTag(b[10])
	if format != FormatPlain && format != FormatWithHandle {
		return commonHeader{}, protocolErrorf("unknown format tag %#x", b[10])
	}
	return commonHeader{
		payloadSize: size,
		sequence:    binary.LittleEndian.Uint16(b[8:10]),
		format:      format,
	}, nil
}

type secondaryHeader struct {
	handleType HandleType
	accessMode AccessMode
}

func (h secondaryHeader) encode(dst *[secondaryHeaderSize]byte) {
	dst[0] = byte(h.handleType)
	dst[1] = byte(h.accessMode)
	dst[2] = 0
	dst[3] = 0
}

func decodeSecondaryHeader(b []byte) (secondaryHeader, error) {
	if len(b) < secondaryHeaderSize {
		return secondaryHeader{}, ErrBusy
	}
	if HandleType(b[0]) != HandleSharedMemory {
		return secondaryHeader{}, protocolErrorf("unknown handle type %#x", b[0])
	}
	mode := AccessMode(b[1])
	if mode != AccessReadOnly && mode != AccessReadWrite {
		return secondaryHeader{}, protocolErrorf("unknown access mode %#x", b[1])
	}
	return secondaryHeader{handleType: HandleType(b[0]), accessMode: mode}, nil
}

// nextSequence advances a message sequence number. Sequences start at 1 and
// wrap from 65535 to 0, not to 1.
func nextSequence(seq uint16) uint16 {
	return seq + 1
}
