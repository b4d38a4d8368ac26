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

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommonHeaderRoundTrip(t *testing.T) {
	in := commonHeader{payloadSize: 1234, sequence: 42, format: FormatWithHandle}
	var b [commonHeaderSize]byte
	in.encode(&b)
	out, err := decodeCommonHeader(b[:])
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out.hasSecondary())
	assert.Equal(t, uint32(commonHeaderSize+secondaryHeaderSize+1234), out.totalSize())
}

func TestDecodeCommonHeaderSizeCheckMismatch(t *testing.T) {
	var b [commonHeaderSize]byte
	commonHeader{payloadSize: 100, format: FormatPlain}.encode(&b)
	// Flip one bit of the size without touching the check word.
	b[0] ^= 0x01
	_, err := decodeCommonHeader(b[:])
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeCommonHeaderOversizedPayload(t *testing.T) {
	var b [commonHeaderSize]byte
	size := uint32(maxPayloadSize + 1)
	binary.LittleEndian.PutUint32(b[0:4], size)
	binary.LittleEndian.PutUint32(b[4:8], ^size)
	b[10] = byte(FormatPlain)
	_, err := decodeCommonHeader(b[:])
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeCommonHeaderUnknownFormat(t *testing.T) {
	var b [commonHeaderSize]byte
	commonHeader{payloadSize: 1, format: FormatPlain}.encode(&b)
	b[10] = 0x7f
	_, err := decodeCommonHeader(b[:])
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeCommonHeaderShortBufferIsBusy(t *testing.T) {
	_, err := decodeCommonHeader(make([]byte, commonHeaderSize-1))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSecondaryHeaderRejectsBadFields(t *testing.T) {
	good := []byte{byte(HandleSharedMemory), byte(AccessReadWrite), 0, 0}
	sec, err := decodeSecondaryHeader(good)
	require.NoError(t, err)
	assert.Equal(t, AccessReadWrite, sec.accessMode)

	badType := []byte{0x55, byte(AccessReadOnly), 0, 0}
	_, err = decodeSecondaryHeader(badType)
	assert.ErrorIs(t, err, ErrProtocol)

	badMode := []byte{byte(HandleSharedMemory), 0x55, 0, 0}
	_, err = decodeSecondaryHeader(badMode)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestNextSequenceWrapsSkippingNothing(t *testing.T) {
	assert.Equal(t, uint16(2), nextSequence(1))
	assert.Equal(t, uint16(0), nextSequence(65535))
	assert.Equal(t, uint16(1), nextSequence(0))
}
