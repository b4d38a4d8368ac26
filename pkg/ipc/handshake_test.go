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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHello1RoundTrip(t *testing.T) {
	in := hello1{version: protocolVersion, c2sSize: 4096, s2cSize: 8192}
	out, err := decodeHello1(in.encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeHello1([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestHello1ReplyRoundTrip(t *testing.T) {
	in := hello1Reply{
		version: protocolVersion,
		c2sSize: 4096,
		s2cSize: 65536,
		ids:     regionIdentifiers{"a-c2s", "a-s2c", "a-flags"},
	}
	out, err := decodeHello1Reply(in.encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestHello1ReplyRejectsTrailingBytes(t *testing.T) {
	in := hello1Reply{version: protocolVersion, ids: regionIdentifiers{"a", "b", "c"}}
	b := append(in.encode(), 0xff)
	_, err := decodeHello1Reply(b)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestNegotiateTakesLargerHintPerDirection(t *testing.T) {
	client := hello1{version: protocolVersion, c2sSize: 1 << 20, s2cSize: 4096}
	c2s, s2c, err := negotiate(client, 4096, 1<<21)
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<20), c2s)
	assert.Equal(t, uint32(1<<21), s2c)
}

func TestNegotiateClampsHostileSizes(t *testing.T) {
	client := hello1{version: protocolVersion, c2sSize: 0xFFFFFFFF, s2cSize: 1}
	c2s, s2c, err := negotiate(client, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(maxRingDataSize), c2s)
	assert.Equal(t, uint32(minRingDataSize), s2c)
}

func TestNegotiateRejectsVersionMismatch(t *testing.T) {
	client := hello1{version: protocolVersion + 1}
	_, _, err := negotiate(client, 4096, 4096)
	assert.ErrorIs(t, err, ErrProtocol)
}
