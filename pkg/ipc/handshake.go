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
	"fmt"
)

// The handshake is a 3-message round trip over the control channel:
//
//	client -> server  Hello1      {version, proposed c2s and s2c sizes}
//	server -> client  Hello1Reply {version, negotiated sizes, region
//	                               identifiers} + 3 region fds
//	client -> server  Hello2      {}
//
// Only after Hello2 does data transfer begin. Buffer sizes in the hello
// messages are ring data sizes, excluding the index header.

type hello1 struct {
	version uint16
	c2sSize uint32 // proposed client->server ring data size
	s2cSize uint32 // proposed server->client ring data size
}

func (h hello1) encode() []byte {
	out := make([]byte, 10)
	binary.LittleEndian.PutUint16(out[0:2], h.version)
	binary.LittleEndian.PutUint32(out[2:6], h.c2sSize)
	binary.LittleEndian.PutUint32(out[6:10], h.s2cSize)
	return out
}

func decodeHello1(b []byte) (hello1, error) {
	if len(b) != 10 {
		return hello1{}, protocolErrorf("hello1 length %d", len(b))
	}
	return hello1{
		version: binary.LittleEndian.Uint16(b[0:2]),
		c2sSize: binary.LittleEndian.Uint32(b[2:6]),
		s2cSize: binary.LittleEndian.Uint32(b[6:10]),
	}, nil
}

// regionIdentifiers names the three shared regions in handshake order:
// client->server ring, server->client ring, notification flags. The fds in
// the Hello1Reply ancillary data follow the same order.
type regionIdentifiers [3]string

type hello1Reply struct {
	version uint16
	c2sSize uint32 // negotiated
	s2cSize uint32
	ids     regionIdentifiers
}

func (h hello1Reply) encode() []byte {
	n := 10
	for _, id := range h.ids {
		n += 1 + len(id)
	}
	out := make([]byte, 0, n)
	var tmp [4]byte
	binary.LittleEndian.PutUint16(tmp[:2], h.version)
	out = append(out, tmp[:2]...)
	binary.LittleEndian.PutUint32(tmp[:4], h.c2sSize)
	out = append(out, tmp[:4]...)
	binary.LittleEndian.PutUint32(tmp[:4], h.s2cSize)
	out = append(out, tmp[:4]...)
	for _, id := range h.ids {
		out = append(out, byte(len(id)))
		out = append(out, id...)
	}
	return out
}

func decodeHello1Reply(b []byte) (hello1Reply, error) {
	if len(b) < 10 {
		return hello1Reply{}, protocolErrorf("hello1reply length %d", len(b))
	}
	h := hello1Reply{
		version: binary.LittleEndian.Uint16(b[0:2]),
		c2sSize: binary.LittleEndian.Uint32(b[2:6]),
		s2cSize: binary.LittleEndian.Uint32(b[6:10]),
	}
	rest := b[10:]
	for i := range h.ids {
		if len(rest) < 1 {
			return hello1Reply{}, protocolErrorf("hello1reply truncated identifiers")
		}
		l := int(rest[0])
		rest = rest[1:]
		if len(rest) < l {
			return hello1Reply{}, protocolErrorf("hello1reply truncated identifier %d", i)
		}
		h.ids[i] = string(rest[:l])
		rest = rest[l:]
	}
	if len(rest) != 0 {
		return hello1Reply{}, protocolErrorf("hello1reply trailing bytes")
	}
	return h, nil
}

// negotiate clamps the client's proposals against server policy, preferring
// the larger of the two sides' hints per direction.
func negotiate(client hello1, serverC2S, serverS2C uint32) (c2s, s2c uint32, err error) {
	if client.version != protocolVersion {
		return 0, 0, fmt.Errorf("%w: protocol version %d, want %d", ErrProtocol, client.version, protocolVersion)
	}
	c2s = clampRingSize(maxU32(client.c2sSize, serverC2S))
	s2c = clampRingSize(maxU32(client.s2cSize, serverS2C))
	return c2s, s2c, nil
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
