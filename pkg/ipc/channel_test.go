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

	"github.com/safeipc/safeipc/internal/ring"
)

// channelPair maps both endpoints over the same in-process spans, the way
// two processes share the regions after the handshake.
func channelPair(t *testing.T, dataSize int) (client, server *Channel) {
	t.Helper()
	c2s := make([]byte, ring.HeaderSize+dataSize)
	s2c := make([]byte, ring.HeaderSize+dataSize)
	flags := make([]byte, flagsRegionSize)

	sb := newChannelBuilder(roleServer, defaultWatermarkDivisor)
	server, err := sb.setRecvSpan(c2s).setSendSpan(s2c).setFlagsSpan(flags).build(true)
	require.NoError(t, err)

	cb := newChannelBuilder(roleClient, defaultWatermarkDivisor)
	client, err = cb.setSendSpan(c2s).setRecvSpan(s2c).setFlagsSpan(flags).build(false)
	require.NoError(t, err)
	return client, server
}

func TestBuilderRequiresAllSpans(t *testing.T) {
	b := newChannelBuilder(roleClient, 0)
	b.setSendSpan(make([]byte, ring.HeaderSize+64))
	assert.False(t, b.ready())
	_, err := b.build(false)
	assert.Error(t, err)
}

func TestWholeMessageRoundTripSmallRing(t *testing.T) {
	client, server := channelPair(t, 64)

	payload := []byte("0123456789")
	_, err := client.SendWholeMessage(commonHeader{format: FormatPlain}, secondaryHeader{}, payload)
	require.NoError(t, err)
	client.CommitSend()

	require.NoError(t, server.refreshRecv())
	dst := make([]byte, 64)
	hdr, _, n, truncated, err := server.ReceiveWholeMessage(dst)
	require.NoError(t, err)
	server.CommitReceive()

	assert.Equal(t, uint32(10), n)
	assert.False(t, truncated)
	assert.Equal(t, payload, dst[:n])
	assert.Equal(t, uint16(1), hdr.sequence)
	assert.False(t, server.IsAnyDataAvailable())
}

func TestWholeMessageNeverFitsIsErrSize(t *testing.T) {
	client, _ := channelPair(t, 64)
	// 64 data bytes leave a 63-byte capacity; 60 payload plus the header
	// can never be queued at once.
	payload := make([]byte, 60)
	_, err := client.SendWholeMessage(commonHeader{format: FormatPlain}, secondaryHeader{}, payload)
	assert.ErrorIs(t, err, ErrSize)
}

func TestWholeMessageBackpressureIsErrBusy(t *testing.T) {
	client, _ := channelPair(t, 64)
	payload := make([]byte, 40)
	_, err := client.SendWholeMessage(commonHeader{format: FormatPlain}, secondaryHeader{}, payload)
	require.NoError(t, err)
	client.CommitSend()

	// A second 40-byte message fits the ring in principle but not right
	// now.
	require.NoError(t, client.refreshSend())
	_, err = client.SendWholeMessage(commonHeader{format: FormatPlain}, secondaryHeader{}, payload)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestReceiveTruncatesAndDrains(t *testing.T) {
	client, server := channelPair(t, 64)

	payload := []byte("0123456789")
	_, err := client.SendWholeMessage(commonHeader{format: FormatPlain}, secondaryHeader{}, payload)
	require.NoError(t, err)
	client.CommitSend()

	require.NoError(t, server.refreshRecv())
	dst := make([]byte, 5)
	_, _, n, truncated, err := server.ReceiveWholeMessage(dst)
	require.NoError(t, err)
	server.CommitReceive()

	assert.Equal(t, uint32(5), n)
	assert.True(t, truncated)
	assert.Equal(t, []byte("01234"), dst)
	// The remainder was drained: the stream stays framed and the ring is
	// empty again.
	require.NoError(t, server.refreshRecv())
	assert.False(t, server.IsAnyDataAvailable())
}

func TestSequenceNumbersStampInOrder(t *testing.T) {
	client, server := channelPair(t, 256)
	for want := uint16(1); want <= 3; want++ {
		hdr, err := client.SendWholeMessage(commonHeader{format: FormatPlain}, secondaryHeader{}, []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, want, hdr.sequence)
	}
	client.CommitSend()

	require.NoError(t, server.refreshRecv())
	dst := make([]byte, 8)
	for want := uint16(1); want <= 3; want++ {
		hdr, _, _, _, err := server.ReceiveWholeMessage(dst)
		require.NoError(t, err)
		assert.Equal(t, want, hdr.sequence)
	}
}

func TestSecondaryHeaderTravelsWithMessage(t *testing.T) {
	client, server := channelPair(t, 256)
	sec := secondaryHeader{handleType: HandleSharedMemory, accessMode: AccessReadOnly}
	_, err := client.SendWholeMessage(commonHeader{format: FormatWithHandle}, sec, []byte("payload"))
	require.NoError(t, err)
	client.CommitSend()

	require.NoError(t, server.refreshRecv())
	dst := make([]byte, 16)
	hdr, got, n, _, err := server.ReceiveWholeMessage(dst)
	require.NoError(t, err)
	assert.True(t, hdr.hasSecondary())
	assert.Equal(t, sec, got)
	assert.Equal(t, []byte("payload"), dst[:n])
}

func TestNotificationFlagsAreConsumedBySwap(t *testing.T) {
	client, server := channelPair(t, 64)

	assert.False(t, server.TestAndResetPeerReadableNotificationRequest())
	client.RequestReadableNotification()
	assert.True(t, server.TestAndResetPeerReadableNotificationRequest())
	// Consumed: the next swap must see it cleared.
	assert.False(t, server.TestAndResetPeerReadableNotificationRequest())

	server.RequestWritableNotification()
	assert.True(t, client.TestAndResetPeerWritableNotificationRequest())
	assert.False(t, client.TestAndResetPeerWritableNotificationRequest())
}

func TestCommitSendSignalsOnlyOnRequest(t *testing.T) {
	client, server := channelPair(t, 64)

	_, err := client.SendWholeMessage(commonHeader{format: FormatPlain}, secondaryHeader{}, []byte("a"))
	require.NoError(t, err)
	assert.False(t, client.CommitSend(), "no readable request pending")

	server.RequestReadableNotification()
	_, err = client.SendWholeMessage(commonHeader{format: FormatPlain}, secondaryHeader{}, []byte("b"))
	require.NoError(t, err)
	assert.True(t, client.CommitSend(), "peer asked to be told")
}

func TestCommitReceiveHonorsWatermark(t *testing.T) {
	client, server := channelPair(t, 64)

	// Nearly fill the ring, then drain one small message. Free space
	// stays below capacity/4, so the writable signal is withheld even
	// though the peer requested it.
	fill := make([]byte, 44)
	_, err := client.SendWholeMessage(commonHeader{format: FormatPlain}, secondaryHeader{}, fill)
	require.NoError(t, err)
	client.CommitSend()
	client.RequestWritableNotification()

	require.NoError(t, server.refreshRecv())
	assert.True(t, server.IsReceiveWatermarkExceeded())
	dst := make([]byte, 64)
	_, _, _, _, err = server.ReceiveWholeMessage(dst)
	require.NoError(t, err)
	assert.True(t, server.CommitReceive(), "ring fully drained, watermark cleared")
}
