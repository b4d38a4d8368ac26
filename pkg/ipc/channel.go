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
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/safeipc/safeipc/internal/ring"
)

// flagsRegionSize is the size of the notification flags region: four uint32
// words, one per flag, each with exactly one writer and one reader across
// the two processes.
const flagsRegionSize = 16

// role selects which half of the shared regions and flag words belongs to
// this endpoint.
type role int

const (
	roleClient role = iota
	roleServer
)

func (r role) String() string {
	if r == roleClient {
		return "client"
	}
	return "server"
}

// notificationFlags is a view over the shared flags region. A flag value of
// 1 means the owning side wants to be signalled over the control channel;
// the peer consumes the request with an atomic swap.
type notificationFlags struct {
	words [4]*uint32
	// index of this side's readable/writable request words
	localReadable  int
	localWritable  int
	peerReadable   int
	peerWritable   int
}

func newNotificationFlags(region []byte, r role) (*notificationFlags, error) {
	if len(region) < flagsRegionSize {
		return nil, errors.New("ipc: flags region too small")
	}
	base := unsafe.Pointer(&region[0])
	f := &notificationFlags{}
	for i := 0; i < 4; i++ {
		f.words[i] = (*uint32)(unsafe.Add(base, i*4))
	}
	if r == roleClient {
		f.localReadable, f.localWritable, f.peerReadable, f.peerWritable = 0, 1, 2, 3
	} else {
		f.localReadable, f.localWritable, f.peerReadable, f.peerWritable = 2, 3, 0, 1
	}
	return f, nil
}

func (f *notificationFlags) reset() {
	for _, w := range f.words {
		atomic.StoreUint32(w, 0)
	}
}

// Channel owns one ring buffer per direction plus the notification flags
// and implements the message header protocol on top of the raw rings.
//
// A Channel is not internally synchronized; the owning Connection serializes
// access. Raw send/receive primitives may be batched; nothing is visible to
// the peer until CommitSend / CommitReceive publishes the indices.
type Channel struct {
	send  *ring.RingBuffer
	recv  *ring.RingBuffer
	flags *notificationFlags

	// nextSendSeq is the sequence number stamped on the next outgoing
	// message. Starts at 1; wraps 65535 -> 0.
	nextSendSeq uint16
	// lastRecvSeq is the last received sequence number, kept for protocol
	// tracing only; mismatches are not enforced.
	lastRecvSeq    uint16
	recvSeqPrimed  bool

	// watermarkDivisor configures the writable notification threshold:
	// the peer is only signalled once free space reaches capacity/divisor.
	watermarkDivisor uint32
}

// channelBuilder stages per-direction regions until both sides plus the
// flags region are mapped. Shared memory for the two directions arrives at
// different times for client and server, so construction is two-phase.
type channelBuilder struct {
	r                role
	sendSpan         []byte
	recvSpan         []byte
	flagsSpan        []byte
	watermarkDivisor uint32
}

func newChannelBuilder(r role, watermarkDivisor uint32) *channelBuilder {
	if watermarkDivisor == 0 {
		watermarkDivisor = defaultWatermarkDivisor
	}
	return &channelBuilder{r: r, watermarkDivisor: watermarkDivisor}
}

func (b *channelBuilder) setSendSpan(span []byte) *channelBuilder {
	b.sendSpan = span
	return b
}

func (b *channelBuilder) setRecvSpan(span []byte) *channelBuilder {
	b.recvSpan = span
	return b
}

func (b *channelBuilder) setFlagsSpan(span []byte) *channelBuilder {
	b.flagsSpan = span
	return b
}

func (b *channelBuilder) ready() bool {
	return b.sendSpan != nil && b.recvSpan != nil && b.flagsSpan != nil
}

// build converts the staged spans into a complete Channel. It fails unless
// all three spans are present. When reset is true the shared indices and
// flags are zeroed; only the side that created the regions does this, before
// the peer maps them.
func (b *channelBuilder) build(reset bool) (*Channel, error) {
	if !b.ready() {
		return nil, errors.New("ipc: channel builder incomplete")
	}
	send, err := ring.New(b.sendSpan)
	if err != nil {
		return nil, err
	}
	recv, err := ring.New(b.recvSpan)
	if err != nil {
		return nil, err
	}
	flags, err := newNotificationFlags(b.flagsSpan, b.r)
	if err != nil {
		return nil, err
	}
	if reset {
		send.Reset()
		recv.Reset()
		flags.reset()
	}
	return &Channel{
		send:             send,
		recv:             recv,
		flags:            flags,
		nextSendSeq:      1,
		watermarkDivisor: b.watermarkDivisor,
	}, nil
}

// mapRingError folds ring corruption into the connection error taxonomy.
func mapRingError(err error) error {
	if errors.Is(err, ring.ErrCorrupted) {
		return protocolErrorf("ring index corrupted")
	}
	return err
}

// refreshRecv reloads the peer-owned head of the receive ring.
func (c *Channel) refreshRecv() error {
	return mapRingError(c.recv.LoadHead())
}

// refreshSend reloads the peer-owned tail of the send ring.
func (c *Channel) refreshSend() error {
	return mapRingError(c.send.LoadTail())
}

// --- read side ---

// IsCommonHeaderAvailable reports whether a full common header is queued.
func (c *Channel) IsCommonHeaderAvailable() bool {
	return c.recv.UsedSpace() >= commonHeaderSize
}

// IsSecondaryHeaderAvailable reports whether a full secondary header is
// queued.
func (c *Channel) IsSecondaryHeaderAvailable() bool {
	return c.recv.UsedSpace() >= secondaryHeaderSize
}

// IsAnyDataAvailable reports whether the receive ring holds any bytes.
func (c *Channel) IsAnyDataAvailable() bool {
	return !c.recv.IsEmpty()
}

// IsReceiveWatermarkExceeded reports whether free receive space is still
// below capacity/divisor. While exceeded, a writable notification to the
// peer is not yet worthwhile.
func (c *Channel) IsReceiveWatermarkExceeded() bool {
	return c.recv.FreeSpace() < c.recv.Capacity()/c.watermarkDivisor
}

// PeekCommonHeader decodes the common header without consuming it. ErrBusy
// if fewer than commonHeaderSize bytes are queued; ErrProtocol on a
// malformed header.
func (c *Channel) PeekCommonHeader() (commonHeader, error) {
	if !c.IsCommonHeaderAvailable() {
		return commonHeader{}, ErrBusy
	}
	var buf [commonHeaderSize]byte
	c.recv.Peek(buf[:])
	return decodeCommonHeader(buf[:])
}

// ReceiveCommonHeader validates and consumes the common header.
func (c *Channel) ReceiveCommonHeader() (commonHeader, error) {
	hdr, err := c.PeekCommonHeader()
	if err != nil {
		return commonHeader{}, err
	}
	c.recv.Discard(commonHeaderSize)
	c.traceSequence(hdr.sequence)
	return hdr, nil
}

func (c *Channel) traceSequence(seq uint16) {
	if c.recvSeqPrimed && seq != nextSequence(c.lastRecvSeq) {
		protocolLogger.tracef("sequence gap: got %d after %d", seq, c.lastRecvSeq)
	}
	c.lastRecvSeq = seq
	c.recvSeqPrimed = true
}

// ReceiveSecondaryHeader validates and consumes the secondary header.
func (c *Channel) ReceiveSecondaryHeader() (secondaryHeader, error) {
	if !c.IsSecondaryHeaderAvailable() {
		return secondaryHeader{}, ErrBusy
	}
	var buf [secondaryHeaderSize]byte
	c.recv.Peek(buf[:])
	sec, err := decodeSecondaryHeader(buf[:])
	if err != nil {
		return secondaryHeader{}, err
	}
	c.recv.Discard(secondaryHeaderSize)
	return sec, nil
}

// ReceivePartOfData copies up to maxBytes payload bytes into dst, bounded by
// what is queued. Returns the byte count consumed from the ring.
func (c *Channel) ReceivePartOfData(maxBytes uint32, dst []byte) uint32 {
	if uint32(len(dst)) < maxBytes {
		maxBytes = uint32(len(dst))
	}
	return c.recv.Read(dst[:maxBytes])
}

// DiscardRestOfData drops up to remaining payload bytes and returns how many
// were actually dropped.
func (c *Channel) DiscardRestOfData(remaining uint32) uint32 {
	n := remaining
	if avail := c.recv.UsedSpace(); n > avail {
		n = avail
	}
	c.recv.Discard(n)
	return n
}

// ReceiveWholeMessage consumes one complete message, all or nothing. If
// header(s) plus payload are not fully queued it returns ErrBusy without
// consuming anything; if the message could never fit the ring it returns
// ErrSize. The payload prefix that fits dst is copied there; a longer
// payload is truncated and the remainder discarded so the stream stays
// framed.
func (c *Channel) ReceiveWholeMessage(dst []byte) (hdr commonHeader, sec secondaryHeader, n uint32, truncated bool, err error) {
	hdr, err = c.PeekCommonHeader()
	if err != nil {
		return commonHeader{}, secondaryHeader{}, 0, false, err
	}
	if hdr.totalSize() > c.recv.Capacity() {
		return commonHeader{}, secondaryHeader{}, 0, false, ErrSize
	}
	if c.recv.UsedSpace() < hdr.totalSize() {
		return commonHeader{}, secondaryHeader{}, 0, false, ErrBusy
	}
	c.recv.Discard(commonHeaderSize)
	c.traceSequence(hdr.sequence)
	if hdr.hasSecondary() {
		sec, err = c.ReceiveSecondaryHeader()
		if err != nil {
			return commonHeader{}, secondaryHeader{}, 0, false, err
		}
	}
	n = hdr.payloadSize
	if uint32(len(dst)) < n {
		n = uint32(len(dst))
		truncated = true
	}
	if n > 0 {
		c.recv.Read(dst[:n])
	}
	if truncated {
		c.DiscardRestOfData(hdr.payloadSize - n)
	}
	return hdr, sec, n, truncated, nil
}

// CommitReceive publishes the receive index to the peer and reports whether
// a space-available signal is worth sending: the peer must have requested a
// writable notification and enough space must have freed up.
func (c *Channel) CommitReceive() (notifyPeer bool) {
	c.recv.StoreTail()
	if c.IsReceiveWatermarkExceeded() {
		return false
	}
	return c.TestAndResetPeerWritableNotificationRequest()
}

// --- write side ---

// SendCommonHeader stamps the next sequence number on hdr and queues it.
// ErrBusy if the ring lacks space.
func (c *Channel) SendCommonHeader(hdr commonHeader) (commonHeader, error) {
	if c.send.FreeSpace() < commonHeaderSize {
		return commonHeader{}, ErrBusy
	}
	hdr.sequence = c.nextSendSeq
	c.nextSendSeq = nextSequence(c.nextSendSeq)
	var buf [commonHeaderSize]byte
	hdr.encode(&buf)
	c.send.Write(buf[:])
	return hdr, nil
}

// SendSecondaryHeader queues a secondary header. ErrBusy if the ring lacks
// space.
func (c *Channel) SendSecondaryHeader(sec secondaryHeader) error {
	if c.send.FreeSpace() < secondaryHeaderSize {
		return ErrBusy
	}
	var buf [secondaryHeaderSize]byte
	sec.encode(&buf)
	c.send.Write(buf[:])
	return nil
}

// SendPartOfData queues as much of p as fits and returns the byte count
// queued.
func (c *Channel) SendPartOfData(p []byte) uint32 {
	n := c.send.FreeSpace()
	if uint32(len(p)) < n {
		n = uint32(len(p))
	}
	if n > 0 {
		c.send.Write(p[:n])
	}
	return n
}

// SendWholeMessage queues headers plus payload, all or nothing. ErrSize if
// the encoded message exceeds the ring capacity or the protocol maximum;
// ErrBusy if it fits but space is currently insufficient. Nothing is
// partially written.
func (c *Channel) SendWholeMessage(hdr commonHeader, sec secondaryHeader, payload []byte) (commonHeader, error) {
	hdr.payloadSize = uint32(len(payload))
	if hdr.payloadSize > maxPayloadSize || hdr.totalSize() > c.send.Capacity() {
		return commonHeader{}, ErrSize
	}
	if c.send.FreeSpace() < hdr.totalSize() {
		return commonHeader{}, ErrBusy
	}
	stamped, err := c.SendCommonHeader(hdr)
	if err != nil {
		return commonHeader{}, err
	}
	if hdr.hasSecondary() {
		if err := c.SendSecondaryHeader(sec); err != nil {
			return commonHeader{}, err
		}
	}
	if len(payload) > 0 {
		c.send.Write(payload)
	}
	return stamped, nil
}

// CommitSend publishes the send index to the peer and reports whether a
// data-available signal is worth sending.
func (c *Channel) CommitSend() (notifyPeer bool) {
	c.send.StoreHead()
	return c.TestAndResetPeerReadableNotificationRequest()
}

// --- notification flags ---

// RequestReadableNotification marks that this side wants a data-available
// signal.
func (c *Channel) RequestReadableNotification() {
	atomic.StoreUint32(c.flags.words[c.flags.localReadable], 1)
}

// ResetReadableNotificationRequest withdraws the request.
func (c *Channel) ResetReadableNotificationRequest() {
	atomic.StoreUint32(c.flags.words[c.flags.localReadable], 0)
}

// RequestWritableNotification marks that this side wants a space-available
// signal.
func (c *Channel) RequestWritableNotification() {
	atomic.StoreUint32(c.flags.words[c.flags.localWritable], 1)
}

// ResetWritableNotificationRequest withdraws the request.
func (c *Channel) ResetWritableNotificationRequest() {
	atomic.StoreUint32(c.flags.words[c.flags.localWritable], 0)
}

// TestAndResetPeerReadableNotificationRequest atomically consumes the peer's
// readable request and reports whether one was pending.
func (c *Channel) TestAndResetPeerReadableNotificationRequest() bool {
	return atomic.SwapUint32(c.flags.words[c.flags.peerReadable], 0) == 1
}

// TestAndResetPeerWritableNotificationRequest atomically consumes the peer's
// writable request and reports whether one was pending.
func (c *Channel) TestAndResetPeerWritableNotificationRequest() bool {
	return atomic.SwapUint32(c.flags.words[c.flags.peerWritable], 0) == 1
}

// Corrupted reports whether either ring detected index corruption.
func (c *Channel) Corrupted() bool {
	return c.send.Corrupted() || c.recv.Corrupted()
}

// SendCapacity returns the send ring's usable capacity.
func (c *Channel) SendCapacity() uint32 { return c.send.Capacity() }

// RecvCapacity returns the receive ring's usable capacity.
func (c *Channel) RecvCapacity() uint32 { return c.recv.Capacity() }

// SendFreeSpace returns cached free space in the send direction.
func (c *Channel) SendFreeSpace() uint32 { return c.send.FreeSpace() }

// RecvUsedSpace returns cached used space in the receive direction.
func (c *Channel) RecvUsedSpace() uint32 { return c.recv.UsedSpace() }
