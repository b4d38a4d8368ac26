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

// Package ipc implements SafeIPC: a bidirectional inter-process transport
// built on lock-free shared-memory ring buffers for the data path and a
// unix-socket control channel for connection establishment, liveness
// signalling and memory handle transfer.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/safeipc/safeipc/api"
	"github.com/safeipc/safeipc/internal/ring"
	"github.com/safeipc/safeipc/internal/shm"
)

// MemoryHandle is an OS memory handle attached to a message and transferred
// out-of-band. The receiver owns the descriptor.
type MemoryHandle struct {
	FD     int
	Access AccessMode
}

// Message is one unit of transfer: payload bytes plus an optional attached
// memory handle.
type Message struct {
	Payload []byte
	Handle  *MemoryHandle
}

type connState int

const (
	stateClosed connState = iota
	stateConnecting
	stateConnected
	stateConnectError
)

type handshakeStep int

const (
	hsIdle handshakeStep = iota
	// client
	hsCompletingTransportConnect
	hsSendingHello1
	hsWaitingForHello1Reply
	hsSendingHello2
	// server
	hsWaitingForHello1
	hsWaitingForHello2
)

type dataState int

const (
	dataSendAndReceive dataState = iota
	dataReceiveOnly
	dataDisconnected
	dataProtocolError
)

type sinkKind int

const (
	sinkPlain sinkKind = iota
	sinkWithHandle
	sinkChunkwise
)

// ReceiveSink selects exactly one of the three receive completion flavors.
// Construct one with ReceivePlain, ReceiveWithHandle or ReceiveChunkwise;
// the mutual exclusion is carried by the type rather than by three optional
// callback slots.
type ReceiveSink struct {
	kind sinkKind

	buf        []byte
	plain      func(n int, truncated bool, err error)
	withHandle func(n int, truncated bool, handle *MemoryHandle, err error)

	provide bufferProvider
	chunk   chunkSink
	done    func(truncated bool, err error)
}

// ReceivePlain completes into buf and reports the delivered length.
func ReceivePlain(buf []byte, fn func(n int, truncated bool, err error)) ReceiveSink {
	return ReceiveSink{kind: sinkPlain, buf: buf, plain: fn}
}

// ReceiveWithHandle additionally delivers the attached memory handle, or
// nil for a plain message.
func ReceiveWithHandle(buf []byte, fn func(n int, truncated bool, handle *MemoryHandle, err error)) ReceiveSink {
	return ReceiveSink{kind: sinkWithHandle, buf: buf, withHandle: fn}
}

// ReceiveChunkwise streams the payload through caller-provided buffers.
// provide is invoked on the reactor context with the connection lock held
// and must not call back into the connection; returning nil abandons the
// read. chunk and done run outside the lock like every completion callback,
// so a buffer must stay untouched until its chunk callback has run —
// returning a fresh buffer per provide call is the simple way.
func ReceiveChunkwise(provide func(remaining uint32) []byte, chunk func(chunk []byte, last bool), done func(truncated bool, err error)) ReceiveSink {
	return ReceiveSink{kind: sinkChunkwise, provide: provide, chunk: chunk, done: done}
}

// regionSeq distinguishes the shared memory regions of concurrent
// server-side connections within one process.
var regionSeq atomic.Uint64

type sendOp struct {
	msg  Message
	done func(error)
}

// Connection is one endpoint of a SafeIPC connection.
//
// All public operations and all reactor-delivered callbacks serialize on one
// connection lock. User callbacks are invoked outside that lock under a
// callback guard, so user code may call back into the connection; the object
// must not be torn down while IsInUse reports true — see WaitUntilIdle and
// CloseAndAssertNoCallbackExecuting.
type Connection struct {
	mu sync.Mutex

	role    role
	cfg     *Config
	reactor api.Reactor
	log     *logger
	metrics *connMetrics
	tracer  trace.Tracer
	hsSpan  trace.Span

	state  connState
	hsStep handshakeStep
	dstate dataState

	ctrl       *controlChannel
	ch         *Channel
	reader     *messageReader
	writer     *messageWriter
	regions    []*shm.Region
	flushEvent api.Event

	onConnect func(error)
	onClosed  func()

	recvSink *ReceiveSink
	// recvParked marks a completed format-B receive waiting for its
	// descriptor frame.
	recvParked       bool
	recvParkedResult func(h *MemoryHandle)

	sendOp *sendOp

	notifyCb func(value byte)

	pendingHandles []*MemoryHandle

	peerCred *unix.Ucred

	orderlyCloseSeen bool
	disconnect       *DisconnectError

	guard       callbackGuard
	completions []func()
}

// NewConnection creates a connection in the Closed state, ready for
// ConnectAsync.
func NewConnection(r api.Reactor, cfg *Config) *Connection {
	c := &Connection{
		role:    roleClient,
		cfg:     cfg.withDefaults(),
		reactor: r,
		log:     internalLogger,
		state:   stateClosed,
	}
	c.metrics = newConnMetrics(c.cfg.Registerer, c.cfg.Meter, c.role)
	c.tracer = c.cfg.Tracer
	return c
}

// newServerConnection wraps an accepted control socket. The listener drives
// nothing further; the handshake completes on reactor events and onConnect
// fires once the connection is established.
func newServerConnection(r api.Reactor, fd int, cfg *Config, onConnect func(*Connection, error)) (*Connection, error) {
	c := &Connection{
		role:    roleServer,
		cfg:     cfg.withDefaults(),
		reactor: r,
		log:     internalLogger,
		state:   stateConnecting,
		hsStep:  hsWaitingForHello1,
	}
	c.metrics = newConnMetrics(c.cfg.Registerer, c.cfg.Meter, c.role)
	c.tracer = c.cfg.Tracer
	c.onConnect = func(err error) { onConnect(c, err) }

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.attachControl(fd); err != nil {
		c.state = stateConnectError
		return nil, err
	}
	return c, nil
}

// ConnectAsync starts the client handshake toward the unix socket at path.
// onConnect is invoked exactly once, outside the connection lock, with nil
// on success. ErrBusy unless the connection is Closed; Close resets a
// failed connect so it can be retried.
func (c *Connection) ConnectAsync(path string, onConnect func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateClosed {
		return ErrBusy
	}
	// A transport-connect failure is reported through the flush event, so
	// it must exist before the dial goroutine can fail.
	if c.flushEvent == nil {
		ev, err := c.reactor.NewEvent(c.runCompletions)
		if err != nil {
			return err
		}
		c.flushEvent = ev
	}
	c.state = stateConnecting
	c.hsStep = hsCompletingTransportConnect
	c.dstate = dataSendAndReceive
	c.orderlyCloseSeen = false
	c.disconnect = nil
	c.onConnect = onConnect
	if c.tracer != nil {
		_, c.hsSpan = c.tracer.Start(context.Background(), "safeipc.connect")
	}
	go c.dial(path)
	return nil
}

// dial runs off the reactor: transport connects with bounded retries so the
// client may start before the server is listening.
func (c *Connection) dial(path string) {
	var fd int
	err := backoff.Retry(func() error {
		s, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := unix.Connect(s, &unix.SockaddrUnix{Name: path}); err != nil {
			_ = unix.Close(s)
			return err
		}
		fd = s
		return nil
	}, c.cfg.DialBackoff)

	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		if err == nil {
			_ = unix.Close(fd)
		}
		return
	}
	if err == nil {
		err = c.attachControl(fd)
	}
	if err != nil {
		c.failConnect(fmt.Errorf("ipc: transport connect: %w", err))
		c.finishLocked()
		return
	}
	c.hsStep = hsSendingHello1
	h1 := hello1{
		version: protocolVersion,
		c2sSize: c.cfg.SendBufferSize,
		s2cSize: c.cfg.RecvBufferSize,
	}
	if err := c.ctrl.sendFrame(ctrlHello1, h1.encode(), nil); err != nil {
		c.failConnect(err)
		c.finishLocked()
		return
	}
	c.hsStep = hsWaitingForHello1Reply
	c.finishLocked()
}

// attachControl wires an established control socket into the reactor. Lock
// held.
func (c *Connection) attachControl(fd int) error {
	cc, err := newControlChannel(fd)
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	reg, err := c.reactor.RegisterFD(fd, api.EventReadable, c.onControlIO)
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	cc.bind(reg, c.handleControlFrame, c.handleControlError)
	c.ctrl = cc
	if cred, err := cc.peerCredentials(); err == nil {
		c.peerCred = cred
	}
	if c.flushEvent == nil {
		ev, err := c.reactor.NewEvent(c.runCompletions)
		if err != nil {
			return err
		}
		c.flushEvent = ev
	}
	return nil
}

// onControlIO is the reactor entry point for control socket readiness.
func (c *Connection) onControlIO(ev api.IOEvents) {
	c.mu.Lock()
	if c.ctrl != nil {
		c.ctrl.onIOEvents(ev)
	}
	c.finishLocked()
}

// finishLocked releases the lock and schedules any queued user callbacks on
// the reactor's dispatch context.
func (c *Connection) finishLocked() {
	pending := len(c.completions) > 0
	ev := c.flushEvent
	c.mu.Unlock()
	if pending && ev != nil {
		ev.Trigger()
	}
}

// runCompletions executes queued user callbacks outside the lock, under the
// callback guard.
func (c *Connection) runCompletions() {
	c.mu.Lock()
	cbs := c.completions
	c.completions = nil
	c.mu.Unlock()
	for _, cb := range cbs {
		c.guard.enter()
		cb()
		c.guard.exit()
	}
}

func (c *Connection) deferCompletion(cb func()) {
	c.completions = append(c.completions, cb)
}

func (c *Connection) failConnect(err error) {
	c.state = stateConnectError
	c.endSpan()
	if cb := c.onConnect; cb != nil {
		c.onConnect = nil
		c.deferCompletion(func() { cb(err) })
	}
}

func (c *Connection) endSpan() {
	if c.hsSpan != nil {
		c.hsSpan.End()
		c.hsSpan = nil
	}
}

// --- control frame handling (lock held) ---

func (c *Connection) handleControlFrame(typ byte, payload []byte, fds []int) {
	switch {
	case typ == ctrlHello1:
		c.handleHello1(payload)
	case typ == ctrlHello1Reply:
		c.handleHello1Reply(payload, fds)
	case typ == ctrlHello2:
		c.handleHello2()
	case typ == ctrlHandle:
		c.handleHandleFrame(payload, fds)
	case typ == ctrlDataAvailable:
		c.progressReceive()
	case typ == ctrlSpaceAvailable:
		c.progressSend()
	case typ == ctrlOrderlyClose:
		c.handleOrderlyClose()
	case typ == ctrlAbruptClose:
		c.enterDisconnected(true)
	case typ >= ctrlNotifyBase && typ <= ctrlNotifyBase+MaxNotification:
		c.handleNotification(typ - ctrlNotifyBase)
	default:
		c.enterProtocolError(protocolErrorf("unknown control byte %#x", typ))
	}
}

func (c *Connection) handleHello1(payload []byte) {
	if c.role != roleServer || c.hsStep != hsWaitingForHello1 {
		c.enterProtocolError(protocolErrorf("unexpected hello1"))
		return
	}
	h1, err := decodeHello1(payload)
	if err != nil {
		c.failConnect(err)
		return
	}
	// The client's c2s direction is this side's receive direction.
	c2s, s2c, err := negotiate(h1, c.cfg.RecvBufferSize, c.cfg.SendBufferSize)
	if err != nil {
		c.failConnect(err)
		return
	}

	seq := regionSeq.Add(1)
	names := regionIdentifiers{
		fmt.Sprintf("safeipc-%d-%d-c2s", os.Getpid(), seq),
		fmt.Sprintf("safeipc-%d-%d-s2c", os.Getpid(), seq),
		fmt.Sprintf("safeipc-%d-%d-flags", os.Getpid(), seq),
	}
	sizes := [3]int{ring.HeaderSize + int(c2s), ring.HeaderSize + int(s2c), flagsRegionSize}
	var regs [3]*shm.Region
	for i := range regs {
		opts := shm.CreateOptions{Name: names[i], Size: sizes[i]}
		if c.cfg.DevShmPath != "" {
			opts.DevShmPath = c.cfg.DevShmPath + "/" + names[i]
		}
		r, err := shm.Create(opts)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = regs[j].Close()
			}
			c.failConnect(fmt.Errorf("%w: %v", ErrResourceExhausted, err))
			return
		}
		regs[i] = r
	}
	c.regions = append(c.regions, regs[0], regs[1], regs[2])

	b := newChannelBuilder(roleServer, c.cfg.WatermarkDivisor)
	b.setRecvSpan(regs[0].Mem).setSendSpan(regs[1].Mem).setFlagsSpan(regs[2].Mem)
	ch, err := b.build(true)
	if err != nil {
		c.failConnect(err)
		return
	}
	c.ch = ch

	reply := hello1Reply{version: protocolVersion, c2sSize: c2s, s2cSize: s2c, ids: names}
	if err := c.ctrl.sendFrame(ctrlHello1Reply, reply.encode(), []int{regs[0].FD, regs[1].FD, regs[2].FD}); err != nil {
		c.failConnect(err)
		return
	}
	c.hsStep = hsWaitingForHello2
}

func (c *Connection) handleHello1Reply(payload []byte, fds []int) {
	if c.role != roleClient || c.hsStep != hsWaitingForHello1Reply {
		c.enterProtocolError(protocolErrorf("unexpected hello1reply"))
		return
	}
	reply, err := decodeHello1Reply(payload)
	if err != nil {
		c.failConnect(err)
		return
	}
	if reply.version != protocolVersion || len(fds) != 3 {
		c.failConnect(protocolErrorf("hello1reply version %d, %d fds", reply.version, len(fds)))
		return
	}
	var regs [3]*shm.Region
	for i, fd := range fds {
		r, err := shm.OpenFD(fd, reply.ids[i])
		if err != nil {
			for j := 0; j < i; j++ {
				_ = regs[j].Close()
			}
			c.failConnect(fmt.Errorf("%w: %v", ErrResourceExhausted, err))
			return
		}
		regs[i] = r
	}
	c.regions = append(c.regions, regs[0], regs[1], regs[2])

	b := newChannelBuilder(roleClient, c.cfg.WatermarkDivisor)
	b.setSendSpan(regs[0].Mem).setRecvSpan(regs[1].Mem).setFlagsSpan(regs[2].Mem)
	ch, err := b.build(false)
	if err != nil {
		c.failConnect(err)
		return
	}
	c.ch = ch

	c.hsStep = hsSendingHello2
	if err := c.ctrl.sendFrame(ctrlHello2, nil, nil); err != nil {
		c.failConnect(err)
		return
	}
	c.establish()
}

func (c *Connection) handleHello2() {
	if c.role != roleServer || c.hsStep != hsWaitingForHello2 {
		c.enterProtocolError(protocolErrorf("unexpected hello2"))
		return
	}
	c.establish()
}

func (c *Connection) establish() {
	c.state = stateConnected
	c.hsStep = hsIdle
	c.dstate = dataSendAndReceive
	c.reader = newMessageReader(c.ch)
	c.writer = newMessageWriter(c.ch)
	c.endSpan()
	c.log.infof("safeipc %s connection established (send %d, recv %d)",
		c.role, c.ch.SendCapacity(), c.ch.RecvCapacity())
	if cb := c.onConnect; cb != nil {
		c.onConnect = nil
		c.deferCompletion(func() { cb(nil) })
	}
}

func (c *Connection) handleHandleFrame(payload []byte, fds []int) {
	if len(payload) != 1 || len(fds) != 1 {
		c.enterProtocolError(protocolErrorf("malformed handle frame"))
		return
	}
	mode := AccessMode(payload[0])
	if mode != AccessReadOnly && mode != AccessReadWrite {
		c.enterProtocolError(protocolErrorf("handle frame access mode %#x", payload[0]))
		return
	}
	c.pendingHandles = append(c.pendingHandles, &MemoryHandle{FD: fds[0], Access: mode})
	if c.recvParked {
		c.recvParked = false
		deliver := c.recvParkedResult
		c.recvParkedResult = nil
		h := c.takeHandle()
		deliver(h)
	}
}

func (c *Connection) takeHandle() *MemoryHandle {
	if len(c.pendingHandles) == 0 {
		return nil
	}
	h := c.pendingHandles[0]
	c.pendingHandles = c.pendingHandles[1:]
	return h
}

func (c *Connection) handleNotification(value byte) {
	if c.notifyCb == nil {
		// No callback registered: notifications are dropped, by contract.
		c.log.debugf("dropping user notification %d", value)
		return
	}
	cb := c.notifyCb
	c.deferCompletion(func() { cb(value) })
}

func (c *Connection) handleOrderlyClose() {
	if c.dstate == dataProtocolError || c.dstate == dataDisconnected {
		return
	}
	c.orderlyCloseSeen = true
	c.dstate = dataReceiveOnly
	c.failSendOp(&DisconnectError{Abrupt: false})
	c.maybeEnterDrainedDisconnect()
}

// maybeEnterDrainedDisconnect moves ReceiveOnly to Disconnected once the
// receive buffer is fully drained.
func (c *Connection) maybeEnterDrainedDisconnect() {
	if c.dstate != dataReceiveOnly || c.ch == nil {
		return
	}
	if err := c.ch.refreshRecv(); err != nil {
		c.enterProtocolError(err)
		return
	}
	if !c.ch.IsAnyDataAvailable() {
		c.enterDisconnected(false)
	}
}

func (c *Connection) enterDisconnected(abrupt bool) {
	if c.dstate == dataProtocolError || c.dstate == dataDisconnected {
		return
	}
	c.dstate = dataDisconnected
	c.disconnect = &DisconnectError{Abrupt: abrupt}
	c.log.infof("safeipc %s peer disconnected (abrupt=%v)", c.role, abrupt)
	err := error(c.disconnect)
	c.failSendOp(err)
	c.failRecvSink(err)
}

func (c *Connection) enterProtocolError(err error) {
	if c.dstate == dataProtocolError {
		return
	}
	c.dstate = dataProtocolError
	c.metrics.protocolErrors.Inc()
	c.log.errorf("safeipc %s protocol error: %v", c.role, err)
	if c.state == stateConnecting {
		c.failConnect(err)
		return
	}
	c.failSendOp(ErrProtocol)
	c.failRecvSink(ErrProtocol)
}

func (c *Connection) handleControlError(err error) {
	if c.state == stateConnecting {
		// The peer abandoned the handshake; there is no data path to
		// disconnect yet.
		c.failConnect(fmt.Errorf("ipc: handshake aborted: %w", err))
		return
	}
	if errors.Is(err, io.EOF) {
		// Peer closed the control socket. Without a prior orderly-close
		// byte this is an abrupt loss; double-check the process in the
		// abrupt case for diagnostics only.
		if !c.orderlyCloseSeen {
			if c.peerCred != nil && peerAlive(c.peerCred.Pid) {
				c.log.warnf("peer pid %d closed control socket but is still alive", c.peerCred.Pid)
			}
			c.enterDisconnected(true)
		} else {
			c.maybeEnterDrainedDisconnect()
		}
		return
	}
	c.log.warnf("safeipc %s control channel error: %v", c.role, err)
	c.enterDisconnected(true)
}

func (c *Connection) failSendOp(err error) {
	if c.sendOp == nil {
		return
	}
	op := c.sendOp
	c.sendOp = nil
	c.writer.reset()
	if op.done != nil {
		c.deferCompletion(func() { op.done(err) })
	}
}

func (c *Connection) failRecvSink(err error) {
	if c.recvSink == nil {
		return
	}
	sink := *c.recvSink
	c.recvSink = nil
	c.recvParked = false
	c.recvParkedResult = nil
	c.reader.reset()
	c.deferCompletion(func() { completeSinkError(sink, err) })
}

func completeSinkError(sink ReceiveSink, err error) {
	switch sink.kind {
	case sinkPlain:
		sink.plain(0, false, err)
	case sinkWithHandle:
		sink.withHandle(0, false, nil, err)
	case sinkChunkwise:
		sink.done(false, err)
	}
}

// --- data path checks (lock held) ---

func (c *Connection) checkSendable() error {
	if c.state != stateConnected {
		return ErrUninitialized
	}
	switch c.dstate {
	case dataSendAndReceive:
		return nil
	case dataReceiveOnly, dataDisconnected:
		if c.disconnect != nil {
			return c.disconnect
		}
		return &DisconnectError{Abrupt: false}
	default:
		return ErrProtocol
	}
}

func (c *Connection) checkReceivable() error {
	if c.state != stateConnected {
		return ErrUninitialized
	}
	switch c.dstate {
	case dataSendAndReceive, dataReceiveOnly:
		return nil
	case dataDisconnected:
		return c.disconnect
	default:
		return ErrProtocol
	}
}

func (c *Connection) signal(typ byte) {
	if c.ctrl == nil {
		return
	}
	if err := c.ctrl.sendSignal(typ); err != nil {
		c.log.warnf("control signal %#x failed: %v", typ, err)
		return
	}
	c.metrics.notifications.Inc()
}

// --- send path ---

// SendSync queues msg in its entirety or fails. ErrBusy when the send ring
// lacks space or an async send is outstanding; ErrSize when the message can
// never fit.
func (c *Connection) SendSync(msg Message) error {
	c.mu.Lock()
	defer c.finishLocked()
	return c.sendSyncLocked(msg)
}

func (c *Connection) sendSyncLocked(msg Message) error {
	if err := c.checkSendable(); err != nil {
		return err
	}
	if c.sendOp != nil || !c.writer.idle() {
		return ErrBusy
	}
	format, sec := msgFormat(msg)
	// The descriptor travels over the control socket ahead of the payload,
	// so the ring write must be known to succeed before the frame goes out
	// or the peer would be left holding an orphan descriptor.
	if msg.Handle != nil {
		if err := c.precheckSend(format, len(msg.Payload)); err != nil {
			return err
		}
		if err := c.sendHandleFrame(msg.Handle); err != nil {
			return err
		}
	}
	_, notify, err := c.writer.datagramWriteMessage(format, sec, msg.Payload)
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			c.enterProtocolError(err)
		}
		return err
	}
	c.metrics.recordSend(len(msg.Payload))
	if notify {
		c.signal(ctrlDataAvailable)
	}
	return nil
}

// SendAsync transfers msg as space permits and invokes done exactly once.
// At most one async send may be outstanding; a second one fails with
// ErrBusy.
func (c *Connection) SendAsync(msg Message, done func(error)) error {
	c.mu.Lock()
	defer c.finishLocked()
	return c.sendAsyncLocked(msg, done)
}

func (c *Connection) sendAsyncLocked(msg Message, done func(error)) error {
	if err := c.checkSendable(); err != nil {
		return err
	}
	if c.sendOp != nil {
		return ErrBusy
	}
	format, sec := msgFormat(msg)
	if err := c.writer.prepareStreamWrite(format, sec, msg.Payload); err != nil {
		return err
	}
	// Descriptor first, then data; see sendSyncLocked. A stream write that
	// later dies takes the whole connection down with it, so the peer's
	// pending descriptor queue is cleaned up by its Close.
	if msg.Handle != nil {
		if err := c.sendHandleFrame(msg.Handle); err != nil {
			c.writer.reset()
			return err
		}
	}
	c.sendOp = &sendOp{msg: msg, done: done}
	c.progressSend()
	return nil
}

// precheckSend verifies that a whole-message write of the given payload can
// succeed right now. Lock held.
func (c *Connection) precheckSend(format FormatTag, payloadLen int) error {
	hdr := commonHeader{payloadSize: uint32(payloadLen), format: format}
	total := hdr.totalSize()
	if uint32(payloadLen) > maxPayloadSize || total > c.ch.SendCapacity() {
		return ErrSize
	}
	if err := c.ch.refreshSend(); err != nil {
		c.enterProtocolError(err)
		return ErrProtocol
	}
	if total > c.ch.SendFreeSpace() {
		return ErrBusy
	}
	return nil
}

func (c *Connection) sendHandleFrame(h *MemoryHandle) error {
	if err := c.ctrl.sendFrame(ctrlHandle, []byte{byte(h.Access)}, []int{h.FD}); err != nil {
		return fmt.Errorf("%w: handle transfer: %v", ErrResourceExhausted, err)
	}
	return nil
}

// Send tries a synchronous transfer first and falls back to an async one
// under backpressure. done is invoked only on the async path.
func (c *Connection) Send(msg Message, done func(error)) (completed bool, err error) {
	c.mu.Lock()
	defer c.finishLocked()
	err = c.sendSyncLocked(msg)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrBusy) || c.sendOp != nil {
		return false, err
	}
	return false, c.sendAsyncLocked(msg, done)
}

func msgFormat(msg Message) (FormatTag, secondaryHeader) {
	if msg.Handle == nil {
		return FormatPlain, secondaryHeader{}
	}
	return FormatWithHandle, secondaryHeader{handleType: HandleSharedMemory, accessMode: msg.Handle.Access}
}

// progressSend advances the outstanding async send. Lock held.
func (c *Connection) progressSend() {
	op := c.sendOp
	if op == nil {
		return
	}
	for {
		res, notify, err := c.writer.streamWriteMessage()
		if notify {
			c.signal(ctrlDataAvailable)
		}
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				c.enterProtocolError(err)
			} else {
				c.failSendOp(err)
			}
			return
		}
		switch res {
		case writeDone:
			c.metrics.recordSend(len(op.msg.Payload))
			c.sendOp = nil
			if op.done != nil {
				c.deferCompletion(func() { op.done(nil) })
			}
			return
		case writeProgressed:
			continue
		case writeBlocked:
			// Ask the peer for a space-available signal, then re-check to
			// close the race with a concurrent drain. Retry only when space
			// actually grew, or a few straggler bytes would spin this loop.
			before := c.ch.SendFreeSpace()
			c.ch.RequestWritableNotification()
			if err := c.ch.refreshSend(); err != nil {
				c.enterProtocolError(err)
				return
			}
			if c.ch.SendFreeSpace() > before {
				c.ch.ResetWritableNotificationRequest()
				continue
			}
			return
		}
	}
}

// --- receive path ---

// PendingMessageSize returns the payload size of the next queued message.
// ErrBusy when no complete header is queued.
func (c *Connection) PendingMessageSize() (uint32, error) {
	c.mu.Lock()
	defer c.finishLocked()
	if err := c.checkReceivable(); err != nil {
		return 0, err
	}
	if c.recvSink != nil {
		return 0, ErrBusy
	}
	hdr, err := c.reader.peekCommonMessageHeader()
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			c.enterProtocolError(err)
		}
		return 0, err
	}
	return hdr.payloadSize, nil
}

// ReceiveSync consumes the next message into buf, all or nothing. A payload
// longer than buf is truncated: exactly the prefix that fits is delivered
// and the remainder is drained so the stream stays framed. The attached
// handle, if any, is returned too.
func (c *Connection) ReceiveSync(buf []byte) (n int, truncated bool, handle *MemoryHandle, err error) {
	c.mu.Lock()
	defer c.finishLocked()
	if err := c.checkReceivable(); err != nil {
		return 0, false, nil, err
	}
	if c.recvSink != nil {
		return 0, false, nil, ErrBusy
	}
	// The descriptor of a format-B message travels over the control
	// socket; drain it first so the handle is on hand.
	c.ctrl.drainSocket()
	if err := c.checkReceivable(); err != nil {
		return 0, false, nil, err
	}
	hdr, _, got, trunc, notify, err := c.reader.datagramReadMessage(buf)
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			c.enterProtocolError(err)
		}
		return 0, false, nil, err
	}
	if notify {
		c.signal(ctrlSpaceAvailable)
	}
	if hdr.hasSecondary() {
		if handle = c.takeHandle(); handle == nil {
			// The descriptor frame precedes the payload on the sender, but
			// the two travel different channels; give the socket one more
			// chance to deliver it.
			c.ctrl.drainSocket()
			handle = c.takeHandle()
		}
	}
	c.metrics.recordReceive(int(got), trunc)
	c.maybeEnterDrainedDisconnect()
	return int(got), trunc, handle, nil
}

// ReceiveAsync arms one asynchronous receive completing through sink. At
// most one may be outstanding; a second one fails with ErrBusy.
func (c *Connection) ReceiveAsync(sink ReceiveSink) error {
	c.mu.Lock()
	defer c.finishLocked()
	if err := c.checkReceivable(); err != nil {
		return err
	}
	if c.recvSink != nil {
		return ErrBusy
	}
	s := sink
	c.recvSink = &s
	c.armReader(&s)
	ready, err := c.reader.startAsyncStreamRead()
	if err != nil {
		c.recvSink = nil
		if errors.Is(err, ErrProtocol) {
			c.enterProtocolError(err)
		}
		return err
	}
	if !ready {
		c.ch.RequestReadableNotification()
	}
	c.progressReceive()
	return nil
}

// armReader binds the sink's buffer policy to the stream reader.
func (c *Connection) armReader(s *ReceiveSink) {
	switch s.kind {
	case sinkChunkwise:
		c.reader.prepareStreamRead(s.provide, func(chunk []byte, last bool) {
			cb := s.chunk
			c.deferCompletion(func() { cb(chunk, last) })
		}, true)
	default:
		buf := s.buf
		c.reader.prepareStreamRead(func(uint32) []byte { return buf }, nil, false)
	}
}

// progressReceive advances the outstanding async receive. Lock held.
func (c *Connection) progressReceive() {
	if c.recvSink == nil || c.recvParked {
		c.maybeEnterDrainedDisconnect()
		return
	}
	for {
		res, notify, err := c.reader.streamReadMessage()
		if notify {
			c.signal(ctrlSpaceAvailable)
		}
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				c.enterProtocolError(err)
			} else {
				c.failRecvSink(err)
			}
			return
		}
		switch res {
		case readDone, readDoneTruncated:
			c.completeReceive(res == readDoneTruncated)
			return
		case readProgressed:
			continue
		case readBlocked:
			// Ask the peer for a data-available signal, then re-check to
			// close the race with a concurrent commit. Retry only when new
			// bytes arrived; a partial header queued would spin this loop.
			before := c.ch.RecvUsedSpace()
			c.ch.RequestReadableNotification()
			if err := c.ch.refreshRecv(); err != nil {
				c.enterProtocolError(err)
				return
			}
			if c.ch.RecvUsedSpace() > before {
				c.ch.ResetReadableNotificationRequest()
				continue
			}
			return
		}
	}
}

// completeReceive finishes the armed receive. A format-B message whose
// descriptor has not arrived yet parks until the handle frame shows up.
func (c *Connection) completeReceive(truncated bool) {
	sink := *c.recvSink
	hdr := c.reader.header()
	n := int(hdr.payloadSize)
	if truncated && sink.kind != sinkChunkwise {
		n = len(sink.buf)
	}
	c.metrics.recordReceive(n, truncated)

	finish := func(h *MemoryHandle) {
		c.recvSink = nil
		c.deferCompletion(func() {
			switch sink.kind {
			case sinkPlain:
				sink.plain(n, truncated, nil)
			case sinkWithHandle:
				sink.withHandle(n, truncated, h, nil)
			case sinkChunkwise:
				sink.done(truncated, nil)
			}
		})
		c.maybeEnterDrainedDisconnect()
	}

	if hdr.hasSecondary() && sink.kind == sinkWithHandle {
		if h := c.takeHandle(); h != nil {
			finish(h)
			return
		}
		c.recvParked = true
		c.recvParkedResult = finish
		return
	}
	if hdr.hasSecondary() {
		// Caller's sink cannot carry the handle; release the descriptor.
		if h := c.takeHandle(); h != nil {
			_ = unix.Close(h.FD)
		}
	}
	finish(nil)
}

// --- notifications ---

// SendNotification sends a single-byte user notification (0..MaxNotification)
// over the control channel. Notifications are delivered in send order and
// dropped by a peer with no callback registered.
func (c *Connection) SendNotification(value byte) error {
	c.mu.Lock()
	defer c.finishLocked()
	if value > MaxNotification {
		return fmt.Errorf("%w: %d above maximum %d", ErrNotificationRange, value, MaxNotification)
	}
	if err := c.checkSendable(); err != nil {
		return err
	}
	c.signal(ctrlNotifyBase + value)
	return nil
}

// RegisterNotificationCallback installs the handler for incoming user
// notifications. Notifications arriving with no handler installed are
// dropped.
func (c *Connection) RegisterNotificationCallback(fn func(value byte)) {
	c.mu.Lock()
	c.notifyCb = fn
	c.mu.Unlock()
}

// --- peer queries ---

// PeerProcessID returns the peer's pid as reported by the kernel.
func (c *Connection) PeerProcessID() (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerCred == nil {
		return 0, ErrUninitialized
	}
	return c.peerCred.Pid, nil
}

// PeerIdentity returns the peer's credentials and process details.
func (c *Connection) PeerIdentity() (api.PeerIdentity, error) {
	c.mu.Lock()
	cred := c.peerCred
	c.mu.Unlock()
	if cred == nil {
		return api.PeerIdentity{}, ErrUninitialized
	}
	return resolveIdentity(cred), nil
}

// CheckPeerIntegrityLevel classifies the peer relative to this process.
func (c *Connection) CheckPeerIntegrityLevel() (api.IntegrityLevel, error) {
	c.mu.Lock()
	cred := c.peerCred
	c.mu.Unlock()
	if cred == nil {
		return api.IntegrityUntrusted, ErrUninitialized
	}
	return classifyIntegrity(cred), nil
}

// --- lifecycle ---

// IsOpen reports whether the connection is connecting or connected. Peer
// disconnects and protocol errors do not clear it; only Close does.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnecting || c.state == stateConnected
}

// IsInUse reports whether a user callback is currently executing.
func (c *Connection) IsInUse() bool {
	return c.guard.inUse()
}

// WaitUntilIdle blocks until no user callback is executing. Must not be
// called from inside a callback.
func (c *Connection) WaitUntilIdle(ctx context.Context) error {
	return c.guard.waitUntilIdle(ctx)
}

// Close tears the connection down: announces an orderly close to the peer,
// unregisters from the reactor and releases the shared memory. Outstanding
// async operations complete with ErrClosed. Close does not interrupt a user
// callback already in flight; see WaitUntilIdle.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == stateClosed && c.ctrl == nil {
		c.mu.Unlock()
		return nil
	}
	if c.state == stateConnected && c.dstate == dataSendAndReceive {
		c.signal(ctrlOrderlyClose)
	}
	if cb := c.onConnect; cb != nil {
		c.onConnect = nil
		c.deferCompletion(func() { cb(ErrClosed) })
	}
	c.failSendOp(ErrClosed)
	c.failRecvSink(ErrClosed)
	if c.ctrl != nil {
		c.ctrl.close()
		c.ctrl = nil
	}
	if c.flushEvent != nil {
		_ = c.flushEvent.Cancel()
		c.flushEvent = nil
	}
	for _, h := range c.pendingHandles {
		_ = unix.Close(h.FD)
	}
	c.pendingHandles = nil
	for _, r := range c.regions {
		_ = r.Close()
	}
	c.regions = nil
	c.ch = nil
	c.state = stateClosed
	c.endSpan()
	cbs := c.completions
	c.completions = nil
	closed := c.onClosed
	c.onClosed = nil
	c.mu.Unlock()

	for _, cb := range cbs {
		c.guard.enter()
		cb()
		c.guard.exit()
	}
	if closed != nil {
		closed()
	}
	return nil
}

// CloseAndAssertNoCallbackExecuting closes the connection and panics if a
// user callback is still executing, which would make the teardown a
// use-after-free in disguise.
func (c *Connection) CloseAndAssertNoCallbackExecuting() {
	if c.guard.inUse() {
		panic("ipc: Close while a user callback is executing")
	}
	_ = c.Close()
}
