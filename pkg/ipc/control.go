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
	"io"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/safeipc/safeipc/api"
)

// Control channel message types. Types below 0x10 are framed as
// [type u8][len u16 le][payload] and may carry file descriptors as
// ancillary data; everything else is a single signal byte.
const (
	ctrlHello1      byte = 0x01
	ctrlHello1Reply byte = 0x02 // + 3 region fds
	ctrlHello2      byte = 0x03
	ctrlHandle      byte = 0x04 // + 1 memory handle fd

	ctrlDataAvailable  byte = 0x10
	ctrlSpaceAvailable byte = 0x11
	ctrlOrderlyClose   byte = 0x12
	ctrlAbruptClose    byte = 0x13

	// User notification values are encoded as ctrlNotifyBase+value.
	ctrlNotifyBase byte = 0x40
)

func isFramedControlType(typ byte) bool { return typ < 0x10 }

// ctrlFDCount returns how many file descriptors a frame of the given type
// must be accompanied by.
func ctrlFDCount(typ byte) int {
	switch typ {
	case ctrlHello1Reply:
		return 3
	case ctrlHandle:
		return 1
	default:
		return 0
	}
}

type outFrame struct {
	buf *bytebufferpool.ByteBuffer
	off int
	fds []int
}

// controlChannel carries handshake frames, single-byte signals and file
// descriptors over a unix stream socket. It is not internally synchronized;
// the owning Connection serializes all entry points, including reactor
// callbacks.
type controlChannel struct {
	fd  int
	reg api.Registration

	onFrame func(typ byte, payload []byte, fds []int)
	onError func(err error)

	pendingOut *queue.Queue
	wantWrite  bool

	readBuf    []byte
	pendingFDs []int

	closed bool
}

func newControlChannel(fd int) (*controlChannel, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("ipc: control socket nonblock: %w", err)
	}
	return &controlChannel{
		fd:         fd,
		pendingOut: queue.New(16),
	}, nil
}

// bind installs the frame and error handlers and the reactor registration.
// The owning Connection registers its own locked wrapper with the reactor
// and forwards IO events to onIOEvents, so every handler below runs under
// the connection lock.
func (cc *controlChannel) bind(reg api.Registration, onFrame func(byte, []byte, []int), onError func(error)) {
	cc.reg = reg
	cc.onFrame = onFrame
	cc.onError = onError
}

func (cc *controlChannel) close() {
	if cc.closed {
		return
	}
	cc.closed = true
	if cc.reg != nil {
		_ = cc.reg.Deregister()
	}
	for cc.pendingOut.Len() > 0 {
		if items, err := cc.pendingOut.Get(1); err == nil && len(items) == 1 {
			f := items[0].(*outFrame)
			bytebufferpool.Put(f.buf)
		}
	}
	for _, fd := range cc.pendingFDs {
		_ = unix.Close(fd)
	}
	cc.pendingFDs = nil
	_ = unix.Close(cc.fd)
}

// sendSignal queues one signal byte. Signals are delivered in send order.
func (cc *controlChannel) sendSignal(typ byte) error {
	buf := bytebufferpool.Get()
	_ = buf.WriteByte(typ)
	return cc.enqueue(&outFrame{buf: buf})
}

// sendFrame queues a framed message, optionally with file descriptors that
// travel as ancillary data on the frame's first byte.
func (cc *controlChannel) sendFrame(typ byte, payload []byte, fds []int) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("ipc: control frame payload %d too large", len(payload))
	}
	buf := bytebufferpool.Get()
	_ = buf.WriteByte(typ)
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(payload)))
	_, _ = buf.Write(l[:])
	_, _ = buf.Write(payload)
	return cc.enqueue(&outFrame{buf: buf, fds: fds})
}

func (cc *controlChannel) enqueue(f *outFrame) error {
	if cc.closed {
		bytebufferpool.Put(f.buf)
		return ErrClosed
	}
	if err := cc.pendingOut.Put(f); err != nil {
		bytebufferpool.Put(f.buf)
		return err
	}
	return cc.flush()
}

// flush writes queued frames until the socket would block, then arms
// writable interest so the reactor resumes the drain.
func (cc *controlChannel) flush() error {
	for cc.pendingOut.Len() > 0 {
		items, err := cc.pendingOut.Peek()
		if err != nil {
			break
		}
		f := items.(*outFrame)
		var oob []byte
		if f.off == 0 && len(f.fds) > 0 {
			oob = unix.UnixRights(f.fds...)
		}
		n, err := unix.SendmsgN(cc.fd, f.buf.B[f.off:], oob, nil, 0)
		if err == unix.EAGAIN {
			return cc.armWrite(true)
		}
		if err != nil {
			return fmt.Errorf("ipc: control send: %w", err)
		}
		f.off += n
		if f.off < len(f.buf.B) {
			continue
		}
		if _, err := cc.pendingOut.Get(1); err == nil {
			bytebufferpool.Put(f.buf)
		}
	}
	return cc.armWrite(false)
}

func (cc *controlChannel) armWrite(want bool) error {
	if cc.wantWrite == want || cc.reg == nil {
		cc.wantWrite = want
		return nil
	}
	cc.wantWrite = want
	interest := api.EventReadable
	if want {
		interest |= api.EventWritable
	}
	return cc.reg.UpdateInterest(interest)
}

func (cc *controlChannel) onIOEvents(ev api.IOEvents) {
	if cc.closed {
		return
	}
	if ev.Writable() && cc.wantWrite {
		if err := cc.flush(); err != nil {
			cc.fail(err)
			return
		}
	}
	if ev.Readable() {
		cc.drainSocket()
	}
}

func (cc *controlChannel) fail(err error) {
	if cc.onError != nil && !cc.closed {
		cc.onError(err)
	}
}

func (cc *controlChannel) drainSocket() {
	var data [4096]byte
	var oob [256]byte
	for {
		if cc.closed {
			return
		}
		n, oobn, _, _, err := unix.Recvmsg(cc.fd, data[:], oob[:], 0)
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			cc.fail(fmt.Errorf("ipc: control recv: %w", err))
			return
		}
		if n == 0 {
			cc.fail(io.EOF)
			return
		}
		if oobn > 0 {
			cc.collectFDs(oob[:oobn])
		}
		cc.readBuf = append(cc.readBuf, data[:n]...)
		if err := cc.parseFrames(); err != nil {
			cc.fail(err)
			return
		}
	}
}

func (cc *controlChannel) collectFDs(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		cc.fail(fmt.Errorf("ipc: control ancillary data: %w", err))
		return
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		cc.pendingFDs = append(cc.pendingFDs, fds...)
	}
}

func (cc *controlChannel) parseFrames() error {
	for len(cc.readBuf) > 0 && !cc.closed {
		typ := cc.readBuf[0]
		if !isFramedControlType(typ) {
			cc.readBuf = cc.readBuf[1:]
			cc.onFrame(typ, nil, nil)
			continue
		}
		if len(cc.readBuf) < 3 {
			return nil
		}
		plen := int(binary.LittleEndian.Uint16(cc.readBuf[1:3]))
		if len(cc.readBuf) < 3+plen {
			return nil
		}
		want := ctrlFDCount(typ)
		if want > len(cc.pendingFDs) {
			// Payload arrived ahead of its descriptors; wait for them.
			return nil
		}
		payload := make([]byte, plen)
		copy(payload, cc.readBuf[3:3+plen])
		cc.readBuf = cc.readBuf[3+plen:]
		var fds []int
		if want > 0 {
			fds = cc.pendingFDs[:want]
			cc.pendingFDs = cc.pendingFDs[want:]
		}
		cc.onFrame(typ, payload, fds)
	}
	return nil
}

// peerCredentials returns the peer's pid/uid/gid as reported by the kernel
// for the control socket.
func (cc *controlChannel) peerCredentials() (*unix.Ucred, error) {
	cred, err := unix.GetsockoptUcred(cc.fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return nil, fmt.Errorf("ipc: SO_PEERCRED: %w", err)
	}
	return cred, nil
}
