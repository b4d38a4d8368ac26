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

// writeResult is the outcome of one streamWriteMessage step.
type writeResult int

const (
	writeBlocked writeResult = iota
	writeProgressed
	writeDone
)

type writerState int

const (
	writerUninitialized writerState = iota
	writingCommonHeader
	writingSecondaryHeader
	writingData
	writerFinished
)

// messageWriter is the structural mirror of messageReader: an incremental
// state machine producing one message into the send ring, spread over as
// many reactor wakeups as backpressure requires.
type messageWriter struct {
	ch *Channel

	state writerState

	hdr     commonHeader
	sec     secondaryHeader
	payload []byte
	sent    uint32
}

func newMessageWriter(ch *Channel) *messageWriter {
	return &messageWriter{ch: ch}
}

// prepareStreamWrite resets the writer for one message. ErrSize if the
// payload exceeds the protocol maximum; unlike the datagram path, a message
// larger than the ring is fine here and streams across in pieces.
func (w *messageWriter) prepareStreamWrite(format FormatTag, sec secondaryHeader, payload []byte) error {
	hdr := commonHeader{payloadSize: uint32(len(payload)), format: format}
	if hdr.payloadSize > maxPayloadSize {
		return ErrSize
	}
	w.state = writingCommonHeader
	w.hdr = hdr
	w.sec = sec
	w.payload = payload
	w.sent = 0
	return nil
}

// startAsyncStreamWrite reports whether the send ring currently has room
// for the common header, so the caller can decide whether to request a
// writable notification before sleeping.
func (w *messageWriter) startAsyncStreamWrite() (bool, error) {
	if w.state != writingCommonHeader {
		return false, ErrUninitialized
	}
	if err := w.ch.refreshSend(); err != nil {
		return false, err
	}
	return w.ch.SendFreeSpace() >= commonHeaderSize, nil
}

func (w *messageWriter) reset() {
	w.state = writerUninitialized
	w.payload = nil
}

// idle reports whether no stream write is in flight.
func (w *messageWriter) idle() bool {
	return w.state == writerUninitialized || w.state == writerFinished
}

// streamWriteMessage advances as far as currently free space allows.
// Terminal and partial steps commit the send index; notify reports whether
// a data-available signal to the peer is warranted.
func (w *messageWriter) streamWriteMessage() (res writeResult, notify bool, err error) {
	if w.idle() {
		return writeBlocked, false, ErrUninitialized
	}
	if err := w.ch.refreshSend(); err != nil {
		w.reset()
		return writeBlocked, false, err
	}

	progressed := false
	for {
		switch w.state {
		case writingCommonHeader:
			stamped, err := w.ch.SendCommonHeader(w.hdr)
			if err == ErrBusy {
				return w.settle(progressed)
			}
			if err != nil {
				w.reset()
				return writeBlocked, false, err
			}
			w.hdr = stamped
			progressed = true
			if w.hdr.hasSecondary() {
				w.state = writingSecondaryHeader
			} else {
				w.state = writingData
			}

		case writingSecondaryHeader:
			if err := w.ch.SendSecondaryHeader(w.sec); err == ErrBusy {
				return w.settle(progressed)
			} else if err != nil {
				w.reset()
				return writeBlocked, false, err
			}
			progressed = true
			w.state = writingData

		case writingData:
			n := w.ch.SendPartOfData(w.payload[w.sent:])
			w.sent += n
			if n > 0 {
				progressed = true
			}
			if w.sent == uint32(len(w.payload)) {
				w.state = writerFinished
				return writeDone, w.ch.CommitSend(), nil
			}
			return w.settle(progressed)

		default:
			return writeBlocked, false, ErrUninitialized
		}
	}
}

// settle is the non-terminal return path: partial progress is still
// published so the peer can start draining.
func (w *messageWriter) settle(progressed bool) (writeResult, bool, error) {
	if !progressed {
		return writeBlocked, false, nil
	}
	return writeProgressed, w.ch.CommitSend(), nil
}

// sequence returns the stamped sequence number of the message in flight.
func (w *messageWriter) sequence() uint16 { return w.hdr.sequence }

// datagramWriteMessage is the all-or-nothing variant: the whole message is
// queued in one call or nothing is.
func (w *messageWriter) datagramWriteMessage(format FormatTag, sec secondaryHeader, payload []byte) (seq uint16, notify bool, err error) {
	if err = w.ch.refreshSend(); err != nil {
		return 0, false, err
	}
	hdr := commonHeader{format: format}
	stamped, err := w.ch.SendWholeMessage(hdr, sec, payload)
	if err != nil {
		return 0, false, err
	}
	return stamped.sequence, w.ch.CommitSend(), nil
}
