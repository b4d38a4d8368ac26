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

// readResult is the outcome of one streamReadMessage step.
type readResult int

const (
	// readBlocked: no progress was possible; wait for more queued bytes.
	readBlocked readResult = iota
	// readProgressed: some bytes were consumed but the message is not done.
	readProgressed
	// readDone: the whole message was delivered.
	readDone
	// readDoneTruncated: the message finished but only a prefix fit the
	// caller's buffer; the remainder was drained from the ring.
	readDoneTruncated
)

type readerState int

const (
	readerUninitialized readerState = iota
	readingCommonHeader
	readingSecondaryHeader
	readingData
	discardingData
	readerFinished
)

// bufferProvider lazily supplies destination buffers once the message size
// is known. In whole-message mode it is invoked once with the full payload
// size; in chunkwise mode it is invoked before every chunk with the bytes
// still outstanding. Returning nil abandons the read (for example when the
// caller closed inside a callback).
type bufferProvider func(remaining uint32) []byte

// chunkSink receives each filled chunk in chunkwise mode. The final chunk is
// flagged so the consumer can finish without another provider round trip.
type chunkSink func(chunk []byte, last bool)

// messageReader is the per-direction incremental state machine that turns
// Channel primitives into "read one message", supporting whole-message and
// chunked transfer with truncation handling.
type messageReader struct {
	ch *Channel

	state     readerState
	chunkwise bool
	provide   bufferProvider
	sink      chunkSink

	hdr       commonHeader
	sec       secondaryHeader
	hasSec    bool
	buf       []byte
	filled    uint32 // bytes written into buf
	received  uint32 // payload bytes consumed from the ring
	truncated bool
}

func newMessageReader(ch *Channel) *messageReader {
	return &messageReader{ch: ch}
}

// prepareStreamRead resets the reader to its initial state and stores the
// destination-buffer callbacks.
func (r *messageReader) prepareStreamRead(provide bufferProvider, sink chunkSink, chunkwise bool) {
	r.state = readingCommonHeader
	r.chunkwise = chunkwise
	r.provide = provide
	r.sink = sink
	r.hdr = commonHeader{}
	r.sec = secondaryHeader{}
	r.hasSec = false
	r.buf = nil
	r.filled = 0
	r.received = 0
	r.truncated = false
}

// startAsyncStreamRead reports whether a common header is already queued,
// so the caller can decide whether a readable notification request is
// needed before going asleep.
func (r *messageReader) startAsyncStreamRead() (bool, error) {
	if r.state != readingCommonHeader {
		return false, ErrUninitialized
	}
	if err := r.ch.refreshRecv(); err != nil {
		return false, err
	}
	return r.ch.IsCommonHeaderAvailable(), nil
}

func (r *messageReader) reset() {
	r.state = readerUninitialized
	r.provide = nil
	r.sink = nil
	r.buf = nil
}

// header returns the common header of the message being read. Valid once
// the state machine has passed readingCommonHeader.
func (r *messageReader) header() commonHeader { return r.hdr }

// secondary returns the secondary header and whether one was present.
func (r *messageReader) secondary() (secondaryHeader, bool) { return r.sec, r.hasSec }

// streamReadMessage advances as far as currently available bytes allow.
// Terminal steps commit the receive index; notify reports whether a
// space-available signal to the peer is now worthwhile.
func (r *messageReader) streamReadMessage() (res readResult, notify bool, err error) {
	if r.state == readerUninitialized || r.state == readerFinished {
		return readBlocked, false, ErrUninitialized
	}
	if err := r.ch.refreshRecv(); err != nil {
		r.reset()
		return readBlocked, false, err
	}

	progressed := false
	for {
		switch r.state {
		case readingCommonHeader:
			hdr, err := r.ch.ReceiveCommonHeader()
			if err == ErrBusy {
				return r.settle(progressed)
			}
			if err != nil {
				r.reset()
				return readBlocked, false, err
			}
			r.hdr = hdr
			progressed = true
			if hdr.hasSecondary() {
				r.state = readingSecondaryHeader
			} else if err := r.acquireBuffer(); err != nil {
				return readBlocked, false, err
			}

		case readingSecondaryHeader:
			sec, err := r.ch.ReceiveSecondaryHeader()
			if err == ErrBusy {
				return r.settle(progressed)
			}
			if err != nil {
				r.reset()
				return readBlocked, false, err
			}
			r.sec = sec
			r.hasSec = true
			progressed = true
			if err := r.acquireBuffer(); err != nil {
				return readBlocked, false, err
			}

		case readingData:
			remaining := r.hdr.payloadSize - r.received
			space := uint32(len(r.buf)) - r.filled
			want := remaining
			if want > space {
				want = space
			}
			n := r.ch.ReceivePartOfData(want, r.buf[r.filled:])
			r.filled += n
			r.received += n
			if n > 0 {
				progressed = true
			}
			switch {
			case r.received == r.hdr.payloadSize:
				r.deliverChunk(true)
				r.state = readerFinished
				return r.finish(false)
			case r.filled == uint32(len(r.buf)):
				r.deliverChunk(false)
				if r.chunkwise {
					// Next chunk needs a fresh buffer.
					if err := r.acquireBuffer(); err != nil {
						return readBlocked, false, err
					}
				} else {
					// Whole-message buffer exhausted: truncate and drain.
					r.truncated = true
					r.state = discardingData
				}
			case n == 0:
				return r.settle(progressed)
			}

		case discardingData:
			remaining := r.hdr.payloadSize - r.received
			n := r.ch.DiscardRestOfData(remaining)
			r.received += n
			if n > 0 {
				progressed = true
			}
			if r.received == r.hdr.payloadSize {
				r.state = readerFinished
				return r.finish(true)
			}
			return r.settle(progressed)

		default:
			return readBlocked, false, ErrUninitialized
		}
	}
}

// acquireBuffer asks the provider for the next destination buffer. A nil or
// empty buffer abandons the read and resets the state machine to
// uninitialized; an empty buffer could otherwise never make progress.
func (r *messageReader) acquireBuffer() error {
	remaining := r.hdr.payloadSize - r.received
	if remaining == 0 {
		// Zero-length payload still needs a destination slot decision but
		// no bytes; an empty buffer is fine.
		r.buf = nil
		r.filled = 0
		r.state = readingData
		return nil
	}
	buf := r.provide(remaining)
	if len(buf) == 0 {
		r.reset()
		return ErrUninitialized
	}
	r.buf = buf
	r.filled = 0
	r.state = readingData
	return nil
}

func (r *messageReader) deliverChunk(last bool) {
	if r.sink != nil && (r.filled > 0 || last) {
		r.sink(r.buf[:r.filled], last)
	}
}

// settle is the non-terminal return path: partial progress still publishes
// the consumed bytes.
func (r *messageReader) settle(progressed bool) (readResult, bool, error) {
	if !progressed {
		return readBlocked, false, nil
	}
	return readProgressed, r.ch.CommitReceive(), nil
}

// finish commits the read and reports whether the peer should be signalled.
func (r *messageReader) finish(truncated bool) (readResult, bool, error) {
	notify := r.ch.CommitReceive()
	if truncated || r.truncated {
		return readDoneTruncated, notify, nil
	}
	return readDone, notify, nil
}

// peekCommonMessageHeader exposes the header of the next queued message
// without consuming it, for PendingMessageSize and the datagram path.
func (r *messageReader) peekCommonMessageHeader() (commonHeader, error) {
	if err := r.ch.refreshRecv(); err != nil {
		return commonHeader{}, err
	}
	return r.ch.PeekCommonHeader()
}

// datagramReadMessage is the non-streaming all-or-nothing variant used when
// the caller supplies one complete buffer upfront.
func (r *messageReader) datagramReadMessage(dst []byte) (hdr commonHeader, sec secondaryHeader, n uint32, truncated, notify bool, err error) {
	if err = r.ch.refreshRecv(); err != nil {
		return commonHeader{}, secondaryHeader{}, 0, false, false, err
	}
	hdr, sec, n, truncated, err = r.ch.ReceiveWholeMessage(dst)
	if err != nil {
		return commonHeader{}, secondaryHeader{}, 0, false, false, err
	}
	notify = r.ch.CommitReceive()
	return hdr, sec, n, truncated, notify, nil
}
