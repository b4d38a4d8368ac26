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
	"fmt"
)

var (
	// ErrUninitialized reports an operation on a connection or stream that
	// is not in a state to serve it. Contract violation; never retried
	// internally.
	ErrUninitialized = errors.New("ipc: uninitialized")

	// ErrBusy reports that an operation cannot make progress right now:
	// insufficient queued bytes or space, or a second outstanding async
	// request of the same kind. Contract violation for async requests;
	// backpressure for sync ones.
	ErrBusy = errors.New("ipc: busy")

	// ErrSize reports a message that can never fit: larger than the ring
	// buffer capacity or above the protocol maximum.
	ErrSize = errors.New("ipc: message too large")

	// ErrProtocol reports a corrupted shared index or a malformed header.
	// Fatal to the connection; the only valid response is Close.
	ErrProtocol = errors.New("ipc: protocol violation")

	// ErrResourceExhausted reports a failed handle transfer or allocation.
	// Retryable by the caller.
	ErrResourceExhausted = errors.New("ipc: resource exhausted")

	// ErrClosed reports an operation on a closed connection.
	ErrClosed = errors.New("ipc: connection closed")

	// ErrNotificationRange reports a user notification value above
	// MaxNotification. Contract violation.
	ErrNotificationRange = errors.New("ipc: notification value out of range")
)

// DisconnectError reports that the peer ended the data path. The connection
// object stays usable for queries and Close.
type DisconnectError struct {
	// Abrupt is false for an orderly shutdown (peer announced the close and
	// all its data was drained first) and true when the peer vanished.
	Abrupt bool
}

func (e *DisconnectError) Error() string {
	if e.Abrupt {
		return "ipc: peer disconnected abruptly"
	}
	return "ipc: peer disconnected"
}

// IsDisconnect reports whether err is a peer disconnect, and if so whether
// it was abrupt.
func IsDisconnect(err error) (abrupt, ok bool) {
	var de *DisconnectError
	if errors.As(err, &de) {
		return de.Abrupt, true
	}
	return false, false
}

func protocolErrorf(format string, a ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrProtocol}, a...)...)
}
