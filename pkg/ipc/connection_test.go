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
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/safeipc/safeipc/api"
	"github.com/safeipc/safeipc/internal/reactor"
)

const testTimeout = 5 * time.Second

// rig spins up a reactor with a listener and one fully established
// client/server connection pair.
type rig struct {
	r      *reactor.Reactor
	ln     *Listener
	client *Connection
	server *Connection
}

func newRig(t *testing.T, cfg *Config) *rig {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	sock := filepath.Join(t.TempDir(), "ipc.sock")

	serverCh := make(chan *Connection, 1)
	hsErrCh := make(chan error, 1)
	ln, err := Listen(r, sock, cfg, func(c *Connection, err error) {
		if err != nil {
			hsErrCh <- err
			return
		}
		serverCh <- c
	})
	require.NoError(t, err)

	client := NewConnection(r, cfg)
	connected := make(chan error, 1)
	require.NoError(t, client.ConnectAsync(sock, func(err error) { connected <- err }))

	select {
	case err := <-connected:
		require.NoError(t, err)
	case err := <-hsErrCh:
		t.Fatalf("server handshake failed: %v", err)
	case <-time.After(testTimeout):
		t.Fatal("connect timed out")
	}
	var server *Connection
	select {
	case server = <-serverCh:
	case <-time.After(testTimeout):
		t.Fatal("accept timed out")
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = ln.Close()
		_ = r.Shutdown()
	})
	return &rig{r: r, ln: ln, client: client, server: server}
}

// waitPending polls until the connection reports a queued message.
func waitPending(t *testing.T, c *Connection) uint32 {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		n, err := c.PendingMessageSize()
		if err == nil {
			return n
		}
		if !errors.Is(err, ErrBusy) {
			t.Fatalf("pending message size: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no message arrived")
	return 0
}

func TestConnectionEchoRoundTrip(t *testing.T) {
	rg := newRig(t, DefaultConfig())

	payload := []byte("ping over shared memory")
	require.NoError(t, rg.client.SendSync(Message{Payload: payload}))

	buf := make([]byte, 128)
	got := make(chan int, 1)
	require.NoError(t, rg.server.ReceiveAsync(ReceivePlain(buf, func(n int, truncated bool, err error) {
		require.NoError(t, err)
		require.False(t, truncated)
		got <- n
	})))
	select {
	case n := <-got:
		assert.Equal(t, payload, buf[:n])
	case <-time.After(testTimeout):
		t.Fatal("server receive timed out")
	}

	// And back the other way.
	require.NoError(t, rg.server.SendSync(Message{Payload: []byte("pong")}))
	assert.Equal(t, uint32(4), waitPending(t, rg.client))
	n, truncated, handle, err := rg.client.ReceiveSync(buf)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Nil(t, handle)
	assert.Equal(t, []byte("pong"), buf[:n])
}

func TestReceiveSyncTruncatesAndStaysFramed(t *testing.T) {
	rg := newRig(t, DefaultConfig())

	require.NoError(t, rg.client.SendSync(Message{Payload: []byte("0123456789")}))
	waitPending(t, rg.server)

	small := make([]byte, 5)
	n, truncated, _, err := rg.server.ReceiveSync(small)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, truncated)
	assert.Equal(t, []byte("01234"), small)

	// The remainder was drained; the next message parses cleanly.
	require.NoError(t, rg.client.SendSync(Message{Payload: []byte("next")}))
	assert.Equal(t, uint32(4), waitPending(t, rg.server))
}

func TestSecondAsyncReceiveIsBusy(t *testing.T) {
	rg := newRig(t, DefaultConfig())

	buf := make([]byte, 16)
	require.NoError(t, rg.server.ReceiveAsync(ReceivePlain(buf, func(int, bool, error) {})))
	err := rg.server.ReceiveAsync(ReceivePlain(buf, func(int, bool, error) {}))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSecondAsyncSendIsBusy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBufferSize = 4096
	cfg.RecvBufferSize = 4096
	rg := newRig(t, cfg)

	// A payload larger than the ring keeps the first async send in
	// flight until the peer drains.
	big := make([]byte, 64<<10)
	require.NoError(t, rg.client.SendAsync(Message{Payload: big}, func(error) {}))
	err := rg.client.SendAsync(Message{Payload: []byte("x")}, func(error) {})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestAsyncStreamLargerThanRing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBufferSize = 4096
	cfg.RecvBufferSize = 4096
	rg := newRig(t, cfg)

	payload := make([]byte, 64<<10)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	sent := make(chan error, 1)
	require.NoError(t, rg.client.SendAsync(Message{Payload: payload}, func(err error) { sent <- err }))

	var got bytes.Buffer
	done := make(chan error, 1)
	require.NoError(t, rg.server.ReceiveAsync(ReceiveChunkwise(
		func(remaining uint32) []byte { return make([]byte, 1024) },
		func(chunk []byte, last bool) { got.Write(chunk) },
		func(truncated bool, err error) {
			if err == nil && truncated {
				err = errors.New("unexpected truncation")
			}
			done <- err
		},
	)))

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("send timed out")
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("receive timed out")
	}
	assert.Equal(t, payload, got.Bytes())
}

func TestNotificationRoundTrip(t *testing.T) {
	rg := newRig(t, DefaultConfig())

	got := make(chan byte, 1)
	rg.server.RegisterNotificationCallback(func(value byte) { got <- value })
	require.NoError(t, rg.client.SendNotification(7))

	select {
	case v := <-got:
		assert.Equal(t, byte(7), v)
	case <-time.After(testTimeout):
		t.Fatal("notification not delivered")
	}

	assert.ErrorIs(t, rg.client.SendNotification(MaxNotification+1), ErrNotificationRange)
}

func TestPeerIdentitySameProcess(t *testing.T) {
	rg := newRig(t, DefaultConfig())

	pid, err := rg.server.PeerProcessID()
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), pid)

	id, err := rg.client.PeerIdentity()
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), id.PID)
	assert.Equal(t, uint32(os.Getuid()), id.UID)

	level, err := rg.client.CheckPeerIntegrityLevel()
	require.NoError(t, err)
	if os.Getuid() == 0 {
		assert.Equal(t, api.IntegritySystem, level)
	} else {
		assert.Equal(t, api.IntegrityUser, level)
	}
}

func TestOrderlyCloseDeliversDisconnect(t *testing.T) {
	rg := newRig(t, DefaultConfig())

	done := make(chan error, 1)
	buf := make([]byte, 16)
	require.NoError(t, rg.server.ReceiveAsync(ReceivePlain(buf, func(n int, truncated bool, err error) {
		done <- err
	})))

	require.NoError(t, rg.client.Close())

	select {
	case err := <-done:
		abrupt, ok := IsDisconnect(err)
		require.True(t, ok, "want disconnect, got %v", err)
		assert.False(t, abrupt)
	case <-time.After(testTimeout):
		t.Fatal("disconnect not delivered")
	}
	// Queries keep working after the peer is gone.
	assert.True(t, rg.server.IsOpen())
	_, err := rg.server.PeerProcessID()
	assert.NoError(t, err)
}

func TestSendAfterPeerCloseIsDisconnectError(t *testing.T) {
	rg := newRig(t, DefaultConfig())
	require.NoError(t, rg.client.Close())

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		err := rg.server.SendSync(Message{Payload: []byte("into the void")})
		if _, ok := IsDisconnect(err); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("send kept succeeding after peer close")
}

func TestHandshakeAbortedByPeer(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	defer r.Shutdown()
	sock := filepath.Join(t.TempDir(), "ipc.sock")

	hsErr := make(chan error, 1)
	ln, err := Listen(r, sock, DefaultConfig(), func(c *Connection, err error) {
		if err != nil {
			hsErr <- err
		}
	})
	require.NoError(t, err)
	defer ln.Close()

	// Raw transport connect with no Hello1, then hang up.
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Connect(fd, &unix.SockaddrUnix{Name: sock}))
	_ = unix.Close(fd)

	select {
	case err := <-hsErr:
		assert.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatal("aborted handshake not reported")
	}
	assert.Equal(t, 0, ln.ConnectionCount())
}

func TestConnectAsyncTwiceIsBusy(t *testing.T) {
	rg := newRig(t, DefaultConfig())
	err := rg.client.ConnectAsync("/nonexistent.sock", func(error) {})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestCloseIsIdempotent(t *testing.T) {
	rg := newRig(t, DefaultConfig())
	require.NoError(t, rg.client.Close())
	require.NoError(t, rg.client.Close())
	assert.False(t, rg.client.IsOpen())
}

func TestCloseAndAssertPanicsInsideCallback(t *testing.T) {
	rg := newRig(t, DefaultConfig())

	require.NoError(t, rg.client.SendSync(Message{Payload: []byte("x")}))
	panicked := make(chan bool, 1)
	buf := make([]byte, 16)
	require.NoError(t, rg.server.ReceiveAsync(ReceivePlain(buf, func(int, bool, error) {
		defer func() { panicked <- recover() != nil }()
		rg.server.CloseAndAssertNoCallbackExecuting()
	})))

	select {
	case p := <-panicked:
		assert.True(t, p, "close inside a callback must panic")
	case <-time.After(testTimeout):
		t.Fatal("callback never ran")
	}
}

func TestConnectFailureReachesCallback(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	defer r.Shutdown()

	cfg := DefaultConfig()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 50 * time.Millisecond
	cfg.DialBackoff = b

	c := NewConnection(r, cfg)
	errCh := make(chan error, 1)
	path := filepath.Join(t.TempDir(), "absent.sock")
	require.NoError(t, c.ConnectAsync(path, func(err error) { errCh <- err }))

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatal("transport connect failure not reported")
	}
	assert.False(t, c.IsOpen())
	require.NoError(t, c.Close())
}

// newMemfd backs a MemoryHandle with an anonymous file holding content.
func newMemfd(t *testing.T, content []byte) int {
	t.Helper()
	fd, err := unix.MemfdCreate("handle", unix.MFD_CLOEXEC)
	require.NoError(t, err)
	_, err = unix.Pwrite(fd, content, 0)
	require.NoError(t, err)
	return fd
}

type handleResult struct {
	n      int
	handle *MemoryHandle
	err    error
}

func TestMemoryHandleTravelsWithMessage(t *testing.T) {
	rg := newRig(t, DefaultConfig())

	content := []byte("shared bytes")
	mfd := newMemfd(t, content)
	defer unix.Close(mfd)

	got := make(chan handleResult, 1)
	buf := make([]byte, 64)
	require.NoError(t, rg.server.ReceiveAsync(ReceiveWithHandle(buf, func(n int, truncated bool, h *MemoryHandle, err error) {
		got <- handleResult{n, h, err}
	})))

	require.NoError(t, rg.client.SendSync(Message{
		Payload: []byte("with attachment"),
		Handle:  &MemoryHandle{FD: mfd, Access: AccessReadOnly},
	}))

	select {
	case res := <-got:
		require.NoError(t, res.err)
		require.NotNil(t, res.handle)
		assert.Equal(t, AccessReadOnly, res.handle.Access)
		assert.Equal(t, "with attachment", string(buf[:res.n]))
		back := make([]byte, len(content))
		_, err := unix.Pread(res.handle.FD, back, 0)
		require.NoError(t, err)
		assert.Equal(t, content, back)
		require.NoError(t, unix.Close(res.handle.FD))
	case <-time.After(testTimeout):
		t.Fatal("handle message not delivered")
	}
}

func TestHandleFrameTrailingDataParksReceive(t *testing.T) {
	rg := newRig(t, DefaultConfig())

	content := []byte("late descriptor")
	mfd := newMemfd(t, content)
	defer unix.Close(mfd)

	got := make(chan handleResult, 1)
	buf := make([]byte, 64)
	require.NoError(t, rg.server.ReceiveAsync(ReceiveWithHandle(buf, func(n int, truncated bool, h *MemoryHandle, err error) {
		got <- handleResult{n, h, err}
	})))

	// Commit the data ahead of its descriptor frame, the reverse of the
	// normal send order.
	rg.client.mu.Lock()
	sec := secondaryHeader{handleType: HandleSharedMemory, accessMode: AccessReadOnly}
	_, _, err := rg.client.writer.datagramWriteMessage(FormatWithHandle, sec, []byte("payload"))
	if err == nil {
		rg.client.signal(ctrlDataAvailable)
	}
	rg.client.finishLocked()
	require.NoError(t, err)

	// The receive parks until the descriptor shows up.
	select {
	case <-got:
		t.Fatal("receive completed without its descriptor")
	case <-time.After(100 * time.Millisecond):
	}

	rg.client.mu.Lock()
	err = rg.client.sendHandleFrame(&MemoryHandle{FD: mfd, Access: AccessReadOnly})
	rg.client.finishLocked()
	require.NoError(t, err)

	select {
	case res := <-got:
		require.NoError(t, res.err)
		require.NotNil(t, res.handle)
		assert.Equal(t, "payload", string(buf[:res.n]))
		back := make([]byte, len(content))
		_, rerr := unix.Pread(res.handle.FD, back, 0)
		require.NoError(t, rerr)
		assert.Equal(t, content, back)
		require.NoError(t, unix.Close(res.handle.FD))
	case <-time.After(testTimeout):
		t.Fatal("parked receive never completed")
	}
}
