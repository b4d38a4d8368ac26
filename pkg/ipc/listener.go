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
	"fmt"
	"os"
	"strconv"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sys/unix"

	"github.com/safeipc/safeipc/api"
)

// Listener accepts SafeIPC connections on a unix socket. Each accepted
// control socket runs the server side of the handshake on the reactor; the
// OnConnection callback fires once a connection is fully established.
type Listener struct {
	mu      sync.Mutex
	reactor api.Reactor
	cfg     *Config
	log     *logger

	path   string
	fd     int
	reg    api.Registration
	closed bool

	onConnection func(*Connection, error)

	// conns tracks handshaking and established connections so Close can
	// tear them all down.
	conns cmap.ConcurrentMap[string, *Connection]
}

// Listen binds a unix stream socket at path and starts accepting. A stale
// socket file from a previous run is removed first. onConnection is invoked
// on the reactor for every completed (or failed) server handshake; the
// Connection is nil on failure.
func Listen(r api.Reactor, path string, cfg *Config, onConnection func(*Connection, error)) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen socket: %w", err)
	}
	_ = os.Remove(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ipc: bind %q: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ipc: listen %q: %w", path, err)
	}

	l := &Listener{
		reactor:      r,
		cfg:          cfg,
		log:          internalLogger,
		path:         path,
		fd:           fd,
		onConnection: onConnection,
		conns:        cmap.New[*Connection](),
	}
	reg, err := r.RegisterFD(fd, api.EventReadable, l.onReadable)
	if err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, err
	}
	l.reg = reg
	l.log.infof("safeipc listening on %s", path)
	return l, nil
}

// Path returns the unix socket path the listener is bound to.
func (l *Listener) Path() string { return l.path }

// onReadable accepts everything currently queued.
func (l *Listener) onReadable(api.IOEvents) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		fd := l.fd
		l.mu.Unlock()

		nfd, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.ECONNABORTED || err == unix.EINTR {
			continue
		}
		if err != nil {
			l.log.errorf("safeipc accept: %v", err)
			return
		}
		l.handleAccepted(nfd)
	}
}

func (l *Listener) handleAccepted(fd int) {
	key := strconv.Itoa(fd)
	conn, err := newServerConnection(l.reactor, fd, l.cfg, func(c *Connection, err error) {
		if err != nil {
			l.conns.Remove(key)
			l.log.warnf("safeipc handshake failed: %v", err)
			_ = c.Close()
			l.notify(nil, err)
			return
		}
		l.notify(c, nil)
	})
	if err != nil {
		l.notify(nil, err)
		return
	}
	conn.mu.Lock()
	conn.onClosed = func() { l.conns.Remove(key) }
	conn.mu.Unlock()
	l.conns.Set(key, conn)
}

func (l *Listener) notify(c *Connection, err error) {
	l.mu.Lock()
	cb := l.onConnection
	closed := l.closed
	l.mu.Unlock()
	if closed || cb == nil {
		if c != nil {
			_ = c.Close()
		}
		return
	}
	cb(c, err)
}

// ConnectionCount reports the number of tracked connections, including
// those still handshaking.
func (l *Listener) ConnectionCount() int {
	return l.conns.Count()
}

// Close stops accepting, removes the socket file and closes every tracked
// connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	reg := l.reg
	fd := l.fd
	l.mu.Unlock()

	if reg != nil {
		_ = reg.Deregister()
	}
	_ = unix.Close(fd)
	_ = os.Remove(l.path)
	for item := range l.conns.IterBuffered() {
		_ = item.Val.Close()
	}
	l.conns.Clear()
	l.log.infof("safeipc listener on %s closed", l.path)
	return nil
}
