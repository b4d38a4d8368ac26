//go:build linux

// Package reactor provides the default poll(2)-based Reactor used by the
// SafeIPC examples and tests. Callbacks are delivered through a single-worker
// dispatch pool, so all callbacks of one reactor are serialized.
package reactor

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sys/unix"

	"github.com/safeipc/safeipc/api"
)

// ErrShutdown is returned by operations on a reactor that has been shut down.
var ErrShutdown = errors.New("reactor: shut down")

type fdRegistration struct {
	r        *Reactor
	fd       int
	cb       func(api.IOEvents)
	interest atomic.Uint32
	gone     atomic.Bool
}

type softEvent struct {
	r         *Reactor
	id        uint64
	cb        func()
	triggered atomic.Bool
	gone      atomic.Bool
}

// Reactor multiplexes fd readiness and software events onto one poll loop.
type Reactor struct {
	fds    cmap.ConcurrentMap[string, *fdRegistration]
	events cmap.ConcurrentMap[string, *softEvent]

	wakeR, wakeW int

	pool *ants.Pool

	nextEventID atomic.Uint64
	closed      atomic.Bool
	done        chan struct{}
	wg          sync.WaitGroup
}

// New starts a reactor and its poll loop.
func New() (*Reactor, error) {
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(1)
	if err != nil {
		_ = unix.Close(pipe[0])
		_ = unix.Close(pipe[1])
		return nil, err
	}
	r := &Reactor{
		fds:    cmap.New[*fdRegistration](),
		events: cmap.New[*softEvent](),
		wakeR:  pipe[0],
		wakeW:  pipe[1],
		pool:   pool,
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r, nil
}

// RegisterFD implements api.Reactor.
func (r *Reactor) RegisterFD(fd int, interest api.IOEvents, cb func(api.IOEvents)) (api.Registration, error) {
	if r.closed.Load() {
		return nil, ErrShutdown
	}
	reg := &fdRegistration{r: r, fd: fd, cb: cb}
	reg.interest.Store(uint32(interest))
	if !r.fds.SetIfAbsent(strconv.Itoa(fd), reg) {
		return nil, errors.New("reactor: fd already registered")
	}
	r.wake()
	return reg, nil
}

// NewEvent implements api.Reactor.
func (r *Reactor) NewEvent(cb func()) (api.Event, error) {
	if r.closed.Load() {
		return nil, ErrShutdown
	}
	ev := &softEvent{r: r, id: r.nextEventID.Add(1), cb: cb}
	r.events.Set(strconv.FormatUint(ev.id, 10), ev)
	return ev, nil
}

// Shutdown implements api.Reactor. Pending callbacks are drained before the
// dispatch pool is released.
func (r *Reactor) Shutdown() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.wake()
	r.wg.Wait()
	r.pool.Release()
	_ = unix.Close(r.wakeR)
	_ = unix.Close(r.wakeW)
	return nil
}

func (r *Reactor) wake() {
	var b [1]byte
	_, _ = unix.Write(r.wakeW, b[:])
}

func (r *Reactor) dispatch(fn func()) {
	if err := r.pool.Submit(fn); err != nil {
		// Pool released during shutdown; the callback is dropped.
		return
	}
}

func (r *Reactor) loop() {
	defer r.wg.Done()
	defer close(r.done)
	for {
		if r.closed.Load() {
			return
		}

		pollfds := []unix.PollFd{{Fd: int32(r.wakeR), Events: unix.POLLIN}}
		regs := make([]*fdRegistration, 1, r.fds.Count()+1)
		for _, reg := range r.fds.Items() {
			interest := api.IOEvents(reg.interest.Load())
			if interest == 0 || reg.gone.Load() {
				continue
			}
			var ev int16
			if interest.Readable() {
				ev |= unix.POLLIN
			}
			if interest.Writable() {
				ev |= unix.POLLOUT
			}
			pollfds = append(pollfds, unix.PollFd{Fd: int32(reg.fd), Events: ev})
			regs = append(regs, reg)
		}

		n, err := unix.Poll(pollfds, 100)
		if err != nil && err != unix.EINTR {
			return
		}
		if n <= 0 {
			continue
		}

		if pollfds[0].Revents != 0 {
			r.drainWakePipe()
			r.fireTriggeredEvents()
		}
		for i := 1; i < len(pollfds); i++ {
			re := pollfds[i].Revents
			if re == 0 {
				continue
			}
			reg := regs[i]
			if reg.gone.Load() {
				continue
			}
			var got api.IOEvents
			if re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				got |= api.EventReadable
			}
			if re&(unix.POLLOUT|unix.POLLERR) != 0 {
				got |= api.EventWritable
			}
			got &= api.IOEvents(reg.interest.Load()) | api.EventReadable
			if got == 0 {
				continue
			}
			r.dispatch(func() {
				if !reg.gone.Load() {
					reg.cb(got)
				}
			})
		}
	}
}

func (r *Reactor) drainWakePipe() {
	var buf [64]byte
	for {
		if _, err := unix.Read(r.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (r *Reactor) fireTriggeredEvents() {
	for _, ev := range r.events.Items() {
		if ev.triggered.CompareAndSwap(true, false) && !ev.gone.Load() {
			cb := ev.cb
			r.dispatch(cb)
		}
	}
}

// UpdateInterest implements api.Registration.
func (f *fdRegistration) UpdateInterest(interest api.IOEvents) error {
	if f.gone.Load() {
		return errors.New("reactor: registration removed")
	}
	f.interest.Store(uint32(interest))
	f.r.wake()
	return nil
}

// Deregister implements api.Registration.
func (f *fdRegistration) Deregister() error {
	f.gone.Store(true)
	f.r.fds.Remove(strconv.Itoa(f.fd))
	f.r.wake()
	return nil
}

// Trigger implements api.Event.
func (e *softEvent) Trigger() {
	e.triggered.Store(true)
	e.r.wake()
}

// Cancel implements api.Event.
func (e *softEvent) Cancel() error {
	e.gone.Store(true)
	e.r.events.Remove(strconv.FormatUint(e.id, 10))
	return nil
}
