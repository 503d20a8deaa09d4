//go:build linux

// Package eventloop multiplexes file-descriptor readiness for device
// backends: eventfd kicks, timerfd timers and backing-I/O completion
// fds. Each loop is single-threaded; a callback runs to completion
// before the next wait, so handlers for one loop never race each
// other. Devices with blocking backends get a loop of their own.
package eventloop

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var ErrLoopClosed = errors.New("event loop closed")

// Event is an eventfd: a kickable, counter-backed wakeup source. It
// doubles as the irqfd handed to the hypervisor for interrupt
// delivery.
type Event struct {
	fd int
}

func NewEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Event{fd: fd}, nil
}

func (e *Event) FD() int { return e.fd }

// Signal increments the counter, waking any loop watching the fd.
func (e *Event) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil && err != unix.EAGAIN {
			return fmt.Errorf("eventfd signal: %w", err)
		}
		return nil
	}
}

// Clear drains the counter, returning the number of signals
// coalesced since the last clear.
func (e *Event) Clear() (uint64, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("eventfd clear: %w", err)
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
}

func (e *Event) Close() error {
	return unix.Close(e.fd)
}

// Timer is a timerfd watched by a loop.
type Timer struct {
	fd int
}

func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd: %w", err)
	}
	return &Timer{fd: fd}, nil
}

func (t *Timer) FD() int { return t.fd }

// Arm schedules the timer to fire after the given delay, then every
// interval (0 for one-shot).
func (t *Timer) Arm(after, interval time.Duration) error {
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(after.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd arm: %w", err)
	}
	return nil
}

// Clear consumes the expiration count; callbacks call it so the fd
// stops polling ready.
func (t *Timer) Clear() (uint64, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(t.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("timerfd clear: %w", err)
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
}

func (t *Timer) Close() error {
	return unix.Close(t.fd)
}

// Loop is one epoll instance plus its callback table.
type Loop struct {
	name string
	epfd int
	wake *Event

	mu       sync.Mutex
	cond     *sync.Cond
	handlers map[int]func() error
	paused   bool
	parked   bool
	stopped  bool
	closed   bool
}

func New(name string) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	wake, err := NewEvent()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	l := &Loop{
		name:     name,
		epfd:     epfd,
		wake:     wake,
		handlers: make(map[int]func() error),
	}
	l.cond = sync.NewCond(&l.mu)
	if err := l.watch(wake.FD()); err != nil {
		wake.Close()
		unix.Close(epfd)
		return nil, err
	}
	return l, nil
}

func (l *Loop) watch(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

// AddFD registers fn to run when fd is readable. fn runs on the loop
// goroutine and must consume the readiness (read the fd) before
// returning.
func (l *Loop) AddFD(fd int, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLoopClosed
	}
	if _, ok := l.handlers[fd]; ok {
		return fmt.Errorf("event loop %s: fd %d already registered", l.name, fd)
	}
	if err := l.watch(fd); err != nil {
		return err
	}
	l.handlers[fd] = fn
	return nil
}

// RemoveFD unregisters fd. Safe against a concurrent dispatch: the
// callback may run one final time.
func (l *Loop) RemoveFD(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.handlers[fd]; !ok {
		return fmt.Errorf("event loop %s: fd %d not registered", l.name, fd)
	}
	delete(l.handlers, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll del fd %d: %w", fd, err)
	}
	return nil
}

// Run dispatches readiness callbacks until ctx is cancelled. Each
// callback runs to completion before the next wait; a callback error
// stops the loop and is returned. Between dispatch rounds the loop
// checks for a pause request and parks until resumed.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.cond.Broadcast()
		l.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
		if err := l.wake.Signal(); err != nil {
			slog.Error("event loop wakeup failed", "loop", l.name, "err", err)
		}
	})
	defer stop()

	events := make([]unix.EpollEvent, 32)
	for {
		l.mu.Lock()
		for l.paused && ctx.Err() == nil {
			l.parked = true
			l.cond.Broadcast()
			l.cond.Wait()
		}
		l.parked = false
		l.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("event loop %s: epoll wait: %w", l.name, err)
		}

		for _, ev := range events[:n] {
			fd := int(ev.Fd)
			if fd == l.wake.FD() {
				if _, err := l.wake.Clear(); err != nil {
					return err
				}
				continue
			}

			l.mu.Lock()
			fn := l.handlers[fd]
			l.mu.Unlock()
			if fn == nil {
				continue
			}
			if err := fn(); err != nil {
				return fmt.Errorf("event loop %s: fd %d: %w", l.name, fd, err)
			}
		}
	}
}

// Pause parks the loop at its next checkpoint, between dispatch
// rounds, and returns once the loop reports parked. A callback
// already running completes first; pending fds stay readable and are
// dispatched after Resume. Pausing a stopped loop returns
// immediately.
func (l *Loop) Pause() {
	l.mu.Lock()
	first := !l.paused
	l.paused = true
	l.mu.Unlock()

	if first {
		if err := l.wake.Signal(); err != nil {
			slog.Error("event loop wakeup failed", "loop", l.name, "err", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for !l.parked && !l.stopped {
		l.cond.Wait()
	}
}

// Resume releases a paused loop. parked is cleared here so an
// immediate re-Pause waits for a fresh park instead of trusting the
// stale flag.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.parked = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Close releases the epoll instance. Registered fds belong to their
// owners and stay open.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := unix.Close(l.epfd); err != nil {
		return err
	}
	return l.wake.Close()
}
