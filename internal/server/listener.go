// Package server accepts monitor connections over raw TCP, frames and
// decodes one JSON message per connection, and hands the result to the
// persistence queue.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultAcceptPoll bounds each accept so the loop re-checks for stop.
	DefaultAcceptPoll = time.Second
	// DefaultGrace is how long shutdown waits for in-flight connections.
	// It exceeds DefaultIdleTimeout so a stalled read can finish.
	DefaultGrace = DefaultIdleTimeout + time.Second

	acceptBackoff = 50 * time.Millisecond
)

// Listener accepts connections and runs one Handler task per connection.
type Listener struct {
	addr    string
	handler *Handler
	logger  *slog.Logger

	// MaxConnections is advisory: it is logged at startup and not
	// enforced. Connections beyond it are still accepted.
	MaxConnections int
	AcceptPoll     time.Duration
	// Grace bounds the wait for in-flight handlers after stop. Negative
	// means do not wait.
	Grace time.Duration

	stopping atomic.Bool
	active   atomic.Int64

	readyOnce sync.Once
	ready     chan struct{}
	bound     net.Addr
}

// NewListener creates a listener for addr ("host:port"). logger may be nil.
func NewListener(addr string, handler *Handler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		addr:       addr,
		handler:    handler,
		logger:     logger,
		AcceptPoll: DefaultAcceptPoll,
		Grace:      DefaultGrace,
		ready:      make(chan struct{}),
	}
}

// Start binds, accepts until Stop is called or ctx is done, closes the
// socket, and waits up to Grace for in-flight connections. A bind failure
// is returned immediately.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", l.addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("bind %s: not a TCP listener", l.addr)
	}

	l.bound = ln.Addr()
	l.readyOnce.Do(func() { close(l.ready) })
	l.logger.Info("server started", "addr", l.bound.String(), "max_connections", l.MaxConnections)

	poll := l.AcceptPoll
	if poll <= 0 {
		poll = DefaultAcceptPoll
	}

	var group errgroup.Group
	for l.running(ctx) {
		tcpLn.SetDeadline(time.Now().Add(poll))
		conn, err := tcpLn.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || !l.running(ctx) {
				break
			}
			l.logger.Warn("accept failed", "error", err)
			time.Sleep(acceptBackoff)
			continue
		}

		l.logger.Debug("accepted connection", "peer", conn.RemoteAddr().String())
		l.active.Add(1)
		group.Go(func() error {
			defer l.active.Add(-1)
			l.handler.Handle(conn)
			return nil
		})
	}

	if err := tcpLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Warn("close server socket", "error", err)
	}
	l.logger.Info("server socket closed")

	l.awaitHandlers(&group)
	return nil
}

func (l *Listener) awaitHandlers(group *errgroup.Group) {
	if l.Grace < 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	timer := time.NewTimer(l.Grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		l.logger.Warn("in-flight connections still open after grace period", "active", l.active.Load())
	}
}

func (l *Listener) running(ctx context.Context) bool {
	return !l.stopping.Load() && ctx.Err() == nil
}

// Stop asks Start to return. Safe to call more than once and from any
// goroutine; takes effect within one AcceptPoll.
func (l *Listener) Stop() {
	l.stopping.Store(true)
}

// Ready is closed once the socket is bound.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address, or nil before Ready is closed.
func (l *Listener) Addr() net.Addr {
	select {
	case <-l.ready:
		return l.bound
	default:
		return nil
	}
}

// Active returns the number of connections currently being handled.
func (l *Listener) Active() int64 {
	return l.active.Load()
}
