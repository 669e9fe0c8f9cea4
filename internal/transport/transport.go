// Package transport defines the boundary between the reliability engine
// and whatever actually moves bytes between participants. Real sockets,
// discovery wire encoding, and security all live on the far side of
// this interface; this package exists so the rest of the engine can be
// exercised and demoed end-to-end against an in-process loopback
// implementation instead.
package transport

import (
	"sync"

	"github.com/rtps-core/ddsi/internal/rtps"
)

// ReceiveFunc is invoked for every datagram addressed to a locator the
// caller registered interest in.
type ReceiveFunc func(src rtps.Locator, data []byte)

// Transport sends datagrams to locators and delivers received ones to
// registered callbacks.
type Transport interface {
	Send(dst rtps.Locator, data []byte) error
	Register(self rtps.Locator, onReceive ReceiveFunc) error
	Close() error
}

// Loopback is an in-process Transport: every Send to a locator that has
// a registered receiver is delivered asynchronously (on its own
// goroutine, so Send never blocks on the receiver's processing). Useful
// for tests and the CLI's local smoke-test loop.
type Loopback struct {
	mu        sync.RWMutex
	receivers map[rtps.Locator]ReceiveFunc
	closed    bool
}

func NewLoopback() *Loopback {
	return &Loopback{receivers: make(map[rtps.Locator]ReceiveFunc)}
}

func (l *Loopback) Register(self rtps.Locator, onReceive ReceiveFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.receivers[self] = onReceive
	return nil
}

// Send delivers data to dst's registered receiver, if any, on a fresh
// goroutine. A locator with no receiver silently drops the datagram —
// real UDP offers no better guarantee.
func (l *Loopback) Send(dst rtps.Locator, data []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	fn, ok := l.receivers[dst]
	if !ok {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	go fn(dst, cp)
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.receivers = nil
	return nil
}

// ErrClosed is returned by Send/Register after Close.
var ErrClosed = closedError{}

type closedError struct{}

func (closedError) Error() string { return "transport: closed" }
