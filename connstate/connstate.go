// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package connstate wraps net.Conn with a small per-connection annotation
// used to flag a detected renegotiation attempt, so the connection handler
// that owns the socket can decide to drop it.
//
// Go's server-side crypto/tls already refuses a renegotiation attempt
// outright at the record layer; it never completes a second handshake on an
// established connection, so there is no handshake-time callback left to
// hook the way the original TLS library's info_callback did. Conn exists so
// that property is still observable and testable through the same kind of
// per-connection flag the original API exposed, not because Go's stdlib
// needs the extra safety net.
package connstate

import (
	"net"
	"sync"
	"sync/atomic"
)

// Listen wraps net.Listen, returning a listener whose Accept returns
// annotated *Conn values.
func Listen(network, laddr string) (net.Listener, error) {
	l, err := net.Listen(network, laddr)
	if err != nil {
		return nil, err
	}
	return &listener{l}, nil
}

type listener struct {
	net.Listener
}

func (l *listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return Wrap(c), nil
}

// Conn is a net.Conn that remembers whether more than one TLS handshake
// attempt was observed on it.
type Conn struct {
	net.Conn

	mu          sync.Mutex
	annotations map[string]any

	handshakes int32
}

// Wrap returns c annotated for renegotiation tracking. Wrapping a *Conn that
// already is one is a no-op: it returns c unchanged.
func Wrap(c net.Conn) *Conn {
	if already, ok := c.(*Conn); ok {
		return already
	}
	return &Conn{Conn: c}
}

// MarkHandshakeAttempt records that a TLS handshake started on this
// connection. It is meant to be called from tls.Config.GetConfigForClient,
// which — unlike the info_callback the original TLS library offered — does
// run once per ClientHello, including (on a TLS library that allowed it)
// any renegotiation attempt.
func (c *Conn) MarkHandshakeAttempt() {
	atomic.AddInt32(&c.handshakes, 1)
}

// Renegotiated reports whether more than one handshake attempt was observed
// on this connection.
func (c *Conn) Renegotiated() bool {
	return atomic.LoadInt32(&c.handshakes) > 1
}

// SetAnnotation sets an arbitrary annotation on the connection, following
// the same pattern used elsewhere in this module's ambient stack for
// threading per-connection state (e.g. the matched server name) down to
// code that only has a net.Conn in hand.
func (c *Conn) SetAnnotation(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.annotations == nil {
		c.annotations = make(map[string]any)
	}
	c.annotations[key] = value
}

// Annotation retrieves an annotation previously set with SetAnnotation, or
// defaultValue if it was never set.
func (c *Conn) Annotation(key string, defaultValue any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.annotations[key]; ok {
		return v
	}
	return defaultValue
}
