// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package federation

import (
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/lifecycle"
	"github.com/waddle-social/waddle-sub002/stanza"
)

// Errors returned by connection handles.
var (
	ErrConnClosed   = errors.New("federation: connection closed")
	ErrConnDraining = errors.New("federation: connection draining")
)

// Conn is the handle other components hold for one live peer connection.
// The socket itself is owned exclusively by the connection's writer and
// reader tasks; a handle can only enqueue outbound envelopes or request
// closure.
type Conn struct {
	domain  string
	nc      net.Conn
	machine *lifecycle.Machine
	logger  *slog.Logger

	// queue is the bounded outbound queue. Sends block (cooperatively, via
	// select) when the peer cannot absorb traffic fast enough.
	queue chan *stanza.Envelope

	done        chan struct{}
	draining    chan struct{}
	drained     chan struct{}
	closeOnce   sync.Once
	drainOnce   sync.Once
	drainedOnce sync.Once

	createdAt    time.Time
	lastActivity atomic.Int64
}

func newConn(domain string, nc net.Conn, machine *lifecycle.Machine, queueSize int, logger *slog.Logger) *Conn {
	if queueSize <= 0 {
		queueSize = 64
	}
	c := &Conn{
		domain:    domain,
		nc:        nc,
		machine:   machine,
		logger:    logger,
		queue:     make(chan *stanza.Envelope, queueSize),
		done:      make(chan struct{}),
		draining:  make(chan struct{}),
		drained:   make(chan struct{}),
		createdAt: time.Now(),
	}
	c.touch()
	go c.writeLoop()
	return c
}

// Domain returns the remote domain this connection serves.
func (c *Conn) Domain() string {
	return c.domain
}

// State exposes the lifecycle state for pool maintenance.
func (c *Conn) State() lifecycle.State {
	return c.machine.State()
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent successful read or
// write.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Send enqueues an envelope for delivery. It blocks until the queue has
// room, the context is canceled, or the connection closes. A draining
// connection accepts no new envelopes.
func (c *Conn) Send(ctx context.Context, env *stanza.Envelope) error {
	if c.machine.State() == lifecycle.Draining {
		return ErrConnDraining
	}
	select {
	case c.queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

// keepalive is a sentinel queued by healthCheck. The writer task turns it
// into a whitespace keepalive, the cheapest legal byte sequence between
// stanzas, without ever sharing the socket across tasks.
var keepalive = &stanza.Envelope{}

// writeLoop is the sole writer of the socket. It serializes queued
// envelopes in order until the connection closes or the transport fails,
// and it alone completes a drain, so the socket can never be torn down
// under a half-written stanza.
func (c *Conn) writeLoop() {
	enc := xml.NewEncoder(c.nc)
	for {
		select {
		case env := <-c.queue:
			if !c.write(enc, env) {
				return
			}
		case <-c.draining:
			c.finishDrain(enc)
			return
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(enc *xml.Encoder, env *stanza.Envelope) bool {
	if env == keepalive {
		if _, err := c.nc.Write([]byte(" ")); err != nil {
			c.transportLost(err)
			return false
		}
		c.touch()
		return true
	}
	if _, err := env.WriteXML(enc, ns.Server); err != nil {
		c.transportLost(err)
		return false
	}
	if err := enc.Flush(); err != nil {
		c.transportLost(err)
		return false
	}
	c.touch()
	return true
}

// finishDrain writes out whatever is already queued, then closes.
func (c *Conn) finishDrain(enc *xml.Encoder) {
	defer c.markDrained()
	for {
		select {
		case env := <-c.queue:
			if !c.write(enc, env) {
				return
			}
		default:
			c.close()
			return
		}
	}
}

func (c *Conn) markDrained() {
	c.drainedOnce.Do(func() { close(c.drained) })
}

func (c *Conn) transportLost(err error) {
	c.logger.Warn("peer transport lost",
		"domain", c.domain,
		"role", c.machine.Role().String(),
		"error", err,
	)
	_ = c.machine.TransportLost()
	c.close()
}

// Drain stops accepting new envelopes and hands the queue to the writer to
// flush and close. The machine's drain deadline bounds the flush; a
// connection that cannot finish in time is force-closed and counted.
func (c *Conn) Drain() {
	c.drainOnce.Do(func() {
		deadline, err := c.machine.BeginDrain()
		if err != nil {
			c.close()
			c.markDrained()
			return
		}
		close(c.draining)
		go func() {
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			select {
			case <-timer.C:
				drainTimeouts.Inc()
				c.logger.Warn("drain deadline elapsed; forcing closure", "domain", c.domain)
				c.close()
				c.markDrained()
			case <-c.done:
				c.markDrained()
			case <-c.drained:
			}
		}()
	})
}

// DrainDone is closed once a drain started by Drain has finished, whether
// by flushing or by deadline.
func (c *Conn) DrainDone() <-chan struct{} {
	return c.drained
}

// Close tears the connection down immediately, abandoning queued
// envelopes.
func (c *Conn) Close() {
	c.close()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		_ = c.machine.Close()
		close(c.done)
		_ = c.nc.Close()
	})
}

// Done is closed when the connection has fully closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// healthCheck enqueues a keepalive for the writer task. The connection is
// condemned by the writer if the keepalive cannot be written; a full queue
// here just means the connection is busy, which is proof of life enough.
func (c *Conn) healthCheck() bool {
	select {
	case c.queue <- keepalive:
		return true
	case <-c.done:
		return false
	default:
		return true
	}
}
