// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/xml"
	"log/slog"
	"net"
	"sync"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/lifecycle"
	"github.com/waddle-social/waddle-sub002/stanza"
)

// Session is one authenticated, bound client connection. Its socket is
// owned by the read loop and the writer task; the registry only holds a
// handle that can enqueue envelopes or request closure.
type Session struct {
	addr    jid.JID
	nc      net.Conn
	machine *lifecycle.Machine

	queue     chan *stanza.Envelope
	done      chan struct{}
	draining  chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
	drainOnce sync.Once
}

// NewSession wraps an authenticated, bound connection in a session handle
// and starts its writer task.
func NewSession(addr jid.JID, nc net.Conn, machine *lifecycle.Machine, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 64
	}
	s := &Session{
		addr:     addr,
		nc:       nc,
		machine:  machine,
		queue:    make(chan *stanza.Envelope, queueSize),
		done:     make(chan struct{}),
		draining: make(chan struct{}),
		drained:  make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Addr returns the session's bound full JID.
func (s *Session) Addr() jid.JID {
	return s.addr
}

// Send enqueues an envelope for the session's writer task. A draining or
// closed session accepts nothing new.
func (s *Session) Send(ctx context.Context, env *stanza.Envelope) error {
	select {
	case <-s.draining:
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
	case <-s.done:
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
	default:
	}
	select {
	case s.queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
	}
}

func (s *Session) writeLoop() {
	enc := xml.NewEncoder(s.nc)
	for {
		select {
		case env := <-s.queue:
			if !s.write(enc, env) {
				return
			}
		case <-s.draining:
			s.finishDrain(enc)
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) write(enc *xml.Encoder, env *stanza.Envelope) bool {
	if _, err := env.WriteXML(enc, ns.Client); err != nil {
		s.Close()
		return false
	}
	if err := enc.Flush(); err != nil {
		s.Close()
		return false
	}
	return true
}

// finishDrain flushes whatever is already queued and closes the session.
// Only the writer completes a drain, so the socket cannot go away under a
// half-written stanza.
func (s *Session) finishDrain(enc *xml.Encoder) {
	defer close(s.drained)
	for {
		select {
		case env := <-s.queue:
			if !s.write(enc, env) {
				return
			}
		default:
			s.Close()
			return
		}
	}
}

// Drain stops accepting new envelopes, lets the writer flush the queue, and
// closes the session. It returns when the writer has finished or ctx
// expires, in which case the session is force-closed.
func (s *Session) Drain(ctx context.Context) error {
	if _, err := s.machine.BeginDrain(); err != nil {
		return err
	}
	s.drainOnce.Do(func() { close(s.draining) })
	select {
	case <-s.drained:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.machine.Close()
		close(s.done)
		_ = s.nc.Close()
	})
}

// Done is closed when the session has closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Registry tracks connected sessions and satisfies pipeline.LocalDeliverer.
// Sessions are keyed by bare JID; each bare JID may have several resources
// connected at once.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string][]*Session
}

// NewRegistry allocates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		sessions: make(map[string][]*Session),
	}
}

// Add registers a bound session.
func (r *Registry) Add(s *Session) {
	bare := s.addr.Bare().String()
	r.mu.Lock()
	r.sessions[bare] = append(r.sessions[bare], s)
	r.mu.Unlock()
}

// Remove drops a session from the registry. The session itself is not
// closed.
func (r *Registry) Remove(s *Session) {
	bare := s.addr.Bare().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.sessions[bare]
	for i, cur := range list {
		if cur == s {
			r.sessions[bare] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.sessions[bare]) == 0 {
		delete(r.sessions, bare)
	}
}

// lookup returns the sessions a stanza to addr should reach: the exact
// resource when one is named and connected, otherwise every resource of the
// bare JID.
func (r *Registry) lookup(addr jid.JID) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.sessions[addr.Bare().String()]
	if res := addr.Resourcepart(); res != "" {
		for _, s := range list {
			if s.addr.Resourcepart() == res {
				return []*Session{s}
			}
		}
	}
	return append([]*Session(nil), list...)
}

// DeliverLocal satisfies pipeline.LocalDeliverer.
func (r *Registry) DeliverLocal(ctx context.Context, env *stanza.Envelope) error {
	targets := r.lookup(env.To)
	if len(targets) == 0 {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
	}
	for _, s := range targets {
		if err := s.Send(ctx, env); err != nil {
			r.logger.Warn("local delivery failed",
				"to", s.addr.String(),
				"error", err,
			)
		}
	}
	return nil
}

// All snapshots every connected session.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, list := range r.sessions {
		out = append(out, list...)
	}
	return out
}
