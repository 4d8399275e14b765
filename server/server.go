// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package server wires the engine together: listeners for client and peer
// connections, stream negotiation, the session registry, and the routing
// pipeline backed by the federation pool.
package server // import "github.com/waddle-social/waddle-sub002/server"

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/waddle-social/waddle-sub002/dial"
	"github.com/waddle-social/waddle-sub002/federation"
	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/muc"
	"github.com/waddle-social/waddle-sub002/pipeline"
	"github.com/waddle-social/waddle-sub002/stanza"
)

// Authenticator verifies client credentials during SASL negotiation.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) bool
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, username, password string) bool

// Authenticate satisfies Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, username, password string) bool {
	return f(ctx, username, password)
}

// StaticUsers builds an authenticator over a fixed account table.
func StaticUsers(users map[string]string) Authenticator {
	return AuthenticatorFunc(func(_ context.Context, username, password string) bool {
		want, ok := users[username]
		if !ok {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
	})
}

// Server owns the engine's runtime state for one XMPP domain.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	tlsCfg   *tls.Config
	auth     Authenticator
	pipe     *pipeline.Pipeline
	pool     *federation.Pool
	registry *Registry
	rooms    *muc.Service

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// New builds a server from a validated config. The authenticator backs SASL
// for client connections; peer connections authenticate via dialback.
func New(cfg Config, auth Authenticator, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var tlsCfg *tls.Config
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("server: loading TLS keypair: %w", err)
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	pipe := pipeline.New(logger)
	registry := NewRegistry(logger)
	pool := federation.NewPool(federation.Config{
		Domain:       cfg.Domain,
		Secret:       []byte(cfg.DialbackSecret),
		Dialer:       &dial.Dialer{},
		Logger:       logger,
		Pipeline:     pipe,
		QueueSize:    cfg.QueueSize,
		DrainTimeout: cfg.DrainTimeout,
	})

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		tlsCfg:   tlsCfg,
		auth:     auth,
		pipe:     pipe,
		pool:     pool,
		registry: registry,
		closed:   make(chan struct{}),
	}

	roster := NewRoster()
	pipe.Subscribe(roster.Observe)
	caps := pipeline.Capabilities{
		Roster:  roster,
		Local:   registry,
		Remote:  pool,
		IsLocal: func(domain string) bool { return domain == cfg.Domain },
	}
	// The room service registers first so that traffic addressed to the MUC
	// domain is claimed before the per-kind routers see it.
	if cfg.MUCDomain != "" {
		s.rooms = muc.NewService(cfg.MUCDomain, caps, pipe, logger)
		s.rooms.Register(pipe)
	}
	pipeline.RegisterBuiltin(pipe, caps)
	pipe.Register(30, pipeline.BothDirections, "ping", pipeline.ProcessorFunc(s.handlePing))

	return s, nil
}

// Pipeline exposes the server's pipeline for additional processor and
// event-subscriber registration.
func (s *Server) Pipeline() *pipeline.Pipeline {
	return s.pipe
}

// Pool exposes the federation pool, primarily for the restart coordinator.
func (s *Server) Pool() *federation.Pool {
	return s.pool
}

// Registry exposes the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Serve accepts connections on both listeners until ctx is canceled or the
// server is closed. Passing a nil listener disables that role.
func (s *Server) Serve(ctx context.Context, c2s, s2s net.Listener) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pool.Maintain(ctx, 0)
	}()

	if c2s != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(ctx, c2s, s.serveClient)
		}()
	}
	if s2s != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(ctx, s2s, s.servePeer)
		}()
	}

	select {
	case <-ctx.Done():
	case <-s.closed:
	}
	if c2s != nil {
		c2s.Close()
	}
	if s2s != nil {
		s2s.Close()
	}
	s.wg.Wait()
	return ctx.Err()
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener, handle func(context.Context, net.Conn)) {
	for {
		nc, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			default:
			}
			s.logger.Warn("accept failed", "listener", l.Addr().String(), "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handle(ctx, nc)
		}()
	}
}

func (s *Server) servePeer(ctx context.Context, nc net.Conn) {
	if err := s.pool.ServeInbound(ctx, nc); err != nil {
		s.logger.Info("peer connection ended", "remote", nc.RemoteAddr().String(), "error", err)
	}
}

// handlePing answers XEP-0199 pings addressed to the server itself.
func (s *Server) handlePing(_ context.Context, env *stanza.Envelope) (pipeline.Outcome, error) {
	if env.Kind != stanza.IQ || env.Type != "get" || env.Find(ns.Ping, "ping") == nil {
		return pipeline.Continue, nil
	}
	if env.To.Valid() && env.To.Domainpart() != s.cfg.Domain {
		return pipeline.Continue, nil
	}
	reply := env.Reply()
	reply.Type = "result"
	return pipeline.Outcome{Halt: true, Emit: []*stanza.Envelope{reply}}, nil
}

// Drain moves every connection toward closure: peer links and client
// sessions stop accepting new envelopes, flush what they hold, and close.
// The first error wins; every connection is drained regardless.
func (s *Server) Drain(ctx context.Context) error {
	sessions := s.registry.All()
	errCh := make(chan error, len(sessions))
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			errCh <- sess.Drain(ctx)
		}(sess)
	}

	err := s.pool.DrainAll(ctx)
	wg.Wait()
	close(errCh)
	for serr := range errCh {
		if err == nil && serr != nil {
			err = serr
		}
	}
	return err
}

// Close stops accepting and force-closes everything.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.pool.Close()
		for _, sess := range s.registry.All() {
			sess.Close()
		}
	})
}
