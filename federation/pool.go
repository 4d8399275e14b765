// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package federation maintains server-to-server connections: an outbound
// pool keyed by peer domain, inbound connection serving, and the dialback
// handshake that gates stanza routing in both directions.
package federation // import "github.com/waddle-social/waddle-sub002/federation"

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/waddle-social/waddle-sub002/dialback"
	"github.com/waddle-social/waddle-sub002/discover"
	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/lifecycle"
	"github.com/waddle-social/waddle-sub002/pipeline"
	"github.com/waddle-social/waddle-sub002/stanza"
	"github.com/waddle-social/waddle-sub002/stream"
)

// Errors returned by the pool.
var (
	ErrDialbackFailed = errors.New("federation: dialback verification failed")
	ErrPeerBackoff    = errors.New("federation: peer in reconnect backoff")
)

// A ContextDialer connects to a peer domain. *dial.Dialer satisfies it.
type ContextDialer interface {
	Dial(ctx context.Context, domain string) (net.Conn, error)
}

// Config carries the pool's collaborators and tuning knobs. Domain, Secret,
// and Dialer are required; zero durations take the documented defaults.
type Config struct {
	// Domain is the local server domain, used as the originating domain in
	// dialback and as the from address on stream headers.
	Domain string

	// Secret is the local dialback secret. It never leaves the process;
	// only HMAC keys derived from it go on the wire.
	Secret []byte

	Dialer   ContextDialer
	Logger   *slog.Logger
	Pipeline *pipeline.Pipeline

	// QueueSize bounds each connection's outbound queue (default 64).
	QueueSize int

	// HealthInterval is how long a connection may sit idle before the
	// maintenance loop probes it with a whitespace keepalive (default 30s).
	HealthInterval time.Duration

	// IdleGrace is how long an unused peer with no live connections is kept
	// before eviction (default 5m).
	IdleGrace time.Duration

	// VerifyTimeout bounds the dialback handshake, both the outbound claim
	// and the authoritative callback (default 30s).
	VerifyTimeout time.Duration

	// DrainTimeout overrides the lifecycle drain deadline for pool
	// connections.
	DrainTimeout time.Duration

	// TTL for pending dialback transactions. Zero means dialback.DefaultTTL.
	DialbackTTL time.Duration

	// AllowPiggyback lets the authoritative callback ride an existing
	// established connection to the claimed origin instead of dialing a
	// dedicated one. The dedicated dial stays the default and the fallback
	// when no such connection is live.
	AllowPiggyback bool
}

func (c *Config) withDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = 5 * time.Minute
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Peer tracks the pool's state for one remote domain: its live connections
// and the reconnect schedule when the link is down.
type Peer struct {
	domain string

	mu          sync.Mutex
	machine     *lifecycle.Machine
	conns       []*Conn
	nextAttempt time.Time
	attempts    int
	lastUsed    time.Time
}

func (p *Peer) liveConn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.conns[:0]
	for _, c := range p.conns {
		select {
		case <-c.Done():
		default:
			live = append(live, c)
		}
	}
	p.conns = live
	for _, c := range p.conns {
		if c.State() == lifecycle.Connected {
			return c
		}
	}
	return nil
}

func (p *Peer) queuedEnvelopes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	depth := 0
	for _, c := range p.conns {
		depth += len(c.queue)
	}
	return depth
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

// Pool owns all outbound federation links and hands inbound links to
// ServeInbound. It satisfies pipeline.RemoteForwarder.
type Pool struct {
	cfg    Config
	store  *dialback.Store
	local  jid.JID
	logger *slog.Logger

	mu    sync.Mutex
	peers map[string]*Peer

	flight singleflight.Group
	done   chan struct{}

	verifyMu      sync.Mutex
	verifyWaiters map[string]chan bool
}

// NewPool allocates a pool. It panics if cfg.Domain does not parse as a
// JID; that is a deployment error, not a runtime condition.
func NewPool(cfg Config) *Pool {
	cfg.withDefaults()
	return &Pool{
		cfg:    cfg,
		store:  dialback.NewStore(cfg.Secret, cfg.DialbackTTL),
		local:  jid.MustParse(cfg.Domain),
		logger: cfg.Logger,
		peers:  make(map[string]*Peer),
		done:   make(chan struct{}),

		verifyWaiters: make(map[string]chan bool),
	}
}

// Store exposes the dialback transaction store, primarily for tests.
func (p *Pool) Store() *dialback.Store {
	return p.store
}

func (p *Pool) peer(domain string) *Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.peers[domain]
	if !ok {
		pr = &Peer{domain: domain, lastUsed: time.Now()}
		p.peers[domain] = pr
		poolPeers.Set(float64(len(p.peers)))
	}
	return pr
}

// GetOrCreate returns a verified connection to the domain, establishing one
// if none is live. Concurrent callers for the same domain share a single
// establishment attempt. A peer inside its backoff window is not redialed.
func (p *Pool) GetOrCreate(ctx context.Context, domain string) (*Conn, error) {
	peer := p.peer(domain)
	peer.touch()
	if c := peer.liveConn(); c != nil {
		return c, nil
	}

	peer.mu.Lock()
	wait := time.Until(peer.nextAttempt)
	peer.mu.Unlock()
	if wait > 0 {
		return nil, fmt.Errorf("%w: next attempt in %s", ErrPeerBackoff, wait.Round(time.Millisecond))
	}

	v, err, _ := p.flight.Do(domain, func() (interface{}, error) {
		if c := peer.liveConn(); c != nil {
			return c, nil
		}
		return p.establish(ctx, peer)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

// Forward satisfies pipeline.RemoteForwarder: it resolves the destination
// domain's connection and enqueues the envelope. Routing failures are mapped
// to stanza errors so the pipeline can bounce the stanza to its sender.
func (p *Pool) Forward(ctx context.Context, env *stanza.Envelope) error {
	domain := env.To.Domainpart()
	conn, err := p.GetOrCreate(ctx, domain)
	if err != nil {
		if errors.Is(err, discover.ErrNotFederated) || errors.Is(err, discover.ErrDiscoveryFailed) {
			return stanza.Error{
				Type:      stanza.Cancel,
				Condition: stanza.RemoteServerNotFound,
			}
		}
		return err
	}
	return conn.Send(ctx, env)
}

// establish dials the peer, exchanges stream headers, and runs the
// initiating side of dialback. The connection carries no stanza until the
// remote's db:result verdict arrives.
func (p *Pool) establish(ctx context.Context, peer *Peer) (*Conn, error) {
	remote, err := jid.Parse(peer.domain)
	if err != nil {
		return nil, fmt.Errorf("federation: bad peer domain %q: %w", peer.domain, err)
	}

	peer.mu.Lock()
	m := peer.machine
	if m == nil || m.State() == lifecycle.Closed {
		m = lifecycle.New(lifecycle.PeerInitiator, p.machineOpts()...)
		peer.machine = m
	}
	peer.mu.Unlock()

	if err := m.BeginConnect(); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.VerifyTimeout)
	defer cancel()

	nc, err := p.cfg.Dialer.Dial(cctx, peer.domain)
	if err != nil {
		if errors.Is(err, discover.ErrNotFederated) {
			_ = m.Close()
			return nil, err
		}
		discoveryFailures.Inc()
		p.connectFailed(peer, m)
		return nil, fmt.Errorf("federation: dial %s: %w", peer.domain, err)
	}
	if deadline, ok := cctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	if _, err := stream.Send(nc, true, "", peer.domain, p.cfg.Domain, ""); err != nil {
		nc.Close()
		p.connectFailed(peer, m)
		return nil, err
	}
	d := xml.NewDecoder(nc)
	info, err := stream.Expect(cctx, d, false)
	if err != nil {
		nc.Close()
		p.connectFailed(peer, m)
		return nil, fmt.Errorf("federation: stream header from %s: %w", peer.domain, err)
	}

	enc := xml.NewEncoder(nc)
	claim := dialback.Result{
		From: p.local,
		To:   remote,
		Key:  p.store.ResultKey(info.ID, peer.domain, p.cfg.Domain),
	}
	if _, err := claim.Envelope().WriteXML(enc, ns.Server); err != nil {
		nc.Close()
		p.connectFailed(peer, m)
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		nc.Close()
		p.connectFailed(peer, m)
		return nil, err
	}

	if err := p.awaitVerdict(cctx, d, enc, peer.domain); err != nil {
		if errors.Is(err, ErrDialbackFailed) {
			// Identity rejection is final for this attempt; retrying
			// immediately would just hammer the remote with the same claim.
			dialbackFailures.Inc()
			p.logger.Warn("outbound dialback rejected",
				"security", "dialback",
				"peer", peer.domain,
				"stream", info.ID,
			)
			_ = m.Close()
		} else {
			p.connectFailed(peer, m)
		}
		nc.Close()
		return nil, err
	}

	_ = nc.SetDeadline(time.Time{})
	if err := m.SetConnected(); err != nil {
		nc.Close()
		return nil, err
	}

	conn := newConn(peer.domain, nc, m, p.cfg.QueueSize, p.logger)
	peer.mu.Lock()
	peer.conns = append(peer.conns, conn)
	peer.attempts = 0
	peer.nextAttempt = time.Time{}
	peer.mu.Unlock()
	connsEstablished.WithLabelValues("initiator").Inc()
	p.logger.Info("peer connection established", "peer", peer.domain, "stream", info.ID)

	go p.readOutbound(conn, d)
	return conn, nil
}

// awaitVerdict reads elements until the remote's db:result verdict. An
// inbound db:verify request on the same connection (the remote verifying a
// stream of its own with us as the authoritative server) is answered in
// place so that two servers dialing each other simultaneously cannot
// deadlock.
func (p *Pool) awaitVerdict(ctx context.Context, d *xml.Decoder, enc *xml.Encoder, domain string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		tok, err := d.Token()
		if err != nil {
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		env, err := stanza.Read(d, start, stanza.PeerConn)
		if err != nil {
			if errors.As(err, new(stanza.MalformedError)) {
				continue
			}
			return err
		}
		switch {
		case dialback.IsResult(env) && env.Type != "":
			if env.Type == dialback.TypeValid {
				return nil
			}
			return ErrDialbackFailed
		case dialback.IsVerify(env) && env.Type == "":
			if err := p.answerVerify(enc, dialback.VerifyFromEnvelope(env)); err != nil {
				return err
			}
		}
	}
}

// verifyReply answers a db:verify request using a pure recomputation of the
// key we would have minted for that stream.
func (p *Pool) verifyReply(req dialback.Verify) dialback.Verify {
	verdict := dialback.TypeInvalid
	if req.To.Domainpart() == p.cfg.Domain &&
		p.store.CheckVerify(req.ID, req.From.Domainpart(), p.cfg.Domain, req.Key) {
		verdict = dialback.TypeValid
	}
	return dialback.Verify{
		From: p.local,
		To:   req.From,
		ID:   req.ID,
		Type: verdict,
	}
}

func (p *Pool) answerVerify(enc *xml.Encoder, req dialback.Verify) error {
	if _, err := p.verifyReply(req).Envelope().WriteXML(enc, ns.Server); err != nil {
		return err
	}
	return enc.Flush()
}

// readOutbound drains the read side of an established outbound connection.
// The remote may send whitespace keepalives, db:verify requests, and, on a
// bidirectional link, stanzas of its own.
func (p *Pool) readOutbound(conn *Conn, d *xml.Decoder) {
	for {
		tok, err := d.Token()
		if err != nil {
			conn.transportLost(err)
			return
		}
		switch t := tok.(type) {
		case xml.CharData:
			conn.touch()
		case xml.EndElement:
			// Remote closed the stream cleanly.
			conn.Close()
			return
		case xml.StartElement:
			conn.touch()
			env, err := stanza.Read(d, t, stanza.PeerConn)
			if err != nil {
				if errors.As(err, new(stanza.MalformedError)) {
					continue
				}
				conn.transportLost(err)
				return
			}
			switch {
			case dialback.IsVerify(env) && env.Type == "":
				reply := p.verifyReply(dialback.VerifyFromEnvelope(env))
				_ = conn.Send(context.Background(), reply.Envelope())
			case dialback.IsVerify(env) && env.Type != "":
				// Answer to a piggybacked callback question, if one is
				// still waiting.
				p.deliverVerdict(env.ID, env.Type == dialback.TypeValid)
			case env.Kind == stanza.StreamControl:
				// Stray dialback traffic after establishment; ignore.
			default:
				// Bidirectional traffic: the domain was verified when we
				// dialed its discovered address, but each stanza must still
				// claim that domain as its origin.
				if env.From.Domainpart() != conn.Domain() {
					p.logger.Warn("dropping stanza with spoofed origin",
						"peer", conn.Domain(),
						"from", env.From.String(),
					)
					continue
				}
				env.Direction = stanza.Inbound
				p.dispatch(env)
			}
		}
	}
}

func (p *Pool) addVerifyWaiter(streamID string) chan bool {
	ch := make(chan bool, 1)
	p.verifyMu.Lock()
	p.verifyWaiters[streamID] = ch
	p.verifyMu.Unlock()
	return ch
}

func (p *Pool) removeVerifyWaiter(streamID string) {
	p.verifyMu.Lock()
	delete(p.verifyWaiters, streamID)
	p.verifyMu.Unlock()
}

func (p *Pool) deliverVerdict(streamID string, valid bool) {
	p.verifyMu.Lock()
	ch, ok := p.verifyWaiters[streamID]
	delete(p.verifyWaiters, streamID)
	p.verifyMu.Unlock()
	if ok {
		ch <- valid
	}
}

// piggybackVerify asks the claimed origin over an already-established
// outbound connection. Not ok when no such connection exists or it cannot
// take the question; the caller falls back to the dedicated dial.
func (p *Pool) piggybackVerify(ctx context.Context, streamID, origin, key string) (valid, ok bool, err error) {
	p.mu.Lock()
	peer := p.peers[origin]
	p.mu.Unlock()
	if peer == nil {
		return false, false, nil
	}
	conn := peer.liveConn()
	if conn == nil {
		return false, false, nil
	}
	originJID, err := jid.Parse(origin)
	if err != nil {
		return false, true, err
	}

	ch := p.addVerifyWaiter(streamID)
	defer p.removeVerifyWaiter(streamID)

	cctx, cancel := context.WithTimeout(ctx, p.cfg.VerifyTimeout)
	defer cancel()
	question := dialback.Verify{From: p.local, To: originJID, ID: streamID, Key: key}
	if err := conn.Send(cctx, question.Envelope()); err != nil {
		return false, false, nil
	}
	select {
	case verdict := <-ch:
		return verdict, true, nil
	case <-cctx.Done():
		return false, true, cctx.Err()
	}
}

// dispatch runs an inbound envelope through the pipeline and routes
// anything the processors emitted.
func (p *Pool) dispatch(env *stanza.Envelope) {
	if p.cfg.Pipeline == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.VerifyTimeout)
	defer cancel()
	emitted := p.cfg.Pipeline.Dispatch(ctx, env)
	for _, out := range emitted {
		p.cfg.Pipeline.Dispatch(ctx, out)
	}
}

func (p *Pool) connectFailed(peer *Peer, m *lifecycle.Machine) {
	if err := m.TransportLost(); err != nil {
		return
	}
	delay := m.NextDelay()
	peer.mu.Lock()
	peer.attempts++
	peer.nextAttempt = time.Now().Add(delay)
	attempts := peer.attempts
	peer.mu.Unlock()
	p.logger.Info("peer connect failed; backing off",
		"peer", peer.domain,
		"attempt", attempts,
		"delay", delay,
	)
}

func (p *Pool) machineOpts() []lifecycle.Option {
	var opts []lifecycle.Option
	if p.cfg.DrainTimeout > 0 {
		opts = append(opts, lifecycle.WithDrainTimeout(p.cfg.DrainTimeout))
	}
	return opts
}

// Conns snapshots every live connection across all peers.
func (p *Pool) Conns() []*Conn {
	p.mu.Lock()
	peers := make([]*Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	p.mu.Unlock()

	var conns []*Conn
	for _, pr := range peers {
		pr.mu.Lock()
		for _, c := range pr.conns {
			select {
			case <-c.Done():
			default:
				conns = append(conns, c)
			}
		}
		pr.mu.Unlock()
	}
	return conns
}

// DrainAll begins draining every live connection and blocks until each has
// finished or ctx expires. The restart coordinator calls this before
// handing listeners to the replacement process.
func (p *Pool) DrainAll(ctx context.Context) error {
	conns := p.Conns()
	for _, c := range conns {
		c.Drain()
	}
	for _, c := range conns {
		select {
		case <-c.DrainDone():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close force-closes every connection and stops the maintenance loop.
func (p *Pool) Close() {
	select {
	case <-p.done:
		return
	default:
	}
	close(p.done)
	for _, c := range p.Conns() {
		c.Close()
	}
}
