// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package federation

import (
	"context"
	"time"

	"github.com/waddle-social/waddle-sub002/lifecycle"
)

// DefaultMaintenanceInterval is how often the pool performs upkeep when
// Maintain is called with a zero interval.
const DefaultMaintenanceInterval = 5 * time.Second

// Maintain runs the pool's periodic upkeep until ctx is done or the pool is
// closed: health probes on idle connections, reconnect attempts whose
// backoff delay has elapsed, eviction of peers that have gone unused, and
// dialback transaction cleanup.
func (p *Pool) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.maintainOnce(ctx)
		}
	}
}

func (p *Pool) maintainOnce(ctx context.Context) {
	p.store.Evict()

	p.mu.Lock()
	peers := make([]*Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, peer := range peers {
		live := peer.liveConn()
		if live != nil && now.Sub(live.LastActivity()) > p.cfg.HealthInterval {
			live.healthCheck()
		}
		queueDepth.WithLabelValues(peer.domain).Set(float64(peer.queuedEnvelopes()))

		peer.mu.Lock()
		m := peer.machine
		retryDue := m != nil &&
			m.State() == lifecycle.Reconnecting &&
			!peer.nextAttempt.IsZero() &&
			now.After(peer.nextAttempt)
		// A peer waiting out its backoff window is not idle; evicting it
		// would discard the backoff state and let the next Forward redial
		// immediately.
		retryPending := !peer.nextAttempt.IsZero() && now.Before(peer.nextAttempt)
		stale := live == nil &&
			(m == nil || m.State() != lifecycle.Connecting) &&
			!retryDue && !retryPending &&
			now.Sub(peer.lastUsed) > p.cfg.IdleGrace
		peer.mu.Unlock()

		switch {
		case retryDue:
			go p.redial(ctx, peer)
		case stale:
			p.evictPeer(peer)
		}
	}
}

// redial retries a peer whose backoff delay has elapsed, sharing the
// attempt with any concurrent GetOrCreate for the same domain.
func (p *Pool) redial(ctx context.Context, peer *Peer) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.VerifyTimeout)
	defer cancel()
	_, _, _ = p.flight.Do(peer.domain, func() (interface{}, error) {
		if c := peer.liveConn(); c != nil {
			return c, nil
		}
		return p.establish(cctx, peer)
	})
}

func (p *Pool) evictPeer(peer *Peer) {
	p.mu.Lock()
	if cur, ok := p.peers[peer.domain]; ok && cur == peer {
		delete(p.peers, peer.domain)
		poolPeers.Set(float64(len(p.peers)))
		queueDepth.DeleteLabelValues(peer.domain)
	}
	p.mu.Unlock()
	p.logger.Debug("evicted idle peer", "peer", peer.domain)
}
