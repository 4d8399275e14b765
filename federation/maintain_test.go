// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package federation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waddle-social/waddle-sub002/lifecycle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (p *Pool) hasPeer(domain string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.peers[domain]
	return ok
}

func TestMaintainSparesPeersAwaitingRetry(t *testing.T) {
	p := NewPool(Config{
		Domain: "a.example",
		Secret: []byte("s3cr3t"),
		Logger: testLogger(),
	})
	defer p.Close()

	m := lifecycle.New(lifecycle.PeerInitiator)
	require.NoError(t, m.BeginConnect())
	require.NoError(t, m.TransportLost())
	require.Equal(t, lifecycle.Reconnecting, m.State())

	// An idle peer sitting out its backoff window must not be evicted;
	// losing it would discard the backoff state.
	pr := p.peer("b.example")
	pr.mu.Lock()
	pr.machine = m
	pr.nextAttempt = time.Now().Add(time.Minute)
	pr.lastUsed = time.Now().Add(-time.Hour)
	pr.mu.Unlock()

	p.maintainOnce(context.Background())
	assert.True(t, p.hasPeer("b.example"), "peer mid-backoff must survive maintenance")

	// Once the window is gone and nothing is due, idleness applies again.
	pr.mu.Lock()
	pr.nextAttempt = time.Time{}
	pr.mu.Unlock()
	p.maintainOnce(context.Background())
	assert.False(t, p.hasPeer("b.example"), "idle peer without a schedule is evicted")
}
