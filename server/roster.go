// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"sync"

	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/pipeline"
)

// Roster is the in-memory subscription table backing the pipeline's roster
// lookups. It learns subscription state from routed presence: a local user
// answering a subscription request with type="subscribed" grants the contact
// a "from" subscription, and type="unsubscribed" revokes it. State lives for
// the process lifetime only; a storage-backed deployment supplies its own
// RosterLookup instead.
type Roster struct {
	mu   sync.Mutex
	subs map[string]string // bare JID -> subscription state
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{subs: make(map[string]string)}
}

// Lookup implements pipeline.RosterLookup.
func (r *Roster) Lookup(_ context.Context, addr jid.JID) (*pipeline.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[addr.Bare().String()]
	if !ok {
		return nil, nil
	}
	return &pipeline.Record{JID: addr.Bare(), Subscription: sub}, nil
}

// Observe is the pipeline event subscriber maintaining the table.
func (r *Roster) Observe(ev pipeline.Event) {
	if ev.Kind != pipeline.PresenceChanged || ev.Envelope == nil || !ev.Envelope.To.Valid() {
		return
	}
	contact := ev.Envelope.To.Bare().String()
	switch ev.Envelope.Type {
	case "subscribed":
		r.mu.Lock()
		r.subs[contact] = "from"
		r.mu.Unlock()
	case "unsubscribed":
		r.mu.Lock()
		delete(r.subs, contact)
		r.mu.Unlock()
	}
}
