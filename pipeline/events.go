// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pipeline

import (
	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/stanza"
)

// EventKind names a routing event emitted by the built-in processors.
type EventKind string

// Events consumed by the roster/presence/MUC business-logic services.
const (
	MessageRouted   EventKind = "message.routed"
	PresenceChanged EventKind = "presence.changed"
	OccupantUpdated EventKind = "room.occupant.updated"
)

// Event is a typed envelope-routing notification. The envelope is shared,
// not copied; subscribers must treat it as read-only.
type Event struct {
	Kind     EventKind
	Envelope *stanza.Envelope

	// Room and Occupant are set only for OccupantUpdated events.
	Room     jid.JID
	Occupant jid.JID
}

// Subscribe registers a function that is called synchronously for every
// event emitted by built-in processors. Subscribers must not block.
func (p *Pipeline) Subscribe(fn func(Event)) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.subs = append(p.subs, fn)
}

// Emit fans an event out to all subscribers. It is exported so that
// processors living outside this package (e.g. MUC federation) can emit
// their own typed events through the same fan-out.
func (p *Pipeline) Emit(ev Event) {
	p.subMu.RLock()
	subs := p.subs
	p.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
