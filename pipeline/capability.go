// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"

	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/stanza"
)

// Record is the subset of roster state the engine needs to route stanzas.
// The storage service owns the full data model.
type Record struct {
	JID          jid.JID
	Subscription string
}

// RosterLookup resolves a bare JID to its roster record, if any. A nil
// record with a nil error means the JID is unknown.
type RosterLookup interface {
	Lookup(ctx context.Context, addr jid.JID) (*Record, error)
}

// Authorizer answers permission checks for a subject performing an action.
type Authorizer interface {
	Authorize(ctx context.Context, subject jid.JID, action string) bool
}

// ArchiveWriter persists routed stanzas. Implemented by the storage-backed
// archive service.
type ArchiveWriter interface {
	WriteArchive(ctx context.Context, env *stanza.Envelope) error
}

// LocalDeliverer hands an envelope to a connected local session. Implemented
// by the server's session registry.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, env *stanza.Envelope) error
}

// RemoteForwarder hands an envelope destined for a foreign domain to the
// federation layer. Implemented by the federation pool.
type RemoteForwarder interface {
	Forward(ctx context.Context, env *stanza.Envelope) error
}

// Capabilities is the injected set of collaborator contracts the built-in
// processors call out to. The engine never embeds their implementations.
type Capabilities struct {
	Roster  RosterLookup
	Authz   Authorizer
	Archive ArchiveWriter

	Local   LocalDeliverer
	Remote  RemoteForwarder
	IsLocal func(domain string) bool
}
