// Copyright 2024 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza implements the typed envelope that all traffic in the engine
// flows through, along with the codec that converts between envelopes and the
// XML wire format defined by RFC 6120.
package stanza // import "github.com/waddle-social/waddle-sub002/stanza"

import (
	"encoding/xml"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
)

// Kind identifies the top level stanza type.
type Kind uint8

// The stanza kinds defined by RFC 6121 plus stream-control elements
// (dialback, stream features, and other non-stanza top level elements).
const (
	Message Kind = iota
	Presence
	IQ
	StreamControl
)

// String satisfies fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case Message:
		return "message"
	case Presence:
		return "presence"
	case IQ:
		return "iq"
	}
	return "stream-control"
}

// KindOf maps an XML name to a stanza kind.
func KindOf(name xml.Name) Kind {
	if name.Space != ns.Client && name.Space != ns.Server {
		return StreamControl
	}
	switch name.Local {
	case "message":
		return Message
	case "presence":
		return Presence
	case "iq":
		return IQ
	}
	return StreamControl
}

// Is reports whether name is a valid stanza name in a stanza content
// namespace.
func Is(name xml.Name) bool {
	return (name.Local == "iq" || name.Local == "message" || name.Local == "presence") &&
		(name.Space == ns.Client || name.Space == ns.Server)
}

// Direction indicates whether an envelope was received from or is destined
// for the network.
type Direction uint8

// Envelope directions.
const (
	Inbound Direction = iota
	Outbound
)

// String satisfies fmt.Stringer for Direction.
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Origin indicates the kind of connection an envelope entered the engine on.
type Origin uint8

// Envelope origins.
const (
	ClientConn Origin = iota
	PeerConn
)

// String satisfies fmt.Stringer for Origin.
func (o Origin) String() string {
	if o == PeerConn {
		return "peer-connection"
	}
	return "client-connection"
}

// Envelope is one parsed protocol unit flowing through the pipeline.
//
// An envelope is constructed by the codec on receipt (or by a processor for
// emission) and is not mutated after construction except through Annotate,
// which processors use to insert extension elements into the payload.
type Envelope struct {
	Kind Kind
	// XMLName is the wire name of the top level element. It is informational
	// for the three stanza kinds (the codec rebuilds their names from Kind and
	// the stream's content namespace) but authoritative for stream-control
	// elements.
	XMLName   xml.Name
	To        jid.JID
	From      jid.JID
	ID        string
	Type      string
	Lang      string
	// Text is the character data of the top level element itself. Stanzas
	// carry text only inside payload elements, but stream-control elements
	// such as dialback result/verify carry their key here.
	Text      string
	Payload   []*Element
	Direction Direction
	Origin    Origin
}

// Clone performs a deep copy of the envelope and its payload tree.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = nil
	for _, el := range e.Payload {
		c.Payload = append(c.Payload, el.Clone())
	}
	return &c
}

// Annotate inserts an extension element into the payload. It is the only
// permitted mutation of an envelope after construction.
func (e *Envelope) Annotate(el *Element) {
	e.Payload = append(e.Payload, el)
}

// Find returns the first payload element matching the namespace and local
// name, or nil.
func (e *Envelope) Find(space, local string) *Element {
	for _, el := range e.Payload {
		if el.XMLName.Space == space && el.XMLName.Local == local {
			return el
		}
	}
	return nil
}

// Reply constructs an outbound envelope of the same kind addressed back to
// the sender. The ID is preserved for correlation.
func (e *Envelope) Reply() *Envelope {
	return &Envelope{
		Kind:      e.Kind,
		To:        e.From,
		From:      e.To,
		ID:        e.ID,
		Lang:      e.Lang,
		Direction: Outbound,
		Origin:    e.Origin,
	}
}
