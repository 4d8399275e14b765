// Copyright 2024 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants used by the engine packages.
package ns // import "github.com/waddle-social/waddle-sub002/internal/ns"

// List of commonly used namespaces.
const (
	Client     = "jabber:client"
	Server     = "jabber:server"
	Dialback   = "jabber:server:dialback"
	Stream     = "http://etherx.jabber.org/streams"
	SASL       = "urn:ietf:params:xml:ns:xmpp-sasl"
	StartTLS   = "urn:ietf:params:xml:ns:xmpp-tls"
	Bind       = "urn:ietf:params:xml:ns:xmpp-bind"
	Stanza     = "urn:ietf:params:xml:ns:xmpp-stanzas"
	Ping       = "urn:xmpp:ping"
	ChatStates = "http://jabber.org/protocol/chatstates"
	MUC        = "http://jabber.org/protocol/muc"
	MUCUser    = "http://jabber.org/protocol/muc#user"
	MUCAdmin   = "http://jabber.org/protocol/muc#admin"
	XML        = "http://www.w3.org/XML/1998/namespace"
)
