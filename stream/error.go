// Copyright 2024 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"

	"mellium.im/xmlstream"

	"github.com/waddle-social/waddle-sub002/internal/ns"
)

// The subset of stream errors defined in RFC 6120 §4.9.3 produced or
// consumed by this engine.
var (
	// BadFormat is used when the entity has sent XML that cannot be processed.
	BadFormat = Error{Err: "bad-format"}

	// Conflict is sent when the server is closing or refusing a stream because
	// it conflicts with an existing stream for the same entity.
	Conflict = Error{Err: "conflict"}

	// ConnectionTimeout results when one party believes the other has
	// permanently lost the ability to communicate over the stream.
	ConnectionTimeout = Error{Err: "connection-timeout"}

	// HostUnknown is sent when the 'to' address of the initial stream header
	// does not name a domain serviced by the receiving entity.
	HostUnknown = Error{Err: "host-unknown"}

	// ImproperAddressing is used when a stanza sent between two servers lacks
	// a 'to' or 'from' attribute or its value violates the address rules.
	ImproperAddressing = Error{Err: "improper-addressing"}

	// InternalServerError is sent when a misconfiguration or other internal
	// error prevents the server from servicing the stream.
	InternalServerError = Error{Err: "internal-server-error"}

	// InvalidFrom is sent when the data in a 'from' attribute does not match
	// an identity negotiated for the stream, e.g. a domain that has not
	// completed dialback.
	InvalidFrom = Error{Err: "invalid-from"}

	// InvalidNamespace is sent when the stream or content namespace is not
	// supported.
	InvalidNamespace = Error{Err: "invalid-namespace"}

	// NotAuthorized is sent when the entity attempts to send stanzas before
	// the stream is authenticated or verified.
	NotAuthorized = Error{Err: "not-authorized"}

	// NotWellFormed is sent when the entity sends XML that is not well formed.
	NotWellFormed = Error{Err: "not-well-formed"}

	// PolicyViolation is sent when an entity violates a local service policy.
	PolicyViolation = Error{Err: "policy-violation"}

	// RestrictedXML is sent when the entity has attempted to send restricted
	// XML features such as comments or processing instructions.
	RestrictedXML = Error{Err: "restricted-xml"}

	// SystemShutdown is sent when the server is being shut down and all active
	// streams are being closed.
	SystemShutdown = Error{Err: "system-shutdown"}

	// UndefinedCondition may be sent when the condition is not one of those
	// defined by the other conditions in this list.
	UndefinedCondition = Error{Err: "undefined-condition"}

	// UnsupportedStanzaType is sent when the entity sends a first-level child
	// of the stream that is not supported.
	UnsupportedStanzaType = Error{Err: "unsupported-stanza-type"}

	// UnsupportedVersion is sent when the 'version' of the stream header
	// specifies an unsupported version.
	UnsupportedVersion = Error{Err: "unsupported-version"}
)

// Error is a stream level error. Receiving one is unrecoverable: the stream
// it arrived on must be closed.
type Error struct {
	Err string

	// Text is an optional human readable diagnostic.
	Text string
}

// Error satisfies the builtin error interface.
func (s Error) Error() string {
	return "stream error: " + s.Err
}

// Is lets errors.Is match stream errors by condition, ignoring the
// diagnostic text.
func (s Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.Err == s.Err
}

// TokenReader returns the stream error as an XML token stream of the form:
//
//	<stream:error>
//	  <condition xmlns="urn:ietf:params:xml:ns:xmpp-streams"/>
//	</stream:error>
func (s Error) TokenReader() xml.TokenReader {
	inner := []xml.TokenReader{
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Space: "urn:ietf:params:xml:ns:xmpp-streams", Local: s.Err},
		}),
	}
	if s.Text != "" {
		inner = append(inner, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(s.Text)),
			xml.StartElement{
				Name: xml.Name{Space: "urn:ietf:params:xml:ns:xmpp-streams", Local: "text"},
			},
		))
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{Name: xml.Name{Space: ns.Stream, Local: "error"}},
	)
}

// WriteXML writes the error to w.
func (s Error) WriteXML(w xmlstream.TokenWriter) (int, error) {
	n, err := xmlstream.Copy(w, s.TokenReader())
	return int(n), err
}

// UnmarshalError decodes a stream error element whose start token has
// already been consumed from d.
func UnmarshalError(d xml.TokenReader, start xml.StartElement) (Error, error) {
	se := Error{Err: "undefined-condition"}
	var inText bool
	for {
		tok, err := d.Token()
		if err != nil {
			return se, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != "urn:ietf:params:xml:ns:xmpp-streams" {
				continue
			}
			if t.Name.Local == "text" {
				inText = true
			} else {
				se.Err = t.Name.Local
			}
		case xml.CharData:
			if inText {
				se.Text += string(t)
			}
		case xml.EndElement:
			if t.Name.Local == "text" {
				inText = false
			}
			if t.Name == start.Name {
				return se, nil
			}
		}
	}
}
