// Copyright 2024 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
)

// MalformedError is returned by the codec when a top level element cannot be
// parsed into an envelope. The connection that produced the element is still
// usable; only the offending element is affected.
type MalformedError struct {
	Name   xml.Name
	Reason string
}

// Error satisfies the error interface.
func (e MalformedError) Error() string {
	return fmt.Sprintf("stanza: malformed <%s> element: %s", e.Name.Local, e.Reason)
}

// Read consumes one full top level element from d (whose start token has
// already been read) and produces an envelope. The origin argument records
// the kind of connection the element arrived on.
func Read(d xml.TokenReader, start xml.StartElement, origin Origin) (*Envelope, error) {
	env := &Envelope{
		Kind:      KindOf(start.Name),
		XMLName:   start.Name,
		Direction: Inbound,
		Origin:    origin,
	}

	for _, attr := range start.Attr {
		switch attr.Name {
		case xml.Name{Local: "to"}:
			if err := (&env.To).UnmarshalXMLAttr(attr); err != nil {
				return nil, MalformedError{Name: start.Name, Reason: "invalid to address"}
			}
		case xml.Name{Local: "from"}:
			if err := (&env.From).UnmarshalXMLAttr(attr); err != nil {
				return nil, MalformedError{Name: start.Name, Reason: "invalid from address"}
			}
		case xml.Name{Local: "id"}:
			env.ID = attr.Value
		case xml.Name{Local: "type"}:
			env.Type = attr.Value
		case xml.Name{Space: "xml", Local: "lang"}, xml.Name{Space: ns.XML, Local: "lang"}:
			env.Lang = attr.Value
		}
	}

	if env.Kind == IQ && env.Type == "" {
		return nil, MalformedError{Name: start.Name, Reason: "iq stanza missing type"}
	}

	el, err := decodeElement(d, start)
	if err != nil {
		return nil, err
	}
	env.Text = el.Text
	env.Payload = el.Children
	return env, nil
}

// StartElement converts the envelope header back into an XML start token in
// the provided content namespace.
func (e *Envelope) StartElement(space string) xml.StartElement {
	name := xml.Name{Space: space, Local: e.Kind.String()}
	if e.Kind == StreamControl {
		name = e.XMLName
	}
	attr := make([]xml.Attr, 0, 5)
	if e.ID != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: e.ID})
	}
	if e.To.Valid() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: e.To.String()})
	}
	if e.From.Valid() {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: e.From.String()})
	}
	if e.Type != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: e.Type})
	}
	if e.Lang != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: e.Lang})
	}
	return xml.StartElement{Name: name, Attr: attr}
}

// TokenReader returns a stream of XML tokens representing the envelope in the
// provided content namespace (ns.Client or ns.Server).
func (e *Envelope) TokenReader(space string) xml.TokenReader {
	inner := make([]xml.TokenReader, 0, len(e.Payload)+1)
	if e.Text != "" {
		inner = append(inner, xmlstream.Token(xml.CharData(e.Text)))
	}
	for _, el := range e.Payload {
		inner = append(inner, el.TokenReader())
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), e.StartElement(space))
}

// WriteXML writes the envelope to w in the provided content namespace.
func (e *Envelope) WriteXML(w xmlstream.TokenWriter, space string) (int, error) {
	n, err := xmlstream.Copy(w, e.TokenReader(space))
	return int(n), err
}

// NewMessage constructs an outbound message envelope.
func NewMessage(from, to jid.JID, typ string, payload ...*Element) *Envelope {
	return &Envelope{
		Kind:      Message,
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   payload,
		Direction: Outbound,
	}
}

// NewPresence constructs an outbound presence envelope. An empty type means
// available presence.
func NewPresence(from, to jid.JID, typ string, payload ...*Element) *Envelope {
	return &Envelope{
		Kind:      Presence,
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   payload,
		Direction: Outbound,
	}
}

// NewIQ constructs an outbound iq envelope.
func NewIQ(from, to jid.JID, typ, id string, payload ...*Element) *Envelope {
	return &Envelope{
		Kind:      IQ,
		From:      from,
		To:        to,
		Type:      typ,
		ID:        id,
		Payload:   payload,
		Direction: Outbound,
	}
}
