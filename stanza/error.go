// Copyright 2024 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"github.com/waddle-social/waddle-sub002/internal/ns"
)

// ErrorType is the type of a stanza error, which hints at how the original
// sender should react.
type ErrorType string

// Stanza error types defined by RFC 6120 §8.3.2.
const (
	// Auth indicates that an operation should be retried after providing
	// credentials.
	Auth ErrorType = "auth"

	// Cancel indicates that the error cannot be remedied and the operation
	// should not be retried.
	Cancel ErrorType = "cancel"

	// Continue indicates that the operation can proceed (the condition was only
	// a warning).
	Continue ErrorType = "continue"

	// Modify indicates that the operation can be retried after changing the
	// data sent.
	Modify ErrorType = "modify"

	// Wait indicates that the error is temporary and the operation should be
	// retried after waiting.
	Wait ErrorType = "wait"
)

// Condition is a defined stanza error condition.
type Condition string

// The subset of RFC 6120 §8.3.3 conditions produced by the engine.
const (
	BadRequest            Condition = "bad-request"
	Conflict              Condition = "conflict"
	FeatureNotImplemented Condition = "feature-not-implemented"
	Forbidden             Condition = "forbidden"
	InternalServerError   Condition = "internal-server-error"
	ItemNotFound          Condition = "item-not-found"
	JIDMalformed          Condition = "jid-malformed"
	NotAuthorized         Condition = "not-authorized"
	NotAcceptable         Condition = "not-acceptable"
	RemoteServerNotFound  Condition = "remote-server-not-found"
	RemoteServerTimeout   Condition = "remote-server-timeout"
	ServiceUnavailable    Condition = "service-unavailable"
	UndefinedCondition    Condition = "undefined-condition"
)

// Error is a stanza level error. It can be attached to a reply envelope to
// answer a stanza that could not be processed without tearing down the
// stream it arrived on.
type Error struct {
	Type      ErrorType
	Condition Condition
	Text      string
}

// Error satisfies the error interface.
func (e Error) Error() string {
	if e.Text != "" {
		return string(e.Condition) + ": " + e.Text
	}
	return string(e.Condition)
}

// Element converts the error into a payload element suitable for attachment
// to a reply envelope.
func (e Error) Element() *Element {
	el := &Element{
		XMLName: xml.Name{Local: "error"},
		Attr:    []xml.Attr{{Name: xml.Name{Local: "type"}, Value: string(e.Type)}},
	}
	el.Append(NewElement(ns.Stanza, string(e.Condition)))
	if e.Text != "" {
		txt := NewElement(ns.Stanza, "text")
		txt.Text = e.Text
		el.Append(txt)
	}
	return el
}

// ErrorReply builds the type="error" reply for the given inbound envelope as
// required by RFC 6120 §8.3.1: addresses swapped, the offending payload
// retained, and the error element appended last.
func ErrorReply(in *Envelope, stanzaErr Error) *Envelope {
	reply := in.Reply()
	reply.Type = "error"
	for _, el := range in.Payload {
		reply.Payload = append(reply.Payload, el.Clone())
	}
	reply.Payload = append(reply.Payload, stanzaErr.Element())
	return reply
}
