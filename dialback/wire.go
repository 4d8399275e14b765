// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package dialback

import (
	"encoding/xml"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/stanza"
)

// Wire element local names and verdict values in the dialback namespace.
const (
	resultLocal = "result"
	verifyLocal = "verify"

	TypeValid   = "valid"
	TypeInvalid = "invalid"
	TypeError   = "error"
)

// Result is a db:result element: the initiating server's claim (key set,
// type empty) or the receiving server's verdict (type set).
type Result struct {
	From jid.JID
	To   jid.JID
	Type string
	Key  string
}

// Verify is a db:verify element: the receiving server's question to the
// authoritative server (type empty) or the authoritative server's answer
// (type set). ID is the stream id the key was minted for.
type Verify struct {
	From jid.JID
	To   jid.JID
	ID   string
	Type string
	Key  string
}

// IsResult reports whether the envelope is a db:result element.
func IsResult(env *stanza.Envelope) bool {
	return env.Kind == stanza.StreamControl &&
		env.XMLName.Space == ns.Dialback && env.XMLName.Local == resultLocal
}

// IsVerify reports whether the envelope is a db:verify element.
func IsVerify(env *stanza.Envelope) bool {
	return env.Kind == stanza.StreamControl &&
		env.XMLName.Space == ns.Dialback && env.XMLName.Local == verifyLocal
}

// ResultFromEnvelope extracts a Result from a parsed stream-control
// envelope.
func ResultFromEnvelope(env *stanza.Envelope) Result {
	return Result{
		From: env.From,
		To:   env.To,
		Type: env.Type,
		Key:  env.Text,
	}
}

// VerifyFromEnvelope extracts a Verify from a parsed stream-control
// envelope.
func VerifyFromEnvelope(env *stanza.Envelope) Verify {
	return Verify{
		From: env.From,
		To:   env.To,
		ID:   env.ID,
		Type: env.Type,
		Key:  env.Text,
	}
}

// Envelope converts the result into an outbound stream-control envelope.
func (r Result) Envelope() *stanza.Envelope {
	return &stanza.Envelope{
		Kind:      stanza.StreamControl,
		XMLName:   xml.Name{Space: ns.Dialback, Local: resultLocal},
		From:      r.From,
		To:        r.To,
		Type:      r.Type,
		Text:      r.Key,
		Direction: stanza.Outbound,
		Origin:    stanza.PeerConn,
	}
}

// Envelope converts the verify into an outbound stream-control envelope.
func (v Verify) Envelope() *stanza.Envelope {
	return &stanza.Envelope{
		Kind:      stanza.StreamControl,
		XMLName:   xml.Name{Space: ns.Dialback, Local: verifyLocal},
		From:      v.From,
		To:        v.To,
		ID:        v.ID,
		Type:      v.Type,
		Text:      v.Key,
		Direction: stanza.Outbound,
		Origin:    stanza.PeerConn,
	}
}
