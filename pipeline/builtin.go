// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"fmt"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/stanza"
)

// RegisterBuiltin installs the engine's built-in processors: per-kind
// routing at priority 10 and session-state annotation at priority 20. Each
// routing processor acts only on envelopes of its own semantic kind and
// passes everything else down the chain untouched.
func RegisterBuiltin(p *Pipeline, caps Capabilities) {
	p.Register(PriorityRouting, BothDirections, "route-message", &messageRouter{caps: caps, pipe: p})
	p.Register(PriorityRouting, BothDirections, "route-presence", &presenceRouter{caps: caps, pipe: p})
	p.Register(PriorityRouting, BothDirections, "route-iq", &iqRouter{caps: caps})
	p.Register(PriorityAnnotate, InboundOnly, "chat-state", ProcessorFunc(annotateChatState))
}

// deliver routes an envelope to a local session or the federation layer
// depending on the destination domain.
func deliver(ctx context.Context, caps Capabilities, env *stanza.Envelope) error {
	if !env.To.Valid() {
		return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest, Text: "missing to address"}
	}
	if caps.IsLocal != nil && caps.IsLocal(env.To.Domainpart()) {
		if caps.Local == nil {
			return stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
		}
		return caps.Local.DeliverLocal(ctx, env)
	}
	if caps.Remote == nil {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.RemoteServerNotFound}
	}
	return caps.Remote.Forward(ctx, env)
}

// routeFailure converts a delivery failure into an error reply when the
// stanza type warrants one, per RFC 6120 §8.3.1. Messages and iq get/set
// are answered; errors and results are dropped to avoid loops.
func routeFailure(env *stanza.Envelope, err error) Outcome {
	if env.Type == "error" || env.Type == "result" {
		return Halted
	}
	stanzaErr, ok := err.(stanza.Error)
	if !ok {
		stanzaErr = stanza.Error{Type: stanza.Wait, Condition: stanza.RemoteServerTimeout, Text: err.Error()}
	}
	return Outcome{Halt: true, Emit: []*stanza.Envelope{stanza.ErrorReply(env, stanzaErr)}}
}

type messageRouter struct {
	caps Capabilities
	pipe *Pipeline
}

func (r *messageRouter) HandleStanza(ctx context.Context, env *stanza.Envelope) (Outcome, error) {
	if env.Kind != stanza.Message {
		return Continue, nil
	}
	if r.caps.Authz != nil && env.From.Valid() && !r.caps.Authz.Authorize(ctx, env.From.Bare(), "message.send") {
		return routeFailure(env, stanza.Error{Type: stanza.Auth, Condition: stanza.NotAuthorized}), nil
	}
	if err := deliver(ctx, r.caps, env); err != nil {
		return routeFailure(env, err), nil
	}
	if r.caps.Archive != nil && hasBody(env) {
		// Bodyless messages (chat states, receipts) are not archived.
		if err := r.caps.Archive.WriteArchive(ctx, env); err != nil {
			return Continue, fmt.Errorf("archiving routed message: %w", err)
		}
	}
	r.pipe.Emit(Event{Kind: MessageRouted, Envelope: env})
	return Continue, nil
}

type presenceRouter struct {
	caps Capabilities
	pipe *Pipeline
}

func (r *presenceRouter) HandleStanza(ctx context.Context, env *stanza.Envelope) (Outcome, error) {
	if env.Kind != stanza.Presence {
		return Continue, nil
	}
	// Broadcast presence (no to address) is fanned out by the presence
	// service, which subscribes to the event; only directed presence is
	// routed here.
	if env.To.Valid() {
		if env.Type == "probe" {
			if out, ok := r.authorizeProbe(ctx, env); !ok {
				return out, nil
			}
		}
		if err := deliver(ctx, r.caps, env); err != nil {
			return routeFailure(env, err), nil
		}
	}
	r.pipe.Emit(Event{Kind: PresenceChanged, Envelope: env})
	return Continue, nil
}

// authorizeProbe gates a directed presence probe on the target's roster:
// the prober must hold a subscription to the target's presence ("from" or
// "both" on the target's side, per RFC 6121 §4.3). Without a roster
// capability every probe is allowed through, matching the router's open
// stance on the other presence types.
func (r *presenceRouter) authorizeProbe(ctx context.Context, env *stanza.Envelope) (Outcome, bool) {
	if r.caps.Roster == nil || !env.From.Valid() {
		return Continue, true
	}
	rec, err := r.caps.Roster.Lookup(ctx, env.From.Bare())
	if err != nil {
		return routeFailure(env, fmt.Errorf("roster lookup for probe: %w", err)), false
	}
	if rec == nil || (rec.Subscription != "from" && rec.Subscription != "both") {
		return routeFailure(env, stanza.Error{Type: stanza.Auth, Condition: stanza.Forbidden}), false
	}
	return Continue, true
}

type iqRouter struct {
	caps Capabilities
}

func (r *iqRouter) HandleStanza(ctx context.Context, env *stanza.Envelope) (Outcome, error) {
	if env.Kind != stanza.IQ {
		return Continue, nil
	}
	switch env.Type {
	case "get", "set", "result", "error":
	default:
		return routeFailure(env, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest, Text: "invalid iq type"}), nil
	}
	// An iq with no to address, or addressed to the server's own domain, is
	// handled by the server itself; leave it on the chain for a registered
	// feature processor (ping, disco, and friends register above
	// PriorityRouting or answer via events).
	if !env.To.Valid() {
		return Continue, nil
	}
	if env.To.Localpart() == "" && r.caps.IsLocal != nil && r.caps.IsLocal(env.To.Domainpart()) {
		return Continue, nil
	}
	if err := deliver(ctx, r.caps, env); err != nil {
		return routeFailure(env, err), nil
	}
	return Continue, nil
}

// hasBody reports whether the message carries a body element in a stanza
// content namespace.
func hasBody(env *stanza.Envelope) bool {
	for _, el := range env.Payload {
		if el.XMLName.Local != "body" {
			continue
		}
		switch el.XMLName.Space {
		case "", ns.Client, ns.Server:
			return true
		}
	}
	return false
}

// annotateChatState implements the session-state annotation step: chat
// messages carrying a body but no explicit chat-state element are annotated
// as <active/> so downstream consumers see a uniform stream of indicator
// states.
func annotateChatState(_ context.Context, env *stanza.Envelope) (Outcome, error) {
	if env.Kind != stanza.Message || env.Type != "chat" {
		return Continue, nil
	}
	hasBody := false
	for _, el := range env.Payload {
		if el.XMLName.Space == ns.ChatStates {
			return Continue, nil
		}
		if el.XMLName.Local == "body" {
			hasBody = true
		}
	}
	if hasBody {
		env.Annotate(stanza.NewElement(ns.ChatStates, "active"))
	}
	return Continue, nil
}
