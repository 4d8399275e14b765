// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/stanza"
)

type fakeDeliverer struct {
	local  []*stanza.Envelope
	remote []*stanza.Envelope
	err    error
}

func (f *fakeDeliverer) DeliverLocal(_ context.Context, env *stanza.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.local = append(f.local, env)
	return nil
}

func (f *fakeDeliverer) Forward(_ context.Context, env *stanza.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.remote = append(f.remote, env)
	return nil
}

func testCaps(d *fakeDeliverer) Capabilities {
	return Capabilities{
		Local:   d,
		Remote:  d,
		IsLocal: func(domain string) bool { return domain == "b.example" },
	}
}

func TestMessageRoutedLocally(t *testing.T) {
	d := &fakeDeliverer{}
	p := New(discardLogger())
	RegisterBuiltin(p, testCaps(d))

	var events []Event
	p.Subscribe(func(ev Event) { events = append(events, ev) })

	env := inboundMessage() // to user@b.example, which is local
	p.Dispatch(context.Background(), env)

	require.Len(t, d.local, 1)
	assert.Empty(t, d.remote)
	require.Len(t, events, 1)
	assert.Equal(t, MessageRouted, events[0].Kind)
	// Addressing must pass through the router unchanged.
	assert.Equal(t, "feste@a.example", events[0].Envelope.From.String())
	assert.Equal(t, "user@b.example", events[0].Envelope.To.String())
}

func TestMessageForwardedToForeignDomain(t *testing.T) {
	d := &fakeDeliverer{}
	p := New(discardLogger())
	RegisterBuiltin(p, testCaps(d))

	env := inboundMessage()
	env.To = jid.MustParse("user@c.example")
	p.Dispatch(context.Background(), env)

	assert.Empty(t, d.local)
	require.Len(t, d.remote, 1)
	assert.Same(t, env, d.remote[0])
}

func TestRouteFailureProducesErrorReply(t *testing.T) {
	d := &fakeDeliverer{err: stanza.Error{Type: stanza.Cancel, Condition: stanza.RemoteServerNotFound}}
	p := New(discardLogger())
	RegisterBuiltin(p, testCaps(d))

	env := inboundMessage()
	emitted := p.Dispatch(context.Background(), env)

	require.Len(t, emitted, 1)
	reply := emitted[0]
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, env.From, reply.To)
	errEl := reply.Payload[len(reply.Payload)-1]
	require.NotNil(t, errEl.ChildNS(ns.Stanza, "remote-server-not-found"))
}

func TestErrorTypeStanzasAreNeverAnswered(t *testing.T) {
	d := &fakeDeliverer{err: stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}}
	p := New(discardLogger())
	RegisterBuiltin(p, testCaps(d))

	env := inboundMessage()
	env.Type = "error"
	emitted := p.Dispatch(context.Background(), env)
	assert.Empty(t, emitted, "answering an error with an error would loop")
}

func TestIQWithInvalidTypeRejected(t *testing.T) {
	d := &fakeDeliverer{}
	p := New(discardLogger())
	RegisterBuiltin(p, testCaps(d))

	env := inboundMessage()
	env.Kind = stanza.IQ
	env.Type = "subscribe"
	emitted := p.Dispatch(context.Background(), env)
	require.Len(t, emitted, 1)
	errEl := emitted[0].Payload[len(emitted[0].Payload)-1]
	require.NotNil(t, errEl.ChildNS(ns.Stanza, "bad-request"))
}

func TestDirectedPresenceEmitsEvent(t *testing.T) {
	d := &fakeDeliverer{}
	p := New(discardLogger())
	RegisterBuiltin(p, testCaps(d))

	var events []Event
	p.Subscribe(func(ev Event) { events = append(events, ev) })

	env := inboundMessage()
	env.Kind = stanza.Presence
	env.Type = ""
	p.Dispatch(context.Background(), env)

	require.Len(t, events, 1)
	assert.Equal(t, PresenceChanged, events[0].Kind)
	require.Len(t, d.local, 1)
}

type fixedRoster map[string]string

func (f fixedRoster) Lookup(_ context.Context, addr jid.JID) (*Record, error) {
	sub, ok := f[addr.Bare().String()]
	if !ok {
		return nil, nil
	}
	return &Record{JID: addr.Bare(), Subscription: sub}, nil
}

func TestPresenceProbeRequiresSubscription(t *testing.T) {
	d := &fakeDeliverer{}
	caps := testCaps(d)
	caps.Roster = fixedRoster{"friend@a.example": "both"}
	p := New(discardLogger())
	RegisterBuiltin(p, caps)

	probe := inboundMessage()
	probe.Kind = stanza.Presence
	probe.Type = "probe"
	probe.From = jid.MustParse("friend@a.example/home")
	p.Dispatch(context.Background(), probe)
	require.Len(t, d.local, 1, "a subscribed contact may probe")

	// A prober with no subscription is refused and the probe never routed.
	stranger := inboundMessage()
	stranger.Kind = stanza.Presence
	stranger.Type = "probe"
	stranger.From = jid.MustParse("stranger@c.example/x")
	emitted := p.Dispatch(context.Background(), stranger)
	require.Len(t, d.local, 1)
	require.Len(t, emitted, 1)
	errEl := emitted[0].Payload[len(emitted[0].Payload)-1]
	require.NotNil(t, errEl.ChildNS(ns.Stanza, "forbidden"))

	// A one-way "to" subscription does not cover presence probes either.
	caps.Roster = fixedRoster{"stranger@c.example": "to"}
	p2 := New(discardLogger())
	RegisterBuiltin(p2, caps)
	emitted = p2.Dispatch(context.Background(), stranger)
	require.Len(t, emitted, 1)
	errEl = emitted[0].Payload[len(emitted[0].Payload)-1]
	require.NotNil(t, errEl.ChildNS(ns.Stanza, "forbidden"))
}

func TestChatStateAnnotation(t *testing.T) {
	p := New(discardLogger())
	RegisterBuiltin(p, testCaps(&fakeDeliverer{}))

	env := inboundMessage()
	body := stanza.NewElement(ns.Server, "body")
	body.Text = "hello"
	env.Payload = []*stanza.Element{body}
	p.Dispatch(context.Background(), env)

	require.NotNil(t, env.Find(ns.ChatStates, "active"), "bodied chat message should be annotated active")

	// A message that already carries a chat state is left alone.
	env2 := inboundMessage()
	env2.Payload = []*stanza.Element{stanza.NewElement(ns.ChatStates, "composing")}
	p.Dispatch(context.Background(), env2)
	assert.Nil(t, env2.Find(ns.ChatStates, "active"))
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, jid.JID, string) bool { return false }

func TestUnauthorizedSenderRejected(t *testing.T) {
	d := &fakeDeliverer{}
	caps := testCaps(d)
	caps.Authz = denyAll{}
	p := New(discardLogger())
	RegisterBuiltin(p, caps)

	emitted := p.Dispatch(context.Background(), inboundMessage())
	require.Len(t, emitted, 1)
	errEl := emitted[0].Payload[len(emitted[0].Payload)-1]
	require.NotNil(t, errEl.ChildNS(ns.Stanza, "not-authorized"))
	assert.Empty(t, d.local)
}
