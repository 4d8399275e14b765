// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muc_test

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/muc"
	"github.com/waddle-social/waddle-sub002/pipeline"
	"github.com/waddle-social/waddle-sub002/stanza"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures fan-out deliveries, split by local and remote path.
type recorder struct {
	mu     sync.Mutex
	local  []*stanza.Envelope
	remote []*stanza.Envelope
}

func (r *recorder) DeliverLocal(_ context.Context, env *stanza.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = append(r.local, env)
	return nil
}

func (r *recorder) Forward(_ context.Context, env *stanza.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = append(r.remote, env)
	return nil
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local, r.remote = nil, nil
}

func (r *recorder) localTo(addr string) []*stanza.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*stanza.Envelope
	for _, env := range r.local {
		if env.To.String() == addr {
			out = append(out, env)
		}
	}
	return out
}

func (r *recorder) remoteTo(addr string) []*stanza.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*stanza.Envelope
	for _, env := range r.remote {
		if env.To.String() == addr {
			out = append(out, env)
		}
	}
	return out
}

func newService(rec *recorder) (*muc.Service, *pipeline.Pipeline) {
	pl := pipeline.New(discardLogger())
	caps := pipeline.Capabilities{
		Local:   rec,
		Remote:  rec,
		IsLocal: func(domain string) bool { return domain == "b.example" },
	}
	svc := muc.NewService("rooms.b.example", caps, pl, discardLogger())
	svc.Register(pl)
	return svc, pl
}

func joinPresence(from, room string) *stanza.Envelope {
	env := stanza.NewPresence(jid.MustParse(from), jid.MustParse(room), "")
	env.Direction = stanza.Inbound
	return env
}

func TestJoinBroadcastsAcrossDomains(t *testing.T) {
	rec := &recorder{}
	svc, pl := newService(rec)

	var events []pipeline.Event
	pl.Subscribe(func(ev pipeline.Event) {
		if ev.Kind == pipeline.OccupantUpdated {
			events = append(events, ev)
		}
	})

	ctx := context.Background()
	out, err := svc.HandleStanza(ctx, joinPresence("feste@b.example/desk", "ward@rooms.b.example/feste"))
	require.NoError(t, err)
	assert.True(t, out.Halt)

	rec.reset()
	out, err = svc.HandleStanza(ctx, joinPresence("olivia@a.example/home", "ward@rooms.b.example/olivia"))
	require.NoError(t, err)
	assert.True(t, out.Halt)

	// The newcomer's presence reaches the local occupant and, over
	// federation, the newcomer herself (self-presence with status 110).
	toLocal := rec.localTo("feste@b.example/desk")
	require.Len(t, toLocal, 1)
	assert.Equal(t, "ward@rooms.b.example/olivia", toLocal[0].From.String())

	toRemote := rec.remoteTo("olivia@a.example/home")
	require.Len(t, toRemote, 1)
	x := toRemote[0].Find(ns.MUCUser, "x")
	require.NotNil(t, x)
	status := x.ChildNS(ns.MUCUser, "status")
	require.NotNil(t, status)
	assert.Equal(t, "110", status.Attribute("code"))

	require.Len(t, events, 2)
	assert.Equal(t, "ward@rooms.b.example", events[1].Room.String())
	assert.Equal(t, "olivia@a.example/home", events[1].Occupant.String())
}

func TestGroupchatFanOut(t *testing.T) {
	rec := &recorder{}
	svc, _ := newService(rec)
	ctx := context.Background()

	_, err := svc.HandleStanza(ctx, joinPresence("feste@b.example/desk", "ward@rooms.b.example/feste"))
	require.NoError(t, err)
	_, err = svc.HandleStanza(ctx, joinPresence("olivia@a.example/home", "ward@rooms.b.example/olivia"))
	require.NoError(t, err)
	rec.reset()

	msg := stanza.NewMessage(
		jid.MustParse("olivia@a.example/home"),
		jid.MustParse("ward@rooms.b.example"),
		"groupchat",
		&stanza.Element{XMLName: xml.Name{Local: "body"}, Text: "what news"},
	)
	msg.Direction = stanza.Inbound
	out, err := svc.HandleStanza(ctx, msg)
	require.NoError(t, err)
	assert.True(t, out.Halt)

	local := rec.localTo("feste@b.example/desk")
	require.Len(t, local, 1)
	assert.Equal(t, "ward@rooms.b.example/olivia", local[0].From.String())
	body := local[0].Find("", "body")
	require.NotNil(t, body)
	assert.Equal(t, "what news", body.Text)

	remote := rec.remoteTo("olivia@a.example/home")
	require.Len(t, remote, 1, "sender receives the room's reflection")

	// The original envelope is cloned, never rewritten in place.
	assert.Equal(t, "olivia@a.example/home", msg.From.String())
}

func TestNonOccupantMessageBounced(t *testing.T) {
	rec := &recorder{}
	svc, _ := newService(rec)

	msg := stanza.NewMessage(
		jid.MustParse("stranger@c.example"),
		jid.MustParse("ward@rooms.b.example"),
		"groupchat",
	)
	out, err := svc.HandleStanza(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, out.Halt)
	require.Len(t, out.Emit, 1)
	reply := out.Emit[0]
	assert.Equal(t, "error", reply.Type)
	errEl := reply.Find("", "error")
	require.NotNil(t, errEl)
	assert.NotNil(t, errEl.ChildNS(ns.Stanza, "not-acceptable"))
}

func TestNickConflict(t *testing.T) {
	rec := &recorder{}
	svc, _ := newService(rec)
	ctx := context.Background()

	_, err := svc.HandleStanza(ctx, joinPresence("feste@b.example/desk", "ward@rooms.b.example/jester"))
	require.NoError(t, err)

	out, err := svc.HandleStanza(ctx, joinPresence("olivia@a.example/home", "ward@rooms.b.example/jester"))
	require.NoError(t, err)
	require.Len(t, out.Emit, 1)
	errEl := out.Emit[0].Find("", "error")
	require.NotNil(t, errEl)
	assert.NotNil(t, errEl.ChildNS(ns.Stanza, "conflict"))
}

func TestUnavailableFromStrangerDoesNotEject(t *testing.T) {
	rec := &recorder{}
	svc, _ := newService(rec)
	ctx := context.Background()

	_, err := svc.HandleStanza(ctx, joinPresence("feste@b.example/desk", "ward@rooms.b.example/jester"))
	require.NoError(t, err)
	rec.reset()

	// Anyone can address an occupant's room JID; only the occupant may
	// leave through it.
	leave := stanza.NewPresence(
		jid.MustParse("mallory@a.example/x"),
		jid.MustParse("ward@rooms.b.example/jester"),
		"unavailable",
	)
	leave.Direction = stanza.Inbound
	out, err := svc.HandleStanza(ctx, leave)
	require.NoError(t, err)
	assert.True(t, out.Halt)

	require.NotNil(t, svc.Room("ward").ByReal(jid.MustParse("feste@b.example")),
		"occupant must survive a spoofed unavailable presence")
	assert.Empty(t, rec.local)
	assert.Empty(t, rec.remote)

	// The occupant itself still leaves normally.
	leave.From = jid.MustParse("feste@b.example/desk")
	_, err = svc.HandleStanza(ctx, leave)
	require.NoError(t, err)
	assert.Nil(t, svc.Room("ward").ByReal(jid.MustParse("feste@b.example")))
}

func TestAffiliationChange(t *testing.T) {
	rec := &recorder{}
	svc, pl := newService(rec)
	ctx := context.Background()

	var events []pipeline.Event
	pl.Subscribe(func(ev pipeline.Event) {
		if ev.Kind == pipeline.OccupantUpdated {
			events = append(events, ev)
		}
	})

	// First joiner owns the room.
	_, err := svc.HandleStanza(ctx, joinPresence("feste@b.example/desk", "ward@rooms.b.example/feste"))
	require.NoError(t, err)
	_, err = svc.HandleStanza(ctx, joinPresence("olivia@a.example/home", "ward@rooms.b.example/olivia"))
	require.NoError(t, err)
	rec.reset()
	events = nil

	item := stanza.NewElement(ns.MUCAdmin, "item").
		SetAttribute("jid", "olivia@a.example").
		SetAttribute("affiliation", "outcast")
	query := stanza.NewElement(ns.MUCAdmin, "query").Append(item)
	iq := stanza.NewIQ(
		jid.MustParse("feste@b.example/desk"),
		jid.MustParse("ward@rooms.b.example"),
		"set", "ban1", query,
	)
	out, err := svc.HandleStanza(ctx, iq)
	require.NoError(t, err)
	require.True(t, out.Halt)
	require.Len(t, out.Emit, 1)
	assert.Equal(t, "result", out.Emit[0].Type)
	assert.Equal(t, "ban1", out.Emit[0].ID)

	// The banned occupant is gone and was told so.
	require.Len(t, events, 1)
	assert.Equal(t, "olivia@a.example", events[0].Occupant.Bare().String())
	assert.NotEmpty(t, rec.remoteTo("olivia@a.example/home"))
	assert.Nil(t, svc.Room("ward").ByReal(jid.MustParse("olivia@a.example")))

	// A banned user cannot rejoin.
	out, err = svc.HandleStanza(ctx, joinPresence("olivia@a.example/home", "ward@rooms.b.example/olivia"))
	require.NoError(t, err)
	require.Len(t, out.Emit, 1)
	errEl := out.Emit[0].Find("", "error")
	require.NotNil(t, errEl)
	assert.NotNil(t, errEl.ChildNS(ns.Stanza, "forbidden"))
}

func TestAffiliationChangeRequiresPrivilege(t *testing.T) {
	rec := &recorder{}
	svc, _ := newService(rec)
	ctx := context.Background()

	_, err := svc.HandleStanza(ctx, joinPresence("feste@b.example/desk", "ward@rooms.b.example/feste"))
	require.NoError(t, err)
	_, err = svc.HandleStanza(ctx, joinPresence("olivia@a.example/home", "ward@rooms.b.example/olivia"))
	require.NoError(t, err)

	item := stanza.NewElement(ns.MUCAdmin, "item").
		SetAttribute("jid", "feste@b.example").
		SetAttribute("affiliation", "outcast")
	query := stanza.NewElement(ns.MUCAdmin, "query").Append(item)
	iq := stanza.NewIQ(
		jid.MustParse("olivia@a.example/home"),
		jid.MustParse("ward@rooms.b.example"),
		"set", "ban2", query,
	)
	out, err := svc.HandleStanza(ctx, iq)
	require.NoError(t, err)
	require.Len(t, out.Emit, 1)
	errEl := out.Emit[0].Find("", "error")
	require.NotNil(t, errEl)
	assert.NotNil(t, errEl.ChildNS(ns.Stanza, "forbidden"))
}

func TestForeignTrafficPassesThrough(t *testing.T) {
	rec := &recorder{}
	svc, _ := newService(rec)

	msg := stanza.NewMessage(jid.MustParse("feste@b.example"), jid.MustParse("user@b.example"), "chat")
	out, err := svc.HandleStanza(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, out.Halt, "non-room traffic must stay on the chain")
}
