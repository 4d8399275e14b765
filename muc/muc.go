// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package muc implements federated multi-user chat rooms.
//
// The service owns occupant and affiliation state for the rooms hosted on
// the local MUC domain and registers a routing processor that claims all
// traffic addressed to that domain. Room traffic is fanned out to every
// occupant individually; occupants on foreign domains are reached through
// the federation pool like any other remote address, so the room stays
// consistent across domains without any MUC-specific wire protocol.
package muc // import "github.com/waddle-social/waddle-sub002/muc"

import (
	"context"
	"encoding/xml"
	"log/slog"
	"sync"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/pipeline"
	"github.com/waddle-social/waddle-sub002/stanza"
)

// Service hosts the rooms of one MUC domain.
type Service struct {
	domain string
	caps   pipeline.Capabilities
	pipe   *pipeline.Pipeline
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewService allocates a room service for the given MUC domain (for example
// rooms.b.example). The capability set provides local and remote delivery;
// the pipeline receives occupant events.
func NewService(domain string, caps pipeline.Capabilities, pipe *pipeline.Pipeline, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		domain: domain,
		caps:   caps,
		pipe:   pipe,
		logger: logger,
		rooms:  make(map[string]*Room),
	}
}

// Domain returns the MUC domain this service answers for.
func (s *Service) Domain() string {
	return s.domain
}

// Register installs the room-membership routing processor. It runs at the
// same priority as the per-kind routers and claims only envelopes addressed
// to the service's domain.
func (s *Service) Register(p *pipeline.Pipeline) {
	p.Register(pipeline.PriorityRouting, pipeline.BothDirections, "route-room", pipeline.ProcessorFunc(s.HandleStanza))
}

// Room returns the named room, creating it if needed.
func (s *Service) Room(local string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[local]
	if !ok {
		r = newRoom(jid.MustParse(local + "@" + s.domain))
		s.rooms[local] = r
	}
	return r
}

// lookup returns the named room only if it already exists.
func (s *Service) lookup(local string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[local]
}

// HandleStanza is the room-membership routing processor.
func (s *Service) HandleStanza(ctx context.Context, env *stanza.Envelope) (pipeline.Outcome, error) {
	if env.To.Domainpart() != s.domain {
		return pipeline.Continue, nil
	}
	switch env.Kind {
	case stanza.Presence:
		return s.handlePresence(ctx, env)
	case stanza.Message:
		return s.handleMessage(ctx, env)
	case stanza.IQ:
		return s.handleIQ(ctx, env)
	}
	return pipeline.Halted, nil
}

func (s *Service) handlePresence(ctx context.Context, env *stanza.Envelope) (pipeline.Outcome, error) {
	nick := env.To.Resourcepart()
	if nick == "" {
		return bounce(env, stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed, Text: "room presence requires a nickname"}), nil
	}
	room := s.Room(env.To.Localpart())

	switch env.Type {
	case "":
		occ, err := room.Join(env.From, nick)
		if err != nil {
			switch err {
			case ErrNickConflict:
				return bounce(env, stanza.Error{Type: stanza.Cancel, Condition: stanza.Conflict}), nil
			case ErrBanned:
				return bounce(env, stanza.Error{Type: stanza.Auth, Condition: stanza.Forbidden}), nil
			}
			return pipeline.Halted, err
		}
		s.broadcastPresence(ctx, room, occ, "")
		s.emitOccupant(room, occ, env)
		return pipeline.Halted, nil
	case "unavailable":
		occ := room.LeaveIfOwner(nick, env.From)
		if occ == nil {
			return pipeline.Halted, nil
		}
		s.broadcastPresence(ctx, room, occ, "unavailable")
		// The departing occupant still gets its own unavailable echo.
		s.routeOccupantPresence(ctx, room, occ, occ, "unavailable")
		s.emitOccupant(room, occ, env)
		return pipeline.Halted, nil
	default:
		return pipeline.Halted, nil
	}
}

func (s *Service) handleMessage(ctx context.Context, env *stanza.Envelope) (pipeline.Outcome, error) {
	if env.Type != "groupchat" {
		return bounce(env, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest, Text: "rooms accept groupchat messages"}), nil
	}
	room := s.lookup(env.To.Localpart())
	var sender *Occupant
	if room != nil {
		sender = room.ByReal(env.From)
	}
	if sender == nil {
		return bounce(env, stanza.Error{Type: stanza.Modify, Condition: stanza.NotAcceptable, Text: "only occupants may send to the room"}), nil
	}

	from := s.occupantJID(room, sender.Nick)
	for _, occ := range room.Occupants() {
		fwd := env.Clone()
		fwd.From = from
		fwd.To = occ.Real
		s.route(ctx, fwd)
	}
	s.pipe.Emit(pipeline.Event{Kind: pipeline.MessageRouted, Envelope: env})
	return pipeline.Halted, nil
}

// handleIQ processes affiliation changes (muc#admin) addressed to a room.
func (s *Service) handleIQ(ctx context.Context, env *stanza.Envelope) (pipeline.Outcome, error) {
	if env.Type != "set" {
		return bounce(env, stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}), nil
	}
	query := env.Find(ns.MUCAdmin, "query")
	if query == nil {
		return bounce(env, stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}), nil
	}
	room := s.lookup(env.To.Localpart())
	if room == nil {
		return bounce(env, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound}), nil
	}
	actor := room.ByReal(env.From)
	if actor == nil || !actor.Affiliation.manage() {
		return bounce(env, stanza.Error{Type: stanza.Auth, Condition: stanza.Forbidden}), nil
	}

	for _, item := range query.Children {
		if item.XMLName.Local != "item" {
			continue
		}
		target, err := jid.Parse(item.Attribute("jid"))
		if err != nil {
			return bounce(env, stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed}), nil
		}
		var aff Affiliation
		if err := (&aff).UnmarshalXMLAttr(attrOf(item, "affiliation")); err != nil {
			return bounce(env, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest, Text: err.Error()}), nil
		}
		occ := room.SetAffiliation(target, aff)
		if occ == nil {
			continue
		}
		if aff == AffiliationOutcast {
			room.Leave(occ.Nick)
			s.broadcastPresence(ctx, room, occ, "unavailable")
			s.routeOccupantPresence(ctx, room, occ, occ, "unavailable")
		} else {
			s.broadcastPresence(ctx, room, occ, "")
		}
		s.emitOccupant(room, occ, env)
	}

	reply := env.Reply()
	reply.Type = "result"
	return pipeline.Outcome{Halt: true, Emit: []*stanza.Envelope{reply}}, nil
}

// broadcastPresence routes the occupant's room presence to every current
// occupant.
func (s *Service) broadcastPresence(ctx context.Context, room *Room, subject *Occupant, typ string) {
	for _, target := range room.Occupants() {
		s.routeOccupantPresence(ctx, room, subject, target, typ)
	}
}

// routeOccupantPresence builds and routes one occupant-presence stanza from
// the room to a single target.
func (s *Service) routeOccupantPresence(ctx context.Context, room *Room, subject, target *Occupant, typ string) {
	item := stanza.NewElement(ns.MUCUser, "item").
		SetAttribute("affiliation", subject.Affiliation.String()).
		SetAttribute("role", subject.Role.String()).
		SetAttribute("jid", subject.Real.String())
	x := stanza.NewElement(ns.MUCUser, "x").Append(item)
	if subject == target {
		// Self-presence carries status 110 so the client knows the room
		// has finished reflecting its own join or exit.
		x.Append(stanza.NewElement(ns.MUCUser, "status").SetAttribute("code", "110"))
	}
	env := stanza.NewPresence(s.occupantJID(room, subject.Nick), target.Real, typ, x)
	s.route(ctx, env)
}

// route delivers an envelope to a local session or to the federation pool.
// Fan-out failures affect one target only; they are logged, not bounced.
func (s *Service) route(ctx context.Context, env *stanza.Envelope) {
	caps := s.caps
	domain := env.To.Domainpart()
	var err error
	switch {
	case caps.IsLocal != nil && caps.IsLocal(domain) && caps.Local != nil:
		err = caps.Local.DeliverLocal(ctx, env)
	case caps.Remote != nil:
		err = caps.Remote.Forward(ctx, env)
	default:
		err = stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
	}
	if err != nil {
		s.logger.Warn("room fan-out delivery failed",
			"room", env.From.Bare().String(),
			"to", env.To.String(),
			"error", err,
		)
	}
}

func (s *Service) occupantJID(room *Room, nick string) jid.JID {
	addr, err := jid.New(room.Addr().Localpart(), room.Addr().Domainpart(), nick)
	if err != nil {
		return room.Addr()
	}
	return addr
}

func (s *Service) emitOccupant(room *Room, occ *Occupant, env *stanza.Envelope) {
	s.pipe.Emit(pipeline.Event{
		Kind:     pipeline.OccupantUpdated,
		Envelope: env,
		Room:     room.Addr(),
		Occupant: occ.Real,
	})
}

// bounce halts the envelope and emits the matching error reply.
func bounce(env *stanza.Envelope, serr stanza.Error) pipeline.Outcome {
	if env.Type == "error" || env.Type == "result" {
		return pipeline.Halted
	}
	return pipeline.Outcome{Halt: true, Emit: []*stanza.Envelope{stanza.ErrorReply(env, serr)}}
}

// attrOf returns the named attribute as an xml.Attr for unmarshaling.
func attrOf(el *stanza.Element, local string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: local}, Value: el.Attribute(local)}
}
