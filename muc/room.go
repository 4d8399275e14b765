// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muc

import (
	"errors"
	"sync"

	"github.com/waddle-social/waddle-sub002/jid"
)

// Errors returned by room operations.
var (
	ErrNickConflict = errors.New("muc: nickname in use by another occupant")
	ErrNotOccupant  = errors.New("muc: sender is not an occupant")
	ErrBanned       = errors.New("muc: outcast affiliation bars entry")
)

// Occupant is one user present in a room. Real is the full real JID the
// occupant joined from; in federated rooms it may belong to a foreign
// domain.
type Occupant struct {
	Real        jid.JID
	Nick        string
	Affiliation Affiliation
	Role        Role
}

// Room holds the live occupant state for one federated room. Affiliations
// persist across visits; occupancy does not.
type Room struct {
	addr jid.JID

	mu           sync.Mutex
	occupants    map[string]*Occupant // keyed by nick
	affiliations map[string]Affiliation // keyed by real bare JID
}

func newRoom(addr jid.JID) *Room {
	return &Room{
		addr:         addr,
		occupants:    make(map[string]*Occupant),
		affiliations: make(map[string]Affiliation),
	}
}

// Addr returns the room's bare address.
func (r *Room) Addr() jid.JID {
	return r.addr
}

// Join adds real to the room under nick, or refreshes the existing occupant
// when the same user rejoins with the same nick. The first occupant of an
// empty room becomes its owner.
func (r *Room) Join(real jid.JID, nick string) (*Occupant, error) {
	bare := real.Bare().String()
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.occupants[nick]; ok && cur.Real.Bare().String() != bare {
		return nil, ErrNickConflict
	}
	aff, ok := r.affiliations[bare]
	if !ok {
		aff = AffiliationMember
		if len(r.occupants) == 0 {
			aff = AffiliationOwner
		}
		r.affiliations[bare] = aff
	}
	if aff == AffiliationOutcast {
		return nil, ErrBanned
	}
	occ := &Occupant{
		Real:        real,
		Nick:        nick,
		Affiliation: aff,
		Role:        defaultRole(aff),
	}
	r.occupants[nick] = occ
	return occ, nil
}

// Leave removes the occupant joined as nick and returns it, or nil if no
// such occupant exists.
func (r *Room) Leave(nick string) *Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	occ, ok := r.occupants[nick]
	if !ok {
		return nil
	}
	delete(r.occupants, nick)
	occ.Role = RoleNone
	return occ
}

// LeaveIfOwner removes the occupant joined as nick only when real is the
// user who joined under that nick, and returns it. A mismatched or unknown
// sender removes nothing; anyone can address an occupant's room JID, so the
// check and the removal must be one atomic step.
func (r *Room) LeaveIfOwner(nick string, real jid.JID) *Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	occ, ok := r.occupants[nick]
	if !ok || occ.Real.Bare().String() != real.Bare().String() {
		return nil
	}
	delete(r.occupants, nick)
	occ.Role = RoleNone
	return occ
}

// ByReal returns the occupant whose real bare JID matches addr, or nil.
func (r *Room) ByReal(addr jid.JID) *Occupant {
	bare := addr.Bare().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, occ := range r.occupants {
		if occ.Real.Bare().String() == bare {
			return occ
		}
	}
	return nil
}

// SetAffiliation records a new affiliation for the given real bare JID and
// returns the present occupant carrying it, if any. An occupant made
// outcast loses its role; the caller is responsible for removing it.
func (r *Room) SetAffiliation(addr jid.JID, aff Affiliation) *Occupant {
	bare := addr.Bare().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.affiliations[bare] = aff
	for _, occ := range r.occupants {
		if occ.Real.Bare().String() == bare {
			occ.Affiliation = aff
			occ.Role = defaultRole(aff)
			return occ
		}
	}
	return nil
}

// Occupants returns a snapshot of the current occupants.
func (r *Room) Occupants() []*Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Occupant, 0, len(r.occupants))
	for _, occ := range r.occupants {
		out = append(out, occ)
	}
	return out
}

// Empty reports whether the room has no occupants.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.occupants) == 0
}
