// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muc

import (
	"encoding/xml"
	"errors"
)

// Affiliation indicates a user's long-lived association with a room. It
// survives the occupant leaving and rejoining.
type Affiliation uint8

// A list of room affiliations.
const (
	AffiliationNone Affiliation = iota
	AffiliationOwner
	AffiliationAdmin
	AffiliationMember
	AffiliationOutcast
)

// String satisfies fmt.Stringer.
func (a Affiliation) String() string {
	switch a {
	case AffiliationOwner:
		return "owner"
	case AffiliationAdmin:
		return "admin"
	case AffiliationMember:
		return "member"
	case AffiliationOutcast:
		return "outcast"
	}
	return "none"
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (a *Affiliation) UnmarshalXMLAttr(attr xml.Attr) error {
	switch attr.Value {
	case "none":
		*a = AffiliationNone
	case "owner":
		*a = AffiliationOwner
	case "admin":
		*a = AffiliationAdmin
	case "member":
		*a = AffiliationMember
	case "outcast":
		*a = AffiliationOutcast
	default:
		return errors.New("muc: unrecognized affiliation")
	}
	return nil
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (a Affiliation) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: a.String()}, nil
}

// manage reports whether this affiliation may change other occupants'
// affiliations.
func (a Affiliation) manage() bool {
	return a == AffiliationOwner || a == AffiliationAdmin
}

// Role indicates an occupant's privileges for the duration of a visit. It is
// reset when the occupant leaves.
type Role uint8

// A list of occupant roles.
const (
	RoleNone Role = iota
	RoleModerator
	RoleParticipant
	RoleVisitor
)

// String satisfies fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleModerator:
		return "moderator"
	case RoleParticipant:
		return "participant"
	case RoleVisitor:
		return "visitor"
	}
	return "none"
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (r *Role) UnmarshalXMLAttr(attr xml.Attr) error {
	switch attr.Value {
	case "none":
		*r = RoleNone
	case "moderator":
		*r = RoleModerator
	case "participant":
		*r = RoleParticipant
	case "visitor":
		*r = RoleVisitor
	default:
		return errors.New("muc: unrecognized role")
	}
	return nil
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (r Role) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: r.String()}, nil
}

// defaultRole returns the role an occupant receives on join based on their
// affiliation.
func defaultRole(a Affiliation) Role {
	switch a {
	case AffiliationOwner, AffiliationAdmin:
		return RoleModerator
	case AffiliationOutcast:
		return RoleNone
	}
	return RoleParticipant
}
