// Copyright 2024 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements XMPP addresses (historically, "Jabber IDs").
//
// An address comprises an optional localpart, a required domainpart, and an
// optional resourcepart (localpart@domainpart/resourcepart). All parts are
// canonicalized on construction so that byte comparison of two equal
// addresses succeeds.
package jid // import "github.com/waddle-social/waddle-sub002/jid"

import (
	"encoding/xml"
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Errors returned by this package.
var (
	ErrNoDomain     = errors.New("jid: domainpart must not be empty")
	ErrLongLocal    = errors.New("jid: localpart must be smaller than 1024 bytes")
	ErrLongDomain   = errors.New("jid: domainpart must be smaller than 1024 bytes")
	ErrLongResource = errors.New("jid: resourcepart must be smaller than 1024 bytes")
	ErrInvalidUTF8  = errors.New("jid: address is not valid UTF-8")
)

// JID represents an XMPP address. The zero value is an empty address and is
// reported as invalid by Valid.
type JID struct {
	locallen  int
	domainlen int
	data      string
}

// Parse constructs a JID from its string representation.
func Parse(s string) (JID, error) {
	local, domain, resource, err := splitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(local, domain, resource)
}

// MustParse is like Parse but panics if the address cannot be parsed.
// It simplifies initialization from known-good constant strings.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		if strconvErr, ok := err.(interface{ Error() string }); ok {
			panic(`jid: Parse(` + s + `): ` + strconvErr.Error())
		}
		panic(err)
	}
	return j
}

// New constructs a JID from the individual parts, enforcing the PRECIS
// profiles required by RFC 7622 on the local- and resourceparts and IDNA
// rules on the domainpart.
func New(local, domain, resource string) (JID, error) {
	if !utf8.ValidString(local) || !utf8.ValidString(domain) || !utf8.ValidString(resource) {
		return JID{}, ErrInvalidUTF8
	}

	domain, err := idna.Lookup.ToUnicode(strings.TrimSuffix(domain, "."))
	if err != nil {
		return JID{}, err
	}
	if domain == "" {
		return JID{}, ErrNoDomain
	}
	if len(domain) > 1023 {
		return JID{}, ErrLongDomain
	}

	if local != "" {
		local, err = precis.UsernameCaseMapped.String(local)
		if err != nil {
			return JID{}, err
		}
		if len(local) > 1023 {
			return JID{}, ErrLongLocal
		}
	}
	if resource != "" {
		resource, err = precis.OpaqueString.String(resource)
		if err != nil {
			return JID{}, err
		}
		if len(resource) > 1023 {
			return JID{}, ErrLongResource
		}
	}

	var b strings.Builder
	b.Grow(len(local) + len(domain) + len(resource))
	b.WriteString(local)
	b.WriteString(domain)
	b.WriteString(resource)
	return JID{
		locallen:  len(local),
		domainlen: len(domain),
		data:      b.String(),
	}, nil
}

// Localpart returns the localpart of the address (the part before the '@').
func (j JID) Localpart() string {
	return j.data[:j.locallen]
}

// Domainpart returns the domainpart of the address.
func (j JID) Domainpart() string {
	return j.data[j.locallen : j.locallen+j.domainlen]
}

// Resourcepart returns the resourcepart of the address (the part after the
// '/') or the empty string for bare addresses.
func (j JID) Resourcepart() string {
	return j.data[j.locallen+j.domainlen:]
}

// Bare returns a copy of the address with no resourcepart.
func (j JID) Bare() JID {
	return JID{
		locallen:  j.locallen,
		domainlen: j.domainlen,
		data:      j.data[:j.locallen+j.domainlen],
	}
}

// Domain returns a copy of the address with only the domainpart set.
func (j JID) Domain() JID {
	return JID{
		domainlen: j.domainlen,
		data:      j.Domainpart(),
	}
}

// Equal reports whether two addresses are identical part-for-part.
func (j JID) Equal(j2 JID) bool {
	return j.locallen == j2.locallen && j.domainlen == j2.domainlen && j.data == j2.data
}

// Valid reports whether the address has a domainpart. The zero JID is not
// valid.
func (j JID) Valid() bool {
	return j.domainlen > 0
}

// String converts the address back to its presentation form.
func (j JID) String() string {
	var b strings.Builder
	if j.locallen > 0 {
		b.WriteString(j.Localpart())
		b.WriteByte('@')
	}
	b.WriteString(j.Domainpart())
	if r := j.Resourcepart(); r != "" {
		b.WriteByte('/')
		b.WriteString(r)
	}
	return b.String()
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface. The zero value
// marshals to an empty (omitted) attribute.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if !j.Valid() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*j = JID{}
		return nil
	}
	jid, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = jid
	return nil
}

// splitString breaks an address into its three parts without performing any
// canonicalization.
func splitString(s string) (local, domain, resource string, err error) {
	// A resourcepart may itself contain '@' and '/', so split it off first.
	if idx := strings.IndexByte(s, '/'); idx != -1 {
		resource = s[idx+1:]
		s = s[:idx]
		if resource == "" {
			return "", "", "", errors.New("jid: resourcepart must not be empty if it exists")
		}
	}

	if idx := strings.IndexByte(s, '@'); idx != -1 {
		local = s[:idx]
		s = s[idx+1:]
		if local == "" {
			return "", "", "", errors.New("jid: localpart must not be empty if it exists")
		}
	}

	if s == "" {
		return "", "", "", ErrNoDomain
	}
	return local, s, resource, nil
}
