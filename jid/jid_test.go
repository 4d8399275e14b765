// Copyright 2024 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid_test

import (
	"encoding/xml"
	"strconv"
	"testing"

	"github.com/waddle-social/waddle-sub002/jid"
)

var parseTests = [...]struct {
	in       string
	local    string
	domain   string
	resource string
	err      bool
}{
	0: {in: "example.net", domain: "example.net"},
	1: {in: "feste@example.net", local: "feste", domain: "example.net"},
	2: {in: "feste@example.net/ilyria", local: "feste", domain: "example.net", resource: "ilyria"},
	3: {in: "example.net/resource with space", domain: "example.net", resource: "resource with space"},
	4: {in: "FESTE@example.net", local: "feste", domain: "example.net"},
	5: {in: "feste@example.net/", err: true},
	6: {in: "@example.net", err: true},
	7: {in: "", err: true},
	8: {in: "feste@", err: true},
	9: {in: "room@muc.example.org/nick/with/slashes", local: "room", domain: "muc.example.org", resource: "nick/with/slashes"},
}

func TestParse(t *testing.T) {
	for i, tc := range parseTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			j, err := jid.Parse(tc.in)
			switch {
			case tc.err && err == nil:
				t.Fatalf("expected error parsing %q", tc.in)
			case !tc.err && err != nil:
				t.Fatalf("unexpected error parsing %q: %v", tc.in, err)
			case tc.err:
				return
			}
			if j.Localpart() != tc.local {
				t.Errorf("wrong localpart: want=%q, got=%q", tc.local, j.Localpart())
			}
			if j.Domainpart() != tc.domain {
				t.Errorf("wrong domainpart: want=%q, got=%q", tc.domain, j.Domainpart())
			}
			if j.Resourcepart() != tc.resource {
				t.Errorf("wrong resourcepart: want=%q, got=%q", tc.resource, j.Resourcepart())
			}
		})
	}
}

func TestBareAndDomain(t *testing.T) {
	j := jid.MustParse("feste@example.net/ilyria")
	if bare := j.Bare().String(); bare != "feste@example.net" {
		t.Errorf("wrong bare JID: got=%q", bare)
	}
	if d := j.Domain().String(); d != "example.net" {
		t.Errorf("wrong domain JID: got=%q", d)
	}
	if !j.Bare().Equal(jid.MustParse("feste@example.net")) {
		t.Error("expected bare JIDs to compare equal")
	}
}

func TestZeroValue(t *testing.T) {
	var j jid.JID
	if j.Valid() {
		t.Error("zero JID should not be valid")
	}
	if s := j.String(); s != "" {
		t.Errorf("zero JID should stringify empty, got=%q", s)
	}
}

func TestMarshalAttr(t *testing.T) {
	j := jid.MustParse("feste@example.net/ilyria")
	attr, err := j.MarshalXMLAttr(xml.Name{Local: "to"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attr.Value != "feste@example.net/ilyria" {
		t.Errorf("wrong attr value: got=%q", attr.Value)
	}

	var got jid.JID
	if err := got.UnmarshalXMLAttr(attr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(j) {
		t.Errorf("round tripped JID does not match: want=%v, got=%v", j, got)
	}
}
