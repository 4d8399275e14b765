// Copyright 2024 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// DefaultVersion is the version of the stream protocol implemented by this
// package.
var DefaultVersion = Version{Major: 1, Minor: 0}

// Version is a version of the XMPP stream protocol as negotiated in the
// stream header per RFC 6120 §4.7.5.
type Version struct {
	Major uint8
	Minor uint8
}

// ParseVersion parses a string of the form "Major.Minor".
func ParseVersion(s string) (Version, error) {
	v := Version{}
	versions := strings.Split(s, ".")
	if len(versions) != 2 {
		return v, fmt.Errorf("stream: invalid version %q", s)
	}

	major, err := strconv.ParseUint(versions[0], 10, 8)
	if err != nil {
		return v, err
	}
	v.Major = uint8(major)
	minor, err := strconv.ParseUint(versions[1], 10, 8)
	if err != nil {
		return v, err
	}
	v.Minor = uint8(minor)
	return v, nil
}

// Less reports whether the version is less than v2.
func (v Version) Less(v2 Version) bool {
	return v.Major < v2.Major || (v.Major == v2.Major && v.Minor < v2.Minor)
}

// String satisfies fmt.Stringer, returning the form used in stream headers.
func (v Version) String() string {
	return strconv.Itoa(int(v.Major)) + "." + strconv.Itoa(int(v.Minor))
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface.
func (v Version) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: v.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface.
func (v *Version) UnmarshalXMLAttr(attr xml.Attr) error {
	newVersion, err := ParseVersion(attr.Value)
	if err != nil {
		return err
	}
	*v = newVersion
	return nil
}
