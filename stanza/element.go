// Copyright 2024 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmlstream"
)

// Element is one node of a stanza payload: a named, namespaced XML element
// with attributes, character data, and ordered child elements.
type Element struct {
	XMLName  xml.Name
	Attr     []xml.Attr
	Text     string
	Children []*Element
}

// NewElement constructs an element with the provided namespace and local
// name.
func NewElement(space, local string) *Element {
	return &Element{XMLName: xml.Name{Space: space, Local: local}}
}

// Attribute returns the value of the named attribute, or the empty string if
// it is not present.
func (e *Element) Attribute(local string) string {
	for _, a := range e.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// SetAttribute replaces the named attribute or appends it if not present.
func (e *Element) SetAttribute(local, value string) *Element {
	for i, a := range e.Attr {
		if a.Name.Local == local {
			e.Attr[i].Value = value
			return e
		}
	}
	e.Attr = append(e.Attr, xml.Attr{Name: xml.Name{Local: local}, Value: value})
	return e
}

// Child returns the first child with the given local name, or nil.
func (e *Element) Child(local string) *Element {
	for _, c := range e.Children {
		if c.XMLName.Local == local {
			return c
		}
	}
	return nil
}

// ChildNS returns the first child with the given namespace and local name,
// or nil.
func (e *Element) ChildNS(space, local string) *Element {
	for _, c := range e.Children {
		if c.XMLName.Space == space && c.XMLName.Local == local {
			return c
		}
	}
	return nil
}

// Append adds children to the element and returns it for chaining.
func (e *Element) Append(children ...*Element) *Element {
	e.Children = append(e.Children, children...)
	return e
}

// Clone performs a deep copy of the element.
func (e *Element) Clone() *Element {
	c := &Element{
		XMLName: e.XMLName,
		Text:    e.Text,
	}
	if len(e.Attr) > 0 {
		c.Attr = append([]xml.Attr(nil), e.Attr...)
	}
	for _, child := range e.Children {
		c.Children = append(c.Children, child.Clone())
	}
	return c
}

// TokenReader returns a stream of XML tokens representing the element and its
// subtree.
func (e *Element) TokenReader() xml.TokenReader {
	start := xml.StartElement{Name: e.XMLName, Attr: e.Attr}
	inner := make([]xml.TokenReader, 0, len(e.Children)+1)
	if e.Text != "" {
		inner = append(inner, xmlstream.Token(xml.CharData(e.Text)))
	}
	for _, c := range e.Children {
		inner = append(inner, c.TokenReader())
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), start)
}

// WriteXML writes the element subtree to w.
func (e *Element) WriteXML(w xmlstream.TokenWriter) (int, error) {
	n, err := xmlstream.Copy(w, e.TokenReader())
	return int(n), err
}

// decodeElement consumes tokens from d until the element opened by start is
// closed, building the subtree.
func decodeElement(d xml.TokenReader, start xml.StartElement) (*Element, error) {
	el := &Element{
		XMLName: start.Name,
	}
	// xmlns declarations survive in Attr when decoding; keep only real
	// attributes so re-serialization does not double-declare namespaces.
	for _, a := range start.Attr {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		el.Attr = append(el.Attr, a)
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(d, t)
			if err != nil {
				return nil, err
			}
			el.Children = append(el.Children, child)
		case xml.CharData:
			el.Text += string(t)
		case xml.EndElement:
			return el, nil
		}
	}
}
