// Copyright 2024 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream implements RFC 6120 XML stream framing: the stream header
// exchange, stream level errors, and the protocol version type.
package stream // import "github.com/waddle-social/waddle-sub002/stream"

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
)

// XMLHeader is the XML declaration sent before the opening stream element.
const XMLHeader = `<?xml version="1.0" encoding="UTF-8"?>`

// Info contains the metadata carried by a stream start element.
type Info struct {
	To      jid.JID
	From    jid.JID
	ID      string
	Version Version
	XMLNS   string
	Lang    string
}

// FromStartElement populates Info from a stream start token. Only stream
// errors are returned.
func (i *Info) FromStartElement(s xml.StartElement) error {
	for _, attr := range s.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			if err := (&i.To).UnmarshalXMLAttr(attr); err != nil {
				return ImproperAddressing
			}
		case xml.Name{Space: "", Local: "from"}:
			if err := (&i.From).UnmarshalXMLAttr(attr); err != nil {
				return ImproperAddressing
			}
		case xml.Name{Space: "", Local: "id"}:
			i.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			if err := (&i.Version).UnmarshalXMLAttr(attr); err != nil {
				return BadFormat
			}
		case xml.Name{Space: "", Local: "xmlns"}:
			if attr.Value != ns.Client && attr.Value != ns.Server {
				return InvalidNamespace
			}
			i.XMLNS = attr.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if attr.Value != ns.Stream {
				return InvalidNamespace
			}
		case xml.Name{Space: "xml", Local: "lang"}:
			i.Lang = attr.Value
		}
	}
	return nil
}

// Send writes an XML header followed by a stream start element to w.
//
// The stream:stream element is printed rather than encoded because the
// standard library encoder cannot emit the prefixed stream namespace
// declaration. Attribute values are escaped; a resourcepart may legally
// contain a quote, and an unescaped one would break the header. If id is
// empty no id attribute is included (the initiating entity never sends
// one).
func Send(w io.Writer, s2s bool, lang, to, from, id string) (Info, error) {
	info := Info{
		ID:      id,
		Version: DefaultVersion,
		XMLNS:   ns.Client,
		Lang:    lang,
	}
	if s2s {
		info.XMLNS = ns.Server
	}

	if _, err := io.WriteString(w, XMLHeader+`<stream:stream `); err != nil {
		return info, err
	}
	if id != "" {
		if err := writeAttr(w, "id", id); err != nil {
			return info, err
		}
	}
	if err := writeAttr(w, "to", to); err != nil {
		return info, err
	}
	if err := writeAttr(w, "from", from); err != nil {
		return info, err
	}
	if _, err := fmt.Fprintf(w, `version='%s' xml:lang='`, info.Version); err != nil {
		return info, err
	}
	if err := xml.EscapeText(w, []byte(lang)); err != nil {
		return info, err
	}
	_, err := fmt.Fprintf(w, `' xmlns='%s' xmlns:stream='%s'>`, info.XMLNS, ns.Stream)
	return info, err
}

// writeAttr prints one single-quoted, escaped attribute followed by a
// space.
func writeAttr(w io.Writer, name, value string) error {
	if _, err := io.WriteString(w, name+"='"); err != nil {
		return err
	}
	if err := xml.EscapeText(w, []byte(value)); err != nil {
		return err
	}
	_, err := io.WriteString(w, "' ")
	return err
}

// Expect reads tokens from d until a stream start element is found (or the
// context is canceled) and returns its metadata.
//
// If recv is false we are the initiating entity and the remote header must
// carry a stream id. If a stream error element arrives instead of a header
// it is decoded and returned as the error.
func Expect(ctx context.Context, d xml.TokenReader, recv bool) (Info, error) {
	var info Info
	var foundHeader bool

	for {
		select {
		case <-ctx.Done():
			return info, ctx.Err()
		default:
		}
		t, err := d.Token()
		if err != nil {
			return info, err
		}
		switch tok := t.(type) {
		case xml.StartElement:
			switch {
			case tok.Name.Local == "error" && tok.Name.Space == ns.Stream:
				se, err := UnmarshalError(d, tok)
				if err != nil {
					return info, err
				}
				return info, se
			case tok.Name.Local != "stream":
				return info, BadFormat
			case tok.Name.Space != ns.Stream:
				return info, InvalidNamespace
			}

			if err := (&info).FromStartElement(tok); err != nil {
				return info, err
			}
			if DefaultVersion.Less(info.Version) {
				return info, UnsupportedVersion
			}
			if !recv && info.ID == "" {
				// The receiving entity must assign a stream id.
				return info, BadFormat
			}
			return info, nil
		case xml.ProcInst:
			if !foundHeader && tok.Target == "xml" {
				foundHeader = true
				continue
			}
			return info, RestrictedXML
		case xml.CharData:
			// Ignore whitespace keepalives between elements.
			continue
		case xml.EndElement:
			return info, NotWellFormed
		default:
			return info, RestrictedXML
		}
	}
}
