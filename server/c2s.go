// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"mellium.im/sasl"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/lifecycle"
	"github.com/waddle-social/waddle-sub002/stanza"
	"github.com/waddle-social/waddle-sub002/stream"
)

// Stream features advertised during client negotiation. Printed raw for the
// same reason stream headers are: fixed content, prefixed namespace.
const (
	featuresStartTLS = `<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls></stream:features>`
	featuresSASL     = `<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`
	featuresBind     = `<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features>`
)

// serveClient negotiates a client stream (STARTTLS when configured, SASL,
// resource binding) and then pumps stanzas into the pipeline until the
// client disconnects.
func (s *Server) serveClient(ctx context.Context, nc net.Conn) {
	m := lifecycle.New(lifecycle.ClientFacing)
	_ = m.BeginConnect()

	sess, d, err := s.negotiateClient(ctx, &nc, m)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Info("client negotiation failed",
				"remote", nc.RemoteAddr().String(),
				"error", err,
			)
		}
		_ = m.Close()
		nc.Close()
		return
	}

	s.registry.Add(sess)
	s.logger.Info("client session bound", "jid", sess.Addr().String())
	defer func() {
		s.registry.Remove(sess)
		sess.Close()
	}()

	for {
		tok, err := d.Token()
		if err != nil {
			return
		}
		switch t := tok.(type) {
		case xml.CharData:
			// Whitespace keepalive.
		case xml.EndElement:
			_, _ = io.WriteString(nc, "</stream:stream>")
			return
		case xml.StartElement:
			if t.Name.Space == ns.Stream && t.Name.Local == "error" {
				return
			}
			env, err := stanza.Read(d, t, stanza.ClientConn)
			if err != nil {
				if errors.As(err, new(stanza.MalformedError)) {
					continue
				}
				return
			}
			// The session's bound JID is authoritative; a client cannot
			// speak for anyone else.
			env.From = sess.Addr()
			env.Direction = stanza.Outbound
			s.dispatch(ctx, env)
		}
	}
}

// dispatch runs an envelope through the pipeline and routes one generation
// of emitted envelopes.
func (s *Server) dispatch(ctx context.Context, env *stanza.Envelope) {
	for _, out := range s.pipe.Dispatch(ctx, env) {
		s.pipe.Dispatch(ctx, out)
	}
}

// negotiateClient drives the feature exchange. The conn pointer is updated
// in place when STARTTLS replaces the transport.
func (s *Server) negotiateClient(ctx context.Context, nc *net.Conn, m *lifecycle.Machine) (*Session, *xml.Decoder, error) {
	secured := s.tlsCfg == nil
	var username string

	for {
		d := xml.NewDecoder(*nc)
		if _, err := stream.Expect(ctx, d, true); err != nil {
			return nil, nil, err
		}
		if _, err := stream.Send(*nc, false, "", "", s.cfg.Domain, uuid.NewString()); err != nil {
			return nil, nil, err
		}

		switch {
		case !secured:
			if _, err := io.WriteString(*nc, featuresStartTLS); err != nil {
				return nil, nil, err
			}
			if err := s.expectStartTLS(d); err != nil {
				return nil, nil, err
			}
			if _, err := io.WriteString(*nc, `<proceed xmlns='`+ns.StartTLS+`'/>`); err != nil {
				return nil, nil, err
			}
			*nc = tls.Server(*nc, s.tlsCfg)
			secured = true

		case username == "":
			if _, err := io.WriteString(*nc, featuresSASL); err != nil {
				return nil, nil, err
			}
			user, err := s.saslExchange(ctx, *nc, d)
			if err != nil {
				return nil, nil, err
			}
			username = user
			if err := m.SetConnected(); err != nil {
				return nil, nil, err
			}

		default:
			if _, err := io.WriteString(*nc, featuresBind); err != nil {
				return nil, nil, err
			}
			return s.bindResource(*nc, d, m, username)
		}
	}
}

func (s *Server) expectStartTLS(d *xml.Decoder) error {
	start, err := nextElement(d)
	if err != nil {
		return err
	}
	if start.Name.Space != ns.StartTLS || start.Name.Local != "starttls" {
		return errors.New("server: expected starttls negotiation")
	}
	return d.Skip()
}

// saslExchange runs a single-round PLAIN authentication and returns the
// authenticated username.
func (s *Server) saslExchange(ctx context.Context, nc net.Conn, d *xml.Decoder) (string, error) {
	start, err := nextElement(d)
	if err != nil {
		return "", err
	}
	if start.Name.Space != ns.SASL || start.Name.Local != "auth" {
		return "", errors.New("server: expected sasl auth")
	}
	var mechanism string
	for _, attr := range start.Attr {
		if attr.Name.Local == "mechanism" {
			mechanism = attr.Value
		}
	}
	env, err := stanza.Read(d, start, stanza.ClientConn)
	if err != nil {
		return "", err
	}
	if mechanism != "PLAIN" {
		return "", s.saslFailure(nc, "invalid-mechanism")
	}

	var username string
	neg := sasl.NewServer(sasl.Plain, func(n *sasl.Negotiator) bool {
		user, password, _ := n.Credentials()
		if s.auth == nil || !s.auth.Authenticate(ctx, string(user), string(password)) {
			return false
		}
		username = string(user)
		return true
	})
	raw, err := base64.StdEncoding.DecodeString(env.Text)
	if err != nil {
		return "", s.saslFailure(nc, "incorrect-encoding")
	}
	if _, _, err := neg.Step(raw); err != nil {
		s.logger.Warn("client authentication rejected", "remote", nc.RemoteAddr().String())
		return "", s.saslFailure(nc, "not-authorized")
	}
	if _, err := io.WriteString(nc, `<success xmlns='`+ns.SASL+`'/>`); err != nil {
		return "", err
	}
	return username, nil
}

func (s *Server) saslFailure(nc net.Conn, condition string) error {
	_, _ = io.WriteString(nc, `<failure xmlns='`+ns.SASL+`'><`+condition+`/></failure>`)
	return errors.New("server: sasl failure: " + condition)
}

// bindResource handles the bind iq that completes negotiation and allocates
// the session.
func (s *Server) bindResource(nc net.Conn, d *xml.Decoder, m *lifecycle.Machine, username string) (*Session, *xml.Decoder, error) {
	start, err := nextElement(d)
	if err != nil {
		return nil, nil, err
	}
	env, err := stanza.Read(d, start, stanza.ClientConn)
	if err != nil {
		return nil, nil, err
	}
	bind := env.Find(ns.Bind, "bind")
	if env.Kind != stanza.IQ || env.Type != "set" || bind == nil {
		return nil, nil, errors.New("server: expected resource binding iq")
	}
	resource := ""
	if rc := bind.ChildNS(ns.Bind, "resource"); rc != nil {
		resource = rc.Text
	}
	if resource == "" {
		resource = uuid.NewString()
	}
	full, err := jid.New(username, s.cfg.Domain, resource)
	if err != nil {
		return nil, nil, err
	}

	reply := env.Reply()
	reply.Type = "result"
	bound := stanza.NewElement(ns.Bind, "bind")
	addr := stanza.NewElement(ns.Bind, "jid")
	addr.Text = full.String()
	bound.Append(addr)
	reply.Payload = append(reply.Payload, bound)

	enc := xml.NewEncoder(nc)
	if _, err := reply.WriteXML(enc, ns.Client); err != nil {
		return nil, nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, nil, err
	}

	return NewSession(full, nc, m, s.cfg.QueueSize), d, nil
}

// nextElement skips whitespace and returns the next start element.
func nextElement(d *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			return xml.StartElement{}, errors.New("server: unexpected stream end")
		}
	}
}
