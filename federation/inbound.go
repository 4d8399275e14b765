// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package federation

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/waddle-social/waddle-sub002/dialback"
	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/lifecycle"
	"github.com/waddle-social/waddle-sub002/stanza"
	"github.com/waddle-social/waddle-sub002/stream"
)

// ServeInbound runs the receiving side of a server-to-server connection
// until the remote closes it, the transport fails, or a protocol violation
// forces closure. It blocks for the life of the connection.
//
// No stanza from the connection reaches the pipeline until the origin
// domain it claims has completed dialback on this stream. A stanza that
// arrives before verification is a protocol violation and closes the
// stream; so is a stanza whose from domain was never verified.
func (p *Pool) ServeInbound(ctx context.Context, nc net.Conn) error {
	m := lifecycle.New(lifecycle.PeerReceiver, p.machineOpts()...)
	_ = m.BeginConnect()
	defer func() {
		_ = m.Close()
		nc.Close()
	}()

	_ = nc.SetDeadline(time.Now().Add(p.cfg.VerifyTimeout))
	d := xml.NewDecoder(nc)
	info, err := stream.Expect(ctx, d, true)
	if err != nil {
		return fmt.Errorf("federation: inbound stream header: %w", err)
	}
	if info.To.Domainpart() != "" && info.To.Domainpart() != p.cfg.Domain {
		_, _ = stream.Send(nc, true, "", info.From.String(), p.cfg.Domain, uuid.NewString())
		enc := xml.NewEncoder(nc)
		_, _ = stream.HostUnknown.WriteXML(enc)
		_ = enc.Flush()
		_, _ = io.WriteString(nc, "</stream:stream>")
		return stream.HostUnknown
	}

	streamID := uuid.NewString()
	if _, err := stream.Send(nc, true, "", info.From.String(), p.cfg.Domain, streamID); err != nil {
		return err
	}
	enc := xml.NewEncoder(nc)
	_ = nc.SetDeadline(time.Time{})

	verified := make(map[string]bool)
	logger := p.logger.With("stream", streamID, "remote", nc.RemoteAddr().String())

	closeStream := func(serr stream.Error) error {
		_, _ = serr.WriteXML(enc)
		_ = enc.Flush()
		_, _ = io.WriteString(nc, "</stream:stream>")
		return serr
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return closeStream(stream.SystemShutdown)
		default:
		}
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			_ = m.TransportLost()
			return err
		}
		switch t := tok.(type) {
		case xml.CharData:
			// Whitespace keepalive.
		case xml.EndElement:
			// Remote closed the stream cleanly; mirror the closure.
			_, _ = io.WriteString(nc, "</stream:stream>")
			return nil
		case xml.ProcInst, xml.Comment, xml.Directive:
			return closeStream(stream.RestrictedXML)
		case xml.StartElement:
			if t.Name.Space == ns.Stream && t.Name.Local == "error" {
				serr, err := stream.UnmarshalError(d, t)
				if err != nil {
					return err
				}
				return serr
			}
			env, err := stanza.Read(d, t, stanza.PeerConn)
			if err != nil {
				if errors.As(err, new(stanza.MalformedError)) {
					logger.Debug("dropping malformed element", "error", err)
					continue
				}
				return closeStream(stream.NotWellFormed)
			}

			switch {
			case dialback.IsResult(env) && env.Type == "":
				res := dialback.ResultFromEnvelope(env)
				valid, err := p.handleClaim(ctx, enc, streamID, res)
				if err != nil {
					return err
				}
				if !valid {
					dialbackFailures.Inc()
					logger.Warn("inbound dialback rejected",
						"security", "dialback",
						"claimed_origin", res.From.Domainpart(),
					)
					return closeStream(stream.InvalidFrom)
				}
				verified[res.From.Domainpart()] = true
				if m.State() == lifecycle.Connecting {
					_ = m.SetConnected()
					connsEstablished.WithLabelValues("receiver").Inc()
				}
				logger.Info("inbound peer verified", "origin", res.From.Domainpart())

			case dialback.IsVerify(env) && env.Type == "":
				if err := p.answerVerify(enc, dialback.VerifyFromEnvelope(env)); err != nil {
					return err
				}

			case env.Kind == stanza.StreamControl:
				// Verdicts and verify answers have no business on a stream
				// where we are the receiving entity.
				logger.Debug("ignoring stray dialback element",
					"name", env.XMLName.Local, "type", env.Type)

			default:
				origin := env.From.Domainpart()
				if !verified[origin] {
					logger.Warn("stanza before dialback verification",
						"from", env.From.String(),
						"kind", env.Kind.String(),
					)
					return closeStream(stream.NotAuthorized)
				}
				env.Direction = stanza.Inbound
				p.dispatch(env)
			}
		}
	}
}

// handleClaim runs the receiving side of one dialback transaction: record
// it, put the presented key to the claimed domain's authoritative server
// over a dedicated connection, and report the verdict to the initiator.
func (p *Pool) handleClaim(ctx context.Context, enc *xml.Encoder, streamID string, res dialback.Result) (bool, error) {
	origin := res.From.Domainpart()
	if origin == "" || res.To.Domainpart() != p.cfg.Domain {
		return false, nil
	}
	p.store.Begin(streamID, origin, p.cfg.Domain)

	valid, err := p.callback(ctx, streamID, origin, res.Key)
	if err != nil {
		p.logger.Warn("dialback callback failed",
			"origin", origin,
			"error", err,
		)
		valid = false
	}
	if _, rerr := p.store.Resolve(streamID, origin, valid); rerr != nil {
		// An expired transaction fails regardless of the callback verdict.
		valid = false
	}

	verdictType := dialback.TypeInvalid
	if valid {
		verdictType = dialback.TypeValid
	}
	verdict := dialback.Result{From: p.local, To: res.From, Type: verdictType}
	if _, werr := verdict.Envelope().WriteXML(enc, ns.Server); werr != nil {
		return false, werr
	}
	if werr := enc.Flush(); werr != nil {
		return false, werr
	}
	return valid, nil
}

// callback asks the claimed origin domain's authoritative server, reached
// through its own discovery records, whether it minted the presented key
// for this stream. Dialing through discovery is the heart of the scheme: a
// spoofing connection cannot also control the claimed domain's DNS.
func (p *Pool) callback(ctx context.Context, streamID, origin, key string) (bool, error) {
	if p.cfg.AllowPiggyback {
		if valid, ok, err := p.piggybackVerify(ctx, streamID, origin, key); ok {
			return valid, err
		}
	}
	originJID, err := jid.Parse(origin)
	if err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.VerifyTimeout)
	defer cancel()

	nc, err := p.cfg.Dialer.Dial(cctx, origin)
	if err != nil {
		return false, err
	}
	defer nc.Close()
	if deadline, ok := cctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	if _, err := stream.Send(nc, true, "", origin, p.cfg.Domain, ""); err != nil {
		return false, err
	}
	d := xml.NewDecoder(nc)
	if _, err := stream.Expect(cctx, d, false); err != nil {
		return false, err
	}

	enc := xml.NewEncoder(nc)
	question := dialback.Verify{
		From: p.local,
		To:   originJID,
		ID:   streamID,
		Key:  key,
	}
	if _, err := question.Envelope().WriteXML(enc, ns.Server); err != nil {
		return false, err
	}
	if err := enc.Flush(); err != nil {
		return false, err
	}

	for {
		select {
		case <-cctx.Done():
			return false, cctx.Err()
		default:
		}
		tok, err := d.Token()
		if err != nil {
			return false, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		env, err := stanza.Read(d, start, stanza.PeerConn)
		if err != nil {
			if errors.As(err, new(stanza.MalformedError)) {
				continue
			}
			return false, err
		}
		if dialback.IsVerify(env) && env.Type != "" && env.ID == streamID {
			return env.Type == dialback.TypeValid, nil
		}
	}
}
