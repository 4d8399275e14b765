// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server_test

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waddle-social/waddle-sub002/internal/ns"
	"github.com/waddle-social/waddle-sub002/jid"
	"github.com/waddle-social/waddle-sub002/lifecycle"
	"github.com/waddle-social/waddle-sub002/server"
	"github.com/waddle-social/waddle-sub002/stanza"
	"github.com/waddle-social/waddle-sub002/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waddled.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
domain: b.example
muc_domain: rooms.b.example
dialback_secret: s3cr3t
drain_timeout: 10s
`), 0o600))

	cfg, err := server.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "b.example", cfg.Domain)
	assert.Equal(t, "rooms.b.example", cfg.MUCDomain)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout)
	// Defaults survive partial configs.
	assert.Equal(t, ":5222", cfg.C2SAddr)
	assert.Equal(t, ":5269", cfg.S2SAddr)
}

func TestConfigValidation(t *testing.T) {
	cfg := server.DefaultConfig()
	require.Error(t, cfg.Validate(), "domain is required")

	cfg.Domain = "b.example"
	require.Error(t, cfg.Validate(), "dialback secret is required")

	cfg.DialbackSecret = "s3cr3t"
	require.NoError(t, cfg.Validate())

	cfg.TLSCert = "cert.pem"
	require.Error(t, cfg.Validate(), "cert without key must fail")
}

func TestRegistryResourceTargeting(t *testing.T) {
	reg := server.NewRegistry(discardLogger())
	desk, deskConn := testSession(t, "feste@b.example/desk")
	phone, phoneConn := testSession(t, "feste@b.example/phone")
	defer deskConn.Close()
	defer phoneConn.Close()
	reg.Add(desk)
	reg.Add(phone)

	// A full JID reaches exactly the named resource.
	env := stanza.NewMessage(jid.MustParse("olivia@a.example"), jid.MustParse("feste@b.example/desk"), "chat")
	require.NoError(t, reg.DeliverLocal(context.Background(), env))

	// A bare JID fans out to all resources.
	bare := stanza.NewMessage(jid.MustParse("olivia@a.example"), jid.MustParse("feste@b.example"), "chat")
	require.NoError(t, reg.DeliverLocal(context.Background(), bare))

	// Unknown users are a stanza error, not a panic.
	missing := stanza.NewMessage(jid.MustParse("olivia@a.example"), jid.MustParse("nobody@b.example"), "chat")
	err := reg.DeliverLocal(context.Background(), missing)
	var serr stanza.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, stanza.ServiceUnavailable, serr.Condition)

	reg.Remove(desk)
	reg.Remove(phone)
	assert.Empty(t, reg.All())
}

// testSession builds a registered session over a drained pipe.
func testSession(t *testing.T, addr string) (*server.Session, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	go io.Copy(io.Discard, b)
	m := lifecycle.New(lifecycle.ClientFacing)
	require.NoError(t, m.BeginConnect())
	require.NoError(t, m.SetConnected())
	return server.NewSession(jid.MustParse(addr), a, m, 8), b
}

func TestSessionDrainFlushesQueue(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	m := lifecycle.New(lifecycle.ClientFacing)
	require.NoError(t, m.BeginConnect())
	require.NoError(t, m.SetConnected())
	sess := server.NewSession(jid.MustParse("feste@b.example/desk"), a, m, 8)

	var got atomic.Int32
	go func() {
		d := xml.NewDecoder(b)
		for {
			tok, err := d.Token()
			if err != nil {
				return
			}
			if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "message" {
				got.Add(1)
				_ = d.Skip()
			}
		}
	}()

	ctx := context.Background()
	env := stanza.NewMessage(jid.MustParse("olivia@a.example"), jid.MustParse("feste@b.example/desk"), "chat")
	require.NoError(t, sess.Send(ctx, env))
	require.NoError(t, sess.Send(ctx, env))

	// Drain returns only after the writer has flushed both envelopes and
	// closed the session.
	dctx, dcancel := context.WithTimeout(ctx, 2*time.Second)
	defer dcancel()
	require.NoError(t, sess.Drain(dctx))
	require.Eventually(t, func() bool { return got.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	select {
	case <-sess.Done():
	default:
		t.Fatal("drained session must be closed")
	}

	err := sess.Send(ctx, env)
	var serr stanza.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, stanza.ServiceUnavailable, serr.Condition)
}

func TestClientNegotiationAndPing(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Domain = "b.example"
	cfg.DialbackSecret = "s3cr3t"

	auth := server.AuthenticatorFunc(func(_ context.Context, user, pass string) bool {
		return user == "feste" && pass == "correct horse"
	})
	srv, err := server.New(cfg, auth, discardLogger())
	require.NoError(t, err)
	defer srv.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, l, nil)

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.SetDeadline(time.Now().Add(5*time.Second)))

	d := xml.NewDecoder(nc)
	expectCtx, expectCancel := context.WithTimeout(ctx, 5*time.Second)
	defer expectCancel()

	// Header exchange; no TLS configured, so SASL is offered first.
	_, err = stream.Send(nc, false, "", "b.example", "", "")
	require.NoError(t, err)
	_, err = stream.Expect(expectCtx, d, false)
	require.NoError(t, err)
	requireFeature(t, d, "mechanisms")

	creds := base64.StdEncoding.EncodeToString([]byte("\x00feste\x00correct horse"))
	_, err = io.WriteString(nc, `<auth xmlns='`+ns.SASL+`' mechanism='PLAIN'>`+creds+`</auth>`)
	require.NoError(t, err)
	success := nextStart(t, d)
	require.Equal(t, "success", success.Name.Local)
	require.NoError(t, d.Skip())

	// Stream restart, then bind.
	_, err = stream.Send(nc, false, "", "b.example", "", "")
	require.NoError(t, err)
	_, err = stream.Expect(expectCtx, d, false)
	require.NoError(t, err)
	requireFeature(t, d, "bind")

	_, err = io.WriteString(nc,
		`<iq type='set' id='bind1'><bind xmlns='`+ns.Bind+`'><resource>desk</resource></bind></iq>`)
	require.NoError(t, err)
	bound := readStanza(t, d)
	require.Equal(t, "result", bound.Type)
	bindEl := bound.Find(ns.Bind, "bind")
	require.NotNil(t, bindEl)
	addr := bindEl.ChildNS(ns.Bind, "jid")
	require.NotNil(t, addr)
	assert.Equal(t, "feste@b.example/desk", addr.Text)

	// A ping addressed to the server comes straight back.
	_, err = io.WriteString(nc, `<iq type='get' id='ping1'><ping xmlns='`+ns.Ping+`'/></iq>`)
	require.NoError(t, err)
	pong := readStanza(t, d)
	assert.Equal(t, stanza.IQ, pong.Kind)
	assert.Equal(t, "result", pong.Type)
	assert.Equal(t, "ping1", pong.ID)
}

func TestClientBadCredentialsRejected(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Domain = "b.example"
	cfg.DialbackSecret = "s3cr3t"

	srv, err := server.New(cfg, server.AuthenticatorFunc(func(context.Context, string, string) bool {
		return false
	}), discardLogger())
	require.NoError(t, err)
	defer srv.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, l, nil)

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.SetDeadline(time.Now().Add(5*time.Second)))

	d := xml.NewDecoder(nc)
	expectCtx, expectCancel := context.WithTimeout(ctx, 5*time.Second)
	defer expectCancel()
	_, err = stream.Send(nc, false, "", "b.example", "", "")
	require.NoError(t, err)
	_, err = stream.Expect(expectCtx, d, false)
	require.NoError(t, err)
	requireFeature(t, d, "mechanisms")

	creds := base64.StdEncoding.EncodeToString([]byte("\x00feste\x00wrong"))
	_, err = io.WriteString(nc, `<auth xmlns='`+ns.SASL+`' mechanism='PLAIN'>`+creds+`</auth>`)
	require.NoError(t, err)

	failure := nextStart(t, d)
	assert.Equal(t, "failure", failure.Name.Local)
	assert.Equal(t, ns.SASL, failure.Name.Space)
}

// requireFeature consumes a stream:features element and asserts it carries
// the named feature.
func requireFeature(t *testing.T, d *xml.Decoder, local string) {
	t.Helper()
	start := nextStart(t, d)
	require.Equal(t, "features", start.Name.Local)
	found := false
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		require.NoError(t, err)
		switch el := tok.(type) {
		case xml.StartElement:
			depth++
			if el.Name.Local == local {
				found = true
			}
		case xml.EndElement:
			depth--
		}
	}
	require.True(t, found, "feature %s not advertised", local)
}

func nextStart(t *testing.T, d *xml.Decoder) xml.StartElement {
	t.Helper()
	for {
		tok, err := d.Token()
		require.NoError(t, err)
		if start, ok := tok.(xml.StartElement); ok {
			return start
		}
	}
}

func readStanza(t *testing.T, d *xml.Decoder) *stanza.Envelope {
	t.Helper()
	env, err := stanza.Read(d, nextStart(t, d), stanza.ClientConn)
	require.NoError(t, err)
	return env
}
