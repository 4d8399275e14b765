// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package dial establishes outbound TCP connections to federated peers.
package dial // import "github.com/waddle-social/waddle-sub002/dial"

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/waddle-social/waddle-sub002/discover"
)

// A Dialer contains options for connecting to a peer domain. The zero value
// resolves through the default resolver and uses opportunistic TLS
// (STARTTLS) rather than implicit TLS.
type Dialer struct {
	net.Dialer

	// Resolver performs peer discovery. A nil value uses a zero
	// discover.Resolver backed by the system resolver.
	Resolver *discover.Resolver

	// TLSConfig is used when dialing with implicit TLS. A nil value derives a
	// config whose expected host is the peer domain.
	TLSConfig *tls.Config

	// ImplicitTLS dials a TLS connection directly instead of upgrading via
	// STARTTLS after the stream is established.
	ImplicitTLS bool
}

// Dial discovers the peer domain's addresses and connects to the first one
// that accepts. Once connected, context expiry no longer affects the
// connection.
func (d *Dialer) Dial(ctx context.Context, domain string) (net.Conn, error) {
	resolver := d.Resolver
	if resolver == nil {
		resolver = &discover.Resolver{}
	}
	addrs, err := resolver.Resolve(ctx, domain)
	if err != nil {
		return nil, err
	}

	cfg := d.TLSConfig
	if cfg == nil && d.ImplicitTLS {
		cfg = &tls.Config{
			ServerName: domain,
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"xmpp-server"},
		}
	}

	var lastErr error
	for _, addr := range addrs {
		var conn net.Conn
		if d.ImplicitTLS {
			tlsDialer := &tls.Dialer{NetDialer: &d.Dialer, Config: cfg}
			conn, lastErr = tlsDialer.DialContext(ctx, "tcp", addr.String())
		} else {
			conn, lastErr = d.Dialer.DialContext(ctx, "tcp", addr.String())
		}
		if lastErr == nil {
			return conn, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no address to dial for %s", domain)
	}
	return nil, lastErr
}
