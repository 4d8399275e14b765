// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package dial_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/waddle-social/waddle-sub002/dial"
	"github.com/waddle-social/waddle-sub002/discover"
)

type srvFunc func() (string, []*net.SRV, error)

func (f srvFunc) LookupSRV(context.Context, string, string, string) (string, []*net.SRV, error) {
	return f()
}

func TestDialUsesDiscoveredAddress(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error listening: %v", err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, _ := strconv.Atoi(portStr)

	d := dial.Dialer{
		Resolver: &discover.Resolver{
			SRV: srvFunc(func() (string, []*net.SRV, error) {
				return "", []*net.SRV{{Target: "127.0.0.1", Port: uint16(port)}}, nil
			}),
		},
	}
	conn, err := d.Dial(context.Background(), "b.example")
	if err != nil {
		t.Fatalf("unexpected error dialing: %v", err)
	}
	conn.Close()
}

func TestDialPropagatesDiscoveryFailure(t *testing.T) {
	d := dial.Dialer{
		Resolver: &discover.Resolver{
			SRV: srvFunc(func() (string, []*net.SRV, error) {
				return "", nil, &net.DNSError{Err: "i/o timeout", IsTimeout: true}
			}),
		},
	}
	_, err := d.Dial(context.Background(), "b.example")
	if !errors.Is(err, discover.ErrDiscoveryFailed) {
		t.Errorf("want ErrDiscoveryFailed, got %v", err)
	}
}
