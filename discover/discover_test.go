// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package discover_test

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"testing"

	"github.com/waddle-social/waddle-sub002/discover"
)

type fakeResolver struct {
	records []*net.SRV
	err     error
}

func (f fakeResolver) LookupSRV(context.Context, string, string, string) (string, []*net.SRV, error) {
	return "", f.records, f.err
}

func TestPriorityOrdering(t *testing.T) {
	records := []*net.SRV{
		{Target: "low.example", Priority: 20, Weight: 1, Port: 5269},
		{Target: "a.example", Priority: 10, Weight: 1, Port: 5269},
		{Target: "b.example", Priority: 10, Weight: 9, Port: 5269},
	}
	r := &discover.Resolver{
		SRV:  fakeResolver{records: records},
		Rand: rand.New(rand.NewSource(42)),
	}

	firstCounts := map[string]int{}
	const iterations = 500
	for i := 0; i < iterations; i++ {
		addrs, err := r.Resolve(context.Background(), "example.net")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(addrs) != 3 {
			t.Fatalf("expected 3 addresses, got %d", len(addrs))
		}
		// Both priority-10 hosts always come before the priority-20 host.
		if addrs[2].Host != "low.example" {
			t.Fatalf("priority 20 host must sort last, got order %v", addrs)
		}
		firstCounts[addrs[0].Host]++
	}

	// Weight 9 vs 1: the heavier host should lead most, but not all, of the
	// time.
	if firstCounts["b.example"] < iterations/2 {
		t.Errorf("heavily weighted host led only %d/%d resolutions", firstCounts["b.example"], iterations)
	}
	if firstCounts["a.example"] == 0 {
		t.Error("lightly weighted host never led; weighting must not starve hosts")
	}
}

func TestFallbackToHostRecord(t *testing.T) {
	r := &discover.Resolver{
		SRV: fakeResolver{err: &net.DNSError{Err: "no such host", IsNotFound: true}},
	}
	addrs, err := r.Resolve(context.Background(), "example.net")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(addrs) != 1 || addrs[0].Host != "example.net" || addrs[0].Port != 5269 {
		t.Errorf("wrong fallback address: %v", addrs)
	}
}

func TestTransientFailureIsTyped(t *testing.T) {
	r := &discover.Resolver{
		SRV: fakeResolver{err: &net.DNSError{Err: "i/o timeout", IsTimeout: true}},
	}
	_, err := r.Resolve(context.Background(), "example.net")
	if !errors.Is(err, discover.ErrDiscoveryFailed) {
		t.Errorf("want ErrDiscoveryFailed, got %v", err)
	}
}

func TestNotFederatedMarker(t *testing.T) {
	r := &discover.Resolver{
		SRV: fakeResolver{records: []*net.SRV{{Target: "."}}},
	}
	_, err := r.Resolve(context.Background(), "example.net")
	if !errors.Is(err, discover.ErrNotFederated) {
		t.Errorf("want ErrNotFederated, got %v", err)
	}
}

func TestZeroWeightRecordsStillResolve(t *testing.T) {
	records := []*net.SRV{
		{Target: "a.example", Priority: 10, Weight: 0, Port: 5269},
		{Target: "b.example", Priority: 10, Weight: 0, Port: 5269},
	}
	r := &discover.Resolver{
		SRV:  fakeResolver{records: records},
		Rand: rand.New(rand.NewSource(1)),
	}
	addrs, err := r.Resolve(context.Background(), "example.net")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(addrs) != 2 {
		t.Errorf("expected both zero-weight hosts, got %v", addrs)
	}
}
