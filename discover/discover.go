// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package discover looks up the network addresses of federated peers.
//
// Peers publish SRV records at _xmpp-server._tcp.<domain>. Records are
// ordered by priority and, within equal priority, by the weighted random
// selection algorithm of RFC 2782, so repeated resolutions spread load
// across hosts in proportion to their advertised weights. When no service
// record exists the domain's host record on the standard server port is
// used instead.
package discover // import "github.com/waddle-social/waddle-sub002/discover"

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
)

// Service and port conventions for server-to-server links.
const (
	Service    = "xmpp-server"
	ServerPort = 5269
)

// ErrDiscoveryFailed is wrapped by all resolution failures. Callers schedule
// a backoff retry on it; a transient DNS outage must never permanently
// blacklist a domain.
var ErrDiscoveryFailed = errors.New("discover: resolution failed")

// ErrNotFederated is returned when a domain publishes a single SRV record
// with target "." which, per RFC 6120 §3.2.1, means the service is
// decidedly not available at the domain.
var ErrNotFederated = errors.New("discover: service decidedly not available")

// Address is one candidate endpoint for a domain, in the order connection
// attempts should be made.
type Address struct {
	Host string
	Port uint16
}

// String satisfies fmt.Stringer.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}

// SRVResolver is the subset of net.Resolver used by this package, split out
// so tests can supply canned records.
type SRVResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// Resolver resolves peer domains to ordered address lists.
type Resolver struct {
	// SRV performs the service record lookup. A nil value uses
	// net.DefaultResolver.
	SRV SRVResolver

	// Rand is the randomness source for weighted selection. A nil value uses
	// the shared seeded source.
	Rand *rand.Rand

	mu sync.Mutex
}

// Resolve returns the ordered candidate addresses for the domain.
//
// Failures are wrapped in ErrDiscoveryFailed except for the "not federated"
// marker record, which returns ErrNotFederated so callers can distinguish
// policy from outage.
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]Address, error) {
	resolver := r.SRV
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	_, records, err := resolver.LookupSRV(ctx, Service, "tcp", domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			// No SRV record: fall back to the host record on the standard
			// port per RFC 6120 §3.2.2.
			return []Address{{Host: domain, Port: ServerPort}}, nil
		}
		return nil, fmt.Errorf("%w: looking up SRV for %s: %v", ErrDiscoveryFailed, domain, err)
	}

	if len(records) == 0 {
		return []Address{{Host: domain, Port: ServerPort}}, nil
	}
	if len(records) == 1 && records[0].Target == "." {
		return nil, ErrNotFederated
	}

	ordered := r.order(records)
	addrs := make([]Address, 0, len(ordered))
	for _, rec := range ordered {
		addrs = append(addrs, Address{Host: rec.Target, Port: rec.Port})
	}
	return addrs, nil
}

// order sorts records by ascending priority and applies weighted random
// selection within each priority group.
func (r *Resolver) order(records []*net.SRV) []*net.SRV {
	sorted := append([]*net.SRV(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	out := make([]*net.SRV, 0, len(sorted))
	for lo := 0; lo < len(sorted); {
		hi := lo
		for hi < len(sorted) && sorted[hi].Priority == sorted[lo].Priority {
			hi++
		}
		out = append(out, r.weightedShuffle(sorted[lo:hi])...)
		lo = hi
	}
	return out
}

// weightedShuffle orders one priority group per the RFC 2782 selection
// algorithm: repeatedly pick a random point in [0, total weight] and take
// the first record whose running sum reaches it.
func (r *Resolver) weightedShuffle(group []*net.SRV) []*net.SRV {
	if len(group) == 1 {
		return []*net.SRV{group[0]}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := append([]*net.SRV(nil), group...)
	out := make([]*net.SRV, 0, len(group))
	for len(remaining) > 0 {
		total := 0
		for _, rec := range remaining {
			total += int(rec.Weight)
		}
		pick := 0
		if total > 0 {
			pick = r.intn(total + 1)
		}
		sum := 0
		chosen := len(remaining) - 1
		for i, rec := range remaining {
			sum += int(rec.Weight)
			if sum >= pick {
				chosen = i
				break
			}
		}
		out = append(out, remaining[chosen])
		remaining = append(remaining[:chosen], remaining[chosen+1:]...)
	}
	return out
}

func (r *Resolver) intn(n int) int {
	if r.Rand != nil {
		return r.Rand.Intn(n)
	}
	return rand.Intn(n)
}
