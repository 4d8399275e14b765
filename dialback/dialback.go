// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package dialback implements server dialback identity verification.
//
// Two servers that have never spoken share no secret, so a receiving server
// cannot trust an inbound connection's claimed origin domain. Dialback
// closes the gap without a PKI: the verification key is an HMAC that only
// the holder of the local secret can mint, and the receiving server checks
// it with the server that the claimed domain's own discovery records point
// at. Until that check succeeds no stanza from the connection is routed;
// a mismatch or timeout is a security rejection, not a soft failure.
package dialback // import "github.com/waddle-social/waddle-sub002/dialback"

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// Status of a dialback transaction.
type Status uint8

// Transaction states. Only Verified unlocks stanza routing.
const (
	Pending Status = iota
	Verified
	Failed
)

// String satisfies fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	}
	return "pending"
}

// DefaultTTL bounds how long a transaction may stay pending before it is
// treated as failed.
const DefaultTTL = 2 * time.Minute

// Errors returned by the store.
var (
	ErrNoTransaction = errors.New("dialback: no such transaction")
	ErrExpired       = errors.New("dialback: transaction expired")
)

// Key computes the verification key for a stream: a pure function of the
// stream id, the two domains, and the locally held secret. Identical inputs
// always produce identical keys and any single input change produces a
// different key.
func Key(secret []byte, streamID, receivingDomain, originatingDomain string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(streamID))
	mac.Write([]byte{' '})
	mac.Write([]byte(receivingDomain))
	mac.Write([]byte{' '})
	mac.Write([]byte(originatingDomain))
	return hex.EncodeToString(mac.Sum(nil))
}

// KeyEqual compares two keys in constant time.
func KeyEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// Transaction represents one identity-verification exchange on an inbound
// peer connection.
type Transaction struct {
	StreamID          string
	OriginatingDomain string
	ReceivingDomain   string
	Key               string
	Status            Status
	ExpiresAt         time.Time
}

// Store tracks in-flight transactions keyed by (stream id, originating
// domain); a single inbound connection may claim several origin domains,
// each needing its own verification.
type Store struct {
	secret []byte
	ttl    time.Duration

	mu  sync.Mutex
	txs map[txKey]*Transaction
}

type txKey struct {
	streamID string
	origin   string
}

// NewStore allocates a transaction store using the local dialback secret.
// A zero ttl means DefaultTTL.
func NewStore(secret []byte, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		secret: secret,
		ttl:    ttl,
		txs:    make(map[txKey]*Transaction),
	}
}

// Begin creates a pending transaction for an inbound connection that claims
// the given originating domain, replacing any previous transaction for the
// same (stream, origin) pair.
func (s *Store) Begin(streamID, originatingDomain, receivingDomain string) *Transaction {
	tx := &Transaction{
		StreamID:          streamID,
		OriginatingDomain: originatingDomain,
		ReceivingDomain:   receivingDomain,
		Key:               Key(s.secret, streamID, receivingDomain, originatingDomain),
		Status:            Pending,
		ExpiresAt:         time.Now().Add(s.ttl),
	}
	s.mu.Lock()
	s.txs[txKey{streamID, originatingDomain}] = tx
	s.mu.Unlock()
	return tx
}

// Resolve marks the transaction verified or failed. Resolving an expired
// pending transaction fails it regardless of the verdict.
func (s *Store) Resolve(streamID, originatingDomain string, verified bool) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txKey{streamID, originatingDomain}]
	if !ok {
		return nil, ErrNoTransaction
	}
	if tx.Status == Pending && time.Now().After(tx.ExpiresAt) {
		tx.Status = Failed
		return tx, ErrExpired
	}
	if verified {
		tx.Status = Verified
	} else {
		tx.Status = Failed
	}
	return tx, nil
}

// Status returns the current status of a transaction. Unknown and expired
// transactions report Failed: absence of proof is not proof.
func (s *Store) Status(streamID, originatingDomain string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txKey{streamID, originatingDomain}]
	if !ok {
		return Failed
	}
	if tx.Status == Pending && time.Now().After(tx.ExpiresAt) {
		tx.Status = Failed
	}
	return tx.Status
}

// CheckVerify answers a db:verify request received on our authoritative
// channel: the presented key is valid iff we could have minted it for the
// requesting receiving server. This is a pure local recomputation; no state
// is consulted.
func (s *Store) CheckVerify(streamID, receivingDomain, originatingDomain, presentedKey string) bool {
	want := Key(s.secret, streamID, receivingDomain, originatingDomain)
	return KeyEqual(want, presentedKey)
}

// ResultKey mints the key sent in our db:result when we initiate an
// outbound connection: streamID is the id the remote assigned to our
// stream, receivingDomain is the remote, originatingDomain is us.
func (s *Store) ResultKey(streamID, receivingDomain, originatingDomain string) string {
	return Key(s.secret, streamID, receivingDomain, originatingDomain)
}

// Evict drops transactions that have been resolved or have expired. The
// federation maintenance loop calls this periodically.
func (s *Store) Evict() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, tx := range s.txs {
		if tx.Status != Pending || now.After(tx.ExpiresAt) {
			delete(s.txs, k)
		}
	}
}
