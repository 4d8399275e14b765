// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package lifecycle implements the state machine that governs a single
// transport connection, shared by client-facing connections and outbound
// federation links.
//
// The happy path is Disconnected → Connecting → Connected. An initiator
// that loses its transport moves to Reconnecting and retries with
// exponential backoff (1s doubling to a 60s ceiling, reset by any
// successful connect). A receiver-role connection never reconnects; the
// remote side owns that decision. Draining is entered only through the
// restart coordinator and leads to Closed, which is terminal.
package lifecycle // import "github.com/waddle-social/waddle-sub002/lifecycle"

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State of a connection.
type State uint8

// Connection states. Closed is terminal and reachable from every other
// state.
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Draining
	Closed
)

// String satisfies fmt.Stringer.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Role describes which side of which kind of connection the machine drives.
type Role uint8

// Connection roles.
const (
	ClientFacing Role = iota
	PeerInitiator
	PeerReceiver
)

// String satisfies fmt.Stringer.
func (r Role) String() string {
	switch r {
	case ClientFacing:
		return "client-facing"
	case PeerInitiator:
		return "peer-initiator"
	case PeerReceiver:
		return "peer-receiver"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// initiator reports whether this role owns the retry decision on transport
// loss.
func (r Role) initiator() bool {
	return r == PeerInitiator
}

// DefaultDrainTimeout bounds how long a draining connection may keep
// flushing queued bytes before it is forced closed.
const DefaultDrainTimeout = 30 * time.Second

// Backoff constants for initiator reconnects.
const (
	backoffInitial = time.Second
	backoffCeiling = 60 * time.Second
)

// ErrClosed is returned by transition methods once the machine has reached
// its terminal state.
var ErrClosed = errors.New("lifecycle: connection closed")

// InvalidTransitionError reports a request that is not legal from the
// current state.
type InvalidTransitionError struct {
	From State
	To   State
}

// Error satisfies the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("lifecycle: invalid transition %s → %s", e.From, e.To)
}

// Machine tracks the lifecycle of one connection. All methods are safe for
// concurrent use, though by convention only the connection's owning task
// drives transitions.
type Machine struct {
	mu            sync.Mutex
	role          Role
	state         State
	retry         *backoff.ExponentialBackOff
	drainTimeout  time.Duration
	drainDeadline time.Time
	onTransition  func(from, to State)
}

// Option configures a Machine.
type Option func(*Machine)

// WithDrainTimeout overrides the default drain timeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.drainTimeout = d
		}
	}
}

// WithTransitionFunc registers a callback invoked (outside the machine's
// lock) after every successful transition.
func WithTransitionFunc(fn func(from, to State)) Option {
	return func(m *Machine) {
		m.onTransition = fn
	}
}

// New allocates a machine in the Disconnected state.
func New(role Role, opts ...Option) *Machine {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = backoffInitial
	retry.Multiplier = 2
	retry.MaxInterval = backoffCeiling
	// Randomized jitter would break the documented delay schedule, and
	// MaxElapsedTime would turn a long outage into a permanent blacklist.
	retry.RandomizationFactor = 0
	retry.MaxElapsedTime = 0
	retry.Reset()

	m := &Machine{
		role:         role,
		state:        Disconnected,
		retry:        retry,
		drainTimeout: DefaultDrainTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Role returns the machine's role.
func (m *Machine) Role() Role {
	return m.role
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) transition(to State, allowed ...State) error {
	m.mu.Lock()
	from := m.state
	if from == Closed && to != Closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ok := false
	for _, s := range allowed {
		if from == s {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.state = to
	fn := m.onTransition
	m.mu.Unlock()

	if fn != nil && from != to {
		fn(from, to)
	}
	return nil
}

// BeginConnect moves to Connecting. Legal from Disconnected and
// Reconnecting (after the backoff delay has elapsed).
func (m *Machine) BeginConnect() error {
	return m.transition(Connecting, Disconnected, Reconnecting)
}

// SetConnected records that the remote identity has been established
// (credential verification for clients, dialback for peers) and resets the
// reconnect backoff.
func (m *Machine) SetConnected() error {
	if err := m.transition(Connected, Connecting); err != nil {
		return err
	}
	m.mu.Lock()
	m.retry.Reset()
	m.mu.Unlock()
	return nil
}

// TransportLost records an unexpected loss of the underlying transport.
// Initiator roles move to Reconnecting and the next retry delay becomes
// available from NextDelay; other roles move straight to Closed since the
// remote owns the retry decision.
func (m *Machine) TransportLost() error {
	if m.role.initiator() {
		return m.transition(Reconnecting, Connecting, Connected)
	}
	return m.Close()
}

// NextDelay returns the backoff delay to wait before the next connection
// attempt: min(60s, 2^(n-1) seconds) for the nth consecutive failure.
func (m *Machine) NextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry.NextBackOff()
}

// BeginDrain moves the connection to Draining and returns the deadline by
// which it must be fully closed. Draining a connection that is already
// draining or closed is a no-op and returns the existing deadline.
func (m *Machine) BeginDrain() (time.Time, error) {
	m.mu.Lock()
	switch m.state {
	case Draining, Closed:
		deadline := m.drainDeadline
		m.mu.Unlock()
		return deadline, nil
	}
	m.drainDeadline = time.Now().Add(m.drainTimeout)
	m.mu.Unlock()

	if err := m.transition(Draining, Disconnected, Connecting, Connected, Reconnecting); err != nil {
		return time.Time{}, err
	}
	m.mu.Lock()
	deadline := m.drainDeadline
	m.mu.Unlock()
	return deadline, nil
}

// Close moves to the terminal state from any state.
func (m *Machine) Close() error {
	return m.transition(Closed, Disconnected, Connecting, Connected, Reconnecting, Draining, Closed)
}
