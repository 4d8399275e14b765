// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package takeover implements the restart coordinator: it hands live
// listening sockets to a freshly spawned replacement process over fd
// inheritance and drains the old process's connections before it exits.
//
// Descriptors are passed using an environment convention: WADDLE_FD_COUNT
// holds the number of inherited sockets and WADDLE_FD_<i>_NAME the logical
// role of the descriptor at fd 3+i (for example "c2s" or "s2s"). A process
// started without these variables is a cold start and creates fresh
// listeners.
package takeover // import "github.com/waddle-social/waddle-sub002/takeover"

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	countEnv   = "WADDLE_FD_COUNT"
	nameEnvFmt = "WADDLE_FD_%d_NAME"

	// Inherited descriptors start after stdin, stdout, and stderr.
	fdBase = 3
)

// DefaultDrainTimeout bounds how long the old process waits for its
// connections to finish before exiting anyway.
const DefaultDrainTimeout = 30 * time.Second

// Inherited returns the listeners passed down by a predecessor process,
// keyed by logical name. A cold start returns an empty map and no error.
func Inherited() (map[string]net.Listener, error) {
	return inheritedFrom(os.Getenv, func(i int, name string) *os.File {
		return os.NewFile(uintptr(fdBase+i), name)
	})
}

func inheritedFrom(getenv func(string) string, fileAt func(i int, name string) *os.File) (map[string]net.Listener, error) {
	raw := getenv(countEnv)
	if raw == "" {
		return map[string]net.Listener{}, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return nil, fmt.Errorf("takeover: bad %s value %q", countEnv, raw)
	}
	out := make(map[string]net.Listener, count)
	for i := 0; i < count; i++ {
		name := getenv(fmt.Sprintf(nameEnvFmt, i))
		if name == "" {
			return nil, fmt.Errorf("takeover: inherited fd %d has no name", fdBase+i)
		}
		f := fileAt(i, name)
		l, err := net.FileListener(f)
		// The listener dups the descriptor; the file wrapper is no longer
		// needed either way.
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("takeover: rebuilding listener %q: %w", name, err)
		}
		out[name] = l
	}
	return out, nil
}

// Listen returns the named inherited listener when one was passed down, and
// otherwise creates a fresh TCP listener with SO_REUSEADDR so a quick
// restart does not trip over sockets lingering in TIME_WAIT.
func Listen(inherited map[string]net.Listener, name, addr string) (net.Listener, error) {
	if l, ok := inherited[name]; ok {
		return l, nil
	}
	lc := net.ListenConfig{Control: reuseAddr}
	return lc.Listen(context.Background(), "tcp", addr)
}

func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}

// Coordinator orchestrates one restart: spawn the replacement with the
// listening sockets, stop accepting, drain, exit.
type Coordinator struct {
	logger       *slog.Logger
	drainTimeout time.Duration

	// drain is called with a deadline-bearing context once the replacement
	// owns the listeners; it should block until connections have flushed.
	drain func(ctx context.Context) error

	mu        sync.Mutex
	names     []string
	listeners []net.Listener
}

// NewCoordinator allocates a coordinator. A zero drainTimeout means
// DefaultDrainTimeout.
func NewCoordinator(logger *slog.Logger, drainTimeout time.Duration, drain func(ctx context.Context) error) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &Coordinator{
		logger:       logger,
		drainTimeout: drainTimeout,
		drain:        drain,
	}
}

// Manage registers a named listener for handoff.
func (c *Coordinator) Manage(name string, l net.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
	c.listeners = append(c.listeners, l)
}

// Restart spawns a replacement process that inherits the managed listeners,
// closes this process's accept loops, and drains remaining connections.
// On success the caller should exit; in-memory session and federation state
// is deliberately discarded, peers and clients reconnect to the
// replacement.
func (c *Coordinator) Restart(ctx context.Context) error {
	c.mu.Lock()
	names := append([]string(nil), c.names...)
	listeners := append([]net.Listener(nil), c.listeners...)
	c.mu.Unlock()

	files := make([]*os.File, 0, len(listeners))
	for i, l := range listeners {
		fl, ok := l.(interface{ File() (*os.File, error) })
		if !ok {
			return fmt.Errorf("takeover: listener %q cannot be exported", names[i])
		}
		f, err := fl.File()
		if err != nil {
			return fmt.Errorf("takeover: exporting listener %q: %w", names[i], err)
		}
		defer f.Close()
		files = append(files, f)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("takeover: locating executable: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = childEnv(os.Environ(), names)
	cmd.ExtraFiles = files
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("takeover: spawning replacement: %w", err)
	}
	c.logger.Info("replacement process started", "pid", cmd.Process.Pid)

	// Release the child so it is reparented rather than left as a zombie
	// once this process exits.
	if err := cmd.Process.Release(); err != nil {
		c.logger.Warn("releasing replacement process", "error", err)
	}

	// Stop accepting; the replacement owns the sockets now.
	for _, l := range listeners {
		l.Close()
	}

	dctx, cancel := context.WithTimeout(ctx, c.drainTimeout)
	defer cancel()
	if c.drain != nil {
		if err := c.drain(dctx); err != nil {
			c.logger.Warn("drain ended early", "error", err)
			return err
		}
	}
	return nil
}

// childEnv extends the parent environment with the fd-naming convention,
// replacing any inherited takeover variables from a previous generation.
func childEnv(parent []string, names []string) []string {
	env := make([]string, 0, len(parent)+len(names)+1)
	for _, kv := range parent {
		if isTakeoverVar(kv) {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, fmt.Sprintf("%s=%d", countEnv, len(names)))
	for i, name := range names {
		env = append(env, fmt.Sprintf(nameEnvFmt, i)+"="+name)
	}
	return env
}

func isTakeoverVar(kv string) bool {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			key := kv[:i]
			return key == countEnv || (len(key) > 10 && key[:10] == "WADDLE_FD_")
		}
	}
	return false
}
