// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mcoap/pkg/codec"
	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry owns the clients served by one dispatcher.
type Registry struct {
	config RegistryConfig
	logger *slog.Logger

	// mu serializes registration only; lookups go through clients.
	mu      sync.Mutex
	clients *xsync.MapOf[string, *Client]

	wake    chan struct{}
	running atomic.Bool

	// callbacks counts response callbacks in progress.
	callbacks atomic.Int32

	deferredMu sync.Mutex
	deferred   []func()
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = DefaultMaxInstances
	}
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = transport.DefaultPollPeriod
	}

	return &Registry{
		config:  cfg,
		logger:  cfg.Logger,
		clients: xsync.NewMapOf[string, *Client](),
		wake:    make(chan struct{}, 1),
	}
}

// NewClient creates a client and registers it.
func (r *Registry) NewClient(cfg Config) (*Client, error) {
	c, err := newClient(r, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clients.Size() >= r.config.MaxInstances {
		return nil, errors.ErrNoClientSlot
	}
	r.clients.Store(c.id, c)

	r.logger.Info("client registered",
		slog.String("client", c.id),
		slog.Int("max_requests", c.config.MaxRequests),
		slog.Int("block_size", c.config.BlockSize))

	return c, nil
}

// Remove unregisters a client that has no ongoing exchange.
func (r *Registry) Remove(c *Client) error {
	if c.Pending() > 0 {
		return errors.ErrTargetBusy
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients.Delete(c.id)
	r.logger.Info("client removed", slog.String("client", c.id))
	return nil
}

// Lookup returns the client with the given ID.
func (r *Registry) Lookup(id string) (*Client, bool) {
	return r.clients.Load(id)
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return r.clients.Size()
}

// Clients returns a snapshot of the registered clients.
func (r *Registry) Clients() []*Client {
	clients := make([]*Client, 0, r.clients.Size())
	r.clients.Range(func(_ string, c *Client) bool {
		clients = append(clients, c)
		return true
	})
	return clients
}

// PollPeriod returns the configured poll period.
func (r *Registry) PollPeriod() time.Duration {
	return r.config.PollPeriod
}

// signal wakes the dispatcher without blocking.
func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// invoke runs a response callback.
func (r *Registry) invoke(cb ResponseCallback, resp Response) {
	r.callbacks.Add(1)
	defer r.callbacks.Add(-1)
	cb(resp)
}

// deliver runs cancellation reports. Reports raised inside a callback are
// queued until the outermost callback returns. Outside callbacks, with a
// dispatcher running, they are handed to the dispatcher and the caller
// waits at most one poll period for them to be delivered.
func (r *Registry) deliver(reports []report) {
	if len(reports) == 0 {
		return
	}
	run := func() {
		for _, rep := range reports {
			r.invoke(rep.cb, rep.resp)
		}
	}

	switch {
	case r.callbacks.Load() > 0:
		r.enqueue(run)
	case r.running.Load():
		done := make(chan struct{})
		r.enqueue(func() {
			run()
			close(done)
		})
		r.signal()
		select {
		case <-done:
		case <-time.After(r.config.PollPeriod):
		}
	default:
		run()
	}
}

func (r *Registry) enqueue(fn func()) {
	r.deferredMu.Lock()
	r.deferred = append(r.deferred, fn)
	r.deferredMu.Unlock()
}

// drain runs the queued reports unless a callback is in progress.
func (r *Registry) drain() {
	for r.callbacks.Load() == 0 {
		r.deferredMu.Lock()
		queue := r.deferred
		r.deferred = nil
		r.deferredMu.Unlock()

		if len(queue) == 0 {
			return
		}
		for _, fn := range queue {
			fn()
		}
	}
}

// watching reports whether any client bound to conn has an exchange within
// its lifetime.
func (r *Registry) watching(conn net.PacketConn, now time.Time) bool {
	for _, c := range r.Clients() {
		if bound, _, active := c.watch(now); active && bound == conn {
			return true
		}
	}
	return false
}

// bound returns the clients whose socket is conn.
func (r *Registry) bound(conn net.PacketConn) []*Client {
	var clients []*Client
	for _, c := range r.Clients() {
		if c.boundTo(conn) {
			clients = append(clients, c)
		}
	}
	return clients
}

// route picks the client a datagram received on conn belongs to: the owner
// of its token or message ID, or else the first client bound to conn so
// the datagram can be rejected.
func (r *Registry) route(conn net.PacketConn, pkt codec.Packet) *Client {
	clients := r.bound(conn)
	for _, c := range clients {
		if c.owns(pkt) {
			return c
		}
	}
	if len(clients) > 0 {
		return clients[0]
	}
	return nil
}
