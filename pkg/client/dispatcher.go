// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mcoap/pkg/codec"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/transport"
	"golang.org/x/sync/errgroup"
)

// Dispatcher drives every client of a registry from a single goroutine. It
// runs retransmission timers, routes received datagrams to their clients
// and invokes all response callbacks.
type Dispatcher struct {
	config  DispatcherConfig
	reg     *Registry
	logger  *slog.Logger
	metrics *metrics.Metrics

	inbox   chan transport.Datagram
	exited  chan net.PacketConn
	readers map[net.PacketConn]struct{}
}

// NewDispatcher creates a dispatcher for reg.
func NewDispatcher(reg *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = reg.logger
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}

	return &Dispatcher{
		config:  cfg,
		reg:     reg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		inbox:   make(chan transport.Datagram, cfg.InboxSize),
		exited:  make(chan net.PacketConn),
		readers: make(map[net.PacketConn]struct{}),
	}
}

// Running reports whether the dispatcher loop is active.
func (d *Dispatcher) Running() bool {
	return d.reg.running.Load()
}

// Run serves the registry until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.reg.running.CompareAndSwap(false, true) {
		return mcerrors.ErrDispatcherRunning
	}
	defer func() {
		d.reg.running.Store(false)
		d.reg.drain()
	}()

	d.logger.Info("dispatcher started",
		slog.Duration("poll_period", d.reg.config.PollPeriod))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.loop(gctx, g)
		return nil
	})
	err := g.Wait()

	d.logger.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context, g *errgroup.Group) {
	timer := time.NewTimer(d.reg.config.PollPeriod)
	stopTimer(timer)

	for {
		d.reg.drain()

		wait, live := d.prepare(ctx, g, time.Now())
		var tick <-chan time.Time
		if live {
			timer.Reset(wait)
			tick = timer.C
		}

		var (
			dg       transport.Datagram
			received bool
		)
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-d.reg.wake:
		case <-tick:
		case conn := <-d.exited:
			delete(d.readers, conn)
		case dg = <-d.inbox:
			received = true
		}
		stopTimer(timer)

		// Timers run before the datagram so a response arriving with an
		// expired deadline is not answered by a retransmission.
		now := time.Now()
		for _, c := range d.reg.Clients() {
			c.resendExpired(now)
		}
		if received {
			d.handle(ctx, dg)
		}
	}
}

// prepare starts readers for the sockets of clients with exchanges in
// flight and returns how long to wait for the next timer check.
func (d *Dispatcher) prepare(ctx context.Context, g *errgroup.Group, now time.Time) (time.Duration, bool) {
	wait := d.reg.config.PollPeriod
	live := false

	for _, c := range d.reg.Clients() {
		conn, deadline, active := c.watch(now)
		if !active || conn == nil {
			continue
		}
		live = true
		if _, ok := d.readers[conn]; !ok {
			d.startReader(ctx, g, conn, c.config.MaxMessageSize, c.config.HeaderSize)
		}
		if !deadline.IsZero() {
			wait = min(wait, max(deadline.Sub(now), 0))
		}
	}

	return wait, live
}

func (d *Dispatcher) startReader(ctx context.Context, g *errgroup.Group, conn net.PacketConn, maxSize, headerSize int) {
	d.readers[conn] = struct{}{}
	r := transport.NewReader(conn, transport.Config{
		MaxMessageSize: maxSize,
		HeaderSize:     headerSize,
		PollPeriod:     d.reg.config.PollPeriod,
		Logger:         d.logger,
	})

	g.Go(func() error {
		r.Run(ctx, d.inbox, func() bool {
			return !d.reg.watching(conn, time.Now())
		})
		select {
		case d.exited <- conn:
		case <-ctx.Done():
		}
		return nil
	})
}

func (d *Dispatcher) handle(ctx context.Context, dg transport.Datagram) {
	if dg.Err != nil {
		err := fmt.Errorf("%w: %w", mcerrors.ErrIO, dg.Err)
		for _, c := range d.reg.bound(dg.Conn) {
			c.detach(dg.Conn, err)
		}
		d.reg.drain()
		return
	}

	d.metrics.Datagram(metrics.Inbound, len(dg.Data))

	pkt, err := codec.Decode(ctx, dg.Data)
	if err != nil {
		d.logger.Warn("dropping malformed datagram",
			slog.String("from", addrString(dg.Addr)),
			slog.Int("size", len(dg.Data)),
			slog.String("error", err.Error()))
		d.metrics.Dropped("malformed")
		return
	}

	c := d.reg.route(dg.Conn, pkt)
	if c == nil {
		d.metrics.Dropped("unbound")
		return
	}
	c.handleResponse(pkt, dg.Truncated)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
