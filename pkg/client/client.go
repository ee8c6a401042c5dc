// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/codec"
	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/transport"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
)

var _ Service = (*Client)(nil)

// Client is a CoAP client with a fixed number of exchange slots. Create
// clients with Registry.NewClient.
type Client struct {
	id      string
	config  Config
	szx     codec.SZX
	reg     *Registry
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	conn  net.PacketConn
	addr  net.Addr
	echo  []byte
	slots []exchange
}

// report is a callback invocation prepared under the client mutex and run
// after it is released.
type report struct {
	cb   ResponseCallback
	resp Response
}

func newClient(reg *Registry, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	szx, err := codec.SZXFromSize(cfg.BlockSize)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	for szx > codec.SZX16 && szx.Size() > cfg.MaxMessageSize {
		szx--
	}

	c := &Client{
		id:      uuid.NewString(),
		config:  cfg,
		szx:     szx,
		reg:     reg,
		metrics: cfg.Metrics,
		slots:   make([]exchange, cfg.MaxRequests),
	}
	c.logger = cfg.Logger.With(slog.String("client", c.id))
	for i := range c.slots {
		c.slots[i].reset()
	}
	return c, nil
}

// ID returns the unique client identifier.
func (c *Client) ID() string {
	return c.id
}

// InitialBlock2Option returns a Block2 option asking the server to start a
// block-wise download at block 0 with the configured block size.
func (c *Client) InitialBlock2Option() message.Option {
	return codec.InitialBlock2(c.szx)
}

// Capacity returns the number of exchange slots.
func (c *Client) Capacity() int {
	return len(c.slots)
}

// Pending returns the number of ongoing exchanges.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for i := range c.slots {
		if c.slots[i].ongoing {
			n++
		}
	}
	return n
}

// Request implements Service.
func (c *Client) Request(ctx context.Context, conn net.PacketConn, addr net.Addr, req Request, params *TransmissionParams) error {
	method := req.Method.String()
	if conn == nil || req.Path == "" || req.Callback == nil || !isRequestCode(req.Method) {
		return errors.New("request", method, req.Path, errors.ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return errors.New("request", method, req.Path, err)
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ex := c.freeSlot(now)
	if ex == nil {
		return errors.New("request", method, req.Path, errors.ErrNoFreeSlot)
	}
	if c.hasOngoing() && (conn != c.conn || !transport.SameAddr(addr, c.addr)) {
		return errors.New("request", method, req.Path, errors.ErrTargetBusy)
	}
	c.conn = conn
	c.addr = addr

	ex.reset()
	token, err := message.GetToken()
	if err != nil {
		return errors.New("request", method, req.Path, err)
	}
	ex.token = token
	ex.req = req
	ex.req.Payload = bytes.Clone(req.Payload)
	ex.req.Options = append([]message.Option(nil), req.Options...)
	ex.params = c.config.Params
	if params != nil {
		ex.params = params.withDefaults()
	}
	ex.observe = isObserveRegistration(req.Options)
	ex.ongoing = true
	ex.started = now

	if err := c.transmit(ex, now); err != nil {
		ex.reset()
		return errors.New("request", method, req.Path, err)
	}

	c.metrics.Request(method, req.Confirmable)
	c.logger.Debug("request sent",
		slog.String("method", method),
		slog.String("path", req.Path),
		slog.Bool("confirmable", req.Confirmable),
		slog.Int("payload_size", len(req.Payload)))

	return nil
}

// CancelRequests implements Service.
func (c *Client) CancelRequests() {
	c.reg.deliver(c.cancel(func(*exchange) bool { return true }, errors.ErrCanceled, "canceled"))
}

// CancelRequest implements Service.
func (c *Client) CancelRequest(filter Request) {
	c.reg.deliver(c.cancel(func(ex *exchange) bool { return filter.matches(ex.req) }, errors.ErrCanceled, "canceled"))
}

// cancel releases the ongoing exchanges selected by match and prepares a
// failure report for each of them. An exchange whose callback is running
// is released without a report.
func (c *Client) cancel(match func(*exchange) bool, err error, reason string) []report {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reports []report
	for i := range c.slots {
		ex := &c.slots[i]
		if !ex.ongoing || !match(ex) {
			continue
		}
		if ex.inCallback.Load() {
			c.finish(ex)
			continue
		}
		reports = append(reports, c.fail(ex, err, reason))
	}
	if len(reports) > 0 {
		c.logger.Debug("exchanges canceled",
			slog.Int("count", len(reports)),
			slog.String("reason", err.Error()))
	}
	return reports
}

// detach ends every ongoing exchange with err after conn failed and unbinds
// the client from it. No response can arrive on a failed socket, so the
// exchange lifetimes end too. Only the dispatcher goroutine calls it.
func (c *Client) detach(conn net.PacketConn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	var reports []report
	for i := range c.slots {
		ex := &c.slots[i]
		if ex.ongoing {
			reports = append(reports, c.fail(ex, err, "io"))
		}
		ex.pending.endLifetime()
	}
	c.conn = nil
	c.addr = nil
	c.mu.Unlock()

	c.logger.Warn("socket failed, client detached",
		slog.Int("failed", len(reports)),
		slog.String("error", err.Error()))
	c.notify(reports)
}

// notify runs reports on the calling goroutine.
func (c *Client) notify(reports []report) {
	for _, r := range reports {
		c.reg.invoke(r.cb, r.resp)
	}
}

// fail ends ex with a synthetic failure. Callers hold c.mu.
func (c *Client) fail(ex *exchange, err error, reason string) report {
	r := report{
		cb: ex.req.Callback,
		resp: Response{
			Err:      errors.New(reason, ex.req.Method.String(), ex.req.Path, err),
			Last:     true,
			UserData: ex.req.UserData,
		},
	}
	c.finish(ex)
	c.metrics.Failure(reason)
	return r
}

// finish releases ex. Callers hold c.mu.
func (c *Client) finish(ex *exchange) {
	if ex.release() {
		c.metrics.ExchangeDone(ex.req.Method.String(), ex.started)
	}
}

func (c *Client) freeSlot(now time.Time) *exchange {
	for i := range c.slots {
		if c.slots[i].reusable(now) {
			return &c.slots[i]
		}
	}
	return nil
}

func (c *Client) hasOngoing() bool {
	for i := range c.slots {
		if c.slots[i].ongoing {
			return true
		}
	}
	return false
}

// transmit encodes the current round of ex with a fresh message ID, arms the
// retransmission timer and sends it. Callers hold c.mu.
func (c *Client) transmit(ex *exchange, now time.Time) error {
	mid := nextMessageID()
	data, err := c.encode(ex, mid)
	if err != nil {
		return err
	}
	ex.lastID = mid
	ex.packet = data

	c.reg.signal()

	ex.pending.init(ex.params, now, ex.req.Confirmable)
	ex.pending.cycle()

	if err := transport.Send(c.conn, c.addr, data); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	c.metrics.Datagram(metrics.Outbound, len(data))
	return nil
}

// encode builds the datagram for the current round of ex. Callers hold c.mu.
func (c *Client) encode(ex *exchange, mid uint16) ([]byte, error) {
	req := &ex.req

	typ := message.NonConfirmable
	if req.Confirmable {
		typ = message.Confirmable
	}

	var opts []message.Option
	for _, seg := range pathSegments(req.Path) {
		opts = append(opts, message.Option{ID: message.URIPath, Value: []byte(seg)})
	}

	payload := req.Payload
	switch {
	case ex.sendBlk.TotalSize > 0 || (!ex.continued && len(req.Payload) > c.szx.Size()):
		if ex.sendBlk.TotalSize == 0 {
			tag, err := message.GetToken()
			if err != nil {
				return nil, err
			}
			ex.sendBlk.Init(c.szx, len(req.Payload))
			ex.requestTag = tag
		}
		chunk := ex.sendBlk.Chunk()
		start := ex.sendBlk.Current
		more := start+chunk < ex.sendBlk.TotalSize
		opts = append(opts, ex.sendBlk.Block(more).Option(message.Block1))
		if start == 0 {
			opts = append(opts, message.Option{ID: message.Size1, Value: codec.EncodeUint(uint32(ex.sendBlk.TotalSize))})
		}
		opts = append(opts, message.Option{ID: codec.OptionRequestTag, Value: ex.requestTag})
		payload = req.Payload[start : start+chunk]
		c.metrics.Block(metrics.Outbound)
	case ex.continued:
		opts = append(opts, ex.recvBlk.Block(false).Option(message.Block2))
		payload = nil
	}

	if len(payload) > 0 {
		opts = append(opts, message.Option{ID: message.ContentFormat, Value: codec.EncodeUint(uint32(req.ContentFormat))})
	}

	for _, opt := range req.Options {
		// Block2 NUM and SZX are driven by the server after the first
		// round, and follow-up blocks never re-register an observation.
		if ex.continued && (opt.ID == message.Block2 || opt.ID == message.Observe) {
			continue
		}
		opts = append(opts, opt)
	}

	if c.echo != nil {
		opts = append(opts, message.Option{ID: codec.OptionEcho, Value: c.echo})
		c.echo = nil
	}

	h := codec.Header{
		Type:      typ,
		Code:      req.Method,
		MessageID: mid,
		Token:     ex.token,
	}
	return codec.Encode(context.Background(), h, opts, payload)
}

// resendExpired runs the retransmission timers of every exchange whose
// deadline has passed. Only the dispatcher goroutine calls it.
func (c *Client) resendExpired(now time.Time) {
	var reports []report

	c.mu.Lock()
	for i := range c.slots {
		ex := &c.slots[i]
		if !ex.ongoing || !ex.pending.expired(now) {
			continue
		}
		if !ex.req.Confirmable {
			c.finish(ex)
			continue
		}

		prev := ex.pending
		if !ex.pending.cycle() {
			c.logger.Warn("retransmissions exhausted",
				slog.String("method", ex.req.Method.String()),
				slog.String("path", ex.req.Path),
				slog.Int("max_retransmit", ex.params.MaxRetransmit))
			reports = append(reports, c.fail(ex, errors.ErrTimeout, "timeout"))
			ex.pending.endLifetime()
			continue
		}

		if err := transport.Send(c.conn, c.addr, ex.packet); err != nil {
			if transport.IsTransient(err) {
				ex.pending = prev
				c.logger.Debug("retransmission deferred",
					slog.String("path", ex.req.Path),
					slog.String("error", err.Error()))
				continue
			}
			c.logger.Warn("retransmission failed",
				slog.String("path", ex.req.Path),
				slog.String("error", err.Error()))
			reports = append(reports, c.fail(ex, fmt.Errorf("%w: %w", errors.ErrIO, err), "send"))
			continue
		}
		c.metrics.Retransmit()
		c.metrics.Datagram(metrics.Outbound, len(ex.packet))
	}
	c.mu.Unlock()

	c.notify(reports)
}

// watch reports the socket of the client, whether any exchange is within
// its lifetime and the earliest retransmission deadline.
func (c *Client) watch(now time.Time) (conn net.PacketConn, deadline time.Time, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		ex := &c.slots[i]
		if ex.reusable(now) {
			continue
		}
		active = true
		if dl, ok := ex.pending.deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
			deadline = dl
		}
	}
	return c.conn, deadline, active
}

func (c *Client) boundTo(conn net.PacketConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

// owns reports whether pkt belongs to one of the exchanges of the client.
func (c *Client) owns(pkt codec.Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	byMID := pkt.Type == message.Reset || (pkt.Type == message.Acknowledgement && pkt.IsEmpty())
	for i := range c.slots {
		ex := &c.slots[i]
		if ex.reusable(now) {
			continue
		}
		if byMID && ex.lastID == pkt.MessageID {
			return true
		}
		if !byMID && ex.hasToken(pkt.Token) {
			return true
		}
	}
	return false
}

func pathSegments(path string) []string {
	var segs []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}
