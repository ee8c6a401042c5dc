// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mcoap/pkg/codec"
	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// handleResponse processes one datagram received on the client socket and
// reports whether the matched exchange continues with another request.
// Deferred cancellation reports queued by callbacks are delivered before it
// returns.
func (c *Client) handleResponse(pkt codec.Packet, truncated bool) bool {
	cont := c.processResponse(pkt, truncated)
	c.reg.drain()
	return cont
}

func (c *Client) processResponse(pkt codec.Packet, truncated bool) bool {
	now := time.Now()

	c.mu.Lock()

	switch {
	case pkt.Type == message.Reset:
		ex := c.findByMID(pkt.MessageID, now)
		if ex == nil || !ex.ongoing {
			c.mu.Unlock()
			return false
		}
		c.logger.Debug("exchange reset by peer", slog.String("path", ex.req.Path))
		r := c.fail(ex, errors.ErrReset, "reset")
		c.mu.Unlock()
		c.notify([]report{r})
		return false

	case pkt.Type == message.Acknowledgement && pkt.IsEmpty():
		if ex := c.findByMID(pkt.MessageID, now); ex != nil && ex.ongoing {
			ex.pending.separate(now)
			c.logger.Debug("request acknowledged, waiting for separate response",
				slog.String("path", ex.req.Path))
		}
		c.mu.Unlock()
		return false
	}

	ex := c.findByToken(pkt.Token, now)
	if ex == nil {
		// An ACK is never answered with a RESET.
		if pkt.Type != message.Acknowledgement {
			c.sendEmpty(message.Reset, pkt.MessageID)
		}
		c.mu.Unlock()
		c.metrics.Dropped("unmatched")
		return false
	}

	if echo, ok := pkt.Option(codec.OptionEcho); ok {
		c.echo = echo
		if pkt.Code == codes.Unauthorized && ex.ongoing {
			if pkt.Type == message.Confirmable {
				c.sendEmpty(message.Acknowledgement, pkt.MessageID)
			}
			c.logger.Debug("repeating request with echo", slog.String("path", ex.req.Path))
			err := c.transmit(ex, now)
			if err == nil {
				c.mu.Unlock()
				return true
			}
			r := c.fail(ex, fmt.Errorf("%w: %w", errors.ErrIO, err), "send")
			c.mu.Unlock()
			c.notify([]report{r})
			return false
		}
	}

	if !ex.ongoing && ex.observe {
		c.sendEmpty(message.Reset, pkt.MessageID)
		c.mu.Unlock()
		return false
	}
	if pkt.Type == message.Confirmable {
		c.sendEmpty(message.Acknowledgement, pkt.MessageID)
	}
	if ex.lastResponseID == int32(pkt.MessageID) || !ex.ongoing {
		c.mu.Unlock()
		c.metrics.Dropped("duplicate")
		return false
	}
	ex.lastResponseID = int32(pkt.MessageID)
	ex.pending.clear()

	resp := c.advanceBlocks(ex, pkt, truncated)

	if resp.Last && ex.observe {
		if _, ok := pkt.Observe(); !ok {
			// The server did not accept the registration.
			ex.observe = false
		}
	}

	token := ex.token
	cb := ex.req.Callback
	ex.inCallback.Store(true)
	c.mu.Unlock()

	c.metrics.Response(pkt.Code.String())
	c.reg.invoke(cb, resp)
	ex.inCallback.Store(false)

	c.mu.Lock()
	if !ex.ongoing || !ex.hasToken(token) {
		// Canceled from the callback.
		c.mu.Unlock()
		return false
	}
	if !resp.Last {
		ex.continued = true
		err := c.transmit(ex, time.Now())
		if err == nil {
			c.mu.Unlock()
			return true
		}
		r := c.fail(ex, fmt.Errorf("%w: %w", errors.ErrIO, err), "send")
		c.mu.Unlock()
		c.notify([]report{r})
		return false
	}
	if !ex.observe {
		c.finish(ex)
	}
	c.mu.Unlock()
	return false
}

// advanceBlocks updates the block contexts of ex from the response and
// builds the callback delivery. Callers hold c.mu.
func (c *Client) advanceBlocks(ex *exchange, pkt codec.Packet, truncated bool) Response {
	resp := Response{
		Code:     pkt.Code,
		Payload:  pkt.Payload,
		Last:     true,
		UserData: ex.req.UserData,
	}

	uploading := false
	if ex.sendBlk.TotalSize > 0 {
		resp.Offset = ex.sendBlk.Current
		acked := ex.sendBlk.Chunk()
		ex.sendBlk.Advance(acked)
		if b1, ok := pkt.Block1(); ok && b1.SZX < ex.sendBlk.SZX {
			ex.sendBlk.SZX = b1.SZX
		}
		if ex.sendBlk.Remaining() > 0 && codeClass(pkt.Code) == 2 {
			uploading = true
			resp.Last = false
		} else {
			ex.sendBlk.Reset()
		}
	}
	if uploading {
		return resp
	}

	b2, hasB2 := pkt.Block2()
	if !hasB2 && !truncated {
		return resp
	}

	if hasB2 {
		if b2.Num == 0 {
			size2, _ := pkt.Uint(message.Size2)
			ex.recvBlk.Init(c.szx, int(size2))
		}
		ex.recvBlk.Update(b2)
	} else if !ex.continued {
		ex.recvBlk.Init(c.szx, 0)
	}

	resp.Offset = ex.recvBlk.Current
	more := truncated || (hasB2 && b2.More)
	c.metrics.Block(metrics.Inbound)
	if !more {
		ex.recvBlk.Reset()
		return resp
	}

	if truncated {
		// Keep whole blocks of what arrived and continue with a block size
		// the received payload covers. Offsets stay multiples of the
		// smaller size.
		for ex.recvBlk.SZX > codec.SZX16 && ex.recvBlk.BlockSize() > len(resp.Payload) {
			ex.recvBlk.SZX--
		}
	}
	size := ex.recvBlk.BlockSize()
	if truncated && len(resp.Payload) < size {
		// Not even the smallest block arrived; ask for it again.
		size = 0
	}
	if len(resp.Payload) > size {
		resp.Payload = resp.Payload[:size]
	}
	ex.recvBlk.Advance(size)
	resp.Last = false
	return resp
}

// findByMID returns the watched exchange whose last datagram carried mid.
func (c *Client) findByMID(mid uint16, now time.Time) *exchange {
	for i := range c.slots {
		ex := &c.slots[i]
		if !ex.reusable(now) && ex.lastID == mid {
			return ex
		}
	}
	return nil
}

// findByToken returns the watched exchange that owns token, including
// exchanges that finished but are still within their lifetime.
func (c *Client) findByToken(token message.Token, now time.Time) *exchange {
	for i := range c.slots {
		ex := &c.slots[i]
		if !ex.reusable(now) && ex.hasToken(token) {
			return ex
		}
	}
	return nil
}

// sendEmpty sends an empty ACK or RESET to the bound peer. Callers hold c.mu.
func (c *Client) sendEmpty(typ message.Type, mid uint16) {
	data, err := codec.EncodeEmpty(typ, mid)
	if err != nil {
		c.logger.Error("failed to encode empty message", slog.String("error", err.Error()))
		return
	}
	if c.conn == nil {
		return
	}
	if err := transport.Send(c.conn, c.addr, data); err != nil {
		c.logger.Warn("failed to send empty message",
			slog.Int("type", int(typ)),
			slog.String("error", err.Error()))
	}
}
