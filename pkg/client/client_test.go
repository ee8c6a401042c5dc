// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/codec"
	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidation(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	cases := []struct {
		desc string
		conn net.PacketConn
		req  Request
	}{
		{
			desc: "nil socket",
			conn: nil,
			req:  Request{Method: codes.GET, Path: "/a", Callback: rec.callback},
		},
		{
			desc: "empty path",
			conn: conn,
			req:  Request{Method: codes.GET, Callback: rec.callback},
		},
		{
			desc: "missing callback",
			conn: conn,
			req:  Request{Method: codes.GET, Path: "/a"},
		},
		{
			desc: "response code as method",
			conn: conn,
			req:  Request{Method: codes.Content, Path: "/a", Callback: rec.callback},
		},
		{
			desc: "empty method",
			conn: conn,
			req:  Request{Path: "/a", Callback: rec.callback},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := c.Request(context.Background(), tc.conn, peerAddr, tc.req, nil)
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
		})
	}
	assert.Equal(t, 0, conn.count())
	assert.Equal(t, 0, c.Pending())
}

func TestRequestCanceledContext(t *testing.T) {
	_, c := newTestClient(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	err := c.Request(ctx, newFakeConn(), peerAddr, Request{Method: codes.GET, Path: "/a", Callback: rec.callback}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestRequestRoundTrip(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	err := c.Request(context.Background(), conn, peerAddr, Request{
		Method:        codes.POST,
		Path:          "/sensors/temp",
		Confirmable:   true,
		ContentFormat: message.TextPlain,
		Payload:       []byte("21.5"),
		Callback:      rec.callback,
		UserData:      "ctx-1",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, conn.count())
	assert.Equal(t, 1, c.Pending())

	req := conn.packet(t, 0)
	assert.Equal(t, message.Confirmable, req.Type)
	assert.Equal(t, codes.POST, req.Code)
	assert.Equal(t, "/sensors/temp", pathOf(req))
	assert.Equal(t, []byte("21.5"), req.Payload)
	cf, ok := req.Uint(message.ContentFormat)
	require.True(t, ok)
	assert.Equal(t, uint32(message.TextPlain), cf)
	assert.NotEmpty(t, req.Token)
	assert.Equal(t, peerAddr, conn.peers[0])

	cont := c.handleResponse(ack(req, codes.Changed, []byte("ok")), false)
	assert.False(t, cont)

	got := rec.all()
	require.Len(t, got, 1)
	assert.NoError(t, got[0].Err)
	assert.Equal(t, codes.Changed, got[0].Code)
	assert.Equal(t, []byte("ok"), got[0].Payload)
	assert.True(t, got[0].Last)
	assert.Equal(t, 0, got[0].Offset)
	assert.Equal(t, "ctx-1", got[0].UserData)
	assert.Equal(t, 0, c.Pending())

	// A piggybacked response is not acknowledged.
	assert.Equal(t, 1, conn.count())
}

func TestRequestNoFreeSlot(t *testing.T) {
	_, c := newTestClient(t, Config{MaxRequests: 1})
	conn := newFakeConn()
	rec := &recorder{}

	req := Request{Method: codes.GET, Path: "/a", Confirmable: true, Callback: rec.callback}
	require.NoError(t, c.Request(context.Background(), conn, peerAddr, req, nil))

	err := c.Request(context.Background(), conn, peerAddr, req, nil)
	assert.True(t, errors.Is(err, errors.ErrNoFreeSlot), "got %v", err)
	assert.Equal(t, 1, conn.count())
}

func TestRequestTargetBusy(t *testing.T) {
	_, c := newTestClient(t, Config{MaxRequests: 3})
	conn := newFakeConn()
	other := newFakeConn()
	rec := &recorder{}
	otherAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 2), Port: 5683}

	req := Request{Method: codes.GET, Path: "/a", Confirmable: true, Callback: rec.callback}
	require.NoError(t, c.Request(context.Background(), conn, peerAddr, req, nil))

	err := c.Request(context.Background(), conn, otherAddr, req, nil)
	assert.True(t, errors.Is(err, errors.ErrTargetBusy), "got %v", err)

	err = c.Request(context.Background(), other, peerAddr, req, nil)
	assert.True(t, errors.Is(err, errors.ErrTargetBusy), "got %v", err)

	c.mu.Lock()
	assert.Same(t, conn, c.conn.(*fakeConn))
	assert.Equal(t, peerAddr.String(), c.addr.String())
	c.mu.Unlock()

	// Same target is accepted.
	require.NoError(t, c.Request(context.Background(), conn, peerAddr, req, nil))
	assert.Equal(t, 2, c.Pending())

	// Once idle the client may be rebound.
	c.CancelRequests()
	require.NoError(t, c.Request(context.Background(), other, otherAddr, req, nil))
	assert.Equal(t, 1, other.count())
}

func TestRequestSendFailureFreesSlot(t *testing.T) {
	_, c := newTestClient(t, Config{MaxRequests: 1})
	conn := newFakeConn()
	conn.setWriteErr(syscall.ECONNREFUSED)
	rec := &recorder{}

	req := Request{Method: codes.GET, Path: "/a", Confirmable: true, Callback: rec.callback}
	err := c.Request(context.Background(), conn, peerAddr, req, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 0, rec.len())

	conn.setWriteErr(nil)
	require.NoError(t, c.Request(context.Background(), conn, peerAddr, req, nil))
}

func TestTokensAreUnique(t *testing.T) {
	_, c := newTestClient(t, Config{MaxRequests: 2})
	conn := newFakeConn()
	rec := &recorder{}

	req := Request{Method: codes.GET, Path: "/a", Confirmable: true, Callback: rec.callback}
	require.NoError(t, c.Request(context.Background(), conn, peerAddr, req, nil))
	require.NoError(t, c.Request(context.Background(), conn, peerAddr, req, nil))

	first, second := conn.packet(t, 0), conn.packet(t, 1)
	assert.NotEqual(t, first.Token, second.Token)
	assert.NotEqual(t, first.MessageID, second.MessageID)
}

func TestDuplicateResponseDeliveredOnce(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/a", Confirmable: true, Callback: rec.callback}, nil))
	req := conn.packet(t, 0)

	resp := separate(req, message.Confirmable, 0x4000, codes.Content, []byte("v"))
	c.handleResponse(resp, false)
	c.handleResponse(resp, false)

	assert.Equal(t, 1, rec.len())
	// Both copies of a confirmable response are acknowledged.
	require.Equal(t, 3, conn.count())
	for i := 1; i < 3; i++ {
		pkt := conn.packet(t, i)
		assert.Equal(t, message.Acknowledgement, pkt.Type)
		assert.Equal(t, uint16(0x4000), pkt.MessageID)
		assert.True(t, pkt.IsEmpty())
	}
}

func TestUnmatchedResponseIsReset(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/a", Confirmable: true, Callback: rec.callback}, nil))

	stray := codec.Packet{
		Type:      message.Confirmable,
		Code:      codes.Content,
		MessageID: 0x1234,
		Token:     message.Token{0xde, 0xad},
	}
	c.handleResponse(stray, false)
	require.Equal(t, 2, conn.count())
	rst := conn.packet(t, 1)
	assert.Equal(t, message.Reset, rst.Type)
	assert.Equal(t, uint16(0x1234), rst.MessageID)

	// Unmatched acknowledgements are dropped silently.
	stray.Type = message.Acknowledgement
	c.handleResponse(stray, false)
	assert.Equal(t, 2, conn.count())
	assert.Equal(t, 0, rec.len())
	assert.Equal(t, 1, c.Pending())
}

func TestSeparateResponse(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/slow", Confirmable: true, Callback: rec.callback}, fastParams()))
	req := conn.packet(t, 0)

	empty := codec.Packet{Type: message.Acknowledgement, Code: codes.Empty, MessageID: req.MessageID}
	c.handleResponse(empty, false)
	assert.Equal(t, 0, rec.len())

	c.mu.Lock()
	p := c.slots[0].pending
	c.mu.Unlock()
	assert.Equal(t, SeparateResponseTimeout, p.timeout)
	assert.Equal(t, 0, p.retries)

	// No retransmission while waiting for the separate response.
	c.resendExpired(time.Now().Add(time.Second))
	assert.Equal(t, 1, conn.count())

	c.handleResponse(separate(req, message.Confirmable, 0x2222, codes.Content, []byte("late")), false)
	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("late"), got[0].Payload)
	assert.Equal(t, message.Acknowledgement, conn.last(t).Type)
}

func TestSeparateResponseTimeout(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/slow", Confirmable: true, Callback: rec.callback}, fastParams()))
	req := conn.packet(t, 0)
	c.handleResponse(codec.Packet{Type: message.Acknowledgement, MessageID: req.MessageID}, false)

	c.resendExpired(slotDeadline(t, c, 0))
	got := rec.all()
	require.Len(t, got, 1)
	assert.True(t, errors.Is(got[0].Err, errors.ErrTimeout), "got %v", got[0].Err)
	assert.Equal(t, 1, conn.count())
}

func TestResetFailsExchange(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.DELETE, Path: "/a", Confirmable: true, Callback: rec.callback}, nil))
	req := conn.packet(t, 0)

	c.handleResponse(codec.Packet{Type: message.Reset, MessageID: req.MessageID}, false)

	got := rec.all()
	require.Len(t, got, 1)
	assert.True(t, errors.Is(got[0].Err, errors.ErrReset), "got %v", got[0].Err)
	assert.True(t, got[0].Last)
	assert.Equal(t, 0, c.Pending())

	// A second reset for the same message is ignored.
	c.handleResponse(codec.Packet{Type: message.Reset, MessageID: req.MessageID}, false)
	assert.Equal(t, 1, rec.len())
}

func TestConfirmableTimeout(t *testing.T) {
	_, c := newTestClient(t, Config{MaxRequests: 1})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/a", Confirmable: true, Callback: rec.callback}, fastParams()))

	var gaps []time.Duration
	prev := slotDeadline(t, c, 0)
	c.resendExpired(prev)
	for c.Pending() > 0 {
		dl := slotDeadline(t, c, 0)
		gaps = append(gaps, dl.Sub(prev))
		prev = dl
		c.resendExpired(dl)
	}

	// One initial transmission and two retransmissions.
	require.Equal(t, 3, conn.count())
	first := conn.packet(t, 0)
	for i := 1; i < 3; i++ {
		pkt := conn.packet(t, i)
		assert.Equal(t, first.MessageID, pkt.MessageID)
		assert.Equal(t, first.Token, pkt.Token)
	}
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, gaps)

	got := rec.all()
	require.Len(t, got, 1)
	assert.True(t, errors.Is(got[0].Err, errors.ErrTimeout), "got %v", got[0].Err)
	assert.True(t, got[0].Last)

	// The timed out slot is reusable at once.
	c.mu.Lock()
	assert.NotNil(t, c.freeSlot(prev))
	c.mu.Unlock()

	// Later timer runs do not report again.
	c.resendExpired(prev.Add(time.Hour))
	assert.Equal(t, 1, rec.len())
}

func TestNonConfirmableIsNotRetransmitted(t *testing.T) {
	_, c := newTestClient(t, Config{MaxRequests: 1})
	conn := newFakeConn()
	rec := &recorder{}

	params := &TransmissionParams{ACKTimeout: time.Second, RandomFactor: 1}
	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/a", Callback: rec.callback}, params))
	assert.Equal(t, message.NonConfirmable, conn.packet(t, 0).Type)

	c.mu.Lock()
	t0 := c.slots[0].pending.t0
	c.mu.Unlock()

	dl := slotDeadline(t, c, 0)
	c.resendExpired(dl)
	assert.Equal(t, 1, conn.count())
	assert.Equal(t, 0, rec.len())
	assert.Equal(t, 0, c.Pending())

	// The slot stays reserved for the exchange lifetime.
	c.mu.Lock()
	assert.Nil(t, c.freeSlot(dl))
	assert.NotNil(t, c.freeSlot(t0.Add(3*params.ACKTimeout+time.Millisecond)))
	c.mu.Unlock()

	err := c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/b", Callback: rec.callback}, params)
	assert.True(t, errors.Is(err, errors.ErrNoFreeSlot), "got %v", err)
}

func TestNonConfirmableResponse(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/a", Callback: rec.callback}, nil))
	req := conn.packet(t, 0)

	c.handleResponse(separate(req, message.NonConfirmable, 0x3000, codes.Content, []byte("x")), false)
	require.Equal(t, 1, rec.len())
	assert.Equal(t, 1, conn.count())
}

func TestTransientSendErrorIsRetried(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/a", Confirmable: true, Callback: rec.callback}, fastParams()))

	c.mu.Lock()
	before := c.slots[0].pending
	c.mu.Unlock()

	dl := slotDeadline(t, c, 0)
	conn.setWriteErr(syscall.EAGAIN)
	c.resendExpired(dl)

	c.mu.Lock()
	after := c.slots[0].pending
	c.mu.Unlock()
	assert.Equal(t, before.t0, after.t0)
	assert.Equal(t, before.timeout, after.timeout)
	assert.Equal(t, before.retries, after.retries)
	assert.Equal(t, 0, rec.len())

	conn.setWriteErr(nil)
	c.resendExpired(dl)
	assert.Equal(t, 2, conn.count())
	c.mu.Lock()
	assert.Equal(t, before.retries-1, c.slots[0].pending.retries)
	c.mu.Unlock()
}

func TestFatalSendErrorFailsExchange(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/a", Confirmable: true, Callback: rec.callback}, fastParams()))

	conn.setWriteErr(syscall.ENETUNREACH)
	c.resendExpired(slotDeadline(t, c, 0))

	got := rec.all()
	require.Len(t, got, 1)
	assert.True(t, errors.Is(got[0].Err, errors.ErrIO), "got %v", got[0].Err)
	assert.Equal(t, 0, c.Pending())
}

func TestCancelRequestsFromCallback(t *testing.T) {
	_, c := newTestClient(t, Config{MaxRequests: 3})
	conn := newFakeConn()

	var (
		inside   atomic.Bool
		overlaps atomic.Int32
		cancels  atomic.Int32
		first    recorder
	)
	other := func(resp Response) {
		if inside.Load() {
			overlaps.Add(1)
		}
		if errors.Is(resp.Err, errors.ErrCanceled) {
			cancels.Add(1)
		}
	}
	cancelling := func(resp Response) {
		inside.Store(true)
		first.callback(resp)
		c.CancelRequests()
		inside.Store(false)
	}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/first", Confirmable: true, Callback: cancelling}, nil))
	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/second", Confirmable: true, Callback: other}, nil))
	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/third", Confirmable: true, Callback: other}, nil))

	req := conn.packet(t, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Block2 with more blocks: the exchange would continue if the
		// callback did not cancel it.
		blk := codec.Block{Num: 0, More: true, SZX: codec.SZX256}
		c.handleResponse(ack(req, codes.Content, bytes.Repeat([]byte{'a'}, 256), blk.Option(message.Block2)), false)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleResponse deadlocked")
	}

	got := first.all()
	require.Len(t, got, 1)
	assert.NoError(t, got[0].Err)
	assert.Equal(t, int32(2), cancels.Load())
	assert.Equal(t, int32(0), overlaps.Load())
	assert.Equal(t, 0, c.Pending())
	// No follow-up block was requested.
	assert.Equal(t, 3, conn.count())
}

func TestCancelRequestFilter(t *testing.T) {
	_, c := newTestClient(t, Config{MaxRequests: 3})
	conn := newFakeConn()
	recA, recB := &recorder{}, &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/a", Confirmable: true, Callback: recA.callback}, nil))
	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.PUT, Path: "/b", Confirmable: true, Callback: recB.callback, UserData: 7}, nil))

	c.CancelRequest(Request{Path: "/a"})
	require.Equal(t, 1, recA.len())
	assert.True(t, errors.Is(recA.all()[0].Err, errors.ErrCanceled))
	assert.Equal(t, 0, recB.len())
	assert.Equal(t, 1, c.Pending())

	c.CancelRequest(Request{Method: codes.PUT, UserData: 8})
	assert.Equal(t, 0, recB.len())

	c.CancelRequest(Request{Method: codes.PUT, UserData: 7})
	require.Equal(t, 1, recB.len())
	assert.Equal(t, 7, recB.all()[0].UserData)
	assert.Equal(t, 0, c.Pending())

	// Canceling again reports nothing.
	c.CancelRequests()
	assert.Equal(t, 1, recA.len())
	assert.Equal(t, 1, recB.len())
}

func TestRequestFilterMatches(t *testing.T) {
	cbA := func(Response) {}
	cbB := func(Response) {}
	req := Request{Method: codes.GET, Path: "/a", Callback: cbA, UserData: []byte("x")}

	cases := []struct {
		desc   string
		filter Request
		match  bool
	}{
		{desc: "empty filter", filter: Request{}, match: true},
		{desc: "same method", filter: Request{Method: codes.GET}, match: true},
		{desc: "other method", filter: Request{Method: codes.POST}, match: false},
		{desc: "same path", filter: Request{Path: "/a"}, match: true},
		{desc: "other path", filter: Request{Path: "/b"}, match: false},
		{desc: "same callback", filter: Request{Callback: cbA}, match: true},
		{desc: "other callback", filter: Request{Callback: cbB}, match: false},
		{desc: "incomparable user data", filter: Request{UserData: []byte("x")}, match: false},
		{desc: "user data of other type", filter: Request{UserData: "x"}, match: false},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.match, tc.filter.matches(req))
		})
	}
}

func observeOption(seq uint32) message.Option {
	return message.Option{ID: message.Observe, Value: codec.EncodeUint(seq)}
}

func TestObservePersistsUntilCanceled(t *testing.T) {
	_, c := newTestClient(t, Config{MaxRequests: 1})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr, Request{
		Method:      codes.GET,
		Path:        "/obs",
		Confirmable: true,
		Options:     []message.Option{observeOption(0)},
		Callback:    rec.callback,
	}, nil))
	req := conn.packet(t, 0)
	obs, ok := req.Observe()
	require.True(t, ok)
	assert.Equal(t, uint32(0), obs)

	c.handleResponse(ack(req, codes.Content, []byte("1"), observeOption(1)), false)
	c.handleResponse(separate(req, message.NonConfirmable, 0x5001, codes.Content, []byte("2"), observeOption(2)), false)
	c.handleResponse(separate(req, message.Confirmable, 0x5002, codes.Content, []byte("3"), observeOption(3)), false)
	// Duplicate notification.
	c.handleResponse(separate(req, message.Confirmable, 0x5002, codes.Content, []byte("3"), observeOption(3)), false)

	got := rec.all()
	require.Len(t, got, 3)
	for i, resp := range got {
		assert.NoError(t, resp.Err)
		assert.True(t, resp.Last)
		assert.Equal(t, []byte{byte('1' + i)}, resp.Payload)
	}
	assert.Equal(t, 1, c.Pending())

	err := c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/other", Callback: rec.callback}, nil)
	assert.True(t, errors.Is(err, errors.ErrNoFreeSlot), "got %v", err)

	c.CancelRequests()
	require.Equal(t, 4, rec.len())
	assert.True(t, errors.Is(rec.all()[3].Err, errors.ErrCanceled))

	sent := conn.count()
	c.handleResponse(separate(req, message.Confirmable, 0x5003, codes.Content, []byte("4"), observeOption(4)), false)
	assert.Equal(t, 4, rec.len())
	require.Equal(t, sent+1, conn.count())
	rst := conn.last(t)
	assert.Equal(t, message.Reset, rst.Type)
	assert.Equal(t, uint16(0x5003), rst.MessageID)
}

func TestObserveRejectedByServer(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr, Request{
		Method:      codes.GET,
		Path:        "/obs",
		Confirmable: true,
		Options:     []message.Option{observeOption(0)},
		Callback:    rec.callback,
	}, nil))
	req := conn.packet(t, 0)

	// No Observe option in the response: a plain one-shot exchange.
	c.handleResponse(ack(req, codes.Content, []byte("v")), false)
	assert.Equal(t, 1, rec.len())
	assert.Equal(t, 0, c.Pending())
}

func TestObserveResetByServer(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr, Request{
		Method:      codes.GET,
		Path:        "/obs",
		Confirmable: true,
		Options:     []message.Option{observeOption(0)},
		Callback:    rec.callback,
	}, nil))
	req := conn.packet(t, 0)

	c.handleResponse(codec.Packet{Type: message.Reset, MessageID: req.MessageID}, false)
	got := rec.all()
	require.Len(t, got, 1)
	assert.True(t, errors.Is(got[0].Err, errors.ErrReset))
	assert.Equal(t, 0, c.Pending())
}

func TestBlockwiseDownload(t *testing.T) {
	_, c := newTestClient(t, Config{BlockSize: 256})
	conn := newFakeConn()
	rec := &recorder{}

	body := make([]byte, 600)
	for i := range body {
		body[i] = byte(i)
	}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr, Request{
		Method:      codes.GET,
		Path:        "/large",
		Confirmable: true,
		Options:     []message.Option{c.InitialBlock2Option()},
		Callback:    rec.callback,
	}, nil))

	first := conn.packet(t, 0)
	b2, ok := first.Block2()
	require.True(t, ok)
	assert.Equal(t, codec.Block{Num: 0, SZX: codec.SZX256}, b2)

	for num := 0; num < 3; num++ {
		req := conn.packet(t, num)
		assert.Equal(t, first.Token, req.Token)
		assert.Equal(t, "/large", pathOf(req))
		b2, ok := req.Block2()
		require.True(t, ok)
		assert.Equal(t, uint32(num), b2.Num)

		start := num * 256
		end := min(start+256, len(body))
		blk := codec.Block{Num: uint32(num), More: end < len(body), SZX: codec.SZX256}
		cont := c.handleResponse(ack(req, codes.Content, body[start:end], blk.Option(message.Block2)), false)
		assert.Equal(t, blk.More, cont)
	}
	require.Equal(t, 3, conn.count())
	assert.NotEqual(t, conn.packet(t, 0).MessageID, conn.packet(t, 1).MessageID)

	got := rec.all()
	require.Len(t, got, 3)
	var assembled []byte
	for i, resp := range got {
		assert.Equal(t, i*256, resp.Offset)
		assert.Equal(t, i == 2, resp.Last)
		assembled = append(assembled, resp.Payload...)
	}
	assert.Equal(t, body, assembled)
	assert.Equal(t, 0, c.Pending())
}

func TestBlockwiseDownloadSmallerServerBlock(t *testing.T) {
	_, c := newTestClient(t, Config{BlockSize: 256})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/large", Confirmable: true, Callback: rec.callback}, nil))

	req := conn.packet(t, 0)
	blk := codec.Block{Num: 0, More: true, SZX: codec.SZX64}
	c.handleResponse(ack(req, codes.Content, make([]byte, 64), blk.Option(message.Block2)), false)

	next := conn.packet(t, 1)
	b2, ok := next.Block2()
	require.True(t, ok)
	assert.Equal(t, codec.Block{Num: 1, SZX: codec.SZX64}, b2)
}

func TestTruncatedResponseContinuesBlockwise(t *testing.T) {
	_, c := newTestClient(t, Config{BlockSize: 256})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/big", Confirmable: true, Callback: rec.callback}, nil))
	req := conn.packet(t, 0)

	cont := c.handleResponse(ack(req, codes.Content, make([]byte, 300)), true)
	assert.True(t, cont)

	got := rec.all()
	require.Len(t, got, 1)
	assert.False(t, got[0].Last)
	assert.Len(t, got[0].Payload, 256)

	next := conn.packet(t, 1)
	b2, ok := next.Block2()
	require.True(t, ok)
	assert.Equal(t, uint32(1), b2.Num)
}

func TestBlockwiseUpload(t *testing.T) {
	_, c := newTestClient(t, Config{BlockSize: 256, MaxMessageSize: 512})
	conn := newFakeConn()
	rec := &recorder{}

	body := make([]byte, 1000)
	for i := range body {
		body[i] = byte(i % 251)
	}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr, Request{
		Method:        codes.PUT,
		Path:          "/fw",
		Confirmable:   true,
		ContentFormat: message.AppOctets,
		Payload:       body,
		Callback:      rec.callback,
	}, nil))

	var (
		assembled []byte
		tag       []byte
	)
	const blocks = 4
	for i := 0; i < blocks; i++ {
		req := conn.packet(t, i)
		b1, ok := req.Block1()
		require.True(t, ok, "block %d", i)
		assert.Equal(t, uint32(i), b1.Num)
		assert.Equal(t, codec.SZX256, b1.SZX)
		assert.Equal(t, i < blocks-1, b1.More)

		size1, hasSize1 := req.Uint(message.Size1)
		if i == 0 {
			require.True(t, hasSize1)
			assert.Equal(t, uint32(len(body)), size1)
		} else {
			assert.False(t, hasSize1)
		}

		rt, ok := req.Option(codec.OptionRequestTag)
		require.True(t, ok)
		if tag == nil {
			tag = rt
		}
		assert.Equal(t, tag, rt)
		assembled = append(assembled, req.Payload...)

		code := codes.Continue
		if !b1.More {
			code = codes.Changed
		}
		c.handleResponse(ack(req, code, nil, b1.Option(message.Block1)), false)
	}
	require.Equal(t, blocks, conn.count())
	assert.Equal(t, body, assembled)

	got := rec.all()
	require.Len(t, got, blocks)
	for i, resp := range got {
		assert.Equal(t, i*256, resp.Offset)
		assert.Equal(t, i == blocks-1, resp.Last)
	}
	assert.Equal(t, codes.Changed, got[blocks-1].Code)
	assert.Equal(t, 0, c.Pending())
}

func TestBlockwiseUploadBlockCount(t *testing.T) {
	cases := []struct {
		desc   string
		cfg    Config
		size   int
		blocks int
	}{
		{desc: "default config", cfg: Config{}, size: 600, blocks: 3},
		{desc: "message size above block size", cfg: Config{BlockSize: 256, MaxMessageSize: 512}, size: 400, blocks: 2},
		{desc: "exactly one block", cfg: Config{}, size: 256, blocks: 1},
		{desc: "block size clamped to message size", cfg: Config{BlockSize: 1024, MaxMessageSize: 300}, size: 600, blocks: 3},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, c := newTestClient(t, tc.cfg)
			conn := newFakeConn()
			rec := &recorder{}

			body := make([]byte, tc.size)
			for i := range body {
				body[i] = byte(i % 251)
			}
			require.NoError(t, c.Request(context.Background(), conn, peerAddr, Request{
				Method:      codes.PUT,
				Path:        "/cfg",
				Confirmable: true,
				Payload:     body,
				Callback:    rec.callback,
			}, nil))

			var assembled []byte
			for i := 0; i < tc.blocks; i++ {
				req := conn.packet(t, i)
				assembled = append(assembled, req.Payload...)
				b1, ok := req.Block1()
				if tc.blocks == 1 {
					assert.False(t, ok)
					c.handleResponse(ack(req, codes.Changed, nil), false)
					continue
				}
				require.True(t, ok, "block %d", i)
				assert.Equal(t, uint32(i), b1.Num)
				assert.Equal(t, i < tc.blocks-1, b1.More)
				assert.LessOrEqual(t, len(req.Payload), b1.SZX.Size())

				code := codes.Continue
				if !b1.More {
					code = codes.Changed
				}
				c.handleResponse(ack(req, code, nil, b1.Option(message.Block1)), false)
			}
			assert.Equal(t, tc.blocks, conn.count())
			assert.Equal(t, body, assembled)
			assert.Equal(t, 0, c.Pending())
		})
	}
}

func TestTruncatedBlockFallsBackToSmallerBlock(t *testing.T) {
	_, c := newTestClient(t, Config{BlockSize: 1024})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.GET, Path: "/fw", Confirmable: true, Callback: rec.callback}, nil))
	req := conn.packet(t, 0)

	// A 1024-byte block cut short by the receive buffer.
	blk := codec.Block{Num: 0, More: true, SZX: codec.SZX1024}
	cont := c.handleResponse(ack(req, codes.Content, make([]byte, 1009), blk.Option(message.Block2)), true)
	assert.True(t, cont)

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Offset)
	assert.Len(t, got[0].Payload, 512)
	assert.False(t, got[0].Last)

	next := conn.packet(t, 1)
	b2, ok := next.Block2()
	require.True(t, ok)
	assert.Equal(t, uint32(1), b2.Num)
	assert.Equal(t, codec.SZX512, b2.SZX)
	assert.Equal(t, 512, b2.Offset())
}

func TestBlockSizeClampedToMessageSize(t *testing.T) {
	_, c := newTestClient(t, Config{BlockSize: 1024, MaxMessageSize: 300})

	b2, err := codec.ParseBlock(mustUint(t, c.InitialBlock2Option().Value))
	require.NoError(t, err)
	assert.Equal(t, codec.SZX256, b2.SZX)
}

func mustUint(t *testing.T, v []byte) uint32 {
	t.Helper()
	n, err := codec.DecodeUint(v)
	require.NoError(t, err)
	return n
}

func TestBlockwiseUploadStopsOnError(t *testing.T) {
	_, c := newTestClient(t, Config{BlockSize: 256, MaxMessageSize: 512})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr, Request{
		Method:      codes.POST,
		Path:        "/fw",
		Confirmable: true,
		Payload:     make([]byte, 1000),
		Callback:    rec.callback,
	}, nil))
	req := conn.packet(t, 0)

	c.handleResponse(ack(req, codes.RequestEntityTooLarge, nil), false)
	got := rec.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].Last)
	assert.Equal(t, 1, conn.count())
	assert.Equal(t, 0, c.Pending())
}

func TestEchoChallengeRepeatsRequest(t *testing.T) {
	_, c := newTestClient(t, Config{})
	conn := newFakeConn()
	rec := &recorder{}

	require.NoError(t, c.Request(context.Background(), conn, peerAddr,
		Request{Method: codes.POST, Path: "/act", Confirmable: true, Payload: []byte("on"), Callback: rec.callback}, nil))
	req := conn.packet(t, 0)
	_, hasEcho := req.Option(codec.OptionEcho)
	assert.False(t, hasEcho)

	echo := []byte{0x01, 0x02, 0x03}
	cont := c.handleResponse(ack(req, codes.Unauthorized, nil, message.Option{ID: codec.OptionEcho, Value: echo}), false)
	assert.True(t, cont)
	assert.Equal(t, 0, rec.len())

	retry := conn.packet(t, 1)
	assert.Equal(t, req.Token, retry.Token)
	assert.NotEqual(t, req.MessageID, retry.MessageID)
	assert.Equal(t, []byte("on"), retry.Payload)
	got, ok := retry.Option(codec.OptionEcho)
	require.True(t, ok)
	assert.Equal(t, echo, got)

	c.handleResponse(ack(retry, codes.Changed, nil), false)
	require.Equal(t, 1, rec.len())
	assert.Equal(t, codes.Changed, rec.all()[0].Code)
}

func TestEchoIsSentOnce(t *testing.T) {
	_, c := newTestClient(t, Config{MaxRequests: 3})
	conn := newFakeConn()
	rec := &recorder{}

	send := func() codec.Packet {
		require.NoError(t, c.Request(context.Background(), conn, peerAddr,
			Request{Method: codes.GET, Path: "/a", Confirmable: true, Callback: rec.callback}, nil))
		return conn.last(t)
	}

	req := send()
	c.handleResponse(ack(req, codes.Content, nil, message.Option{ID: codec.OptionEcho, Value: []byte{9}}), false)

	next := send()
	echo, ok := next.Option(codec.OptionEcho)
	require.True(t, ok)
	assert.Equal(t, []byte{9}, echo)
	c.handleResponse(ack(next, codes.Content, nil), false)

	_, ok = send().Option(codec.OptionEcho)
	assert.False(t, ok)
}

func TestPendingSchedule(t *testing.T) {
	params := TransmissionParams{ACKTimeout: time.Second, BackoffFactor: 2, MaxRetransmit: 2, RandomFactor: 1}
	now := time.Unix(1000, 0)

	var p pending
	p.init(params, now, true)
	require.True(t, p.cycle())
	dl, ok := p.deadline()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), dl)

	require.True(t, p.cycle())
	dl, _ = p.deadline()
	assert.Equal(t, now.Add(3*time.Second), dl)

	require.True(t, p.cycle())
	dl, _ = p.deadline()
	assert.Equal(t, now.Add(7*time.Second), dl)

	assert.False(t, p.cycle())
	assert.True(t, p.expired(dl))
	assert.False(t, p.expired(dl.Add(-time.Nanosecond)))

	p.clear()
	_, ok = p.deadline()
	assert.False(t, ok)
	assert.False(t, p.lifetimeExceeded(now.Add(4*time.Second)))
	assert.True(t, p.lifetimeExceeded(now.Add(7*time.Second)))

	p.endLifetime()
	assert.True(t, p.lifetimeExceeded(now))
}

func TestPendingNonConfirmable(t *testing.T) {
	params := TransmissionParams{ACKTimeout: time.Second, BackoffFactor: 2, MaxRetransmit: 4, RandomFactor: 1}
	now := time.Unix(1000, 0)

	var p pending
	p.init(params, now, false)
	require.True(t, p.cycle())
	assert.False(t, p.cycle())
}

func TestInitialTimeoutRange(t *testing.T) {
	params := DefaultTransmissionParams()
	for i := 0; i < 100; i++ {
		d := params.initialTimeout()
		assert.GreaterOrEqual(t, d, params.ACKTimeout)
		assert.LessOrEqual(t, d, time.Duration(float64(params.ACKTimeout)*params.RandomFactor))
	}
}

func TestTransmissionParamsDefaults(t *testing.T) {
	p := TransmissionParams{}.withDefaults()
	assert.Equal(t, DefaultTransmissionParams(), p)
	assert.Equal(t, 1.5, p.RandomFactor)

	p = TransmissionParams{MaxRetransmit: -1}.withDefaults()
	assert.Equal(t, 0, p.MaxRetransmit)
}

func TestInvalidBlockSize(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Logger: testLogger})
	_, err := reg.NewClient(Config{BlockSize: 300, Logger: testLogger})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
	assert.Equal(t, 0, reg.Len())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultBlockSize, cfg.BlockSize)
	assert.Equal(t, DefaultBlockSize, cfg.MaxMessageSize)
	assert.Equal(t, transport.DefaultHeaderSize, cfg.HeaderSize)

	cfg = Config{BlockSize: 64, MaxMessageSize: 1024}.withDefaults()
	assert.Equal(t, 1024, cfg.MaxMessageSize)
}
