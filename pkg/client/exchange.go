// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"sync/atomic"
	"time"

	"github.com/absmach/mcoap/pkg/codec"
	"github.com/plgd-dev/go-coap/v3/message"
)

// exchange is one request slot of a client. All fields except inCallback
// are guarded by the client mutex.
type exchange struct {
	ongoing        bool
	lastID         uint16
	lastResponseID int32
	token          message.Token
	pending        pending
	params         TransmissionParams
	sendBlk        codec.BlockContext
	recvBlk        codec.BlockContext
	requestTag     []byte
	req            Request
	observe        bool
	continued      bool
	packet         []byte
	started        time.Time

	inCallback atomic.Bool
}

// reset prepares the slot for a new exchange. inCallback is left alone: it
// belongs to a callback that may still be running.
func (e *exchange) reset() {
	e.ongoing = false
	e.lastID = 0
	e.lastResponseID = -1
	e.token = nil
	e.pending = pending{}
	e.params = TransmissionParams{}
	e.sendBlk.Reset()
	e.recvBlk.Reset()
	e.requestTag = nil
	e.req = Request{}
	e.observe = false
	e.continued = false
	e.packet = nil
	e.started = time.Time{}
}

// reusable is the single test for whether a slot may take a new exchange:
// it must be finished and past its exchange lifetime. Slots that are not
// reusable are also the ones the dispatcher watches.
func (e *exchange) reusable(now time.Time) bool {
	return !e.ongoing && e.pending.lifetimeExceeded(now)
}

// release ends the exchange. It reports whether the exchange was ongoing.
func (e *exchange) release() bool {
	if !e.ongoing {
		return false
	}
	e.ongoing = false
	e.pending.clear()
	return true
}

func (e *exchange) hasToken(token message.Token) bool {
	return len(e.token) > 0 && bytes.Equal(e.token, token)
}
