// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net"
	"reflect"

	"github.com/absmach/mcoap/pkg/codec"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// ResponseCallback receives the responses of one exchange.
type ResponseCallback func(Response)

// Request describes a CoAP request.
type Request struct {
	Method        codes.Code
	Path          string
	Confirmable   bool
	ContentFormat message.MediaType
	Payload       []byte

	// Options are appended after the options the client sets itself.
	Options []message.Option

	Callback ResponseCallback
	UserData any
}

// Response is one delivery to a ResponseCallback: either a response from the
// server or, when Err is set, a synthetic failure. Failures always have
// Last set.
type Response struct {
	Code     codes.Code
	Err      error
	Offset   int
	Payload  []byte
	Last     bool
	UserData any
}

// Service is the application-facing surface of a client.
type Service interface {
	// Request sends req to addr over conn. A nil addr sends to the peer of
	// a connected socket. A nil params uses the client defaults.
	Request(ctx context.Context, conn net.PacketConn, addr net.Addr, req Request, params *TransmissionParams) error

	// CancelRequests cancels every ongoing exchange.
	CancelRequests()

	// CancelRequest cancels the ongoing exchanges matching filter. Zero
	// fields of filter match anything.
	CancelRequest(filter Request)
}

// matches reports whether req matches the filter f.
// Callbacks compare by function identity: two closures created by the same
// function literal are equal.
func (f Request) matches(req Request) bool {
	if f.Method != codes.Empty && f.Method != req.Method {
		return false
	}
	if f.Path != "" && f.Path != req.Path {
		return false
	}
	if f.Callback != nil && funcPtr(f.Callback) != funcPtr(req.Callback) {
		return false
	}
	if f.UserData != nil && !sameValue(f.UserData, req.UserData) {
		return false
	}
	return true
}

func funcPtr(cb ResponseCallback) uintptr {
	if cb == nil {
		return 0
	}
	return reflect.ValueOf(cb).Pointer()
}

func sameValue(a, b any) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	if !reflect.TypeOf(a).Comparable() {
		return false
	}
	return a == b
}

func isRequestCode(c codes.Code) bool {
	return c != codes.Empty && uint16(c)>>5 == 0
}

func codeClass(c codes.Code) int {
	return int(uint16(c) >> 5)
}

// isObserveRegistration reports whether opts register an observation.
func isObserveRegistration(opts []message.Option) bool {
	for _, opt := range opts {
		if opt.ID != message.Observe {
			continue
		}
		v, err := codec.DecodeUint(opt.Value)
		return err == nil && v == 0
	}
	return false
}
