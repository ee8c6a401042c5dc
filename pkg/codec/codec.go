// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// Options not known to the go-coap option table.
const (
	OptionEcho       message.OptionID = 252
	OptionRequestTag message.OptionID = 292
)

// MaxTokenLength is the longest token allowed on the wire.
const MaxTokenLength = 8

// ErrMalformed indicates a datagram that is not a valid CoAP message.
var ErrMalformed = errors.New("malformed CoAP message")

// Header holds the fixed part of an outgoing message.
type Header struct {
	Type      message.Type
	Code      codes.Code
	MessageID uint16
	Token     message.Token
}

// Packet is a decoded CoAP message. It owns all of its byte slices.
type Packet struct {
	Type      message.Type
	Code      codes.Code
	MessageID uint16
	Token     message.Token
	Options   message.Options
	Payload   []byte
}

// Decode parses one CoAP-over-UDP datagram.
func Decode(ctx context.Context, data []byte) (Packet, error) {
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return Packet{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	pkt := Packet{
		Type:      msg.Type(),
		Code:      msg.Code(),
		MessageID: uint16(msg.MessageID()),
		Token:     bytes.Clone(msg.Token()),
	}
	if len(pkt.Token) > MaxTokenLength {
		return Packet{}, fmt.Errorf("%w: token length %d", ErrMalformed, len(pkt.Token))
	}
	for _, opt := range msg.Options() {
		pkt.Options = append(pkt.Options, message.Option{ID: opt.ID, Value: bytes.Clone(opt.Value)})
	}
	if msg.Body() != nil {
		payload, err := msg.ReadBody()
		if err != nil {
			return Packet{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		pkt.Payload = bytes.Clone(payload)
	}

	return pkt, nil
}

// Encode builds a datagram from a header, options and payload. Options may
// be given in any order; repeated options keep their relative order.
func Encode(ctx context.Context, h Header, opts []message.Option, payload []byte) ([]byte, error) {
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	msg.SetType(h.Type)
	msg.SetCode(h.Code)
	msg.SetMessageID(int32(h.MessageID))
	if len(h.Token) > 0 {
		msg.SetToken(h.Token)
	}
	for _, opt := range opts {
		msg.AddOptionBytes(opt.ID, opt.Value)
	}
	if len(payload) > 0 {
		msg.SetBody(bytes.NewReader(payload))
	}

	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CoAP message: %w", err)
	}
	return bytes.Clone(data), nil
}

// EncodeEmpty builds an empty ACK or RESET for the given message ID.
func EncodeEmpty(typ message.Type, mid uint16) ([]byte, error) {
	return Encode(context.Background(), Header{Type: typ, Code: codes.Empty, MessageID: mid}, nil, nil)
}

// IsEmpty reports whether p carries no request or response code.
func (p Packet) IsEmpty() bool {
	return p.Code == codes.Empty
}

// Option returns the value of the first option with the given number.
func (p Packet) Option(id message.OptionID) ([]byte, bool) {
	for _, opt := range p.Options {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// Uint returns the first option with the given number decoded as uint.
func (p Packet) Uint(id message.OptionID) (uint32, bool) {
	v, ok := p.Option(id)
	if !ok {
		return 0, false
	}
	n, err := DecodeUint(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Block1 returns the Block1 option, if present and valid.
func (p Packet) Block1() (Block, bool) {
	return p.block(message.Block1)
}

// Block2 returns the Block2 option, if present and valid.
func (p Packet) Block2() (Block, bool) {
	return p.block(message.Block2)
}

func (p Packet) block(id message.OptionID) (Block, bool) {
	v, ok := p.Uint(id)
	if !ok {
		return Block{}, false
	}
	b, err := ParseBlock(v)
	if err != nil {
		return Block{}, false
	}
	return b, true
}

// Observe reports the Observe option value, if present.
func (p Packet) Observe() (uint32, bool) {
	return p.Uint(message.Observe)
}
