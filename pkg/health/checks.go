// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/absmach/mcoap/pkg/client"
	"github.com/absmach/mcoap/pkg/codec"
	"github.com/absmach/mcoap/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message"
)

var (
	// ErrNotRunning indicates the dispatcher loop is not running.
	ErrNotRunning = errors.New("dispatcher not running")

	// ErrSaturated indicates a client has no free exchange slot.
	ErrSaturated = errors.New("client saturated")

	// ErrNoPong indicates the peer did not answer a CoAP ping.
	ErrNoPong = errors.New("no reply to ping")
)

// Runner is implemented by client.Dispatcher.
type Runner interface {
	Running() bool
}

// Dispatcher fails while the dispatcher loop is stopped.
func Dispatcher(r Runner) CheckFunc {
	return func(context.Context) error {
		if !r.Running() {
			return ErrNotRunning
		}
		return nil
	}
}

// Saturation fails when any client of reg has every slot in use.
func Saturation(reg *client.Registry) CheckFunc {
	return func(context.Context) error {
		for _, c := range reg.Clients() {
			if c.Pending() >= c.Capacity() {
				return fmt.Errorf("%w: %s", ErrSaturated, c.ID())
			}
		}
		return nil
	}
}

// Ping sends a CoAP ping (an empty confirmable message) to addr and expects
// the RESET that every CoAP endpoint answers it with.
func Ping(addr string, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		deadline := time.Now().Add(timeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}

		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		pc, ok := conn.(net.PacketConn)
		if !ok {
			return fmt.Errorf("unexpected connection type %T", conn)
		}

		mid := uint16(time.Now().UnixNano())
		data, err := codec.EncodeEmpty(message.Confirmable, mid)
		if err != nil {
			return err
		}
		if err := transport.Send(pc, nil, data); err != nil {
			return err
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}

		buf := make([]byte, transport.DefaultMaxMessageSize)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrNoPong, err)
			}
			pkt, err := codec.Decode(ctx, buf[:n])
			if err != nil {
				continue
			}
			if pkt.Type == message.Reset && pkt.MessageID == mid {
				return nil
			}
		}
	}
}
