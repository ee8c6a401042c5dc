// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultPollPeriod bounds how long a read blocks before the reader
	// checks for shutdown or idleness.
	DefaultPollPeriod = 500 * time.Millisecond

	// DefaultMaxMessageSize is the largest message payload accepted without
	// truncation.
	DefaultMaxMessageSize = 1280

	// DefaultHeaderSize is the room reserved for the CoAP header, token and
	// options on top of the message payload.
	DefaultHeaderSize = 48

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535
)

// ErrNoPeer is returned when sending without an address on a socket that
// is not connected.
var ErrNoPeer = errors.New("no peer address for unconnected socket")

// Datagram is one received message or the error that ended a reader.
type Datagram struct {
	Conn      net.PacketConn
	Addr      net.Addr
	Data      []byte
	Truncated bool
	Err       error
}

// Config holds the reader configuration.
type Config struct {
	// MaxMessageSize is the largest payload a datagram may carry. Datagrams
	// longer than MaxMessageSize+HeaderSize are delivered truncated.
	// If 0, uses DefaultMaxMessageSize.
	MaxMessageSize int

	// HeaderSize is the room for the header, token and options.
	// If 0, uses DefaultHeaderSize.
	HeaderSize int

	// PollPeriod is the read deadline used between shutdown checks.
	// If 0, uses DefaultPollPeriod.
	PollPeriod time.Duration

	// Logger for reader events
	Logger *slog.Logger
}

func (cfg Config) datagramSize() int {
	return cfg.MaxMessageSize + cfg.HeaderSize
}

// Reader reads datagrams from a single socket.
type Reader struct {
	config     Config
	conn       net.PacketConn
	bufferPool *sync.Pool
}

// NewReader creates a reader for conn.
func NewReader(conn net.PacketConn, cfg Config) *Reader {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.HeaderSize == 0 {
		cfg.HeaderSize = DefaultHeaderSize
	}
	if cfg.MaxMessageSize+cfg.HeaderSize >= MaxDatagramSize {
		cfg.MaxMessageSize = MaxDatagramSize - cfg.HeaderSize - 1
	}
	if cfg.PollPeriod == 0 {
		cfg.PollPeriod = DefaultPollPeriod
	}

	size := cfg.datagramSize() + 1
	return &Reader{
		config: cfg,
		conn:   conn,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		},
	}
}

// Run delivers datagrams to out until ctx is done, the socket fails or
// idle reports, after a read timeout, that nobody waits for this socket.
// A socket failure is delivered as a Datagram with Err set.
func (r *Reader) Run(ctx context.Context, out chan<- Datagram, idle func() bool) {
	defer func() {
		// Leave the caller's socket without a pending deadline.
		_ = r.conn.SetReadDeadline(time.Time{})
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bufPtr := r.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		if err := r.conn.SetReadDeadline(time.Now().Add(r.config.PollPeriod)); err != nil {
			r.bufferPool.Put(bufPtr)
			r.deliver(ctx, out, Datagram{Conn: r.conn, Err: err})
			return
		}

		n, addr, err := r.conn.ReadFrom(buffer)
		if err != nil {
			r.bufferPool.Put(bufPtr)
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if idle != nil && idle() {
					r.config.Logger.Debug("socket reader idle",
						slog.String("local", localAddr(r.conn)))
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.config.Logger.Warn("socket read failed",
				slog.String("local", localAddr(r.conn)),
				slog.String("error", err.Error()))
			r.deliver(ctx, out, Datagram{Conn: r.conn, Err: err})
			return
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		r.bufferPool.Put(bufPtr)

		truncated := n > r.config.datagramSize()
		if truncated {
			r.config.Logger.Debug("datagram truncated",
				slog.String("from", addr.String()),
				slog.Int("max_size", r.config.datagramSize()))
		}

		if !r.deliver(ctx, out, Datagram{Conn: r.conn, Addr: addr, Data: datagram, Truncated: truncated}) {
			return
		}
	}
}

func (r *Reader) deliver(ctx context.Context, out chan<- Datagram, d Datagram) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// Send writes one datagram. A nil addr writes to the peer of a connected
// socket.
func Send(conn net.PacketConn, addr net.Addr, data []byte) error {
	if addr == nil {
		w, ok := conn.(io.Writer)
		if !ok {
			return ErrNoPeer
		}
		_, err := w.Write(data)
		return err
	}
	_, err := conn.WriteTo(data, addr)
	return err
}

// IsTransient reports whether a send error is worth retrying on the next
// timer tick.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.ENOBUFS) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// SameAddr reports whether two peer addresses denote the same endpoint.
func SameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

func localAddr(conn net.PacketConn) string {
	if addr := conn.LocalAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
