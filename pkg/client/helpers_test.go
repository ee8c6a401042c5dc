// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/codec"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

// fakeConn records every datagram written to it.
type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	peers    []net.Addr
	writeErr error
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	<-f.closed
	return 0, nil, net.ErrClosed
}

func (f *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.sent = append(f.sent, bytes.Clone(p))
	f.peers = append(f.peers, addr)
	return len(p), nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr                { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) packet(t *testing.T, i int) codec.Packet {
	t.Helper()
	f.mu.Lock()
	require.Greater(t, len(f.sent), i, "datagram %d not sent", i)
	data := f.sent[i]
	f.mu.Unlock()

	pkt, err := codec.Decode(context.Background(), data)
	require.NoError(t, err)
	return pkt
}

func (f *fakeConn) last(t *testing.T) codec.Packet {
	t.Helper()
	return f.packet(t, f.count()-1)
}

// recorder collects callback deliveries.
type recorder struct {
	mu        sync.Mutex
	responses []Response
}

func (r *recorder) callback(resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp.Payload = bytes.Clone(resp.Payload)
	r.responses = append(r.responses, resp)
}

func (r *recorder) all() []Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Response(nil), r.responses...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

var peerAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}

func fastParams() *TransmissionParams {
	return &TransmissionParams{
		ACKTimeout:    10 * time.Millisecond,
		BackoffFactor: 2,
		MaxRetransmit: 2,
		RandomFactor:  1,
	}
}

func newTestClient(t *testing.T, cfg Config) (*Registry, *Client) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger
	}
	reg := NewRegistry(RegistryConfig{MaxInstances: 4, Logger: testLogger})
	c, err := reg.NewClient(cfg)
	require.NoError(t, err)
	return reg, c
}

func ack(req codec.Packet, code codes.Code, payload []byte, opts ...message.Option) codec.Packet {
	return codec.Packet{
		Type:      message.Acknowledgement,
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
		Options:   opts,
		Payload:   payload,
	}
}

func separate(req codec.Packet, typ message.Type, mid uint16, code codes.Code, payload []byte, opts ...message.Option) codec.Packet {
	return codec.Packet{
		Type:      typ,
		Code:      code,
		MessageID: mid,
		Token:     req.Token,
		Options:   opts,
		Payload:   payload,
	}
}

func slotDeadline(t *testing.T, c *Client, i int) time.Time {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	dl, ok := c.slots[i].pending.deadline()
	require.True(t, ok, "slot %d has no armed timer", i)
	return dl
}

func pathOf(pkt codec.Packet) string {
	var segs []string
	for _, opt := range pkt.Options {
		if opt.ID == message.URIPath {
			segs = append(segs, string(opt.Value))
		}
	}
	path := ""
	for _, s := range segs {
		path += "/" + s
	}
	return path
}

// udpServer answers requests received on a real socket with a handler.
type udpServer struct {
	conn *net.UDPConn

	mu       sync.Mutex
	received []codec.Packet
}

func startServer(t *testing.T, handle func(req codec.Packet, n int) []codec.Packet) *udpServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	s := &udpServer{conn: conn}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req, err := codec.Decode(context.Background(), buf[:n])
			if err != nil || req.Type == message.Acknowledgement || req.Type == message.Reset {
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, req)
			count := len(s.received)
			s.mu.Unlock()

			for _, resp := range handle(req, count) {
				h := codec.Header{Type: resp.Type, Code: resp.Code, MessageID: resp.MessageID, Token: resp.Token}
				data, err := codec.Encode(context.Background(), h, resp.Options, resp.Payload)
				if err != nil {
					continue
				}
				conn.WriteTo(data, addr)
			}
		}
	}()

	return s
}

func (s *udpServer) requests() []codec.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]codec.Packet(nil), s.received...)
}

func (s *udpServer) addr() net.Addr {
	return s.conn.LocalAddr()
}
