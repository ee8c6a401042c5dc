// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport moves CoAP datagrams between caller-supplied sockets and
// the client dispatcher.
//
// The package never opens sockets. A Reader owns the receive side of one
// net.PacketConn for as long as the dispatcher needs it: it reads with a
// deadline equal to the poll period so it can notice shutdown and idleness,
// copies each datagram out of a pooled buffer and hands it over on a
// channel. Socket failures are handed over the same way and end the reader.
//
// Oversized datagrams are detected without platform support by reading
// into a buffer one byte larger than the configured message size plus the
// header room: a read that fills the buffer is reported as truncated.
package transport
