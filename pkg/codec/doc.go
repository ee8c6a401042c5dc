// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec adapts the plgd-dev/go-coap/v3 wire codec to the client
// engine.
//
// # Overview
//
// Datagrams are decoded with the go-coap UDP coder into a Packet, a plain
// value that owns copies of its token, options and payload, so it stays
// valid after the pooled message it was decoded from is returned.
// Outgoing messages are described by Header plus a list of options and are
// encoded the same way.
//
// # Options
//
// Besides the options the go-coap library knows about, the client relies on
// two options from later RFCs:
//
//   - Echo (RFC 9175, number 252): freshness challenge mirrored back to the
//     server.
//   - Request-Tag (RFC 9175, number 292): ties together the blocks of one
//     Block1 upload.
//
// Both are carried as opaque bytes.
//
// # Block-wise transfer
//
// Block1 and Block2 (RFC 7959) values are handled by Block, and the progress
// of a transfer in either direction by BlockContext. Block sizes are powers
// of two between 16 and 1024 bytes, expressed by SZX.
package codec
