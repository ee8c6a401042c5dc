// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the CoAP client request/response engine.
//
// # Overview
//
// A Registry owns a bounded set of Clients. Each Client owns a fixed number
// of exchange slots, one per outstanding request, and is bound to one socket
// and peer while any of its exchanges is in flight. A single Dispatcher
// goroutine serves every client of a registry: it waits for datagrams from
// per-socket readers, for the earliest retransmission deadline or for a
// wake-up from a new submission, and runs all response callbacks.
//
// # Exchanges
//
// Submitting a request claims a free slot, generates a token and message ID,
// encodes the request and sends it. Confirmable requests are retransmitted
// with exponential backoff until a response or an empty ACK arrives.
// Responses are correlated by token; RESETs and empty ACKs by message ID.
//
// A slot becomes reusable only when its exchange has finished and the
// exchange lifetime (three ACK timeouts since the last transmission) has
// elapsed, so late responses can never be attributed to a new request.
//
// # Block-wise transfers
//
// Payloads larger than the configured message size are uploaded with Block1
// and a Request-Tag. Responses carrying Block2, or received truncated, are
// downloaded block by block; every block is delivered to the callback with
// its offset and only the final one has Last set.
//
// # Observe
//
// A GET carrying Observe=0 registers an observation. Its slot stays in use
// across notifications until it is canceled or reset by the server.
//
// # Callbacks
//
// Callbacks run on the dispatcher goroutine, one at a time, and must not
// block. They may submit requests and cancel exchanges, including their own.
package client
