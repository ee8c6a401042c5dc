// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"time"

	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/transport"
)

const (
	// DefaultMaxRequests is the default number of exchange slots per client.
	DefaultMaxRequests = 2

	// DefaultMaxInstances is the default capacity of a registry.
	DefaultMaxInstances = 2

	// DefaultBlockSize is the default block-wise transfer block size in bytes.
	DefaultBlockSize = 256

	// DefaultACKTimeout is the default initial retransmission timeout.
	DefaultACKTimeout = 2 * time.Second

	// DefaultBackoffFactor is the default retransmission backoff multiplier.
	DefaultBackoffFactor = 2.0

	// DefaultMaxRetransmit is the default number of retransmissions.
	DefaultMaxRetransmit = 4

	// DefaultRandomFactor is the default ACK_RANDOM_FACTOR.
	DefaultRandomFactor = 1.5

	// SeparateResponseTimeout is how long a client waits for a separate
	// response after the server acknowledged the request with an empty ACK.
	SeparateResponseTimeout = 6 * time.Second

	exchangeLifetimeFactor = 3
	defaultInboxSize       = 64
)

// TransmissionParams controls retransmission of confirmable requests.
type TransmissionParams struct {
	// ACKTimeout is the initial retransmission timeout.
	ACKTimeout time.Duration

	// BackoffFactor multiplies the timeout after every retransmission.
	BackoffFactor float64

	// MaxRetransmit is the number of retransmissions before giving up.
	// A negative value disables retransmission.
	MaxRetransmit int

	// RandomFactor spreads the initial timeout over
	// [ACKTimeout, ACKTimeout*RandomFactor]. Values below 1 disable it.
	RandomFactor float64
}

// DefaultTransmissionParams returns the RFC 7252 defaults.
func DefaultTransmissionParams() TransmissionParams {
	return TransmissionParams{
		ACKTimeout:    DefaultACKTimeout,
		BackoffFactor: DefaultBackoffFactor,
		MaxRetransmit: DefaultMaxRetransmit,
		RandomFactor:  DefaultRandomFactor,
	}
}

func (p TransmissionParams) withDefaults() TransmissionParams {
	if p.ACKTimeout <= 0 {
		p.ACKTimeout = DefaultACKTimeout
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = DefaultBackoffFactor
	}
	if p.MaxRetransmit == 0 {
		p.MaxRetransmit = DefaultMaxRetransmit
	}
	if p.MaxRetransmit < 0 {
		p.MaxRetransmit = 0
	}
	if p.RandomFactor == 0 {
		p.RandomFactor = DefaultRandomFactor
	}
	return p
}

// exchangeLifetime is the time after the last transmission during which a
// response may still arrive.
func (p TransmissionParams) exchangeLifetime() time.Duration {
	return p.ACKTimeout * exchangeLifetimeFactor
}

// Config holds the client configuration.
type Config struct {
	// MaxRequests is the number of exchange slots.
	// If 0, uses DefaultMaxRequests.
	MaxRequests int

	// MaxMessageSize is the largest payload a datagram carries. Responses
	// that do not fit are fetched block-wise and the block size never
	// exceeds it. If 0, uses BlockSize.
	MaxMessageSize int

	// HeaderSize is the receive room for header, token and options on top
	// of MaxMessageSize. If 0, uses transport.DefaultHeaderSize.
	HeaderSize int

	// BlockSize is the preferred block size in bytes, a power of two
	// between 16 and 1024. Request payloads longer than one block are
	// uploaded block-wise. If 0, uses DefaultBlockSize.
	BlockSize int

	// Params are the transmission parameters used when a request does not
	// bring its own.
	Params TransmissionParams

	// Logger for client events
	Logger *slog.Logger

	// Metrics records exchange statistics. May be nil.
	Metrics *metrics.Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = cfg.BlockSize
	}
	if cfg.HeaderSize <= 0 {
		cfg.HeaderSize = transport.DefaultHeaderSize
	}
	cfg.Params = cfg.Params.withDefaults()
	return cfg
}

// RegistryConfig holds the registry configuration.
type RegistryConfig struct {
	// MaxInstances is the number of clients the registry accepts.
	// If 0, uses DefaultMaxInstances.
	MaxInstances int

	// PollPeriod bounds how long the dispatcher waits before checking
	// retransmission deadlines. If 0, uses transport.DefaultPollPeriod.
	PollPeriod time.Duration

	// Logger for registry and dispatcher events
	Logger *slog.Logger
}

// DispatcherConfig holds the dispatcher configuration.
type DispatcherConfig struct {
	// InboxSize is the capacity of the channel between socket readers and
	// the dispatcher.
	InboxSize int

	// Logger for dispatcher events. If nil, uses the registry logger.
	Logger *slog.Logger

	// Metrics records dropped datagrams. May be nil.
	Metrics *metrics.Metrics
}
