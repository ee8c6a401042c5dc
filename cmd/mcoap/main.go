// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main provides mcoap, a command line CoAP client with metrics,
// health checks, tracing, circuit breaking and rate limiting.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/spf13/cobra"
)

func main() {
	cfg, err := loadConfig(slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %s\n", err)
		os.Exit(1)
	}

	c := &cli{cfg: cfg}
	if err := c.rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the configuration shared by all commands.
type cli struct {
	cfg    Config
	logger *slog.Logger
}

func (c *cli) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mcoap",
		Short:         "CoAP client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.logger = newLogger(cmd.ErrOrStderr(), c.cfg.LogLevel, c.cfg.LogFormat)
		},
	}

	rootCmd.AddCommand(
		c.requestCmd(codes.GET, "get <url>", "Fetch a resource"),
		c.requestCmd(codes.POST, "post <url>", "Send a payload to a resource"),
		c.requestCmd(codes.PUT, "put <url>", "Replace a resource"),
		c.requestCmd(codes.DELETE, "delete <url>", "Delete a resource"),
		c.observeCmd(),
		c.pollCmd(),
		c.pingCmd(),
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "Log level: debug, info, warn, error")
	flags.StringVar(&c.cfg.LogFormat, "log-format", c.cfg.LogFormat, "Log format: console, text, json")
	flags.IntVar(&c.cfg.MaxRequests, "max-requests", c.cfg.MaxRequests, "Concurrent exchanges")
	flags.IntVar(&c.cfg.MaxMessageSize, "max-message-size", c.cfg.MaxMessageSize, "Largest payload received in one datagram, 0 for the block size")
	flags.IntVar(&c.cfg.BlockSize, "block-size", c.cfg.BlockSize, "Block-wise transfer block size")
	flags.DurationVar(&c.cfg.ACKTimeout, "ack-timeout", c.cfg.ACKTimeout, "Initial retransmission timeout")
	flags.IntVar(&c.cfg.MaxRetransmit, "max-retransmit", c.cfg.MaxRetransmit, "Retransmissions before giving up")
	flags.DurationVar(&c.cfg.PollPeriod, "poll-period", c.cfg.PollPeriod, "Dispatcher poll period")
	flags.DurationVar(&c.cfg.Timeout, "timeout", c.cfg.Timeout, "Overall command timeout, 0 for none")
	flags.StringVar(&c.cfg.MetricsAddr, "metrics-addr", c.cfg.MetricsAddr, "Prometheus metrics listen address")
	flags.StringVar(&c.cfg.HealthAddr, "health-addr", c.cfg.HealthAddr, "Health endpoints listen address")
	flags.StringVar(&c.cfg.OTLPEndpoint, "otlp-endpoint", c.cfg.OTLPEndpoint, "OTLP/HTTP trace collector host:port")

	return rootCmd
}
