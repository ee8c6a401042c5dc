// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/absmach/mcoap/examples/simple"
	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/client"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/health"
	"github.com/absmach/mcoap/pkg/ratelimit"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	errPollDone   = errors.New("polling finished")
	errMixedHosts = errors.New("all polled resources must be on the same host")
)

// requestFlags are shared by the commands that send a request.
type requestFlags struct {
	non           bool
	payload       string
	file          string
	contentFormat int
}

func (f *requestFlags) bind(cmd *cobra.Command, withPayload bool) {
	cmd.Flags().BoolVar(&f.non, "non", false, "Send as non-confirmable")
	if withPayload {
		cmd.Flags().StringVarP(&f.payload, "payload", "p", "", "Request payload")
		cmd.Flags().StringVarP(&f.file, "file", "f", "", "Read the request payload from a file")
		cmd.Flags().IntVar(&f.contentFormat, "content-format", int(message.TextPlain), "Payload content format")
	}
}

func (f *requestFlags) body() ([]byte, error) {
	if f.file != "" {
		return os.ReadFile(f.file)
	}
	return []byte(f.payload), nil
}

func (c *cli) requestCmd(method codes.Code, use, short string) *cobra.Command {
	var flags requestFlags
	withPayload := method == codes.POST || method == codes.PUT

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := flags.body()
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), args[0], func(ctx context.Context, a *app, target *url.URL) error {
				h := simple.New(c.logger, 1)
				req := client.Request{
					Method:        method,
					Path:          target.Path,
					Confirmable:   !flags.non,
					ContentFormat: message.MediaType(flags.contentFormat),
					Payload:       payload,
					Options:       queryOptions(target),
					Callback:      h.Callback(target.Path),
				}
				if method == codes.GET {
					req.Options = append(req.Options, a.client.InitialBlock2Option())
				}
				if err := a.svc.Request(ctx, a.conn, a.peer, req, nil); err != nil {
					return err
				}

				select {
				case res := <-h.Results():
					return printResult(cmd.OutOrStdout(), c.logger, res)
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		},
	}
	flags.bind(cmd, withPayload)

	return cmd
}

func (c *cli) observeCmd() *cobra.Command {
	var (
		flags requestFlags
		count int
	)

	cmd := &cobra.Command{
		Use:   "observe <url>",
		Short: "Observe a resource and print notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), args[0], func(ctx context.Context, a *app, target *url.URL) error {
				h := simple.New(c.logger, 16)
				req := client.Request{
					Method:      codes.GET,
					Path:        target.Path,
					Confirmable: !flags.non,
					Options: append(queryOptions(target),
						message.Option{ID: message.Observe, Value: []byte{}},
						a.client.InitialBlock2Option()),
					Callback: h.Callback(target.Path),
				}
				if err := a.svc.Request(ctx, a.conn, a.peer, req, nil); err != nil {
					return err
				}

				for received := 0; count == 0 || received < count; received++ {
					select {
					case res := <-h.Results():
						if err := printResult(cmd.OutOrStdout(), c.logger, res); err != nil {
							return err
						}
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				c.logger.Info("received requested notifications, deregistering", slog.Int("count", count))
				a.svc.CancelRequest(client.Request{Path: target.Path})
				return nil
			})
		},
	}
	flags.bind(cmd, false)
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many notifications, 0 to run until interrupted")

	return cmd
}

func (c *cli) pollCmd() *cobra.Command {
	var (
		flags    requestFlags
		interval time.Duration
		rounds   int
	)

	cmd := &cobra.Command{
		Use:   "poll <url> [url...]",
		Short: "Periodically fetch resources of one server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := make([]*url.URL, 0, len(args))
			for _, raw := range args {
				u, err := parseTarget(raw)
				if err != nil {
					return err
				}
				if len(targets) > 0 && hostPort(u) != hostPort(targets[0]) {
					return errMixedHosts
				}
				targets = append(targets, u)
			}

			return c.withApp(cmd.Context(), args[0], func(ctx context.Context, a *app, _ *url.URL) error {
				p := &poller{
					logger:  c.logger,
					app:     a,
					targets: targets,
					non:     flags.non,
					results: simple.New(c.logger, 2*len(targets)),
					limiter: ratelimit.NewTokenBucket(c.cfg.RateLimitCapacity, c.cfg.RateLimitRefill),
					breaker: breaker.New(breaker.Config{
						MaxFailures:  c.cfg.BreakerMaxFailures,
						ResetTimeout: c.cfg.BreakerResetTimeout,
						IsFailure: func(err error) bool {
							return err != nil && !errors.Is(err, mcerrors.ErrCanceled)
						},
					}),
				}
				p.breaker.OnStateChange(func(from, to breaker.State) {
					c.logger.Warn("circuit breaker state changed",
						slog.String("peer", a.peer.String()),
						slog.String("from", from.String()),
						slog.String("to", to.String()))
				})
				return p.run(ctx, cmd.OutOrStdout(), interval, rounds)
			})
		},
	}
	flags.bind(cmd, false)
	cmd.Flags().DurationVarP(&interval, "interval", "i", 5*time.Second, "Time between polling rounds")
	cmd.Flags().IntVarP(&rounds, "count", "n", 0, "Number of rounds, 0 to run until interrupted")

	return cmd
}

func (c *cli) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <url>",
		Short: "Check that a server answers CoAP ping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			start := time.Now()
			if err := health.Ping(hostPort(target), c.cfg.ACKTimeout)(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", hostPort(target), time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}

// withApp parses raw, builds the app for its host and runs body.
func (c *cli) withApp(ctx context.Context, raw string, body func(ctx context.Context, a *app, target *url.URL) error) error {
	target, err := parseTarget(raw)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	a, cleanup, err := newApp(ctx, c.cfg, c.logger, target)
	if err != nil {
		return err
	}
	defer cleanup()

	return a.run(ctx, func(ctx context.Context) error {
		return body(ctx, a, target)
	})
}

// poller submits one GET per target each round. Submissions are paced by a
// token bucket and gated by a circuit breaker fed with exchange outcomes.
type poller struct {
	logger  *slog.Logger
	app     *app
	targets []*url.URL
	non     bool
	results *simple.Handler
	limiter *ratelimit.TokenBucket
	breaker *breaker.CircuitBreaker
}

func (p *poller) run(ctx context.Context, out io.Writer, interval time.Duration, rounds int) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case res := <-p.results.Results():
				p.breaker.Record(res.Err)
				if err := printResult(out, p.logger, res); err != nil {
					p.logger.Warn("poll failed", slog.String("path", res.Key), slog.String("error", err.Error()))
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for round := 0; rounds == 0 || round < rounds; round++ {
			for _, t := range p.targets {
				if err := p.submit(ctx, t); err != nil {
					return nil
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil
			}
		}
		return errPollDone
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errPollDone) {
		return err
	}
	return nil
}

// submit returns an error only when ctx is done.
func (p *poller) submit(ctx context.Context, t *url.URL) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := p.breaker.Allow(); err != nil {
		p.logger.Debug("skipping poll", slog.String("path", t.Path), slog.String("error", err.Error()))
		return nil
	}

	req := client.Request{
		Method:      codes.GET,
		Path:        t.Path,
		Confirmable: !p.non,
		Options:     append(queryOptions(t), p.app.client.InitialBlock2Option()),
		Callback:    p.results.Callback(t.Path),
	}
	if err := p.app.svc.Request(ctx, p.app.conn, p.app.peer, req, nil); err != nil {
		p.breaker.Record(err)
		p.logger.Warn("failed to submit poll", slog.String("path", t.Path), slog.String("error", err.Error()))
	}
	return ctx.Err()
}

// queryOptions converts the URL query into Uri-Query options.
func queryOptions(u *url.URL) []message.Option {
	if u.RawQuery == "" {
		return nil
	}
	var opts []message.Option
	for _, q := range strings.Split(u.RawQuery, "&") {
		if q == "" {
			continue
		}
		if v, err := url.QueryUnescape(q); err == nil {
			q = v
		}
		opts = append(opts, message.Option{ID: message.URIQuery, Value: []byte(q)})
	}
	return opts
}

// printResult writes the body of res to out. Error responses are printed and
// reported as errors.
func printResult(out io.Writer, logger *slog.Logger, res simple.Result) error {
	if res.Err != nil {
		return fmt.Errorf("%s: %w", res.Key, res.Err)
	}
	logger.Info("response", slog.String("path", res.Key), slog.String("code", res.Code.String()), slog.Int("size", len(res.Body)))
	if len(res.Body) > 0 {
		fmt.Fprintln(out, string(res.Body))
	}
	if res.Code >= codes.BadRequest {
		return fmt.Errorf("%s: server responded %s", res.Key, res.Code)
	}
	return nil
}
