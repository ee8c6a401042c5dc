// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/mcoap/pkg/client"
	"github.com/absmach/mcoap/pkg/client/tracing"
	"github.com/absmach/mcoap/pkg/health"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const defaultPort = "5683"

var errStopped = errors.New("stopped by signal")

// app is one run of a command: a registry with a single client, its
// dispatcher and the observability servers.
type app struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	reg     *client.Registry
	client  *client.Client
	svc     client.Service
	disp    *client.Dispatcher
	checker *health.Checker
	conn    net.PacketConn
	peer    net.Addr
	target  string
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger, target *url.URL) (*app, func(), error) {
	peer, err := net.ResolveUDPAddr("udp", hostPort(target))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve %s: %w", target.Host, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open socket: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer, "mcoap")

	reg := client.NewRegistry(client.RegistryConfig{
		MaxInstances: 1,
		PollPeriod:   cfg.PollPeriod,
		Logger:       logger,
	})
	clientCfg := cfg.clientConfig(logger)
	clientCfg.Metrics = m
	c, err := reg.NewClient(clientCfg)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	tp, shutdownTracer, err := newTracerProvider(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	checker := health.NewChecker(time.Second)
	disp := client.NewDispatcher(reg, client.DispatcherConfig{Logger: logger, Metrics: m})
	checker.RegisterCritical("dispatcher", health.Dispatcher(disp))
	checker.Register("saturation", health.Saturation(reg))
	checker.Register("peer", health.Ping(peer.String(), cfg.ACKTimeout))

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		reg:     reg,
		client:  c,
		svc:     tracing.New(c, tp.Tracer("mcoap")),
		disp:    disp,
		checker: checker,
		conn:    conn,
		peer:    peer,
		target:  target.Host,
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn("failed to flush traces", slog.String("error", err.Error()))
		}
		conn.Close()
	}
	return a, cleanup, nil
}

// run starts the dispatcher and servers, then runs body until it returns,
// the timeout expires or a stop signal arrives.
func (a *app) run(ctx context.Context, body func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.disp.Run(ctx)
	})
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", a.cfg.MetricsAddr, mux, a.logger)
		})
	}
	if a.cfg.HealthAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", a.checker.HTTPHandler())
		mux.HandleFunc("/ready", a.checker.ReadinessHandler())
		mux.HandleFunc("/live", health.LivenessHandler())
		g.Go(func() error {
			return serveHTTP(ctx, "health", a.cfg.HealthAddr, mux, a.logger)
		})
	}
	g.Go(func() error {
		return stopSignalHandler(ctx, a.logger)
	})
	g.Go(func() error {
		defer cancel()
		bodyCtx := ctx
		if a.cfg.Timeout > 0 {
			var stop context.CancelFunc
			bodyCtx, stop = context.WithTimeout(ctx, a.cfg.Timeout)
			defer stop()
		}
		err := body(bodyCtx)
		// Exchanges still in flight get their cancellation report while
		// the dispatcher is alive.
		a.svc.CancelRequests()
		return err
	})

	err := g.Wait()
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

func serveHTTP(ctx context.Context, name, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("%s server started", name), slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}

func stopSignalHandler(ctx context.Context, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		return errStopped
	case <-ctx.Done():
		return nil
	}
}

// parseTarget parses a coap:// URL.
func parseTarget(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "coap://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "coap" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port)
}
