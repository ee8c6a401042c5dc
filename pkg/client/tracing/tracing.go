// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tracing provides an OpenTelemetry middleware for client.Service.
package tracing

import (
	"context"
	"net"

	"github.com/absmach/mcoap/pkg/client"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ client.Service = (*tracingMiddleware)(nil)

type tracingMiddleware struct {
	tracer trace.Tracer
	svc    client.Service
}

// New returns a client service with tracing capabilities.
func New(svc client.Service, tracer trace.Tracer) client.Service {
	return &tracingMiddleware{tracer, svc}
}

// Request traces the "Request" operation of the wrapped client.Service.
func (tm *tracingMiddleware) Request(ctx context.Context, conn net.PacketConn, addr net.Addr, req client.Request, params *client.TransmissionParams) error {
	attrs := []attribute.KeyValue{
		attribute.String("method", req.Method.String()),
		attribute.String("path", req.Path),
		attribute.Bool("confirmable", req.Confirmable),
		attribute.Int("payload_size", len(req.Payload)),
	}
	if addr != nil {
		attrs = append(attrs, attribute.String("peer", addr.String()))
	}
	ctx, span := tm.tracer.Start(ctx, "svc_request", trace.WithAttributes(attrs...))
	defer span.End()

	err := tm.svc.Request(ctx, conn, addr, req, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// CancelRequests traces the "CancelRequests" operation of the wrapped client.Service.
func (tm *tracingMiddleware) CancelRequests() {
	_, span := tm.tracer.Start(context.Background(), "svc_cancel_requests")
	defer span.End()

	tm.svc.CancelRequests()
}

// CancelRequest traces the "CancelRequest" operation of the wrapped client.Service.
func (tm *tracingMiddleware) CancelRequest(filter client.Request) {
	_, span := tm.tracer.Start(context.Background(), "svc_cancel_request", trace.WithAttributes(
		attribute.String("method", filter.Method.String()),
		attribute.String("path", filter.Path),
	))
	defer span.End()

	tm.svc.CancelRequest(filter)
}
