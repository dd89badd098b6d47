// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/thv-authserver/pkg/authserver/metrics"
	"github.com/stacklok/thv-authserver/pkg/authserver/token"
)

const tracerName = "github.com/stacklok/thv-authserver/pkg/authserver/oauth"

// Dispatcher authenticates token requests and routes them to the flow registered
// for their grant type.
type Dispatcher struct {
	auth       *Authenticator
	flows      map[string]Flow
	grantTypes []string
	tracer     trace.Tracer
}

// NewDispatcher creates a Dispatcher. Grant types must be unique across flows.
func NewDispatcher(auth *Authenticator, flows ...Flow) (*Dispatcher, error) {
	if auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	d := &Dispatcher{
		auth:   auth,
		flows:  make(map[string]Flow, len(flows)),
		tracer: otel.Tracer(tracerName),
	}
	for _, f := range flows {
		gt := f.GrantType()
		if _, dup := d.flows[gt]; dup {
			return nil, fmt.Errorf("duplicate flow for grant type %q", gt)
		}
		d.flows[gt] = f
		d.grantTypes = append(d.grantTypes, gt)
	}
	return d, nil
}

// GrantTypes returns the supported grant types in registration order.
func (d *Dispatcher) GrantTypes() []string {
	out := make([]string, len(d.grantTypes))
	copy(out, d.grantTypes)
	return out
}

// Token authenticates the client and issues a token through the matching flow.
func (d *Dispatcher) Token(ctx context.Context, req *TokenRequest) (resp *token.Response, err error) {
	ctx, span := d.tracer.Start(ctx, "oauth.Token",
		trace.WithAttributes(attribute.String("oauth.grant_type", req.GrantType)))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ErrorCode(err))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	client, err := d.auth.Authenticate(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("oauth.client_id", client.ID))

	flow, ok := d.flows[req.GrantType]
	if !ok {
		return nil, ErrUnsupportedGrantType.WithHintf("The grant type %q is not supported.", req.GrantType)
	}

	resp, err = flow.TokenRequest(ctx, req, client)
	if err != nil {
		return nil, err
	}

	metrics.TokensIssuedTotal.WithLabelValues(req.GrantType).Inc()
	metrics.TokenRequestDurationSeconds.WithLabelValues(req.GrantType).Observe(time.Since(start).Seconds())
	return resp, nil
}
