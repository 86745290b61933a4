// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

// Result is the outcome of a successful liveness probe.
type Result struct {
	// Capabilities are the capabilities advertised on initialize.
	Capabilities fleet.Capabilities

	// Duration is the probe round-trip time.
	Duration time.Duration
}

// Prober performs a single bounded liveness call against a connection.
// A success is a complete round-trip within the budget; a timeout, transport
// error, or explicit protocol error is a failure.
type Prober interface {
	Probe(ctx context.Context, conn fleet.Connection) (Result, error)
}

// maxProbeResponseBytes bounds how much of a probe response is read.
const maxProbeResponseBytes = 1 << 20

// probeAuthRefHeader carries the opaque upstream credential reference.
const probeAuthRefHeader = "X-Fleet-Auth-Ref"

// HTTPProber probes connections with an MCP initialize round-trip. The
// initialize handshake validates the full stack: network connectivity,
// protocol compliance, and responsiveness. The transport is chosen per
// connection: streamable-HTTP or legacy SSE.
type HTTPProber struct {
	defaultTimeout time.Duration
}

// NewHTTPProber creates a prober using defaultTimeout for connections that
// carry no timeout of their own.
func NewHTTPProber(defaultTimeout time.Duration) *HTTPProber {
	return &HTTPProber{defaultTimeout: defaultTimeout}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// newProbeClient builds an MCP client for one probe, matching the
// connection's declared transport.
func newProbeClient(conn fleet.Connection, timeout time.Duration) (*client.Client, error) {
	base := http.DefaultTransport
	if conn.AuthRef != "" {
		inner := base
		base = roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			req.Header.Set(probeAuthRefHeader, conn.AuthRef)
			return inner.RoundTrip(req)
		})
	}

	switch conn.Protocol {
	case fleet.ProtocolStreamableHTTP:
		// Each MCP call is a single bounded request/response pair, so a
		// per-response size limit is safe here.
		sizeLimited := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			resp, err := base.RoundTrip(req)
			if err != nil {
				return nil, err
			}
			resp.Body = struct {
				io.Reader
				io.Closer
			}{
				Reader: io.LimitReader(resp.Body, maxProbeResponseBytes),
				Closer: resp.Body,
			}
			return resp, nil
		})
		return client.NewStreamableHttpClient(
			conn.Endpoint,
			transport.WithHTTPTimeout(timeout),
			transport.WithHTTPBasicClient(&http.Client{Transport: sizeLimited, Timeout: timeout}),
		)

	case fleet.ProtocolSSE:
		// The SSE session is one long-lived response body; an http.Client
		// timeout or a body size limit would cut the stream mid-handshake.
		// The probe deadline is enforced through the context instead.
		return client.NewSSEMCPClient(
			conn.Endpoint,
			transport.WithHTTPClient(&http.Client{Transport: base}),
		)

	default:
		return nil, fmt.Errorf("%w: unsupported protocol %q", fleet.ErrInvalidConfig, conn.Protocol)
	}
}

// Probe runs an MCP initialize handshake and reports the categorized outcome.
func (p *HTTPProber) Probe(ctx context.Context, conn fleet.Connection) (Result, error) {
	timeout := conn.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()

	c, err := newProbeClient(conn, timeout)
	if err != nil {
		return Result{}, err
	}
	defer c.Close()

	// For SSE this establishes the event stream and waits for the message
	// endpoint; for streamable-HTTP it is free.
	if err := c.Start(ctx); err != nil {
		return Result{Duration: time.Since(start)}, categorizeTransportError(err)
	}

	result, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "fleetd-health",
				Version: "1.0",
			},
		},
	})
	duration := time.Since(start)
	if err != nil {
		return Result{Duration: duration}, categorizeInitializeError(err)
	}

	logger.Debugf("Probe succeeded for connection %s (duration: %v)", conn.Name, duration)

	return Result{
		Capabilities: fleet.Capabilities{
			ProtocolVersion: result.ProtocolVersion,
			Tools:           result.Capabilities.Tools != nil,
			Resources:       result.Capabilities.Resources != nil,
			Prompts:         result.Capabilities.Prompts != nil,
		},
		Duration: duration,
	}, nil
}

// categorizeTransportError wraps a raw transport error with the matching
// domain sentinel so the coordinator can derive a status from it.
func categorizeTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", fleet.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", fleet.ErrConnectionUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", fleet.ErrTimeout, err)
	}
	if fleet.IsTimeoutError(err) {
		return fmt.Errorf("%w: %v", fleet.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", fleet.ErrConnectionUnavailable, err)
}

// categorizeInitializeError distinguishes transport-level failures from the
// endpoint explicitly rejecting the handshake. The MCP SDK does not wrap its
// errors, so reachability and timeouts are detected first and everything else
// is treated as a protocol error.
func categorizeInitializeError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", fleet.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", fleet.ErrConnectionUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", fleet.ErrTimeout, err)
	}
	if fleet.IsTimeoutError(err) {
		return fmt.Errorf("%w: %v", fleet.ErrTimeout, err)
	}
	if fleet.IsConnectionError(err) {
		return fmt.Errorf("%w: %v", fleet.ErrConnectionUnavailable, err)
	}
	return fmt.Errorf("%w: initialize failed: %v", fleet.ErrProtocol, err)
}

// FailureStatus derives the health status a probe failure maps to:
// transport-level unreachability is reported as disconnected, everything
// else (timeouts, protocol errors) as unhealthy.
func FailureStatus(err error) fleet.HealthStatus {
	if err == nil {
		return fleet.StatusHealthy
	}
	if fleet.IsConnectionError(err) && !fleet.IsTimeoutError(err) {
		return fleet.StatusDisconnected
	}
	return fleet.StatusUnhealthy
}
