// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers session lifecycle notifications to TPA
// servers over HTTP. A webhook is the hub's only outbound call into
// third-party infrastructure, so delivery is bounded: a few attempts
// with backoff, then the failure is returned to the caller to fold
// into session state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/augmentos-community/hub/lib/backoff"
	"github.com/augmentos-community/hub/lib/clock"
	"github.com/augmentos-community/hub/protocol"
)

// DefaultRequestTimeout bounds one HTTP attempt.
const DefaultRequestTimeout = 10 * time.Second

// DefaultPolicy retries twice after the first failure, three HTTP
// attempts in total.
var DefaultPolicy = backoff.Policy{
	Initial:     time.Second,
	Factor:      2,
	Max:         5 * time.Second,
	Jitter:      0.2,
	MaxAttempts: 2,
}

// Config holds Client construction parameters.
type Config struct {
	// HTTPClient defaults to a client with DefaultRequestTimeout.
	HTTPClient *http.Client

	// Backoff defaults to DefaultPolicy.
	Backoff backoff.Policy

	// Clock defaults to clock.Real(); Logger to slog.Default().
	Clock  clock.Clock
	Logger *slog.Logger
}

// Client posts webhook requests to TPA servers.
type Client struct {
	httpClient *http.Client
	policy     backoff.Policy
	clk        clock.Clock
	logger     *slog.Logger
}

// NewClient returns a webhook client.
func NewClient(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	policy := config.Backoff
	if policy.MaxAttempts == 0 {
		policy = DefaultPolicy
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		policy:     policy,
		clk:        clk,
		logger:     logger,
	}
}

// TriggerSession asks the TPA server at url to connect back and serve
// the session.
func (c *Client) TriggerSession(ctx context.Context, url string, request protocol.SessionWebhookRequest) error {
	request.Type = protocol.WebhookSessionRequest
	if request.Timestamp.IsZero() {
		request.Timestamp = c.clk.Now()
	}
	return c.post(ctx, url, request)
}

// TriggerStop tells the TPA server at url the session has ended.
// Best-effort from the caller's perspective, but still retried.
func (c *Client) TriggerStop(ctx context.Context, url string, request protocol.StopWebhookRequest) error {
	request.Type = protocol.WebhookStopRequest
	if request.Timestamp.IsZero() {
		request.Timestamp = c.clk.Now()
	}
	return c.post(ctx, url, request)
}

// post delivers one JSON payload with bounded retries. Non-2xx status
// and transport errors are retried; context cancellation is not.
func (c *Client) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshaling request: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = c.attempt(ctx, url, body)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("webhook: delivery canceled: %w", ctx.Err())
		}

		delay, retry := c.policy.Delay(attempt)
		if !retry {
			return fmt.Errorf("webhook: delivery to %s failed after %d attempts: %w", url, attempt+1, lastErr)
		}
		c.logger.Debug("webhook attempt failed, retrying",
			"url", url,
			"attempt", attempt+1,
			"delay", delay,
			"error", lastErr,
		)
		select {
		case <-c.clk.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("webhook: delivery canceled: %w", ctx.Err())
		}
	}
}

// attempt performs a single POST and classifies the response.
func (c *Client) attempt(ctx context.Context, url string, body []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("posting: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		// Drain a little of the body for the error message.
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 256))
		return fmt.Errorf("status %d: %s", response.StatusCode, snippet)
	}

	// A decodable failure status in a 2xx body counts as failure too;
	// an empty or malformed body is treated as success.
	var reply protocol.WebhookResponse
	if err := json.NewDecoder(response.Body).Decode(&reply); err == nil {
		if reply.Status != "" && reply.Status != "success" && reply.Status != "ok" {
			return fmt.Errorf("tpa server reported %q: %s", reply.Status, reply.Message)
		}
	}
	return nil
}
