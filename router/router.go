// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package router fans produced events out to the TPA connections
// subscribed to them. Routing is session-scoped: an event carries the
// session it was produced in and is only ever delivered to TPA
// connections of that same session.
//
// Per-pair ordering follows from construction: the session executor
// publishes a session's events one at a time, and each TPA channel's
// send queue preserves FIFO order within a priority class. Slow
// consumers shed load through the channel's overflow policy instead
// of stalling the router.
package router

import (
	"encoding/json"
	"log/slog"

	"github.com/augmentos-community/hub/channel"
	"github.com/augmentos-community/hub/lib/clock"
	"github.com/augmentos-community/hub/protocol"
	"github.com/augmentos-community/hub/registry"
	"github.com/augmentos-community/hub/subscription"
)

// Config holds Router construction parameters. Subscriptions and
// Connections are required.
type Config struct {
	Subscriptions *subscription.Registry
	Connections   *registry.Registry

	// Clock defaults to clock.Real(); Logger to slog.Default().
	Clock  clock.Clock
	Logger *slog.Logger
}

// Router delivers events to subscribed TPA channels. Safe for
// concurrent use; all state lives in the registries it reads.
type Router struct {
	subscriptions *subscription.Registry
	connections   *registry.Registry
	clk           clock.Clock
	logger        *slog.Logger
}

// New returns a Router over the given registries.
func New(config Config) *Router {
	if config.Subscriptions == nil || config.Connections == nil {
		panic("router: Config.Subscriptions and Config.Connections are required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		subscriptions: config.Subscriptions,
		connections:   config.Connections,
		clk:           clk,
		logger:        logger,
	}
}

// Publish delivers one event to every subscribed TPA connection in
// the event's session and reports how many deliveries were queued.
// Missing connections and full queues are logged and skipped; a
// publish never fails as a whole.
func (r *Router) Publish(event protocol.Event) int {
	subscribers := r.subscriptions.SubscribersFor(event.Kind)
	if len(subscribers) == 0 {
		return 0
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = r.clk.Now()
	}
	message, err := json.Marshal(protocol.DataStream{
		Type:       protocol.TypeDataStream,
		SessionID:  event.SessionID,
		StreamKind: event.Kind,
		Data:       event.Payload,
		Timestamp:  timestamp,
	})
	if err != nil {
		r.logger.Error("marshaling data stream",
			"session", event.SessionID,
			"kind", event.Kind,
			"error", err,
		)
		return 0
	}

	priority := priorityFor(event.Kind)
	delivered := 0
	for _, subscriber := range subscribers {
		if subscriber.SessionID != event.SessionID {
			// Subscriptions from other sessions matched the kind but
			// must never see this session's data.
			continue
		}
		connection, ok := r.connections.LookupTpa(subscriber.SessionID, subscriber.PackageName)
		if !ok {
			r.logger.Debug("subscriber has no connection",
				"session", subscriber.SessionID,
				"package", subscriber.PackageName,
				"kind", event.Kind,
			)
			continue
		}
		if err := connection.Channel.Send(message, priority); err != nil {
			r.logger.Warn("dropping event for subscriber",
				"session", subscriber.SessionID,
				"package", subscriber.PackageName,
				"kind", event.Kind,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// priorityFor maps an event kind to its send priority. Continuous
// streams tolerate drops under backpressure and ride the lowest
// class; discrete user actions are delivered ahead of them.
func priorityFor(kind protocol.Kind) channel.Priority {
	switch kind.Base() {
	case protocol.KindTranscription, protocol.KindTranslation:
		return channel.PriorityLow
	case protocol.KindButtonPress, protocol.KindHeadPosition:
		return channel.PriorityHigh
	default:
		return channel.PriorityNormal
	}
}
