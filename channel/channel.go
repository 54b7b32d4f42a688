// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the resilient channel: a reconnecting,
// heartbeat-monitored, priority-queued wrapper around one logical
// socket. Both device-side and TPA-side connections use it with the
// same semantics.
//
// A channel constructed with a Dialer reconnects itself after
// transport failures using exponential backoff with jitter, up to a
// bounded attempt count. A channel without a Dialer is passive: the
// remote side re-establishes the socket (a phone reconnecting, a TPA
// server answering a webhook) and the owner calls Attach. A passive
// channel that stays detached past its reattach timeout becomes
// terminally closed.
//
// Sending never blocks: messages go through a bounded priority queue
// that is flushed, highest priority first, whenever a transport is
// attached. Heartbeats are application-level ping/pong probes that
// detect zombie connections the transport still reports as open.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/augmentos-community/hub/lib/backoff"
	"github.com/augmentos-community/hub/lib/clock"
)

// State is the health of a channel.
type State int

const (
	// StateConnecting means no transport is attached: either the
	// initial connect is pending, or the channel is between a failure
	// and a successful reattach/reconnect.
	StateConnecting State = iota

	// StateConnected means a transport is attached and heartbeats
	// are current.
	StateConnected

	// StateDegraded means a transport is attached but at least one
	// heartbeat has gone unanswered.
	StateDegraded

	// StateClosed is terminal: explicit Close, exhausted reconnect
	// attempts, or an expired reattach timeout.
	StateClosed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Errors returned by Send and Attach.
var (
	ErrClosed    = errors.New("channel: closed")
	ErrQueueFull = errors.New("channel: outbound queue full")
)

// Defaults applied by New for zero config fields.
const (
	DefaultHeartbeatInterval    = 10 * time.Second
	DefaultMissedHeartbeatLimit = 3
	DefaultQueueCapacity        = 256
	DefaultReattachTimeout      = 60 * time.Second
)

// Config holds channel construction parameters. OnMessage is required;
// everything else has defaults.
type Config struct {
	// Dialer, when set, makes the channel reconnect itself after
	// transport failures. When nil the channel waits passively for
	// Attach.
	Dialer Dialer

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Backoff is the reconnection schedule. Defaults to
	// backoff.Default.
	Backoff backoff.Policy

	// HeartbeatInterval is the ping period. The connection is treated
	// as stale after MissedHeartbeatLimit unanswered pings.
	HeartbeatInterval    time.Duration
	MissedHeartbeatLimit int

	// QueueCapacity bounds the outbound queue (messages, across all
	// priorities).
	QueueCapacity int

	// ReattachTimeout bounds how long a passive channel (nil Dialer)
	// stays detached before closing permanently.
	ReattachTimeout time.Duration

	// PingMessage builds an outbound heartbeat probe. IsPong
	// recognizes the reply. When PingMessage is nil heartbeat
	// monitoring is disabled (used in tests and for one-shot
	// channels).
	PingMessage func() []byte
	IsPong      func(data []byte) bool

	// OnMessage receives every inbound message that is not a pong.
	// Called from the channel's read goroutine; implementations must
	// not block for long.
	OnMessage func(data []byte)

	// OnStateChange observes every health transition. Optional.
	OnStateChange func(State)

	// OnPermanentDisconnect fires exactly once when the channel
	// reaches StateClosed without an explicit Close call, so owners
	// can unwind dependent state. Optional.
	OnPermanentDisconnect func()
}

// Channel is one resilient logical connection. Safe for concurrent use.
type Channel struct {
	dialer            Dialer
	clk               clock.Clock
	logger            *slog.Logger
	policy            backoff.Policy
	heartbeatInterval time.Duration
	missedLimit       int
	reattachTimeout   time.Duration
	pingMessage       func() []byte
	isPong            func([]byte) bool
	onMessage         func([]byte)
	onStateChange     func(State)
	onPermanent       func()

	mu            sync.Mutex
	state         State
	transport     Transport
	detach        chan struct{} // closed when the current transport is abandoned
	generation    int           // invalidates goroutines of replaced transports
	queue         *sendQueue
	wake          chan struct{} // writer wakeup, capacity 1
	missedPongs   int
	reattachTimer *clock.Timer
	done          chan struct{} // closed exactly once on terminal close
}

// New creates a channel in StateConnecting. A Dialer-backed channel
// starts dialing immediately; a passive channel waits for Attach (its
// reattach timeout starts at the first detachment, not at creation).
func New(config Config) *Channel {
	if config.OnMessage == nil {
		panic("channel: Config.OnMessage is required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := config.Backoff
	if policy.Initial == 0 {
		policy = backoff.Default
	}
	interval := config.HeartbeatInterval
	if interval == 0 {
		interval = DefaultHeartbeatInterval
	}
	missedLimit := config.MissedHeartbeatLimit
	if missedLimit == 0 {
		missedLimit = DefaultMissedHeartbeatLimit
	}
	capacity := config.QueueCapacity
	if capacity == 0 {
		capacity = DefaultQueueCapacity
	}
	reattach := config.ReattachTimeout
	if reattach == 0 {
		reattach = DefaultReattachTimeout
	}

	c := &Channel{
		dialer:            config.Dialer,
		clk:               clk,
		logger:            logger,
		policy:            policy,
		heartbeatInterval: interval,
		missedLimit:       missedLimit,
		reattachTimeout:   reattach,
		pingMessage:       config.PingMessage,
		isPong:            config.IsPong,
		onMessage:         config.OnMessage,
		onStateChange:     config.OnStateChange,
		onPermanent:       config.OnPermanentDisconnect,
		state:             StateConnecting,
		queue:             newSendQueue(capacity),
		wake:              make(chan struct{}, 1),
		done:              make(chan struct{}),
	}
	if c.dialer != nil {
		go c.reconnectLoop()
	}
	return c
}

// State returns the current health.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the channel reaches StateClosed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// QueueDepth returns the number of queued outbound messages.
func (c *Channel) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// Send enqueues one outbound message. It never blocks: if a transport
// is attached the writer goroutine picks the message up immediately,
// otherwise it waits for the next attach. Returns ErrQueueFull when
// the message was rejected by the overflow policy (queue full of
// equal-or-higher-priority traffic) and ErrClosed on a terminal
// channel.
func (c *Channel) Send(data []byte, priority Priority) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	accepted := c.queue.push(data, priority)
	c.mu.Unlock()

	if !accepted {
		return ErrQueueFull
	}
	c.wakeWriter()
	return nil
}

// Attach hands a freshly established transport to the channel. Used by
// the server accept path for both the first connection and every
// remote-initiated reconnection. Any previous transport is discarded.
// Queued messages flush immediately, highest priority first.
func (c *Channel) Attach(transport Transport) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		transport.Close()
		return ErrClosed
	}
	c.attachLocked(transport)
	c.mu.Unlock()

	c.notifyState(StateConnected)
	c.wakeWriter()
	return nil
}

// attachLocked installs the transport, resets failure bookkeeping, and
// starts the per-transport goroutines.
func (c *Channel) attachLocked(transport Transport) {
	c.dropTransportLocked()
	if c.reattachTimer != nil {
		c.reattachTimer.Stop()
		c.reattachTimer = nil
	}

	c.generation++
	c.transport = transport
	c.detach = make(chan struct{})
	c.state = StateConnected
	c.missedPongs = 0

	go c.readLoop(transport, c.generation)
	go c.writeLoop(transport, c.generation, c.detach)
	if c.pingMessage != nil {
		// The ticker is created here, not inside the goroutine, so
		// the heartbeat schedule is in place the moment Attach
		// returns.
		ticker := c.clk.NewTicker(c.heartbeatInterval)
		go c.heartbeatLoop(c.generation, c.detach, ticker)
	}
}

// dropTransportLocked abandons the current transport, unblocking its
// goroutines. Safe to call with no transport attached.
func (c *Channel) dropTransportLocked() {
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	if c.detach != nil {
		close(c.detach)
		c.detach = nil
	}
}

// Close terminates the channel. With a transport attached, messages
// queued before the call still flush to the peer: the writer drains
// the queue and then closes the socket, so a final control frame such
// as app_stopped is not lost to the shutdown. Without a transport the
// queue is discarded. No permanent-disconnect callback fires (the
// owner initiated the close). Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	if c.transport == nil {
		c.closeLocked()
		c.mu.Unlock()
		c.notifyState(StateClosed)
		return nil
	}
	c.state = StateClosed
	if c.reattachTimer != nil {
		c.reattachTimer.Stop()
		c.reattachTimer = nil
	}
	close(c.done)
	c.mu.Unlock()

	c.wakeWriter()
	c.notifyState(StateClosed)
	return nil
}

// closeLocked moves to the terminal state.
func (c *Channel) closeLocked() {
	c.state = StateClosed
	c.dropTransportLocked()
	if c.reattachTimer != nil {
		c.reattachTimer.Stop()
		c.reattachTimer = nil
	}
	close(c.done)
}

// closePermanently is the involuntary variant of Close: exhausted
// reconnect attempts or an expired reattach timeout. Fires the
// permanent-disconnect callback.
func (c *Channel) closePermanently(reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("channel permanently disconnected", "reason", reason)
	c.closeLocked()
	c.mu.Unlock()

	c.notifyState(StateClosed)
	if c.onPermanent != nil {
		c.onPermanent()
	}
}

// transportFailed handles a read, write, or heartbeat failure on the
// transport of the given generation. Stale generations (already
// replaced transports) are ignored, so a late read error from a
// discarded socket cannot tear down its successor.
func (c *Channel) transportFailed(generation int, stage string, err error) {
	c.mu.Lock()
	if c.state == StateClosed || generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.logger.Info("channel transport failure",
		"stage", stage,
		"error", err,
	)
	c.dropTransportLocked()
	c.generation++
	c.state = StateConnecting

	if c.dialer == nil {
		// Passive channel: wait for the remote side to come back,
		// bounded by the reattach timeout.
		if c.reattachTimer == nil {
			c.reattachTimer = c.clk.AfterFunc(c.reattachTimeout, func() {
				c.closePermanently("reattach timeout")
			})
		}
		c.mu.Unlock()
		c.notifyState(StateConnecting)
		return
	}
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	go c.reconnectLoop()
}

// reconnectLoop dials until success or until the backoff policy's
// retry bound is exhausted. The first dial happens immediately; each
// failed dial waits out the next backoff delay before retrying.
func (c *Channel) reconnectLoop() {
	for failures := 0; ; failures++ {
		c.mu.Lock()
		stillConnecting := c.state == StateConnecting
		c.mu.Unlock()
		if !stillConnecting {
			// Attach or Close won the race; this loop is obsolete.
			return
		}

		transport, err := c.dialer.Dial(context.Background())
		if err == nil {
			c.mu.Lock()
			if c.state != StateConnecting {
				c.mu.Unlock()
				transport.Close()
				return
			}
			c.attachLocked(transport)
			c.mu.Unlock()

			c.notifyState(StateConnected)
			c.wakeWriter()
			return
		}

		c.logger.Info("channel dial failed",
			"attempt", failures+1,
			"error", err,
		)
		delay, retry := c.policy.Delay(failures)
		if !retry {
			c.closePermanently("reconnect attempts exhausted")
			return
		}
		select {
		case <-c.clk.After(delay):
		case <-c.done:
			return
		}
	}
}

// readLoop pumps inbound messages until the transport fails or is
// replaced. Pongs reset heartbeat bookkeeping; everything else goes to
// the owner's OnMessage.
func (c *Channel) readLoop(transport Transport, generation int) {
	for {
		data, err := transport.ReadMessage(context.Background())
		if err != nil {
			c.transportFailed(generation, "read", err)
			return
		}
		if c.isPong != nil && c.isPong(data) {
			c.pongReceived(generation)
			continue
		}
		c.onMessage(data)
	}
}

// writeLoop drains the queue onto the transport. One writer per
// attached transport preserves per-channel send order.
func (c *Channel) writeLoop(transport Transport, generation int, detach <-chan struct{}) {
	for {
		c.mu.Lock()
		if generation != c.generation {
			c.mu.Unlock()
			return
		}
		closing := c.state == StateClosed
		data, ok := c.queue.pop()
		if closing && !ok {
			// Drained after Close; the writer owns the final socket
			// shutdown.
			c.dropTransportLocked()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if !ok {
			select {
			case <-c.wake:
				continue
			case <-detach:
				return
			}
		}

		if err := transport.WriteMessage(context.Background(), data); err != nil {
			c.mu.Lock()
			if c.state == StateClosed {
				// Mid-drain failure: the writer still owns the final
				// socket shutdown.
				c.dropTransportLocked()
				c.mu.Unlock()
				return
			}
			// The message was dequeued but never delivered; put it
			// back at the front so the next transport retries it
			// in order.
			c.queue.pushFront(data)
			c.mu.Unlock()
			c.transportFailed(generation, "write", err)
			return
		}
	}
}

// heartbeatLoop sends a ping each interval and fails the transport
// after the missed-pong limit. Runs only while its transport
// generation is current.
func (c *Channel) heartbeatLoop(generation int, detach <-chan struct{}, ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-detach:
			return
		case <-c.done:
			return
		}

		c.mu.Lock()
		if c.state == StateClosed || generation != c.generation {
			c.mu.Unlock()
			return
		}
		c.missedPongs++
		if c.missedPongs > c.missedLimit {
			c.mu.Unlock()
			c.transportFailed(generation, "heartbeat", errors.New("missed pong limit exceeded"))
			return
		}
		degraded := c.missedPongs > 1 && c.state == StateConnected
		if degraded {
			c.state = StateDegraded
		}
		c.queue.push(c.pingMessage(), PriorityControl)
		c.mu.Unlock()

		if degraded {
			c.notifyState(StateDegraded)
		}
		c.wakeWriter()
	}
}

// pongReceived clears heartbeat debt for the current transport.
func (c *Channel) pongReceived(generation int) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.missedPongs = 0
	recovered := c.state == StateDegraded
	if recovered {
		c.state = StateConnected
	}
	c.mu.Unlock()

	if recovered {
		c.notifyState(StateConnected)
	}
}

// wakeWriter nudges the writer goroutine without blocking.
func (c *Channel) wakeWriter() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// notifyState invokes the state observer outside the channel lock.
func (c *Channel) notifyState(state State) {
	if c.onStateChange != nil {
		c.onStateChange(state)
	}
}
