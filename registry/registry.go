// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the single source of truth for which device and
// TPA sockets are alive and who they belong to. Records own their
// resilient channels; every other component holds keys, not channels,
// and must tolerate "not found" as a normal answer — the remote end
// may have dropped at any moment.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/augmentos-community/hub/channel"
	"github.com/augmentos-community/hub/lib/clock"
)

// TpaKey identifies one TPA connection: a package serving one session.
type TpaKey struct {
	SessionID   string
	PackageName string
}

// TpaConnection is the registry's record of one TPA socket.
type TpaConnection struct {
	Key     TpaKey
	Channel *channel.Channel

	// LastHeartbeatAt is the time of the most recent inbound
	// activity; MissedHeartbeats counts probe intervals since. Both
	// are maintained by RecordHeartbeat and read for diagnostics;
	// the channel's own heartbeat loop drives reconnection.
	LastHeartbeatAt  time.Time
	MissedHeartbeats int
}

// Health returns the channel state, the registry's notion of record
// health.
func (c *TpaConnection) Health() channel.State { return c.Channel.State() }

// Config holds Registry construction parameters.
type Config struct {
	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnTpaRemoved fires after a TPA record leaves the registry, so
	// the session lifecycle layer can unwind subscriptions and
	// display locks held by that TPA. Called outside the registry
	// lock. Optional.
	OnTpaRemoved func(key TpaKey)
}

// Registry tracks every live device and TPA socket. Safe for
// concurrent use; mutations touching different sessions never contend
// beyond the map lock.
type Registry struct {
	clk         clock.Clock
	logger      *slog.Logger
	onTpaRemove func(TpaKey)

	mu      sync.RWMutex
	devices map[string]*channel.Channel // sessionID → device channel
	tpas    map[TpaKey]*TpaConnection
}

// New returns an empty registry.
func New(config Config) *Registry {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clk:         clk,
		logger:      logger,
		onTpaRemove: config.OnTpaRemoved,
		devices:     make(map[string]*channel.Channel),
		tpas:        make(map[TpaKey]*TpaConnection),
	}
}

// RegisterDevice stores the device channel for a session, replacing
// (and closing) any previous one.
func (r *Registry) RegisterDevice(sessionID string, ch *channel.Channel) {
	r.mu.Lock()
	previous := r.devices[sessionID]
	r.devices[sessionID] = ch
	r.mu.Unlock()

	if previous != nil && previous != ch {
		previous.Close()
	}
}

// RegisterTpa stores a TPA channel under (sessionID, packageName),
// replacing (and closing) any previous record for the key.
func (r *Registry) RegisterTpa(sessionID, packageName string, ch *channel.Channel) *TpaConnection {
	key := TpaKey{SessionID: sessionID, PackageName: packageName}
	record := &TpaConnection{
		Key:             key,
		Channel:         ch,
		LastHeartbeatAt: r.clk.Now(),
	}

	r.mu.Lock()
	previous := r.tpas[key]
	r.tpas[key] = record
	r.mu.Unlock()

	if previous != nil && previous.Channel != ch {
		previous.Channel.Close()
	}
	return record
}

// LookupDevice returns the session's device channel. The second
// return is false when no device is registered — callers treat that
// as normal.
func (r *Registry) LookupDevice(sessionID string) (*channel.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.devices[sessionID]
	return ch, ok
}

// LookupTpa returns the record for (sessionID, packageName). Callers
// must check Health before trusting the channel.
func (r *Registry) LookupTpa(sessionID, packageName string) (*TpaConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.tpas[TpaKey{SessionID: sessionID, PackageName: packageName}]
	return record, ok
}

// TpaConnectionsForSession returns every TPA record serving the
// session.
func (r *Registry) TpaConnectionsForSession(sessionID string) []*TpaConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var records []*TpaConnection
	for key, record := range r.tpas {
		if key.SessionID == sessionID {
			records = append(records, record)
		}
	}
	return records
}

// RecordHeartbeat notes inbound activity on a TPA connection.
func (r *Registry) RecordHeartbeat(sessionID, packageName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.tpas[TpaKey{SessionID: sessionID, PackageName: packageName}]; ok {
		record.LastHeartbeatAt = r.clk.Now()
		record.MissedHeartbeats = 0
	}
}

// RemoveTpa closes and forgets a TPA record, then notifies the
// removal observer. Removing an absent key is a no-op.
func (r *Registry) RemoveTpa(sessionID, packageName string) {
	key := TpaKey{SessionID: sessionID, PackageName: packageName}

	r.mu.Lock()
	record, ok := r.tpas[key]
	if ok {
		delete(r.tpas, key)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	record.Channel.Close()
	if r.onTpaRemove != nil {
		r.onTpaRemove(key)
	}
}

// RemoveDevice closes and forgets a session's device channel.
func (r *Registry) RemoveDevice(sessionID string) {
	r.mu.Lock()
	ch, ok := r.devices[sessionID]
	if ok {
		delete(r.devices, sessionID)
	}
	r.mu.Unlock()

	if ok {
		ch.Close()
	}
}

// RenameSession re-keys the session's device and TPA records under a
// new session ID, preserving the live channels. Used by the
// reconnection state transfer after connection health has been
// validated.
func (r *Registry) RenameSession(oldSessionID, newSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.devices[oldSessionID]; ok {
		delete(r.devices, oldSessionID)
		r.devices[newSessionID] = ch
	}
	for key, record := range r.tpas {
		if key.SessionID != oldSessionID {
			continue
		}
		delete(r.tpas, key)
		newKey := TpaKey{SessionID: newSessionID, PackageName: key.PackageName}
		record.Key = newKey
		r.tpas[newKey] = record
	}
}

// RemoveSession tears down every record belonging to the session:
// the device channel and all TPA connections. TPA removal observers
// fire for each removed record.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	deviceChannel, hadDevice := r.devices[sessionID]
	if hadDevice {
		delete(r.devices, sessionID)
	}
	var removed []*TpaConnection
	for key, record := range r.tpas {
		if key.SessionID == sessionID {
			delete(r.tpas, key)
			removed = append(removed, record)
		}
	}
	r.mu.Unlock()

	if hadDevice {
		deviceChannel.Close()
	}
	for _, record := range removed {
		record.Channel.Close()
		if r.onTpaRemove != nil {
			r.onTpaRemove(record.Key)
		}
	}
}
