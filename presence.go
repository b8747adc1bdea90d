package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// connTracker is a thread-safe view of live connections per user, mirrored
// across instances through the PRESENCE_CONN KV bucket.
type connTracker struct {
	mu    sync.RWMutex
	conns map[string]map[string]bool // userId -> set of connIds
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[string]map[string]bool)}
}

// add records a connection and reports whether it was the user's first.
func (ct *connTracker) add(userID, connID string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	first := len(ct.conns[userID]) == 0
	if ct.conns[userID] == nil {
		ct.conns[userID] = make(map[string]bool)
	}
	ct.conns[userID][connID] = true
	return first
}

// remove drops a connection and reports whether it was the user's last.
func (ct *connTracker) remove(userID, connID string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if conns, ok := ct.conns[userID]; ok && conns[connID] {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(ct.conns, userID)
			return true
		}
	}
	return false
}

func (ct *connTracker) hasConns(userID string) bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.conns[userID]) > 0
}

func (ct *connTracker) reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.conns = make(map[string]map[string]bool)
}

// kvStatus is the PRESENCE bucket value per user.
type kvStatus struct {
	Status   Status `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// PresenceRegistry reconciles a user's displayed status with the set of
// their live connections. Broadcasts fire only on the 0->1 and 1->0
// transitions; the durable users row holds status and last-seen.
type PresenceRegistry struct {
	store   Store
	hub     *Hub
	tracker *connTracker

	// connKV holds one TTL'd key per live connection ("userId.connId");
	// statusKV holds the cluster-visible status, CAS-updated so only one
	// instance wins the offline transition. Both may be nil in
	// single-instance mode.
	connKV   nats.KeyValue
	statusKV nats.KeyValue

	ownMu    sync.Mutex
	ownConns map[string]string // connId -> userId, for keepalive refresh

	transitions metric.Int64Counter
}

// NewPresenceRegistry builds a registry in single-instance mode.
func NewPresenceRegistry(store Store, hub *Hub) *PresenceRegistry {
	return &PresenceRegistry{
		store:    store,
		hub:      hub,
		tracker:  newConnTracker(),
		ownConns: make(map[string]string),
	}
}

// AttachKV enables cluster mode with the given buckets.
func (p *PresenceRegistry) AttachKV(connKV, statusKV nats.KeyValue) {
	p.connKV = connKV
	p.statusKV = statusKV
}

// SetTransitionCounter wires the presence-transition metric.
func (p *PresenceRegistry) SetTransitionCounter(c metric.Int64Counter) {
	p.transitions = c
}

// Reset clears in-memory state after a broker reconnect; the watcher
// re-hydrates from KV.
func (p *PresenceRegistry) Reset() {
	p.tracker.reset()
}

// Connect registers a live connection. On the user's first connection the
// durable status flips to ONLINE and contacts are notified.
func (p *PresenceRegistry) Connect(ctx context.Context, userID, connID string) error {
	first := p.tracker.add(userID, connID)

	p.ownMu.Lock()
	p.ownConns[connID] = userID
	p.ownMu.Unlock()

	if p.connKV != nil {
		if _, err := p.connKV.Put(userID+"."+connID, []byte(`{}`)); err != nil {
			slog.Warn("Failed to record connection in KV", "user", userID, "connId", connID, "error", err)
		}
	}

	if !first {
		return nil
	}
	p.countTransition(ctx, StatusOnline)
	return p.setStatus(ctx, userID, StatusOnline)
}

// Disconnect drops a connection. Only when the user's last connection is
// gone does the status flip to OFFLINE; the transition is CAS-deduplicated
// across instances. The returned error is an outcome for the caller to
// log; disconnect teardown never fails on it.
func (p *PresenceRegistry) Disconnect(ctx context.Context, userID, connID string) error {
	p.ownMu.Lock()
	delete(p.ownConns, connID)
	p.ownMu.Unlock()

	if p.connKV != nil {
		if err := p.connKV.Delete(userID + "." + connID); err != nil {
			slog.Debug("Failed to delete connection key", "user", userID, "connId", connID, "error", err)
		}
	}

	last := p.tracker.remove(userID, connID)
	if !last {
		return nil
	}
	return p.markOffline(ctx, userID)
}

// UpdateStatus applies a client-initiated status change (ONLINE/AWAY/BUSY).
// The live-connection count is untouched.
func (p *PresenceRegistry) UpdateStatus(ctx context.Context, userID string, status Status) error {
	if !clientStatuses[status] {
		return fmt.Errorf("invalid status %q", status)
	}
	return p.setStatus(ctx, userID, status)
}

// markOffline performs the 1->0 transition. With a status KV attached, a
// CAS update elects the single instance that writes and broadcasts.
func (p *PresenceRegistry) markOffline(ctx context.Context, userID string) error {
	if p.statusKV != nil {
		now := time.Now().UTC()
		data, _ := json.Marshal(kvStatus{Status: StatusOffline, LastSeen: now.UnixMilli()})
		entry, err := p.statusKV.Get(userID)
		if err != nil {
			if _, err := p.statusKV.Create(userID, data); err != nil {
				slog.Debug("Offline CAS create lost", "user", userID, "error", err)
				return nil
			}
		} else {
			var cur kvStatus
			if json.Unmarshal(entry.Value(), &cur) == nil && cur.Status == StatusOffline {
				return nil // already offline, another instance handled it
			}
			if _, err := p.statusKV.Update(userID, data, entry.Revision()); err != nil {
				slog.Debug("Offline CAS lost", "user", userID, "error", err)
				return nil
			}
		}
	}
	p.countTransition(ctx, StatusOffline)
	return p.setStatus(ctx, userID, StatusOffline)
}

// setStatus writes the durable status and notifies the user's contacts and
// the user's own other devices.
func (p *PresenceRegistry) setStatus(ctx context.Context, userID string, status Status) error {
	now := time.Now().UTC()
	if err := p.store.SetUserStatus(ctx, userID, status, now); err != nil {
		return fmt.Errorf("presence write for %s: %w", userID, err)
	}

	if p.statusKV != nil && status != StatusOffline {
		data, _ := json.Marshal(kvStatus{Status: status, LastSeen: now.UnixMilli()})
		if _, err := p.statusKV.Put(userID, data); err != nil {
			slog.Warn("Failed to put status in KV", "user", userID, "error", err)
		}
	}

	evt := statusEvent{UserID: userID, Status: status, LastSeen: now}
	contacts, err := p.store.ContactIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("presence contacts for %s: %w", userID, err)
	}
	for _, contact := range contacts {
		if err := p.hub.EmitToUser(ctx, contact, evUserStatus, evt); err != nil {
			slog.Warn("Failed to emit presence", "user", userID, "contact", contact, "error", err)
		}
	}
	// echo to the user's own other devices
	if err := p.hub.EmitToUser(ctx, userID, evUserStatus, evt); err != nil {
		slog.Warn("Failed to echo presence", "user", userID, "error", err)
	}
	return nil
}

func (p *PresenceRegistry) countTransition(ctx context.Context, status Status) {
	if p.transitions != nil {
		p.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(status)),
		))
	}
}

// StartWatcher mirrors PRESENCE_CONN into the tracker so connections held
// by other instances suppress this instance's offline transitions, and TTL
// expiry of a remote connection still completes the 1->0 transition
// somewhere in the cluster.
func (p *PresenceRegistry) StartWatcher(ctx context.Context) {
	if p.connKV == nil {
		return
	}
	watcher, err := p.connKV.WatchAll()
	if err != nil {
		slog.Error("Failed to start presence KV watcher", "error", err)
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue // end of initial replay
			}
			parts := strings.SplitN(entry.Key(), ".", 2)
			if len(parts) != 2 {
				continue
			}
			userID, connID := parts[0], parts[1]

			switch entry.Operation() {
			case nats.KeyValuePut:
				p.tracker.add(userID, connID)
			case nats.KeyValueDelete, nats.KeyValuePurge:
				if p.tracker.remove(userID, connID) {
					slog.Info("Last connection gone", "user", userID, "connId", connID)
					if err := p.markOffline(ctx, userID); err != nil {
						slog.Warn("Offline transition failed", "user", userID, "error", err)
					}
				}
			}
		}
	}
}

// handleStatusSet applies a client-requested status. OFFLINE cannot be set
// explicitly; it only falls out of the last disconnect.
func (g *Gateway) handleStatusSet(ctx context.Context, s *Session, raw []byte) error {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !clientStatuses[p.Status] {
		return fmt.Errorf("%w: status must be one of ONLINE, AWAY, BUSY", ErrInvalidPayload)
	}
	return g.presence.UpdateStatus(ctx, s.UserID, p.Status)
}

// StartKeepAlive refreshes this instance's connection keys at a fraction of
// the bucket TTL so live connections never expire.
func (p *PresenceRegistry) StartKeepAlive(ctx context.Context, interval time.Duration) {
	if p.connKV == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ownMu.Lock()
			conns := make(map[string]string, len(p.ownConns))
			for connID, userID := range p.ownConns {
				conns[connID] = userID
			}
			p.ownMu.Unlock()

			for connID, userID := range conns {
				if _, err := p.connKV.Put(userID+"."+connID, []byte(`{}`)); err != nil {
					slog.Debug("Keepalive put failed", "user", userID, "connId", connID, "error", err)
				}
			}
		}
	}
}
