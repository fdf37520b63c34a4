// Package health derives the node's externally visible status from mesh
// connectivity and anchor-sync progress. Purely observational: nothing in the
// node consumes its output except the status route.
package health

import (
	"context"
	"sync"
	"time"

	"visionnode/anchor"
)

// Status is the three-state node-health classification polled by clients.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// MeshView is the read-only slice of the mesh the monitor inspects.
type MeshView interface {
	LivePeerCount() int
}

// SyncView is the read-only slice of the anchor synchronizer.
type SyncView interface {
	State() (anchor.State, time.Time)
	TipHeight() uint64
}

// Snapshot is one recomputed health observation.
type Snapshot struct {
	Status    Status    `json:"status"`
	PeerCount int       `json:"peerCount"`
	SyncState string    `json:"syncState"`
	TipHeight uint64    `json:"tipHeight"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Monitor recomputes node status on a fixed interval.
type Monitor struct {
	mesh MeshView
	sync SyncView

	minPeers       int
	stallThreshold time.Duration
	interval       time.Duration

	mu   sync.RWMutex
	last Snapshot

	nowFn func() time.Time
}

func NewMonitor(mesh MeshView, sync SyncView, minPeers int, stallThreshold, interval time.Duration) *Monitor {
	if minPeers < 0 {
		minPeers = 0
	}
	if stallThreshold <= 0 {
		stallThreshold = 2 * time.Minute
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m := &Monitor{
		mesh:           mesh,
		sync:           sync,
		minPeers:       minPeers,
		stallThreshold: stallThreshold,
		interval:       interval,
		nowFn:          time.Now,
	}
	m.last = m.compute()
	return m
}

// Run recomputes the snapshot on each tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := m.compute()
			m.mu.Lock()
			m.last = snapshot
			m.mu.Unlock()
		}
	}
}

// Current returns the most recent snapshot.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Recompute forces an immediate recomputation and returns the result.
func (m *Monitor) Recompute() Snapshot {
	snapshot := m.compute()
	m.mu.Lock()
	m.last = snapshot
	m.mu.Unlock()
	return snapshot
}

func (m *Monitor) compute() Snapshot {
	now := m.nowFn()
	peers := m.mesh.LivePeerCount()
	state, since := m.sync.State()

	snapshot := Snapshot{
		PeerCount: peers,
		SyncState: state.String(),
		TipHeight: m.sync.TipHeight(),
		LastSeen:  now,
	}

	switch {
	case peers == 0:
		snapshot.Status = StatusDown
	case peers < m.minPeers:
		snapshot.Status = StatusDegraded
	case state != anchor.StateSynced && now.Sub(since) > m.stallThreshold:
		snapshot.Status = StatusDegraded
	default:
		snapshot.Status = StatusUp
	}
	return snapshot
}
