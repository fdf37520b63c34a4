package p2p

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"visionnode/storage"
)

const (
	defaultBaseBackoff = time.Second
	peerstorePrefix    = "p2p/peer/"
)

// PeerstoreEntry captures the dial metadata persisted for each known peer,
// whether or not it is currently connected.
type PeerstoreEntry struct {
	Addr       string    `json:"addr"`
	NodeID     string    `json:"nodeID"`
	LastSeen   time.Time `json:"lastSeen"`
	LastFail   time.Time `json:"lastFail,omitempty"`
	Fails      int       `json:"fails"`
	SeedOrigin bool      `json:"seedOrigin"`
}

// Peerstore offers a concurrency-safe persistent registry of peer metadata
// with exponential dial backoff for unreachable entries.
type Peerstore struct {
	mu sync.RWMutex

	db storage.Database

	byAddr map[string]*PeerstoreEntry

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewPeerstore opens a peerstore backed by the given database.
func NewPeerstore(db storage.Database, baseBackoff, maxBackoff time.Duration) (*Peerstore, error) {
	if db == nil {
		return nil, errors.New("peerstore database required")
	}
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = maxDialBackoff
	}
	store := &Peerstore{
		db:          db,
		byAddr:      make(map[string]*PeerstoreEntry),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (ps *Peerstore) load() error {
	return ps.db.Iterate([]byte(peerstorePrefix), func(key, value []byte) bool {
		var entry PeerstoreEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return true
		}
		ps.byAddr[entry.Addr] = &entry
		return true
	})
}

// Put inserts or refreshes a peer entry, preserving an existing entry's fail
// count unless the update marks the peer as recently seen.
func (ps *Peerstore) Put(entry PeerstoreEntry) error {
	if entry.Addr == "" {
		return errors.New("peerstore entry requires an address")
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if existing, ok := ps.byAddr[entry.Addr]; ok {
		if entry.NodeID == "" {
			entry.NodeID = existing.NodeID
		}
		if entry.LastSeen.Before(existing.LastSeen) {
			entry.LastSeen = existing.LastSeen
		}
		entry.SeedOrigin = entry.SeedOrigin || existing.SeedOrigin
		if entry.Fails == 0 && entry.LastSeen.Equal(existing.LastSeen) {
			entry.Fails = existing.Fails
		}
	}
	ps.byAddr[entry.Addr] = &entry
	return ps.persist(&entry)
}

// RecordSuccess resets the fail counter after a successful dial/handshake.
func (ps *Peerstore) RecordSuccess(addr string, now time.Time) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	entry, ok := ps.byAddr[addr]
	if !ok {
		entry = &PeerstoreEntry{Addr: addr}
		ps.byAddr[addr] = entry
	}
	entry.Fails = 0
	entry.LastSeen = now
	return ps.persist(entry)
}

// RecordFail bumps the fail counter and returns the earliest next dial time.
func (ps *Peerstore) RecordFail(addr string, now time.Time) (time.Time, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	entry, ok := ps.byAddr[addr]
	if !ok {
		entry = &PeerstoreEntry{Addr: addr}
		ps.byAddr[addr] = entry
	}
	entry.Fails++
	entry.LastFail = now
	if err := ps.persist(entry); err != nil {
		return time.Time{}, err
	}
	return now.Add(ps.backoffFor(entry.Fails)), nil
}

func (ps *Peerstore) backoffFor(fails int) time.Duration {
	if fails <= 0 {
		return 0
	}
	delay := ps.baseBackoff
	for i := 1; i < fails; i++ {
		delay *= 2
		if delay >= ps.maxBackoff {
			return ps.maxBackoff
		}
	}
	if delay > ps.maxBackoff {
		delay = ps.maxBackoff
	}
	return delay
}

// NextDialAt reports when the address may next be dialled.
func (ps *Peerstore) NextDialAt(addr string, now time.Time) time.Time {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	entry, ok := ps.byAddr[addr]
	if !ok || entry.Fails == 0 || entry.LastFail.IsZero() {
		return now
	}
	return entry.LastFail.Add(ps.backoffFor(entry.Fails))
}

// Known returns a snapshot of every stored entry.
func (ps *Peerstore) Known() []PeerstoreEntry {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]PeerstoreEntry, 0, len(ps.byAddr))
	for _, entry := range ps.byAddr {
		out = append(out, *entry)
	}
	return out
}

func (ps *Peerstore) persist(entry *PeerstoreEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return ps.db.Put([]byte(peerstorePrefix+entry.Addr), raw)
}
