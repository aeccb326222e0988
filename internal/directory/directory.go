// Package directory holds the in-memory registry of known peers. It is the
// single owner of peer state: the transport and heartbeat layers send
// updates through its narrow API, the dispatch layer only reads.
package directory

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"
)

// Record is one known peer. HealthScore is monotonically non-decreasing and
// counts verified-good interactions; protocol offenses are tracked
// separately in Offenses.
type Record struct {
	ID            peer.ID       `json:"id"`
	Addrs         []string      `json:"addrs"`
	Protocols     []protocol.ID `json:"protocols"`
	AgentVersion  string        `json:"agent_version,omitempty"`
	FirstSeen     time.Time     `json:"first_seen"`
	LastSeen      time.Time     `json:"last_seen"`
	LastHeartbeat time.Time     `json:"last_heartbeat,omitempty"`
	HealthScore   uint64        `json:"health_score"`
	Offenses      uint64        `json:"offenses"`
}

// Directory is safe for concurrent use. All mutation happens under one
// mutex inside this package.
type Directory struct {
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[peer.ID]*Record
}

func New(logger *zap.Logger) *Directory {
	return &Directory{
		logger: logger.Named("directory"),
		peers:  make(map[peer.ID]*Record),
	}
}

// Upsert creates or updates the record for id. The address set grows as a
// union; capabilities and agent version are replaced by the latest
// handshake. There is never more than one record per peer id.
func (d *Directory) Upsert(id peer.ID, addrs []string, protos []protocol.ID, agent string) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.peers[id]
	if !ok {
		rec = &Record{ID: id, FirstSeen: now}
		d.peers[id] = rec
		d.logger.Info("Peer joined",
			zap.String("peer_id", id.String()),
			zap.String("agent", agent))
	}
	rec.LastSeen = now
	if agent != "" {
		rec.AgentVersion = agent
	}
	if len(protos) > 0 {
		rec.Protocols = append([]protocol.ID(nil), protos...)
	}
	for _, a := range addrs {
		if !containsString(rec.Addrs, a) {
			rec.Addrs = append(rec.Addrs, a)
		}
	}
}

// Touch refreshes the last-seen timestamp of an already-known peer.
func (d *Directory) Touch(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.peers[id]; ok {
		rec.LastSeen = time.Now()
	}
}

// MarkHeartbeat records a verified liveness exchange with the peer.
func (d *Directory) MarkHeartbeat(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.peers[id]; ok {
		now := time.Now()
		rec.LastHeartbeat = now
		rec.LastSeen = now
		rec.HealthScore++
	}
}

// Reward bumps the peer's health score after a good interaction.
func (d *Directory) Reward(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.peers[id]; ok {
		rec.HealthScore++
		rec.LastSeen = time.Now()
	}
}

// Penalize counts a protocol offense (malformed or unverifiable message)
// against the peer. Offenses never crash the node and never decrease the
// health score.
func (d *Directory) Penalize(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.peers[id]; ok {
		rec.Offenses++
	}
}

// Get returns a copy of the record for id.
func (d *Directory) Get(id peer.ID) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.peers[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Count returns the number of known peers.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Snapshot returns copies of all records.
func (d *Directory) Snapshot() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, 0, len(d.peers))
	for _, rec := range d.peers {
		out = append(out, copyRecord(rec))
	}
	return out
}

// PruneStale drops peers not seen within maxAge and returns how many were
// removed.
func (d *Directory) PruneStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, rec := range d.peers {
		if rec.LastSeen.Before(cutoff) {
			delete(d.peers, id)
			removed++
		}
	}
	if removed > 0 {
		d.logger.Info("Pruned stale peers", zap.Int("count", removed))
	}
	return removed
}

func copyRecord(rec *Record) Record {
	out := *rec
	out.Addrs = append([]string(nil), rec.Addrs...)
	out.Protocols = append([]protocol.ID(nil), rec.Protocols...)
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
