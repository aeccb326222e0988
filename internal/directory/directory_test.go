package directory

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUpsertIdempotent(t *testing.T) {
	dir := New(zap.NewNop())
	id := test.RandPeerIDFatal(t)

	dir.Upsert(id, []string{"/ip4/127.0.0.1/tcp/4001"}, []protocol.ID{"/meshcompute/task/1.0.0"}, "node/0.1.0")
	dir.Upsert(id, []string{"/ip4/127.0.0.1/tcp/4001", "/ip4/10.0.0.1/tcp/4001"}, nil, "")

	require.Equal(t, 1, dir.Count())

	rec, ok := dir.Get(id)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"/ip4/127.0.0.1/tcp/4001", "/ip4/10.0.0.1/tcp/4001"}, rec.Addrs)
	assert.Equal(t, "node/0.1.0", rec.AgentVersion)
	// An upsert without protocols keeps the last advertised capability set.
	assert.Equal(t, []protocol.ID{"/meshcompute/task/1.0.0"}, rec.Protocols)
}

func TestHealthScoreMonotonic(t *testing.T) {
	dir := New(zap.NewNop())
	id := test.RandPeerIDFatal(t)
	dir.Upsert(id, nil, nil, "")

	dir.Reward(id)
	dir.MarkHeartbeat(id)
	dir.Penalize(id)
	dir.Penalize(id)

	rec, ok := dir.Get(id)
	require.True(t, ok)
	assert.Equal(t, uint64(2), rec.HealthScore, "offenses must not decrease the health score")
	assert.Equal(t, uint64(2), rec.Offenses)
	assert.False(t, rec.LastHeartbeat.IsZero())
}

func TestPruneStale(t *testing.T) {
	dir := New(zap.NewNop())
	stale := test.RandPeerIDFatal(t)
	fresh := test.RandPeerIDFatal(t)

	dir.Upsert(stale, nil, nil, "")
	time.Sleep(20 * time.Millisecond)
	dir.Upsert(fresh, nil, nil, "")

	removed := dir.PruneStale(10 * time.Millisecond)
	assert.Equal(t, 1, removed)

	_, ok := dir.Get(stale)
	assert.False(t, ok)
	_, ok = dir.Get(fresh)
	assert.True(t, ok)
	assert.Len(t, dir.Snapshot(), 1)
}

func TestGetReturnsCopy(t *testing.T) {
	dir := New(zap.NewNop())
	id := test.RandPeerIDFatal(t)
	dir.Upsert(id, []string{"/ip4/127.0.0.1/tcp/1"}, nil, "")

	rec, ok := dir.Get(id)
	require.True(t, ok)
	rec.Addrs[0] = "mutated"

	again, _ := dir.Get(id)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/1", again.Addrs[0])
}
