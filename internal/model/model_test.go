package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskResultSigningBytes(t *testing.T) {
	res := &TaskResult{
		ID:     "t1",
		Status: TaskStatusSuccess,
		Output: []byte("ok"),
		Model:  "m1",
		Stats:  TaskStats{ReceivedAt: time.Unix(1700000000, 0).UTC()},
	}

	unsigned, err := res.SigningBytes()
	require.NoError(t, err)

	// Attaching a signature must not change the canonical bytes.
	res.Signature = Signature{Scheme: "Ed25519", Data: []byte{1, 2, 3}}
	signed, err := res.SigningBytes()
	require.NoError(t, err)
	assert.Equal(t, unsigned, signed)

	// A payload change must change the canonical bytes.
	res.Output = []byte("different")
	changed, err := res.SigningBytes()
	require.NoError(t, err)
	assert.NotEqual(t, unsigned, changed)
}

func TestHeartbeatPongSigningBytes(t *testing.T) {
	pong := &HeartbeatPong{
		Nonce:     "abc",
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Metadata: NodeMetadata{
			Version:    "0.1.0",
			Models:     []string{"m1", "m2"},
			QueueDepth: 3,
		},
	}

	first, err := pong.SigningBytes()
	require.NoError(t, err)

	pong.Signature = Signature{Scheme: "Ed25519", Data: []byte{9}}
	second, err := pong.SigningBytes()
	require.NoError(t, err)
	assert.Equal(t, first, second, "canonical bytes must be stable across signing")
}

func TestResultConstructors(t *testing.T) {
	stats := TaskStats{ReceivedAt: time.Now()}

	rej := NewRejectedResult("t1", ReasonCapacity, stats)
	assert.Equal(t, TaskStatusRejected, rej.Status)
	assert.Equal(t, ReasonCapacity, rej.Reason)
	assert.Empty(t, rej.Output)

	failed := NewFailedResult("t1", ReasonTimeout, stats)
	assert.Equal(t, TaskStatusFailed, failed.Status)
	assert.Equal(t, ReasonTimeout, failed.Reason)
}
