package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcompute/compute-node/internal/model"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := model.HeartbeatPing{Nonce: "n-1"}
	require.NoError(t, WriteMessage(&buf, &in))

	var out model.HeartbeatPing
	require.NoError(t, ReadMessage(&buf, &out, 0))
	assert.Equal(t, in.Nonce, out.Nonce)
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	in := model.TaskRequest{ID: "t1", Workflow: bytes.Repeat([]byte(`1`), 1024)}
	require.NoError(t, WriteMessage(&buf, &in))

	var out model.TaskRequest
	err := ReadMessage(&buf, &out, 64)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameRejectsOversizedPrefix(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 1<<30)
	buf.Write(prefix[:])
	buf.WriteString("{}")

	var out model.HeartbeatPing
	err := ReadMessage(&buf, &out, DefaultMaxFrameBytes)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 100)
	buf.Write(prefix[:])
	buf.WriteString("{}")

	var out model.HeartbeatPing
	err := ReadMessage(&buf, &out, 0)
	require.Error(t, err)
}
