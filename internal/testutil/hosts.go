package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

// NewLoopbackHost starts a libp2p host listening on an ephemeral localhost
// port and registers cleanup.
func NewLoopbackHost(t *testing.T) host.Host {
	t.Helper()

	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// Connect dials from a to b over the loopback.
func Connect(t *testing.T, a, b host.Host) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := a.Connect(ctx, peer.AddrInfo{
		ID:    b.ID(),
		Addrs: b.Addrs(),
	})
	require.NoError(t, err)
}
