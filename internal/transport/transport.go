// Package transport owns the libp2p host: encrypted, authenticated,
// multiplexed peer connections with one stream protocol per application
// protocol. Successful identify handshakes promote peers into the
// directory; unverifiable connections never do.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/meshcompute/compute-node/internal/directory"
	"github.com/meshcompute/compute-node/internal/identity"
)

// Stream protocol ids carried over one physical connection. The version
// suffix must match between peers for negotiation to succeed.
const (
	ProtocolHeartbeat protocol.ID = "/meshcompute/heartbeat/1.0.0"
	ProtocolTask      protocol.ID = "/meshcompute/task/1.0.0"
)

// Config controls listening and seed dialing.
type Config struct {
	ListenAddrs     []string
	SeedPeers       []string
	DialRetries     int
	DialBackoffBase time.Duration
	DialBackoffMax  time.Duration
	AgentVersion    string
}

// Transport wraps the libp2p host and feeds connection events into the
// peer directory.
type Transport struct {
	logger *zap.Logger
	cfg    Config
	host   host.Host
	dir    *directory.Directory

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the libp2p host with the node identity. The host is not
// listening for application streams until handlers are registered and Start
// is called.
func New(id *identity.Identity, dir *directory.Directory, cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.DialRetries <= 0 {
		cfg.DialRetries = 5
	}
	if cfg.DialBackoffBase <= 0 {
		cfg.DialBackoffBase = time.Second
	}
	if cfg.DialBackoffMax <= 0 {
		cfg.DialBackoffMax = time.Minute
	}

	h, err := libp2p.New(
		libp2p.Identity(id.PrivKey()),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.UserAgent(cfg.AgentVersion),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	return &Transport{
		logger: logger.Named("transport"),
		cfg:    cfg,
		host:   h,
		dir:    dir,
	}, nil
}

// Host exposes the underlying libp2p host.
func (t *Transport) Host() host.Host {
	return t.host
}

// SetHandler registers the stream handler for one protocol id. Frames for a
// protocol are processed in arrival order within a stream.
func (t *Transport) SetHandler(pid protocol.ID, h network.StreamHandler) {
	t.host.SetStreamHandler(pid, h)
}

// Start subscribes to handshake events and begins dialing seed peers.
func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	sub, err := t.host.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe identify events: %w", err)
	}

	t.host.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			t.dir.Touch(conn.RemotePeer())
			t.logger.Debug("Peer disconnected",
				zap.String("peer_id", conn.RemotePeer().String()))
		},
	})

	t.wg.Add(1)
	go t.watchHandshakes(ctx, sub)

	for _, seed := range t.cfg.SeedPeers {
		addr, err := ma.NewMultiaddr(seed)
		if err != nil {
			t.logger.Warn("Invalid seed peer address",
				zap.String("addr", seed),
				zap.Error(err))
			continue
		}
		ai, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			t.logger.Warn("Seed address has no peer id",
				zap.String("addr", seed),
				zap.Error(err))
			continue
		}
		t.wg.Add(1)
		go t.connectWithBackoff(ctx, *ai)
	}

	for _, addr := range t.host.Addrs() {
		t.logger.Info("Listening",
			zap.String("addr", fmt.Sprintf("%s/p2p/%s", addr, t.host.ID())))
	}
	return nil
}

// watchHandshakes promotes identified peers into the directory. The
// identify exchange carries the peer's public key, listen addresses,
// supported protocols and agent version over the already-authenticated
// connection.
func (t *Transport) watchHandshakes(ctx context.Context, sub event.Subscription) {
	defer t.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Out():
			if !ok {
				return
			}
			ev := e.(event.EvtPeerIdentificationCompleted)
			addrs := make([]string, 0, len(ev.ListenAddrs))
			for _, a := range ev.ListenAddrs {
				addrs = append(addrs, a.String())
			}
			t.dir.Upsert(ev.Peer, addrs, ev.Protocols, ev.AgentVersion)
		}
	}
}

// connectWithBackoff dials a seed with capped exponential backoff. A
// permanent failure is reported once and the peer is not retried until
// externally re-seeded.
func (t *Transport) connectWithBackoff(ctx context.Context, ai peer.AddrInfo) {
	defer t.wg.Done()

	backoff := t.cfg.DialBackoffBase
	for attempt := 1; attempt <= t.cfg.DialRetries; attempt++ {
		err := t.host.Connect(ctx, ai)
		if err == nil {
			t.logger.Info("Connected to seed peer",
				zap.String("peer_id", ai.ID.String()))
			return
		}
		if isPermanentDialError(err) {
			t.logger.Warn("Seed peer rejected permanently",
				zap.String("peer_id", ai.ID.String()),
				zap.Error(err))
			return
		}
		t.logger.Warn("Failed to connect to seed peer, retrying",
			zap.String("peer_id", ai.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > t.cfg.DialBackoffMax {
			backoff = t.cfg.DialBackoffMax
		}
	}
	t.logger.Warn("Giving up on seed peer",
		zap.String("peer_id", ai.ID.String()),
		zap.Int("retries", t.cfg.DialRetries))
}

// isPermanentDialError reports failures that retrying cannot fix:
// authentication mismatches and protocol negotiation failures.
func isPermanentDialError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "peer id mismatch") ||
		strings.Contains(msg, "failed to negotiate security protocol")
}

// OpenStream opens an outbound stream to a peer for the given protocol.
func (t *Transport) OpenStream(ctx context.Context, id peer.ID, pid protocol.ID) (network.Stream, error) {
	s, err := t.host.NewStream(ctx, id, pid)
	if err != nil {
		return nil, fmt.Errorf("open %s stream to %s: %w", pid, id, err)
	}
	return s, nil
}

// Close stops event processing and shuts the host down.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	err := t.host.Close()
	t.wg.Wait()
	return err
}
