// Package heartbeat answers network liveness pings. The node never
// originates pings; it only responds, and only with a verifiable signature.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"go.uber.org/zap"

	"github.com/meshcompute/compute-node/internal/directory"
	"github.com/meshcompute/compute-node/internal/identity"
	"github.com/meshcompute/compute-node/internal/model"
	"github.com/meshcompute/compute-node/internal/specs"
	"github.com/meshcompute/compute-node/internal/transport"
)

// responseWindow bounds how long one ping may take to answer.
const responseWindow = 5 * time.Second

// maxPingBytes bounds the inbound ping frame; pings are tiny.
const maxPingBytes = 4 << 10

// Metrics supplies the live node metrics carried in a pong.
type Metrics interface {
	QueueDepth() int
	Completed() uint64
}

type Responder struct {
	logger  *zap.Logger
	id      *identity.Identity
	dir     *directory.Directory
	specs   *specs.Collector
	metrics Metrics

	version string
	models  []string
}

func NewResponder(id *identity.Identity, dir *directory.Directory, collector *specs.Collector,
	metrics Metrics, version string, models []string, logger *zap.Logger) *Responder {
	return &Responder{
		logger:  logger.Named("heartbeat"),
		id:      id,
		dir:     dir,
		specs:   collector,
		metrics: metrics,
		version: version,
		models:  models,
	}
}

// HandleStream answers one ping per stream. A ping that cannot be answered
// with a fully-built, signed pong is dropped silently: liveness is only
// ever asserted via a verifiable signature.
func (r *Responder) HandleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	_ = s.SetDeadline(time.Now().Add(responseWindow))

	var ping model.HeartbeatPing
	if err := transport.ReadMessage(s, &ping, maxPingBytes); err != nil {
		r.logger.Debug("Dropping malformed ping",
			zap.String("peer_id", remote.String()),
			zap.Error(err))
		r.dir.Penalize(remote)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), responseWindow)
	defer cancel()

	pong, err := r.buildPong(ctx, ping)
	if err != nil {
		r.logger.Debug("Dropping ping",
			zap.String("peer_id", remote.String()),
			zap.Error(err))
		return
	}

	if err := transport.WriteMessage(s, pong); err != nil {
		r.logger.Debug("Failed to send pong",
			zap.String("peer_id", remote.String()),
			zap.Error(err))
		return
	}
	r.dir.MarkHeartbeat(remote)
}

// buildPong assembles and signs the response for one ping. Any failure
// leaves the ping unanswered.
func (r *Responder) buildPong(ctx context.Context, ping model.HeartbeatPing) (*model.HeartbeatPong, error) {
	hostSpecs, err := r.specs.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect specs: %w", err)
	}

	pong := &model.HeartbeatPong{
		Nonce:     ping.Nonce,
		Timestamp: time.Now().UTC(),
		Metadata: model.NodeMetadata{
			Version:        r.version,
			Models:         r.models,
			QueueDepth:     r.metrics.QueueDepth(),
			TasksCompleted: r.metrics.Completed(),
			Specs:          hostSpecs,
		},
	}

	payload, err := pong.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("encode pong: %w", err)
	}
	sig, err := r.id.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign pong: %w", err)
	}
	pong.Signature = sig
	return pong, nil
}
