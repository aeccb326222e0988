// Package dispatch implements the task request/response protocol: validate,
// admit, await, respond. Exactly one signed response is produced per
// request, or none at all when the deadline elapses first.
package dispatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"go.uber.org/zap"

	"github.com/meshcompute/compute-node/internal/directory"
	"github.com/meshcompute/compute-node/internal/executor"
	"github.com/meshcompute/compute-node/internal/identity"
	"github.com/meshcompute/compute-node/internal/model"
	"github.com/meshcompute/compute-node/internal/transport"
)

// frameEnvelope is headroom over the workflow bound for the request's JSON
// envelope, so an oversized workflow still decodes and gets a signed
// rejection instead of being dropped at the framing layer.
const frameEnvelope = 4 << 10

// streamIOWindow bounds how long a peer may take to deliver the request
// frame, and later to drain the response.
var streamIOWindow = 10 * time.Second

// Config bounds request validation.
type Config struct {
	// SupportedModels a request's model constraint must match.
	SupportedModels []string
	// MaxPayloadBytes bounds the request's workflow payload. The inbound
	// frame itself is allowed frameEnvelope on top of this.
	MaxPayloadBytes int
}

// Handler serves the task dispatch protocol. One stream carries one
// request/response exchange; the stream itself is the protocol-layer
// correlation, the task id the application-level one.
type Handler struct {
	logger *zap.Logger
	cfg    Config
	id     *identity.Identity
	exec   *executor.Executor
	dir    *directory.Directory

	mu      sync.Mutex
	tracked map[string]struct{}
	models  map[string]struct{}
}

func NewHandler(id *identity.Identity, exec *executor.Executor, dir *directory.Directory,
	cfg Config, logger *zap.Logger) *Handler {
	models := make(map[string]struct{}, len(cfg.SupportedModels))
	for _, m := range cfg.SupportedModels {
		models[m] = struct{}{}
	}
	return &Handler{
		logger:  logger.Named("dispatch"),
		cfg:     cfg,
		id:      id,
		exec:    exec,
		dir:     dir,
		tracked: make(map[string]struct{}),
		models:  models,
	}
}

// HandleStream serves one task exchange. Requests from peers that never
// completed the identity handshake are not served; malformed requests are
// dropped and counted against the peer; everything else gets exactly one
// signed response.
func (h *Handler) HandleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	if _, known := h.dir.Get(remote); !known {
		h.logger.Debug("Dropping task request from unidentified peer",
			zap.String("peer_id", remote.String()))
		return
	}

	_ = s.SetReadDeadline(time.Now().Add(streamIOWindow))

	var req model.TaskRequest
	if err := transport.ReadMessage(s, &req, h.cfg.MaxPayloadBytes+frameEnvelope); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			h.logger.Debug("Task request read timed out",
				zap.String("peer_id", remote.String()))
			return
		}
		h.logger.Warn("Dropping malformed task request",
			zap.String("peer_id", remote.String()),
			zap.Error(err))
		h.dir.Penalize(remote)
		return
	}

	res := h.Handle(context.Background(), &req)
	if res == nil {
		// Deadline elapsed before a result; the requester gave up on this
		// exchange and a late response would be meaningless.
		return
	}
	_ = s.SetWriteDeadline(time.Now().Add(streamIOWindow))
	if err := transport.WriteMessage(s, res); err != nil {
		h.logger.Warn("Failed to send task result",
			zap.String("task_id", req.ID),
			zap.Error(err))
		return
	}
	h.dir.Reward(remote)
}

// Handle runs the validate/admit/await pipeline and returns the signed
// result, or nil when the request deadline elapsed while awaiting.
func (h *Handler) Handle(ctx context.Context, req *model.TaskRequest) *model.TaskResult {
	receivedAt := time.Now()
	stats := model.TaskStats{ReceivedAt: receivedAt}

	if reason := h.validate(req); reason != "" {
		h.logger.Info("Rejecting task",
			zap.String("task_id", req.ID),
			zap.String("reason", reason))
		return h.sign(model.NewRejectedResult(req.ID, reason, stats))
	}

	if !h.track(req.ID) {
		return h.sign(model.NewRejectedResult(req.ID, model.ReasonDuplicateTask, stats))
	}

	done, err := h.exec.Submit(req, receivedAt)
	if err != nil {
		h.untrack(req.ID)
		reason := model.ReasonCapacity
		if errors.Is(err, executor.ErrShuttingDown) {
			reason = model.ReasonShutdown
		}
		h.logger.Info("Rejecting task",
			zap.String("task_id", req.ID),
			zap.String("reason", reason))
		return h.sign(model.NewRejectedResult(req.ID, reason, stats))
	}

	h.logger.Info("Admitted task",
		zap.String("task_id", req.ID),
		zap.String("model", req.Model))

	// Await without blocking other exchanges. If the request's own deadline
	// elapses first, stop waiting; the executor still frees its slot and
	// its late result lands in the buffered channel, discarded. The id
	// stays reserved until that happens.
	var wait <-chan time.Time
	if !req.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(req.Deadline))
		defer timer.Stop()
		wait = timer.C
	}

	select {
	case res := <-done:
		h.untrack(req.ID)
		return h.sign(res)
	case <-wait:
		h.logger.Warn("Request deadline elapsed while awaiting result",
			zap.String("task_id", req.ID))
		h.releaseWhenDone(req.ID, done)
		return nil
	case <-ctx.Done():
		h.releaseWhenDone(req.ID, done)
		return nil
	}
}

// releaseWhenDone keeps an abandoned task's id reserved until the executor
// produces its terminal result, so the id cannot be reused while the task
// is still running.
func (h *Handler) releaseWhenDone(taskID string, done <-chan *model.TaskResult) {
	go func() {
		<-done
		h.untrack(taskID)
	}()
}

// validate applies the admission checks that never reach the executor.
func (h *Handler) validate(req *model.TaskRequest) string {
	if !req.Deadline.IsZero() && !time.Now().Before(req.Deadline) {
		return model.ReasonDeadlineExceeded
	}
	if _, ok := h.models[req.Model]; !ok {
		return model.ReasonUnsupportedModel
	}
	if len(req.Workflow) > h.cfg.MaxPayloadBytes {
		return model.ReasonPayloadTooLarge
	}
	return ""
}

// track reserves the task id; false means the id is already being tracked
// concurrently.
func (h *Handler) track(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.tracked[taskID]; ok {
		return false
	}
	h.tracked[taskID] = struct{}{}
	return true
}

func (h *Handler) untrack(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tracked, taskID)
}

// sign attaches the node's signature; an unsignable result is never sent.
func (h *Handler) sign(res *model.TaskResult) *model.TaskResult {
	payload, err := res.SigningBytes()
	if err != nil {
		h.logger.Error("Failed to encode task result",
			zap.String("task_id", res.ID),
			zap.Error(err))
		return nil
	}
	sig, err := h.id.Sign(payload)
	if err != nil {
		h.logger.Error("Failed to sign task result",
			zap.String("task_id", res.ID),
			zap.Error(err))
		return nil
	}
	res.Signature = sig
	return res
}
