// Package maintenance runs the node's periodic housekeeping: task history
// cleanup and stale peer pruning.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/meshcompute/compute-node/internal/directory"
	"github.com/meshcompute/compute-node/internal/storage"
)

// Config controls retention.
type Config struct {
	// HistoryMaxAge bounds how long terminal task records are kept.
	HistoryMaxAge time.Duration
	// PeerStaleAfter bounds how long an unseen peer stays in the directory.
	PeerStaleAfter time.Duration
}

type Runner struct {
	logger  *zap.Logger
	cfg     Config
	cron    *cron.Cron
	dir     *directory.Directory
	history storage.TaskHistoryStorage
}

func New(dir *directory.Directory, history storage.TaskHistoryStorage, cfg Config, logger *zap.Logger) *Runner {
	return &Runner{
		logger:  logger.Named("maintenance"),
		cfg:     cfg,
		cron:    cron.New(),
		dir:     dir,
		history: history,
	}
}

// Start schedules the housekeeping jobs.
func (r *Runner) Start() error {
	if r.history != nil && r.cfg.HistoryMaxAge > 0 {
		if _, err := r.cron.AddFunc("@hourly", r.cleanupHistory); err != nil {
			return err
		}
	}
	if r.cfg.PeerStaleAfter > 0 {
		if _, err := r.cron.AddFunc("@every 5m", r.pruneStalePeers); err != nil {
			return err
		}
	}
	r.cron.Start()
	r.logger.Info("Maintenance jobs scheduled")
	return nil
}

// Stop halts scheduling and waits for running jobs.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Runner) cleanupHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-r.cfg.HistoryMaxAge)
	if err := r.history.DeleteBefore(ctx, cutoff); err != nil {
		r.logger.Error("Failed to clean up task history", zap.Error(err))
	}
}

func (r *Runner) pruneStalePeers() {
	r.dir.PruneStale(r.cfg.PeerStaleAfter)
}
