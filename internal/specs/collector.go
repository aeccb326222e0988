// Package specs collects live host specifications for heartbeat metadata.
package specs

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/meshcompute/compute-node/internal/model"
)

type Collector struct {
	logger *zap.Logger
}

func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{logger: logger.Named("specs")}
}

// Collect gathers current host specs. An error means the caller must not
// assert liveness with partial data.
func (c *Collector) Collect(ctx context.Context) (model.NodeSpecs, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.NodeSpecs{}, fmt.Errorf("collect memory stats: %w", err)
	}

	specs := model.NodeSpecs{
		TotalMem: vm.Total,
		FreeMem:  vm.Available,
		NumCPUs:  runtime.NumCPU(),
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	}

	// Instantaneous usage since the last call; best effort.
	usage, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		c.logger.Debug("CPU usage unavailable", zap.Error(err))
	} else if len(usage) > 0 {
		specs.CPUUsage = usage[0]
	}

	return specs, nil
}
