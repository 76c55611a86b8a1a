// Package dispatcher runs worker batches on a timer for in-process auto-collection.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-graph-crawler/internal/worker"
)

// BatchRunner runs one batch of jobs.
type BatchRunner interface {
	RunBatch(ctx context.Context, jobType crawler.JobType, n int) (worker.BatchResult, error)
}

// Lane schedules one job type.
type Lane struct {
	Type     crawler.JobType
	Batch    int
	Interval time.Duration
}

// Dispatcher fans batches out to one loop per lane.
type Dispatcher struct {
	runner BatchRunner
	lanes  []Lane
	logger *zap.Logger
}

// New creates a Dispatcher. Lanes with a non-positive interval are skipped.
func New(runner BatchRunner, lanes []Lane, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	active := make([]Lane, 0, len(lanes))
	for _, lane := range lanes {
		if lane.Interval > 0 {
			active = append(active, lane)
		}
	}
	return &Dispatcher{runner: runner, lanes: active, logger: logger}
}

// Run starts every lane and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, lane := range d.lanes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runLane(ctx, lane)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) runLane(ctx context.Context, lane Lane) {
	ticker := time.NewTicker(lane.Interval)
	defer ticker.Stop()
	d.logger.Info("auto-collect lane started",
		zap.String("type", string(lane.Type)),
		zap.Int("batch", lane.Batch),
		zap.Duration("interval", lane.Interval),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.runner.RunBatch(ctx, lane.Type, lane.Batch)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Error("auto-collect batch failed", zap.String("type", string(lane.Type)), zap.Error(err))
				continue
			}
			if len(res.Errors) > 0 {
				d.logger.Warn("auto-collect batch had job errors",
					zap.String("type", string(lane.Type)),
					zap.Int("errors", len(res.Errors)),
				)
			}
		}
	}
}
