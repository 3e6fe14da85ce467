package strategy

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
)

// ParallelStrategy fans one request out to all models concurrently through
// a bounded worker pool and collects best-effort partial results.
type ParallelStrategy struct {
	caller      *Caller
	maxWorkers  int
	callTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *logging.Logger
}

// NewParallelStrategy creates a parallel strategy. maxWorkers bounds
// concurrency; callTimeout bounds each individual model call.
func NewParallelStrategy(caller *Caller, maxWorkers int, callTimeout time.Duration, m *metrics.Metrics) *ParallelStrategy {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &ParallelStrategy{
		caller:      caller,
		maxWorkers:  maxWorkers,
		callTimeout: callTimeout,
		metrics:     m,
		logger:      logging.GetLogger(),
	}
}

func (s *ParallelStrategy) Mode() Mode {
	return ModeParallel
}

// Execute runs every model concurrently. Outputs are returned in request
// order regardless of completion order, and per-model failures degrade to
// failed outputs rather than aborting the batch.
func (s *ParallelStrategy) Execute(ctx context.Context, req Request) (*MultiModelResult, error) {
	start := time.Now()

	workers := s.maxWorkers
	if len(req.Models) < workers {
		workers = len(req.Models)
	}

	s.logger.Info("Starting parallel execution",
		"models", len(req.Models),
		"workers", workers,
	)

	outputs := make([]ModelOutput, len(req.Models))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	for i, spec := range req.Models {
		i, spec := i, spec
		group.Go(func() error {
			callCtx := groupCtx
			if s.callTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(groupCtx, s.callTimeout)
				defer cancel()
			}
			outputs[i] = s.caller.CallModel(callCtx, spec, req.Prompt, req.Temperature, req.MaxTokens)
			return nil
		})
	}

	// Workers never return errors; Wait only joins them.
	_ = group.Wait()

	result := &MultiModelResult{
		ModelOutputs:  outputs,
		ExecutionMode: ModeParallel,
		TotalLatency:  time.Since(start),
	}
	result.aggregate()

	succeeded := 0
	for _, out := range outputs {
		if out.Success {
			succeeded++
		}
	}
	status := "success"
	if succeeded == 0 {
		status = "failed"
	} else if succeeded < len(outputs) {
		status = "partial"
	}
	if s.metrics != nil {
		s.metrics.RecordExecution(string(ModeParallel), status, result.TotalLatency)
	}
	s.logger.Info("Parallel execution finished",
		"succeeded", succeeded,
		"total", len(outputs),
		"latency", result.TotalLatency.String(),
	)

	return result, nil
}
