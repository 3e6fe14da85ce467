package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
)

// contextSnippetLimit bounds how much prior output is carried forward so
// chained prompts cannot grow without bound.
const contextSnippetLimit = 2000

// SequentialStrategy calls models one at a time in request order. When
// context passing is enabled, each call sees a summary of the most recent
// successful output, letting later models refine earlier ones.
type SequentialStrategy struct {
	caller      *Caller
	passContext bool
	callTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *logging.Logger
}

// NewSequentialStrategy creates a sequential strategy.
func NewSequentialStrategy(caller *Caller, passContext bool, callTimeout time.Duration, m *metrics.Metrics) *SequentialStrategy {
	return &SequentialStrategy{
		caller:      caller,
		passContext: passContext,
		callTimeout: callTimeout,
		metrics:     m,
		logger:      logging.GetLogger(),
	}
}

func (s *SequentialStrategy) Mode() Mode {
	return ModeSequential
}

// Execute runs the models strictly in order. A failed step is recorded as
// a failed output and the chain continues; only successful outputs feed
// context into later steps.
func (s *SequentialStrategy) Execute(ctx context.Context, req Request) (*MultiModelResult, error) {
	start := time.Now()

	s.logger.Info("Starting sequential execution",
		"models", len(req.Models),
		"pass_context", s.passContext,
	)

	outputs := make([]ModelOutput, 0, len(req.Models))
	carried := ""

	for _, spec := range req.Models {
		prompt := req.Prompt
		if s.passContext && carried != "" {
			prompt = fmt.Sprintf("%s\n\nPrevious model output for refinement:\n%s", req.Prompt, carried)
		}

		callCtx := ctx
		if s.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
			out := s.caller.CallModel(callCtx, spec, prompt, req.Temperature, req.MaxTokens)
			cancel()
			outputs = append(outputs, out)
			if out.Success {
				carried = snippet(out.Content)
			}
			continue
		}

		out := s.caller.CallModel(callCtx, spec, prompt, req.Temperature, req.MaxTokens)
		outputs = append(outputs, out)
		if out.Success {
			carried = snippet(out.Content)
		}
	}

	result := &MultiModelResult{
		ModelOutputs:  outputs,
		ExecutionMode: ModeSequential,
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
		s.metrics.RecordExecution(string(ModeSequential), status, result.TotalLatency)
	}

	return result, nil
}

// snippet truncates carried context on a rune boundary.
func snippet(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= contextSnippetLimit {
		return content
	}
	return string(runes[:contextSnippetLimit])
}
