package strategy

import (
	"context"
	"sort"
	"time"

	"github.com/modelmux/modelmux/internal/consolidate"
	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
)

// ConsensusStrategy runs a parallel fan-out and then consolidates the
// successful outputs into representative personas, each annotated with a
// confidence proportional to how many source outputs agree with it.
type ConsensusStrategy struct {
	parallel *ParallelStrategy
	mapper   *consolidate.Mapper
	metrics  *metrics.Metrics
	logger   *logging.Logger
}

// NewConsensusStrategy creates a consensus strategy on top of an existing
// parallel strategy and consolidation mapper.
func NewConsensusStrategy(parallel *ParallelStrategy, mapper *consolidate.Mapper, m *metrics.Metrics) *ConsensusStrategy {
	return &ConsensusStrategy{
		parallel: parallel,
		mapper:   mapper,
		metrics:  m,
		logger:   logging.GetLogger(),
	}
}

func (s *ConsensusStrategy) Mode() Mode {
	return ModeConsensus
}

// Execute fans out in parallel, consolidates the personas from successful
// outputs, and keeps the req.Count highest-confidence representatives.
// With zero successful outputs the result carries the failed outputs and
// no consolidated personas.
func (s *ConsensusStrategy) Execute(ctx context.Context, req Request) (*MultiModelResult, error) {
	start := time.Now()

	result, err := s.parallel.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	result.ExecutionMode = ModeConsensus

	var personas []consolidate.Persona
	for _, out := range result.ModelOutputs {
		if out.Success {
			personas = append(personas, out.Personas...)
		}
	}

	if len(personas) == 0 {
		s.logger.Warn("Consensus execution produced no personas to consolidate",
			"outputs", len(result.ModelOutputs),
		)
		result.TotalLatency = time.Since(start)
		return result, nil
	}

	consolidation := s.mapper.Consolidate(personas)
	total := float64(len(personas))

	consolidated := make([]ConsolidatedPersona, 0, consolidation.ConsolidatedCount)
	for _, merged := range consolidation.Merged {
		consolidated = append(consolidated, ConsolidatedPersona{
			MergedPersona:       merged,
			ConsensusConfidence: confidence(merged.ClusterSize, total),
		})
	}
	for _, unique := range consolidation.UniqueOutputs {
		consolidated = append(consolidated, ConsolidatedPersona{
			MergedPersona: consolidate.MergedPersona{
				Persona:      unique,
				SourceIDs:    []string{unique.ID},
				Providers:    []string{unique.Provider},
				ClusterSize:  1,
				AverageScore: 1.0,
			},
			ConsensusConfidence: confidence(1, total),
		})
	}

	sort.SliceStable(consolidated, func(i, j int) bool {
		return consolidated[i].ConsensusConfidence > consolidated[j].ConsensusConfidence
	})
	if req.Count > 0 && len(consolidated) > req.Count {
		consolidated = consolidated[:req.Count]
	}

	result.ConsolidatedPersonas = consolidated
	result.TotalLatency = time.Since(start)

	s.logger.Info("Consensus execution finished",
		"source_personas", len(personas),
		"representatives", len(consolidated),
		"latency", result.TotalLatency.String(),
	)

	return result, nil
}

// confidence is the fraction of source outputs backing a representative,
// capped at 1.0.
func confidence(clusterSize int, total float64) float64 {
	if total == 0 {
		return 0
	}
	c := float64(clusterSize) / total
	if c > 1.0 {
		c = 1.0
	}
	return c
}
