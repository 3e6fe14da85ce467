// Package consolidate reconciles divergent persona outputs from multiple
// models: it scores pairwise similarity, clusters transitively similar
// outputs, and merges each cluster into one representative persona.
package consolidate

import (
	"sort"
	"strings"
	"time"

	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
)

// Persona is one candidate output produced by a model call.
type Persona struct {
	ID         string   `json:"id"`
	Provider   string   `json:"provider"`
	Model      string   `json:"model"`
	Descriptor string   `json:"descriptor"`
	Goals      []string `json:"goals"`
	PainPoints []string `json:"pain_points"`
	Narrative  string   `json:"narrative"`
}

// Similarity is the comparison of one persona pair. Created fresh per
// comparison, never mutated.
type Similarity struct {
	AID                 string   `json:"a_id"`
	BID                 string   `json:"b_id"`
	Score               float64  `json:"score"`
	MatchingAttributes  []string `json:"matching_attributes"`
	DivergentAttributes []string `json:"divergent_attributes"`
	MergeRecommended    bool     `json:"merge_recommended"`
}

// MergedPersona is the representative produced from one cluster.
type MergedPersona struct {
	Persona
	SourceIDs     []string `json:"source_ids"`
	Providers     []string `json:"providers"`
	ClusterSize   int      `json:"cluster_size"`
	AverageScore  float64  `json:"average_score"`
}

// Result is the full outcome of one consolidation pass.
type Result struct {
	Similarities         []Similarity    `json:"similarities"`
	Clusters             [][]string      `json:"clusters"`
	MergeRecommendations []Similarity    `json:"merge_recommendations"`
	UniqueOutputs        []Persona       `json:"unique_outputs"`
	Merged               []MergedPersona `json:"merged"`
	ConsolidatedCount    int             `json:"consolidated_count"`
	ProcessingTime       time.Duration   `json:"processing_time"`
}

// Config holds consolidation thresholds and merge caps
type Config struct {
	// ClusterThreshold is the minimum similarity connecting two outputs
	ClusterThreshold float64
	// MergeThreshold is the minimum similarity for a merge recommendation
	MergeThreshold float64
	// MaxGoals caps merged goal lists
	MaxGoals int
	// MaxPainPoints caps merged pain point lists
	MaxPainPoints int
}

// DefaultConfig returns default consolidation configuration
func DefaultConfig() Config {
	return Config{
		ClusterThreshold: 0.6,
		MergeThreshold:   0.75,
		MaxGoals:         5,
		MaxPainPoints:    3,
	}
}

// Mapper computes similarities and merges clusters.
type Mapper struct {
	config  Config
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewMapper creates a consolidation mapper.
func NewMapper(config Config, m *metrics.Metrics) *Mapper {
	if config.ClusterThreshold <= 0 {
		config.ClusterThreshold = DefaultConfig().ClusterThreshold
	}
	if config.MergeThreshold <= 0 {
		config.MergeThreshold = DefaultConfig().MergeThreshold
	}
	if config.MaxGoals <= 0 {
		config.MaxGoals = DefaultConfig().MaxGoals
	}
	if config.MaxPainPoints <= 0 {
		config.MaxPainPoints = DefaultConfig().MaxPainPoints
	}
	return &Mapper{
		config:  config,
		metrics: m,
		logger:  logging.GetLogger(),
	}
}

// Consolidate scores all pairs, clusters the adjacency graph at the cluster
// threshold, and merges each multi-element cluster into one representative.
func (m *Mapper) Consolidate(personas []Persona) *Result {
	start := time.Now()

	result := &Result{
		Similarities:         []Similarity{},
		Clusters:             [][]string{},
		MergeRecommendations: []Similarity{},
		UniqueOutputs:        []Persona{},
		Merged:               []MergedPersona{},
	}

	n := len(personas)
	if n == 0 {
		result.ProcessingTime = time.Since(start)
		return result
	}

	// Pairwise similarity and the adjacency lists for clustering.
	adjacency := make([][]int, n)
	scores := make(map[[2]int]float64)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim := m.Compare(personas[i], personas[j])
			result.Similarities = append(result.Similarities, sim)
			if sim.MergeRecommended {
				result.MergeRecommendations = append(result.MergeRecommendations, sim)
			}
			if sim.Score >= m.config.ClusterThreshold {
				adjacency[i] = append(adjacency[i], j)
				adjacency[j] = append(adjacency[j], i)
				scores[[2]int{i, j}] = sim.Score
			}
		}
	}

	// Connected components via iterative depth-first traversal.
	visited := make([]bool, n)
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		component := []int{}
		stack := []int{i}
		visited[i] = true
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, node)
			for _, next := range adjacency[node] {
				if !visited[next] {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}
		sort.Ints(component)

		if len(component) == 1 {
			result.UniqueOutputs = append(result.UniqueOutputs, personas[component[0]])
			continue
		}

		ids := make([]string, len(component))
		for k, idx := range component {
			ids[k] = personas[idx].ID
		}
		result.Clusters = append(result.Clusters, ids)
		result.Merged = append(result.Merged, m.merge(personas, component, scores))
	}

	result.ConsolidatedCount = len(result.Merged) + len(result.UniqueOutputs)
	result.ProcessingTime = time.Since(start)

	if m.metrics != nil {
		m.metrics.RecordConsolidation("ok", result.ConsolidatedCount)
	}
	m.logger.Debug("Consolidation pass finished",
		"outputs", n,
		"clusters", len(result.Clusters),
		"unique", len(result.UniqueOutputs),
		"consolidated", result.ConsolidatedCount,
	)

	return result
}

// Compare scores one persona pair. Four signals in [0,1] are averaged
// unweighted; the score is symmetric by construction.
func (m *Mapper) Compare(a, b Persona) Similarity {
	descriptorScore := wordJaccard(a.Descriptor, b.Descriptor)
	goalsScore := setJaccard(a.Goals, b.Goals)
	painScore := setJaccard(a.PainPoints, b.PainPoints)
	narrativeScore := wordJaccard(a.Narrative, b.Narrative)

	score := (descriptorScore + goalsScore + painScore + narrativeScore) / 4.0

	sim := Similarity{
		AID:              a.ID,
		BID:              b.ID,
		Score:            score,
		MergeRecommended: score >= m.config.MergeThreshold,
	}

	attributes := []struct {
		name  string
		score float64
	}{
		{"descriptor", descriptorScore},
		{"goals", goalsScore},
		{"pain_points", painScore},
		{"narrative", narrativeScore},
	}
	for _, attr := range attributes {
		if attr.score >= m.config.ClusterThreshold {
			sim.MatchingAttributes = append(sim.MatchingAttributes, attr.name)
		} else {
			sim.DivergentAttributes = append(sim.DivergentAttributes, attr.name)
		}
	}

	return sim
}

// merge collapses one cluster into a representative persona. The first
// output in the cluster is the base; scalar fields take the most frequent
// value, set fields union in first-seen order under a cap.
func (m *Mapper) merge(personas []Persona, component []int, scores map[[2]int]float64) MergedPersona {
	members := make([]Persona, len(component))
	for k, idx := range component {
		members[k] = personas[idx]
	}

	base := members[0]
	merged := MergedPersona{
		Persona:     base,
		ClusterSize: len(members),
	}

	descriptors := make([]string, len(members))
	narratives := make([]string, len(members))
	for k, p := range members {
		descriptors[k] = p.Descriptor
		narratives[k] = p.Narrative
		merged.SourceIDs = append(merged.SourceIDs, p.ID)
	}
	merged.Descriptor = mostFrequent(descriptors)
	merged.Narrative = mostFrequent(narratives)

	var goals, pains []string
	for _, p := range members {
		goals = append(goals, p.Goals...)
		pains = append(pains, p.PainPoints...)
	}
	merged.Goals = dedupeTruncate(goals, m.config.MaxGoals)
	merged.PainPoints = dedupeTruncate(pains, m.config.MaxPainPoints)

	merged.Providers = dedupeTruncate(collectProviders(members), len(members))

	// Mean of intra-cluster edge scores, for observability.
	var total float64
	var edges int
	for i := 0; i < len(component); i++ {
		for j := i + 1; j < len(component); j++ {
			if s, ok := scores[[2]int{component[i], component[j]}]; ok {
				total += s
				edges++
			}
		}
	}
	if edges > 0 {
		merged.AverageScore = total / float64(edges)
	}

	return merged
}

func collectProviders(members []Persona) []string {
	providers := make([]string, len(members))
	for i, p := range members {
		providers[i] = p.Provider
	}
	return providers
}

// mostFrequent picks the most common non-empty value, first-seen on ties.
func mostFrequent(values []string) string {
	counts := make(map[string]int)
	best := ""
	bestCount := 0
	for _, v := range values {
		if v == "" {
			continue
		}
		counts[v]++
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	return best
}

// dedupeTruncate removes duplicates preserving first-seen order, then caps
// the list.
func dedupeTruncate(values []string, limit int) []string {
	seen := make(map[string]bool)
	result := []string{}
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		result = append(result, v)
		if len(result) >= limit {
			break
		}
	}
	return result
}

// setJaccard computes Jaccard similarity over two string sets. Two empty
// sets are maximally similar; one empty set against a non-empty one is
// maximally dissimilar, so near-empty records never match rich ones.
func setJaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for item := range setA {
		if setB[item] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// wordJaccard computes Jaccard similarity over the word sets of two texts.
func wordJaccard(a, b string) float64 {
	return setJaccard(strings.Fields(normalize(a)), strings.Fields(normalize(b)))
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		v = normalize(v)
		if v != "" {
			set[v] = true
		}
	}
	return set
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
