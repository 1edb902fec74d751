package hypervisor

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/config"
)

// halfSpaceTree is one random axis-aligned partition tree of fixed
// depth. Mass accumulates along the path an observation takes; sparse
// regions score high. Node i's children sit at 2i+1 and 2i+2.
type halfSpaceTree struct {
	maxDepth   int
	windowSize int
	rng        *rand.Rand

	nodes  []hstNode
	ranges []featureRange
	ready  bool
}

type hstNode struct {
	dim   int
	split float64
	mass  int
}

type featureRange struct {
	lo, hi float64
	set    bool
}

func newHalfSpaceTree(maxDepth, windowSize int, seed int64) *halfSpaceTree {
	return &halfSpaceTree{
		maxDepth:   maxDepth,
		windowSize: windowSize,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (t *halfSpaceTree) init(numFeatures int) {
	numNodes := (1 << (t.maxDepth + 1)) - 1
	t.nodes = make([]hstNode, numNodes)
	for i := range t.nodes {
		t.nodes[i] = hstNode{
			dim:   t.rng.Intn(numFeatures),
			split: t.rng.Float64(),
		}
	}
	t.ranges = make([]featureRange, numFeatures)
	t.ready = true
}

func (t *halfSpaceTree) normalize(dim int, value float64) float64 {
	if dim >= len(t.ranges) {
		return 0.5
	}
	r := t.ranges[dim]
	if !r.set || r.hi <= r.lo {
		return 0.5
	}
	return (value - r.lo) / (r.hi - r.lo)
}

// update records an observation, growing feature ranges and mass.
func (t *halfSpaceTree) update(features []float64) {
	if !t.ready {
		t.init(len(features))
	}

	for i, v := range features {
		if i >= len(t.ranges) {
			break
		}
		r := &t.ranges[i]
		if !r.set {
			r.lo, r.hi, r.set = v, v, true
			continue
		}
		if v < r.lo {
			r.lo = v
		}
		if v > r.hi {
			r.hi = v
		}
	}

	idx := 0
	for depth := 0; depth < t.maxDepth; depth++ {
		if idx >= len(t.nodes) {
			break
		}
		node := &t.nodes[idx]
		if node.mass < t.windowSize {
			node.mass++
		}
		if t.normalize(node.dim, features[node.dim]) < node.split {
			idx = 2*idx + 1
		} else {
			idx = 2*idx + 2
		}
	}
}

// score returns the depth-normalized mass anomaly score in [0, 1];
// higher means more anomalous. An uninitialized tree scores 0.5.
func (t *halfSpaceTree) score(features []float64) float64 {
	if !t.ready {
		return 0.5
	}

	idx := 0
	totalMass := 0
	visited := 0
	for depth := 0; depth < t.maxDepth; depth++ {
		if idx >= len(t.nodes) {
			break
		}
		node := t.nodes[idx]
		totalMass += node.mass
		visited++
		if t.normalize(node.dim, features[node.dim]) < node.split {
			idx = 2*idx + 1
		} else {
			idx = 2*idx + 2
		}
	}
	if visited == 0 {
		return 0.5
	}

	avgMass := float64(totalMass) / float64(visited)
	score := 1.0 - avgMass/float64(t.windowSize)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// halfSpaceForest averages scores across trees to cut variance.
type halfSpaceForest struct {
	trees []*halfSpaceTree
}

func newHalfSpaceForest(numTrees, maxDepth, windowSize int, seed int64) *halfSpaceForest {
	trees := make([]*halfSpaceTree, numTrees)
	for i := range trees {
		trees[i] = newHalfSpaceTree(maxDepth, windowSize, seed+int64(i))
	}
	return &halfSpaceForest{trees: trees}
}

func (f *halfSpaceForest) update(features []float64) {
	for _, t := range f.trees {
		t.update(features)
	}
}

func (f *halfSpaceForest) score(features []float64) float64 {
	if len(f.trees) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, t := range f.trees {
		sum += t.score(features)
	}
	return sum / float64(len(f.trees))
}

// StreamDetector scores numeric observations per asset over a sliding
// window of half-space trees and raises value-anomaly alerts through
// the drift detector.
type StreamDetector struct {
	cfg    config.DriftConfig
	drift  *DriftDetector
	logger *slog.Logger

	mu      sync.Mutex
	forests map[string]*halfSpaceForest
	seed    int64
}

// NewStreamDetector creates the streaming detector. seed fixes the
// random partitions for reproducible tests; pass 0 for a varied forest.
func NewStreamDetector(cfg config.DriftConfig, drift *DriftDetector, seed int64, logger *slog.Logger) *StreamDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 25
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1000
	}
	return &StreamDetector{
		cfg:     cfg,
		drift:   drift,
		logger:  logger,
		forests: make(map[string]*halfSpaceForest),
		seed:    seed,
	}
}

// Observe scores one record and updates the model. Non-numeric values
// are ignored. Returns the anomaly score and whether it alerted.
func (s *StreamDetector) Observe(assetID string, rec aas.LeafRecord) (float64, bool) {
	if !s.cfg.Enabled || !rec.Value.IsNumeric() {
		return 0, false
	}

	features := featurize(rec)

	s.mu.Lock()
	forest, ok := s.forests[assetID]
	if !ok {
		// First observation seeds the model; scoring starts afterwards.
		forest = newHalfSpaceForest(s.cfg.NumTrees, s.cfg.MaxDepth, s.cfg.WindowSize, s.seed)
		s.forests[assetID] = forest
		forest.update(features)
		s.mu.Unlock()
		return 0, false
	}
	score := forest.score(features)
	forest.update(features)
	s.mu.Unlock()

	if !IsAnomalous(s.cfg.SeverityThresholds, score) {
		return score, false
	}

	severity := ScoreSeverity(s.cfg.SeverityThresholds, score)
	if s.drift != nil {
		s.drift.EmitAnomaly(assetID, rec.MetricName(), score, severity)
	}
	return score, true
}

// featurize projects a record into the detector's feature space.
func featurize(rec aas.LeafRecord) []float64 {
	features := make([]float64, 0, 4)
	features = append(features, rec.Value.AsFloat())
	features = append(features, float64(len(rec.Path)))
	if rec.SemanticID != "" {
		features = append(features, 1)
	} else {
		features = append(features, 0)
	}
	if rec.Unit != "" {
		features = append(features, 1)
	} else {
		features = append(features, 0)
	}
	return features
}
