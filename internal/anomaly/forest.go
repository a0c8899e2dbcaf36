// forest.go implements the isolation forest used for anomaly scoring. The
// model isolates points by recursive random splits; anomalous points need
// fewer splits to isolate, giving them shorter average path lengths and
// scores near 1. Scores near 0.5 are unremarkable, below that clearly normal.
package anomaly

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"github.com/projectpulse/audit-engine/internal/features"
)

// ErrNotFitted is returned when scoring against a forest that was never
// trained.
var ErrNotFitted = errors.New("anomaly: forest not fitted")

const eulerMascheroni = 0.5772156649

type treeNode struct {
	// Internal nodes split; leaves carry the residual sample size.
	splitFeature int
	splitValue   float64
	left         *treeNode
	right        *treeNode
	size         int
	leaf         bool
}

// Forest is a fitted isolation forest plus the training medians used by the
// perturbation-based explanation path.
type Forest struct {
	trees      []*treeNode
	sampleSize int
	// Medians per feature across the training set. A perturbed score with a
	// feature reset to its median shows how much that feature contributed.
	medians features.Vector
}

// FitForest trains an isolation forest on the given vectors. seed fixes the
// subsampling and split randomness so a training run is reproducible.
func FitForest(vectors []features.Vector, trees, sampleSize int, seed int64) (*Forest, error) {
	if len(vectors) == 0 {
		return nil, errors.New("anomaly: empty training set")
	}
	if trees <= 0 {
		trees = 100
	}
	if sampleSize <= 0 || sampleSize > len(vectors) {
		sampleSize = len(vectors)
	}

	rng := rand.New(rand.NewSource(seed))
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize)))) + 1

	f := &Forest{
		trees:      make([]*treeNode, trees),
		sampleSize: sampleSize,
		medians:    trainingMedians(vectors),
	}
	for i := range f.trees {
		sample := subsample(vectors, sampleSize, rng)
		f.trees[i] = buildTree(sample, 0, maxDepth, rng)
	}
	return f, nil
}

// Score returns the anomaly score for a vector in [0, 1].
func (f *Forest) Score(v features.Vector) (float64, error) {
	if f == nil || len(f.trees) == 0 {
		return 0, ErrNotFitted
	}
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, v, 0)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/avgPathLength(f.sampleSize)), nil
}

// Medians returns the per-feature training medians.
func (f *Forest) Medians() features.Vector {
	out := make(features.Vector, len(f.medians))
	copy(out, f.medians)
	return out
}

// Attribution is one feature's contribution to an anomaly score: the score
// drop observed when the feature is reset to its training median.
type Attribution struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// Explain attributes a score to individual features by perturbation: each
// feature in turn is replaced with its training median and the vector is
// rescored. The features whose replacement drops the score the most explain
// the flag. Results are sorted by contribution, largest first, truncated to
// topN (0 means all).
func (f *Forest) Explain(v features.Vector, topN int) ([]Attribution, error) {
	base, err := f.Score(v)
	if err != nil {
		return nil, err
	}

	out := make([]Attribution, 0, len(v))
	for i := range v {
		if i >= len(f.medians) {
			break
		}
		perturbed := make(features.Vector, len(v))
		copy(perturbed, v)
		perturbed[i] = f.medians[i]

		score, err := f.Score(perturbed)
		if err != nil {
			return nil, err
		}
		name := ""
		if i < len(features.Names) {
			name = features.Names[i]
		}
		out = append(out, Attribution{
			Feature:      name,
			Value:        v[i],
			Contribution: base - score,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contribution > out[j].Contribution })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

func subsample(vectors []features.Vector, n int, rng *rand.Rand) []features.Vector {
	if n >= len(vectors) {
		return vectors
	}
	idx := rng.Perm(len(vectors))[:n]
	out := make([]features.Vector, n)
	for i, j := range idx {
		out[i] = vectors[j]
	}
	return out
}

func buildTree(sample []features.Vector, depth, maxDepth int, rng *rand.Rand) *treeNode {
	if len(sample) <= 1 || depth >= maxDepth {
		return &treeNode{leaf: true, size: len(sample)}
	}

	// Pick a feature with spread; give up after a few tries (all-constant
	// samples cannot be split further).
	width := len(sample[0])
	var feature int
	var lo, hi float64
	found := false
	for try := 0; try < width; try++ {
		feature = rng.Intn(width)
		lo, hi = sample[0][feature], sample[0][feature]
		for _, v := range sample[1:] {
			if v[feature] < lo {
				lo = v[feature]
			}
			if v[feature] > hi {
				hi = v[feature]
			}
		}
		if hi > lo {
			found = true
			break
		}
	}
	if !found {
		return &treeNode{leaf: true, size: len(sample)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right []features.Vector
	for _, v := range sample {
		if v[feature] < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{leaf: true, size: len(sample)}
	}

	return &treeNode{
		splitFeature: feature,
		splitValue:   split,
		left:         buildTree(left, depth+1, maxDepth, rng),
		right:        buildTree(right, depth+1, maxDepth, rng),
	}
}

func pathLength(node *treeNode, v features.Vector, depth float64) float64 {
	if node.leaf {
		return depth + avgPathLength(node.size)
	}
	if node.splitFeature < len(v) && v[node.splitFeature] < node.splitValue {
		return pathLength(node.left, v, depth+1)
	}
	return pathLength(node.right, v, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points. Normalizes raw path lengths into comparable scores.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + eulerMascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}

func trainingMedians(vectors []features.Vector) features.Vector {
	if len(vectors) == 0 {
		return nil
	}
	width := len(vectors[0])
	medians := make(features.Vector, width)
	column := make([]float64, len(vectors))
	for i := 0; i < width; i++ {
		for j, v := range vectors {
			column[j] = v[i]
		}
		sort.Float64s(column)
		mid := len(column) / 2
		if len(column)%2 == 1 {
			medians[i] = column[mid]
		} else {
			medians[i] = (column[mid-1] + column[mid]) / 2
		}
	}
	return medians
}
