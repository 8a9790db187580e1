package engine

import (
	"math"
	"math/rand"

	"github.com/miradorstack/mirador-health/internal/models"
)

// Detector names.
const (
	DetectorECOD      = "ecod"
	DetectorIsolation = "isolation_forest"
)

// DetectorScore is one detector's verdict on the last vector of a window.
type DetectorScore struct {
	Detector   string
	Raw        float64
	Normalized float64
	// Tails holds per-dimension tail probabilities; only the ECOD detector fills it.
	Tails *[models.FeatureDims]float64
}

// Detector scores the last vector of a window against the rest of it.
// The set of implementations is closed: ECODDetector and IsolationDetector.
type Detector interface {
	Name() string
	Score(window []models.FeatureVector) DetectorScore
	detector()
}

// Curve is a logistic squashing into (0,1).
type Curve struct {
	Center float64
	Width  float64
}

// Apply maps x to (0,1), 0.5 at Center.
func (c Curve) Apply(x float64) float64 {
	width := c.Width
	if width <= 0 {
		width = 1
	}
	return 1 / (1 + math.Exp(-(x-c.Center)/width))
}

// ECODDetector scores empirical tail probabilities per dimension.
type ECODDetector struct {
	TailFloor float64
	// Scale sets how fast the normalized score saturates: 1-exp(-raw/Scale).
	Scale float64
}

func (ECODDetector) detector() {}

// Name implements Detector.
func (ECODDetector) Name() string { return DetectorECOD }

// Score sums -ln(p) over the smaller ECDF tail of every dimension and maps the
// sum onto [0,1) with 1-exp(-raw/Scale).
func (d ECODDetector) Score(window []models.FeatureVector) DetectorScore {
	if len(window) < 2 {
		return DetectorScore{Detector: DetectorECOD}
	}
	history := window[:len(window)-1]
	current := window[len(window)-1]

	tails := TailProbabilities(history, current, d.TailFloor)
	raw := 0.0
	for _, p := range tails {
		raw += -math.Log(p)
	}

	scale := d.Scale
	if scale <= 0 {
		scale = 5
	}
	return DetectorScore{
		Detector:   DetectorECOD,
		Raw:        raw,
		Normalized: 1 - math.Exp(-raw/scale),
		Tails:      &tails,
	}
}

// TailProbabilities returns min(P(X<=x), P(X>=x)) per dimension. The
// empirical distribution counts x itself alongside history, so a value beyond
// every historical one gets 1/(len(history)+1) rather than zero. Results are
// clamped below at floor.
func TailProbabilities(history []models.FeatureVector, x models.FeatureVector, floor float64) [models.FeatureDims]float64 {
	var tails [models.FeatureDims]float64
	n := float64(len(history) + 1)
	for dim := 0; dim < models.FeatureDims; dim++ {
		below, above := 1, 1
		for _, h := range history {
			if h[dim] <= x[dim] {
				below++
			}
			if h[dim] >= x[dim] {
				above++
			}
		}
		p := math.Min(float64(below), float64(above)) / n
		tails[dim] = math.Max(p, floor)
	}
	return tails
}

// IsolationDetector scores how quickly random partitioning isolates a vector.
type IsolationDetector struct {
	Trees      int
	DepthLimit int
	Seed       int64
	Curve      Curve
}

func (IsolationDetector) detector() {}

// Name implements Detector.
func (IsolationDetector) Name() string { return DetectorIsolation }

// Score grows a forest over the whole window and squashes the current
// vector's 2^(-E[h]/c(n)) through the detector curve. Typical points sit
// near 0.5.
func (d IsolationDetector) Score(window []models.FeatureVector) DetectorScore {
	n := len(window)
	if n < 3 {
		return DetectorScore{Detector: DetectorIsolation}
	}

	raw := IsolationScores(window, d.Trees, d.DepthLimit, d.Seed)[n-1]
	return DetectorScore{
		Detector:   DetectorIsolation,
		Raw:        raw,
		Normalized: d.Curve.Apply(raw),
	}
}

// IsolationScores returns the isolation score of every vector in window.
// A zero depthLimit means ceil(log2 n). The same seed always yields the same forest.
//
// Each split picks a dimension with probability proportional to its range in
// the node divided by its median absolute deviation over the window, so a
// dimension stretched by a single extreme value is split on first.
func IsolationScores(window []models.FeatureVector, trees, depthLimit int, seed int64) []float64 {
	n := len(window)
	if trees <= 0 {
		trees = 100
	}
	if depthLimit <= 0 {
		depthLimit = int(math.Ceil(math.Log2(float64(n))))
	}

	g := &forestGrower{
		window: window,
		limit:  depthLimit,
		rng:    rand.New(rand.NewSource(seed)),
	}
	for dim := 0; dim < models.FeatureDims; dim++ {
		g.spreads[dim] = columnSpread(window, dim)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	forest := make([]*isolationNode, trees)
	for t := range forest {
		forest[t] = g.grow(indices, 0)
	}

	norm := averagePathLength(n)
	scores := make([]float64, n)
	for i, v := range window {
		total := 0.0
		for _, tree := range forest {
			total += tree.pathLength(v, 0)
		}
		scores[i] = math.Pow(2, -(total/float64(trees))/norm)
	}
	return scores
}

type isolationNode struct {
	dim         int
	split       float64
	left, right *isolationNode
	size        int
}

func (n *isolationNode) leaf() bool { return n.left == nil }

type forestGrower struct {
	window  []models.FeatureVector
	spreads [models.FeatureDims]float64
	limit   int
	rng     *rand.Rand
}

func (g *forestGrower) grow(indices []int, depth int) *isolationNode {
	if len(indices) <= 1 || depth >= g.limit {
		return &isolationNode{size: len(indices)}
	}

	var candidates []int
	var lows, highs, weights [models.FeatureDims]float64
	total := 0.0
	for dim := 0; dim < models.FeatureDims; dim++ {
		lo, hi := g.window[indices[0]][dim], g.window[indices[0]][dim]
		for _, idx := range indices[1:] {
			v := g.window[idx][dim]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi > lo {
			candidates = append(candidates, dim)
			lows[dim], highs[dim] = lo, hi
			weights[dim] = (hi - lo) / g.spreads[dim]
			total += weights[dim]
		}
	}
	if len(candidates) == 0 {
		return &isolationNode{size: len(indices)}
	}

	pick := g.rng.Float64() * total
	dim := candidates[len(candidates)-1]
	for _, c := range candidates {
		if pick < weights[c] {
			dim = c
			break
		}
		pick -= weights[c]
	}
	split := lows[dim] + g.rng.Float64()*(highs[dim]-lows[dim])

	var left, right []int
	for _, idx := range indices {
		if g.window[idx][dim] < split {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationNode{size: len(indices)}
	}

	return &isolationNode{
		dim:   dim,
		split: split,
		left:  g.grow(left, depth+1),
		right: g.grow(right, depth+1),
		size:  len(indices),
	}
}

func (n *isolationNode) pathLength(v models.FeatureVector, depth int) float64 {
	if n.leaf() {
		return float64(depth) + averagePathLength(n.size)
	}
	if v[n.dim] < n.split {
		return n.left.pathLength(v, depth+1)
	}
	return n.right.pathLength(v, depth+1)
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a BST with n keys.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	harmonic := math.Log(float64(n-1)) + 0.5772156649
	return 2*harmonic - 2*float64(n-1)/float64(n)
}

// columnSpread is the median absolute deviation of one dimension, falling
// back to the mean absolute deviation when more than half the values tie.
// It is positive for any column that is not constant.
func columnSpread(window []models.FeatureVector, dim int) float64 {
	center := columnMedian(window, dim)
	deviations := make([]float64, len(window))
	sum := 0.0
	for i, v := range window {
		deviations[i] = math.Abs(v[dim] - center)
		sum += deviations[i]
	}
	if mad := median(deviations); mad > 0 {
		return mad
	}
	if sum > 0 {
		return sum / float64(len(window))
	}
	return 1
}
