package ml

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// ForestParams controls random forest complexity.
type ForestParams struct {
	Estimators      int    `json:"estimators"`
	MaxDepth        int    `json:"max_depth"`
	MinSamplesSplit int    `json:"min_samples_split"`
	MinSamplesLeaf  int    `json:"min_samples_leaf"`
	Seed            uint64 `json:"seed"`
}

// ParamsForSamples scales forest complexity with the segment sample count n.
func ParamsForSamples(n int, seed uint64) ForestParams {
	return ForestParams{
		Estimators:      min(100, max(10, n/5)),
		MaxDepth:        min(15, max(3, n/10)),
		MinSamplesSplit: max(2, n/20),
		MinSamplesLeaf:  max(1, n/30),
		Seed:            seed,
	}
}

// Validate checks the parameters are usable.
func (p ForestParams) Validate() error {
	if p.Estimators <= 0 {
		return fmt.Errorf("estimators must be positive, got %d", p.Estimators)
	}
	if p.MaxDepth <= 0 {
		return fmt.Errorf("max depth must be positive, got %d", p.MaxDepth)
	}
	if p.MinSamplesSplit < 2 {
		return fmt.Errorf("min samples to split must be at least 2, got %d", p.MinSamplesSplit)
	}
	if p.MinSamplesLeaf < 1 {
		return fmt.Errorf("min samples per leaf must be at least 1, got %d", p.MinSamplesLeaf)
	}
	return nil
}

// Forest is a bagged ensemble of regression trees. The prediction is the mean
// of the tree predictions.
type Forest struct {
	Params ForestParams `json:"params"`
	Width  int          `json:"width"`
	Trees  []Tree       `json:"trees"`
}

// Tree is a regression tree stored as a flat node list; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is a split when Left >= 0, otherwise a leaf carrying Value.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
}

// FitForest grows params.Estimators trees, each on a bootstrap sample drawn
// from a generator seeded with params.Seed and the tree index.
func FitForest(rows [][]float64, y []float64, params ForestParams) (*Forest, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows) != len(y) {
		return nil, fmt.Errorf("forest fit needs matching non-empty rows and targets, got %d rows and %d targets", len(rows), len(y))
	}

	f := &Forest{
		Params: params,
		Width:  len(rows[0]),
		Trees:  make([]Tree, params.Estimators),
	}

	n := len(rows)
	for t := range f.Trees {
		rng := rand.New(rand.NewPCG(params.Seed, uint64(t)))
		sample := make([]int, n)
		for i := range sample {
			sample[i] = rng.IntN(n)
		}

		b := treeBuilder{rows: rows, y: y, params: params}
		b.grow(sample, 0)
		f.Trees[t] = Tree{Nodes: b.nodes}
	}

	return f, nil
}

// Predict averages the tree predictions for a scaled row.
func (f *Forest) Predict(x []float64) (float64, error) {
	if len(x) != f.Width {
		return 0, fmt.Errorf("expected %d features, got %d", f.Width, len(x))
	}
	if len(f.Trees) == 0 {
		return 0, fmt.Errorf("forest has no trees")
	}

	var sum float64
	for i := range f.Trees {
		v, err := f.Trees[i].predict(x)
		if err != nil {
			return 0, fmt.Errorf("tree %d: %w", i, err)
		}
		sum += v
	}
	return sum / float64(len(f.Trees)), nil
}

func (t *Tree) predict(x []float64) (float64, error) {
	if len(t.Nodes) == 0 {
		return 0, fmt.Errorf("empty tree")
	}

	i := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		node := t.Nodes[i]
		if node.Left < 0 {
			return node.Value, nil
		}
		if x[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
		if i <= 0 || i >= len(t.Nodes) {
			return 0, fmt.Errorf("corrupt tree: child index %d out of range", i)
		}
	}
	return 0, fmt.Errorf("corrupt tree: cycle detected")
}

type treeBuilder struct {
	rows   [][]float64
	y      []float64
	params ForestParams
	nodes  []Node
}

type split struct {
	feature   int
	threshold float64
	pos       int
	gain      float64
}

// grow appends the subtree for idx and returns its node index.
func (b *treeBuilder) grow(idx []int, depth int) int {
	self := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Value: b.meanOf(idx)})

	if depth >= b.params.MaxDepth || len(idx) < b.params.MinSamplesSplit || len(idx) < 2*b.params.MinSamplesLeaf {
		return self
	}

	best, ok := b.bestSplit(idx)
	if !ok {
		return self
	}

	ordered := make([]int, len(idx))
	copy(ordered, idx)
	b.sortBy(ordered, best.feature)

	left := b.grow(ordered[:best.pos], depth+1)
	right := b.grow(ordered[best.pos:], depth+1)

	b.nodes[self].Feature = best.feature
	b.nodes[self].Threshold = best.threshold
	b.nodes[self].Left = left
	b.nodes[self].Right = right
	return self
}

// bestSplit finds the variance-reducing split with the largest gain, honouring
// the minimum leaf size. Ties keep the lowest feature index and position.
func (b *treeBuilder) bestSplit(idx []int) (split, bool) {
	n := len(idx)
	minLeaf := b.params.MinSamplesLeaf

	var total, totalSq float64
	for _, i := range idx {
		total += b.y[i]
		totalSq += b.y[i] * b.y[i]
	}
	parentSSE := totalSq - total*total/float64(n)
	if parentSSE <= 0 {
		return split{}, false
	}

	best := split{gain: 0}
	found := false
	ordered := make([]int, n)

	for feature := range b.rows[idx[0]] {
		copy(ordered, idx)
		b.sortBy(ordered, feature)

		var leftSum, leftSq float64
		for pos := 1; pos < n; pos++ {
			prev := ordered[pos-1]
			leftSum += b.y[prev]
			leftSq += b.y[prev] * b.y[prev]

			if pos < minLeaf || n-pos < minLeaf {
				continue
			}
			lo, hi := b.rows[prev][feature], b.rows[ordered[pos]][feature]
			if hi <= lo {
				continue
			}

			rightSum := total - leftSum
			rightSq := totalSq - leftSq
			sse := (leftSq - leftSum*leftSum/float64(pos)) + (rightSq - rightSum*rightSum/float64(n-pos))
			gain := parentSSE - sse
			if gain > best.gain+1e-12*parentSSE {
				threshold := lo + (hi-lo)/2
				if threshold >= hi {
					threshold = lo
				}
				best = split{feature: feature, threshold: threshold, pos: pos, gain: gain}
				found = true
			}
		}
	}

	return best, found
}

func (b *treeBuilder) sortBy(idx []int, feature int) {
	sort.SliceStable(idx, func(i, j int) bool {
		return b.rows[idx[i]][feature] < b.rows[idx[j]][feature]
	})
}

func (b *treeBuilder) meanOf(idx []int) float64 {
	var sum float64
	for _, i := range idx {
		sum += b.y[i]
	}
	return sum / float64(len(idx))
}
