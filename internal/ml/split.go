package ml

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat"
)

// TrainTestSplit shuffles 0..n-1 with a fixed seed and holds out
// ceil(testFraction*n) indices for testing.
func TrainTestSplit(n int, testFraction float64, seed uint64) (train, test []int, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("test fraction must be in (0,1), got %f", testFraction)
	}

	nTest := int(math.Ceil(testFraction * float64(n)))
	if nTest < 1 || n-nTest < 1 {
		return nil, nil, fmt.Errorf("cannot split %d samples with test fraction %f", n, testFraction)
	}

	rng := rand.New(rand.NewPCG(seed, seed))
	perm := rng.Perm(n)
	return perm[nTest:], perm[:nTest], nil
}

// MeanAbsoluteError returns mean |predicted - actual|.
func MeanAbsoluteError(predicted, actual []float64) float64 {
	if len(predicted) == 0 {
		return 0
	}
	var sum float64
	for i := range predicted {
		sum += math.Abs(predicted[i] - actual[i])
	}
	return sum / float64(len(predicted))
}

// RSquared returns the coefficient of determination. When the actual values
// are constant it returns 1 for a perfect fit and 0 otherwise.
func RSquared(predicted, actual []float64) float64 {
	if len(predicted) == 0 {
		return 0
	}

	r2 := stat.RSquaredFrom(predicted, actual, nil)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		for i := range predicted {
			if predicted[i] != actual[i] {
				return 0
			}
		}
		return 1
	}
	return r2
}
