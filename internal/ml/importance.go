package ml

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// FeatureScore is the permutation importance of one model input.
type FeatureScore struct {
	Name string `json:"name"`
	// Score is the increase in mean absolute error when the input is
	// shuffled across rows. Negative increases are reported as zero.
	Score float64 `json:"score"`
}

// PermutationImportance measures how much model relies on each input column
// by shuffling that column and comparing the error against the unshuffled
// baseline. Scores are sorted highest first; ties keep input order.
func PermutationImportance(model Regressor, rows [][]float64, actual []float64, names []string, seed uint64) ([]FeatureScore, error) {
	if len(rows) == 0 || len(rows) != len(actual) {
		return nil, fmt.Errorf("need matching non-empty rows and targets, got %d and %d", len(rows), len(actual))
	}
	if len(rows[0]) != len(names) {
		return nil, fmt.Errorf("expected %d input names, got %d", len(rows[0]), len(names))
	}

	baseline, err := errorOn(model, rows, actual)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(seed, uint64(len(rows))))
	permuted := make([][]float64, len(rows))
	for i := range rows {
		permuted[i] = make([]float64, len(rows[i]))
	}

	scores := make([]FeatureScore, len(names))
	for col, name := range names {
		for i := range rows {
			copy(permuted[i], rows[i])
		}
		perm := rng.Perm(len(rows))
		for i, j := range perm {
			permuted[i][col] = rows[j][col]
		}

		shuffled, err := errorOn(model, permuted, actual)
		if err != nil {
			return nil, err
		}
		scores[col] = FeatureScore{Name: name, Score: max(0, shuffled-baseline)}
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return scores, nil
}

// TopFeatures returns the names of the n highest scoring inputs.
func TopFeatures(scores []FeatureScore, n int) []string {
	n = min(n, len(scores))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = scores[i].Name
	}
	return out
}

func errorOn(model Regressor, rows [][]float64, actual []float64) (float64, error) {
	predicted := make([]float64, len(rows))
	for i, row := range rows {
		p, err := model.Predict(row)
		if err != nil {
			return 0, err
		}
		predicted[i] = p
	}
	return MeanAbsoluteError(predicted, actual), nil
}
