package ml

import (
	"fmt"
	"sort"
)

// CategoryEncoder maps category labels seen during training to ordinal codes.
// Codes follow the sorted order of the labels. A label that was never seen
// during training encodes to Neutral, the mean training code, which
// standardises to zero with a scaler fitted on the same rows.
type CategoryEncoder struct {
	Classes []string `json:"classes"`
	Neutral float64  `json:"neutral"`
}

// FitEncoder learns the label set and neutral code from training values.
func FitEncoder(values []string) (*CategoryEncoder, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("cannot fit encoder on empty data")
	}

	seen := make(map[string]struct{})
	for _, v := range values {
		seen[v] = struct{}{}
	}

	classes := make([]string, 0, len(seen))
	for v := range seen {
		classes = append(classes, v)
	}
	sort.Strings(classes)

	e := &CategoryEncoder{Classes: classes}

	var sum float64
	for _, v := range values {
		code, _ := e.Encode(v)
		sum += code
	}
	e.Neutral = sum / float64(len(values))

	return e, nil
}

// Encode returns the code for label and whether the label was seen in training.
func (e *CategoryEncoder) Encode(label string) (float64, bool) {
	i := sort.SearchStrings(e.Classes, label)
	if i < len(e.Classes) && e.Classes[i] == label {
		return float64(i), true
	}
	return e.Neutral, false
}
