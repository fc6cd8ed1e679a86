package models

// FeatureVector is an ordered mapping from feature name to value. The order
// and length are fixed per pipeline configuration, so vectors from the same
// pipeline are always positionally comparable.
type FeatureVector struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
}

// Len returns the number of features
func (fv FeatureVector) Len() int {
	return len(fv.Values)
}

// Get looks up a feature by name. The boolean is false if the feature
// does not exist.
func (fv FeatureVector) Get(name string) (float64, bool) {
	for i, n := range fv.Names {
		if n == name {
			return fv.Values[i], true
		}
	}
	return 0, false
}

// FeatureContribution ranks how much a single feature moved a model's
// prediction for one sample
type FeatureContribution struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}
