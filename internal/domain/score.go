package domain

import "math"

// RunningScore folds category results into a weighted mean as they land.
type RunningScore struct {
	weightedSum float64
	totalWeight float64
	count       int
}

// Add folds one category score in.
func (r *RunningScore) Add(score, weight int) {
	r.weightedSum += float64(score * weight)
	r.totalWeight += float64(weight)
	r.count++
}

// Value is round(Σ score·weight / Σ weight) over everything added so far.
func (r *RunningScore) Value() int {
	if r.totalWeight == 0 {
		return 0
	}
	return int(math.Round(r.weightedSum / r.totalWeight))
}

// Count is the number of categories folded in.
func (r *RunningScore) Count() int { return r.count }

// OverallScore computes the weighted mean of scores in one pass.
func OverallScore(scores []CategoryScore) int {
	var r RunningScore
	for _, s := range scores {
		r.Add(s.Score, s.Weight)
	}
	return r.Value()
}
