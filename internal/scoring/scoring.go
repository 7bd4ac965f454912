// Package scoring ranks candidate technicians by a weighted composite score.
package scoring

import (
	"sort"

	"github.com/example/technician-matching/internal/models"
)

const (
	distanceReferenceKm = 10.0
	ratingScale         = 5.0
	experienceReference = 100.0
)

// Weights are fixed; a factor missing from the requested set contributes zero.
var Weights = map[models.Factor]float64{
	models.FactorDistance:   0.6,
	models.FactorRating:     0.3,
	models.FactorExperience: 0.1,
}

// Score returns the composite score of c for the given factors. The sum is
// not renormalised when only a subset of factors is selected.
func Score(c models.Candidate, factors []models.Factor) float64 {
	total := 0.0
	for _, f := range factors {
		total += Weights[f] * component(c, f)
	}
	return total
}

func component(c models.Candidate, f models.Factor) float64 {
	switch f {
	case models.FactorDistance:
		return clamp(1-c.DistanceKm/distanceReferenceKm, 0, 1)
	case models.FactorRating:
		return c.Rating / ratingScale
	case models.FactorExperience:
		return min(float64(c.CompletedJobs)/experienceReference, 1)
	}
	return 0
}

// Rank returns a copy of candidates sorted by descending score, each with its
// Score filled in. Ties keep their input order. The input slice is not modified.
func Rank(candidates []models.Candidate, factors []models.Factor) []models.Candidate {
	out := make([]models.Candidate, len(candidates))
	for i, c := range candidates {
		c.Score = Score(c, factors)
		out[i] = c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
