package skill

import (
	"math"
	"time"
)

// Category is a trivia question category. The four categories double as the
// first four dimensions of a player's skill vector, in this order.
type Category string

const (
	CategoryScience Category = "science"
	CategoryHistory Category = "history"
	CategorySports  Category = "sports"
	CategoryArts    Category = "arts"
)

// Categories lists all categories in canonical vector order.
var Categories = [4]Category{CategoryScience, CategoryHistory, CategorySports, CategoryArts}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// Vector is a 5-dimensional skill vector: per-category answer accuracy in
// percent (0-100) followed by the normalized trophy dimension.
type Vector [5]float64

const (
	// TrophyNorm is the trophy count that maps to 100 on the trophy axis.
	TrophyNorm = 1000.0

	thresholdBase      = 10.0
	thresholdStep      = 5.0
	thresholdStepEvery = 10 * time.Second
	thresholdMax       = 30.0
)

// FromProfile computes a skill vector from per-category accuracy (0-100)
// and the player's lifetime trophy count.
func FromProfile(accuracy map[Category]float64, trophies int) Vector {
	var v Vector
	for i, c := range Categories {
		v[i] = clamp(accuracy[c], 0, 100)
	}
	v[4] = clamp(float64(trophies)/TrophyNorm*100, 0, 100)
	return v
}

// Distance is the Euclidean distance between two skill vectors.
func Distance(a, b Vector) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// ThresholdAt returns the match-acceptance distance for a player who has
// waited the given duration. The threshold widens in discrete steps so a
// repeated poll with the same wait bucket sees the same value.
func ThresholdAt(wait time.Duration) float64 {
	if wait < 0 {
		wait = 0
	}
	steps := float64(wait / thresholdStepEvery)
	t := thresholdBase + steps*thresholdStep
	if t > thresholdMax {
		return thresholdMax
	}
	return t
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
