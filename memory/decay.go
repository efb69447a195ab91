package memory

import "math"

// Decay returns 0.5^(ageHours/halfLifeHours). Negative ages count as zero;
// a non-positive half-life disables decay.
func Decay(ageHours, halfLifeHours float64) float64 {
	if ageHours < 0 {
		ageHours = 0
	}
	if halfLifeHours <= 0 {
		return 1.0
	}
	return math.Pow(0.5, ageHours/halfLifeHours)
}

// BlendSimilarity mixes raw similarity with decay:
// (1-recencyWeight)*raw + recencyWeight*decay.
func BlendSimilarity(raw, decay, recencyWeight float64) float64 {
	return (1-recencyWeight)*raw + recencyWeight*decay
}
