package probability

import "math"

// NormalCDF is the standard normal cumulative distribution function Φ(x).
// It is exact at ±Inf, so open-ended brackets need no special casing.
func NormalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// NormalQuantile is the inverse of NormalCDF for p in (0, 1).
func NormalQuantile(p float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*p-1)
}

// IntervalProbability returns P(lower <= X < upper) for X ~ N(mu, sigma²).
func IntervalProbability(lower, upper, mu, sigma float64) float64 {
	p := NormalCDF((upper-mu)/sigma) - NormalCDF((lower-mu)/sigma)
	if p < 0 {
		return 0
	}
	return p
}
