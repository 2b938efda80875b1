package sim

import "math"

// Poisson samples from a Poisson distribution using Knuth's algorithm.
func Poisson(lam float64, s *Stream) int {
	if lam <= 0 {
		return 0
	}
	l := math.Exp(-lam)
	k := 0
	p := 1.0
	for p > l {
		k++
		p *= s.Float64()
	}
	return k - 1
}

// Binomial samples from a Binomial(n, p) distribution.
func Binomial(n int, p float64, s *Stream) int {
	if n <= 0 || p <= 0 {
		return 0
	}
	if p >= 1 {
		return n
	}
	successes := 0
	for i := 0; i < n; i++ {
		if s.Float64() < p {
			successes++
		}
	}
	return successes
}

// Geometric returns the number of failures before the first success for
// parameter p.
func Geometric(p float64, s *Stream) int {
	if p <= 0 || p >= 1 {
		return 0
	}
	count := 0
	for s.Float64() >= p {
		count++
	}
	return count
}
