package sim

import (
	"fmt"
	"math/rand/v2"
)

// Draw is one logged RNG draw. The ordered log feeds the tick decision trace.
type Draw struct {
	Op    string  `json:"op"`
	Value float64 `json:"value"`
}

// Stream is a seeded random source. Identical seed gives an identical draw
// sequence; every draw is appended to an ordered log.
type Stream struct {
	rng  *rand.Rand
	seed int64
	log  []Draw
}

// NewStream builds a Stream seeded from a single int64.
func NewStream(seed int64) *Stream {
	return &Stream{
		rng:  rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		seed: seed,
	}
}

// Seed returns the seed this stream was built from.
func (s *Stream) Seed() int64 { return s.seed }

// Draws returns the ordered draw log.
func (s *Stream) Draws() []Draw { return s.log }

func (s *Stream) record(op string, v float64) {
	s.log = append(s.log, Draw{Op: op, Value: v})
}

// IntN draws a uniform integer in [0, n).
func (s *Stream) IntN(n int) int {
	v := s.rng.IntN(n)
	s.record(fmt.Sprintf("intn(%d)", n), float64(v))
	return v
}

// Float64 draws a uniform float in [0, 1).
func (s *Stream) Float64() float64 {
	v := s.rng.Float64()
	s.record("float64", v)
	return v
}

// NormFloat64 draws a standard normal variate.
func (s *Stream) NormFloat64() float64 {
	v := s.rng.NormFloat64()
	s.record("norm", v)
	return v
}

// Uniform draws a uniform float in [lo, hi).
func (s *Stream) Uniform(lo, hi float64) float64 {
	v := lo + (hi-lo)*s.rng.Float64()
	s.record(fmt.Sprintf("uniform(%g,%g)", lo, hi), v)
	return v
}

// RollDie draws a die face in [1, sides].
func (s *Stream) RollDie(sides int) int {
	v := s.rng.IntN(sides) + 1
	s.record(fmt.Sprintf("d%d", sides), float64(v))
	return v
}

// Choice draws a uniform index into a slice of length n.
func (s *Stream) Choice(n int) int {
	v := s.rng.IntN(n)
	s.record(fmt.Sprintf("choice(%d)", n), float64(v))
	return v
}
