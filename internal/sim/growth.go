package sim

import "math"

const (
	regBaseline   = 0.3
	regSqrtFactor = 0.8

	// defaultGrowthRate is the neutral growth coefficient; configured rates
	// scale registrations relative to it.
	defaultGrowthRate = 0.05
)

// EnergyMultiplier maps the adjusted energy band to a discrete multiplier.
func EnergyMultiplier(energyPrime int) float64 {
	switch {
	case energyPrime <= 2:
		return 0.2
	case energyPrime <= 5:
		return 0.6
	case energyPrime <= 9:
		return 1.0
	case energyPrime <= 14:
		return 1.5
	default:
		return 2.5
	}
}

// GrowthDelta computes logistic growth for the population, clamped to
// [0, capacity-current].
func GrowthDelta(current, capacity int, multiplier float64) int {
	if capacity <= 0 || current < 0 {
		return 0
	}
	delta := int(math.Round(multiplier * float64(current) * (1 - float64(current)/float64(capacity))))
	if delta < 0 {
		delta = 0
	}
	if room := capacity - current; delta > room {
		delta = max(room, 0)
	}
	return delta
}

// RegistrationCount computes new registrations for a tick: the logistic
// growth delta at the configured rate plus a sqrt-shaped baseline with
// stochastic noise, so a young forum still grows before the logistic term
// kicks in. Always within [0, capacity-current].
func RegistrationCount(energyPrime, current, capacity int, growthRate float64, s *Stream) int {
	if growthRate <= 0 {
		growthRate = defaultGrowthRate
	}
	multiplier := EnergyMultiplier(energyPrime)
	logistic := GrowthDelta(current, capacity, growthRate*multiplier)

	rootTerm := math.Sqrt(math.Max(float64(current), 0))
	carrying := 1.0
	if capacity > 0 {
		carrying = math.Max(1-float64(current)/float64(capacity), 0)
	}
	baseline := regBaseline + regSqrtFactor*rootTerm
	noise := s.NormFloat64() * 0.5
	scale := growthRate / defaultGrowthRate
	regs := logistic + int(math.Round(multiplier*scale*baseline*carrying+noise))
	if regs < 0 {
		regs = 0
	}
	if capacity > 0 {
		if room := capacity - current; regs > room {
			regs = max(room, 0)
		}
	}
	return regs
}
