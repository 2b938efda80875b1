package sim

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// EnergyProfile holds the random energy data for a single tick.
type EnergyProfile struct {
	Rolls       []int `json:"rolls"`
	Energy      int   `json:"energy"`
	EnergyPrime int   `json:"energy_prime"`
}

// RollExplodingD6 returns the individual rolls from an exploding d6 sequence.
// A 6 explodes (re-roll, sum) at most explosionCap times so the sequence
// always terminates.
func RollExplodingD6(s *Stream, explosionCap int) []int {
	var rolls []int
	explosions := 0
	for {
		roll := s.RollDie(6)
		rolls = append(rolls, roll)
		if roll < 6 {
			break
		}
		explosions++
		if explosions >= explosionCap {
			break
		}
	}
	return rolls
}

// Modulate applies daily sinusoidal modulation to the base energy value.
func Modulate(energy int, moment time.Time) int {
	hour := float64(moment.Hour()) + float64(moment.Minute())/60.0
	modulation := 1.0 + 0.3*math.Sin(2*math.Pi*hour/24.0)
	return int(math.Round(float64(energy) * modulation))
}

// BuildEnergyProfile produces the rolls, raw sum, and modulated sum for a
// tick. diceCount dice are rolled, each with its own explosion chain.
func BuildEnergyProfile(s *Stream, moment time.Time, diceCount, explosionCap int) EnergyProfile {
	if diceCount <= 0 {
		diceCount = 1
	}
	var rolls []int
	for i := 0; i < diceCount; i++ {
		rolls = append(rolls, RollExplodingD6(s, explosionCap)...)
	}
	energy := 0
	for _, r := range rolls {
		energy += r
	}
	return EnergyProfile{
		Rolls:       rolls,
		Energy:      energy,
		EnergyPrime: Modulate(energy, moment),
	}
}

// DescribeRolls returns a compact string for logging.
func DescribeRolls(rolls []int) string {
	parts := make([]string, len(rolls))
	for i, r := range rolls {
		parts[i] = strconv.Itoa(r)
	}
	return strings.Join(parts, "+")
}
