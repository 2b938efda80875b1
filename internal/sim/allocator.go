package sim

import "math"

// Tuning holds the configurable constants of the allocation pipeline.
type Tuning struct {
	Capacity     int
	GrowthRate   float64
	DiceCount    int
	ExplosionCap int

	CalmWeight   int
	OmenWeight   int
	SeanceWeight int

	// ActionWeights scale each category's distribution parameter.
	// Missing categories default to 1.0.
	ActionWeights map[string]float64
}

// DefaultTuning returns the production defaults.
func DefaultTuning() Tuning {
	return Tuning{
		Capacity:     10000,
		GrowthRate:   0.05,
		DiceCount:    2,
		ExplosionCap: 10,
		CalmWeight:   87,
		OmenWeight:   5,
		SeanceWeight: 8,
	}
}

func (t Tuning) weight(category string) float64 {
	if w, ok := t.ActionWeights[category]; ok && w > 0 {
		return w
	}
	return 1.0
}

// Context carries the forum state the allocator reads.
type Context struct {
	AgentCount    int
	ActiveThreads int
	AvgHeat       float64
	OmenStreak    int
	SeanceStreak  int
}

// Allocation holds the per-category action counts for a tick.
type Allocation struct {
	Registrations int      `json:"registrations"`
	Threads       int      `json:"threads"`
	Replies       int      `json:"replies"`
	DMs           int      `json:"dms"`
	Reports       int      `json:"reports"`
	Moderation    int      `json:"moderation"`
	Notes         []string `json:"notes,omitempty"`
}

// Counts returns the allocation as a category map for the tick record.
func (a Allocation) Counts() map[string]int {
	return map[string]int{
		"registrations": a.Registrations,
		"threads":       a.Threads,
		"replies":       a.Replies,
		"dms":           a.DMs,
		"reports":       a.Reports,
		"moderation":    a.Moderation,
	}
}

func scaleCount(n int, factor float64) int {
	if factor == 0 {
		return n
	}
	scaled := int(math.Round(float64(n) * factor))
	if scaled < 0 {
		scaled = 0
	}
	return scaled
}

// Allocate converts adjusted energy and forum context into per-category
// action counts. Categories are sampled in a fixed order (registrations,
// threads, replies, dms, reports, moderation) so identical seeds give
// identical allocations. The drawn card adjusts the result afterwards.
func Allocate(energyPrime int, ctx Context, s *Stream, sp Specials, tuning Tuning) Allocation {
	if energyPrime < 0 {
		energyPrime = 0
	}
	agents := max(ctx.AgentCount, 1)
	agentPressure := math.Max(1.2, math.Log1p(float64(agents)))
	heatPressure := 1.0 + math.Min(ctx.AvgHeat/5.0, 2.0)
	e := float64(energyPrime)

	regs := RegistrationCount(energyPrime, agents, tuning.Capacity, tuning.GrowthRate, s)

	threadLambda := tuning.weight("threads") * heatPressure *
		(0.35*e + 0.5*agentPressure + 0.05*float64(ctx.ActiveThreads))
	threads := Poisson(threadLambda, s)
	if energyPrime >= 6 && threads == 0 {
		threads = 1
	}

	// Replies draw from a bounded pool of (energy x active threads) trials.
	trials := energyPrime * (ctx.ActiveThreads + 2)
	if trials > 400 {
		trials = 400
	}
	replyP := math.Min(0.95, 0.12*heatPressure*tuning.weight("replies"))
	replies := Binomial(trials, replyP, s)

	dmLambda := tuning.weight("dms") * (0.9*e + 1.4*agentPressure + 0.06*float64(replies))
	dms := Poisson(dmLambda, s)

	// Reports arrive as the failure gap before a quiet stretch.
	reportP := 1.0 / (1.0 + tuning.weight("reports")*(0.05*e+0.1*agentPressure))
	reports := Geometric(reportP, s)

	modLambda := tuning.weight("moderation") * math.Max(0.05,
		0.02*agentPressure+0.04*math.Sqrt(e+1))
	moderation := Poisson(modLambda, s)

	alloc := Allocation{
		Registrations: regs,
		Threads:       threads,
		Replies:       replies,
		DMs:           dms,
		Reports:       reports,
		Moderation:    moderation,
	}

	if sp.Seance && sp.Details != nil {
		card := sp.Details
		if alloc.Threads < card.ThreadFloor {
			alloc.Threads = card.ThreadFloor
		}
		alloc.Replies = scaleCount(alloc.Replies, card.RepliesFactor)
		alloc.DMs = scaleCount(alloc.DMs, card.DMsFactor)
		if alloc.Moderation < 1 {
			alloc.Moderation = 1
		}
		alloc.Notes = append(alloc.Notes, card.Notes...)
	}

	if sp.Omen && sp.Details != nil {
		card := sp.Details
		alloc.Registrations = scaleCount(alloc.Registrations, card.RegistrationsFactor)
		alloc.Threads = scaleCount(alloc.Threads, card.ThreadsFactor)
		alloc.Replies = scaleCount(alloc.Replies, card.RepliesFactor)
		alloc.DMs = scaleCount(alloc.DMs, card.DMsFactor)
		alloc.Moderation += card.ModerationBonus
		alloc.Reports += card.ReportBonus
		if len(card.Notes) > 0 {
			alloc.Notes = append(alloc.Notes, card.Notes...)
		} else {
			alloc.Notes = append(alloc.Notes, "omen: anomalies recorded")
		}
	}

	return alloc
}
