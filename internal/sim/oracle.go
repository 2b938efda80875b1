package sim

// Card kinds.
const (
	CardCalm   = "calm"
	CardOmen   = "omen"
	CardSeance = "seance"
)

// Card describes one oracle deck entry. Factors default to 1.0 when zero.
type Card struct {
	Kind         string  `json:"kind"`
	Slug         string  `json:"slug"`
	Label        string  `json:"label"`
	Description  string  `json:"description"`
	EnergyFactor float64 `json:"energy_factor,omitempty"`

	RegistrationsFactor float64 `json:"registrations_factor,omitempty"`
	ThreadsFactor       float64 `json:"threads_factor,omitempty"`
	RepliesFactor       float64 `json:"replies_factor,omitempty"`
	DMsFactor           float64 `json:"dms_factor,omitempty"`

	ModerationBonus int `json:"moderation_bonus,omitempty"`
	ReportBonus     int `json:"report_bonus,omitempty"`
	ThreadFloor     int `json:"thread_floor,omitempty"`

	Notes []string `json:"notes,omitempty"`
}

// Specials is the drawn-card descriptor consumed by the orchestrator.
type Specials struct {
	Card    string `json:"card"`
	Omen    bool   `json:"omen"`
	Seance  bool   `json:"seance"`
	Details *Card  `json:"details,omitempty"`
}

var calmCard = Card{
	Kind:         CardCalm,
	Slug:         "calm-drift",
	Label:        "Calm Drift",
	Description:  "The boards hum along without incident.",
	EnergyFactor: 1.0,
}

var omenIncidents = []Card{
	{
		Kind:                CardOmen,
		Slug:                "ddos-barrage",
		Label:               "Hull DDoS Barrage",
		Description:         "The mesh buffers fry; throughput tanks.",
		EnergyFactor:        0.8,
		RegistrationsFactor: 0.35,
		ThreadsFactor:       0.6,
		RepliesFactor:       0.65,
		DMsFactor:           0.8,
		ModerationBonus:     2,
		ReportBonus:         1,
		Notes:               []string{"omen: ddos barrage throttled capacity"},
	},
	{
		Kind:                CardOmen,
		Slug:                "troll-raid",
		Label:               "Troll Raid",
		Description:         "Coordinated outsiders swarm After Hours.",
		EnergyFactor:        1.1,
		RegistrationsFactor: 0.9,
		ThreadsFactor:       1.05,
		RepliesFactor:       1.35,
		DMsFactor:           0.9,
		ModerationBonus:     5,
		ReportBonus:         4,
		Notes:               []string{"omen: troll raid escalated moderation demand"},
	},
	{
		Kind:                CardOmen,
		Slug:                "admin-pranks",
		Label:               "Admin Pranks",
		Description:         "The admin swaps thread titles mid-flight.",
		EnergyFactor:        1.0,
		RegistrationsFactor: 1.15,
		ThreadsFactor:       1.05,
		RepliesFactor:       0.85,
		DMsFactor:           1.6,
		ModerationBonus:     1,
		Notes:               []string{"omen: admin pranks loosened decorum"},
	},
	{
		Kind:                CardOmen,
		Slug:                "moderator-uprising",
		Label:               "Moderator Uprising",
		Description:         "Mods quietly stage a vote of no confidence.",
		EnergyFactor:        0.9,
		RegistrationsFactor: 0.8,
		ThreadsFactor:       0.75,
		RepliesFactor:       0.9,
		DMsFactor:           1.2,
		ModerationBonus:     4,
		ReportBonus:         3,
		Notes:               []string{"omen: moderator uprising strains hierarchy"},
	},
	{
		Kind:                CardOmen,
		Slug:                "waifu-wars",
		Label:               "Waifu Wars",
		Description:         "Factional debates ignite across every board.",
		EnergyFactor:        1.2,
		RegistrationsFactor: 1.05,
		ThreadsFactor:       1.25,
		RepliesFactor:       1.5,
		DMsFactor:           1.1,
		ModerationBonus:     3,
		ReportBonus:         2,
		Notes:               []string{"omen: waifu wars set threads ablaze"},
	},
}

var seanceEvents = []Card{
	{
		Kind:          CardSeance,
		Slug:          "harmony-bloom",
		Label:         "Harmony Bloom",
		Description:   "A soft resonance calms every deck.",
		EnergyFactor:  1.25,
		RepliesFactor: 1.25,
		DMsFactor:     1.15,
		ThreadFloor:   1,
		Notes:         []string{"seance:Harmony Bloom"},
	},
	{
		Kind:          CardSeance,
		Slug:          "salt-howl",
		Label:         "Salt Howl",
		Description:   "Grinding static makes the forum bitter.",
		EnergyFactor:  1.1,
		RepliesFactor: 1.1,
		DMsFactor:     0.8,
		ThreadFloor:   1,
		Notes:         []string{"seance:Salt Howl"},
	},
	{
		Kind:          CardSeance,
		Slug:          "ember-vigil",
		Label:         "Ember Vigil",
		Description:   "A reflective vigil tilts conversations wistful.",
		EnergyFactor:  1.15,
		RepliesFactor: 0.95,
		DMsFactor:     1.3,
		ThreadFloor:   1,
		Notes:         []string{"seance:Ember Vigil"},
	},
	{
		Kind:          CardSeance,
		Slug:          "void-lullaby",
		Label:         "Void Lullaby",
		Description:   "A hollow lull dulls energy across the boards.",
		EnergyFactor:  1.05,
		RepliesFactor: 0.75,
		DMsFactor:     0.6,
		ThreadFloor:   1,
		Notes:         []string{"seance:Void Lullaby"},
	},
	{
		Kind:          CardSeance,
		Slug:          "echo-market",
		Label:         "Echo Market",
		Description:   "Hyperactive trading of omens sparks chatter.",
		EnergyFactor:  1.4,
		RepliesFactor: 1.45,
		DMsFactor:     1.4,
		ThreadFloor:   1,
		Notes:         []string{"seance:Echo Market"},
	},
}

// OmenIncidents returns the omen deck.
func OmenIncidents() []Card { return omenIncidents }

// SeanceEvents returns the seance deck.
func SeanceEvents() []Card { return seanceEvents }

// seanceEnergyGate is the minimum energy_prime for a seance to be eligible.
// Consecutive seance-free ticks lower it, never below 8.
func seanceEnergyGate(seanceStreak int) int {
	gate := 12 - seanceStreak/3
	if gate < 8 {
		gate = 8
	}
	return gate
}

// DrawCard draws one weighted card from the deck. Executes before the
// allocator so a special can adjust energy and category counts. Streaks of
// special-free ticks raise the special weights, bounded at +20 (omen) and
// +20 (seance).
func DrawCard(s *Stream, energyPrime int, ctx Context, tuning Tuning) Specials {
	calmW := tuning.CalmWeight
	omenW := tuning.OmenWeight + min(ctx.OmenStreak, 20)
	seanceW := tuning.SeanceWeight + 2*min(ctx.SeanceStreak, 10)

	// A seance needs enough adjusted energy; below the gate its weight
	// folds back into calm.
	if energyPrime < seanceEnergyGate(ctx.SeanceStreak) {
		calmW += seanceW
		seanceW = 0
	}

	total := calmW + omenW + seanceW
	if total <= 0 {
		return Specials{Card: calmCard.Slug, Details: &calmCard}
	}

	pick := s.IntN(total)
	switch {
	case pick < calmW:
		card := calmCard
		return Specials{Card: card.Slug, Details: &card}
	case pick < calmW+omenW:
		card := omenIncidents[s.Choice(len(omenIncidents))]
		return Specials{Card: card.Slug, Omen: true, Details: &card}
	default:
		card := seanceEvents[s.Choice(len(seanceEvents))]
		return Specials{Card: card.Slug, Seance: true, Details: &card}
	}
}

// ApplyEnergyFactor scales energy_prime by the drawn card's factor.
func ApplyEnergyFactor(energyPrime int, sp Specials) int {
	if sp.Details == nil || sp.Details.EnergyFactor == 0 {
		return energyPrime
	}
	scaled := int(float64(energyPrime)*sp.Details.EnergyFactor + 0.5)
	if scaled < 0 {
		scaled = 0
	}
	return scaled
}
