package tick

import (
	"fmt"

	"github.com/hollowmesh/ghostship/internal/sim"
)

var handlePrefixes = []string{
	"vex", "noct", "ember", "static", "hollow", "brine", "quartz", "drift",
	"cinder", "lumen", "fathom", "rook", "sable", "gale", "mirth", "ash",
}

var handleSuffixes = []string{
	"warden", "signal", "harbor", "lark", "gutter", "anchor", "relay",
	"vesper", "cairn", "spool", "tidings", "marrow", "pike", "echo",
}

var personas = []string{
	"keeps a running log of every outage and quotes it at people",
	"night-shift lurker who only posts between maintenance windows",
	"self-appointed historian of deleted threads",
	"relentlessly upbeat about salvage runs going wrong",
	"argues about relay firmware like it is a moral question",
	"writes two-line posts and never explains them",
	"collects rumors about the admin and trades them in DMs",
	"treats every thread as a chance to plug their mixtape",
	"quietly fixes other people's formatting and says nothing",
	"paranoid about the mesh listening in, posts anyway",
}

var titleLeads = []string{
	"signal loss", "strange hum", "salvage report", "open question",
	"unconfirmed sighting", "maintenance notes", "petition", "hot take",
	"lost and found", "late-night theory",
}

var titleTails = []string{
	"on deck seven", "near the aft relay", "in the cargo mesh",
	"after the last patch", "nobody will explain", "again, somehow",
	"before the next cycle", "from the long-range array",
	"that the mods keep burying", "for the morning crowd",
}

// handleFor draws a forum handle from the stream. The numeric tail keeps
// collisions rare; callers still verify against the store.
func handleFor(s *sim.Stream) string {
	prefix := handlePrefixes[s.Choice(len(handlePrefixes))]
	suffix := handleSuffixes[s.Choice(len(handleSuffixes))]
	return fmt.Sprintf("%s-%s-%03d", prefix, suffix, s.IntN(1000))
}

func personaFor(s *sim.Stream) string {
	return personas[s.Choice(len(personas))]
}

func titleFor(s *sim.Stream) string {
	lead := titleLeads[s.Choice(len(titleLeads))]
	tail := titleTails[s.Choice(len(titleTails))]
	return lead + " " + tail
}
