package session

import (
	"time"

	"github.com/paulmach/orb"

	"region-similarity/internal/similarity"
	"region-similarity/internal/variables"
)

// Command is a typed request applied by the Dispatcher.
type Command interface {
	commandName() string
}

// SetRegion sets the query or reference region. Each may be set once per
// session.
type SetRegion struct {
	Kind   RegionKind
	Region orb.MultiPolygon
}

// SetPeriod sets the default time window of new aliases.
type SetPeriod struct {
	Start time.Time
	End   time.Time
}

// AddAlias builds and commits a variable in the background.
type AddAlias struct {
	Def variables.Definition
}

// RemoveAlias drops an alias and every feature reading it.
type RemoveAlias struct {
	Name string
}

// AddFeature parses, standardizes and commits a feature.
type AddFeature struct {
	Text string
}

type RemoveFeature struct {
	Name string
}

type SetDistance struct {
	Func similarity.Func
}

// SetLandCover restricts results to one land cover class, or "All".
type SetLandCover struct {
	Class string
}

// SetTask switches between search and cluster. A non-zero Clusters must be
// in [2, 20]; it is kept for search too so a later switch reuses it.
type SetTask struct {
	Task     string
	Clusters int
}

// SetThreshold moves the similarity threshold and re-renders its layer
// when a search result exists.
type SetThreshold struct {
	Value float64
}

// Execute runs the current task. Without features, every alias becomes a
// passthrough feature first.
type Execute struct{}

// Reset returns the session to empty.
type Reset struct{}

// adopt replaces the whole session with a state built elsewhere.
type adopt struct {
	state *State
}

func (SetRegion) commandName() string     { return "set region" }
func (SetPeriod) commandName() string     { return "set period" }
func (AddAlias) commandName() string      { return "add alias" }
func (RemoveAlias) commandName() string   { return "remove alias" }
func (AddFeature) commandName() string    { return "add feature" }
func (RemoveFeature) commandName() string { return "remove feature" }
func (SetDistance) commandName() string   { return "set distance" }
func (SetLandCover) commandName() string  { return "set land cover" }
func (SetTask) commandName() string       { return "set task" }
func (SetThreshold) commandName() string  { return "set threshold" }
func (Execute) commandName() string       { return "execute" }
func (Reset) commandName() string         { return "reset" }
func (adopt) commandName() string         { return "adopt" }
