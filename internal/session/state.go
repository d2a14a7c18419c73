// Package session owns the analysis session: regions, period, aliases,
// features, options and derived results. State is only touched by the
// Dispatcher goroutine; everything else talks to it through commands.
package session

import (
	"errors"
	"time"

	"github.com/paulmach/orb"
	"github.com/samber/lo"

	"region-similarity/internal/analysis"
	"region-similarity/internal/earthengine"
	"region-similarity/internal/features"
	"region-similarity/internal/similarity"
	"region-similarity/internal/spec"
	"region-similarity/internal/variables"
)

// Phase is derived from what the session holds.
type Phase string

const (
	PhaseEmpty        Phase = "empty"
	PhaseRegionsSet   Phase = "regions_set"
	PhaseVariablesSet Phase = "variables_set"
	PhaseFeaturesSet  Phase = "features_set"
	PhaseSearched     Phase = "searched"
	PhaseClustered    Phase = "clustered"
)

// RegionKind selects which region a command sets.
type RegionKind string

const (
	RegionQuery     RegionKind = "query"
	RegionReference RegionKind = "reference"
)

const (
	DefaultClusters = 3
	MinClusters     = 2
	MaxClusters     = 20
)

// DefaultDate starts and ends a fresh session period.
var DefaultDate = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	ErrNoQueryRegion     = errors.New("no query region set")
	ErrNoReferenceRegion = errors.New("no reference region set")
	ErrNoAliases         = errors.New("no aliases defined")
	ErrRegionAlreadySet  = errors.New("region is already set: reset the session to change it")
	ErrRegionsLocked     = errors.New("regions cannot change once aliases exist: reset the session to change them")
	ErrDuplicateAlias    = errors.New("an alias with this name already exists")
	ErrDuplicateFeature  = errors.New("a feature with this name already exists")
	ErrUnknownFeature    = errors.New("no such feature")
	ErrUnknownAlias      = errors.New("no such alias")
	ErrInvalidPeriod     = errors.New("the end date must not be before the start date")
	ErrInvalidClusters   = errors.New("number of clusters must be between 2 and 20")
	ErrNoResult          = errors.New("no search or clustering result")
	ErrNoSearch          = errors.New("no search result")
	ErrStale             = errors.New("session was reset before the operation finished")
	ErrInputsChanged     = errors.New("analysis inputs changed while it was running")
	ErrShutdown          = errors.New("session is shutting down")
)

// Alias is a committed variable.
type Alias struct {
	Def   variables.Definition
	Image earthengine.Image
	Min   float64
	Max   float64
}

// Spec renders the alias in session spec form.
func (a *Alias) Spec() string {
	return spec.Alias{
		Name:        a.Def.Name,
		Dataset:     a.Def.Dataset,
		Band:        a.Def.Band,
		Start:       a.Def.Start,
		End:         a.Def.End,
		Aggregation: string(a.Def.Aggregation),
	}.String()
}

// Feature is a committed, standardized feature.
type Feature struct {
	Def   features.Definition
	Image earthengine.Image
	Stats features.Stats
	// Refs are the aliases the expression reads.
	Refs []string
}

// LayerKind groups map layers; alias and feature layers may share a name.
type LayerKind string

const (
	LayerAlias   LayerKind = "alias"
	LayerFeature LayerKind = "feature"
	LayerResult  LayerKind = "result"
)

// Layer is a rendered map layer.
type Layer struct {
	Kind  LayerKind
	Name  string
	MapID string
	Vis   earthengine.Visualization
}

// State is the session content. The zero value is not ready; use NewState.
type State struct {
	Query     orb.MultiPolygon
	Reference orb.MultiPolygon
	Start     time.Time
	End       time.Time

	Aliases  []*Alias
	Features []*Feature

	Distance  similarity.Func
	LandCover string
	Task      string
	Clusters  int
	Threshold float64

	Search    *analysis.SearchResult
	Range     *analysis.Range
	Clustered *analysis.ClusterResult

	Layers []Layer

	// inputsRev moves whenever an analysis input changes. A result computed
	// under an older revision is discarded.
	inputsRev uint64

	// building holds alias and feature names whose background build is
	// still running, so a duplicate submit is refused early.
	building map[string]bool
}

// NewState returns the state of a fresh session.
func NewState() *State {
	return &State{
		Start:     DefaultDate,
		End:       DefaultDate,
		Distance:  similarity.Default,
		LandCover: "All",
		Task:      spec.TaskSearch,
		Clusters:  DefaultClusters,
		Threshold: analysis.DefaultThreshold,
		building:  make(map[string]bool),
	}
}

// Phase derives the lifecycle phase.
func (s *State) Phase() Phase {
	switch {
	case s.Search != nil:
		return PhaseSearched
	case s.Clustered != nil:
		return PhaseClustered
	case len(s.Features) > 0:
		return PhaseFeaturesSet
	case len(s.Aliases) > 0:
		return PhaseVariablesSet
	case len(s.Query) > 0:
		return PhaseRegionsSet
	}
	return PhaseEmpty
}

func (s *State) alias(name string) *Alias {
	a, _ := lo.Find(s.Aliases, func(a *Alias) bool { return a.Def.Name == name })
	return a
}

func (s *State) feature(name string) *Feature {
	f, _ := lo.Find(s.Features, func(f *Feature) bool { return f.Def.Name == name })
	return f
}

// aliasImages maps alias names to their layers.
func (s *State) aliasImages() map[string]earthengine.Image {
	return lo.SliceToMap(s.Aliases, func(a *Alias) (string, earthengine.Image) { return a.Def.Name, a.Image })
}

// analysisRegion is Reference ∪ Query, or Query alone.
func (s *State) analysisRegion() earthengine.Geometry {
	q := earthengine.GeometryFrom(s.Query)
	if len(s.Reference) == 0 {
		return q
	}
	return q.Union(earthengine.GeometryFrom(s.Reference))
}

func (s *State) inputs() analysis.Inputs {
	in := analysis.Inputs{
		Features: lo.Map(s.Features, func(f *Feature, _ int) analysis.Layer {
			return analysis.Layer{Name: f.Def.Name, Image: f.Image}
		}),
		Distance:  s.Distance,
		LandCover: s.LandCover,
		Start:     s.Start,
		End:       s.End,
	}
	if len(s.Query) > 0 {
		in.Query = earthengine.GeometryFrom(s.Query)
	}
	if len(s.Reference) > 0 {
		in.Reference = earthengine.GeometryFrom(s.Reference)
	}
	return in
}

// touch records an input change.
func (s *State) touch() { s.inputsRev++ }

// clearResults drops every derived product and its layers. Every caller
// has changed an input, so the revision moves too.
func (s *State) clearResults() {
	s.touch()
	s.Search = nil
	s.Range = nil
	s.Clustered = nil
	s.Layers = lo.Reject(s.Layers, func(l Layer, _ int) bool { return l.Kind == LayerResult })
}

func (s *State) setLayer(l Layer) {
	for i := range s.Layers {
		if s.Layers[i].Kind == l.Kind && s.Layers[i].Name == l.Name {
			s.Layers[i] = l
			return
		}
	}
	s.Layers = append(s.Layers, l)
}

func (s *State) removeLayer(kind LayerKind, name string) {
	s.Layers = lo.Reject(s.Layers, func(l Layer, _ int) bool { return l.Kind == kind && l.Name == name })
}
