package session

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/samber/lo"

	"region-similarity/internal/analysis"
	"region-similarity/internal/earthengine"
	"region-similarity/internal/similarity"
	"region-similarity/internal/spec"
	"region-similarity/internal/variables"
)

// Do submits cmd and waits for its background part.
func (d *Dispatcher) Do(ctx context.Context, cmd Command) error {
	p, err := d.Submit(ctx, cmd)
	if err != nil {
		return err
	}
	return p.Wait(ctx)
}

// Snapshot returns the current view.
func (d *Dispatcher) Snapshot(ctx context.Context) (View, error) {
	v, err := d.read(ctx, func(*State) (any, error) { return d.view(), nil })
	if err != nil {
		return View{}, err
	}
	return v.(View), nil
}

// PrepareSpec captures the session as a spec document. The query region is
// checked first so a reset session reports it.
func (d *Dispatcher) PrepareSpec(ctx context.Context) (*spec.Spec, error) {
	v, err := d.read(ctx, func(st *State) (any, error) {
		if len(st.Query) == 0 {
			return nil, ErrNoQueryRegion
		}
		if len(st.Aliases) == 0 {
			return nil, ErrNoAliases
		}
		s := &spec.Spec{
			Task:      st.Task,
			Aliases:   lo.Map(st.Aliases, func(a *Alias, _ int) string { return a.Spec() }),
			Features:  lo.Map(st.Features, func(f *Feature, _ int) string { return f.Def.String() }),
			Distance:  string(st.Distance),
			LandCover: st.LandCover,
		}
		s.Regions.Query = spec.NewRegion(st.Query)
		s.Regions.Reference = spec.NewRegion(st.Reference)
		s.Regions.NumberOfClusters = st.Clusters
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*spec.Spec), nil
}

type importBase struct {
	query, reference orb.MultiPolygon
	start, end       time.Time
}

// hasPeriod reports whether the session period was set by the user.
func (b importBase) hasPeriod() bool {
	return !b.start.Equal(DefaultDate) || !b.end.Equal(DefaultDate)
}

// ImportSpec rebuilds the session from s: task, regions (falling back to
// the current ones), period, aliases one by one, features, distance and
// land cover. The steps replay into a separate session that replaces the
// current one only when every step succeeded.
func (d *Dispatcher) ImportSpec(ctx context.Context, s *spec.Spec) error {
	if err := s.Validate(); err != nil {
		return err
	}
	var distance similarity.Func
	if s.Distance != "" {
		f, err := similarity.Parse(s.Distance)
		if err != nil {
			return err
		}
		distance = f
	}

	v, err := d.read(ctx, func(st *State) (any, error) {
		return importBase{query: st.Query, reference: st.Reference, start: st.Start, end: st.End}, nil
	})
	if err != nil {
		return err
	}
	base := v.(importBase)

	aliases := make([]spec.Alias, len(s.Aliases))
	for i, raw := range s.Aliases {
		a, err := spec.ParseAlias(raw)
		if err != nil {
			return err
		}
		if (a.Start.IsZero() || a.End.IsZero()) && !base.hasPeriod() {
			return fmt.Errorf("missing period for alias %s and no default period set", a.Name)
		}
		aliases[i] = a
	}

	query := base.query
	if s.Regions.Query != nil {
		query = s.Regions.Query.Polygons
	}
	if len(query) == 0 {
		return ErrNoQueryRegion
	}
	// clustering never reads the reference region
	var reference orb.MultiPolygon
	if s.Task == spec.TaskSearch {
		reference = base.reference
		if s.Regions.Reference != nil {
			reference = s.Regions.Reference.Polygons
		}
		if len(reference) == 0 {
			return ErrNoReferenceRegion
		}
	}

	steps := []Command{SetTask{Task: s.Task}}
	if s.Task == spec.TaskCluster || s.Regions.NumberOfClusters > 0 {
		steps[0] = SetTask{Task: s.Task, Clusters: s.Clusters()}
	}
	steps = append(steps, SetRegion{Kind: RegionQuery, Region: query})
	if len(reference) > 0 {
		steps = append(steps, SetRegion{Kind: RegionReference, Region: reference})
	}
	steps = append(steps, SetPeriod{Start: base.start, End: base.end})
	for _, a := range aliases {
		steps = append(steps, AddAlias{Def: variables.Definition{
			Name:        a.Name,
			Dataset:     a.Dataset,
			Band:        a.Band,
			Aggregation: variables.Aggregation(a.Aggregation),
			Start:       a.Start,
			End:         a.End,
		}})
	}
	for _, f := range s.Features {
		steps = append(steps, AddFeature{Text: f})
	}
	if distance != "" {
		steps = append(steps, SetDistance{Func: distance})
	}
	if s.LandCover != "" {
		steps = append(steps, SetLandCover{Class: s.LandCover})
	}

	st, err := d.replay(ctx, steps)
	if err != nil {
		return err
	}
	return d.Do(ctx, adopt{state: st})
}

// replay applies steps to a fresh session of its own and returns the
// resulting state. The live session is not touched.
func (d *Dispatcher) replay(ctx context.Context, steps []Command) (*State, error) {
	scratch := NewDispatcher(d.engine, Options{
		Logger:        d.logger,
		Messages:      d.msgs,
		Retry:         d.policy,
		MaxConcurrent: d.maxJobs,
		LayerURL:      d.layerURL,
	})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		scratch.Run(runCtx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for _, cmd := range steps {
		if err := scratch.Do(ctx, cmd); err != nil {
			return nil, fmt.Errorf("import failed at %s: %w", cmd.commandName(), err)
		}
	}
	v, err := scratch.read(ctx, func(st *State) (any, error) { return st, nil })
	if err != nil {
		return nil, err
	}
	return v.(*State), nil
}

// ExportSource is what an image export needs from the session.
type ExportSource struct {
	Name   string
	Image  earthengine.Image
	Region orb.MultiPolygon
}

// PrepareExport stacks the feature layers with the current result (the
// per-feature distances or the clusters), reprojected to EPSG:4326.
func (d *Dispatcher) PrepareExport(ctx context.Context, resolution float64) (*ExportSource, error) {
	v, err := d.read(ctx, func(st *State) (any, error) {
		var img earthengine.Image
		switch {
		case st.Search != nil:
			img = earthengine.Cat(st.Search.Stack, st.Search.Distances)
		case st.Clustered != nil:
			stack := lo.Map(st.Features, func(f *Feature, _ int) earthengine.Image { return f.Image })
			img = earthengine.Cat(append(stack, st.Clustered.Clusters.Rename("cluster"))...)
		default:
			return nil, ErrNoResult
		}
		return &ExportSource{
			Name:   st.Task,
			Image:  img.Reproject("EPSG:4326", resolution),
			Region: st.Query,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ExportSource), nil
}

// Inspect reports the per-feature similarity at a map click.
func (d *Dispatcher) Inspect(ctx context.Context, lon, lat float64) ([]analysis.Similarity, error) {
	v, err := d.read(ctx, func(st *State) (any, error) {
		if st.Search == nil {
			return nil, ErrNoSearch
		}
		return st.Search, nil
	})
	if err != nil {
		return nil, err
	}
	return analysis.Inspect(ctx, d.engine, v.(*analysis.SearchResult), earthengine.GeometryFrom(orb.Point{lon, lat}))
}
