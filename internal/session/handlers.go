package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"region-similarity/internal/analysis"
	"region-similarity/internal/earthengine"
	"region-similarity/internal/features"
	"region-similarity/internal/geo"
	"region-similarity/internal/similarity"
	"region-similarity/internal/spec"
	"region-similarity/internal/variables"
)

// aliasPalette is the grey ramp of raw alias layers.
var aliasPalette = []string{"000000", "FFFFFF"}

// apply runs the synchronous part of cmd against the state. A non-nil job
// continues in the background.
func (d *Dispatcher) apply(cmd Command) (*job, error) {
	st := d.state
	switch c := cmd.(type) {
	case SetRegion:
		return nil, d.setRegion(st, c)

	case SetPeriod:
		if c.Start.IsZero() || c.End.IsZero() {
			return nil, fmt.Errorf("both start and end dates are required")
		}
		if c.End.Before(c.Start) {
			return nil, ErrInvalidPeriod
		}
		if !c.Start.Equal(st.Start) || !c.End.Equal(st.End) {
			st.Start, st.End = c.Start, c.End
			st.touch()
		}
		return nil, nil

	case AddAlias:
		return d.addAlias(st, c)

	case RemoveAlias:
		return nil, d.removeAlias(st, c.Name)

	case AddFeature:
		return d.addFeature(st, c)

	case RemoveFeature:
		if st.feature(c.Name) == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFeature, c.Name)
		}
		st.Features = lo.Reject(st.Features, func(f *Feature, _ int) bool { return f.Def.Name == c.Name })
		st.removeLayer(LayerFeature, c.Name)
		st.clearResults()
		return nil, nil

	case SetDistance:
		if !lo.Contains(similarity.All, c.Func) {
			return nil, fmt.Errorf("unknown distance function %q", c.Func)
		}
		if st.Distance != c.Func {
			st.Distance = c.Func
			st.clearResults()
		}
		return nil, nil

	case SetLandCover:
		if !lo.Contains(analysis.LandCoverOptions(), c.Class) {
			return nil, fmt.Errorf("%w %q", analysis.ErrLandCover, c.Class)
		}
		if st.LandCover != c.Class {
			st.LandCover = c.Class
			st.clearResults()
		}
		return nil, nil

	case SetTask:
		return nil, d.setTask(st, c)

	case SetThreshold:
		return d.setThreshold(st, c.Value)

	case Execute:
		return d.execute(st)

	case Reset:
		d.reset()
		return nil, nil

	case adopt:
		d.gen++
		d.state = c.state
		if d.onReset != nil {
			d.onReset(d.view())
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown command %T", cmd)
}

func (d *Dispatcher) setRegion(st *State, c SetRegion) error {
	if len(st.Aliases) > 0 {
		return ErrRegionsLocked
	}
	if err := geo.Validate(c.Region); err != nil {
		return err
	}
	switch c.Kind {
	case RegionQuery:
		if len(st.Query) > 0 {
			return fmt.Errorf("query %w", ErrRegionAlreadySet)
		}
		st.Query = c.Region
	case RegionReference:
		if len(st.Reference) > 0 {
			return fmt.Errorf("reference %w", ErrRegionAlreadySet)
		}
		st.Reference = c.Region
	default:
		return fmt.Errorf("unknown region kind %q", c.Kind)
	}
	return nil
}

func (d *Dispatcher) setTask(st *State, c SetTask) error {
	task := strings.ToLower(strings.TrimSpace(c.Task))
	if task != spec.TaskSearch && task != spec.TaskCluster {
		return fmt.Errorf("unknown task %q (expected search or cluster)", c.Task)
	}
	k := c.Clusters
	if k == 0 {
		k = st.Clusters
	}
	if k < MinClusters || k > MaxClusters {
		return ErrInvalidClusters
	}
	if k != st.Clusters {
		st.Clusters = k
		if task == spec.TaskCluster {
			st.clearResults()
		}
	}
	if st.Task != task {
		st.Task = task
		st.clearResults()
	}
	return nil
}

func buildKey(kind LayerKind, name string) string { return string(kind) + ":" + name }

func (d *Dispatcher) addAlias(st *State, c AddAlias) (*job, error) {
	if len(st.Query) == 0 {
		return nil, ErrNoQueryRegion
	}
	def, err := c.Def.Normalize(st.Start, st.End)
	if err != nil {
		return nil, err
	}
	key := buildKey(LayerAlias, def.Name)
	if st.alias(def.Name) != nil || st.building[key] {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAlias, def.Name)
	}
	st.building[key] = true
	region := st.analysisRegion()
	d.msgs.Info(fmt.Sprintf("Loading `%s`...", def.Name))

	return &job{
		label: "alias " + def.Name,
		run: func(ctx context.Context) (func(*State) error, error) {
			img, err := variables.Build(ctx, d.engine, def, region)
			if err != nil {
				return nil, err
			}
			var lower, upper float64
			err = d.retry(ctx, func(ctx context.Context) error {
				var err error
				lower, upper, err = variables.MinMax(ctx, d.engine, img, def.Name, region)
				return err
			})
			if err != nil {
				return nil, err
			}
			layer, err := d.createLayer(ctx, LayerAlias, def.Name, img,
				earthengine.Visualization{Min: lower, Max: upper, Palette: aliasPalette})
			if err != nil {
				return nil, err
			}
			return func(st *State) error {
				delete(st.building, key)
				st.Aliases = append(st.Aliases, &Alias{Def: def, Image: img, Min: lower, Max: upper})
				st.setLayer(layer)
				st.clearResults()
				d.msgs.Info(fmt.Sprintf("Added `%s`.", def.Name))
				return nil
			}, nil
		},
		cleanup: func(st *State) { delete(st.building, key) },
	}, nil
}

func (d *Dispatcher) removeAlias(st *State, name string) error {
	if st.alias(name) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAlias, name)
	}
	st.Aliases = lo.Reject(st.Aliases, func(a *Alias, _ int) bool { return a.Def.Name == name })
	st.removeLayer(LayerAlias, name)

	dependent := lo.Filter(st.Features, func(f *Feature, _ int) bool { return lo.Contains(f.Refs, name) })
	for _, f := range dependent {
		st.removeLayer(LayerFeature, f.Def.Name)
	}
	st.Features = lo.Without(st.Features, dependent...)
	if len(dependent) > 0 {
		d.logger.Debug("removed dependent features", zap.String("alias", name), zap.Int("count", len(dependent)))
	}
	st.clearResults()
	return nil
}

func (d *Dispatcher) addFeature(st *State, c AddFeature) (*job, error) {
	def, err := features.ParseDefinition(c.Text)
	if err != nil {
		return nil, err
	}
	if len(st.Aliases) == 0 {
		return nil, ErrNoAliases
	}
	key := buildKey(LayerFeature, def.Name)
	if st.feature(def.Name) != nil || st.building[key] {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateFeature, def.Name)
	}
	refs, err := featureRefs(st, def)
	if err != nil {
		return nil, err
	}
	img, err := features.Compile(def.Expression, st.aliasImages())
	if err != nil {
		return nil, err
	}
	st.building[key] = true
	region := st.analysisRegion()

	return &job{
		label: "feature " + def.Name,
		run: func(ctx context.Context) (func(*State) error, error) {
			f, layer, err := d.standardize(ctx, def, refs, img, region)
			if err != nil {
				return nil, err
			}
			return func(st *State) error {
				delete(st.building, key)
				// an alias removed meanwhile invalidates the feature
				for _, r := range f.Refs {
					if st.alias(r) == nil {
						return fmt.Errorf("%w %q", features.ErrUnknownAlias, r)
					}
				}
				st.Features = append(st.Features, f)
				st.setLayer(layer)
				st.clearResults()
				return nil
			}, nil
		},
		cleanup: func(st *State) { delete(st.building, key) },
	}, nil
}

// featureRefs resolves the aliases an expression reads.
func featureRefs(st *State, def features.Definition) ([]string, error) {
	if st.alias(def.Expression) != nil {
		return []string{def.Expression}, nil
	}
	refs, err := features.References(def.Expression)
	if err != nil {
		return nil, err
	}
	for _, r := range refs {
		if st.alias(r) == nil {
			return nil, fmt.Errorf("%w %q", features.ErrUnknownAlias, r)
		}
	}
	return refs, nil
}

// standardize z-scores a compiled feature and renders its layer.
func (d *Dispatcher) standardize(ctx context.Context, def features.Definition, refs []string, img earthengine.Image, region earthengine.Geometry) (*Feature, Layer, error) {
	z, stats, err := features.Standardize(ctx, d.engine, img, def.Name, region)
	if err != nil {
		return nil, Layer{}, err
	}
	layer, err := d.createLayer(ctx, LayerFeature, def.Name, z, features.Visualization())
	if err != nil {
		return nil, Layer{}, err
	}
	return &Feature{Def: def, Image: z, Stats: stats, Refs: refs}, layer, nil
}

func (d *Dispatcher) setThreshold(st *State, value float64) (*job, error) {
	st.Threshold = value
	if st.Search == nil {
		return nil, nil
	}
	composite := st.Search.Composite
	search := st.Search
	return &job{
		label: "threshold",
		run: func(ctx context.Context) (func(*State) error, error) {
			layer, err := d.createLayer(ctx, LayerResult, analysis.ThresholdLayer,
				analysis.Threshold(composite, value), analysis.ThresholdVisualization())
			if err != nil {
				return nil, err
			}
			return func(st *State) error {
				// a newer search or threshold wins
				if st.Search != search || st.Threshold != value {
					return nil
				}
				st.setLayer(layer)
				return nil
			}, nil
		},
	}, nil
}

func (d *Dispatcher) execute(st *State) (*job, error) {
	if len(st.Query) == 0 {
		return nil, ErrNoQueryRegion
	}
	if len(st.Aliases) == 0 {
		return nil, ErrNoAliases
	}
	task := st.Task
	if task == spec.TaskSearch && len(st.Reference) == 0 {
		return nil, ErrNoReferenceRegion
	}

	// Aliases become passthrough features when none are defined.
	var derive []*Alias
	if len(st.Features) == 0 {
		derive = append(derive, st.Aliases...)
		for _, a := range derive {
			st.building[buildKey(LayerFeature, a.Def.Name)] = true
		}
	}
	in := st.inputs()
	region := st.analysisRegion()
	k := st.Clusters
	st.clearResults()
	rev := st.inputsRev

	cleanup := func(st *State) {
		for _, a := range derive {
			delete(st.building, buildKey(LayerFeature, a.Def.Name))
		}
	}

	if task == spec.TaskSearch {
		d.msgs.Info("[Background task] Calculating distance maps...")
	} else {
		d.msgs.Info(fmt.Sprintf("[Background task] Creating %d clusters...", k))
	}

	return &job{
		label: task,
		run: func(ctx context.Context) (func(*State) error, error) {
			var derived []*Feature
			var derivedLayers []Layer
			for _, a := range derive {
				def := features.Definition{Name: a.Def.Name, Expression: a.Def.Name}
				f, layer, err := d.standardize(ctx, def, []string{a.Def.Name}, a.Image, region)
				if err != nil {
					return nil, err
				}
				derived = append(derived, f)
				derivedLayers = append(derivedLayers, layer)
				in.Features = append(in.Features, analysis.Layer{Name: f.Def.Name, Image: f.Image})
			}

			var commit func(*State)
			if task == spec.TaskSearch {
				c, err := d.runSearch(ctx, in)
				if err != nil {
					return nil, err
				}
				commit = c
			} else {
				c, err := d.runCluster(ctx, in, k)
				if err != nil {
					return nil, err
				}
				commit = c
			}

			return func(st *State) error {
				cleanup(st)
				if st.inputsRev != rev {
					return ErrInputsChanged
				}
				st.Features = append(st.Features, derived...)
				for _, l := range derivedLayers {
					st.setLayer(l)
				}
				commit(st)
				return nil
			}, nil
		},
		cleanup: cleanup,
	}, nil
}

func (d *Dispatcher) runSearch(ctx context.Context, in analysis.Inputs) (func(*State), error) {
	var res *analysis.SearchResult
	err := d.retry(ctx, func(ctx context.Context) error {
		var err error
		res, err = analysis.Search(ctx, d.engine, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	var rng analysis.Range
	err = d.retry(ctx, func(ctx context.Context) error {
		var err error
		rng, err = analysis.CompositeRange(ctx, d.engine, res.Composite, in.Query)
		return err
	})
	if err != nil {
		return nil, err
	}

	composite, err := d.createLayer(ctx, LayerResult, analysis.CompositeLayer, res.Composite, analysis.CompositeVisualization(rng))
	if err != nil {
		return nil, err
	}
	// the threshold starts at the middle of the freshly computed range
	threshold := rng.Midpoint()
	thresholdLayer, err := d.createLayer(ctx, LayerResult, analysis.ThresholdLayer,
		analysis.Threshold(res.Composite, threshold), analysis.ThresholdVisualization())
	if err != nil {
		return nil, err
	}

	return func(st *State) {
		st.Search = res
		st.Range = &rng
		st.Threshold = threshold
		st.setLayer(composite)
		st.setLayer(thresholdLayer)
	}, nil
}

func (d *Dispatcher) runCluster(ctx context.Context, in analysis.Inputs, k int) (func(*State), error) {
	res, err := analysis.Cluster(in, k)
	if err != nil {
		return nil, err
	}
	if res.Warning != "" {
		d.msgs.Warn(res.Warning)
	}
	layer, err := d.createLayer(ctx, LayerResult, analysis.ClustersLayer, res.Clusters, analysis.ClusterVisualization(k))
	if err != nil {
		return nil, err
	}
	return func(st *State) {
		st.Clustered = res
		st.setLayer(layer)
	}, nil
}

// reset clears everything, bumps the generation and emits a single reset
// view. Results of older generations are dropped on arrival.
func (d *Dispatcher) reset() {
	d.gen++
	d.state = NewState()
	d.msgs.Clear()
	if d.onReset != nil {
		d.onReset(d.view())
	}
}
