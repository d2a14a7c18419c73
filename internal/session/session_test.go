package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"region-similarity/internal/analysis"
	"region-similarity/internal/earthengine"
	"region-similarity/internal/features"
	"region-similarity/internal/messages"
	"region-similarity/internal/retry"
	"region-similarity/internal/similarity"
	"region-similarity/internal/spec"
	"region-similarity/internal/variables"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEngine answers region reductions by dictionary key suffix.
type fakeEngine struct {
	mu      sync.Mutex
	maps    int
	size    int
	fail    map[string]error
	gate    chan struct{}
	entered chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{size: 4, fail: map[string]error{}}
}

func (f *fakeEngine) ComputeValue(ctx context.Context, n *earthengine.Node, out any) error {
	if f.gate != nil {
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	err := f.fail[n.FunctionName()]
	size := f.size
	f.mu.Unlock()
	if err != nil {
		return err
	}

	var v any
	switch n.FunctionName() {
	case "Image.bandNames":
		return errors.New("not a single image")
	case "Collection.size":
		v = size
	case "Dictionary.values":
		var vals []float64
		for _, k := range n.Arg("keys").Items() {
			key := k.Value().(string)
			switch {
			case strings.HasSuffix(key, "_min"):
				vals = append(vals, 0)
			case strings.HasSuffix(key, "_max"):
				vals = append(vals, 2)
			case strings.HasSuffix(key, "_stdDev"):
				vals = append(vals, 0.5)
			default:
				vals = append(vals, 1)
			}
		}
		v = vals
	default:
		return fmt.Errorf("unexpected %s", n.FunctionName())
	}
	data, _ := json.Marshal(v)
	return json.Unmarshal(data, out)
}

func (f *fakeEngine) CreateMap(context.Context, earthengine.Image, earthengine.Visualization) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maps++
	return fmt.Sprintf("map-%d", f.maps), nil
}

type harness struct {
	d      *Dispatcher
	msgs   *messages.Log
	mu     sync.Mutex
	resets int
	views  int
}

func start(t *testing.T, engine Engine) *harness {
	t.Helper()
	h := &harness{msgs: messages.NewLog(messages.TTLs{})}
	h.d = NewDispatcher(engine, Options{
		Messages: h.msgs,
		Retry:    retry.Policy{Attempts: 2, Timeout: time.Second, Pause: time.Millisecond},
		LayerURL: func(id string) string { return "http://tiles/" + id + "/{z}/{x}/{y}" },
	})
	h.d.SetCallbacks(
		func(View) { h.mu.Lock(); h.views++; h.mu.Unlock() },
		func(View) { h.mu.Lock(); h.resets++; h.mu.Unlock() },
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

var (
	query     = orb.MultiPolygon{{{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}}}
	reference = orb.MultiPolygon{{{{0.2, 0.2}, {0.8, 0.2}, {0.8, 0.8}, {0.2, 0.8}, {0.2, 0.2}}}}
)

func ndvi() variables.Definition {
	return variables.Definition{Name: "ndvi", Dataset: "MODIS/061/MOD13Q1", Band: "NDVI", Aggregation: variables.Mean}
}

func (h *harness) do(t *testing.T, cmd Command) {
	t.Helper()
	require.NoError(t, h.d.Do(context.Background(), cmd))
}

func (h *harness) snapshot(t *testing.T) View {
	t.Helper()
	v, err := h.d.Snapshot(context.Background())
	require.NoError(t, err)
	return v
}

func TestRegionsAndGuards(t *testing.T) {
	h := start(t, newFakeEngine())
	ctx := context.Background()

	assert.Equal(t, PhaseEmpty, h.snapshot(t).Phase)

	_, err := h.d.Submit(ctx, AddAlias{Def: ndvi()})
	assert.ErrorIs(t, err, ErrNoQueryRegion)

	flat := orb.MultiPolygon{{{{0, 0}, {1, 1}, {2, 2}, {0, 0}}}}
	_, err = h.d.Submit(ctx, SetRegion{Kind: RegionQuery, Region: flat})
	assert.Error(t, err)

	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	assert.Equal(t, PhaseRegionsSet, h.snapshot(t).Phase)

	_, err = h.d.Submit(ctx, SetRegion{Kind: RegionQuery, Region: query})
	assert.ErrorIs(t, err, ErrRegionAlreadySet)

	_, err = h.d.Submit(ctx, SetPeriod{Start: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)})
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = h.d.Submit(ctx, AddFeature{Text: "veg:ndvi"})
	assert.ErrorIs(t, err, ErrNoAliases)

	_, err = h.d.Submit(ctx, Execute{})
	assert.ErrorIs(t, err, ErrNoAliases)

	_, err = h.d.Submit(ctx, SetTask{Task: spec.TaskCluster, Clusters: 30})
	assert.ErrorIs(t, err, ErrInvalidClusters)
}

func TestAliasLifecycle(t *testing.T) {
	h := start(t, newFakeEngine())
	ctx := context.Background()

	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	h.do(t, AddAlias{Def: ndvi()})

	v := h.snapshot(t)
	assert.Equal(t, PhaseVariablesSet, v.Phase)
	require.Len(t, v.Aliases, 1)
	assert.Equal(t, "ndvi:MODIS/061/MOD13Q1:NDVI:01/01/2000:01/01/2000:MEAN", v.Aliases[0].Spec)
	assert.Equal(t, 2.0, v.Aliases[0].Max)
	require.Len(t, v.Layers, 1)
	assert.Equal(t, "http://tiles/map-1/{z}/{x}/{y}", v.Layers[0].URL)
	assert.Empty(t, v.Building)

	_, err := h.d.Submit(ctx, AddAlias{Def: ndvi()})
	assert.ErrorIs(t, err, ErrDuplicateAlias)

	_, err = h.d.Submit(ctx, SetRegion{Kind: RegionReference, Region: reference})
	assert.ErrorIs(t, err, ErrRegionsLocked)

	h.do(t, AddFeature{Text: "veg : ndvi * 2"})
	h.do(t, AddFeature{Text: "raw:ndvi"})
	assert.Equal(t, PhaseFeaturesSet, h.snapshot(t).Phase)

	_, err = h.d.Submit(ctx, AddFeature{Text: "x:lst+1"})
	assert.ErrorIs(t, err, features.ErrUnknownAlias)

	h.do(t, RemoveAlias{Name: "ndvi"})
	v = h.snapshot(t)
	assert.Empty(t, v.Aliases)
	assert.Empty(t, v.Features)
	assert.Empty(t, v.Layers)
	assert.Equal(t, PhaseRegionsSet, v.Phase)
}

func TestFailedAliasLeavesStateIntact(t *testing.T) {
	engine := newFakeEngine()
	engine.size = 0
	h := start(t, engine)

	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	err := h.d.Do(context.Background(), AddAlias{Def: ndvi()})
	assert.ErrorIs(t, err, variables.ErrNoData)

	v := h.snapshot(t)
	assert.Empty(t, v.Aliases)
	assert.Empty(t, v.Building)
	assert.Equal(t, PhaseRegionsSet, v.Phase)

	last := h.msgs.Snapshot()
	require.NotEmpty(t, last)
	assert.Equal(t, messages.LevelError, last[len(last)-1].Level)
}

func TestRetryExhaustionIsReported(t *testing.T) {
	engine := newFakeEngine()
	engine.fail["Dictionary.values"] = errors.New("computation timed out")
	h := start(t, engine)

	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	err := h.d.Do(context.Background(), AddAlias{Def: ndvi()})
	assert.ErrorIs(t, err, retry.ErrExhausted)

	texts := make([]string, 0)
	for _, e := range h.msgs.Snapshot() {
		texts = append(texts, e.Text)
	}
	assert.Contains(t, texts, "Attempt 1 failed. Retrying...")
	assert.Contains(t, texts, retry.TerminalMessage)
}

func TestSearchWithPassthroughFeatures(t *testing.T) {
	h := start(t, newFakeEngine())
	ctx := context.Background()

	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	h.do(t, AddAlias{Def: ndvi()})

	_, err := h.d.Submit(ctx, Execute{})
	assert.ErrorIs(t, err, ErrNoReferenceRegion)

	h.do(t, Reset{})
	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	h.do(t, SetRegion{Kind: RegionReference, Region: reference})
	h.do(t, AddAlias{Def: ndvi()})
	h.do(t, Execute{})

	v := h.snapshot(t)
	assert.Equal(t, PhaseSearched, v.Phase)
	require.Len(t, v.Features, 1)
	assert.Equal(t, "ndvi", v.Features[0].Expression)
	require.NotNil(t, v.Range)
	assert.Equal(t, 1.0, v.Threshold)

	kinds := map[LayerKind][]string{}
	for _, l := range v.Layers {
		kinds[l.Kind] = append(kinds[l.Kind], l.Name)
	}
	assert.Equal(t, []string{analysis.CompositeLayer, analysis.ThresholdLayer}, kinds[LayerResult])
	assert.Equal(t, []string{"ndvi"}, kinds[LayerFeature])

	sims, err := h.d.Inspect(ctx, 1.5, 1.5)
	require.NoError(t, err)
	require.Len(t, sims, 1)
	assert.InDelta(t, 100, sims[0].Percent, 1e-9)

	src, err := h.d.PrepareExport(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, "Image.reproject", src.Image.Node().FunctionName())

	// changing an input drops the result
	h.do(t, SetDistance{Func: similarity.Manhattan})
	v = h.snapshot(t)
	assert.Equal(t, PhaseFeaturesSet, v.Phase)
	assert.Nil(t, v.Range)
	_, err = h.d.PrepareExport(ctx, 1000)
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestClusterCosineWarnsOnce(t *testing.T) {
	h := start(t, newFakeEngine())

	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	h.do(t, SetTask{Task: spec.TaskCluster, Clusters: 4})
	h.do(t, SetDistance{Func: similarity.Cosine})
	h.do(t, AddAlias{Def: ndvi()})
	h.do(t, Execute{})

	v := h.snapshot(t)
	assert.Equal(t, PhaseClustered, v.Phase)

	warnings := 0
	for _, e := range h.msgs.Snapshot() {
		if e.Text == similarity.CosineClusteringWarning {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestResetDropsEverything(t *testing.T) {
	engine := newFakeEngine()
	h := start(t, engine)
	ctx := context.Background()

	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	h.do(t, AddAlias{Def: ndvi()})

	// a build still in flight when the session resets is discarded
	engine.gate = make(chan struct{})
	engine.entered = make(chan struct{}, 8)
	p, err := h.d.Submit(ctx, AddAlias{Def: variables.Definition{Name: "b", Dataset: "X", Band: "B", Aggregation: variables.Max}})
	require.NoError(t, err)
	<-engine.entered

	h.do(t, Reset{})
	close(engine.gate)
	assert.ErrorIs(t, p.Wait(ctx), ErrStale)

	v := h.snapshot(t)
	assert.Equal(t, PhaseEmpty, v.Phase)
	assert.Empty(t, v.Aliases)
	assert.Empty(t, v.Layers)
	assert.Empty(t, h.msgs.Snapshot())

	h.mu.Lock()
	assert.Equal(t, 1, h.resets)
	h.mu.Unlock()

	_, err = h.d.PrepareSpec(ctx)
	assert.ErrorIs(t, err, ErrNoQueryRegion)
}

func TestSpecRoundTrip(t *testing.T) {
	h := start(t, newFakeEngine())
	ctx := context.Background()

	in := &spec.Spec{
		Task: spec.TaskSearch,
		Aliases: []string{
			"ndvi:MODIS/061/MOD13Q1:NDVI:01/01/2020:31/12/2020:MEAN",
			"elev:USGS/SRTMGL1_003:elevation:01/01/2000:01/01/2000:MAX",
		},
		Features: []string{"veg:ndvi", "mix:ndvi*2-elev"},
		Regions: spec.Regions{
			Query:            spec.NewRegion(query),
			Reference:        spec.NewRegion(reference),
			NumberOfClusters: 7,
		},
		Distance:  "Manhattan",
		LandCover: "crops",
	}
	require.NoError(t, h.d.ImportSpec(ctx, in))

	out, err := h.d.PrepareSpec(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("spec mismatch (-want +got):\n%s", diff)
	}

	// importing again starts from a clean session
	require.NoError(t, h.d.ImportSpec(ctx, out))
	again, err := h.d.PrepareSpec(ctx)
	require.NoError(t, err)
	assert.Equal(t, out.Aliases, again.Aliases)
}

func TestImportUsesCurrentRegionsWhenMissing(t *testing.T) {
	h := start(t, newFakeEngine())
	ctx := context.Background()

	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	h.do(t, SetPeriod{Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC)})
	err := h.d.ImportSpec(ctx, &spec.Spec{Task: spec.TaskCluster, Aliases: []string{"a:X:B:::LAST"}})
	require.NoError(t, err)

	v := h.snapshot(t)
	assert.NotNil(t, v.Query)
	assert.Equal(t, spec.DefaultClusters, v.Clusters)
	require.Len(t, v.Aliases, 1)
	assert.Equal(t, "a:X:B:01/01/2020:31/12/2020:LAST", v.Aliases[0].Spec)

	err = h.d.ImportSpec(ctx, &spec.Spec{Task: spec.TaskSearch, Aliases: []string{"a:X:B:::LAST"}})
	assert.ErrorIs(t, err, ErrNoReferenceRegion)
}

func TestImportWithoutPeriodFails(t *testing.T) {
	h := start(t, newFakeEngine())
	ctx := context.Background()

	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	err := h.d.ImportSpec(ctx, &spec.Spec{Task: spec.TaskCluster, Aliases: []string{"a:X:B:::LAST"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing period for alias a and no default period set")

	v := h.snapshot(t)
	assert.Equal(t, PhaseRegionsSet, v.Phase)
	assert.Empty(t, v.Aliases)
}

func TestClusterImportIgnoresReference(t *testing.T) {
	h := start(t, newFakeEngine())
	ctx := context.Background()

	h.do(t, SetRegion{Kind: RegionReference, Region: reference})
	err := h.d.ImportSpec(ctx, &spec.Spec{
		Task:    spec.TaskCluster,
		Aliases: []string{"a:X:B:01/01/2020:31/12/2020:LAST"},
		Regions: spec.Regions{
			Query:     spec.NewRegion(query),
			Reference: spec.NewRegion(reference),
		},
	})
	require.NoError(t, err)

	v := h.snapshot(t)
	assert.NotEmpty(t, v.Query)
	assert.Empty(t, v.Reference)
	assert.Equal(t, spec.TaskCluster, v.Task)
}

func TestFailedImportKeepsSession(t *testing.T) {
	h := start(t, newFakeEngine())
	ctx := context.Background()

	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	h.do(t, SetRegion{Kind: RegionReference, Region: reference})
	h.do(t, AddAlias{Def: ndvi()})
	h.do(t, AddFeature{Text: "veg:ndvi"})
	before := h.snapshot(t)

	err := h.d.ImportSpec(ctx, &spec.Spec{
		Task: spec.TaskSearch,
		Aliases: []string{
			"a:X:B:01/01/2020:31/12/2020:MEAN",
			"b:X:B:01/01/2021:01/01/2020:MAX",
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import failed at add alias")

	after := h.snapshot(t)
	assert.Equal(t, before.Generation, after.Generation)
	assert.Equal(t, PhaseFeaturesSet, after.Phase)
	assert.Equal(t, before.Aliases, after.Aliases)
	assert.Equal(t, before.Features, after.Features)
	assert.Equal(t, before.Layers, after.Layers)
}

func TestSearchDroppedWhenInputsChange(t *testing.T) {
	engine := newFakeEngine()
	h := start(t, engine)
	ctx := context.Background()

	h.do(t, SetRegion{Kind: RegionQuery, Region: query})
	h.do(t, SetRegion{Kind: RegionReference, Region: reference})
	h.do(t, AddAlias{Def: ndvi()})
	h.do(t, AddFeature{Text: "veg:ndvi"})

	engine.gate = make(chan struct{})
	engine.entered = make(chan struct{}, 64)
	p, err := h.d.Submit(ctx, Execute{})
	require.NoError(t, err)
	<-engine.entered

	h.do(t, SetDistance{Func: similarity.Manhattan})
	close(engine.gate)
	assert.ErrorIs(t, p.Wait(ctx), ErrInputsChanged)

	v := h.snapshot(t)
	assert.Equal(t, PhaseFeaturesSet, v.Phase)
	assert.Equal(t, string(similarity.Manhattan), v.Distance)
	assert.Nil(t, v.Range)
	_, err = h.d.PrepareExport(ctx, 1000)
	assert.ErrorIs(t, err, ErrNoResult)

	// the next run commits
	h.do(t, Execute{})
	assert.Equal(t, PhaseSearched, h.snapshot(t).Phase)
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "No query region found. Please set the query region.",
		UserMessage(fmt.Errorf("import failed at add alias: %w", ErrNoQueryRegion)))
	assert.Equal(t, "Please enter a UDF.", UserMessage(features.ErrEmpty))
	assert.Equal(t, "Error: boom", UserMessage(errors.New("boom")))
}
