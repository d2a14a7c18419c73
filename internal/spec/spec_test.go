package spec

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `task: search
aliases:
  - ndvi:MODIS/061/MOD13Q1:NDVI:01/01/2020:31/12/2020:MEAN
  - elev:USGS/SRTMGL1_003:elevation:::LAST
features:
  - veg:ndvi
  - mix:ndvi*2-elev
regions:
  query_region: [[0, 0], [2, 0], [2, 2], [0, 2], [0, 0]]
  reference_region: [[0.5, 0.5], [1, 0.5], [1, 1], [0.5, 0.5]]
distance: Manhattan
land_cover: crops
`

func TestParseSample(t *testing.T) {
	s, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	assert.Equal(t, TaskSearch, s.Task)
	assert.Len(t, s.Aliases, 2)
	assert.Equal(t, []string{"veg:ndvi", "mix:ndvi*2-elev"}, s.Features)
	require.NotNil(t, s.Regions.Query)
	assert.Equal(t, orb.Ring{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}, s.Regions.Query.Polygons[0][0])
	assert.Equal(t, DefaultClusters, s.Clusters())
	assert.Equal(t, "crops", s.LandCover)
}

func TestRoundTrip(t *testing.T) {
	in := &Spec{
		Task:     TaskCluster,
		Aliases:  []string{"a:X/Y:B1:01/02/2020:01/03/2020:MAX", "b:X/Z:B2:::LAST"},
		Features: []string{"f:a+b"},
		Regions: Regions{
			Query: NewRegion(orb.MultiPolygon{
				{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}},
				{{{5, 5}, {6, 5}, {6, 6}, {5, 5}}, {{5.2, 5.1}, {5.8, 5.1}, {5.8, 5.7}, {5.2, 5.1}}},
			}),
			NumberOfClusters: 7,
		},
		Distance: "Euclidean",
	}

	data, err := in.Marshal()
	require.NoError(t, err)

	out, err := Parse(data)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	again, err := out.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestSingleRingIsWrittenFlat(t *testing.T) {
	s := &Spec{Task: TaskSearch, Aliases: []string{"a:X:B:::LAST"}, Regions: Regions{
		Query: NewRegion(orb.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}}),
	}}
	data, err := s.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "- [0, 0]")
	assert.NotContains(t, string(data), "- - ")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want string
	}{
		{"missing task", Spec{Aliases: []string{"a:X:B:::LAST"}}, "task"},
		{"bad task", Spec{Task: "classify", Aliases: []string{"a:X:B:::LAST"}}, "unknown task"},
		{"no aliases", Spec{Task: TaskSearch}, "no aliases"},
		{"short alias", Spec{Task: TaskSearch, Aliases: []string{"a:X:B:LAST"}}, "expected name"},
		{"missing band", Spec{Task: TaskSearch, Aliases: []string{"a:X::::LAST"}}, "required"},
		{"bad date", Spec{Task: TaskSearch, Aliases: []string{"a:X:B:2020-01-01::LAST"}}, "DD/MM/YYYY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAliasString(t *testing.T) {
	a, err := ParseAlias(" ndvi : MODIS/061/MOD13Q1 : NDVI : 1/1/2020 : 31/12/2020 : mean ")
	require.NoError(t, err)
	assert.Equal(t, "ndvi", a.Name)
	assert.Equal(t, "MEAN", a.Aggregation)
	assert.True(t, a.Start.Equal(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "ndvi:MODIS/061/MOD13Q1:NDVI:01/01/2020:31/12/2020:MEAN", a.String())

	open, err := ParseAlias("x:Y:Z:::LAST")
	require.NoError(t, err)
	assert.True(t, open.Start.IsZero())
	assert.Equal(t, "x:Y:Z:::LAST", open.String())
}

func TestWriteAndReadFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Parse([]byte(sample))
	require.NoError(t, err)

	path, err := WriteFile(dir, s)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, ".yaml"))

	back, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, s.Aliases, back.Aliases)
	assert.Equal(t, s.Regions.Query, back.Regions.Query)
}

func TestRegionRejectsScalars(t *testing.T) {
	_, err := Parse([]byte("task: search\nregions:\n  query_region: nowhere\n"))
	assert.Error(t, err)
}
