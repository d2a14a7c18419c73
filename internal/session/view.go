package session

import (
	"encoding/json"
	"sort"

	"github.com/paulmach/orb"
	"github.com/samber/lo"

	"region-similarity/internal/analysis"
	"region-similarity/internal/common"
	"region-similarity/internal/geo"
)

// View is the serializable snapshot sent to the frontend after every change.
type View struct {
	Generation uint64 `json:"generation"`
	Phase      Phase  `json:"phase"`

	Query     json.RawMessage `json:"query,omitempty"`
	Reference json.RawMessage `json:"reference,omitempty"`
	Start     string          `json:"start"`
	End       string          `json:"end"`

	Aliases  []AliasView   `json:"aliases"`
	Features []FeatureView `json:"features"`
	Building []string      `json:"building"`

	Distance  string          `json:"distance"`
	LandCover string          `json:"landCover"`
	Task      string          `json:"task"`
	Clusters  int             `json:"clusters"`
	Threshold float64         `json:"threshold"`
	Range     *analysis.Range `json:"range,omitempty"`

	Layers []LayerView `json:"layers"`
}

type AliasView struct {
	Name string  `json:"name"`
	Spec string  `json:"spec"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

type FeatureView struct {
	Name       string  `json:"name"`
	Expression string  `json:"expression"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stdDev"`
}

type LayerView struct {
	Kind    LayerKind `json:"kind"`
	Name    string    `json:"name"`
	URL     string    `json:"url"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Palette []string  `json:"palette"`
	Opacity float64   `json:"opacity,omitempty"`
}

func regionJSON(mp orb.MultiPolygon) json.RawMessage {
	if len(mp) == 0 {
		return nil
	}
	data, err := geo.ToGeoJSON(mp)
	if err != nil {
		return nil
	}
	return data
}

// view builds the snapshot. Called on the dispatcher goroutine only.
func (d *Dispatcher) view() View {
	st := d.state
	building := lo.Keys(st.building)
	sort.Strings(building)

	return View{
		Generation: d.gen,
		Phase:      st.Phase(),
		Query:      regionJSON(st.Query),
		Reference:  regionJSON(st.Reference),
		Start:      common.FormatISO8601(st.Start),
		End:        common.FormatISO8601(st.End),
		Aliases: lo.Map(st.Aliases, func(a *Alias, _ int) AliasView {
			return AliasView{Name: a.Def.Name, Spec: a.Spec(), Min: a.Min, Max: a.Max}
		}),
		Features: lo.Map(st.Features, func(f *Feature, _ int) FeatureView {
			return FeatureView{Name: f.Def.Name, Expression: f.Def.Expression, Mean: f.Stats.Mean, StdDev: f.Stats.StdDev}
		}),
		Building:  building,
		Distance:  string(st.Distance),
		LandCover: st.LandCover,
		Task:      st.Task,
		Clusters:  st.Clusters,
		Threshold: st.Threshold,
		Range:     st.Range,
		Layers: lo.Map(st.Layers, func(l Layer, _ int) LayerView {
			return LayerView{
				Kind:    l.Kind,
				Name:    l.Name,
				URL:     d.layerURL(l.MapID),
				Min:     l.Vis.Min,
				Max:     l.Vis.Max,
				Palette: l.Vis.Palette,
				Opacity: l.Vis.Opacity,
			}
		}),
	}
}
