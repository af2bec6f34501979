// Package merge combines hot- and cold-tier result sets into one sorted,
// deduplicated view.
package merge

import (
	"encoding/json"
	"sort"

	"github.com/buildingvitals/tieredstore/internal/types"
)

// Source reports which tier(s) contributed to a merged series. It exists
// for caller-side telemetry and carries no correctness obligation.
type Source int

const (
	SourceHot Source = iota
	SourceCold
	SourceBoth
)

func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Source) String() string {
	switch s {
	case SourceHot:
		return "hot"
	case SourceCold:
		return "cold"
	case SourceBoth:
		return "both"
	default:
		return "unknown"
	}
}

// Series is one merged per-point series with its provenance.
type Series struct {
	Point  string            `json:"point"`
	Data   []types.DataPoint `json:"data"`
	Source Source            `json:"source"`
}

// Result is the merged output of a query.
type Result struct {
	Series    []Series
	HotRows   int // rows contributed by the hot tier before dedup
	ColdRows  int // rows contributed by the cold tier before dedup
	TotalRows int // rows in the merged output
}

// Merge folds cold results first, then hot, into a per-point accumulator.
// Duplicate timestamps resolve last-write-wins, so a timestamp present in
// both tiers takes the hot-tier value. Every output series is sorted
// ascending by timestamp.
func Merge(hot, cold []types.Series) Result {
	type pointAcc struct {
		values  map[int64]float64
		fromHot bool
		fromCol bool
	}
	acc := make(map[string]*pointAcc)

	get := func(point string) *pointAcc {
		pa, ok := acc[point]
		if !ok {
			pa = &pointAcc{values: make(map[int64]float64)}
			acc[point] = pa
		}
		return pa
	}

	var res Result

	for _, s := range cold {
		pa := get(s.Point)
		pa.fromCol = true
		for _, dp := range s.Data {
			pa.values[dp.Timestamp] = dp.Value
		}
		res.ColdRows += len(s.Data)
	}
	for _, s := range hot {
		pa := get(s.Point)
		pa.fromHot = true
		for _, dp := range s.Data {
			pa.values[dp.Timestamp] = dp.Value
		}
		res.HotRows += len(s.Data)
	}

	names := make([]string, 0, len(acc))
	for name := range acc {
		names = append(names, name)
	}
	sort.Strings(names)

	res.Series = make([]Series, 0, len(names))
	for _, name := range names {
		pa := acc[name]
		data := make([]types.DataPoint, 0, len(pa.values))
		for ts, v := range pa.values {
			data = append(data, types.DataPoint{Timestamp: ts, Value: v})
		}
		sort.Slice(data, func(i, j int) bool { return data[i].Timestamp < data[j].Timestamp })

		src := SourceBoth
		switch {
		case pa.fromHot && !pa.fromCol:
			src = SourceHot
		case pa.fromCol && !pa.fromHot:
			src = SourceCold
		}

		res.Series = append(res.Series, Series{Point: name, Data: data, Source: src})
		res.TotalRows += len(data)
	}

	return res
}
