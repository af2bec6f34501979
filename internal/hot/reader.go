package hot

import (
	"context"
	"fmt"
	"time"

	"github.com/buildingvitals/tieredstore/internal/types"
)

const querySQL = `
SELECT point_name, ts, value
FROM samples
WHERE site = $1 AND point_name = ANY($2) AND ts >= $3 AND ts <= $4
ORDER BY point_name, ts`

// Query returns one series per requested point with data inside
// [start, end] (unix ms, inclusive), sorted ascending by timestamp.
// Points with no rows in range are omitted.
func (s *Store) Query(ctx context.Context, site string, points []string, start, end int64) ([]types.Series, error) {
	if len(points) == 0 {
		return nil, nil
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.Query(opCtx, querySQL,
		site, points, time.UnixMilli(start).UTC(), time.UnixMilli(end).UTC())
	if err != nil {
		return nil, fmt.Errorf("querying hot tier: %w", err)
	}
	defer rows.Close()

	var (
		series  []types.Series
		current *types.Series
	)
	for rows.Next() {
		var (
			point string
			ts    time.Time
			value float64
		)
		if err := rows.Scan(&point, &ts, &value); err != nil {
			return nil, fmt.Errorf("scanning hot tier row: %w", err)
		}
		if current == nil || current.Point != point {
			series = append(series, types.Series{Point: point})
			current = &series[len(series)-1]
		}
		current.Data = append(current.Data, types.DataPoint{
			Timestamp: ts.UnixMilli(),
			Value:     value,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading hot tier rows: %w", err)
	}

	return series, nil
}
