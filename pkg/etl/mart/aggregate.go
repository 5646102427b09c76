// Package mart recomputes the daily per-client analytics mart. The
// aggregation joins one day of ODS telemetry facts against the client
// dimension and produces exactly one row per active client; a client with
// no events for the day produces no row. The build is a full replace of
// the ds partition, so repeated builds over unchanged ODS data always land
// on the same mart state.
package mart

import (
	"sort"
	"time"

	"github.com/meridianlabs/clientmart/pkg/sources/telemetry"
)

// Fact is one ODS telemetry row scoped to the processing date.
type Fact struct {
	ClientID   string
	DurationMS *float64
	Status     telemetry.Status
	SessionID  string
	EventTS    time.Time
}

// DimensionRow is one client from the ODS dimension.
type DimensionRow struct {
	ClientID string
	Segment  *string
	Country  *string
	Plan     *string
}

// Row is one dm_client_telemetry row, keyed by (ds, client_id).
type Row struct {
	DS           time.Time
	ClientID     string
	Segment      *string
	Country      *string
	Plan         *string
	EventsCnt    int64
	ErrorsCnt    int64
	AvgLatencyMS *float64
	P95LatencyMS *float64
	SessionsCnt  int64
	LastEventAt  time.Time
	LoadedAt     time.Time
}

// BuildRows aggregates one day of facts into mart rows. Facts whose client
// id has no dimension row are dropped (inner join semantics). The result
// is ordered by client id, so identical inputs always produce an identical
// slice.
func BuildRows(ds, loadedAt time.Time, facts []Fact, dims []DimensionRow) []Row {
	dimsByID := make(map[string]DimensionRow, len(dims))
	for _, d := range dims {
		dimsByID[d.ClientID] = d
	}

	grouped := make(map[string][]Fact)
	for _, f := range facts {
		if _, ok := dimsByID[f.ClientID]; !ok {
			continue
		}
		grouped[f.ClientID] = append(grouped[f.ClientID], f)
	}

	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, aggregateClient(ds, loadedAt, dimsByID[id], grouped[id]))
	}
	return rows
}

func aggregateClient(ds, loadedAt time.Time, dim DimensionRow, facts []Fact) Row {
	row := Row{
		DS:       ds,
		ClientID: dim.ClientID,
		Segment:  dim.Segment,
		Country:  dim.Country,
		Plan:     dim.Plan,
		LoadedAt: loadedAt,
	}

	sessions := make(map[string]struct{})
	var latencies []float64
	for _, f := range facts {
		row.EventsCnt++
		if f.Status == telemetry.StatusError {
			row.ErrorsCnt++
		}
		if f.DurationMS != nil {
			latencies = append(latencies, *f.DurationMS)
		}
		if f.SessionID != "" {
			sessions[f.SessionID] = struct{}{}
		}
		if f.EventTS.After(row.LastEventAt) {
			row.LastEventAt = f.EventTS
		}
	}
	row.SessionsCnt = int64(len(sessions))

	// Null durations are excluded from both aggregates, matching SQL
	// AVG/percentile behavior.
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		var sum float64
		for _, v := range latencies {
			sum += v
		}
		avg := sum / float64(len(latencies))
		p95 := Percentile(latencies, 0.95)
		row.AvgLatencyMS = &avg
		row.P95LatencyMS = &p95
	}
	return row
}

// Percentile returns the linearly interpolated p-th percentile of an
// ascending-sorted, non-empty slice, matching PERCENTILE_CONT.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
