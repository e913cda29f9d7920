// Package stream implements the two-tier stream cache: an in-process hot
// tier for the most recently touched symbols and the warm Redis tier behind
// it. Warm hits are promoted back into the hot tier.
package stream

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Point is one stream tick in the compact wire form shared with consumers.
// Field names are deliberately terse; these documents are stored and shipped
// in bulk. Change fields are optional and omitted when the feed did not
// supply them.
type Point struct {
	Symbol        string   `json:"s"`
	Price         float64  `json:"p"`
	Volume        float64  `json:"v"`
	TimestampMs   int64    `json:"t"`
	Change        *float64 `json:"c,omitempty"`
	ChangePercent *float64 `json:"cp,omitempty"`
}

// DataPoint is the verbose ingest form produced by upstream feeds. It is
// compacted before storage; nothing verbose ever reaches Redis.
type DataPoint struct {
	Symbol        string   `json:"symbol"`
	Price         float64  `json:"price"`
	Volume        float64  `json:"volume"`
	TimestampMs   int64    `json:"timestamp"`
	Change        *float64 `json:"change,omitempty"`
	ChangePercent *float64 `json:"changePercent,omitempty"`
}

// Compact converts the verbose form to the stored wire form.
func (d DataPoint) Compact() Point {
	return Point{
		Symbol:        d.Symbol,
		Price:         d.Price,
		Volume:        d.Volume,
		TimestampMs:   d.TimestampMs,
		Change:        d.Change,
		ChangePercent: d.ChangePercent,
	}
}

// CompactPoints converts a verbose batch to the stored wire form.
func CompactPoints(data []DataPoint) []Point {
	out := make([]Point, len(data))
	for i, d := range data {
		out[i] = d.Compact()
	}
	return out
}

// EncodePoints marshals points into the stored payload.
func EncodePoints(points []Point) (json.RawMessage, error) {
	payload, err := json.Marshal(points)
	if err != nil {
		return nil, fmt.Errorf("encode points: %w", err)
	}
	return payload, nil
}

// DecodePoints unmarshals a stored payload.
func DecodePoints(payload json.RawMessage) ([]Point, error) {
	var points []Point
	if err := json.Unmarshal(payload, &points); err != nil {
		return nil, fmt.Errorf("decode points: %w", err)
	}
	return points, nil
}

// sortedByTime reports whether points are already in non-decreasing
// timestamp order.
func sortedByTime(points []Point) bool {
	for i := 1; i < len(points); i++ {
		if points[i].TimestampMs < points[i-1].TimestampMs {
			return false
		}
	}
	return true
}

// SortPoints returns points in non-decreasing timestamp order, copying only
// when the input is out of order.
func SortPoints(points []Point) []Point {
	if sortedByTime(points) {
		return points
	}
	out := make([]Point, len(points))
	copy(out, points)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimestampMs < out[j].TimestampMs
	})
	return out
}

// FilterSince returns the points strictly newer than sinceMs, preserving
// order. The boundary point itself is excluded; callers pass the timestamp
// of the last point they already hold.
func FilterSince(points []Point, sinceMs int64) []Point {
	out := make([]Point, 0, len(points))
	for _, p := range points {
		if p.TimestampMs > sinceMs {
			out = append(out, p)
		}
	}
	return out
}

// LatestTimestamp returns the largest timestamp in points, or 0 when empty.
func LatestTimestamp(points []Point) int64 {
	var latest int64
	for _, p := range points {
		if p.TimestampMs > latest {
			latest = p.TimestampMs
		}
	}
	return latest
}
