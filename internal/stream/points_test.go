package stream

import (
	"encoding/json"
	"strings"
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestCompact_MapsAllFields(t *testing.T) {
	d := DataPoint{
		Symbol:        "AAPL",
		Price:         190.5,
		Volume:        2500,
		TimestampMs:   1710000000000,
		Change:        f64(1.25),
		ChangePercent: f64(0.66),
	}
	p := d.Compact()

	if p.Symbol != "AAPL" || p.Price != 190.5 || p.Volume != 2500 || p.TimestampMs != 1710000000000 {
		t.Fatalf("compact mismatch: %+v", p)
	}
	if p.Change == nil || *p.Change != 1.25 {
		t.Errorf("change = %v, want 1.25", p.Change)
	}
	if p.ChangePercent == nil || *p.ChangePercent != 0.66 {
		t.Errorf("changePercent = %v, want 0.66", p.ChangePercent)
	}
}

func TestEncodePoints_UsesCompactKeys(t *testing.T) {
	payload, err := EncodePoints([]Point{{Symbol: "AAPL", Price: 190, Volume: 10, TimestampMs: 1000}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	body := string(payload)
	for _, key := range []string{`"s"`, `"p"`, `"v"`, `"t"`} {
		if !strings.Contains(body, key) {
			t.Errorf("payload missing %s: %s", key, body)
		}
	}
	// Optional change fields stay off the wire when absent.
	if strings.Contains(body, `"c"`) || strings.Contains(body, `"cp"`) {
		t.Errorf("payload should omit change fields: %s", body)
	}
}

func TestEncodeDecodePoints_RoundTrip(t *testing.T) {
	in := []Point{
		{Symbol: "AAPL", Price: 190.5, Volume: 10, TimestampMs: 1000, Change: f64(0.5)},
		{Symbol: "AAPL", Price: 191.0, Volume: 20, TimestampMs: 2000},
	}
	payload, err := EncodePoints(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodePoints(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("decoded %d points, want 2", len(out))
	}
	if out[0].Change == nil || *out[0].Change != 0.5 {
		t.Errorf("change = %v, want 0.5", out[0].Change)
	}
	if out[1].Change != nil {
		t.Errorf("absent change decoded as %v, want nil", *out[1].Change)
	}
}

func TestDecodePoints_RejectsGarbage(t *testing.T) {
	if _, err := DecodePoints(json.RawMessage(`{"not":"an array"}`)); err == nil {
		t.Fatal("expected decode error for non-array payload")
	}
}

func TestSortPoints(t *testing.T) {
	unordered := []Point{
		{Symbol: "A", TimestampMs: 3000},
		{Symbol: "A", TimestampMs: 1000},
		{Symbol: "A", TimestampMs: 2000},
	}
	sorted := SortPoints(unordered)
	for i, want := range []int64{1000, 2000, 3000} {
		if sorted[i].TimestampMs != want {
			t.Errorf("sorted[%d].TimestampMs = %d, want %d", i, sorted[i].TimestampMs, want)
		}
	}
	if unordered[0].TimestampMs != 3000 {
		t.Error("input slice must not be mutated")
	}

	// Already-ordered input is returned as-is, no copy.
	ordered := []Point{{TimestampMs: 1000}, {TimestampMs: 1000}, {TimestampMs: 2000}}
	if got := SortPoints(ordered); &got[0] != &ordered[0] {
		t.Error("ordered input should be returned without copying")
	}
}

func TestFilterSince(t *testing.T) {
	pts := []Point{{TimestampMs: 1000}, {TimestampMs: 2000}, {TimestampMs: 3000}}

	cases := []struct {
		name    string
		sinceMs int64
		want    int
	}{
		{"all newer", 0, 3},
		{"boundary excluded", 2000, 1},
		{"nothing newer", 3000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FilterSince(pts, tc.sinceMs)
			if len(got) != tc.want {
				t.Errorf("FilterSince(%d) kept %d points, want %d", tc.sinceMs, len(got), tc.want)
			}
		})
	}
}

func TestLatestTimestamp(t *testing.T) {
	if got := LatestTimestamp(nil); got != 0 {
		t.Errorf("LatestTimestamp(nil) = %d, want 0", got)
	}
	pts := []Point{{TimestampMs: 2000}, {TimestampMs: 5000}, {TimestampMs: 1000}}
	if got := LatestTimestamp(pts); got != 5000 {
		t.Errorf("LatestTimestamp = %d, want 5000", got)
	}
}
