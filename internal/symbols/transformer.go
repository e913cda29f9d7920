package symbols

import (
	"context"
	"strings"
	"time"
)

// Direction selects which way a symbol mapping is applied.
type Direction string

const (
	ToStandard   Direction = "TO_STANDARD"
	FromStandard Direction = "FROM_STANDARD"
)

// Mapping records one source→target translation.
type Mapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Meta carries bookkeeping about one transformation call.
type Meta struct {
	Provider         string `json:"provider"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
}

// Result is the outcome of a Transform call. MappedSymbols preserves the
// input order; symbols that could not be mapped appear in FailedSymbols and
// are absent from MappedSymbols.
type Result struct {
	MappedSymbols  []string  `json:"mappedSymbols"`
	MappingDetails []Mapping `json:"mappingDetails"`
	FailedSymbols  []string  `json:"failedSymbols"`
	Metadata       Meta      `json:"metadata"`
}

// Transformer converts between provider-specific and standard symbols. The
// caching core uses it only to normalize inputs before key construction.
type Transformer interface {
	Transform(ctx context.Context, provider string, syms []string, dir Direction) (*Result, error)
}

// Passthrough trims and upper-cases symbols without consulting any mapping
// rules. Empty symbols fail.
type Passthrough struct{}

// Transform implements Transformer.
func (Passthrough) Transform(_ context.Context, provider string, syms []string, _ Direction) (*Result, error) {
	start := time.Now()
	res := &Result{Metadata: Meta{Provider: provider}}
	for _, s := range syms {
		norm := strings.ToUpper(strings.TrimSpace(s))
		if norm == "" {
			res.FailedSymbols = append(res.FailedSymbols, s)
			continue
		}
		res.MappedSymbols = append(res.MappedSymbols, norm)
		res.MappingDetails = append(res.MappingDetails, Mapping{Source: s, Target: norm})
	}
	res.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
	return res, nil
}

// Table maps symbols through a static per-provider table. Directionality is
// honored by keeping a reverse index. Unmapped symbols are reported in
// FailedSymbols.
type Table struct {
	forward map[string]map[string]string
	reverse map[string]map[string]string
}

// NewTable builds a Table transformer from provider → provider-symbol →
// standard-symbol rules.
func NewTable(rules map[string]map[string]string) *Table {
	t := &Table{
		forward: make(map[string]map[string]string, len(rules)),
		reverse: make(map[string]map[string]string, len(rules)),
	}
	for provider, m := range rules {
		fwd := make(map[string]string, len(m))
		rev := make(map[string]string, len(m))
		for from, to := range m {
			fwd[from] = to
			rev[to] = from
		}
		t.forward[provider] = fwd
		t.reverse[provider] = rev
	}
	return t
}

// Transform implements Transformer.
func (t *Table) Transform(_ context.Context, provider string, syms []string, dir Direction) (*Result, error) {
	start := time.Now()
	table := t.forward[provider]
	if dir == FromStandard {
		table = t.reverse[provider]
	}

	res := &Result{Metadata: Meta{Provider: provider}}
	for _, s := range syms {
		norm := strings.ToUpper(strings.TrimSpace(s))
		mapped, ok := table[norm]
		if !ok {
			res.FailedSymbols = append(res.FailedSymbols, s)
			continue
		}
		res.MappedSymbols = append(res.MappedSymbols, mapped)
		res.MappingDetails = append(res.MappingDetails, Mapping{Source: s, Target: mapped})
	}
	res.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
	return res, nil
}
