package symbols

import (
	"context"
	"testing"
)

func TestPassthrough_NormalizesSymbols(t *testing.T) {
	res, err := Passthrough{}.Transform(context.Background(), "vendorx", []string{" aapl ", "msft", "BRK.B"}, ToStandard)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	want := []string{"AAPL", "MSFT", "BRK.B"}
	if len(res.MappedSymbols) != len(want) {
		t.Fatalf("expected %d mapped symbols, got %d", len(want), len(res.MappedSymbols))
	}
	for i, sym := range want {
		if res.MappedSymbols[i] != sym {
			t.Errorf("mapped[%d] = %q, want %q", i, res.MappedSymbols[i], sym)
		}
	}
	if len(res.FailedSymbols) != 0 {
		t.Errorf("unexpected failures: %v", res.FailedSymbols)
	}
	if res.Metadata.Provider != "vendorx" {
		t.Errorf("provider = %q, want vendorx", res.Metadata.Provider)
	}
}

func TestPassthrough_EmptySymbolFails(t *testing.T) {
	res, err := Passthrough{}.Transform(context.Background(), "vendorx", []string{"AAPL", "   ", ""}, ToStandard)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	if len(res.MappedSymbols) != 1 || res.MappedSymbols[0] != "AAPL" {
		t.Errorf("mapped = %v, want [AAPL]", res.MappedSymbols)
	}
	// Failed symbols keep their original, un-normalized spelling.
	if len(res.FailedSymbols) != 2 || res.FailedSymbols[0] != "   " || res.FailedSymbols[1] != "" {
		t.Errorf("failed = %q, want the raw blank inputs", res.FailedSymbols)
	}
}

func TestTable_ForwardAndReverse(t *testing.T) {
	tr := NewTable(map[string]map[string]string{
		"vendorx": {
			"APPL.X": "AAPL",
			"MSFT.X": "MSFT",
		},
	})

	fwd, err := tr.Transform(context.Background(), "vendorx", []string{"appl.x", "MSFT.X"}, ToStandard)
	if err != nil {
		t.Fatalf("forward Transform failed: %v", err)
	}
	if len(fwd.MappedSymbols) != 2 || fwd.MappedSymbols[0] != "AAPL" || fwd.MappedSymbols[1] != "MSFT" {
		t.Errorf("forward mapped = %v, want [AAPL MSFT]", fwd.MappedSymbols)
	}
	if fwd.MappingDetails[0].Source != "appl.x" || fwd.MappingDetails[0].Target != "AAPL" {
		t.Errorf("mapping detail = %+v, want appl.x -> AAPL", fwd.MappingDetails[0])
	}

	rev, err := tr.Transform(context.Background(), "vendorx", []string{"AAPL"}, FromStandard)
	if err != nil {
		t.Fatalf("reverse Transform failed: %v", err)
	}
	if len(rev.MappedSymbols) != 1 || rev.MappedSymbols[0] != "APPL.X" {
		t.Errorf("reverse mapped = %v, want [APPL.X]", rev.MappedSymbols)
	}
}

func TestTable_UnmappedSymbolsFail(t *testing.T) {
	tr := NewTable(map[string]map[string]string{
		"vendorx": {"APPL.X": "AAPL"},
	})

	res, err := tr.Transform(context.Background(), "vendorx", []string{"APPL.X", "NVDA"}, ToStandard)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if len(res.MappedSymbols) != 1 || res.MappedSymbols[0] != "AAPL" {
		t.Errorf("mapped = %v, want [AAPL]", res.MappedSymbols)
	}
	if len(res.FailedSymbols) != 1 || res.FailedSymbols[0] != "NVDA" {
		t.Errorf("failed = %v, want [NVDA]", res.FailedSymbols)
	}
}

func TestTable_UnknownProviderFailsAll(t *testing.T) {
	tr := NewTable(map[string]map[string]string{
		"vendorx": {"APPL.X": "AAPL"},
	})

	res, err := tr.Transform(context.Background(), "nobody", []string{"APPL.X"}, ToStandard)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if len(res.MappedSymbols) != 0 {
		t.Errorf("mapped = %v, want none for an unknown provider", res.MappedSymbols)
	}
	if len(res.FailedSymbols) != 1 {
		t.Errorf("failed = %v, want the whole input", res.FailedSymbols)
	}
}
