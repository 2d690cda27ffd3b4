package types

import (
	"encoding/json"
	"testing"
)

func TestTradeStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   TradeStatus
		terminal bool
	}{
		{StatusSignalReceived, false},
		{StatusOpening, false},
		{StatusOpen, false},
		{StatusClosing, false},
		{StatusClosed, true},
		{StatusNotExecuted, true},
		{StatusError, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("TradeStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestNewTrade(t *testing.T) {
	t.Parallel()

	sig := Signal{
		Timestamp: "2025/03/01 14:05:00",
		Pair:      "SOLUSDT",
		Rank:      1,
		Close:     142.55,
	}
	tr := NewTrade(sig, 200, 3)

	if tr.TradeID == "" {
		t.Fatal("expected non-empty trade ID")
	}
	if tr.Status != StatusSignalReceived {
		t.Errorf("status = %s, want %s", tr.Status, StatusSignalReceived)
	}
	if tr.Pair != "SOLUSDT" || tr.SignalTS != sig.Timestamp {
		t.Errorf("pair/signal_ts not copied from signal: %q %q", tr.Pair, tr.SignalTS)
	}
	if tr.CapitalPerTrade != 200 || tr.Leverage != 3 {
		t.Errorf("sizing = %v/%d, want 200/3", tr.CapitalPerTrade, tr.Leverage)
	}
	if !tr.Active() {
		t.Error("new trade should be active")
	}

	if other := NewTrade(sig, 200, 3); other.TradeID == tr.TradeID {
		t.Error("trade IDs must be unique")
	}
}

func TestSignalJSONColumnNames(t *testing.T) {
	t.Parallel()

	// signal_data is an external contract: the generator's column names
	// must survive the round trip verbatim.
	sig := Signal{Timestamp: "2025/03/01 14:05:00", Pair: "SOLUSDT", Rank: 2, Quintile: 5}
	raw, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"fecha_hora", "par", "top", "quintil", "mom_1h_pct"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing JSON key %q in %s", key, raw)
		}
	}
}

func TestOrderUpdateFilled(t *testing.T) {
	t.Parallel()

	if (OrderUpdate{Status: "PARTIALLY_FILLED"}).Filled() {
		t.Error("partial fill must not count as filled")
	}
	if !(OrderUpdate{Status: "FILLED"}).Filled() {
		t.Error("FILLED should count as filled")
	}
}
