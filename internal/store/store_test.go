package store

import (
	"errors"
	"path/filepath"
	"testing"

	"shortbot/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTrade() *types.Trade {
	sig := types.Signal{
		Timestamp: "2025/03/01 14:05:00",
		Pair:      "SOLUSDT",
		Rank:      1,
		Close:     142.55,
		Quintile:  4,
	}
	return types.NewTrade(sig, 200, 3)
}

func TestSaveAndGetTrade(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	tr := sampleTrade()
	if err := s.SaveTrade(tr); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	loaded, err := s.GetTrade(tr.TradeID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if loaded.Pair != "SOLUSDT" || loaded.Status != types.StatusSignalReceived {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.SignalData.Quintile != 4 || loaded.SignalData.Close != 142.55 {
		t.Errorf("signal data did not round-trip: %+v", loaded.SignalData)
	}
}

func TestGetTradeMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetTrade("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveTradeUpserts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	tr := sampleTrade()
	if err := s.SaveTrade(tr); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	tr.Status = types.StatusOpen
	tr.EntryOrderID = 12345
	tr.EntryPrice = 142.31
	tr.EntryQuantity = 4.2
	tr.Touch()
	if err := s.SaveTrade(tr); err != nil {
		t.Fatalf("SaveTrade update: %v", err)
	}

	loaded, err := s.GetTrade(tr.TradeID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if loaded.Status != types.StatusOpen || loaded.EntryOrderID != 12345 {
		t.Errorf("update not persisted: %+v", loaded)
	}
	if loaded.EntryPrice != 142.31 {
		t.Errorf("entry price = %v, want 142.31", loaded.EntryPrice)
	}
}

func TestActiveTrades(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	open := sampleTrade()
	open.Status = types.StatusOpen

	closed := sampleTrade()
	closed.Status = types.StatusClosed

	failed := sampleTrade()
	failed.Status = types.StatusError

	opening := sampleTrade()
	opening.Status = types.StatusOpening

	for _, tr := range []*types.Trade{open, closed, failed, opening} {
		if err := s.SaveTrade(tr); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	active, err := s.ActiveTrades()
	if err != nil {
		t.Fatalf("ActiveTrades: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2", len(active))
	}
	for _, tr := range active {
		if tr.Status.Terminal() {
			t.Errorf("terminal trade %s in active set", tr.TradeID)
		}
	}
}

func TestAppendEventAssignsMonotonicIDs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	ev1 := types.NewEvent(types.EventSignal, "t1", map[string]any{"pair": "SOLUSDT"})
	ev2 := types.NewEvent(types.EventEntrySent, "t1", map[string]any{"attempt": 1})

	if err := s.AppendEvent(&ev1); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.AppendEvent(&ev2); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if ev1.EventID == 0 || ev2.EventID <= ev1.EventID {
		t.Errorf("event IDs not monotonic: %d, %d", ev1.EventID, ev2.EventID)
	}

	events, err := s.TradeEvents("t1")
	if err != nil {
		t.Fatalf("TradeEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].EventType != types.EventSignal {
		t.Errorf("events out of order: %v first", events[0].EventType)
	}
	if events[1].Details["attempt"] != float64(1) {
		t.Errorf("details did not round-trip: %+v", events[1].Details)
	}
}

func TestRecentEventsNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		ev := types.NewEvent(types.EventCancel, "t1", map[string]any{"n": i})
		if err := s.AppendEvent(&ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.RecentEvents(3)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	if events[0].EventID < events[1].EventID {
		t.Error("expected newest first")
	}
}

func TestClosedPnLTotal(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	win := sampleTrade()
	win.Status = types.StatusClosed
	win.PnLUSDT = 3.2
	win.FeesUSDT = 0.16

	loss := sampleTrade()
	loss.Status = types.StatusClosed
	loss.PnLUSDT = -1.1
	loss.FeesUSDT = 0.14

	open := sampleTrade()
	open.Status = types.StatusOpen
	open.PnLUSDT = 99 // must not count

	for _, tr := range []*types.Trade{win, loss, open} {
		if err := s.SaveTrade(tr); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	sum, err := s.ClosedPnLTotal()
	if err != nil {
		t.Fatalf("ClosedPnLTotal: %v", err)
	}
	if sum.ClosedCount != 2 || sum.WinCount != 1 {
		t.Errorf("counts = %d closed / %d wins, want 2/1", sum.ClosedCount, sum.WinCount)
	}
	if diff := sum.TotalPnL - 2.1; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("total pnl = %v, want 2.1", sum.TotalPnL)
	}
	if diff := sum.TotalFees - 0.3; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("total fees = %v, want 0.3", sum.TotalFees)
	}
}

func TestReopenPersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "trades.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr := sampleTrade()
	tr.Status = types.StatusOpen
	if err := s.SaveTrade(tr); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	active, err := s2.ActiveTrades()
	if err != nil {
		t.Fatalf("ActiveTrades: %v", err)
	}
	if len(active) != 1 || active[0].TradeID != tr.TradeID {
		t.Errorf("trade did not survive reopen: %+v", active)
	}
}
