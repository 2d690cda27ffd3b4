package signals

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shortbot/internal/config"
	"shortbot/pkg/types"
)

const header = "fecha_hora,par,top,close,mom_1h_pct,mom_pct,vol_ratio,trades_ratio,quintil,leido"

func testWatcher(t *testing.T, csv string, strategy config.StrategyConfig) (*Watcher, string, *[]types.Signal) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signals.csv")
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	var got []types.Signal
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w := NewWatcher(
		config.SignalsConfig{FilePath: path, PollInterval: time.Second, MaxSignalAgeMin: 10},
		strategy,
		func(s types.Signal) { got = append(got, s) },
		logger,
	)
	// Freeze time just after the test fixtures' timestamps.
	w.now = func() time.Time {
		return time.Date(2025, 3, 1, 14, 8, 0, 0, time.UTC)
	}
	return w, path, &got
}

func defaultStrategy() config.StrategyConfig {
	return config.StrategyConfig{
		TopN:             2,
		AllowedQuintiles: []int{1, 2, 3, 4, 5},
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return string(data)
}

func TestFreshSignalEmittedAndMarked(t *testing.T) {
	t.Parallel()
	csv := header + "\n" +
		"2025/03/01 14:05:00,SOLUSDT,1,142.55,3.2,5.1,2.4,1.8,4,no\n"

	w, path, got := testWatcher(t, csv, defaultStrategy())
	if err := w.CheckOnce(); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	if len(*got) != 1 {
		t.Fatalf("emitted %d signals, want 1", len(*got))
	}
	sig := (*got)[0]
	if sig.Pair != "SOLUSDT" || sig.Rank != 1 || sig.Close != 142.55 || sig.Quintile != 4 {
		t.Errorf("signal = %+v", sig)
	}

	if !strings.Contains(readFile(t, path), ",4,si") {
		t.Errorf("row not marked si:\n%s", readFile(t, path))
	}
}

func TestExpiredSignalMarkedTimeout(t *testing.T) {
	t.Parallel()
	// 14:08 now, signal from 13:00 → 68 minutes old.
	csv := header + "\n" +
		"2025/03/01 13:00:00,DOGEUSDT,1,0.072,4.0,6.0,3.0,2.0,3,no\n"

	w, path, got := testWatcher(t, csv, defaultStrategy())
	if err := w.CheckOnce(); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	if len(*got) != 0 {
		t.Fatalf("expired signal must not be emitted, got %d", len(*got))
	}
	if !strings.Contains(readFile(t, path), ",timeout") {
		t.Errorf("row not marked timeout:\n%s", readFile(t, path))
	}
}

func TestRankBeyondTopNMarkedConsumed(t *testing.T) {
	t.Parallel()
	csv := header + "\n" +
		"2025/03/01 14:05:00,SOLUSDT,3,142.55,3.2,5.1,2.4,1.8,4,no\n"

	w, path, got := testWatcher(t, csv, defaultStrategy())
	if err := w.CheckOnce(); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	if len(*got) != 0 {
		t.Fatal("rank 3 with top_n=2 must not be emitted")
	}
	if !strings.Contains(readFile(t, path), ",si") {
		t.Error("dropped row must still be marked si")
	}
}

func TestFilteredSignalMarkedConsumed(t *testing.T) {
	t.Parallel()
	strategy := defaultStrategy()
	strategy.AllowedQuintiles = []int{1, 2}

	csv := header + "\n" +
		"2025/03/01 14:05:00,SOLUSDT,1,142.55,3.2,5.1,2.4,1.8,4,no\n"

	w, path, got := testWatcher(t, csv, strategy)
	if err := w.CheckOnce(); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	if len(*got) != 0 {
		t.Fatal("quintile 4 should be filtered out")
	}
	if !strings.Contains(readFile(t, path), ",si") {
		t.Error("filtered row must still be marked si")
	}
}

func TestAlreadyConsumedRowsUntouched(t *testing.T) {
	t.Parallel()
	csv := header + "\n" +
		"2025/03/01 14:05:00,SOLUSDT,1,142.55,3.2,5.1,2.4,1.8,4,si\n" +
		"2025/03/01 14:05:00,XRPUSDT,1,0.51,3.0,4.0,2.0,1.5,2,timeout\n"

	w, path, got := testWatcher(t, csv, defaultStrategy())
	before := readFile(t, path)
	if err := w.CheckOnce(); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	if len(*got) != 0 {
		t.Fatal("consumed rows must not re-emit")
	}
	if after := readFile(t, path); after != before {
		t.Errorf("file changed despite no fresh rows:\nbefore %q\nafter  %q", before, after)
	}
}

func TestBOMCRLFAndExtraColumnsPreserved(t *testing.T) {
	t.Parallel()
	csv := "\xef\xbb\xbf" + header + ",extra\r\n" +
		"2025/03/01 14:05:00,SOLUSDT,1,142.55,3.2,5.1,2.4,1.8,4,no,keepme\r\n" +
		"2025/03/01 14:05:00,XRPUSDT,9,0.51,3.0,4.0,2.0,1.5,2,no,also\r\n"

	w, path, got := testWatcher(t, csv, defaultStrategy())
	if err := w.CheckOnce(); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	if len(*got) != 1 {
		t.Fatalf("emitted %d, want 1", len(*got))
	}

	after := readFile(t, path)
	if !strings.HasPrefix(after, "\xef\xbb\xbf") {
		t.Error("BOM lost on rewrite")
	}
	if !strings.Contains(after, ",si,keepme\r\n") {
		t.Errorf("extra column or CRLF lost:\n%q", after)
	}
	if !strings.Contains(after, ",si,also\r\n") {
		t.Errorf("rank-9 row should be marked si with columns intact:\n%q", after)
	}
}

func TestMtimeGateSkipsUnchangedFile(t *testing.T) {
	t.Parallel()
	csv := header + "\n" +
		"2025/03/01 14:05:00,SOLUSDT,1,142.55,3.2,5.1,2.4,1.8,4,no\n"

	w, path, got := testWatcher(t, csv, defaultStrategy())
	if err := w.CheckOnce(); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}
	if len(*got) != 1 {
		t.Fatalf("first pass emitted %d, want 1", len(*got))
	}

	// Pin mtime so the rewrite looks old; the gate must skip the re-read.
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := w.CheckOnce(); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}
	if len(*got) != 1 {
		t.Errorf("unchanged file re-emitted signals: %d", len(*got))
	}
}

func TestMissingFileIsNotAnError(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w := NewWatcher(
		config.SignalsConfig{FilePath: filepath.Join(t.TempDir(), "absent.csv"), PollInterval: time.Second},
		defaultStrategy(),
		func(types.Signal) { t.Error("no signal expected") },
		logger,
	)
	if err := w.CheckOnce(); err != nil {
		t.Errorf("missing file should be silent, got %v", err)
	}
}
