// Package signals watches the shared selector CSV and emits trade signals.
//
// The CSV is produced by an external generator and doubles as the handshake
// between the two processes: rows arrive with leido="no" and the watcher
// marks them "si" (consumed) or "timeout" (expired) by rewriting the file
// atomically. Only the leido cell of claimed rows changes; every other
// byte, including columns this agent does not know about, is preserved.
//
// File handling:
//   - utf-8 BOM tolerated and preserved on rewrite detection
//   - CRLF and LF line endings preserved per line
//   - header names are trimmed before matching
//   - an mtime gate skips re-reading an unchanged file
package signals

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"shortbot/internal/config"
	"shortbot/pkg/types"
)

// signalTimeLayout is the generator's timestamp format, interpreted as UTC.
const signalTimeLayout = "2006/01/02 15:04:05"

var bom = []byte{0xEF, 0xBB, 0xBF}

// OnSignal receives each accepted signal. Blocking here delays the next
// poll, not the CSV rewrite: rows are claimed before emission so a slow
// consumer cannot cause double processing.
type OnSignal func(types.Signal)

// Watcher polls the signal CSV and dispatches accepted rows.
type Watcher struct {
	cfg      config.SignalsConfig
	strategy config.StrategyConfig
	onSignal OnSignal
	logger   *slog.Logger

	lastMtime time.Time
	now       func() time.Time // stubbed in tests
}

// NewWatcher creates a Watcher; call Run to start polling.
func NewWatcher(cfg config.SignalsConfig, strategy config.StrategyConfig, onSignal OnSignal, logger *slog.Logger) *Watcher {
	return &Watcher{
		cfg:      cfg,
		strategy: strategy,
		onSignal: onSignal,
		logger:   logger.With("component", "signal_watcher"),
		now:      time.Now,
	}
}

// Run polls the CSV until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("signal watcher started",
		"file", w.cfg.FilePath,
		"poll_interval", w.cfg.PollInterval,
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.CheckOnce(); err != nil {
			w.logger.Error("signal poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckOnce reads the CSV if it changed, claims fresh rows, and emits the
// accepted signals. Exported for tests and for a forced poll on startup.
func (w *Watcher) CheckOnce() error {
	info, err := os.Stat(w.cfg.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat signals file: %w", err)
	}
	if !info.ModTime().After(w.lastMtime) {
		return nil
	}
	w.lastMtime = info.ModTime()

	signals, updates, err := w.readAndFilter()
	if err != nil {
		return err
	}

	// Claim rows before emitting so a slow or crashing consumer never
	// sees the same row twice.
	if len(updates) > 0 {
		if err := updateCSV(w.cfg.FilePath, updates); err != nil {
			return fmt.Errorf("mark signals: %w", err)
		}
	}

	for _, sig := range signals {
		w.onSignal(sig)
	}
	return nil
}

// rowKey identifies a CSV row: fecha_hora + par + top.
type rowKey struct {
	Timestamp string
	Pair      string
	Rank      string
}

func (w *Watcher) readAndFilter() ([]types.Signal, map[rowKey]string, error) {
	rows, err := readCSV(w.cfg.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("read signals csv: %w", err)
	}

	now := w.now().UTC()
	var signals []types.Signal
	updates := make(map[rowKey]string)

	for _, row := range rows {
		if strings.ToLower(row["leido"]) != "no" {
			continue
		}

		key := rowKey{
			Timestamp: row["fecha_hora"],
			Pair:      row["par"],
			Rank:      row["top"],
		}

		sigTime, err := time.ParseInLocation(signalTimeLayout, key.Timestamp, time.UTC)
		if err != nil {
			w.logger.Warn("invalid signal timestamp", "value", key.Timestamp)
			updates[key] = "si"
			continue
		}

		ageMin := now.Sub(sigTime).Minutes()
		if ageMin > w.cfg.MaxSignalAgeMin {
			w.logger.Info("signal expired",
				"pair", key.Pair,
				"age_min", fmt.Sprintf("%.1f", ageMin),
				"max_age_min", w.cfg.MaxSignalAgeMin,
			)
			updates[key] = "timeout"
			continue
		}

		rank, err := strconv.Atoi(key.Rank)
		if err != nil || rank > w.strategy.TopN {
			updates[key] = "si"
			continue
		}

		sig, err := parseSignal(row, rank, sigTime)
		if err != nil {
			w.logger.Warn("unparseable signal row", "pair", key.Pair, "error", err)
			updates[key] = "si"
			continue
		}

		if reason := w.rejectReason(sig); reason != "" {
			w.logger.Info("signal filtered out", "pair", sig.Pair, "reason", reason)
			updates[key] = "si"
			continue
		}

		w.logger.Info("signal accepted",
			"pair", sig.Pair,
			"rank", sig.Rank,
			"mom_1h_pct", sig.Momentum1h,
			"vol_ratio", sig.VolRatio,
			"quintile", sig.Quintile,
		)
		signals = append(signals, sig)
		updates[key] = "si"
	}

	return signals, updates, nil
}

func parseSignal(row map[string]string, rank int, sigTime time.Time) (types.Signal, error) {
	num := func(col string) (float64, error) {
		v := row[col]
		if v == "" {
			return 0, nil
		}
		return strconv.ParseFloat(v, 64)
	}

	sig := types.Signal{
		Timestamp: row["fecha_hora"],
		Pair:      row["par"],
		Rank:      rank,
		ParsedAt:  sigTime,
	}
	var err error
	if sig.Close, err = num("close"); err != nil {
		return sig, fmt.Errorf("close: %w", err)
	}
	if sig.Momentum1h, err = num("mom_1h_pct"); err != nil {
		return sig, fmt.Errorf("mom_1h_pct: %w", err)
	}
	if sig.Momentum, err = num("mom_pct"); err != nil {
		return sig, fmt.Errorf("mom_pct: %w", err)
	}
	if sig.VolRatio, err = num("vol_ratio"); err != nil {
		return sig, fmt.Errorf("vol_ratio: %w", err)
	}
	if sig.TradesRatio, err = num("trades_ratio"); err != nil {
		return sig, fmt.Errorf("trades_ratio: %w", err)
	}
	q, err := num("quintil")
	if err != nil {
		return sig, fmt.Errorf("quintil: %w", err)
	}
	sig.Quintile = int(q)
	return sig, nil
}

// rejectReason applies the configured admission filters; empty means accepted.
func (w *Watcher) rejectReason(sig types.Signal) string {
	s := w.strategy
	if sig.Momentum1h < s.MinMomentumPct {
		return fmt.Sprintf("mom_1h_pct=%.2f < %.2f", sig.Momentum1h, s.MinMomentumPct)
	}
	if s.MinVolRatio > 0 && sig.VolRatio < s.MinVolRatio {
		return fmt.Sprintf("vol_ratio=%.2f < %.2f", sig.VolRatio, s.MinVolRatio)
	}
	if s.MinTradesRatio > 0 && sig.TradesRatio < s.MinTradesRatio {
		return fmt.Sprintf("trades_ratio=%.2f < %.2f", sig.TradesRatio, s.MinTradesRatio)
	}
	if sig.Quintile != 0 && !containsInt(s.AllowedQuintiles, sig.Quintile) {
		return fmt.Sprintf("quintile=%d not allowed", sig.Quintile)
	}
	return ""
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// CSV I/O
// ————————————————————————————————————————————————————————————————————————

// readCSV reads the file into header-keyed maps. Headers and values are
// trimmed; a leading BOM is stripped.
func readCSV(path string) ([]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, bom)

	lines := splitLines(string(data))
	if len(lines) == 0 {
		return nil, nil
	}

	headers := splitFields(lines[0].text)
	var rows []map[string]string
	for _, line := range lines[1:] {
		if line.text == "" {
			continue
		}
		parts := splitFields(line.text)
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(parts) {
				row[h] = parts[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

type csvLine struct {
	text   string // without line ending
	ending string // "\r\n", "\n", or "" for a final unterminated line
}

func splitLines(s string) []csvLine {
	var lines []csvLine
	for len(s) > 0 {
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			lines = append(lines, csvLine{text: s})
			break
		}
		text, ending := s[:idx], "\n"
		if strings.HasSuffix(text, "\r") {
			text, ending = text[:len(text)-1], "\r\n"
		}
		lines = append(lines, csvLine{text: text, ending: ending})
		s = s[idx+1:]
	}
	return lines
}

func splitFields(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// updateCSV rewrites only the leido cell of the rows named in updates,
// preserving every other byte. The rewrite goes to a temp file in the same
// directory followed by a rename, so readers never observe a partial file.
// A row missing at rewrite time (generator rewrote concurrently) is skipped.
func updateCSV(path string, updates map[rowKey]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	hadBOM := bytes.HasPrefix(data, bom)
	data = bytes.TrimPrefix(data, bom)

	lines := splitLines(string(data))
	if len(lines) == 0 {
		return nil
	}

	headers := splitFields(lines[0].text)
	col := func(name string) int {
		for i, h := range headers {
			if h == name {
				return i
			}
		}
		return -1
	}
	leidoIdx := col("leido")
	tsIdx, pairIdx, rankIdx := col("fecha_hora"), col("par"), col("top")
	if leidoIdx < 0 {
		return fmt.Errorf("csv has no leido column")
	}

	var out strings.Builder
	if hadBOM {
		out.Write(bom)
	}
	out.WriteString(lines[0].text)
	out.WriteString(lines[0].ending)

	field := func(parts []string, idx int) string {
		if idx >= 0 && idx < len(parts) {
			return parts[idx]
		}
		return ""
	}

	for _, line := range lines[1:] {
		if line.text == "" {
			out.WriteString(line.text)
			out.WriteString(line.ending)
			continue
		}
		parts := strings.Split(line.text, ",")
		trimmed := splitFields(line.text)
		key := rowKey{
			Timestamp: field(trimmed, tsIdx),
			Pair:      field(trimmed, pairIdx),
			Rank:      field(trimmed, rankIdx),
		}
		if mark, ok := updates[key]; ok && leidoIdx < len(parts) {
			parts[leidoIdx] = mark
			out.WriteString(strings.Join(parts, ","))
		} else {
			out.WriteString(line.text)
		}
		out.WriteString(line.ending)
	}

	tmp := filepath.Join(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, []byte(out.String()), 0o644); err != nil {
		return fmt.Errorf("write temp csv: %w", err)
	}
	return os.Rename(tmp, path)
}
