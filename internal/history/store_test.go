package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quotabar/quotabar/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func snapshotAt(providerID string, ts time.Time, pct float64) core.UsageSnapshot {
	reset := ts.Add(2 * time.Hour)
	return core.UsageSnapshot{
		ProviderID:  providerID,
		Kind:        core.KindClaude,
		Timestamp:   ts,
		Status:      core.StatusOK,
		Primary:     &core.UsageWindow{UsedPercent: pct, ResetsAt: &reset, Minutes: 300},
		Plan:        "Max",
		TotalTokens: 1500,
	}
}

func TestInitCreatesTable(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var name string
	if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='usage_history'`).Scan(&name); err != nil {
		t.Fatalf("usage_history table missing: %v", err)
	}
}

func TestAppendAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)

	for i, pct := range []float64{10, 35, 60} {
		if err := store.Append(ctx, snapshotAt("claude", base.Add(time.Duration(i)*time.Hour), pct)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Append(ctx, snapshotAt("codex", base, 99)); err != nil {
		t.Fatalf("Append codex: %v", err)
	}

	points, err := store.Recent(ctx, "claude", base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2 (cutoff excludes the first, codex excluded)", len(points))
	}
	if points[0].UsedPercent == nil || *points[0].UsedPercent != 35 {
		t.Errorf("first point pct = %v, want 35", points[0].UsedPercent)
	}
	if points[1].UsedPercent == nil || *points[1].UsedPercent != 60 {
		t.Errorf("second point pct = %v, want 60", points[1].UsedPercent)
	}
	if !points[0].RecordedAt.Before(points[1].RecordedAt) {
		t.Error("points not in ascending time order")
	}
	if points[0].Plan != "Max" {
		t.Errorf("plan = %q, want Max", points[0].Plan)
	}
	if points[0].TotalTokens != 1500 {
		t.Errorf("tokens = %d, want 1500", points[0].TotalTokens)
	}
	if points[0].Status != core.StatusOK {
		t.Errorf("status = %s", points[0].Status)
	}
}

func TestAppendWithoutWindowOrCost(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)

	snap := core.UsageSnapshot{
		ProviderID: "gemini",
		Kind:       core.KindGemini,
		Timestamp:  ts,
		Status:     core.StatusUnknown,
		Estimated:  true,
	}
	if err := store.Append(ctx, snap); err != nil {
		t.Fatalf("Append: %v", err)
	}

	points, err := store.Recent(ctx, "gemini", ts.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	if points[0].UsedPercent != nil {
		t.Errorf("pct = %v, want nil", *points[0].UsedPercent)
	}
	if points[0].CostUSD != nil {
		t.Errorf("cost = %v, want nil", *points[0].CostUSD)
	}
	if !points[0].Estimated {
		t.Error("estimated flag lost")
	}
}

func TestAppendCost(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)

	snap := snapshotAt("claude", ts, 50)
	snap.Cost = &core.Cost{Amount: 1.25, Currency: "USD"}
	if err := store.Append(ctx, snap); err != nil {
		t.Fatalf("Append: %v", err)
	}

	points, err := store.Recent(ctx, "claude", ts.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(points) != 1 || points[0].CostUSD == nil || *points[0].CostUSD != 1.25 {
		t.Fatalf("cost round trip failed: %+v", points)
	}
}

func TestAppendDefaultsTimestamp(t *testing.T) {
	store := openTestStore(t)
	fixed := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	if err := store.Append(ctx, core.UsageSnapshot{ProviderID: "codex", Kind: core.KindCodex, Status: core.StatusOK}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	points, err := store.Recent(ctx, "codex", fixed.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	if !points[0].RecordedAt.Equal(fixed) {
		t.Errorf("recorded at %v, want %v", points[0].RecordedAt, fixed)
	}
}

func TestRecentEmpty(t *testing.T) {
	store := openTestStore(t)

	points, err := store.Recent(context.Background(), "claude", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("points = %d, want 0", len(points))
	}
}

func TestProviders(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"gemini", "claude", "claude"} {
		if err := store.Append(ctx, snapshotAt(id, ts, 10)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	ids, err := store.Providers(ctx)
	if err != nil {
		t.Fatalf("Providers: %v", err)
	}
	if len(ids) != 2 || ids[0] != "claude" || ids[1] != "gemini" {
		t.Fatalf("ids = %v, want [claude gemini]", ids)
	}
}

func TestPrune(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := store.Append(ctx, snapshotAt("claude", base.Add(time.Duration(i)*time.Hour), 10)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	removed, err := store.Prune(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	points, err := store.Recent(ctx, "claude", base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("points after prune = %d, want 1", len(points))
	}
}
