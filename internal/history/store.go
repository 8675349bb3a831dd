// Package history persists per-provider usage snapshots to a local sqlite
// database for trend views.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quotabar/quotabar/internal/core"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: creating db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: opening db: %w", err)
	}

	store := NewStore(db)
	if err := store.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			primary_used_percent REAL,
			primary_resets_at TEXT,
			secondary_used_percent REAL,
			secondary_resets_at TEXT,
			plan TEXT,
			messages INTEGER,
			input_tokens INTEGER,
			output_tokens INTEGER,
			total_tokens INTEGER,
			cost_usd REAL,
			estimated INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_history_provider_time ON usage_history(provider_id, recorded_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("history: init schema: %w", err)
		}
	}
	return nil
}

// Append records one snapshot row. The snapshot's own timestamp is used when
// set so replayed results keep their original instant.
func (s *Store) Append(ctx context.Context, snap core.UsageSnapshot) error {
	recordedAt := snap.Timestamp
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}

	var costUSD interface{}
	if snap.Cost != nil {
		costUSD = snap.Cost.Amount
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_history (
			recorded_at, provider_id, kind, status,
			primary_used_percent, primary_resets_at,
			secondary_used_percent, secondary_resets_at,
			plan, messages, input_tokens, output_tokens, total_tokens,
			cost_usd, estimated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		formatTime(recordedAt),
		snap.ProviderID,
		string(snap.Kind),
		string(snap.Status),
		windowPercent(snap.Primary),
		windowReset(snap.Primary),
		windowPercent(snap.Secondary),
		windowReset(snap.Secondary),
		nullableText(snap.Plan),
		snap.Messages,
		snap.InputTokens,
		snap.OutputTokens,
		snap.TotalTokens,
		costUSD,
		boolInt(snap.Estimated),
	)
	if err != nil {
		return fmt.Errorf("history: insert snapshot: %w", err)
	}
	return nil
}

// Point is one history row as the trend views consume it. UsedPercent and
// CostUSD are nil when the original snapshot carried no window or cost.
type Point struct {
	RecordedAt  time.Time
	Status      core.Status
	UsedPercent *float64
	Plan        string
	TotalTokens int64
	CostUSD     *float64
	Estimated   bool
}

// Recent returns the rows for one provider recorded at or after since, in
// ascending time order.
func (s *Store) Recent(ctx context.Context, providerID string, since time.Time) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recorded_at, status, primary_used_percent, plan, total_tokens, cost_usd, estimated
		FROM usage_history
		WHERE provider_id = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC
	`, providerID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("history: query recent (%s): %w", providerID, err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var (
			recordedAt string
			status     string
			pct        sql.NullFloat64
			plan       sql.NullString
			tokens     sql.NullInt64
			cost       sql.NullFloat64
			estimated  int
		)
		if err := rows.Scan(&recordedAt, &status, &pct, &plan, &tokens, &cost, &estimated); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}

		p := Point{
			Status:    core.Status(status),
			Plan:      plan.String,
			Estimated: estimated != 0,
		}
		if ts, err := time.Parse(time.RFC3339, recordedAt); err == nil {
			p.RecordedAt = ts
		}
		if pct.Valid {
			v := pct.Float64
			p.UsedPercent = &v
		}
		if tokens.Valid {
			p.TotalTokens = tokens.Int64
		}
		if cost.Valid {
			v := cost.Float64
			p.CostUSD = &v
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate rows: %w", err)
	}
	return points, nil
}

// Providers lists the distinct provider ids present in the history.
func (s *Store) Providers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT provider_id FROM usage_history ORDER BY provider_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("history: list providers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("history: scan provider id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate provider ids: %w", err)
	}
	return ids, nil
}

// Prune deletes rows recorded before the cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_history WHERE recorded_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// formatTime renders a UTC second-precision RFC 3339 string. The fixed width
// keeps lexical ordering of the TEXT column identical to time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func windowPercent(w *core.UsageWindow) interface{} {
	if w == nil {
		return nil
	}
	return w.UsedPercent
}

func windowReset(w *core.UsageWindow) interface{} {
	if w == nil || w.ResetsAt == nil {
		return nil
	}
	return formatTime(*w.ResetsAt)
}

func nullableText(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
