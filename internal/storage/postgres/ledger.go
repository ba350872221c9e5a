// Package postgres keeps the download event ledger and run summaries in
// Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/progress"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	columnsPerEvent  = 10
	maxRowsPerInsert = 500
	defaultListLimit = 100
	maxListLimit     = 1000
)

// LedgerConfig controls the Postgres connection pool and table names.
type LedgerConfig struct {
	DSN             string
	EventsTable     string
	SummariesTable  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// Ledger appends progress events and run summaries to Postgres.
type Ledger struct {
	pool      pool
	events    string
	summaries string
}

// NewLedger connects to cfg.DSN.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	events, summaries, err := tableNames(cfg.EventsTable, cfg.SummariesTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: p, events: events, summaries: summaries}, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(p pool, eventsTable, summariesTable string) (*Ledger, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	events, summaries, err := tableNames(eventsTable, summariesTable)
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: p, events: events, summaries: summaries}, nil
}

func tableNames(events, summaries string) (string, string, error) {
	if events == "" {
		events = "download_events"
	}
	if summaries == "" {
		summaries = "run_summaries"
	}
	for _, name := range []string{events, summaries} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return events, summaries, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Ping checks that the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the ledger tables when they are missing.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          BIGSERIAL PRIMARY KEY,
	seq         BIGINT NOT NULL,
	work        TEXT NOT NULL,
	ticket_id   TEXT NOT NULL DEFAULT '',
	stage       TEXT NOT NULL,
	level       TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	error_class TEXT NOT NULL DEFAULT '',
	chapter     INTEGER NOT NULL DEFAULT 0,
	image       INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL
)`, l.events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_work_idx ON %s (work, id)`, l.events, l.events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	ticket_id          TEXT PRIMARY KEY,
	work               TEXT NOT NULL,
	status             TEXT NOT NULL,
	stop_reason        TEXT NOT NULL,
	chapters_completed INTEGER NOT NULL,
	images_succeeded   INTEGER NOT NULL,
	images_failed      INTEGER NOT NULL,
	images_skipped     INTEGER NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL,
	finished_at        TIMESTAMPTZ NOT NULL,
	payload            JSONB NOT NULL
)`, l.summaries),
	}
	for _, stmt := range statements {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

// AppendEvents inserts events in arrival order, in chunks of at most
// maxRowsPerInsert rows.
func (l *Ledger) AppendEvents(ctx context.Context, events []progress.Event) error {
	for start := 0; start < len(events); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(events))
		if err := l.insertEvents(ctx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) insertEvents(ctx context.Context, events []progress.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (seq, work, ticket_id, stage, level, message, error_class, chapter, image, created_at) VALUES ", l.events)
	args := make([]any, 0, len(events)*columnsPerEvent)
	for i, evt := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := 1; c <= columnsPerEvent; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", i*columnsPerEvent+c)
		}
		b.WriteString(")")
		args = append(args,
			int64(evt.Seq), //nolint:gosec // sequence numbers stay far below MaxInt64.
			evt.Work,
			evt.TicketID,
			string(evt.Stage),
			string(evt.Level),
			evt.Message,
			string(evt.ErrorClass),
			evt.Chapter,
			evt.Image,
			evt.TS,
		)
	}
	if _, err := l.pool.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// RecordSummary stores a run summary once; repeated calls for a ticket are ignored.
func (l *Ledger) RecordSummary(ctx context.Context, summary download.RunSummary) error {
	if summary.TicketID == "" {
		return errors.New("summary ticket id is required")
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	ticket_id,
	work,
	status,
	stop_reason,
	chapters_completed,
	images_succeeded,
	images_failed,
	images_skipped,
	started_at,
	finished_at,
	payload
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
) ON CONFLICT (ticket_id) DO NOTHING`, l.summaries)

	args := []any{
		summary.TicketID,
		summary.Work,
		string(summary.Status),
		string(summary.StopReason),
		summary.ChaptersCompleted,
		summary.ImagesSucceeded,
		summary.ImagesFailed,
		summary.ImagesSkipped,
		summary.StartedAt,
		summary.FinishedAt,
		payload,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events of work, oldest first.
func (l *Ledger) ListEvents(ctx context.Context, work string, limit int) ([]progress.Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	query := fmt.Sprintf(`
SELECT seq, work, ticket_id, stage, level, message, error_class, chapter, image, created_at
FROM %s
WHERE work = $1
ORDER BY id DESC
LIMIT $2`, l.events)

	rows, err := l.pool.Query(ctx, query, work, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []progress.Event
	for rows.Next() {
		var (
			evt                 progress.Event
			seq                 int64
			stage, level, class string
		)
		if err := rows.Scan(
			&seq,
			&evt.Work,
			&evt.TicketID,
			&stage,
			&level,
			&evt.Message,
			&class,
			&evt.Chapter,
			&evt.Image,
			&evt.TS,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		evt.Seq = uint64(seq) //nolint:gosec // stored from a uint64.
		evt.Stage = progress.Stage(stage)
		evt.Level = progress.Level(level)
		evt.ErrorClass = progress.ErrorClass(class)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
