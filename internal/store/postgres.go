package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dispatchsim/internal/planner"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
    id             uuid PRIMARY KEY,
    created_at     timestamptz NOT NULL,
    planned_at     timestamptz NOT NULL,
    level          text NOT NULL,
    success        boolean NOT NULL,
    reason         text NOT NULL DEFAULT '',
    routes         integer NOT NULL,
    unassigned     integer NOT NULL,
    total_distance double precision NOT NULL,
    result         jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS plans_planned_at_idx ON plans (planned_at);
`

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Migrate creates the plans table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) SavePlan(ctx context.Context, res planner.Result) (PlanRecord, error) {
	rec, err := newRecord(res)
	if err != nil {
		return PlanRecord{}, err
	}
	doc, err := json.Marshal(res)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("store: encode plan: %w", err)
	}
	s := rec.Summary()
	_, err = p.db.ExecContext(ctx, `INSERT INTO plans (id, created_at, planned_at, level, success, reason, routes, unassigned, total_distance, result)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.CreatedAt, s.PlannedAt, string(s.Level), s.Success, s.Reason, s.Routes, s.Unassigned, s.TotalDistance, doc)
	if err != nil {
		return PlanRecord{}, err
	}
	return rec, nil
}

func (p *Postgres) GetPlan(ctx context.Context, id string) (PlanRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return PlanRecord{}, ErrNotFound
	}
	var rec PlanRecord
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT id::text, created_at, result FROM plans WHERE id=$1`, id).Scan(&rec.ID, &rec.CreatedAt, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return PlanRecord{}, ErrNotFound
	}
	if err != nil {
		return PlanRecord{}, err
	}
	if err := json.Unmarshal(doc, &rec.Result); err != nil {
		return PlanRecord{}, fmt.Errorf("store: decode plan %s: %w", id, err)
	}
	return rec, nil
}

func (p *Postgres) ListPlans(ctx context.Context, cursor string, limit int) ([]PlanSummary, string, error) {
	limit = clampLimit(limit)
	const cols = `SELECT id::text, created_at, planned_at, level, success, reason, routes, unassigned, total_distance FROM plans`
	var rows *sql.Rows
	var err error
	if cursor != "" {
		if _, perr := uuid.Parse(cursor); perr != nil {
			return nil, "", fmt.Errorf("store: bad cursor %q", cursor)
		}
		rows, err = p.db.QueryContext(ctx, cols+` WHERE id > $1 ORDER BY id LIMIT $2`, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, cols+` ORDER BY id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []PlanSummary{}
	for rows.Next() {
		var s PlanSummary
		var level string
		if err := rows.Scan(&s.ID, &s.CreatedAt, &s.PlannedAt, &level, &s.Success, &s.Reason, &s.Routes, &s.Unassigned, &s.TotalDistance); err != nil {
			return nil, "", err
		}
		s.Level = planner.Level(level)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	var next string
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}
