package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mirajehossain/evolvex/internal/schema"
)

// Entry is one journal row: the outcome of one step in one run.
type Entry struct {
	RunID      string
	Plan       string
	StepName   string
	Kind       Kind
	Outcome    Outcome
	Error      string
	DurationMS int64
	AppliedAt  time.Time
	AppliedBy  string
}

// Storage appends step outcomes to an audit table. The runner never reads it
// back; history is for operators only.
type Storage struct {
	DB    Execer
	Table string
}

func entryFor(rep *Report, appliedBy string, res StepResult) Entry {
	return Entry{
		RunID:      rep.RunID,
		Plan:       rep.Plan,
		StepName:   res.Name,
		Kind:       res.Kind,
		Outcome:    res.Outcome,
		Error:      res.Error,
		DurationMS: res.DurationMS,
		AppliedAt:  res.StartedAt,
		AppliedBy:  appliedBy,
	}
}

func (s *Storage) Record(ctx context.Context, e Entry) error {
	var detail sql.NullString
	if e.Error != "" {
		detail = sql.NullString{String: e.Error, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (run_id, plan, step_name, kind, outcome, error_detail, duration_ms, applied_at, applied_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, schema.QuoteIdent(s.Table)),
		e.RunID, e.Plan, e.StepName, string(e.Kind), string(e.Outcome), detail, e.DurationMS, e.AppliedAt, e.AppliedBy,
	)
	return err
}

// Recent returns the last n journal rows, newest first.
func (s *Storage) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`SELECT run_id, plan, step_name, kind, outcome, error_detail, duration_ms, applied_at, applied_by
FROM %s ORDER BY id DESC LIMIT ?`, schema.QuoteIdent(s.Table)), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			kind    string
			outcome string
			detail  sql.NullString
		)
		if err := rows.Scan(&e.RunID, &e.Plan, &e.StepName, &kind, &outcome, &detail, &e.DurationMS, &e.AppliedAt, &e.AppliedBy); err != nil {
			return nil, err
		}
		e.Kind, e.Outcome, e.Error = Kind(kind), Outcome(outcome), detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}
