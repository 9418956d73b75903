package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mirajehossain/evolvex/internal/schema"
)

// Execer is the shared handle steps run against: *sql.DB, *sql.Conn or *sql.Tx.
type Execer interface {
	schema.Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Kind string

const (
	KindAddColumn      Kind = "add_column"
	KindCreateTable    Kind = "create_table"
	KindWidenEnum      Kind = "widen_enum"
	KindBackfill       Kind = "backfill"
	KindDropForeignKey Kind = "drop_foreign_key"
	KindModifyColumn   Kind = "modify_column"
	KindRenameColumn   Kind = "rename_column"
	KindDropColumn     Kind = "drop_column"
	KindSQL            Kind = "sql"
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
	// OutcomePlanned is only produced by dry runs.
	OutcomePlanned Outcome = "planned"
)

type StepResult struct {
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Idempotent bool      `json:"idempotent"`
	SQL        string    `json:"sql,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`

	Err error `json:"-"`
}

// StepExecutionError wraps a failed action. It never stops a run.
type StepExecutionError struct {
	Step string
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q: %v", e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// PlanError rejects a batch before any step runs.
type PlanError struct {
	Source string
	Step   string
	Err    error
}

func (e *PlanError) Error() string {
	switch {
	case e.Source != "" && e.Step != "":
		return fmt.Sprintf("plan %s, step %q: %v", e.Source, e.Step, e.Err)
	case e.Source != "":
		return fmt.Sprintf("plan %s: %v", e.Source, e.Err)
	case e.Step != "":
		return fmt.Sprintf("step %q: %v", e.Step, e.Err)
	}
	return "plan: " + e.Err.Error()
}

func (e *PlanError) Unwrap() error { return e.Err }

var (
	ErrDuplicateStep = errors.New("duplicate step name")
	ErrRunInProgress = errors.New("runner is already running")
	ErrUnknownKind   = errors.New("unknown step kind")
)
