package migrator

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mirajehossain/evolvex/internal/schema"
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	}
	return "idle"
}

// ProgressFunc is called with stage "start" before a step is checked, "done"
// once its result is recorded and "journal" if persisting the result failed.
type ProgressFunc func(stage string, step Step, res *StepResult, err error)

// Runner applies steps one at a time against a single shared handle. A failed
// step is recorded and the run moves on; only plan errors stop it up front.
type Runner struct {
	DB          Execer
	Inspector   *schema.Inspector
	Journal     *Storage // nil disables the journal
	AppliedBy   string
	StepTimeout time.Duration // zero means no per-step deadline
	DryRun      bool

	mu    sync.Mutex
	state State
}

func NewRunner(database Execer, appliedBy string) *Runner {
	if strings.TrimSpace(appliedBy) == "" {
		appliedBy = defaultAppliedBy()
	}
	return &Runner{
		DB:        database,
		Inspector: schema.NewInspector(database),
		AppliedBy: appliedBy,
	}
}

func defaultAppliedBy() string {
	u, err := user.Current()
	if err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

var validate = validator.New()

// ValidateSteps rejects a batch with duplicate names or incomplete steps.
func ValidateSteps(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s == nil {
			return &PlanError{Step: fmt.Sprintf("#%d", i+1), Err: errors.New("nil step")}
		}
		if err := validate.Struct(s); err != nil {
			return &PlanError{Step: stepLabel(s, i), Err: describeValidation(err)}
		}
		if seen[s.Name()] {
			return &PlanError{Step: s.Name(), Err: ErrDuplicateStep}
		}
		seen[s.Name()] = true
	}
	return nil
}

func stepLabel(s Step, i int) string {
	if s.Name() != "" {
		return s.Name()
	}
	return fmt.Sprintf("#%d (%s)", i+1, s.Kind())
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if field == "stepname" {
			field = "name"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
	}
	return errors.New("invalid " + strings.Join(parts, ", "))
}

// Apply runs every step exactly once, in order, and returns the report. The
// returned error is non-nil only when the batch is rejected before it starts.
func (r *Runner) Apply(ctx context.Context, plan *Plan, progress ProgressFunc) (*Report, error) {
	if err := ValidateSteps(plan.Steps); err != nil {
		var pe *PlanError
		if errors.As(err, &pe) && pe.Source == "" {
			pe.Source = plan.Source
		}
		return nil, err
	}
	r.mu.Lock()
	if r.state == StateRunning {
		r.mu.Unlock()
		return nil, ErrRunInProgress
	}
	r.state = StateRunning
	r.mu.Unlock()
	defer r.setState(StateCompleted)

	rep := &Report{
		RunID:       uuid.NewString(),
		Plan:        plan.Name,
		Fingerprint: plan.Fingerprint,
		DryRun:      r.DryRun,
		StartedAt:   time.Now().UTC(),
	}
	for _, step := range plan.Steps {
		if progress != nil {
			progress("start", step, nil, nil)
		}
		res := r.runStep(ctx, step)
		rep.add(res)
		if r.Journal != nil {
			if err := r.Journal.Record(ctx, entryFor(rep, r.AppliedBy, res)); err != nil && progress != nil {
				progress("journal", step, &res, err)
			}
		}
		if progress != nil {
			progress("done", step, &res, res.Err)
		}
	}
	rep.FinishedAt = time.Now().UTC()
	return rep, nil
}

func (r *Runner) runStep(ctx context.Context, step Step) StepResult {
	if r.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.StepTimeout)
		defer cancel()
	}
	start := time.Now()
	res := StepResult{
		Name:       step.Name(),
		Kind:       step.Kind(),
		Idempotent: step.Idempotent(),
		StartedAt:  start.UTC(),
	}
	finish := func(o Outcome, err error) StepResult {
		res.Outcome = o
		// after Check, so steps that read the live schema describe the real statement
		res.SQL = step.Describe()
		res.DurationMS = time.Since(start).Milliseconds()
		if err != nil {
			res.Err = err
			res.Error = err.Error()
		}
		return res
	}

	satisfied, err := step.Check(ctx, r.Inspector)
	if err != nil {
		var sqe *schema.SchemaQueryError
		if !errors.As(err, &sqe) {
			err = &schema.SchemaQueryError{Op: "precondition", Err: err}
		}
		return finish(OutcomeFailed, err)
	}
	if satisfied {
		return finish(OutcomeSkipped, nil)
	}
	if r.DryRun {
		return finish(OutcomePlanned, nil)
	}
	if err := step.Apply(ctx, r.DB, r.Inspector); err != nil {
		return finish(OutcomeFailed, &StepExecutionError{Step: step.Name(), Err: err})
	}
	return finish(OutcomeApplied, nil)
}

// ApplySteps runs an inline list of steps that did not come from a plan file.
func (r *Runner) ApplySteps(ctx context.Context, steps ...Step) (*Report, error) {
	return r.Apply(ctx, &Plan{Steps: steps}, nil)
}
