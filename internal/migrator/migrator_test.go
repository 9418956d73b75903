package migrator

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirajehossain/evolvex/internal/schema"
)

var columnHeaders = []string{"COLUMN_NAME", "COLUMN_TYPE", "IS_NULLABLE", "COLUMN_DEFAULT"}

func newTestRunner(t *testing.T) (*Runner, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRunner(db, "tester"), mock, db
}

func expectColumns(mock sqlmock.Sqlmock, table string, cols ...[]any) {
	rows := sqlmock.NewRows(columnHeaders)
	for _, c := range cols {
		vals := make([]driver.Value, len(c))
		for i, v := range c {
			vals[i] = v
		}
		rows.AddRow(vals...)
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.COLUMNS")).WithArgs(table).WillReturnRows(rows)
}

func expectTable(mock sqlmock.Sqlmock, table string, exists bool) {
	n := 0
	if exists {
		n = 1
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.TABLES")).WithArgs(table).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(n))
}

func col(name, typ string) []any { return []any{name, typ, "YES", nil} }

func outcomes(rep *Report) []Outcome {
	out := make([]Outcome, len(rep.Results))
	for i, r := range rep.Results {
		out[i] = r.Outcome
	}
	return out
}

func TestAddColumnTwiceIsIdempotent(t *testing.T) {
	r, mock, _ := newTestRunner(t)
	ctx := context.Background()
	step := &AddColumn{StepName: "students.gender", Table: "students", Column: "gender", Type: "VARCHAR(20)"}

	expectColumns(mock, "students", col("id", "int"))
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE `students` ADD COLUMN `gender` VARCHAR(20)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rep, err := r.ApplySteps(ctx, step)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeApplied}, outcomes(rep))
	assert.Equal(t, StateCompleted, r.State())

	// second run sees the column and must not issue another ALTER
	expectColumns(mock, "students", col("id", "int"), col("gender", "varchar(20)"))
	rep, err = r.ApplySteps(ctx, step)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeSkipped}, outcomes(rep))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWidenEnumAddsMissingValues(t *testing.T) {
	r, mock, _ := newTestRunner(t)
	ctx := context.Background()
	step := &WidenEnum{StepName: "widen status", Table: "course_work_status", Column: "status", Values: []string{"active", "inactive"}}

	active := []any{"status", "enum('active')", "YES", "active"}
	expectColumns(mock, "course_work_status", active)
	expectColumns(mock, "course_work_status", active)
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE `course_work_status` MODIFY COLUMN `status` ENUM('active','inactive') NULL DEFAULT 'active'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectColumns(mock, "course_work_status", []any{"status", "enum('active','inactive')", "YES", "active"})

	rep, err := r.ApplySteps(ctx, step)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeApplied}, outcomes(rep))

	vals, err := r.Inspector.EnumValues(ctx, "course_work_status", "status")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"active", "inactive"}, vals)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWidenEnumSkipsWhenValuesPresent(t *testing.T) {
	r, mock, _ := newTestRunner(t)
	expectColumns(mock, "tests", []any{"status", "enum('active','Inactive')", "NO", "active"})

	rep, err := r.ApplySteps(context.Background(),
		&WidenEnum{StepName: "w", Table: "tests", Column: "status", Values: []string{"inactive"}})
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeSkipped}, outcomes(rep))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropMissingForeignKeyIsSkipped(t *testing.T) {
	r, mock, _ := newTestRunner(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS")).
		WithArgs("session_change_requests", "fk_x").
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(0))

	rep, err := r.ApplySteps(context.Background(),
		&DropForeignKey{StepName: "drop fk_x", Table: "session_change_requests", Constraint: "fk_x"})
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeSkipped}, outcomes(rep))
	assert.False(t, rep.Failed())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailedStepDoesNotStopTheRun(t *testing.T) {
	r, mock, _ := newTestRunner(t)
	steps := []Step{
		&AddColumn{StepName: "one", Table: "students", Column: "a", Type: "INT"},
		&AddColumn{StepName: "two", Table: "students", Column: "b", Type: "INT"},
		&CreateTable{StepName: "three", Table: "shifts", Definition: "id INT PRIMARY KEY"},
		&SQL{StepName: "four", Statement: "UPDATE students SET a = 1"},
	}
	expectColumns(mock, "students", col("id", "int"))
	mock.ExpectExec(regexp.QuoteMeta("ADD COLUMN `a` INT")).WillReturnResult(sqlmock.NewResult(0, 0))
	expectColumns(mock, "students", col("id", "int"), col("a", "int"))
	mock.ExpectExec(regexp.QuoteMeta("ADD COLUMN `b` INT")).WillReturnError(errors.New("boom"))
	expectTable(mock, "shifts", false)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `shifts`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE students SET a = 1")).WillReturnResult(sqlmock.NewResult(0, 3))

	rep, err := r.Apply(context.Background(), &Plan{Name: "batch", Steps: steps}, nil)
	require.NoError(t, err)
	require.Len(t, rep.Results, 4)
	for i, name := range []string{"one", "two", "three", "four"} {
		assert.Equal(t, name, rep.Results[i].Name, "declaration order")
	}
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeFailed, OutcomeApplied, OutcomeApplied}, outcomes(rep))
	assert.Contains(t, rep.Results[1].Error, "boom")
	var se *StepExecutionError
	require.ErrorAs(t, rep.Results[1].Err, &se)
	assert.Equal(t, "two", se.Step)
	assert.True(t, rep.Failed())
	assert.False(t, rep.Results[3].Idempotent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPreconditionFailureIsScopedToStep(t *testing.T) {
	r, mock, _ := newTestRunner(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.COLUMNS")).WillReturnError(errors.New("access denied"))
	expectColumns(mock, "students", col("id", "int"), col("b", "int"))

	rep, err := r.ApplySteps(context.Background(),
		&AddColumn{StepName: "one", Table: "students", Column: "a", Type: "INT"},
		&AddColumn{StepName: "two", Table: "students", Column: "b", Type: "INT"},
	)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeFailed, OutcomeSkipped}, outcomes(rep))
	var sqe *schema.SchemaQueryError
	assert.ErrorAs(t, rep.Results[0].Err, &sqe)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddColumnOnMissingTableFails(t *testing.T) {
	r, mock, _ := newTestRunner(t)
	expectColumns(mock, "ghost")

	rep, err := r.ApplySteps(context.Background(), &AddColumn{StepName: "x", Table: "ghost", Column: "a", Type: "INT"})
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeFailed}, outcomes(rep))
	assert.ErrorIs(t, rep.Results[0].Err, schema.ErrTableNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDuplicateNamesRejectBatch(t *testing.T) {
	r, mock, _ := newTestRunner(t)
	_, err := r.ApplySteps(context.Background(),
		&DropColumn{StepName: "same", Table: "a", Column: "x"},
		&DropColumn{StepName: "same", Table: "b", Column: "x"},
	)
	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrDuplicateStep)
	assert.Equal(t, StateIdle, r.State())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncompleteStepRejectsBatch(t *testing.T) {
	r, _, _ := newTestRunner(t)
	_, err := r.ApplySteps(context.Background(), &AddColumn{StepName: "no type", Table: "students", Column: "a"})
	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "type: required")
}

func TestDryRunPlansWithoutExecuting(t *testing.T) {
	r, mock, _ := newTestRunner(t)
	r.DryRun = true
	expectColumns(mock, "students", col("id", "int"))
	expectColumns(mock, "students", col("id", "int"), col("b", "int"))

	rep, err := r.ApplySteps(context.Background(),
		&AddColumn{StepName: "a", Table: "students", Column: "a", Type: "INT"},
		&AddColumn{StepName: "b", Table: "students", Column: "b", Type: "INT"},
	)
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomePlanned, OutcomeSkipped}, outcomes(rep))
	assert.True(t, rep.DryRun)
	assert.Equal(t, 1, rep.Counts().Planned)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalAndProgress(t *testing.T) {
	r, mock, db := newTestRunner(t)
	r.Journal = &Storage{DB: db, Table: "schema_evolution_log"}

	expectColumns(mock, "students", col("id", "int"))
	mock.ExpectExec(regexp.QuoteMeta("ADD COLUMN `a` INT")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `schema_evolution_log`")).
		WithArgs(sqlmock.AnyArg(), "p", "a", "add_column", "applied", nil, sqlmock.AnyArg(), sqlmock.AnyArg(), "tester").
		WillReturnResult(sqlmock.NewResult(1, 1))

	var stages []string
	progress := func(stage string, step Step, res *StepResult, err error) {
		stages = append(stages, stage+":"+step.Name())
	}
	rep, err := r.Apply(context.Background(), &Plan{Name: "p", Steps: []Step{
		&AddColumn{StepName: "a", Table: "students", Column: "a", Type: "INT"},
	}}, progress)
	require.NoError(t, err)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, []string{"start:a", "done:a"}, stages)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalFailureKeepsOutcome(t *testing.T) {
	r, mock, db := newTestRunner(t)
	r.Journal = &Storage{DB: db, Table: "schema_evolution_log"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS")).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `schema_evolution_log`")).WillReturnError(errors.New("read only"))

	var journalErr error
	rep, err := r.Apply(context.Background(), &Plan{Steps: []Step{
		&DropForeignKey{StepName: "fk", Table: "t", Constraint: "fk"},
	}}, func(stage string, _ Step, _ *StepResult, err error) {
		if stage == "journal" {
			journalErr = err
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeSkipped}, outcomes(rep))
	assert.EqualError(t, journalErr, "read only")
}

func TestStepTimeout(t *testing.T) {
	r, mock, _ := newTestRunner(t)
	r.StepTimeout = 20 * time.Millisecond
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `students`")).
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	expectColumns(mock, "students", col("id", "int"), col("a", "int"))

	start := time.Now()
	rep, err := r.ApplySteps(context.Background(),
		&Backfill{StepName: "slow", Table: "students", Where: "a IS NULL", Set: "a = 0"},
		&AddColumn{StepName: "next", Table: "students", Column: "a", Type: "INT"},
	)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, []Outcome{OutcomeFailed, OutcomeSkipped}, outcomes(rep))
}
