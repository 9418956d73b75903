package migrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/mirajehossain/evolvex/internal/schema"
)

// Step is one declarative schema or data change. Check reports whether the
// change is already in place; Apply is only called when it is not.
type Step interface {
	Name() string
	Kind() Kind
	// Idempotent is false only for steps whose Check can never report
	// satisfied, such as unguarded raw SQL.
	Idempotent() bool
	Check(ctx context.Context, in *schema.Inspector) (satisfied bool, err error)
	Apply(ctx context.Context, ex Execer, in *schema.Inspector) error
	// Describe is the statement the step would run, for dry runs and reports.
	Describe() string
}

// MySQL error 1091: can't DROP; check that column/key exists.
const errCantDropFieldOrKey = 1091

func isMySQLError(err error, number uint16) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == number
}

func exec(ctx context.Context, ex Execer, stmt string, args ...any) error {
	_, err := ex.ExecContext(ctx, stmt, args...)
	return err
}

func alter(table string) string { return "ALTER TABLE " + schema.QuoteIdent(table) }

// AddColumn adds Column to Table unless it already exists.
type AddColumn struct {
	StepName string `validate:"required"`
	Table    string `validate:"required"`
	Column   string `validate:"required"`
	Type     string `validate:"required"`
	// Default is a SQL expression, e.g. 'USD' or NULL. Empty means no clause.
	Default string
	After   string
}

func (s *AddColumn) Name() string     { return s.StepName }
func (s *AddColumn) Kind() Kind       { return KindAddColumn }
func (s *AddColumn) Idempotent() bool { return true }

func (s *AddColumn) Check(ctx context.Context, in *schema.Inspector) (bool, error) {
	return in.HasColumn(ctx, s.Table, s.Column)
}

func (s *AddColumn) Describe() string {
	stmt := fmt.Sprintf("%s ADD COLUMN %s %s", alter(s.Table), schema.QuoteIdent(s.Column), s.Type)
	if s.Default != "" {
		stmt += " DEFAULT " + s.Default
	}
	if s.After != "" {
		stmt += " AFTER " + schema.QuoteIdent(s.After)
	}
	return stmt
}

func (s *AddColumn) Apply(ctx context.Context, ex Execer, _ *schema.Inspector) error {
	return exec(ctx, ex, s.Describe())
}

// CreateTable creates Table from Definition, the column and key list that goes
// between the parentheses, when the table is absent.
type CreateTable struct {
	StepName   string `validate:"required"`
	Table      string `validate:"required"`
	Definition string `validate:"required"`
	Options    string
}

func (s *CreateTable) Name() string     { return s.StepName }
func (s *CreateTable) Kind() Kind       { return KindCreateTable }
func (s *CreateTable) Idempotent() bool { return true }

func (s *CreateTable) Check(ctx context.Context, in *schema.Inspector) (bool, error) {
	return in.TableExists(ctx, s.Table)
}

func (s *CreateTable) Describe() string {
	def := strings.TrimSpace(s.Definition)
	if !(strings.HasPrefix(def, "(") && strings.HasSuffix(def, ")")) {
		def = "(\n  " + def + "\n)"
	}
	stmt := "CREATE TABLE IF NOT EXISTS " + schema.QuoteIdent(s.Table) + " " + def
	if s.Options != "" {
		stmt += " " + s.Options
	}
	return stmt
}

func (s *CreateTable) Apply(ctx context.Context, ex Execer, _ *schema.Inspector) error {
	return exec(ctx, ex, s.Describe())
}

// WidenEnum adds Values to an ENUM column. Existing values keep their order and
// are never removed; nullability and default carry over unless Default is set.
type WidenEnum struct {
	StepName string   `validate:"required"`
	Table    string   `validate:"required"`
	Column   string   `validate:"required"`
	Values   []string `validate:"required,min=1,dive,required"`
	// Default is a plain value, not a SQL expression.
	Default string

	stmt string // built by the last unsatisfied Check
}

func (s *WidenEnum) Name() string     { return s.StepName }
func (s *WidenEnum) Kind() Kind       { return KindWidenEnum }
func (s *WidenEnum) Idempotent() bool { return true }

func (s *WidenEnum) Check(ctx context.Context, in *schema.Inspector) (bool, error) {
	s.stmt = ""
	col, err := in.Column(ctx, s.Table, s.Column)
	if err != nil {
		return false, err
	}
	current, err := schema.ParseEnum(col.Type)
	if err != nil {
		return false, &schema.SchemaQueryError{Op: "enum values", Table: s.Table, Column: s.Column, Err: err}
	}
	if len(missingValues(current, s.Values)) == 0 &&
		(s.Default == "" || (col.Default != nil && *col.Default == s.Default)) {
		return true, nil
	}
	s.stmt = s.statement(col, current)
	return false, nil
}

// missingValues returns the wanted values absent from have. ENUM members
// compare case-insensitively under the default collations.
func missingValues(have, want []string) []string {
	var out []string
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, w)
		}
	}
	return out
}

// Describe is the exact statement once Check has read the column, otherwise a
// summary of the values to add.
func (s *WidenEnum) Describe() string {
	if s.stmt != "" {
		return s.stmt
	}
	quoted := make([]string, len(s.Values))
	for i, v := range s.Values {
		quoted[i] = schema.QuoteString(v)
	}
	return fmt.Sprintf("widen ENUM %s.%s with %s", schema.QuoteIdent(s.Table), schema.QuoteIdent(s.Column), strings.Join(quoted, ","))
}

func (s *WidenEnum) statement(col schema.Column, current []string) string {
	values := append(append([]string{}, current...), missingValues(current, s.Values)...)
	stmt := fmt.Sprintf("%s MODIFY COLUMN %s %s", alter(s.Table), schema.QuoteIdent(s.Column), schema.EnumType(values))
	if col.Nullable {
		stmt += " NULL"
	} else {
		stmt += " NOT NULL"
	}
	switch {
	case s.Default != "":
		stmt += " DEFAULT " + schema.QuoteString(s.Default)
	case col.Default != nil:
		stmt += " DEFAULT " + schema.QuoteString(*col.Default)
	}
	return stmt
}

func (s *WidenEnum) Apply(ctx context.Context, ex Execer, in *schema.Inspector) error {
	col, err := in.Column(ctx, s.Table, s.Column)
	if err != nil {
		return err
	}
	current, err := schema.ParseEnum(col.Type)
	if err != nil {
		return err
	}
	s.stmt = s.statement(col, current)
	return exec(ctx, ex, s.stmt)
}

// Backfill updates rows matching Where. It is satisfied once no row matches,
// so Set must make Where false for the rows it touches.
type Backfill struct {
	StepName  string `validate:"required"`
	Table     string `validate:"required"`
	Where     string `validate:"required"`
	Set       string `validate:"required"`
	SetArgs   []any
	WhereArgs []any
}

func (s *Backfill) Name() string     { return s.StepName }
func (s *Backfill) Kind() Kind       { return KindBackfill }
func (s *Backfill) Idempotent() bool { return true }

func (s *Backfill) Check(ctx context.Context, in *schema.Inspector) (bool, error) {
	n, err := in.Count(ctx, s.Table, s.Where, s.WhereArgs...)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *Backfill) Describe() string {
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", schema.QuoteIdent(s.Table), s.Set, s.Where)
}

func (s *Backfill) Apply(ctx context.Context, ex Execer, _ *schema.Inspector) error {
	args := append(append([]any{}, s.SetArgs...), s.WhereArgs...)
	return exec(ctx, ex, s.Describe(), args...)
}

// DropForeignKey removes a constraint if present. A constraint that is already
// gone is never an error.
type DropForeignKey struct {
	StepName   string `validate:"required"`
	Table      string `validate:"required"`
	Constraint string `validate:"required"`
}

func (s *DropForeignKey) Name() string     { return s.StepName }
func (s *DropForeignKey) Kind() Kind       { return KindDropForeignKey }
func (s *DropForeignKey) Idempotent() bool { return true }

func (s *DropForeignKey) Check(ctx context.Context, in *schema.Inspector) (bool, error) {
	ok, err := in.ForeignKeyExists(ctx, s.Table, s.Constraint)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (s *DropForeignKey) Describe() string {
	return alter(s.Table) + " DROP FOREIGN KEY " + schema.QuoteIdent(s.Constraint)
}

func (s *DropForeignKey) Apply(ctx context.Context, ex Execer, _ *schema.Inspector) error {
	err := exec(ctx, ex, s.Describe())
	if isMySQLError(err, errCantDropFieldOrKey) {
		return nil
	}
	return err
}

// ModifyColumn changes a column's declared type and, when set, its nullability
// and default. It is satisfied when the live column already matches.
type ModifyColumn struct {
	StepName string `validate:"required"`
	Table    string `validate:"required"`
	Column   string `validate:"required"`
	Type     string `validate:"required"`
	Nullable *bool
	Default  string
}

func (s *ModifyColumn) Name() string     { return s.StepName }
func (s *ModifyColumn) Kind() Kind       { return KindModifyColumn }
func (s *ModifyColumn) Idempotent() bool { return true }

func (s *ModifyColumn) Check(ctx context.Context, in *schema.Inspector) (bool, error) {
	col, err := in.Column(ctx, s.Table, s.Column)
	if err != nil {
		return false, err
	}
	if normalizeType(col.Type) != normalizeType(s.Type) {
		return false, nil
	}
	if s.Nullable != nil && *s.Nullable != col.Nullable {
		return false, nil
	}
	if s.Default != "" && !defaultMatches(s.Default, col.Default) {
		return false, nil
	}
	return true, nil
}

// defaultMatches compares a DEFAULT expression with the default reported by
// INFORMATION_SCHEMA, where MySQL stores string literals unquoted.
func defaultMatches(expr string, live *string) bool {
	expr = strings.TrimSpace(expr)
	if strings.EqualFold(expr, "NULL") {
		return live == nil || strings.EqualFold(*live, "NULL")
	}
	if live == nil {
		return false
	}
	got := *live
	if v, ok := schema.UnquoteString(got); ok {
		got = v
	}
	if v, ok := schema.UnquoteString(expr); ok {
		return v == got
	}
	return strings.EqualFold(strings.TrimSuffix(expr, "()"), strings.TrimSuffix(got, "()"))
}

var (
	intDisplayWidth = regexp.MustCompile(`\b(tinyint|smallint|mediumint|bigint|integer|int)\(\d+\)`)
	typePunctSpace  = regexp.MustCompile(`\s*([(),])\s*`)
)

// normalizeType canonicalizes a column type for comparison. Keywords are
// case-folded and integer display widths dropped, so "INT" matches MySQL 5.7's
// "int(11)"; quoted ENUM/SET members are compared as written.
func normalizeType(t string) string {
	parts := splitQuoted(strings.TrimSpace(t))
	for i := 0; i < len(parts); i += 2 {
		p := strings.ToLower(parts[i])
		p = typePunctSpace.ReplaceAllString(p, "$1")
		p = intDisplayWidth.ReplaceAllString(p, "$1")
		p = strings.Join(strings.Fields(p), " ")
		parts[i] = strings.ReplaceAll(p, "integer", "int")
	}
	return strings.Join(parts, "")
}

// splitQuoted splits s into alternating unquoted and single-quoted segments;
// odd indexes hold the quoted ones, quotes included.
func splitQuoted(s string) []string {
	var parts []string
	start, in := 0, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !in {
			if c == '\'' {
				parts = append(parts, s[start:i])
				start, in = i, true
			}
			continue
		}
		switch {
		case c == '\\':
			i++
		case c == '\'' && i+1 < len(s) && s[i+1] == '\'':
			i++
		case c == '\'':
			parts = append(parts, s[start:i+1])
			start, in = i+1, false
		}
	}
	return append(parts, s[start:])
}

func (s *ModifyColumn) Describe() string {
	stmt := fmt.Sprintf("%s MODIFY COLUMN %s %s", alter(s.Table), schema.QuoteIdent(s.Column), s.Type)
	if s.Nullable != nil {
		if *s.Nullable {
			stmt += " NULL"
		} else {
			stmt += " NOT NULL"
		}
	}
	if s.Default != "" {
		stmt += " DEFAULT " + s.Default
	}
	return stmt
}

func (s *ModifyColumn) Apply(ctx context.Context, ex Execer, _ *schema.Inspector) error {
	return exec(ctx, ex, s.Describe())
}

// RenameColumn renames From to To with the given definition.
type RenameColumn struct {
	StepName string `validate:"required"`
	Table    string `validate:"required"`
	From     string `validate:"required"`
	To       string `validate:"required,nefield=From"`
	Type     string `validate:"required"`
}

func (s *RenameColumn) Name() string     { return s.StepName }
func (s *RenameColumn) Kind() Kind       { return KindRenameColumn }
func (s *RenameColumn) Idempotent() bool { return true }

func (s *RenameColumn) Check(ctx context.Context, in *schema.Inspector) (bool, error) {
	cols, err := in.ListColumns(ctx, s.Table)
	if err != nil {
		return false, err
	}
	var hasFrom, hasTo bool
	for _, c := range cols {
		hasFrom = hasFrom || strings.EqualFold(c.Name, s.From)
		hasTo = hasTo || strings.EqualFold(c.Name, s.To)
	}
	switch {
	case hasFrom && !hasTo:
		return false, nil
	case !hasFrom && hasTo:
		return true, nil
	case hasFrom && hasTo:
		return false, &schema.SchemaQueryError{Op: "rename column", Table: s.Table, Column: s.To,
			Err: fmt.Errorf("both %s and %s exist", s.From, s.To)}
	}
	return false, &schema.SchemaQueryError{Op: "rename column", Table: s.Table, Column: s.From, Err: schema.ErrColumnNotFound}
}

func (s *RenameColumn) Describe() string {
	return fmt.Sprintf("%s CHANGE %s %s %s", alter(s.Table), schema.QuoteIdent(s.From), schema.QuoteIdent(s.To), s.Type)
}

func (s *RenameColumn) Apply(ctx context.Context, ex Execer, _ *schema.Inspector) error {
	return exec(ctx, ex, s.Describe())
}

// DropColumn removes a column together with the foreign keys and secondary
// indexes defined on it. An absent table or column counts as done.
type DropColumn struct {
	StepName string `validate:"required"`
	Table    string `validate:"required"`
	Column   string `validate:"required"`
}

func (s *DropColumn) Name() string     { return s.StepName }
func (s *DropColumn) Kind() Kind       { return KindDropColumn }
func (s *DropColumn) Idempotent() bool { return true }

func (s *DropColumn) Check(ctx context.Context, in *schema.Inspector) (bool, error) {
	ok, err := in.HasColumn(ctx, s.Table, s.Column)
	if errors.Is(err, schema.ErrTableNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (s *DropColumn) Describe() string {
	return alter(s.Table) + " DROP COLUMN " + schema.QuoteIdent(s.Column)
}

func (s *DropColumn) Apply(ctx context.Context, ex Execer, in *schema.Inspector) error {
	fks, err := in.ColumnForeignKeys(ctx, s.Table, s.Column)
	if err != nil {
		return err
	}
	for _, fk := range fks {
		if err := exec(ctx, ex, alter(s.Table)+" DROP FOREIGN KEY "+schema.QuoteIdent(fk)); err != nil && !isMySQLError(err, errCantDropFieldOrKey) {
			return fmt.Errorf("drop foreign key %s: %w", fk, err)
		}
	}
	idx, err := in.ColumnIndexes(ctx, s.Table, s.Column)
	if err != nil {
		return err
	}
	for _, name := range idx {
		if err := exec(ctx, ex, alter(s.Table)+" DROP INDEX "+schema.QuoteIdent(name)); err != nil && !isMySQLError(err, errCantDropFieldOrKey) {
			return fmt.Errorf("drop index %s: %w", name, err)
		}
	}
	return exec(ctx, ex, s.Describe())
}

// SQL runs a raw statement. Unless is an optional scalar query; a result
// greater than zero means the statement has already been applied.
type SQL struct {
	StepName  string `validate:"required"`
	Statement string `validate:"required"`
	Unless    string
}

func (s *SQL) Name() string     { return s.StepName }
func (s *SQL) Kind() Kind       { return KindSQL }
func (s *SQL) Idempotent() bool { return s.Unless != "" }

func (s *SQL) Check(ctx context.Context, in *schema.Inspector) (bool, error) {
	if s.Unless == "" {
		return false, nil
	}
	n, err := in.Scalar(ctx, s.Unless)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQL) Describe() string { return strings.TrimSpace(s.Statement) }

func (s *SQL) Apply(ctx context.Context, ex Execer, _ *schema.Inspector) error {
	return exec(ctx, ex, s.Statement)
}
