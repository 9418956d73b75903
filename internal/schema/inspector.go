// Package schema reads live table metadata from INFORMATION_SCHEMA.
//
// Nothing is cached: every call reflects the schema at the moment it runs,
// because steps earlier in the same run may have changed it.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	ErrTableNotFound  = errors.New("table not found")
	ErrColumnNotFound = errors.New("column not found")
	ErrNotEnum        = errors.New("column is not an ENUM")
)

// SchemaQueryError reports a failed metadata lookup. It is scoped to the step
// that asked; callers check errors.Is(err, ErrTableNotFound) to tell "absent"
// apart from a broken query.
type SchemaQueryError struct {
	Op     string
	Table  string
	Column string
	Err    error
}

func (e *SchemaQueryError) Error() string {
	target := e.Table
	if e.Column != "" {
		target += "." + e.Column
	}
	if target == "" {
		return fmt.Sprintf("schema %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("schema %s %s: %v", e.Op, target, e.Err)
}

func (e *SchemaQueryError) Unwrap() error { return e.Err }

type Column struct {
	Name     string
	Type     string // COLUMN_TYPE, e.g. varchar(20) or enum('a','b')
	Nullable bool
	Default  *string
}

// Snapshot maps table name to its columns in ordinal order.
type Snapshot map[string][]Column

type Inspector struct {
	q Querier
}

func NewInspector(q Querier) *Inspector {
	return &Inspector{q: q}
}

const columnsQuery = `SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`

// ListColumns returns the columns of table. A table with no visible columns is
// reported as ErrTableNotFound.
func (in *Inspector) ListColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := in.q.QueryContext(ctx, columnsQuery, table)
	if err != nil {
		return nil, &SchemaQueryError{Op: "list columns", Table: table, Err: err}
	}
	defer rows.Close()
	var out []Column
	for rows.Next() {
		var (
			c        Column
			nullable string
			def      sql.NullString
		)
		if err := rows.Scan(&c.Name, &c.Type, &nullable, &def); err != nil {
			return nil, &SchemaQueryError{Op: "list columns", Table: table, Err: err}
		}
		c.Nullable = strings.EqualFold(nullable, "YES")
		if def.Valid {
			v := def.String
			c.Default = &v
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &SchemaQueryError{Op: "list columns", Table: table, Err: err}
	}
	if len(out) == 0 {
		return nil, &SchemaQueryError{Op: "list columns", Table: table, Err: ErrTableNotFound}
	}
	return out, nil
}

// Column returns one column descriptor.
func (in *Inspector) Column(ctx context.Context, table, column string) (Column, error) {
	cols, err := in.ListColumns(ctx, table)
	if err != nil {
		return Column{}, err
	}
	for _, c := range cols {
		if strings.EqualFold(c.Name, column) {
			return c, nil
		}
	}
	return Column{}, &SchemaQueryError{Op: "column", Table: table, Column: column, Err: ErrColumnNotFound}
}

func (in *Inspector) HasColumn(ctx context.Context, table, column string) (bool, error) {
	_, err := in.Column(ctx, table, column)
	if errors.Is(err, ErrColumnNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (in *Inspector) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := in.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, table).Scan(&n)
	if err != nil {
		return false, &SchemaQueryError{Op: "table exists", Table: table, Err: err}
	}
	return n > 0, nil
}

// EnumValues returns the allowed values of an ENUM column in declaration order.
func (in *Inspector) EnumValues(ctx context.Context, table, column string) ([]string, error) {
	c, err := in.Column(ctx, table, column)
	if err != nil {
		return nil, err
	}
	vals, err := ParseEnum(c.Type)
	if err != nil {
		return nil, &SchemaQueryError{Op: "enum values", Table: table, Column: column, Err: err}
	}
	return vals, nil
}

func (in *Inspector) ForeignKeyExists(ctx context.Context, table, constraint string) (bool, error) {
	var n int
	err := in.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS
WHERE CONSTRAINT_SCHEMA = DATABASE() AND TABLE_NAME = ? AND CONSTRAINT_NAME = ? AND CONSTRAINT_TYPE = 'FOREIGN KEY'`,
		table, constraint).Scan(&n)
	if err != nil {
		return false, &SchemaQueryError{Op: "foreign key exists", Table: table, Column: constraint, Err: err}
	}
	return n > 0, nil
}

// ColumnForeignKeys lists foreign key constraints defined on column.
func (in *Inspector) ColumnForeignKeys(ctx context.Context, table, column string) ([]string, error) {
	return in.names(ctx, "column foreign keys", table, column, `SELECT DISTINCT CONSTRAINT_NAME
FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL
ORDER BY CONSTRAINT_NAME`)
}

// ColumnIndexes lists non-primary indexes that cover column.
func (in *Inspector) ColumnIndexes(ctx context.Context, table, column string) ([]string, error) {
	return in.names(ctx, "column indexes", table, column, `SELECT DISTINCT INDEX_NAME
FROM INFORMATION_SCHEMA.STATISTICS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ? AND INDEX_NAME <> 'PRIMARY'
ORDER BY INDEX_NAME`)
}

func (in *Inspector) names(ctx context.Context, op, table, column, query string) ([]string, error) {
	rows, err := in.q.QueryContext(ctx, query, table, column)
	if err != nil {
		return nil, &SchemaQueryError{Op: op, Table: table, Column: column, Err: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, &SchemaQueryError{Op: op, Table: table, Column: column, Err: err}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, &SchemaQueryError{Op: op, Table: table, Column: column, Err: err}
	}
	return out, nil
}

// Snapshot fetches the columns of each table. Absent tables are left out.
func (in *Inspector) Snapshot(ctx context.Context, tables ...string) (Snapshot, error) {
	snap := make(Snapshot, len(tables))
	for _, t := range tables {
		cols, err := in.ListColumns(ctx, t)
		if errors.Is(err, ErrTableNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		snap[t] = cols
	}
	return snap, nil
}

// Count returns the number of rows in table matching where, a SQL predicate.
func (in *Inspector) Count(ctx context.Context, table, where string, args ...any) (int64, error) {
	var n int64
	q := "SELECT COUNT(*) FROM " + QuoteIdent(table) + " WHERE " + where
	if err := in.q.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, &SchemaQueryError{Op: "count", Table: table, Err: err}
	}
	return n, nil
}

// Scalar runs a query that yields a single integer, such as a guard COUNT(*).
func (in *Inspector) Scalar(ctx context.Context, query string, args ...any) (int64, error) {
	var n sql.NullInt64
	if err := in.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, &SchemaQueryError{Op: "scalar", Err: err}
	}
	return n.Int64, nil
}
