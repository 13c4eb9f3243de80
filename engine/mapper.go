// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/logger"
	"vitess.io/vitess/go/vt/sqlparser"
)

// Supported aggregate functions.
const (
	FuncCount = "count"
	FuncSum   = "sum"
	FuncMin   = "min"
	FuncMax   = "max"
)

// TableRef is one table of the FROM clause.
type TableRef struct {
	Name  string
	Alias string
}

// ColumnRef names a column, optionally qualified by a table name or alias.
type ColumnRef struct {
	Qualifier string
	Name      string
}

func (c ColumnRef) String() string {
	if c.Qualifier == "" {
		return c.Name
	}
	return c.Qualifier + "." + c.Name
}

// Aggregate is one output column. Column is nil for count(*) and count(1).
type Aggregate struct {
	Func   string
	Column *ColumnRef
	Alias  string
}

// Name returns the output column name.
func (a Aggregate) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Column == nil {
		return a.Func
	}
	return a.Func + "(" + a.Column.String() + ")"
}

// Predicate compares a column against another column or against a constant.
// The predicates of a Plan are ANDed.
type Predicate struct {
	Op    string
	Left  ColumnRef
	Right *ColumnRef
	Value int64
}

// Plan is a parsed aggregate query over the cross product of its tables.
type Plan struct {
	SQL        string
	Tables     []TableRef
	Aggregates []Aggregate
	Predicates []Predicate
}

// Mapper is responsible for mapping a SQL query to a Plan.
type Mapper struct {
	Logger logger.Logger
}

func NewMapper() *Mapper {
	return &Mapper{
		Logger: logger.NopLogger,
	}
}

// MapSQL parses sql, which must be a single SELECT of aggregates over one or
// more tables, into a Plan.
func (m *Mapper) MapSQL(sql string) (*Plan, error) {
	if parts := strings.Split(sql, ";"); len(parts) > 1 {
		var partCount int
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" && trimmed != "\x00" {
				partCount++
			}
		}
		if partCount != 1 {
			return nil, NewErrMultipleStatements()
		}
	}

	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, errors.Wrap(err, "parsing sql")
	}

	slct, ok := stmt.(*sqlparser.Select)
	if !ok {
		return nil, NewErrUnsupportedSQL(fmt.Sprintf("%T statements", stmt))
	}
	switch {
	case len(slct.GroupBy) > 0:
		return nil, NewErrUnsupportedSQL("GROUP BY")
	case slct.Having != nil:
		return nil, NewErrUnsupportedSQL("HAVING")
	case len(slct.OrderBy) > 0:
		return nil, NewErrUnsupportedSQL("ORDER BY")
	case slct.Limit != nil:
		return nil, NewErrUnsupportedSQL("LIMIT")
	}

	plan := &Plan{SQL: sql}
	for _, te := range slct.From {
		if err := extractTables(te, plan); err != nil {
			return nil, errors.Wrap(err, "extracting tables")
		}
	}
	if len(plan.Tables) == 0 {
		return nil, NewErrUnsupportedSQL("SELECT without FROM")
	}

	if plan.Aggregates, err = extractAggregates(slct.SelectExprs); err != nil {
		return nil, errors.Wrap(err, "extracting select expressions")
	}
	if slct.Where != nil {
		if err := extractPredicates(slct.Where.Expr, plan); err != nil {
			return nil, errors.Wrap(err, "extracting where clause")
		}
	}

	m.Logger.Debugf("mapped sql: tables=%v aggregates=%d predicates=%d", plan.Tables, len(plan.Aggregates), len(plan.Predicates))
	return plan, nil
}

func extractTables(te sqlparser.TableExpr, plan *Plan) error {
	switch tbl := te.(type) {
	case *sqlparser.AliasedTableExpr:
		name, ok := tbl.Expr.(sqlparser.TableName)
		if !ok {
			return NewErrUnsupportedSQL("subqueries")
		}
		plan.Tables = append(plan.Tables, TableRef{
			Name:  name.Name.String(),
			Alias: tbl.As.String(),
		})
		return nil
	case *sqlparser.JoinTableExpr:
		if tbl.Join != sqlparser.JoinStr {
			return NewErrUnsupportedSQL(tbl.Join)
		}
		if err := extractTables(tbl.LeftExpr, plan); err != nil {
			return err
		}
		if err := extractTables(tbl.RightExpr, plan); err != nil {
			return err
		}
		if tbl.Condition.On != nil {
			return extractPredicates(tbl.Condition.On, plan)
		}
		return nil
	case *sqlparser.ParenTableExpr:
		for _, e := range tbl.Exprs {
			if err := extractTables(e, plan); err != nil {
				return err
			}
		}
		return nil
	}
	return NewErrUnsupportedSQL(fmt.Sprintf("table expression %T", te))
}

func extractAggregates(exprs sqlparser.SelectExprs) ([]Aggregate, error) {
	aggs := make([]Aggregate, 0, len(exprs))
	for _, item := range exprs {
		expr, ok := item.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, NewErrUnsupportedSQL("only aggregate functions are supported in select")
		}
		fn, ok := expr.Expr.(*sqlparser.FuncExpr)
		if !ok {
			return nil, NewErrUnsupportedSQL("only aggregate functions are supported in select")
		}
		if fn.Distinct {
			return nil, NewErrUnsupportedSQL("DISTINCT aggregates")
		}

		agg := Aggregate{
			Func:  fn.Name.Lowered(),
			Alias: expr.As.String(),
		}
		if len(fn.Exprs) != 1 {
			return nil, errors.Errorf("function %s should have a single argument", agg.Func)
		}

		switch arg := fn.Exprs[0].(type) {
		case *sqlparser.StarExpr:
		case *sqlparser.AliasedExpr:
			switch e := arg.Expr.(type) {
			case *sqlparser.ColName:
				agg.Column = &ColumnRef{
					Qualifier: e.Qualifier.Name.String(),
					Name:      e.Name.String(),
				}
			case *sqlparser.SQLVal:
				if e.Type != sqlparser.IntVal {
					return nil, errors.Errorf("function %s: unsupported argument", agg.Func)
				}
			default:
				return nil, errors.Errorf("function %s: unsupported argument", agg.Func)
			}
		default:
			return nil, errors.Errorf("function %s: unsupported argument", agg.Func)
		}

		switch agg.Func {
		case FuncCount:
		case FuncSum, FuncMin, FuncMax:
			if agg.Column == nil {
				return nil, errors.Errorf("function %s requires a column argument", agg.Func)
			}
		default:
			return nil, NewErrUnsupportedSQL(fmt.Sprintf("function %s", agg.Func))
		}
		aggs = append(aggs, agg)
	}
	return aggs, nil
}

func extractPredicates(expr sqlparser.Expr, plan *Plan) error {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		if err := extractPredicates(e.Left, plan); err != nil {
			return err
		}
		return extractPredicates(e.Right, plan)
	case *sqlparser.ParenExpr:
		return extractPredicates(e.Expr, plan)
	case *sqlparser.ComparisonExpr:
		p, err := extractComparison(e)
		if err != nil {
			return err
		}
		plan.Predicates = append(plan.Predicates, p)
		return nil
	}
	return NewErrUnsupportedSQL(fmt.Sprintf("condition %s", sqlparser.String(expr)))
}

// flipped maps each comparison operator to the operator that gives the same
// result with its operands swapped.
var flipped = map[string]string{
	"=":  "=",
	"!=": "!=",
	"<>": "!=",
	"<":  ">",
	"<=": ">=",
	">":  "<",
	">=": "<=",
}

func extractComparison(e *sqlparser.ComparisonExpr) (Predicate, error) {
	op, ok := flipped[e.Operator]
	if !ok {
		return Predicate{}, NewErrUnsupportedSQL(fmt.Sprintf("operator %s", e.Operator))
	}

	left, lok := e.Left.(*sqlparser.ColName)
	right, rok := e.Right.(*sqlparser.ColName)
	switch {
	case lok && rok:
		return Predicate{
			Op:    normalizeOp(e.Operator),
			Left:  colRef(left),
			Right: refPtr(colRef(right)),
		}, nil
	case lok:
		v, err := extractInt(e.Right)
		if err != nil {
			return Predicate{}, err
		}
		return Predicate{Op: normalizeOp(e.Operator), Left: colRef(left), Value: v}, nil
	case rok:
		v, err := extractInt(e.Left)
		if err != nil {
			return Predicate{}, err
		}
		return Predicate{Op: op, Left: colRef(right), Value: v}, nil
	}
	return Predicate{}, errors.New(ErrUnsupportedSQL, "comparison requires a column operand")
}

func normalizeOp(op string) string {
	if op == "<>" {
		return "!="
	}
	return op
}

func colRef(c *sqlparser.ColName) ColumnRef {
	return ColumnRef{
		Qualifier: c.Qualifier.Name.String(),
		Name:      c.Name.String(),
	}
}

func refPtr(c ColumnRef) *ColumnRef { return &c }

func extractInt(e sqlparser.Expr) (int64, error) {
	val, ok := e.(*sqlparser.SQLVal)
	if !ok || val.Type != sqlparser.IntVal {
		return 0, errors.New(ErrUnsupportedSQL, "expression must be an integer value")
	}
	v, err := strconv.ParseInt(string(val.Val), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", val.Val)
	}
	return v, nil
}
