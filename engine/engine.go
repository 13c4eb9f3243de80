// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package engine is a reference Executor. It evaluates aggregate queries
// over the cross product of catalog tables as a nested loop, and calls the
// checkpoint once per chunk of outer-table rows. Inner tables that no
// predicate touches are folded into the aggregates rather than scanned.
package engine

import (
	"context"
	"math"
	"strings"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/catalog"
	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/logger"
	"golang.org/x/time/rate"
)

// DefaultChunkRows is the number of outer-table rows processed between
// checkpoints.
const DefaultChunkRows = 64

// Ensure type implements interface.
var _ qsession.Executor = (*Engine)(nil)

// Engine executes queries against a catalog.
type Engine struct {
	catalog catalog.Catalog
	mapper  *Mapper

	chunkRows     int
	rowsPerSecond float64
	limiter       *rate.Limiter

	logger logger.Logger
}

// EngineOption is a functional option for New.
type EngineOption func(e *Engine) error

func OptEngineChunkRows(n int) EngineOption {
	return func(e *Engine) error {
		if n < 1 {
			return errors.Errorf("chunk rows must be positive, got %d", n)
		}
		e.chunkRows = n
		return nil
	}
}

// OptEngineRowsPerSecond throttles the outer loop of every query to r rows
// per second in total, emulating a slower device. Zero disables throttling.
func OptEngineRowsPerSecond(r float64) EngineOption {
	return func(e *Engine) error {
		if r < 0 || math.IsNaN(r) {
			return errors.Errorf("rows per second must not be negative, got %v", r)
		}
		e.rowsPerSecond = r
		return nil
	}
}

func OptEngineLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// New returns an Engine reading tables from c.
func New(c catalog.Catalog, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		catalog:   c,
		chunkRows: DefaultChunkRows,
		logger:    logger.NopLogger,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	e.mapper = NewMapper()
	e.mapper.Logger = e.logger
	if e.rowsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(e.rowsPerSecond), e.chunkRows)
	}
	return e, nil
}

// Execute implements qsession.Executor.
func (e *Engine) Execute(ctx context.Context, req qsession.ExecRequest, cp qsession.Checkpointer) (*qsession.Result, error) {
	plan, err := e.mapper.MapSQL(req.SQL)
	if err != nil {
		return nil, err
	}
	e.logger.Debugf("executing query %s of session %s on %s", req.QueryID, req.SessionID, req.DeviceType)
	return e.Run(ctx, plan, cp)
}

// Run evaluates plan. cp is consulted before each chunk of outer rows and
// its error, if any, is returned unchanged.
func (e *Engine) Run(ctx context.Context, plan *Plan, cp qsession.Checkpointer) (*qsession.Result, error) {
	q, err := e.compile(ctx, plan)
	if err != nil {
		return nil, err
	}

	outer := q.tables[0].Rows
	for start := 0; start < len(outer); start += e.chunkRows {
		if err := cp.Checkpoint(); err != nil {
			return nil, err
		}
		end := start + e.chunkRows
		if end > len(outer) {
			end = len(outer)
		}
		if e.limiter != nil {
			if err := e.limiter.WaitN(ctx, end-start); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, errors.Wrap(err, "waiting for device")
			}
		}
		for _, row := range outer[start:end] {
			q.cur[0] = row
			if q.pass(0) {
				q.scan(1)
			}
		}
	}
	return q.result(), nil
}

// query is a compiled Plan.
type query struct {
	tables []*catalog.Table
	aggs   []*aggregator
	names  []string

	// preds[i] holds the predicates that can be evaluated once the first
	// i+1 tables have a current row.
	preds [][]func([][]int64) bool

	// No predicate applies to tables[fold:]. Their cross product, of width
	// rows, is added to the aggregates in one step per outer combination.
	fold  int
	width int64

	cur [][]int64
}

func (e *Engine) compile(ctx context.Context, plan *Plan) (*query, error) {
	q := &query{
		tables: make([]*catalog.Table, len(plan.Tables)),
		preds:  make([][]func([][]int64) bool, len(plan.Tables)),
		cur:    make([][]int64, len(plan.Tables)),
	}
	bindings := make([]string, len(plan.Tables))
	for i, ref := range plan.Tables {
		t, err := e.catalog.Table(ctx, ref.Name)
		if err != nil {
			return nil, err
		}
		q.tables[i] = t

		bindings[i] = ref.Name
		if ref.Alias != "" {
			bindings[i] = ref.Alias
		}
		for j := 0; j < i; j++ {
			if strings.EqualFold(bindings[i], bindings[j]) {
				return nil, NewErrDuplicateTable(bindings[i])
			}
		}
	}

	resolve := func(c ColumnRef) (ti, ci int, err error) {
		ti, ci = -1, -1
		for i, t := range q.tables {
			if c.Qualifier != "" && !strings.EqualFold(c.Qualifier, bindings[i]) {
				continue
			}
			if j := t.ColumnIndex(c.Name); j >= 0 {
				if ti >= 0 {
					return 0, 0, NewErrAmbiguousColumn(c.String())
				}
				ti, ci = i, j
			}
		}
		if ti < 0 {
			return 0, 0, NewErrColumnNotFound(c.String())
		}
		return ti, ci, nil
	}

	for _, p := range plan.Predicates {
		lt, lc, err := resolve(p.Left)
		if err != nil {
			return nil, err
		}
		cmp := comparator(p.Op)
		level := lt
		var fn func([][]int64) bool
		if p.Right != nil {
			rt, rc, err := resolve(*p.Right)
			if err != nil {
				return nil, err
			}
			if rt > level {
				level = rt
			}
			fn = func(cur [][]int64) bool { return cmp(cur[lt][lc], cur[rt][rc]) }
		} else {
			v := p.Value
			fn = func(cur [][]int64) bool { return cmp(cur[lt][lc], v) }
		}
		q.preds[level] = append(q.preds[level], fn)
	}

	for _, a := range plan.Aggregates {
		agg := &aggregator{fn: a.Func, table: -1}
		if a.Column != nil {
			ti, ci, err := resolve(*a.Column)
			if err != nil {
				return nil, err
			}
			agg.table, agg.col = ti, ci
		}
		q.aggs = append(q.aggs, agg)
		q.names = append(q.names, a.Name())
	}

	q.fold = len(q.tables)
	for q.fold > 1 && len(q.preds[q.fold-1]) == 0 {
		q.fold--
	}
	q.width = 1
	for _, t := range q.tables[q.fold:] {
		n := int64(len(t.Rows))
		if n > 0 && q.width > math.MaxInt64/n {
			return nil, NewErrUnsupportedSQL("cross product larger than 2^63 rows")
		}
		q.width *= n
	}
	for _, a := range q.aggs {
		if a.table >= q.fold {
			a.fold(q.tables[a.table].Rows)
		}
	}
	return q, nil
}

func comparator(op string) func(a, b int64) bool {
	switch op {
	case "=":
		return func(a, b int64) bool { return a == b }
	case "!=":
		return func(a, b int64) bool { return a != b }
	case "<":
		return func(a, b int64) bool { return a < b }
	case "<=":
		return func(a, b int64) bool { return a <= b }
	case ">":
		return func(a, b int64) bool { return a > b }
	}
	return func(a, b int64) bool { return a >= b }
}

func (q *query) pass(level int) bool {
	for _, fn := range q.preds[level] {
		if !fn(q.cur) {
			return false
		}
	}
	return true
}

// scan iterates the tables from level on, accumulating every combined row
// that passes the predicates.
func (q *query) scan(level int) {
	if level == q.fold {
		if q.width > 0 {
			for _, a := range q.aggs {
				a.add(q.cur, q.width)
			}
		}
		return
	}
	for _, row := range q.tables[level].Rows {
		q.cur[level] = row
		if q.pass(level) {
			q.scan(level + 1)
		}
	}
}

func (q *query) result() *qsession.Result {
	res := &qsession.Result{
		Schema: qsession.Schema{Fields: make([]qsession.Field, len(q.aggs))},
		Data:   [][]interface{}{make([]interface{}, len(q.aggs))},
	}
	for i, a := range q.aggs {
		res.Schema.Fields[i] = qsession.Field{Name: q.names[i], BaseType: qsession.BaseTypeInt}
		res.Data[0][i] = a.value()
	}
	return res
}

type aggregator struct {
	fn    string
	table int
	col   int

	n   int64
	acc int64

	// Set by fold when the column belongs to a folded table.
	folded bool
	rows   int64
	sum    int64
	min    int64
	max    int64
}

// fold precomputes the column statistics of a folded table.
func (a *aggregator) fold(rows [][]int64) {
	a.folded = true
	a.rows = int64(len(rows))
	for i, row := range rows {
		v := row[a.col]
		a.sum += v
		if i == 0 || v < a.min {
			a.min = v
		}
		if i == 0 || v > a.max {
			a.max = v
		}
	}
}

// add accounts for m combined rows sharing the current rows of the scanned
// tables. m is positive.
func (a *aggregator) add(cur [][]int64, m int64) {
	if a.fn == FuncCount {
		a.n += m
		return
	}

	var v, sum int64
	switch {
	case !a.folded:
		v = cur[a.table][a.col]
		sum = v * m
	case a.fn == FuncMin:
		v = a.min
	case a.fn == FuncMax:
		v = a.max
	default:
		// Each row of the folded table appears m/rows times.
		sum = a.sum * (m / a.rows)
	}

	switch {
	case a.fn == FuncSum:
		a.acc += sum
	case a.n == 0:
		a.acc = v
	case a.fn == FuncMin && v < a.acc:
		a.acc = v
	case a.fn == FuncMax && v > a.acc:
		a.acc = v
	}
	a.n += m
}

// value returns the aggregate, or nil for min and max of no rows.
func (a *aggregator) value() interface{} {
	switch a.fn {
	case FuncCount:
		return a.n
	case FuncSum:
		return a.acc
	}
	if a.n == 0 {
		return nil
	}
	return a.acc
}
