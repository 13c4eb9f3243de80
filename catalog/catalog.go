// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package catalog holds the integer tables the reference engine queries.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/featurebasedb/qsession/errors"
)

const (
	ErrTableNotFound errors.Code = "TableNotFound"
	ErrTableExists   errors.Code = "TableExists"
	ErrInvalidTable  errors.Code = "InvalidTable"
)

func NewErrTableNotFound(name string) error {
	return errors.New(
		ErrTableNotFound,
		fmt.Sprintf("table '%s' not found", name),
	)
}

func NewErrTableExists(name string) error {
	return errors.New(
		ErrTableExists,
		fmt.Sprintf("table '%s' already exists", name),
	)
}

func NewErrInvalidTable(name, reason string) error {
	return errors.New(
		ErrInvalidTable,
		fmt.Sprintf("invalid table '%s': %s", name, reason),
	)
}

// Table is a named set of rows of int64 columns. Rows are stored row-major
// and every row has one value per column.
type Table struct {
	Name    string    `json:"name"`
	Columns []string  `json:"columns"`
	Rows    [][]int64 `json:"rows,omitempty"`
}

// Validate checks that the table has a name, unique column names and
// rectangular rows.
func (t *Table) Validate() error {
	if t == nil {
		return NewErrInvalidTable("", "nil table")
	}
	if t.Name == "" {
		return NewErrInvalidTable(t.Name, "empty name")
	}
	if len(t.Columns) == 0 {
		return NewErrInvalidTable(t.Name, "no columns")
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		lc := strings.ToLower(c)
		if lc == "" {
			return NewErrInvalidTable(t.Name, "empty column name")
		}
		if _, ok := seen[lc]; ok {
			return NewErrInvalidTable(t.Name, fmt.Sprintf("duplicate column '%s'", c))
		}
		seen[lc] = struct{}{}
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return NewErrInvalidTable(t.Name, fmt.Sprintf("row %d has %d values, want %d", i, len(row), len(t.Columns)))
		}
	}
	return nil
}

// ColumnIndex returns the position of the named column, or -1. Column names
// are case-insensitive.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// RowCount returns the number of rows in t.
func (t *Table) RowCount() int {
	return len(t.Rows)
}

// Catalog stores tables by name. Names are case-insensitive.
type Catalog interface {
	CreateTable(ctx context.Context, t *Table) error
	Table(ctx context.Context, name string) (*Table, error)
	TableNames(ctx context.Context) ([]string, error)
	DropTable(ctx context.Context, name string) error
}

// Ensure type implements interface.
var _ Catalog = (*Mem)(nil)

// Mem is an in-memory Catalog. Tables handed out by Table must not be
// modified.
type Mem struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func NewMem() *Mem {
	return &Mem{
		tables: make(map[string]*Table),
	}
}

func (m *Mem) CreateTable(ctx context.Context, t *Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	key := strings.ToLower(t.Name)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[key]; ok {
		return NewErrTableExists(t.Name)
	}
	m.tables[key] = t
	return nil
}

func (m *Mem) Table(ctx context.Context, name string) (*Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[strings.ToLower(name)]
	if !ok {
		return nil, NewErrTableNotFound(name)
	}
	return t, nil
}

func (m *Mem) TableNames(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tables))
	for _, t := range m.tables {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Mem) DropTable(ctx context.Context, name string) error {
	key := strings.ToLower(name)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[key]; !ok {
		return NewErrTableNotFound(name)
	}
	delete(m.tables, key)
	return nil
}
