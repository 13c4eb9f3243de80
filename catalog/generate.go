// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package catalog

import (
	"context"

	"github.com/featurebasedb/qsession/errors"
)

// FixtureColumn is the single column of the generated fixture tables.
const FixtureColumn = "x"

// Fixture sizes, in rows.
const (
	SmallRows  = 1000
	MediumRows = 100000
	LargeRows  = 1000000
)

// Fixtures maps the standard fixture table names to their row counts.
var Fixtures = map[string]int{
	"t_small":  SmallRows,
	"t_medium": MediumRows,
	"t_large":  LargeRows,
}

// Generate returns a single-column table of n rows, each holding v.
func Generate(name, column string, n int, v int64) *Table {
	if n < 0 {
		n = 0
	}
	values := make([]int64, n)
	rows := make([][]int64, n)
	for i := range rows {
		values[i] = v
		rows[i] = values[i : i+1 : i+1]
	}
	return &Table{
		Name:    name,
		Columns: []string{column},
		Rows:    rows,
	}
}

// LoadFixtures creates the named fixture tables in c, replacing any existing
// table of the same name. An empty names list loads every fixture.
func LoadFixtures(ctx context.Context, c Catalog, names ...string) error {
	if len(names) == 0 {
		names = []string{"t_small", "t_medium", "t_large"}
	}
	for _, name := range names {
		n, ok := Fixtures[name]
		if !ok {
			return NewErrTableNotFound(name)
		}
		if err := c.DropTable(ctx, name); err != nil && !errors.Is(err, ErrTableNotFound) {
			return errors.Wrapf(err, "dropping %s", name)
		}
		if err := c.CreateTable(ctx, Generate(name, FixtureColumn, n, 1)); err != nil {
			return errors.Wrapf(err, "creating %s", name)
		}
	}
	return nil
}
