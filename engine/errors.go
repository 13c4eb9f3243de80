// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package engine

import (
	"fmt"

	"github.com/featurebasedb/qsession/errors"
)

const (
	ErrUnsupportedSQL     errors.Code = "UnsupportedSQL"
	ErrMultipleStatements errors.Code = "MultipleStatements"
	ErrColumnNotFound     errors.Code = "ColumnNotFound"
	ErrAmbiguousColumn    errors.Code = "AmbiguousColumn"
	ErrDuplicateTable     errors.Code = "DuplicateTable"
)

func NewErrUnsupportedSQL(what string) error {
	return errors.New(
		ErrUnsupportedSQL,
		fmt.Sprintf("unsupported: %s", what),
	)
}

func NewErrMultipleStatements() error {
	return errors.New(
		ErrMultipleStatements,
		"statement contains multiple sql queries",
	)
}

func NewErrColumnNotFound(col string) error {
	return errors.New(
		ErrColumnNotFound,
		fmt.Sprintf("column '%s' not found", col),
	)
}

func NewErrAmbiguousColumn(col string) error {
	return errors.New(
		ErrAmbiguousColumn,
		fmt.Sprintf("column reference '%s' is ambiguous", col),
	)
}

func NewErrDuplicateTable(name string) error {
	return errors.New(
		ErrDuplicateTable,
		fmt.Sprintf("table name '%s' specified more than once", name),
	)
}
