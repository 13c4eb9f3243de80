// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package qsession

import (
	"bytes"
	"encoding/json"

	"github.com/featurebasedb/qsession/errors"
)

// Base types of result columns.
const (
	BaseTypeInt    = "int"
	BaseTypeString = "string"
	BaseTypeBool   = "bool"
)

// Field describes one result column.
type Field struct {
	Name     string `json:"name"`
	BaseType string `json:"base-type"`
}

// Schema is the list of columns of a Result.
type Schema struct {
	Fields []Field `json:"fields"`
}

// Result is the row set produced by a completed query.
type Result struct {
	Schema Schema          `json:"schema"`
	Data   [][]interface{} `json:"data"`
}

// RowCount returns the number of rows in r.
func (r *Result) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Data)
}

// WireQueryResponse is the JSON body returned for a submitted query. Exactly
// one of Error and the Result is meaningful.
type WireQueryResponse struct {
	Result
	Error         string      `json:"error,omitempty"`
	Code          errors.Code `json:"code,omitempty"`
	ExecutionTime int64       `json:"execution-time"`
}

// UnmarshalJSON decodes the response and converts int column values, which
// JSON carries as numbers, back to int64.
func (s *WireQueryResponse) UnmarshalJSON(in []byte) error {
	type alias WireQueryResponse
	var aux alias

	dec := json.NewDecoder(bytes.NewReader(in))
	dec.UseNumber()
	if err := dec.Decode(&aux); err != nil {
		return err
	}
	*s = WireQueryResponse(aux)

	if s.Error != "" {
		return nil
	}

	for i := range s.Data {
		if len(s.Data[i]) != len(s.Schema.Fields) {
			return errors.Errorf("row %d has %d values, schema has %d fields", i, len(s.Data[i]), len(s.Schema.Fields))
		}
		for j, fld := range s.Schema.Fields {
			if fld.BaseType != BaseTypeInt {
				continue
			}
			if v, ok := s.Data[i][j].(json.Number); ok {
				x, err := v.Int64()
				if err != nil {
					return errors.Wrapf(err, "decoding %s as int64", fld.Name)
				}
				s.Data[i][j] = x
			}
		}
	}
	return nil
}

// Err returns the coded error carried by the response, or nil.
func (s *WireQueryResponse) Err() error {
	if s.Error == "" {
		return nil
	}
	if s.Code == "" {
		return errors.New(errors.ErrUncoded, s.Error)
	}
	return errors.New(s.Code, s.Error)
}
