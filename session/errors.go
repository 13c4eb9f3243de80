// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package session

import (
	"fmt"

	"github.com/featurebasedb/qsession/errors"
)

const (
	ErrRegistryClosed    errors.Code = "RegistryClosed"
	ErrQueryNotEnrolled  errors.Code = "QueryNotEnrolled"
	ErrQueryExists       errors.Code = "QueryExists"
	ErrInvalidTransition errors.Code = "InvalidTransition"
)

func NewErrRegistryClosed() error {
	return errors.New(
		ErrRegistryClosed,
		"session registry is closed",
	)
}

func NewErrQueryNotEnrolled(h Handle) error {
	return errors.New(
		ErrQueryNotEnrolled,
		fmt.Sprintf("query '%s' is not enrolled under session '%s'", h.QueryID, h.SessionID),
	)
}

func NewErrQueryExists(h Handle) error {
	return errors.New(
		ErrQueryExists,
		fmt.Sprintf("query '%s' is already enrolled under session '%s'", h.QueryID, h.SessionID),
	)
}

func NewErrInvalidTransition(h Handle, from, to State) error {
	return errors.New(
		ErrInvalidTransition,
		fmt.Sprintf("query '%s': invalid state transition %s -> %s", h.QueryID, from, to),
	)
}
