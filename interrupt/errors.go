// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package interrupt

import (
	"fmt"

	"github.com/featurebasedb/qsession/errors"
)

const (
	ErrRunningInterrupted errors.Code = "RunningInterrupted"
	ErrPendingInterrupted errors.Code = "PendingInterrupted"
	ErrInvalidConfig      errors.Code = "InvalidConfig"
)

// Messages carried by the two cancellation errors. Clients match on them
// verbatim.
const (
	RunningInterruptedMessage = "Query execution has been interrupted"
	PendingInterruptedMessage = "Query execution has been interrupted (pending query)"
)

func NewErrRunningInterrupted() error {
	return errors.New(ErrRunningInterrupted, RunningInterruptedMessage)
}

func NewErrPendingInterrupted() error {
	return errors.New(ErrPendingInterrupted, PendingInterruptedMessage)
}

func NewErrInvalidConfig(name string, v interface{}) error {
	return errors.New(
		ErrInvalidConfig,
		fmt.Sprintf("invalid value for %s: %v", name, v),
	)
}

// IsInterrupted reports whether err is either cancellation error.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrRunningInterrupted) || errors.Is(err, ErrPendingInterrupted)
}
