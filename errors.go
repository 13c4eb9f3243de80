// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package qsession

import (
	"fmt"

	"github.com/featurebasedb/qsession/errors"
)

const (
	ErrUnknownDeviceType errors.Code = "UnknownDeviceType"
	ErrNoExecutor        errors.Code = "NoExecutor"
)

func NewErrUnknownDeviceType(d string) error {
	return errors.New(
		ErrUnknownDeviceType,
		fmt.Sprintf("unknown device type '%s' (expected cpu or gpu)", d),
	)
}

func NewErrNoExecutor() error {
	return errors.New(
		ErrNoExecutor,
		"coordinator has no executor",
	)
}
