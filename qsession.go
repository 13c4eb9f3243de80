// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package qsession admits concurrently submitted queries onto a bounded
// execution device, tracks them per client session, and lets a client or
// operator interrupt every query of a session whether it is running or
// still waiting its turn.
//
// A query submitted through Coordinator.Submit moves through
//
//	PendingQueue -> PendingExecutor -> Running -> Completed
//
// and may jump to Interrupted from any of the first three states when a
// checkpoint observes an interrupt request for its session. Cancellation is
// cooperative: a running query only stops at the checkpoints its Executor
// calls between chunks of work.
package qsession

import (
	"strings"

	"github.com/featurebasedb/qsession/session"
	"github.com/google/uuid"
)

// SessionIDLength is the length of the session tokens clients usually send.
// Tokens of other lengths are accepted.
const SessionIDLength = 32

// NewSessionID returns a random 32 character session token.
func NewSessionID() session.ID {
	return session.ID(strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// DeviceType names the kind of device a query should run on.
type DeviceType string

const (
	DeviceCPU DeviceType = "cpu"
	DeviceGPU DeviceType = "gpu"
)

// ParseDeviceType returns the DeviceType named by s, case-insensitively. An
// empty string selects DeviceCPU.
func ParseDeviceType(s string) (DeviceType, error) {
	switch d := DeviceType(strings.ToLower(s)); d {
	case "":
		return DeviceCPU, nil
	case DeviceCPU, DeviceGPU:
		return d, nil
	}
	return "", NewErrUnknownDeviceType(s)
}
