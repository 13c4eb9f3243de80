// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package dispatch bounds how many queries may be admitted at once, that is
// how many may be waiting for or holding an execution slot. Enrollment is
// never gated; queries beyond capacity wait in PendingQueue.
package dispatch

import (
	"context"
	"sync"

	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/logger"
	"github.com/featurebasedb/qsession/session"
)

const DefaultCapacity = 4

type Admission struct {
	reg *session.Registry
	ic  *interrupt.Controller

	mu       sync.RWMutex
	capacity int

	logger logger.Logger
}

func New(reg *session.Registry, ic *interrupt.Controller, capacity int) (*Admission, error) {
	a := &Admission{
		reg:    reg,
		ic:     ic,
		logger: logger.NopLogger,
	}
	if err := a.Configure(capacity); err != nil {
		return nil, err
	}
	return a, nil
}

// SetLogger replaces the logger.
func (a *Admission) SetLogger(l logger.Logger) {
	a.logger = l
}

// Configure sets the capacity for subsequent admissions. Shrinking it evicts
// nothing.
func (a *Admission) Configure(capacity int) error {
	if capacity < 1 {
		return interrupt.NewErrInvalidConfig("dispatch-capacity", capacity)
	}
	a.mu.Lock()
	old := a.capacity
	a.capacity = capacity
	a.mu.Unlock()
	if old != 0 && old != capacity {
		a.logger.Infof("dispatch capacity changed from %d to %d", old, capacity)
	}
	return nil
}

func (a *Admission) Capacity() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.capacity
}

// InUse returns the number of records currently admitted.
func (a *Admission) InUse() int {
	lk := a.reg.RLock()
	defer lk.Unlock()
	return a.reg.CountIn(lk, session.PendingExecutor, session.Running)
}

// Admit blocks until h is admitted, checkpointing every k attempts.
func (a *Admission) Admit(ctx context.Context, h session.Handle, k int) error {
	return a.ic.WaitPending(ctx, h, session.PendingQueue, k, func() (bool, error) {
		return a.reg.Admit(h, a.Capacity())
	})
}
