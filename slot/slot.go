// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package slot models the execution device as a width-N exclusive resource.
// Holders are the registry records in the Running state, so the slot has no
// bookkeeping of its own beyond its width.
package slot

import (
	"context"
	"sync"

	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/session"
)

// DefaultWidth is the single-device configuration.
const DefaultWidth = 1

// Slot hands out at most Width concurrent Running states, first come first
// served in admission order.
type Slot struct {
	reg *session.Registry
	ic  *interrupt.Controller

	mu    sync.RWMutex
	width int
}

// New returns a Slot of the given width. A width below 1 is an error.
func New(reg *session.Registry, ic *interrupt.Controller, width int) (*Slot, error) {
	s := &Slot{
		reg: reg,
		ic:  ic,
	}
	if err := s.Resize(width); err != nil {
		return nil, err
	}
	return s, nil
}

// Width returns the current number of concurrent holders permitted.
func (s *Slot) Width() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width
}

// Resize changes the width. Holders beyond a smaller width keep running; new
// acquisitions wait until the count drops below it.
func (s *Slot) Resize(width int) error {
	if width < 1 {
		return interrupt.NewErrInvalidConfig("slot-width", width)
	}
	s.mu.Lock()
	s.width = width
	s.mu.Unlock()
	return nil
}

// Acquire blocks until h holds the slot, checkpointing every k attempts. The
// record must have been admitted. On error the record is left as it was; the
// caller releases it.
func (s *Slot) Acquire(ctx context.Context, h session.Handle, k int) error {
	return s.ic.WaitPending(ctx, h, session.PendingExecutor, k, func() (bool, error) {
		return s.reg.Acquire(h, s.Width())
	})
}

// Release moves h to the terminal state and retires it. Waiters see the
// freed slot on their next attempt.
func (s *Slot) Release(h session.Handle, terminal session.State) (session.State, error) {
	return s.reg.Finish(h, terminal)
}
