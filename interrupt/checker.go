// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package interrupt

import (
	"context"
	"sync/atomic"

	"github.com/featurebasedb/qsession/session"
)

// Checker is handed to a compute loop, which calls Checkpoint once per chunk
// of work. Only every Interval-th call consults the interrupt flag; the
// others return nil immediately.
type Checker struct {
	c        *Controller
	ctx      context.Context
	h        session.Handle
	interval int64

	chunks int64
	checks int64
}

// Checkpoint returns RunningInterrupted if the session was interrupted, or
// the context's error if it is done. A non-nil return means the loop must
// stop and discard its partial result.
func (ck *Checker) Checkpoint() error {
	n := atomic.AddInt64(&ck.chunks, 1) - 1
	if n%ck.interval != 0 {
		return nil
	}
	atomic.AddInt64(&ck.checks, 1)
	if err := ck.ctx.Err(); err != nil {
		return err
	}
	return ck.c.checkpoint(ck.h, session.Running)
}

// Interval returns the number of chunks between flag consultations.
func (ck *Checker) Interval() int { return int(ck.interval) }

// Chunks returns how many times Checkpoint has been called.
func (ck *Checker) Chunks() int { return int(atomic.LoadInt64(&ck.chunks)) }

// Checks returns how many of those calls consulted the flag.
func (ck *Checker) Checks() int { return int(atomic.LoadInt64(&ck.checks)) }
