// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package slot_test

import (
	"context"
	"testing"
	"time"

	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/session"
	"github.com/featurebasedb/qsession/slot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, width int) (*session.Registry, *interrupt.Controller, *slot.Slot) {
	t.Helper()
	reg := session.NewRegistry()
	ic, err := interrupt.New(reg, interrupt.OptControllerPollInterval(time.Millisecond))
	require.NoError(t, err)
	s, err := slot.New(reg, ic, width)
	require.NoError(t, err)
	return reg, ic, s
}

func admitted(t *testing.T, reg *session.Registry, id session.ID, qid session.QueryID) session.Handle {
	t.Helper()
	h, err := reg.Enroll(id, qid, "", "cpu")
	require.NoError(t, err)
	ok, err := reg.Admit(h, 100)
	require.NoError(t, err)
	require.True(t, ok)
	return h
}

func TestSlot_Width(t *testing.T) {
	_, _, s := setup(t, 1)
	assert.Equal(t, 1, s.Width())
	assert.True(t, errors.Is(s.Resize(0), interrupt.ErrInvalidConfig))
	require.NoError(t, s.Resize(3))
	assert.Equal(t, 3, s.Width())
}

func TestSlot_AcquireRelease(t *testing.T) {
	reg, _, s := setup(t, 1)
	ctx := context.Background()

	h1 := admitted(t, reg, "A", "q1")
	h2 := admitted(t, reg, "B", "q2")
	h3 := admitted(t, reg, "C", "q3")

	require.NoError(t, s.Acquire(ctx, h1, 10))

	order := make(chan session.QueryID, 2)
	errs := make(chan error, 2)
	// Start the later waiter first; FIFO by admission still favors q2.
	go func() {
		err := s.Acquire(ctx, h3, 10)
		order <- h3.QueryID
		errs <- err
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		err := s.Acquire(ctx, h2, 10)
		order <- h2.QueryID
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)

	lk := reg.RLock()
	assert.Equal(t, []session.ID{"A"}, reg.RunningSessions(lk))
	lk.Unlock()

	from, err := s.Release(h1, session.Completed)
	require.NoError(t, err)
	assert.Equal(t, session.Running, from)

	assert.Equal(t, session.QueryID("q2"), <-order)
	require.NoError(t, <-errs)

	_, err = s.Release(h2, session.Interrupted)
	require.NoError(t, err)
	assert.Equal(t, session.QueryID("q3"), <-order)
	require.NoError(t, <-errs)

	lk = reg.RLock()
	defer lk.Unlock()
	assert.Equal(t, []session.ID{"C"}, reg.RunningSessions(lk))
}

func TestSlot_AcquireInterrupted(t *testing.T) {
	reg, ic, s := setup(t, 1)
	ctx := context.Background()

	h1 := admitted(t, reg, "A", "q1")
	h2 := admitted(t, reg, "B", "q2")
	require.NoError(t, s.Acquire(ctx, h1, 10))

	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx, h2, 3) }()
	time.Sleep(5 * time.Millisecond)
	ic.RequestInterrupt("B", "B")

	err := <-done
	assert.True(t, errors.Is(err, interrupt.ErrPendingInterrupted))

	from, err := s.Release(h2, session.Interrupted)
	require.NoError(t, err)
	assert.Equal(t, session.PendingExecutor, from)

	lk := reg.RLock()
	defer lk.Unlock()
	assert.False(t, reg.IsEnrolled(lk, "B"))
	assert.True(t, reg.IsEnrolled(lk, "A"))
}

func TestSlot_Resize(t *testing.T) {
	reg, _, s := setup(t, 1)
	ctx := context.Background()

	h1 := admitted(t, reg, "A", "q1")
	h2 := admitted(t, reg, "B", "q2")
	require.NoError(t, s.Acquire(ctx, h1, 10))

	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx, h2, 10) }()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Resize(2))
	require.NoError(t, <-done)

	lk := reg.RLock()
	defer lk.Unlock()
	assert.Equal(t, 2, reg.CountIn(lk, session.Running))
}
