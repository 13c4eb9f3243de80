// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package interrupt_test

import (
	"context"
	"testing"
	"time"

	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/logger"
	"github.com/featurebasedb/qsession/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T, opts ...interrupt.ControllerOption) (*session.Registry, *interrupt.Controller) {
	t.Helper()
	reg := session.NewRegistry()
	opts = append([]interrupt.ControllerOption{
		interrupt.OptControllerLogger(logger.NewLogfLogger(t)),
		interrupt.OptControllerPollInterval(time.Millisecond),
	}, opts...)
	c, err := interrupt.New(reg, opts...)
	require.NoError(t, err)
	return reg, c
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "Query execution has been interrupted", interrupt.NewErrRunningInterrupted().Error())
	assert.Equal(t, "Query execution has been interrupted (pending query)", interrupt.NewErrPendingInterrupted().Error())
	assert.True(t, interrupt.IsInterrupted(errors.Wrap(interrupt.NewErrPendingInterrupted(), "admit")))
	assert.False(t, interrupt.IsInterrupted(errors.New("Other", "boom")))
}

func TestController_Checkpoint(t *testing.T) {
	reg, c := newController(t)
	h, err := reg.Enroll("A", "q1", "", "cpu")
	require.NoError(t, err)

	lk := reg.RLock()
	for _, phase := range []session.State{session.PendingQueue, session.PendingExecutor, session.Running} {
		assert.NoError(t, c.Checkpoint(lk, h, phase))
	}
	lk.Unlock()

	c.RequestInterrupt("A", "A")

	lk = reg.RLock()
	defer lk.Unlock()
	assert.True(t, errors.Is(c.Checkpoint(lk, h, session.PendingQueue), interrupt.ErrPendingInterrupted))
	assert.True(t, errors.Is(c.Checkpoint(lk, h, session.PendingExecutor), interrupt.ErrPendingInterrupted))
	assert.True(t, errors.Is(c.Checkpoint(lk, h, session.Running), interrupt.ErrRunningInterrupted))
	assert.NoError(t, c.Checkpoint(lk, h, session.Completed))

	// Other sessions are untouched.
	assert.NoError(t, c.Checkpoint(lk, session.Handle{SessionID: "B", QueryID: "q2"}, session.Running))
}

func TestController_RequestInterruptInert(t *testing.T) {
	reg, c := newController(t)

	c.RequestInterrupt("A", "ops")
	h, err := reg.Enroll("A", "q1", "", "cpu")
	require.NoError(t, err)

	lk := reg.RLock()
	defer lk.Unlock()
	assert.NoError(t, c.Checkpoint(lk, h, session.Running))

	audit := c.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, session.ID("A"), audit[0].Target)
	assert.Equal(t, session.ID("ops"), audit[0].Requester)
	assert.Equal(t, 0, audit[0].Affected)
}

func TestController_AuditBounded(t *testing.T) {
	_, c := newController(t, interrupt.OptControllerAuditLength(3))
	assert.Empty(t, c.Audit())
	for _, id := range []session.ID{"a", "b", "c", "d", "e"} {
		c.RequestInterrupt(id, id)
	}
	audit := c.Audit()
	var got []session.ID
	for _, r := range audit {
		got = append(got, r.Target)
	}
	assert.Equal(t, []session.ID{"c", "d", "e"}, got)

	// The returned slice is a copy.
	audit[0].Target = "x"
	assert.Equal(t, session.ID("c"), c.Audit()[0].Target)
}

func TestController_Frequencies(t *testing.T) {
	_, c := newController(t)
	assert.Equal(t, interrupt.DefaultRunningCheckFrequency, c.RunningCheckFrequency())
	assert.Equal(t, interrupt.DefaultPendingCheckFrequency, c.PendingCheckFrequency())

	for _, f := range []float64{0, -0.5, 1.01} {
		assert.True(t, errors.Is(c.SetRunningCheckFrequency(f), interrupt.ErrInvalidConfig), "f=%v", f)
	}
	require.NoError(t, c.SetRunningCheckFrequency(1))
	assert.Equal(t, 1.0, c.RunningCheckFrequency())

	assert.True(t, errors.Is(c.SetPendingCheckFrequency(0), interrupt.ErrInvalidConfig))
	require.NoError(t, c.SetPendingCheckFrequency(3))
	assert.Equal(t, 3, c.PendingCheckFrequency())

	_, err := interrupt.New(session.NewRegistry(), interrupt.OptControllerPollInterval(0))
	assert.True(t, errors.Is(err, interrupt.ErrInvalidConfig))
}

func TestController_WaitPending(t *testing.T) {
	t.Run("Succeeds", func(t *testing.T) {
		reg, c := newController(t)
		h, err := reg.Enroll("A", "q1", "", "cpu")
		require.NoError(t, err)

		tries := 0
		err = c.WaitPending(context.Background(), h, session.PendingQueue, 2, func() (bool, error) {
			tries++
			return tries == 5, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 5, tries)
	})

	t.Run("AlreadyInterrupted", func(t *testing.T) {
		reg, c := newController(t)
		h, err := reg.Enroll("A", "q1", "", "cpu")
		require.NoError(t, err)
		c.RequestInterrupt("A", "A")

		err = c.WaitPending(context.Background(), h, session.PendingExecutor, 10, func() (bool, error) {
			t.Fatal("try called after interrupt")
			return false, nil
		})
		assert.True(t, errors.Is(err, interrupt.ErrPendingInterrupted))
		assert.Equal(t, interrupt.PendingInterruptedMessage, err.Error())
	})

	t.Run("Cadence", func(t *testing.T) {
		reg, c := newController(t)
		h, err := reg.Enroll("A", "q1", "", "cpu")
		require.NoError(t, err)

		// The flag is raised during the 2nd attempt, so with k=4 it is first
		// seen before the 5th attempt.
		tries := 0
		err = c.WaitPending(context.Background(), h, session.PendingQueue, 4, func() (bool, error) {
			tries++
			if tries == 2 {
				c.RequestInterrupt("A", "A")
			}
			return false, nil
		})
		assert.True(t, errors.Is(err, interrupt.ErrPendingInterrupted))
		assert.Equal(t, 4, tries)
	})

	t.Run("TryError", func(t *testing.T) {
		reg, c := newController(t)
		h, err := reg.Enroll("A", "q1", "", "cpu")
		require.NoError(t, err)
		boom := errors.New("Boom", "boom")
		err = c.WaitPending(context.Background(), h, session.PendingQueue, 1, func() (bool, error) {
			return false, boom
		})
		assert.True(t, errors.Is(err, "Boom"))
	})

	t.Run("ContextCanceled", func(t *testing.T) {
		reg, c := newController(t)
		h, err := reg.Enroll("A", "q1", "", "cpu")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err = c.WaitPending(ctx, h, session.PendingQueue, 1000, func() (bool, error) {
			return false, nil
		})
		assert.Equal(t, context.DeadlineExceeded, err)
	})
}
