// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/featurebasedb/qsession/dispatch"
	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, capacity int) (*session.Registry, *interrupt.Controller, *dispatch.Admission) {
	t.Helper()
	reg := session.NewRegistry()
	ic, err := interrupt.New(reg, interrupt.OptControllerPollInterval(time.Millisecond))
	require.NoError(t, err)
	a, err := dispatch.New(reg, ic, capacity)
	require.NoError(t, err)
	return reg, ic, a
}

func TestAdmission_Configure(t *testing.T) {
	_, _, a := setup(t, 2)
	assert.Equal(t, 2, a.Capacity())
	assert.True(t, errors.Is(a.Configure(0), interrupt.ErrInvalidConfig))
	assert.Equal(t, 2, a.Capacity())
	require.NoError(t, a.Configure(5))
	assert.Equal(t, 5, a.Capacity())

	_, err := dispatch.New(session.NewRegistry(), nil, -1)
	assert.True(t, errors.Is(err, interrupt.ErrInvalidConfig))
}

func TestAdmission_Admit(t *testing.T) {
	reg, ic, a := setup(t, 1)
	ctx := context.Background()

	h1, err := reg.Enroll("A", "q1", "", "cpu")
	require.NoError(t, err)
	h2, err := reg.Enroll("B", "q2", "", "cpu")
	require.NoError(t, err)

	require.NoError(t, a.Admit(ctx, h1, 10))
	assert.Equal(t, 1, a.InUse())

	done := make(chan error, 1)
	go func() { done <- a.Admit(ctx, h2, 10) }()

	select {
	case err := <-done:
		t.Fatalf("admitted beyond capacity: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	lk := reg.RLock()
	st, _ := reg.State(lk, h2)
	lk.Unlock()
	assert.Equal(t, session.PendingQueue, st)

	// Growing the capacity lets the waiter through.
	require.NoError(t, a.Configure(2))
	require.NoError(t, <-done)
	assert.Equal(t, 2, a.InUse())

	// Shrinking evicts nothing.
	require.NoError(t, a.Configure(1))
	assert.Equal(t, 2, a.InUse())

	h3, err := reg.Enroll("C", "q3", "", "cpu")
	require.NoError(t, err)
	go func() { done <- a.Admit(ctx, h3, 2) }()
	time.Sleep(10 * time.Millisecond)
	ic.RequestInterrupt("C", "C")
	err = <-done
	assert.True(t, errors.Is(err, interrupt.ErrPendingInterrupted))

	// Freed capacity is reusable.
	_, err = reg.Finish(h1, session.Interrupted)
	require.NoError(t, err)
	_, err = reg.Finish(h2, session.Interrupted)
	require.NoError(t, err)
	assert.Equal(t, 0, a.InUse())
}
