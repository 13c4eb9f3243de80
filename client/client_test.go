// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/catalog"
	"github.com/featurebasedb/qsession/client"
	"github.com/featurebasedb/qsession/engine"
	"github.com/featurebasedb/qsession/errors"
	qhttp "github.com/featurebasedb/qsession/http"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/logger"
	"github.com/featurebasedb/qsession/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, opts ...engine.EngineOption) (*httptest.Server, *qsession.Coordinator) {
	t.Helper()
	cat := catalog.NewMem()
	e, err := engine.New(cat, opts...)
	require.NoError(t, err)
	c, err := qsession.NewCoordinator(
		qsession.OptCoordinatorExecutor(e),
		qsession.OptCoordinatorLogger(logger.NewLogfLogger(t)),
		qsession.OptCoordinatorPollInterval(time.Millisecond),
	)
	require.NoError(t, err)
	h, err := qhttp.NewHandler(qhttp.OptHandlerCoordinator(c), qhttp.OptHandlerCatalog(cat))
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		c.Close()
	})
	return srv, c
}

func newClient(t *testing.T, addr string, opts ...client.ClientOption) *client.Client {
	t.Helper()
	opts = append([]client.ClientOption{
		client.OptClientLogger(logger.NewLogfLogger(t)),
		client.OptClientRetryWait(time.Millisecond, 10*time.Millisecond),
	}, opts...)
	cli, err := client.NewClient(addr, opts...)
	require.NoError(t, err)
	return cli
}

func TestNewClient(t *testing.T) {
	_, err := client.NewClient("localhost:10101")
	assert.NoError(t, err)
	_, err = client.NewClient("http://")
	assert.Error(t, err)
	_, err = client.NewClient("localhost:1", client.OptClientRetries(-1))
	assert.Error(t, err)
	_, err = client.NewClient("localhost:1", client.OptClientRetryWait(time.Second, time.Millisecond))
	assert.Error(t, err)
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	srv, _ := newServer(t)
	cli := newClient(t, srv.URL)

	require.NoError(t, cli.Health(ctx))
	require.NoError(t, cli.GenerateTable(ctx, "t", "", 10, 1, false))
	require.NoError(t, cli.CreateTable(ctx, &catalog.Table{Name: "p", Columns: []string{"y"}, Rows: [][]int64{{4}, {5}}}))

	err := cli.GenerateTable(ctx, "t", "", 10, 1, false)
	assert.True(t, errors.Is(err, catalog.ErrTableExists), "got %v", err)

	tables, err := cli.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p", "t"}, tables)

	res, err := cli.Query(ctx, "s1", "select count(1), sum(y) from t, p", client.QueryOptions{DeviceType: qsession.DeviceGPU})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(20), int64(90)}, res.Data[0])

	_, err = cli.Query(ctx, "s1", "select count(1) from nope", client.QueryOptions{})
	assert.True(t, errors.Is(err, catalog.ErrTableNotFound), "got %v", err)

	_, err = cli.Query(ctx, "s1", "select count(1) from t", client.QueryOptions{DeviceType: "fpga"})
	assert.True(t, errors.Is(err, qsession.ErrUnknownDeviceType), "got %v", err)

	past, err := cli.PastQueries(ctx)
	require.NoError(t, err)
	// The unknown device was rejected before enrollment.
	require.Len(t, past, 2)
	assert.Equal(t, "Completed", past[0].Outcome)
	assert.Equal(t, "gpu", past[0].Device)

	width := 2
	settings, err := cli.UpdateSettings(ctx, qhttp.PostConfigRequest{SlotWidth: &width})
	require.NoError(t, err)
	assert.Equal(t, 2, settings.SlotWidth)

	zero := 0.0
	_, err = cli.UpdateSettings(ctx, qhttp.PostConfigRequest{RunningCheckFrequency: &zero})
	assert.True(t, errors.Is(err, interrupt.ErrInvalidConfig), "got %v", err)

	settings, err = cli.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, interrupt.DefaultRunningCheckFrequency, settings.RunningCheckFrequency)

	require.NoError(t, cli.DropTable(ctx, "p"))
	assert.True(t, errors.Is(cli.DropTable(ctx, "p"), catalog.ErrTableNotFound))
}

func TestClient_Interrupt(t *testing.T) {
	ctx := context.Background()
	srv, _ := newServer(t, engine.OptEngineChunkRows(10), engine.OptEngineRowsPerSecond(100))
	cli := newClient(t, srv.URL)
	require.NoError(t, cli.GenerateTable(ctx, "slow", "x", 1000, 1, false))

	errCh := make(chan error, 1)
	go func() {
		_, err := cli.Query(ctx, "victim", "select count(1) from slow", client.QueryOptions{})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		ids, err := cli.RunningSessions(ctx)
		return err == nil && len(ids) == 1 && ids[0] == "victim"
	}, 5*time.Second, time.Millisecond)

	st, err := cli.Session(ctx, "victim")
	require.NoError(t, err)
	assert.Equal(t, 1, st.QueryCount)

	active, err := cli.ActiveQueries(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, session.ID("victim"), active[0].SessionID)

	require.NoError(t, cli.Interrupt(ctx, "victim", "admin"))
	select {
	case err := <-errCh:
		assert.True(t, interrupt.IsInterrupted(err), "got %v", err)
		assert.Equal(t, interrupt.RunningInterruptedMessage, err.Error())
		assert.Equal(t, qsession.OutcomeRunningInterrupted, qsession.OutcomeOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("query was not interrupted")
	}

	audit, err := cli.Interrupts(ctx)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, session.ID("victim"), audit[0].Target)
	assert.Equal(t, 1, audit[0].Affected)
}

func TestClient_Retries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	require.NoError(t, newClient(t, srv.URL).Health(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	atomic.StoreInt32(&calls, 0)
	err := newClient(t, srv.URL, client.OptClientRetries(1)).Health(context.Background())
	assert.True(t, errors.Is(err, client.ErrHTTPRequest), "got %v", err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_NoRetryWhenClosed(t *testing.T) {
	ctx := context.Background()
	srv, c := newServer(t)
	require.NoError(t, c.Close())

	_, err := newClient(t, srv.URL).Query(ctx, "s", "select count(1) from t", client.QueryOptions{})
	assert.True(t, errors.Is(err, session.ErrRegistryClosed), "got %v", err)
}
