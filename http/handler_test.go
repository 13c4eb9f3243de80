// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	gohttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/catalog"
	"github.com/featurebasedb/qsession/engine"
	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/http"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/logger"
	"github.com/featurebasedb/qsession/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sqlHeld = "select held"

// gatedExecutor runs engine queries, except sqlHeld, which checkpoints until
// it is interrupted.
type gatedExecutor struct {
	e *engine.Engine
}

func (g gatedExecutor) Execute(ctx context.Context, req qsession.ExecRequest, cp qsession.Checkpointer) (*qsession.Result, error) {
	if req.SQL != sqlHeld {
		return g.e.Execute(ctx, req, cp)
	}
	for {
		if err := cp.Checkpoint(); err != nil {
			return nil, err
		}
		time.Sleep(time.Millisecond)
	}
}

type testServer struct {
	*httptest.Server
	coord   *qsession.Coordinator
	catalog *catalog.Mem
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cat := catalog.NewMem()
	require.NoError(t, cat.CreateTable(context.Background(), catalog.Generate("t", "x", 20, 1)))
	e, err := engine.New(cat)
	require.NoError(t, err)

	c, err := qsession.NewCoordinator(
		qsession.OptCoordinatorExecutor(gatedExecutor{e: e}),
		qsession.OptCoordinatorLogger(logger.NewLogfLogger(t)),
		qsession.OptCoordinatorPollInterval(time.Millisecond),
	)
	require.NoError(t, err)

	h, err := http.NewHandler(
		http.OptHandlerCoordinator(c),
		http.OptHandlerCatalog(cat),
		http.OptHandlerLogger(logger.NewLogfLogger(t)),
		http.OptHandlerAllowedOrigins([]string{"http://example.com"}),
	)
	require.NoError(t, err)

	s := &testServer{Server: httptest.NewServer(h), coord: c, catalog: cat}
	t.Cleanup(func() {
		s.Close()
		c.Close()
	})
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := gohttp.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != gohttp.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestNewHandler(t *testing.T) {
	_, err := http.NewHandler()
	assert.Error(t, err)
}

func TestHandler_PostSQL(t *testing.T) {
	s := newTestServer(t)

	var resp qsession.WireQueryResponse
	status := s.do(t, "POST", "/sql", http.PostSQLRequest{
		SQL:       "select count(1) from t a, t b",
		SessionID: "s1",
	}, &resp)
	require.Equal(t, gohttp.StatusOK, status)
	require.NoError(t, resp.Err())
	assert.Equal(t, []interface{}{int64(400)}, resp.Data[0])
	assert.Equal(t, "count", resp.Schema.Fields[0].Name)

	t.Run("BadRequests", func(t *testing.T) {
		tests := []struct {
			body interface{}
			code errors.Code
		}{
			{http.PostSQLRequest{SessionID: "s1"}, ""},
			{http.PostSQLRequest{SQL: "select count(1) from t"}, ""},
			{http.PostSQLRequest{SQL: "select count(1) from t", SessionID: "s1", DeviceType: "tpu"}, qsession.ErrUnknownDeviceType},
			{http.PostSQLRequest{SQL: "select count(1) from missing", SessionID: "s1"}, catalog.ErrTableNotFound},
			{"not an object", ""},
		}
		for _, test := range tests {
			var resp qsession.WireQueryResponse
			status := s.do(t, "POST", "/sql", test.body, &resp)
			assert.Equal(t, gohttp.StatusBadRequest, status)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, test.code, resp.Code)
		}
	})

	t.Run("InvalidArgument", func(t *testing.T) {
		var resp map[string]interface{}
		status := s.do(t, "POST", "/sql?bogus=1", http.PostSQLRequest{SQL: "x", SessionID: "s"}, &resp)
		assert.Equal(t, gohttp.StatusBadRequest, status)
		assert.Equal(t, "bogus is not a valid argument", resp["error"])
	})
}

func TestHandler_Interrupt(t *testing.T) {
	s := newTestServer(t)

	done := make(chan qsession.WireQueryResponse, 1)
	statusCh := make(chan int, 1)
	go func() {
		var resp qsession.WireQueryResponse
		statusCh <- s.do(t, "POST", "/sql", http.PostSQLRequest{SQL: sqlHeld, SessionID: "victim"}, &resp)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		var resp http.RunningSessionsResponse
		s.do(t, "GET", "/sessions/running", nil, &resp)
		return len(resp.Sessions) == 1 && resp.Sessions[0] == "victim"
	}, 5*time.Second, time.Millisecond)

	var st qsession.SessionStatus
	require.Equal(t, gohttp.StatusOK, s.do(t, "GET", "/session/victim", nil, &st))
	assert.True(t, st.Enrolled)
	assert.Equal(t, 1, st.QueryCount)
	require.Len(t, st.Queries, 1)
	assert.Equal(t, "Running", st.Queries[0].StateName)

	var active []qsession.ActiveQueryStatus
	require.Equal(t, gohttp.StatusOK, s.do(t, "GET", "/queries", nil, &active))
	require.Len(t, active, 1)
	assert.Equal(t, sqlHeld, active[0].SQL)

	var ir http.InterruptResponse
	require.Equal(t, gohttp.StatusAccepted, s.do(t, "POST", "/session/victim/interrupt?requester=admin", nil, &ir))
	assert.Equal(t, session.ID("victim"), ir.SessionID)
	assert.Equal(t, session.ID("admin"), ir.Requester)

	select {
	case resp := <-done:
		assert.Equal(t, gohttp.StatusConflict, <-statusCh)
		assert.Equal(t, interrupt.RunningInterruptedMessage, resp.Error)
		assert.Equal(t, interrupt.ErrRunningInterrupted, resp.Code)
		assert.True(t, interrupt.IsInterrupted(resp.Err()))
	case <-time.After(5 * time.Second):
		t.Fatal("query was not interrupted")
	}

	require.Equal(t, gohttp.StatusOK, s.do(t, "GET", "/session/victim", nil, &st))
	assert.False(t, st.Enrolled)
	assert.Empty(t, st.Queries)

	var audit []interrupt.Request
	require.Equal(t, gohttp.StatusOK, s.do(t, "GET", "/interrupts", nil, &audit))
	require.Len(t, audit, 1)
	assert.Equal(t, session.ID("admin"), audit[0].Requester)

	var past []qsession.PastQueryStatus
	require.Equal(t, gohttp.StatusOK, s.do(t, "GET", "/queries/history", nil, &past))
	require.Len(t, past, 1)
	assert.Equal(t, "RunningInterrupted", past[0].Outcome)
}

func TestHandler_Closed(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.coord.Close())

	var resp qsession.WireQueryResponse
	status := s.do(t, "POST", "/sql", http.PostSQLRequest{SQL: "select count(1) from t", SessionID: "s"}, &resp)
	assert.Equal(t, gohttp.StatusServiceUnavailable, status)
	assert.Equal(t, session.ErrRegistryClosed, resp.Code)
}

func TestHandler_Config(t *testing.T) {
	s := newTestServer(t)

	var settings qsession.Settings
	require.Equal(t, gohttp.StatusOK, s.do(t, "GET", "/config", nil, &settings))
	assert.Equal(t, interrupt.DefaultRunningCheckFrequency, settings.RunningCheckFrequency)

	width := 3
	freq := 0.5
	require.Equal(t, gohttp.StatusOK, s.do(t, "POST", "/config", http.PostConfigRequest{
		SlotWidth:             &width,
		RunningCheckFrequency: &freq,
	}, &settings))
	assert.Equal(t, 3, settings.SlotWidth)
	assert.Equal(t, 0.5, settings.RunningCheckFrequency)

	bad := 0
	var er map[string]interface{}
	status := s.do(t, "POST", "/config", http.PostConfigRequest{PendingCheckFrequency: &bad}, &er)
	assert.Equal(t, gohttp.StatusBadRequest, status)
	assert.Equal(t, string(interrupt.ErrInvalidConfig), er["code"])

	assert.Equal(t, interrupt.DefaultPendingCheckFrequency, s.coord.Settings().PendingCheckFrequency)
}

func TestHandler_Tables(t *testing.T) {
	s := newTestServer(t)

	var tr http.TablesResponse
	require.Equal(t, gohttp.StatusOK, s.do(t, "GET", "/tables", nil, &tr))
	assert.Equal(t, []string{"t"}, tr.Tables)

	tbl := catalog.Table{Name: "p", Columns: []string{"x", "y"}, Rows: [][]int64{{1, 2}}}
	require.Equal(t, gohttp.StatusCreated, s.do(t, "POST", "/table", tbl, &tr))
	var er map[string]interface{}
	assert.Equal(t, gohttp.StatusConflict, s.do(t, "POST", "/table", tbl, &er))

	require.Equal(t, gohttp.StatusCreated, s.do(t, "POST", "/table/g/generate?rows=5&value=2", nil, &tr))
	assert.Equal(t, gohttp.StatusBadRequest, s.do(t, "POST", "/table/g/generate", nil, &er))
	assert.Equal(t, gohttp.StatusBadRequest, s.do(t, "POST", "/table/g/generate?rows=x", nil, &er))
	assert.Equal(t, gohttp.StatusConflict, s.do(t, "POST", "/table/g/generate?rows=5", nil, &er))
	require.Equal(t, gohttp.StatusCreated, s.do(t, "POST", "/table/g/generate?rows=7&replace=true", nil, &tr))

	var resp qsession.WireQueryResponse
	require.Equal(t, gohttp.StatusOK, s.do(t, "POST", "/sql", http.PostSQLRequest{SQL: "select sum(x) from g", SessionID: "s"}, &resp))
	assert.Equal(t, int64(7), resp.Data[0][0])

	require.Equal(t, gohttp.StatusNoContent, s.do(t, "DELETE", "/table/g", nil, nil))
	assert.Equal(t, gohttp.StatusNotFound, s.do(t, "DELETE", "/table/g", nil, &er))

	require.Equal(t, gohttp.StatusOK, s.do(t, "GET", "/tables", nil, &tr))
	assert.Equal(t, []string{"p", "t"}, tr.Tables)
}

func TestHandler_Misc(t *testing.T) {
	s := newTestServer(t)

	var health http.HealthResponse
	require.Equal(t, gohttp.StatusOK, s.do(t, "GET", "/health", nil, &health))
	assert.Equal(t, "ok", health.Status)

	resp, err := s.Client().Get(s.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, gohttp.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "qsession_"), "metrics should include the qsession namespace")

	req, err := gohttp.NewRequest("GET", s.URL+"/queries", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/plain")
	resp, err = s.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	req, err = gohttp.NewRequest("GET", s.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	resp, err = s.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHandler_NoCatalog(t *testing.T) {
	c, err := qsession.NewCoordinator(qsession.OptCoordinatorExecutor(gatedExecutor{}))
	require.NoError(t, err)
	h, err := http.NewHandler(http.OptHandlerCoordinator(c))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/tables", nil))
	assert.Equal(t, gohttp.StatusNotImplemented, w.Code)
}

func TestHandler_MaxTableRows(t *testing.T) {
	c, err := qsession.NewCoordinator(qsession.OptCoordinatorExecutor(gatedExecutor{}))
	require.NoError(t, err)
	defer c.Close()

	_, err = http.NewHandler(http.OptHandlerCoordinator(c), http.OptHandlerMaxTableRows(0))
	assert.Error(t, err)

	cat := catalog.NewMem()
	h, err := http.NewHandler(
		http.OptHandlerCoordinator(c),
		http.OptHandlerCatalog(cat),
		http.OptHandlerMaxTableRows(10),
	)
	require.NoError(t, err)

	post := func(path string, body interface{}) (int, map[string]interface{}) {
		var rd io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			rd = bytes.NewReader(b)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", path, rd))
		er := map[string]interface{}{}
		if w.Code != gohttp.StatusCreated {
			require.NoError(t, json.NewDecoder(w.Body).Decode(&er))
		}
		return w.Code, er
	}

	for _, rows := range []string{"11", "1000000000", "4611686018427387904"} {
		status, er := post("/table/big/generate?rows="+rows, nil)
		assert.Equal(t, gohttp.StatusBadRequest, status, rows)
		assert.Equal(t, string(catalog.ErrInvalidTable), er["code"], rows)
	}
	status, _ := post("/table/big/generate?rows=10", nil)
	assert.Equal(t, gohttp.StatusCreated, status)

	tbl := catalog.Generate("wide", "x", 11, 1)
	status, er := post("/table", tbl)
	assert.Equal(t, gohttp.StatusBadRequest, status)
	assert.Equal(t, string(catalog.ErrInvalidTable), er["code"])

	names, err := cat.TableNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, names)
}
