// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package http serves the coordinator and the table catalog over HTTP.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/catalog"
	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/logger"
	"github.com/featurebasedb/qsession/session"
	"github.com/featurebasedb/qsession/tracing"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Coordinator is the part of qsession.Coordinator the handler serves.
type Coordinator interface {
	Submit(ctx context.Context, req qsession.SubmitRequest) (*qsession.Result, error)
	RequestInterrupt(target, requester session.ID)
	CurrentRunningSessions() []session.ID
	SessionStatus(id session.ID) qsession.SessionStatus
	Settings() qsession.Settings
	SetRunningCheckFrequency(f float64) error
	SetPendingCheckFrequency(k int) error
	ResizeDispatchCapacity(n int) error
	ResizeSlotWidth(n int) error
	ActiveQueries() []qsession.ActiveQueryStatus
	PastQueries() []qsession.PastQueryStatus
	Interrupts() []interrupt.Request
}

// Ensure type implements interface.
var _ Coordinator = (*qsession.Coordinator)(nil)

// DefaultMaxTableRows bounds the tables created through the handler. Every
// table lives in the server's memory alongside the running queries.
const DefaultMaxTableRows = 10 * catalog.LargeRows

// Handler represents an HTTP handler.
type Handler struct {
	Handler http.Handler

	logger logger.Logger

	// Keeps the query argument validators for each handler
	validators map[string]*queryValidationSpec

	coordinator  Coordinator
	catalog      catalog.Catalog
	maxTableRows int

	ln net.Listener
	// url is used to hold the advertise bind address for printing a log during startup.
	url string

	closeTimeout time.Duration

	server *http.Server

	middleware []func(http.Handler) http.Handler
}

type errorResponse struct {
	Error string      `json:"error"`
	Code  errors.Code `json:"code,omitempty"`
}

// handlerOption is a functional option type for Handler
type handlerOption func(s *Handler) error

func OptHandlerMiddleware(middleware func(http.Handler) http.Handler) handlerOption {
	return func(h *Handler) error {
		h.middleware = append(h.middleware, middleware)
		return nil
	}
}

func OptHandlerAllowedOrigins(origins []string) handlerOption {
	return func(h *Handler) error {
		if len(origins) == 0 {
			return nil
		}
		h.middleware = append(h.middleware, handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		))
		return nil
	}
}

func OptHandlerCoordinator(c Coordinator) handlerOption {
	return func(h *Handler) error {
		h.coordinator = c
		return nil
	}
}

// OptHandlerCatalog enables the table endpoints.
func OptHandlerCatalog(c catalog.Catalog) handlerOption {
	return func(h *Handler) error {
		h.catalog = c
		return nil
	}
}

// OptHandlerMaxTableRows sets the largest row count accepted by the table
// endpoints.
func OptHandlerMaxTableRows(n int) handlerOption {
	return func(h *Handler) error {
		if n < 1 {
			return errors.Errorf("max table rows must be positive, got %d", n)
		}
		h.maxTableRows = n
		return nil
	}
}

func OptHandlerLogger(logger logger.Logger) handlerOption {
	return func(h *Handler) error {
		h.logger = logger
		return nil
	}
}

func OptHandlerListener(ln net.Listener, url string) handlerOption {
	return func(h *Handler) error {
		h.ln = ln
		h.url = url
		return nil
	}
}

// OptHandlerCloseTimeout controls how long to wait for the http Server to
// shutdown cleanly before forcibly destroying it. Default is 30 seconds.
func OptHandlerCloseTimeout(d time.Duration) handlerOption {
	return func(h *Handler) error {
		h.closeTimeout = d
		return nil
	}
}

// NewHandler returns a new instance of Handler with a default logger. The
// listener is only required for Serve.
func NewHandler(opts ...handlerOption) (*Handler, error) {
	handler := &Handler{
		logger:       logger.NopLogger,
		closeTimeout: time.Second * 30,
		maxTableRows: DefaultMaxTableRows,
	}

	for _, opt := range opts {
		err := opt(handler)
		if err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}

	if handler.coordinator == nil {
		return nil, errors.New(errors.ErrUncoded, "must pass OptHandlerCoordinator")
	}

	handler.Handler = newRouter(handler)
	handler.populateValidators()
	handler.server = &http.Server{Handler: handler}

	return handler, nil
}

func (h *Handler) Serve() error {
	if h.ln == nil {
		return errors.New(errors.ErrUncoded, "must pass OptHandlerListener")
	}
	h.logger.Infof("listening as %s", h.url)
	err := h.server.Serve(h.ln)
	if err != nil && err != http.ErrServerClosed {
		h.logger.Errorf("HTTP handler terminated with error: %s\n", err)
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// Close tries to cleanly shutdown the HTTP server, and failing that, after a
// timeout, calls Server.Close.
func (h *Handler) Close() error {
	deadlineCtx, cancelFunc := context.WithDeadline(context.Background(), time.Now().Add(h.closeTimeout))
	defer cancelFunc()
	err := h.server.Shutdown(deadlineCtx)
	if err != nil {
		err = h.server.Close()
	}
	return errors.Wrap(err, "shutdown/close http server")
}

func (h *Handler) populateValidators() {
	h.validators = map[string]*queryValidationSpec{}
	h.validators["PostSQL"] = queryValidationSpecRequired()
	h.validators["PostInterrupt"] = queryValidationSpecRequired().Optional("requester")
	h.validators["GetRunningSessions"] = queryValidationSpecRequired()
	h.validators["GetSession"] = queryValidationSpecRequired()
	h.validators["GetConfig"] = queryValidationSpecRequired()
	h.validators["PostConfig"] = queryValidationSpecRequired()
	h.validators["GetActiveQueries"] = queryValidationSpecRequired()
	h.validators["GetPastQueries"] = queryValidationSpecRequired()
	h.validators["GetInterrupts"] = queryValidationSpecRequired()
	h.validators["GetHealth"] = queryValidationSpecRequired()
	h.validators["GetTables"] = queryValidationSpecRequired()
	h.validators["PostTable"] = queryValidationSpecRequired()
	h.validators["PostGenerateTable"] = queryValidationSpecRequired("rows").Optional("column", "value", "replace")
	h.validators["DeleteTable"] = queryValidationSpecRequired()
}

func (h *Handler) queryArgValidator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if route := mux.CurrentRoute(r); route != nil {
			key = route.GetName()
		}

		if validator, ok := h.validators[key]; ok {
			if err := validator.validate(r.URL.Query()); err != nil {
				h.writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) extractTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span, ctx := tracing.GlobalTracer.ExtractHTTPHeaders(r)
		defer span.Finish()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRouter(handler *Handler) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/sql", handler.handlePostSQL).Methods("POST").Name("PostSQL")
	router.HandleFunc("/session/{id}/interrupt", handler.handlePostInterrupt).Methods("POST").Name("PostInterrupt")
	router.HandleFunc("/session/{id}", handler.handleGetSession).Methods("GET").Name("GetSession")
	router.HandleFunc("/sessions/running", handler.handleGetRunningSessions).Methods("GET").Name("GetRunningSessions")
	router.HandleFunc("/config", handler.handleGetConfig).Methods("GET").Name("GetConfig")
	router.HandleFunc("/config", handler.handlePostConfig).Methods("POST").Name("PostConfig")
	router.HandleFunc("/queries", handler.handleGetActiveQueries).Methods("GET").Name("GetActiveQueries")
	router.HandleFunc("/queries/history", handler.handleGetPastQueries).Methods("GET").Name("GetPastQueries")
	router.HandleFunc("/interrupts", handler.handleGetInterrupts).Methods("GET").Name("GetInterrupts")
	router.HandleFunc("/health", handler.handleGetHealth).Methods("GET").Name("GetHealth")

	router.HandleFunc("/tables", handler.chkCatalog(handler.handleGetTables)).Methods("GET").Name("GetTables")
	router.HandleFunc("/table", handler.chkCatalog(handler.handlePostTable)).Methods("POST").Name("PostTable")
	router.HandleFunc("/table/{name}/generate", handler.chkCatalog(handler.handlePostGenerateTable)).Methods("POST").Name("PostGenerateTable")
	router.HandleFunc("/table/{name}", handler.chkCatalog(handler.handleDeleteTable)).Methods("DELETE").Name("DeleteTable")

	router.Use(handler.queryArgValidator)
	router.Use(handler.extractTracing)

	var h http.Handler = router
	for _, middleware := range handler.middleware {
		h = middleware(h)
	}
	return h
}

// ServeHTTP handles an HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			stack := debug.Stack()
			msg := "%s\n%s"
			h.logger.Errorf(msg, err, stack)
			fmt.Fprintf(w, msg, err, stack)
		}
	}()

	h.Handler.ServeHTTP(w, r)
}

func (h *Handler) chkCatalog(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.catalog == nil {
			h.writeError(w, http.StatusNotImplemented, errors.New(errors.ErrUncoded, "no table catalog configured"))
			return
		}
		handler(w, r)
	}
}

// statusOf maps a catalog error to the HTTP status returned for it.
func statusOf(err error) int {
	switch errors.CodeOf(err) {
	case catalog.ErrTableExists:
		return http.StatusConflict
	case catalog.ErrTableNotFound:
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// sqlStatusOf maps a failed submission to its HTTP status. Anything other
// than an interrupt or a closed coordinator is a failed query.
func sqlStatusOf(err error) int {
	switch errors.CodeOf(err) {
	case interrupt.ErrRunningInterrupted, interrupt.ErrPendingInterrupted:
		return http.StatusConflict
	case session.ErrRegistryClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Code:  errors.CodeOf(err),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorf("writing response: %v", err)
	}
}

// PostSQLRequest is the body of POST /sql.
type PostSQLRequest struct {
	SQL                   string `json:"sql"`
	SessionID             string `json:"session-id"`
	DeviceType            string `json:"device-type,omitempty"`
	PendingCheckFrequency int    `json:"pending-check-frequency,omitempty"`
}

// handlePostSQL handles /sql requests. The request blocks until the query
// completes or is interrupted.
func (h *Handler) handlePostSQL(w http.ResponseWriter, r *http.Request) {
	var req PostSQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding request"))
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		h.writeError(w, http.StatusBadRequest, errors.Errorf("sql is required"))
		return
	}
	if req.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, errors.Errorf("session-id is required"))
		return
	}

	start := time.Now()
	res, err := h.coordinator.Submit(r.Context(), qsession.SubmitRequest{
		SQL:                   req.SQL,
		SessionID:             session.ID(req.SessionID),
		DeviceType:            qsession.DeviceType(req.DeviceType),
		PendingCheckFrequency: req.PendingCheckFrequency,
	})

	resp := qsession.WireQueryResponse{
		ExecutionTime: time.Since(start).Microseconds(),
	}
	status := http.StatusOK
	if err != nil {
		status = sqlStatusOf(err)
		resp.Error = err.Error()
		resp.Code = errors.CodeOf(err)
		h.logger.Debugf("query of session %s: %v", req.SessionID, err)
	} else {
		resp.Result = *res
	}
	h.writeJSON(w, status, resp)
}

// InterruptResponse is the body returned by POST /session/{id}/interrupt.
type InterruptResponse struct {
	SessionID session.ID `json:"session-id"`
	Requester session.ID `json:"requester,omitempty"`
}

func (h *Handler) handlePostInterrupt(w http.ResponseWriter, r *http.Request) {
	id := session.ID(mux.Vars(r)["id"])
	requester := session.ID(r.URL.Query().Get("requester"))
	h.coordinator.RequestInterrupt(id, requester)
	h.writeJSON(w, http.StatusAccepted, InterruptResponse{SessionID: id, Requester: requester})
}

// RunningSessionsResponse is the body returned by GET /sessions/running.
type RunningSessionsResponse struct {
	Sessions []session.ID `json:"sessions"`
}

func (h *Handler) handleGetRunningSessions(w http.ResponseWriter, r *http.Request) {
	ids := h.coordinator.CurrentRunningSessions()
	if ids == nil {
		ids = []session.ID{}
	}
	h.writeJSON(w, http.StatusOK, RunningSessionsResponse{Sessions: ids})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.coordinator.SessionStatus(session.ID(mux.Vars(r)["id"])))
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.coordinator.Settings())
}

// PostConfigRequest is the body of POST /config. Absent fields are left
// unchanged.
type PostConfigRequest struct {
	RunningCheckFrequency *float64 `json:"running-check-frequency,omitempty"`
	PendingCheckFrequency *int     `json:"pending-check-frequency,omitempty"`
	DispatchCapacity      *int     `json:"dispatch-capacity,omitempty"`
	SlotWidth             *int     `json:"slot-width,omitempty"`
}

// handlePostConfig applies the settings in order and stops at the first
// invalid one; settings applied before it stay applied.
func (h *Handler) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var req PostConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding request"))
		return
	}

	var steps []func() error
	if v := req.RunningCheckFrequency; v != nil {
		steps = append(steps, func() error { return h.coordinator.SetRunningCheckFrequency(*v) })
	}
	if v := req.PendingCheckFrequency; v != nil {
		steps = append(steps, func() error { return h.coordinator.SetPendingCheckFrequency(*v) })
	}
	if v := req.DispatchCapacity; v != nil {
		steps = append(steps, func() error { return h.coordinator.ResizeDispatchCapacity(*v) })
	}
	if v := req.SlotWidth; v != nil {
		steps = append(steps, func() error { return h.coordinator.ResizeSlotWidth(*v) })
	}

	var err error
	for _, step := range steps {
		if err = step(); err != nil {
			break
		}
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.coordinator.Settings())
}

func (h *Handler) handleGetActiveQueries(w http.ResponseWriter, r *http.Request) {
	var rtype string
	switch {
	case validHeaderAcceptType(r.Header, "text", "plain"):
		rtype = "text/plain"
	case validHeaderAcceptJSON(r.Header):
		rtype = "application/json"
	default:
		http.Error(w, "no acceptable response type selected", http.StatusNotAcceptable)
		return
	}
	queries := h.coordinator.ActiveQueries()
	if rtype == "application/json" {
		h.writeJSON(w, http.StatusOK, queries)
		return
	}

	w.Header().Set("Content-Type", rtype)
	durations := make([]string, len(queries))
	var maxlen int
	for i, q := range queries {
		durations[i] = q.Age.String()
		if len(durations[i]) > maxlen {
			maxlen = len(durations[i])
		}
	}
	for i, q := range queries {
		_, err := fmt.Fprintf(w, "%*s%-18s%q\n", -(maxlen + 2), durations[i], q.State, q.SQL)
		if err != nil {
			h.logger.Errorf("sending GetActiveQueries response: %s", err)
			return
		}
	}
}

func (h *Handler) handleGetPastQueries(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.coordinator.PastQueries())
}

func (h *Handler) handleGetInterrupts(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.coordinator.Interrupts())
}

// HealthResponse is the body returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (h *Handler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// TablesResponse is the body returned by GET /tables.
type TablesResponse struct {
	Tables []string `json:"tables"`
}

func (h *Handler) handleGetTables(w http.ResponseWriter, r *http.Request) {
	names, err := h.catalog.TableNames(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TablesResponse{Tables: names})
}

func (h *Handler) handlePostTable(w http.ResponseWriter, r *http.Request) {
	tbl := &catalog.Table{}
	if err := json.NewDecoder(r.Body).Decode(tbl); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding request"))
		return
	}
	if len(tbl.Rows) > h.maxTableRows {
		h.writeError(w, http.StatusBadRequest, h.errTooManyRows(tbl.Name, len(tbl.Rows)))
		return
	}
	if err := h.catalog.CreateTable(r.Context(), tbl); err != nil {
		h.writeError(w, statusOf(err), err)
		return
	}
	h.writeJSON(w, http.StatusCreated, TablesResponse{Tables: []string{tbl.Name}})
}

// handlePostGenerateTable creates a single-column table of rows copies of
// value, optionally replacing an existing table of the same name.
func (h *Handler) handlePostGenerateTable(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	q := r.URL.Query()

	rows, err := strconv.Atoi(q.Get("rows"))
	if err != nil || rows < 0 {
		h.writeError(w, http.StatusBadRequest, errors.Errorf("invalid rows: %q", q.Get("rows")))
		return
	} else if rows > h.maxTableRows {
		h.writeError(w, http.StatusBadRequest, h.errTooManyRows(name, rows))
		return
	}
	column := q.Get("column")
	if column == "" {
		column = catalog.FixtureColumn
	}
	value := int64(1)
	if s := q.Get("value"); s != "" {
		if value, err = strconv.ParseInt(s, 10, 64); err != nil {
			h.writeError(w, http.StatusBadRequest, errors.Errorf("invalid value: %q", s))
			return
		}
	}
	if replace, _ := strconv.ParseBool(q.Get("replace")); replace {
		if err := h.catalog.DropTable(r.Context(), name); err != nil && !errors.Is(err, catalog.ErrTableNotFound) {
			h.writeError(w, statusOf(err), err)
			return
		}
	}

	if err := h.catalog.CreateTable(r.Context(), catalog.Generate(name, column, rows, value)); err != nil {
		h.writeError(w, statusOf(err), err)
		return
	}
	h.writeJSON(w, http.StatusCreated, TablesResponse{Tables: []string{name}})
}

func (h *Handler) errTooManyRows(name string, rows int) error {
	return catalog.NewErrInvalidTable(name, fmt.Sprintf("%d rows exceeds the limit of %d", rows, h.maxTableRows))
}

func (h *Handler) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.catalog.DropTable(r.Context(), name); err != nil {
		h.writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validHeaderAcceptJSON returns false if one or more Accept
// headers are present, but none of them are "application/json"
// (or any matching wildcard). Otherwise returns true.
func validHeaderAcceptJSON(header http.Header) bool {
	return validHeaderAcceptType(header, "application", "json")
}

func validHeaderAcceptType(header http.Header, typ, subtyp string) bool {
	if v, found := header["Accept"]; found {
		for _, v := range v {
			t, _, err := mime.ParseMediaType(v)
			if err != nil {
				switch err {
				case mime.ErrInvalidMediaParameter:
					// This is an optional feature, so we can keep going anyway.
				default:
					continue
				}
			}
			spl := strings.SplitN(t, "/", 2)
			if len(spl) < 2 {
				continue
			}
			switch {
			case spl[0] == typ && spl[1] == subtyp:
				return true
			case spl[0] == "*" && spl[1] == subtyp:
				return true
			case spl[0] == typ && spl[1] == "*":
				return true
			case spl[0] == "*" && spl[1] == "*":
				return true
			}
		}
		return false
	}
	return true
}

type queryValidationSpec struct {
	required []string
	args     map[string]struct{}
}

func queryValidationSpecRequired(requiredArgs ...string) *queryValidationSpec {
	args := map[string]struct{}{}
	for _, arg := range requiredArgs {
		args[arg] = struct{}{}
	}

	return &queryValidationSpec{
		required: requiredArgs,
		args:     args,
	}
}

func (s *queryValidationSpec) Optional(args ...string) *queryValidationSpec {
	for _, arg := range args {
		s.args[arg] = struct{}{}
	}
	return s
}

func (s queryValidationSpec) validate(query url.Values) error {
	for _, req := range s.required {
		if query.Get(req) == "" {
			return errors.Errorf("%s is required", req)
		}
	}
	for k := range query {
		if _, ok := s.args[k]; !ok {
			return errors.Errorf("%s is not a valid argument", k)
		}
	}
	return nil
}
