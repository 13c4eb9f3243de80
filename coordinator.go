// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package qsession

import (
	"context"
	"time"

	"github.com/featurebasedb/qsession/dispatch"
	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/logger"
	"github.com/featurebasedb/qsession/session"
	"github.com/featurebasedb/qsession/slot"
	"github.com/featurebasedb/qsession/tracing"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Checkpointer is handed to an Executor, which must call Checkpoint between
// chunks of work and stop with the returned error if it is non-nil.
type Checkpointer interface {
	Checkpoint() error
}

// ExecRequest is what the Executor needs to run one query.
type ExecRequest struct {
	SQL        string
	SessionID  session.ID
	QueryID    session.QueryID
	DeviceType DeviceType
}

// Executor is the compute loop. Execute runs while the query holds an
// execution slot.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest, cp Checkpointer) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req ExecRequest, cp Checkpointer) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest, cp Checkpointer) (*Result, error) {
	return f(ctx, req, cp)
}

// SubmitRequest is one query submission.
type SubmitRequest struct {
	SQL        string
	SessionID  session.ID
	DeviceType DeviceType

	// PendingCheckFrequency overrides the configured number of poll
	// iterations between checkpoints while waiting. Zero keeps the default.
	PendingCheckFrequency int
}

// Outcome is the terminal classification of a submission.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRunningInterrupted
	OutcomePendingInterrupted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "Completed"
	case OutcomeRunningInterrupted:
		return "RunningInterrupted"
	case OutcomePendingInterrupted:
		return "PendingInterrupted"
	}
	return "Failed"
}

// OutcomeOf classifies the error returned by Submit.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, interrupt.ErrRunningInterrupted):
		return OutcomeRunningInterrupted
	case errors.Is(err, interrupt.ErrPendingInterrupted):
		return OutcomePendingInterrupted
	}
	return OutcomeFailed
}

func (o Outcome) terminal() session.State {
	switch o {
	case OutcomeCompleted:
		return session.Completed
	case OutcomeRunningInterrupted, OutcomePendingInterrupted:
		return session.Interrupted
	}
	return session.Failed
}

// Coordinator drives submitted queries through admission, slot acquisition
// and execution, and retires them on every exit path.
type Coordinator struct {
	reg       *session.Registry
	ic        *interrupt.Controller
	slot      *slot.Slot
	admission *dispatch.Admission
	executor  Executor
	tracker   *queryTracker
	metrics   *coordinatorMetrics

	// Settings collected from options.
	slotWidth     int
	capacity      int
	runningFreq   float64
	pendingFreq   int
	pollInterval  time.Duration
	historyLength int
	registerer    prometheus.Registerer

	logger logger.Logger
}

// CoordinatorOption is a functional option for NewCoordinator.
type CoordinatorOption func(c *Coordinator) error

func OptCoordinatorExecutor(e Executor) CoordinatorOption {
	return func(c *Coordinator) error {
		c.executor = e
		return nil
	}
}

func OptCoordinatorLogger(l logger.Logger) CoordinatorOption {
	return func(c *Coordinator) error {
		c.logger = l
		return nil
	}
}

func OptCoordinatorSlotWidth(n int) CoordinatorOption {
	return func(c *Coordinator) error {
		c.slotWidth = n
		return nil
	}
}

func OptCoordinatorDispatchCapacity(n int) CoordinatorOption {
	return func(c *Coordinator) error {
		c.capacity = n
		return nil
	}
}

func OptCoordinatorRunningCheckFrequency(f float64) CoordinatorOption {
	return func(c *Coordinator) error {
		c.runningFreq = f
		return nil
	}
}

func OptCoordinatorPendingCheckFrequency(k int) CoordinatorOption {
	return func(c *Coordinator) error {
		c.pendingFreq = k
		return nil
	}
}

func OptCoordinatorPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) error {
		c.pollInterval = d
		return nil
	}
}

func OptCoordinatorHistoryLength(n int) CoordinatorOption {
	return func(c *Coordinator) error {
		if n < 1 {
			return interrupt.NewErrInvalidConfig("history-length", n)
		}
		c.historyLength = n
		return nil
	}
}

// OptCoordinatorRegisterer sets where the coordinator's metrics are
// registered. The default is prometheus.DefaultRegisterer, shared by every
// coordinator in the process.
func OptCoordinatorRegisterer(r prometheus.Registerer) CoordinatorOption {
	return func(c *Coordinator) error {
		if r == nil {
			return errors.New(errors.ErrUncoded, "nil metrics registerer")
		}
		c.registerer = r
		return nil
	}
}

// NewCoordinator returns a Coordinator with its own registry. Settings not
// given as options take their defaults.
func NewCoordinator(opts ...CoordinatorOption) (*Coordinator, error) {
	c := &Coordinator{
		slotWidth:     slot.DefaultWidth,
		capacity:      dispatch.DefaultCapacity,
		runningFreq:   interrupt.DefaultRunningCheckFrequency,
		pendingFreq:   interrupt.DefaultPendingCheckFrequency,
		pollInterval:  interrupt.DefaultPollInterval,
		historyLength: DefaultHistoryLength,
		registerer:    prometheus.DefaultRegisterer,
		logger:        logger.NopLogger,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	if c.executor == nil {
		return nil, NewErrNoExecutor()
	}

	var err error
	if c.metrics, err = newCoordinatorMetrics(c.registerer); err != nil {
		return nil, errors.Wrap(err, "registering metrics")
	}
	c.reg = session.NewRegistry(session.OptRegistryLogger(c.logger.WithPrefix("registry: ")))
	c.ic, err = interrupt.New(c.reg,
		interrupt.OptControllerLogger(c.logger),
		interrupt.OptControllerRunningCheckFrequency(c.runningFreq),
		interrupt.OptControllerPendingCheckFrequency(c.pendingFreq),
		interrupt.OptControllerPollInterval(c.pollInterval),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating interrupt controller")
	}
	if c.slot, err = slot.New(c.reg, c.ic, c.slotWidth); err != nil {
		return nil, errors.Wrap(err, "creating execution slot")
	}
	if c.admission, err = dispatch.New(c.reg, c.ic, c.capacity); err != nil {
		return nil, errors.Wrap(err, "creating dispatch admission")
	}
	c.admission.SetLogger(c.logger)
	c.tracker = newQueryTracker(c.historyLength)
	return c, nil
}

// Submit runs one query to completion. It returns either the result or an
// error, never both. A cancelled query returns an error for which OutcomeOf
// reports RunningInterrupted or PendingInterrupted; any other error is
// passed through from the Executor, or is the context's error. By the time
// Submit returns the query has been retired.
//
// A query whose ctx is done while it waits for admission or for the slot is
// retired as Failed straight from its pending state.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (res *Result, err error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Coordinator.Submit")
	defer span.Finish()

	device, err := ParseDeviceType(string(req.DeviceType))
	if err != nil {
		return nil, err
	}
	if len(req.SessionID) != SessionIDLength {
		c.logger.Warnf("session id %q is not %d characters", req.SessionID, SessionIDLength)
	}

	qid := session.QueryID(uuid.New().String())
	h, err := c.reg.Enroll(req.SessionID, qid, req.SQL, string(device))
	if err != nil {
		return nil, err
	}
	c.metrics.enrolled.Inc()
	span.LogKV("session", string(h.SessionID), "query", string(h.QueryID))
	aq := c.tracker.Start(h, req.SQL, string(device), time.Now())

	defer func() {
		p := recover()
		outcome := OutcomeOf(err)
		if p != nil {
			outcome = OutcomeFailed
		}
		c.finish(h, aq, outcome)
		span.LogKV("outcome", outcome.String())
		if p != nil {
			panic(p)
		}
		if err != nil {
			res = nil
		}
	}()

	return c.drive(ctx, h, device, req)
}

func (c *Coordinator) drive(ctx context.Context, h session.Handle, device DeviceType, req SubmitRequest) (*Result, error) {
	k := req.PendingCheckFrequency
	if k < 1 {
		k = c.ic.PendingCheckFrequency()
	}

	enqueued := time.Now()
	err := c.admission.Admit(ctx, h, k)
	if err == nil {
		err = c.slot.Acquire(ctx, h, k)
	}
	started := time.Now()
	c.metrics.pending.Observe(started.Sub(enqueued).Seconds())
	if err != nil {
		return nil, err
	}
	c.metrics.running.Inc()
	defer func() {
		c.metrics.running.Dec()
		c.metrics.execution.Observe(time.Since(started).Seconds())
	}()

	span, ctx := tracing.StartSpanFromContext(ctx, "Executor.Execute")
	defer span.Finish()

	ck := c.ic.NewChecker(ctx, h)
	res, err := c.executor.Execute(ctx, ExecRequest{
		SQL:        req.SQL,
		SessionID:  h.SessionID,
		QueryID:    h.QueryID,
		DeviceType: device,
	}, ck)
	span.LogKV("chunks", ck.Chunks(), "checks", ck.Checks())
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

// finish moves h to the terminal state matching outcome, which releases its
// slot and admission capacity, and retires it.
func (c *Coordinator) finish(h session.Handle, aq *activeQuery, outcome Outcome) {
	terminal := outcome.terminal()
	from, err := c.slot.Release(h, terminal)
	if err != nil {
		c.logger.Errorf("finishing query %s of session %s as %s: %v", h.QueryID, h.SessionID, terminal, err)
		c.reg.Retire(h)
	} else {
		c.logger.Debugf("query %s of session %s: %s -> %s", h.QueryID, h.SessionID, from, terminal)
	}
	c.metrics.enrolled.Dec()
	c.metrics.queries.WithLabelValues(outcome.String()).Inc()
	c.tracker.Finish(aq, outcome, time.Now())
}

// RequestInterrupt interrupts every query enrolled under target. It returns
// immediately; callers wanting to observe the release poll
// EnrolledQueryCount until it reaches zero.
func (c *Coordinator) RequestInterrupt(target, requester session.ID) {
	c.metrics.interrupts.Inc()
	c.ic.RequestInterrupt(target, requester)
}

func (c *Coordinator) SetRunningCheckFrequency(f float64) error {
	if err := c.ic.SetRunningCheckFrequency(f); err != nil {
		return err
	}
	c.metrics.configChanges.WithLabelValues("running-check-frequency").Inc()
	return nil
}

func (c *Coordinator) SetPendingCheckFrequency(k int) error {
	if err := c.ic.SetPendingCheckFrequency(k); err != nil {
		return err
	}
	c.metrics.configChanges.WithLabelValues("pending-check-frequency").Inc()
	return nil
}

func (c *Coordinator) ResizeDispatchCapacity(n int) error {
	if err := c.admission.Configure(n); err != nil {
		return err
	}
	c.metrics.configChanges.WithLabelValues("dispatch-capacity").Inc()
	return nil
}

func (c *Coordinator) ResizeSlotWidth(n int) error {
	if err := c.slot.Resize(n); err != nil {
		return err
	}
	c.metrics.configChanges.WithLabelValues("slot-width").Inc()
	return nil
}

// Settings is a snapshot of the runtime-adjustable configuration.
type Settings struct {
	RunningCheckFrequency float64 `json:"running-check-frequency"`
	PendingCheckFrequency int     `json:"pending-check-frequency"`
	DispatchCapacity      int     `json:"dispatch-capacity"`
	SlotWidth             int     `json:"slot-width"`
}

func (c *Coordinator) Settings() Settings {
	return Settings{
		RunningCheckFrequency: c.ic.RunningCheckFrequency(),
		PendingCheckFrequency: c.ic.PendingCheckFrequency(),
		DispatchCapacity:      c.admission.Capacity(),
		SlotWidth:             c.slot.Width(),
	}
}

// CurrentRunningSessions returns the sorted sessions holding a slot.
func (c *Coordinator) CurrentRunningSessions() []session.ID {
	lk := c.reg.RLock()
	defer lk.Unlock()
	return c.reg.RunningSessions(lk)
}

func (c *Coordinator) IsSessionEnrolled(id session.ID) bool {
	lk := c.reg.RLock()
	defer lk.Unlock()
	return c.reg.IsEnrolled(lk, id)
}

func (c *Coordinator) EnrolledQueryCount(id session.ID) int {
	lk := c.reg.RLock()
	defer lk.Unlock()
	return c.reg.EnrolledCount(lk, id)
}

// SessionStatus describes one session at a single point in time.
type SessionStatus struct {
	SessionID   session.ID       `json:"session-id"`
	Enrolled    bool             `json:"enrolled"`
	QueryCount  int              `json:"query-count"`
	Interrupted bool             `json:"interrupted"`
	Queries     []session.Record `json:"queries"`
}

// SessionStatus reads everything about id under one shared lock.
func (c *Coordinator) SessionStatus(id session.ID) SessionStatus {
	lk := c.reg.RLock()
	defer lk.Unlock()
	queries := c.reg.Records(lk, id)
	if queries == nil {
		queries = []session.Record{}
	}
	return SessionStatus{
		SessionID:   id,
		Enrolled:    c.reg.IsEnrolled(lk, id),
		QueryCount:  c.reg.EnrolledCount(lk, id),
		Interrupted: c.reg.IsInterrupted(lk, id),
		Queries:     queries,
	}
}

// ActiveQueries returns the queries currently inside Submit, oldest first.
func (c *Coordinator) ActiveQueries() []ActiveQueryStatus {
	lk := c.reg.RLock()
	defer lk.Unlock()
	return c.tracker.ActiveQueries(func(h session.Handle) string {
		if st, ok := c.reg.State(lk, h); ok {
			return st.String()
		}
		return "Retired"
	})
}

// PastQueries returns the most recently finished queries, oldest first.
func (c *Coordinator) PastQueries() []PastQueryStatus {
	return c.tracker.PastQueries()
}

// Interrupts returns the remembered interrupt requests, oldest first.
func (c *Coordinator) Interrupts() []interrupt.Request {
	return c.ic.Audit()
}

// Close stops accepting submissions. Queries already enrolled run on to
// their terminal state.
func (c *Coordinator) Close() error {
	c.reg.Close()
	return nil
}
