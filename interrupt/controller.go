// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package interrupt implements cooperative cancellation of enrolled queries.
//
// An interrupt request only raises a per-session flag in the session
// registry. Nothing is stopped until the affected queries reach a
// checkpoint: waiting queries consult the flag every k-th iteration of their
// poll loop, and running queries consult it from the compute loop through a
// Checker.
package interrupt

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/featurebasedb/qsession/logger"
	"github.com/featurebasedb/qsession/session"
)

const (
	DefaultRunningCheckFrequency = 0.9
	DefaultPendingCheckFrequency = 10
	DefaultPollInterval          = 5 * time.Millisecond
	DefaultAuditLength           = 100
)

// Request is one entry of the interrupt audit log.
type Request struct {
	Target    session.ID `json:"target"`
	Requester session.ID `json:"requester"`
	Time      time.Time  `json:"time"`
	Affected  int        `json:"affected"`
}

// Controller records interrupt requests and answers checkpoints.
type Controller struct {
	reg *session.Registry

	mu           sync.RWMutex
	runningFreq  float64
	pendingFreq  int
	pollInterval time.Duration

	audit *auditLog

	logger logger.Logger
}

// ControllerOption is a functional option for New.
type ControllerOption func(c *Controller) error

func OptControllerLogger(l logger.Logger) ControllerOption {
	return func(c *Controller) error {
		c.logger = l
		return nil
	}
}

func OptControllerRunningCheckFrequency(f float64) ControllerOption {
	return func(c *Controller) error {
		return c.SetRunningCheckFrequency(f)
	}
}

func OptControllerPendingCheckFrequency(k int) ControllerOption {
	return func(c *Controller) error {
		return c.SetPendingCheckFrequency(k)
	}
}

// OptControllerPollInterval sets how long a waiting query sleeps between
// attempts.
func OptControllerPollInterval(d time.Duration) ControllerOption {
	return func(c *Controller) error {
		if d <= 0 {
			return NewErrInvalidConfig("poll-interval", d)
		}
		c.pollInterval = d
		return nil
	}
}

// OptControllerAuditLength sets how many interrupt requests are remembered.
func OptControllerAuditLength(n int) ControllerOption {
	return func(c *Controller) error {
		if n <= 0 {
			return NewErrInvalidConfig("audit-length", n)
		}
		c.audit = newAuditLog(n)
		return nil
	}
}

// New returns a Controller raising flags in reg.
func New(reg *session.Registry, opts ...ControllerOption) (*Controller, error) {
	c := &Controller{
		reg:          reg,
		runningFreq:  DefaultRunningCheckFrequency,
		pendingFreq:  DefaultPendingCheckFrequency,
		pollInterval: DefaultPollInterval,
		audit:        newAuditLog(DefaultAuditLength),
		logger:       logger.NopLogger,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RequestInterrupt flags every query currently enrolled under target. It
// always succeeds and repeating it has no further effect. requester is kept
// in the audit log only.
func (c *Controller) RequestInterrupt(target, requester session.ID) {
	n := c.reg.MarkInterrupted(target)
	c.audit.add(Request{
		Target:    target,
		Requester: requester,
		Time:      time.Now(),
		Affected:  n,
	})
	if n == 0 {
		c.logger.Infof("interrupt of session %s requested by %s: nothing enrolled", target, requester)
		return
	}
	c.logger.Infof("interrupt of session %s requested by %s: %d queries flagged", target, requester, n)
}

// Audit returns the remembered interrupt requests, oldest first.
func (c *Controller) Audit() []Request {
	return c.audit.slice()
}

// Checkpoint returns the cancellation error matching phase if the session of
// h has been interrupted, and nil otherwise. The caller holds lk.
func (c *Controller) Checkpoint(lk *session.SharedLock, h session.Handle, phase session.State) error {
	if !c.reg.IsInterrupted(lk, h.SessionID) {
		return nil
	}
	switch {
	case phase == session.Running:
		return NewErrRunningInterrupted()
	case phase.Pending():
		return NewErrPendingInterrupted()
	}
	return nil
}

func (c *Controller) checkpoint(h session.Handle, phase session.State) error {
	lk := c.reg.RLock()
	defer lk.Unlock()
	return c.Checkpoint(lk, h, phase)
}

// WaitPending polls try until it reports success, returns an error, or a
// checkpoint fires. Every k-th attempt, starting with the first, is preceded
// by a checkpoint for phase. Between attempts the caller sleeps for the poll
// interval. A k below 1 selects the configured pending check frequency.
func (c *Controller) WaitPending(ctx context.Context, h session.Handle, phase session.State, k int, try func() (bool, error)) error {
	if k < 1 {
		k = c.PendingCheckFrequency()
	}
	interval := c.PollInterval()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for i := 0; ; i++ {
		if i%k == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.checkpoint(h, phase); err != nil {
				return err
			}
		}

		ok, err := try()
		if err != nil {
			return err
		} else if ok {
			return nil
		}

		if timer == nil {
			timer = time.NewTimer(interval)
		} else {
			timer.Reset(interval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// NewChecker returns the checkpoint token handed to the compute loop of the
// running query h. The cadence is fixed at creation.
func (c *Controller) NewChecker(ctx context.Context, h session.Handle) *Checker {
	return &Checker{
		c:        c,
		ctx:      ctx,
		h:        h,
		interval: chunkInterval(c.RunningCheckFrequency()),
	}
}

// chunkInterval converts a running check frequency into the number of chunks
// between two consultations of the interrupt flag.
func chunkInterval(f float64) int64 {
	n := int64(math.Round(1 / f))
	if n < 1 {
		return 1
	}
	return n
}

func (c *Controller) SetRunningCheckFrequency(f float64) error {
	if !(f > 0 && f <= 1) {
		c.logger.Warnf("ignoring running check frequency %v: must be in (0, 1]", f)
		return NewErrInvalidConfig("running-check-frequency", f)
	}
	c.mu.Lock()
	c.runningFreq = f
	c.mu.Unlock()
	return nil
}

func (c *Controller) SetPendingCheckFrequency(k int) error {
	if k < 1 {
		c.logger.Warnf("ignoring pending check frequency %d: must be positive", k)
		return NewErrInvalidConfig("pending-check-frequency", k)
	}
	c.mu.Lock()
	c.pendingFreq = k
	c.mu.Unlock()
	return nil
}

func (c *Controller) RunningCheckFrequency() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runningFreq
}

func (c *Controller) PendingCheckFrequency() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pendingFreq
}

func (c *Controller) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pollInterval
}

// auditLog keeps the most recent interrupt requests, oldest first.
type auditLog struct {
	mu      sync.Mutex
	max     int
	entries []Request
}

func newAuditLog(n int) *auditLog {
	return &auditLog{max: n, entries: make([]Request, 0, n)}
}

func (a *auditLog) add(r Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.entries) == a.max {
		n := copy(a.entries, a.entries[1:])
		a.entries = a.entries[:n]
	}
	a.entries = append(a.entries, r)
}

func (a *auditLog) slice() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(make([]Request, 0, len(a.entries)), a.entries...)
}
