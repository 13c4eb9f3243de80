// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/featurebasedb/qsession/logger"
)

// Registry owns the mapping from session to the query records enrolled
// under it. It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	sessions map[ID]*entry

	// waiters holds PendingExecutor records in admission order.
	waiters []*Record

	// counts tracks how many records are in each state.
	counts [numStates]int

	seq    uint64
	closed bool

	now    func() time.Time
	logger logger.Logger
}

type entry struct {
	records     map[QueryID]*Record
	interrupted bool
}

// RegistryOption is a functional option for NewRegistry.
type RegistryOption func(r *Registry)

// OptRegistryLogger sets the logger used for enrollment and retirement.
func OptRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// OptRegistryClock replaces time.Now, mostly for tests.
func OptRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry returns an empty, open Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[ID]*entry),
		now:      time.Now,
		logger:   logger.NopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SharedLock is a held read lock on a Registry. It must be released exactly
// once with Unlock and must not be shared between goroutines.
type SharedLock struct {
	r    *Registry
	held bool
}

// RLock acquires the shared lock.
func (r *Registry) RLock() *SharedLock {
	r.mu.RLock()
	return &SharedLock{r: r, held: true}
}

// Unlock releases the shared lock.
func (lk *SharedLock) Unlock() {
	if !lk.held {
		panic("session: unlock of released shared lock")
	}
	lk.held = false
	lk.r.mu.RUnlock()
}

func (r *Registry) mustHold(lk *SharedLock) {
	if lk == nil || lk.r != r || !lk.held {
		panic("session: shared lock for this registry is not held")
	}
}

// Close tears the registry down. Enroll fails afterwards; records already
// enrolled may still move through their lifecycle and retire.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Enroll adds a new PendingQueue record, creating the session if this is its
// first record.
func (r *Registry) Enroll(id ID, qid QueryID, sql, device string) (Handle, error) {
	h := Handle{SessionID: id, QueryID: qid}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Handle{}, NewErrRegistryClosed()
	}
	e, ok := r.sessions[id]
	if !ok {
		e = &entry{records: make(map[QueryID]*Record)}
		r.sessions[id] = e
	}
	if _, ok := e.records[qid]; ok {
		return Handle{}, NewErrQueryExists(h)
	}

	r.seq++
	e.records[qid] = &Record{
		QueryID:   qid,
		SessionID: id,
		SQL:       sql,
		Device:    device,
		State:     PendingQueue,
		Enrolled:  r.now(),
		enrollSeq: r.seq,
	}
	r.counts[PendingQueue]++

	r.logger.Debugf("enrolled query %s under session %s (%d enrolled)", qid, id, len(e.records))
	return h, nil
}

// Retire removes the record named by h. Retiring a record that is already
// gone is a no-op. When the session's last record retires, the session and
// its interrupt flag are removed.
func (r *Registry) Retire(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retire(h)
}

func (r *Registry) retire(h Handle) {
	e, ok := r.sessions[h.SessionID]
	if !ok {
		return
	}
	rec, ok := e.records[h.QueryID]
	if !ok {
		return
	}
	if rec.State == PendingExecutor {
		r.removeWaiter(rec)
	}
	r.counts[rec.State]--
	delete(e.records, h.QueryID)
	if len(e.records) == 0 {
		delete(r.sessions, h.SessionID)
	}
	r.logger.Debugf("retired query %s of session %s as %s", h.QueryID, h.SessionID, rec.State)
}

// Admit moves h from PendingQueue to PendingExecutor if fewer than capacity
// records are currently admitted (PendingExecutor or Running). It reports
// whether the record was admitted.
func (r *Registry) Admit(h Handle, capacity int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookup(h)
	if err != nil {
		return false, err
	}
	if rec.State != PendingQueue {
		return false, NewErrInvalidTransition(h, rec.State, PendingExecutor)
	}
	if r.counts[PendingExecutor]+r.counts[Running] >= capacity {
		return false, nil
	}

	r.seq++
	rec.AdmitSeq = r.seq
	rec.Admitted = r.now()
	r.setState(rec, PendingExecutor)
	r.waiters = append(r.waiters, rec)
	return true, nil
}

// Acquire moves h from PendingExecutor to Running if a slot is free and h is
// among the earliest admitted waiters that can take the free slots. It
// reports whether the record now holds a slot.
func (r *Registry) Acquire(h Handle, width int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookup(h)
	if err != nil {
		return false, err
	}
	if rec.State != PendingExecutor {
		return false, NewErrInvalidTransition(h, rec.State, Running)
	}
	free := width - r.counts[Running]
	if free <= 0 {
		return false, nil
	}
	for i := 0; i < free && i < len(r.waiters); i++ {
		if r.waiters[i] == rec {
			rec.Started = r.now()
			r.setState(rec, Running)
			return true, nil
		}
	}
	return false, nil
}

// Finish moves h into the terminal state to and retires it, in one critical
// section. It returns the state the record was in beforehand.
func (r *Registry) Finish(h Handle, to State) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	from := rec.State
	if !to.Terminal() || !canTransition(from, to) {
		return from, NewErrInvalidTransition(h, from, to)
	}
	r.setState(rec, to)
	r.retire(h)
	return from, nil
}

// MarkInterrupted sets the interrupt flag of target and returns the number
// of records it covers. A session with no enrolled records is left alone
// and 0 is returned.
func (r *Registry) MarkInterrupted(target ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[target]
	if !ok {
		return 0
	}
	e.interrupted = true
	return len(e.records)
}

func (r *Registry) lookup(h Handle) (*Record, error) {
	e, ok := r.sessions[h.SessionID]
	if !ok {
		return nil, NewErrQueryNotEnrolled(h)
	}
	rec, ok := e.records[h.QueryID]
	if !ok {
		return nil, NewErrQueryNotEnrolled(h)
	}
	return rec, nil
}

// setState must be called with the exclusive lock held.
func (r *Registry) setState(rec *Record, to State) {
	if rec.State == PendingExecutor {
		r.removeWaiter(rec)
	}
	r.counts[rec.State]--
	r.counts[to]++
	rec.State = to
}

func (r *Registry) removeWaiter(rec *Record) {
	for i, w := range r.waiters {
		if w == rec {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

//////////////////////////////////////////////////////////////////////////////
// Reads. Every read requires the caller's SharedLock.

// RunningSessions returns the sorted set of sessions with at least one
// Running record.
func (r *Registry) RunningSessions(lk *SharedLock) []ID {
	r.mustHold(lk)
	out := []ID{}
	for id, e := range r.sessions {
		for _, rec := range e.records {
			if rec.State == Running {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsEnrolled reports whether id has any enrolled record.
func (r *Registry) IsEnrolled(lk *SharedLock, id ID) bool {
	r.mustHold(lk)
	_, ok := r.sessions[id]
	return ok
}

// EnrolledCount returns the number of records enrolled under id.
func (r *Registry) EnrolledCount(lk *SharedLock, id ID) int {
	r.mustHold(lk)
	e, ok := r.sessions[id]
	if !ok {
		return 0
	}
	return len(e.records)
}

// IsInterrupted reports whether an interrupt has been requested for id
// since it was last created.
func (r *Registry) IsInterrupted(lk *SharedLock, id ID) bool {
	r.mustHold(lk)
	e, ok := r.sessions[id]
	return ok && e.interrupted
}

// State returns the current state of h, and false if h is not enrolled.
func (r *Registry) State(lk *SharedLock, h Handle) (State, bool) {
	r.mustHold(lk)
	rec, err := r.lookup(h)
	if err != nil {
		return 0, false
	}
	return rec.State, true
}

// CountIn returns how many records are in any of the given states.
func (r *Registry) CountIn(lk *SharedLock, states ...State) int {
	r.mustHold(lk)
	n := 0
	for _, s := range states {
		if s >= 0 && s < numStates {
			n += r.counts[s]
		}
	}
	return n
}

// Records returns copies of the records of id in enrollment order.
func (r *Registry) Records(lk *SharedLock, id ID) []Record {
	r.mustHold(lk)
	e, ok := r.sessions[id]
	if !ok {
		return nil
	}
	recs := make([]*Record, 0, len(e.records))
	for _, rec := range e.records {
		recs = append(recs, rec)
	}
	return copyOrdered(recs)
}

// AllRecords returns copies of every enrolled record in enrollment order.
func (r *Registry) AllRecords(lk *SharedLock) []Record {
	r.mustHold(lk)
	recs := []*Record{}
	for _, e := range r.sessions {
		for _, rec := range e.records {
			recs = append(recs, rec)
		}
	}
	return copyOrdered(recs)
}

// Sessions returns the sorted ids of every session with enrolled records.
func (r *Registry) Sessions(lk *SharedLock) []ID {
	r.mustHold(lk)
	out := make([]ID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func copyOrdered(recs []*Record) []Record {
	sort.Slice(recs, func(i, j int) bool { return recs[i].enrollSeq < recs[j].enrollSeq })
	out := make([]Record, len(recs))
	for i, rec := range recs {
		out[i] = rec.copy()
	}
	return out
}
