// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package qsession

import (
	"sort"
	"sync"
	"time"

	"github.com/featurebasedb/qsession/session"
)

// DefaultHistoryLength is the number of finished queries remembered.
const DefaultHistoryLength = 100

type ActiveQueryStatus struct {
	SessionID session.ID      `json:"session-id"`
	QueryID   session.QueryID `json:"query-id"`
	SQL       string          `json:"sql"`
	Device    string          `json:"device-type"`
	State     string          `json:"state"`
	Age       time.Duration   `json:"age"`
}

type PastQueryStatus struct {
	SessionID session.ID      `json:"session-id"`
	QueryID   session.QueryID `json:"query-id"`
	SQL       string          `json:"sql"`
	Device    string          `json:"device-type"`
	Outcome   string          `json:"outcome"`
	Start     time.Time       `json:"start"`
	RuntimeNs time.Duration   `json:"runtimeNanoseconds"`
}

type activeQuery struct {
	h       session.Handle
	sql     string
	device  string
	started time.Time
}

type pastQuery struct {
	h       session.Handle
	sql     string
	device  string
	outcome Outcome
	started time.Time
	runtime time.Duration
}

// queryTracker keeps the queries currently inside Submit and a bounded
// history of finished ones.
type queryTracker struct {
	mu      sync.Mutex
	active  map[*activeQuery]struct{}
	history *ringBuffer
}

type ringBuffer struct {
	queries []pastQuery
	start   int
	count   int
	mu      sync.Mutex
}

// newRingBuffer initializes an empty ringBuffer of capacity n.
func newRingBuffer(n int) *ringBuffer {
	return &ringBuffer{
		queries: make([]pastQuery, n),
	}
}

// add adds a new element, overwriting the oldest if the buffer is full.
func (b *ringBuffer) add(q pastQuery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// len(b.queries) is the capacity of the ringBuffer.
	b.queries[(b.start+b.count)%len(b.queries)] = q
	if b.count == len(b.queries) {
		b.start = (b.start + 1) % len(b.queries)
	} else {
		b.count++
	}
}

// slice returns the contents in insertion order.
func (b *ringBuffer) slice() []pastQuery {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]pastQuery, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.queries[(b.start+i)%len(b.queries)])
	}
	return out
}

func newQueryTracker(historyLength int) *queryTracker {
	return &queryTracker{
		active:  make(map[*activeQuery]struct{}),
		history: newRingBuffer(historyLength),
	}
}

func (t *queryTracker) Start(h session.Handle, sql, device string, start time.Time) *activeQuery {
	q := &activeQuery{h: h, sql: sql, device: device, started: start}
	t.mu.Lock()
	t.active[q] = struct{}{}
	t.mu.Unlock()
	return q
}

func (t *queryTracker) Finish(q *activeQuery, outcome Outcome, end time.Time) {
	t.mu.Lock()
	delete(t.active, q)
	t.mu.Unlock()
	t.history.add(pastQuery{
		h:       q.h,
		sql:     q.sql,
		device:  q.device,
		outcome: outcome,
		started: q.started,
		runtime: end.Sub(q.started),
	})
}

// ActiveQueries returns the active queries, oldest first. state is consulted
// for each query's current lifecycle state.
func (t *queryTracker) ActiveQueries(state func(session.Handle) string) []ActiveQueryStatus {
	t.mu.Lock()
	queries := make([]*activeQuery, 0, len(t.active))
	for q := range t.active {
		queries = append(queries, q)
	}
	t.mu.Unlock()

	sort.Slice(queries, func(i, j int) bool {
		switch {
		case queries[i].started.Before(queries[j].started):
			return true
		case queries[i].started.After(queries[j].started):
			return false
		default:
			return queries[i].h.QueryID < queries[j].h.QueryID
		}
	})
	now := time.Now()
	out := make([]ActiveQueryStatus, len(queries))
	for i, v := range queries {
		out[i] = ActiveQueryStatus{
			SessionID: v.h.SessionID,
			QueryID:   v.h.QueryID,
			SQL:       v.sql,
			Device:    v.device,
			State:     state(v.h),
			Age:       now.Sub(v.started),
		}
	}
	return out
}

func (t *queryTracker) PastQueries() []PastQueryStatus {
	queries := t.history.slice()
	out := make([]PastQueryStatus, len(queries))
	for i, v := range queries {
		out[i] = PastQueryStatus{
			SessionID: v.h.SessionID,
			QueryID:   v.h.QueryID,
			SQL:       v.sql,
			Device:    v.device,
			Outcome:   v.outcome.String(),
			Start:     v.started,
			RuntimeNs: v.runtime,
		}
	}
	return out
}
