// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package session tracks which queries are enrolled under which client
// session, and where each of them is in its lifecycle.
//
// A session is an opaque token chosen by the client. It comes into existence
// when its first query enrolls and disappears when its last query retires,
// taking any pending interrupt request with it.
//
// All reads go through a SharedLock which the caller acquires with
// Registry.RLock and passes explicitly to each read. That lets a status
// poller take one consistent snapshot across several reads, release it,
// sleep, and try again. Mutations take the exclusive lock internally and hold
// it only for the transition itself.
package session

import (
	"time"
)

// ID identifies a client session. Clients typically use 32 character random
// tokens, but the registry treats the value as opaque.
type ID string

// QueryID identifies a single submitted query.
type QueryID string

// Handle names one enrolled query record.
type Handle struct {
	SessionID ID
	QueryID   QueryID
}

// State is the lifecycle state of a query record.
type State int

const (
	// PendingQueue records are enrolled but not yet admitted for dispatch.
	PendingQueue State = iota
	// PendingExecutor records are admitted and wait for an execution slot.
	PendingExecutor
	// Running records hold an execution slot.
	Running
	Completed
	Interrupted
	Failed

	numStates
)

func (s State) String() string {
	switch s {
	case PendingQueue:
		return "PendingQueue"
	case PendingExecutor:
		return "PendingExecutor"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Interrupted:
		return "Interrupted"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Completed || s == Interrupted || s == Failed
}

// Pending reports whether s is one of the two waiting states.
func (s State) Pending() bool {
	return s == PendingQueue || s == PendingExecutor
}

// canTransition enforces forward-only movement: each state may advance to
// the next one, and any non-terminal state may jump to Interrupted or Failed.
func canTransition(from, to State) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case Interrupted, Failed:
		return true
	case PendingExecutor:
		return from == PendingQueue
	case Running:
		return from == PendingExecutor
	case Completed:
		return from == Running
	}
	return false
}

// Record is the bookkeeping entry of one query. Values returned by the
// Registry are copies.
type Record struct {
	QueryID   QueryID   `json:"query-id"`
	SessionID ID        `json:"session-id"`
	SQL       string    `json:"sql"`
	Device    string    `json:"device-type"`
	State     State     `json:"-"`
	StateName string    `json:"state"`
	Enrolled  time.Time `json:"enrolled"`
	Admitted  time.Time `json:"admitted,omitempty"`
	Started   time.Time `json:"started,omitempty"`

	// AdmitSeq orders admitted records; zero until admission.
	AdmitSeq uint64 `json:"-"`

	enrollSeq uint64
}

// Handle returns the handle naming r.
func (r *Record) Handle() Handle {
	return Handle{SessionID: r.SessionID, QueryID: r.QueryID}
}

func (r *Record) copy() Record {
	c := *r
	c.StateName = r.State.String()
	return c
}
