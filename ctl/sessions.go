// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/client"
	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/session"
	"github.com/jedib0t/go-pretty/table"
)

// SessionsCommand lists the sessions currently holding the execution slot,
// or describes a single session.
type SessionsCommand struct {
	*qsession.CmdIO
	ClientFlags

	// SessionID, if set, selects one session to describe.
	SessionID string `json:"session-id"`
}

// NewSessionsCommand returns a new instance of SessionsCommand.
func NewSessionsCommand(stdin io.Reader, stdout, stderr io.Writer) *SessionsCommand {
	return &SessionsCommand{
		CmdIO:       qsession.NewCmdIO(stdin, stdout, stderr),
		ClientFlags: ClientFlags{Host: DefaultHost, Retries: client.DefaultRetries},
	}
}

func (cmd *SessionsCommand) Run(ctx context.Context) error {
	cli, err := cmd.newClient()
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	ctx, cancel := cmd.withTimeout(ctx)
	defer cancel()

	if cmd.SessionID != "" {
		st, err := cli.Session(ctx, session.ID(cmd.SessionID))
		if err != nil {
			return errors.Wrap(err, "getting session")
		}
		fmt.Fprintf(cmd.Stdout, "session %s: enrolled=%t queries=%d interrupted=%t\n",
			st.SessionID, st.Enrolled, st.QueryCount, st.Interrupted)
		if len(st.Queries) == 0 {
			return nil
		}
		t := newTable(cmd.Stdout)
		t.AppendHeader(table.Row{"query", "state", "device", "enrolled", "sql"})
		for _, q := range st.Queries {
			t.AppendRow(table.Row{q.QueryID, q.StateName, q.Device, q.Enrolled.Format(time.RFC3339), q.SQL})
		}
		t.Render()
		return nil
	}

	ids, err := cli.RunningSessions(ctx)
	if err != nil {
		return errors.Wrap(err, "getting running sessions")
	}
	t := newTable(cmd.Stdout)
	t.AppendHeader(table.Row{"running session"})
	for _, id := range ids {
		t.AppendRow(table.Row{id})
	}
	t.Render()
	return nil
}
