// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"io"
	"time"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/client"
	"github.com/featurebasedb/qsession/errors"
	"github.com/jedib0t/go-pretty/table"
)

// QueriesCommand prints the active queries, the finished query history, or
// the interrupt audit log.
type QueriesCommand struct {
	*qsession.CmdIO
	ClientFlags

	History    bool `json:"history"`
	Interrupts bool `json:"interrupts"`
}

// NewQueriesCommand returns a new instance of QueriesCommand.
func NewQueriesCommand(stdin io.Reader, stdout, stderr io.Writer) *QueriesCommand {
	return &QueriesCommand{
		CmdIO:       qsession.NewCmdIO(stdin, stdout, stderr),
		ClientFlags: ClientFlags{Host: DefaultHost, Retries: client.DefaultRetries},
	}
}

func (cmd *QueriesCommand) Run(ctx context.Context) error {
	if cmd.History && cmd.Interrupts {
		return errors.Errorf("history and interrupts are mutually exclusive")
	}
	cli, err := cmd.newClient()
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	ctx, cancel := cmd.withTimeout(ctx)
	defer cancel()

	t := newTable(cmd.Stdout)
	switch {
	case cmd.History:
		past, err := cli.PastQueries(ctx)
		if err != nil {
			return errors.Wrap(err, "getting query history")
		}
		t.AppendHeader(table.Row{"session", "query", "device", "outcome", "start", "runtime", "sql"})
		for _, q := range past {
			t.AppendRow(table.Row{q.SessionID, q.QueryID, q.Device, q.Outcome, q.Start.Format(time.RFC3339), q.RuntimeNs, q.SQL})
		}
	case cmd.Interrupts:
		reqs, err := cli.Interrupts(ctx)
		if err != nil {
			return errors.Wrap(err, "getting interrupts")
		}
		t.AppendHeader(table.Row{"time", "target", "requester", "affected"})
		for _, r := range reqs {
			t.AppendRow(table.Row{r.Time.Format(time.RFC3339), r.Target, r.Requester, r.Affected})
		}
	default:
		active, err := cli.ActiveQueries(ctx)
		if err != nil {
			return errors.Wrap(err, "getting active queries")
		}
		t.AppendHeader(table.Row{"session", "query", "device", "state", "age", "sql"})
		for _, q := range active {
			t.AppendRow(table.Row{q.SessionID, q.QueryID, q.Device, q.State, q.Age, q.SQL})
		}
	}
	t.Render()
	return nil
}
