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
)

// QueryCommand submits one SQL statement and prints its result.
type QueryCommand struct {
	*qsession.CmdIO
	ClientFlags

	// SessionID to submit under. A new one is generated when empty.
	SessionID string `json:"session-id"`

	DeviceType            string `json:"device-type"`
	PendingCheckFrequency int    `json:"pending-check-frequency"`

	SQL string `json:"sql"`
}

// NewQueryCommand returns a new instance of QueryCommand.
func NewQueryCommand(stdin io.Reader, stdout, stderr io.Writer) *QueryCommand {
	return &QueryCommand{
		CmdIO:       qsession.NewCmdIO(stdin, stdout, stderr),
		ClientFlags: ClientFlags{Host: DefaultHost, Retries: client.DefaultRetries},
	}
}

// Run executes the query.
func (cmd *QueryCommand) Run(ctx context.Context) error {
	if cmd.SQL == "" {
		return errors.Errorf("no sql given")
	}
	cli, err := cmd.newClient()
	if err != nil {
		return errors.Wrap(err, "creating client")
	}

	id := session.ID(cmd.SessionID)
	if id == "" {
		id = qsession.NewSessionID()
		fmt.Fprintf(cmd.Stderr, "session: %s\n", id)
	}

	ctx, cancel := cmd.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	res, err := cli.Query(ctx, id, cmd.SQL, client.QueryOptions{
		DeviceType:            qsession.DeviceType(cmd.DeviceType),
		PendingCheckFrequency: cmd.PendingCheckFrequency,
	})
	if err != nil {
		return err
	}
	return writeResult(cmd.Stdout, res, time.Since(start))
}
