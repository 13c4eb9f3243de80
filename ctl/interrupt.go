// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/client"
	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/session"
)

// InterruptCommand interrupts every query of a session.
type InterruptCommand struct {
	*qsession.CmdIO
	ClientFlags

	Target    string `json:"target"`
	Requester string `json:"requester"`
}

// NewInterruptCommand returns a new instance of InterruptCommand.
func NewInterruptCommand(stdin io.Reader, stdout, stderr io.Writer) *InterruptCommand {
	return &InterruptCommand{
		CmdIO:       qsession.NewCmdIO(stdin, stdout, stderr),
		ClientFlags: ClientFlags{Host: DefaultHost, Retries: client.DefaultRetries},
	}
}

// Run requests the interrupt. It returns once the request is recorded, not
// when the target's queries have stopped.
func (cmd *InterruptCommand) Run(ctx context.Context) error {
	if cmd.Target == "" {
		return errors.Errorf("no target session given")
	}
	cli, err := cmd.newClient()
	if err != nil {
		return errors.Wrap(err, "creating client")
	}

	ctx, cancel := cmd.withTimeout(ctx)
	defer cancel()

	if err := cli.Interrupt(ctx, session.ID(cmd.Target), session.ID(cmd.Requester)); err != nil {
		return errors.Wrapf(err, "interrupting %s", cmd.Target)
	}
	fmt.Fprintf(cmd.Stdout, "interrupt requested for session %s\n", cmd.Target)
	return nil
}
