// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"io"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/client"
	"github.com/featurebasedb/qsession/errors"
	qhttp "github.com/featurebasedb/qsession/http"
	"github.com/jedib0t/go-pretty/table"
)

// TuneCommand changes coordinator settings on a running server. Only the
// settings that were given are sent; with none it prints the current
// settings.
type TuneCommand struct {
	*qsession.CmdIO
	ClientFlags

	Settings qhttp.PostConfigRequest
}

// NewTuneCommand returns a new instance of TuneCommand.
func NewTuneCommand(stdin io.Reader, stdout, stderr io.Writer) *TuneCommand {
	return &TuneCommand{
		CmdIO:       qsession.NewCmdIO(stdin, stdout, stderr),
		ClientFlags: ClientFlags{Host: DefaultHost, Retries: client.DefaultRetries},
	}
}

func (cmd *TuneCommand) Run(ctx context.Context) error {
	cli, err := cmd.newClient()
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	ctx, cancel := cmd.withTimeout(ctx)
	defer cancel()

	s := cmd.Settings
	var settings *qsession.Settings
	if s.RunningCheckFrequency == nil && s.PendingCheckFrequency == nil && s.DispatchCapacity == nil && s.SlotWidth == nil {
		settings, err = cli.Settings(ctx)
	} else {
		settings, err = cli.UpdateSettings(ctx, s)
	}
	if err != nil {
		return errors.Wrap(err, "tuning")
	}

	t := newTable(cmd.Stdout)
	t.AppendHeader(table.Row{"setting", "value"})
	t.AppendRow(table.Row{"running-check-frequency", settings.RunningCheckFrequency})
	t.AppendRow(table.Row{"pending-check-frequency", settings.PendingCheckFrequency})
	t.AppendRow(table.Row{"dispatch-capacity", settings.DispatchCapacity})
	t.AppendRow(table.Row{"slot-width", settings.SlotWidth})
	t.Render()
	return nil
}
