// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/featurebasedb/qsession/ctl"
	"github.com/featurebasedb/qsession/dispatch"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/slot"
	"github.com/spf13/cobra"
)

var Tune *ctl.TuneCommand

func newTuneCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Tune = ctl.NewTuneCommand(stdin, stdout, stderr)
	var (
		runningFreq float64
		pendingFreq int
		capacity    int
		width       int
	)
	tuneCmd := &cobra.Command{
		Use:   "tune",
		Short: "Show or change coordinator settings on a running server.",
		Long: `tune sends the given settings to a running server and prints the
resulting settings. Settings not given on the command line are left alone.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("running-check-frequency") {
				Tune.Settings.RunningCheckFrequency = &runningFreq
			}
			if flags.Changed("pending-check-frequency") {
				Tune.Settings.PendingCheckFrequency = &pendingFreq
			}
			if flags.Changed("dispatch-capacity") {
				Tune.Settings.DispatchCapacity = &capacity
			}
			if flags.Changed("slot-width") {
				Tune.Settings.SlotWidth = &width
			}
			return Tune.Run(context.Background())
		},
	}
	flags := tuneCmd.Flags()
	ctl.SetClientFlags(flags, &Tune.ClientFlags)
	flags.Float64Var(&runningFreq, "running-check-frequency", interrupt.DefaultRunningCheckFrequency, "Fraction of work chunks between interrupt checks of running queries, in (0, 1].")
	flags.IntVar(&pendingFreq, "pending-check-frequency", interrupt.DefaultPendingCheckFrequency, "Admission polls between interrupt checks of pending queries.")
	flags.IntVar(&capacity, "dispatch-capacity", dispatch.DefaultCapacity, "Number of queries which may be admitted at once.")
	flags.IntVar(&width, "slot-width", slot.DefaultWidth, "Number of sessions which may hold the execution slot at once.")
	return tuneCmd
}
