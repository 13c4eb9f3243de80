// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"
	"strings"

	"github.com/featurebasedb/qsession/ctl"
	"github.com/spf13/cobra"
)

var Query *ctl.QueryCommand

func newQueryCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Query = ctl.NewQueryCommand(stdin, stdout, stderr)
	queryCmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Submit a query and print its result.",
		Long: `query submits one SQL statement to a qsession server and waits for it to
finish. The statement runs under --session-id, or under a new session whose
id is printed to stderr.
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			Query.SQL = strings.Join(args, " ")
			return Query.Run(context.Background())
		},
	}
	flags := queryCmd.Flags()
	ctl.SetClientFlags(flags, &Query.ClientFlags)
	flags.StringVarP(&Query.SessionID, "session-id", "s", "", "Session to submit the query under.")
	flags.StringVar(&Query.DeviceType, "device-type", "", "Device to run on (cpu or gpu). Empty uses the server default.")
	flags.IntVar(&Query.PendingCheckFrequency, "pending-check-frequency", 0, "Admission polls between interrupt checks for this query. Zero uses the server setting.")
	return queryCmd
}

var CLI *ctl.CLICommand

func newCLICommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	CLI = ctl.NewCLICommand(stdin, stdout, stderr)
	cliCmd := &cobra.Command{
		Use:   "cli",
		Short: "Interactive SQL shell.",
		Long: `cli reads semicolon terminated SQL statements and submits them one at
a time under a single session.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return CLI.Run(context.Background())
		},
	}
	flags := cliCmd.Flags()
	ctl.SetClientFlags(flags, &CLI.ClientFlags)
	flags.StringVarP(&CLI.SessionID, "session-id", "s", "", "Session to submit queries under.")
	flags.StringVar(&CLI.DeviceType, "device-type", "", "Device to run on (cpu or gpu).")
	flags.StringVar(&CLI.HistoryPath, "history-path", CLI.HistoryPath, "Path to the command history file.")
	return cliCmd
}

var Interrupt *ctl.InterruptCommand

func newInterruptCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Interrupt = ctl.NewInterruptCommand(stdin, stdout, stderr)
	interruptCmd := &cobra.Command{
		Use:   "interrupt <session-id>",
		Short: "Interrupt every query of a session.",
		Long: `interrupt flags every query enrolled under the session. Running queries
stop at their next checkpoint; waiting queries stop without running.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			Interrupt.Target = args[0]
			return Interrupt.Run(context.Background())
		},
	}
	flags := interruptCmd.Flags()
	ctl.SetClientFlags(flags, &Interrupt.ClientFlags)
	flags.StringVar(&Interrupt.Requester, "requester", "", "Session on whose behalf the interrupt is made, for the audit log.")
	return interruptCmd
}

var Sessions *ctl.SessionsCommand

func newSessionsCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Sessions = ctl.NewSessionsCommand(stdin, stdout, stderr)
	sessionsCmd := &cobra.Command{
		Use:   "sessions [session-id]",
		Short: "List running sessions, or describe one session.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				Sessions.SessionID = args[0]
			}
			return Sessions.Run(context.Background())
		},
	}
	ctl.SetClientFlags(sessionsCmd.Flags(), &Sessions.ClientFlags)
	return sessionsCmd
}

var Queries *ctl.QueriesCommand

func newQueriesCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Queries = ctl.NewQueriesCommand(stdin, stdout, stderr)
	queriesCmd := &cobra.Command{
		Use:   "queries",
		Short: "List active queries, finished queries or interrupt requests.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Queries.Run(context.Background())
		},
	}
	flags := queriesCmd.Flags()
	ctl.SetClientFlags(flags, &Queries.ClientFlags)
	flags.BoolVar(&Queries.History, "history", false, "List finished queries instead of active ones.")
	flags.BoolVar(&Queries.Interrupts, "interrupts", false, "List interrupt requests instead of queries.")
	return queriesCmd
}
