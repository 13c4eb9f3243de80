// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/client"
	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/session"
)

const (
	promptBegin     string = "qsession> "
	promptMid       string = "       -> "
	terminationChar string = ";"
	exitCommand     string = "exit"
)

// CLICommand is an interactive SQL shell. Every statement is submitted
// under the shell's session, so interrupting that session from elsewhere
// cancels whatever the shell is running.
type CLICommand struct {
	*qsession.CmdIO
	ClientFlags

	SessionID   string `json:"session-id"`
	DeviceType  string `json:"device-type"`
	HistoryPath string `json:"history-path"`

	// commands holds the list of sql commands to be executed.
	commands []string
}

func NewCLICommand(stdin io.Reader, stdout, stderr io.Writer) *CLICommand {
	historyPath := ""
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(stderr, "Error getting home directory, command history persistence will be disabled: %v\n", err)
	} else {
		historyPath = filepath.Join(home, ".qsession", "cli_history")
	}
	return &CLICommand{
		CmdIO:       qsession.NewCmdIO(stdin, stdout, stderr),
		ClientFlags: ClientFlags{Host: DefaultHost, Retries: client.DefaultRetries},
		HistoryPath: historyPath,
	}
}

func (cmd *CLICommand) Run(ctx context.Context) error {
	if cmd.SessionID == "" {
		cmd.SessionID = string(qsession.NewSessionID())
	}
	if cmd.HistoryPath != "" {
		if err := os.MkdirAll(filepath.Dir(cmd.HistoryPath), 0750); err != nil {
			fmt.Fprintf(cmd.Stderr, "Creating directory for history: %v\n", err)
			cmd.HistoryPath = ""
		}
	}

	cli, err := cmd.newClient()
	if err != nil {
		return errors.Wrap(err, "creating client")
	}

	fmt.Fprintf(cmd.Stdout, "qsession CLI, session %s\nType \"exit\" to quit.\n", cmd.SessionID)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:                 promptBegin,
		HistoryFile:            cmd.HistoryPath,
		HistoryLimit:           100000,
		DisableAutoSaveHistory: true,
		Stdin:                  io.NopCloser(cmd.Stdin),
		Stdout:                 cmd.Stdout,
		Stderr:                 cmd.Stderr,
	})
	if err != nil {
		return errors.Wrap(err, "getting readline")
	}
	defer rl.Close()

	var partialCommand string
	for {
		if partialCommand != "" {
			rl.SetPrompt(promptMid)
		} else {
			rl.SetPrompt(promptBegin)
		}

		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "reading line")
		}

		if partialCommand == "" {
			trimmed := strings.TrimSpace(line)
			if trimmed == exitCommand || trimmed == exitCommand+terminationChar {
				return nil
			}
		}

		var complete []string
		complete, partialCommand = splitStatements(partialCommand, line)
		if len(complete) == 0 {
			continue
		}
		cmd.commands = append(cmd.commands, complete...)

		if err := rl.SaveHistory(strings.Join(cmd.commands, "; ") + ";"); err != nil {
			fmt.Fprintf(cmd.Stderr, "Couldn't save history: %v\n", err)
		}

		if err := cmd.executeCommands(ctx, cli); err != nil {
			return errors.Wrap(err, "executing commands")
		}
	}
}

// splitStatements appends line to the pending partial statement and splits
// the result on the termination character. It returns the complete,
// non-empty statements and whatever trails the last terminator.
func splitStatements(partial, line string) (complete []string, rest string) {
	buf := line
	if partial != "" {
		buf = partial + " " + line
	}
	parts := strings.Split(buf, terminationChar)
	for _, part := range parts[:len(parts)-1] {
		if s := strings.TrimSpace(part); s != "" {
			complete = append(complete, s)
		}
	}
	return complete, strings.TrimSpace(parts[len(parts)-1])
}

// executeCommands runs the buffered statements in order. Query failures,
// including interruptions, are reported and do not end the shell.
func (cmd *CLICommand) executeCommands(ctx context.Context, cli *client.Client) error {
	// Clear out the buffered commands on any exit from this method.
	defer func() {
		cmd.commands = nil
	}()

	for _, sql := range cmd.commands {
		qctx, cancel := cmd.withTimeout(ctx)
		start := time.Now()
		res, err := cli.Query(qctx, session.ID(cmd.SessionID), sql, client.QueryOptions{
			DeviceType: qsession.DeviceType(cmd.DeviceType),
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if interrupt.IsInterrupted(err) {
				fmt.Fprintf(cmd.Stdout, "Interrupted: %s\n", err)
			} else {
				fmt.Fprintf(cmd.Stdout, "Error: %s\n", err)
			}
			continue
		}
		if err := writeResult(cmd.Stdout, res, time.Since(start)); err != nil {
			return errors.Wrap(err, "writing out response")
		}
	}
	return nil
}
