// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/catalog"
	"github.com/featurebasedb/qsession/client"
	"github.com/featurebasedb/qsession/errors"
	"github.com/jedib0t/go-pretty/table"
)

// CreateTableCommand generates a single-column table on the server.
type CreateTableCommand struct {
	*qsession.CmdIO
	ClientFlags

	Name    string `json:"name"`
	Column  string `json:"column"`
	Rows    int    `json:"rows"`
	Value   int64  `json:"value"`
	Replace bool   `json:"replace"`
}

// NewCreateTableCommand returns a new instance of CreateTableCommand.
func NewCreateTableCommand(stdin io.Reader, stdout, stderr io.Writer) *CreateTableCommand {
	return &CreateTableCommand{
		CmdIO:       qsession.NewCmdIO(stdin, stdout, stderr),
		ClientFlags: ClientFlags{Host: DefaultHost, Retries: client.DefaultRetries},
		Column:      catalog.FixtureColumn,
		Value:       1,
	}
}

// Run creates the table. A fixture name with no row count given gets the
// fixture's size.
func (cmd *CreateTableCommand) Run(ctx context.Context) error {
	if cmd.Name == "" {
		return errors.Errorf("no table name given")
	}
	rows := cmd.Rows
	if rows == 0 {
		n, ok := catalog.Fixtures[cmd.Name]
		if !ok {
			return errors.Errorf("row count required for non-fixture table %q", cmd.Name)
		}
		rows = n
	}

	cli, err := cmd.newClient()
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	ctx, cancel := cmd.withTimeout(ctx)
	defer cancel()

	if err := cli.GenerateTable(ctx, cmd.Name, cmd.Column, rows, cmd.Value, cmd.Replace); err != nil {
		return errors.Wrapf(err, "creating table %s", cmd.Name)
	}
	fmt.Fprintf(cmd.Stdout, "created table %s with %d rows\n", cmd.Name, rows)
	return nil
}

// TablesCommand lists the tables on the server.
type TablesCommand struct {
	*qsession.CmdIO
	ClientFlags
}

// NewTablesCommand returns a new instance of TablesCommand.
func NewTablesCommand(stdin io.Reader, stdout, stderr io.Writer) *TablesCommand {
	return &TablesCommand{
		CmdIO:       qsession.NewCmdIO(stdin, stdout, stderr),
		ClientFlags: ClientFlags{Host: DefaultHost, Retries: client.DefaultRetries},
	}
}

func (cmd *TablesCommand) Run(ctx context.Context) error {
	cli, err := cmd.newClient()
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	ctx, cancel := cmd.withTimeout(ctx)
	defer cancel()

	names, err := cli.Tables(ctx)
	if err != nil {
		return errors.Wrap(err, "listing tables")
	}
	t := newTable(cmd.Stdout)
	t.AppendHeader(table.Row{"table"})
	for _, name := range names {
		t.AppendRow(table.Row{name})
	}
	t.Render()
	return nil
}
