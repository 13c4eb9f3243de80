// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/featurebasedb/qsession/catalog"
	"github.com/featurebasedb/qsession/ctl"
	"github.com/spf13/cobra"
)

var CreateTable *ctl.CreateTableCommand

func newCreateTableCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	CreateTable = ctl.NewCreateTableCommand(stdin, stdout, stderr)
	createCmd := &cobra.Command{
		Use:   "create-table <name>",
		Short: "Generate a single-column table on the server.",
		Long: `create-table generates a table of --rows rows, each holding --value in a
single integer column. The fixture tables t_small, t_medium and t_large
default to 1000, 100000 and 1000000 rows.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			CreateTable.Name = args[0]
			return CreateTable.Run(context.Background())
		},
	}
	flags := createCmd.Flags()
	ctl.SetClientFlags(flags, &CreateTable.ClientFlags)
	flags.StringVar(&CreateTable.Column, "column", catalog.FixtureColumn, "Name of the column.")
	flags.IntVar(&CreateTable.Rows, "rows", 0, "Number of rows. Required unless the name is a fixture.")
	flags.Int64Var(&CreateTable.Value, "value", 1, "Value of every row.")
	flags.BoolVar(&CreateTable.Replace, "replace", false, "Replace an existing table of the same name.")
	return createCmd
}

var Tables *ctl.TablesCommand

func newTablesCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Tables = ctl.NewTablesCommand(stdin, stdout, stderr)
	tablesCmd := &cobra.Command{
		Use:   "tables",
		Short: "List the tables on the server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Tables.Run(context.Background())
		},
	}
	ctl.SetClientFlags(tablesCmd.Flags(), &Tables.ClientFlags)
	return tablesCmd
}
