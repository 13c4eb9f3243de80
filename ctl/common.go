// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package ctl implements the qsession subcommands. Each command is a struct
// whose exported fields are bound to flags by the cmd package, with a Run
// method doing the work.
package ctl

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/client"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/spf13/pflag"
)

const (
	// DefaultHost is the server address commands talk to by default.
	DefaultHost = "localhost:10101"

	nullValue = "NULL"
)

// ClientFlags holds the flags shared by every command talking to a server.
type ClientFlags struct {
	Host    string        `json:"host"`
	Retries int           `json:"retries"`
	Timeout time.Duration `json:"timeout"`
}

// SetClientFlags adds the common client flags to flags.
func SetClientFlags(flags *pflag.FlagSet, cf *ClientFlags) {
	flags.StringVar(&cf.Host, "host", DefaultHost, "host:port of the qsession server.")
	flags.IntVar(&cf.Retries, "retries", client.DefaultRetries, "Number of times to retry a failed request.")
	flags.DurationVar(&cf.Timeout, "timeout", 0, "Give up on the request after this long. Zero waits forever.")
}

// newClient returns a client for the command's server.
func (cf *ClientFlags) newClient() (*client.Client, error) {
	return client.NewClient(cf.Host, client.OptClientRetries(cf.Retries))
}

// withTimeout bounds ctx by the configured timeout, if any.
func (cf *ClientFlags) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if cf.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cf.Timeout)
}

// newTable returns a go-pretty table writer mirroring to w.
func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)

	// Don't uppercase the header values.
	t.Style().Format.Header = text.FormatDefault
	return t
}

// writeResult renders a query result as a table followed by its execution
// time.
func writeResult(w io.Writer, res *qsession.Result, elapsed time.Duration) error {
	t := newTable(w)

	header := make(table.Row, len(res.Schema.Fields))
	for i, field := range res.Schema.Fields {
		header[i] = field.Name
	}
	t.AppendHeader(header)

	for _, row := range res.Data {
		r := make(table.Row, len(row))
		for i := range row {
			// go-pretty doesn't expect nil values.
			if row[i] == nil {
				r[i] = nullValue
			} else {
				r[i] = row[i]
			}
		}
		t.AppendRow(r)
	}
	t.Render()

	if _, err := fmt.Fprintf(w, "\nExecution time: %dμs\n", elapsed.Microseconds()); err != nil {
		return err
	}
	return nil
}
