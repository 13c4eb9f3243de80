// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/featurebasedb/qsession/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustRunServer starts an in-memory server on a random port and returns its
// host:port.
func mustRunServer(t *testing.T) string {
	t.Helper()
	srv := server.NewCommand(nil, &bytes.Buffer{}, &bytes.Buffer{})
	srv.Config.Bind = "localhost:0"
	srv.Config.DataDir = ""
	require.NoError(t, srv.Run())
	t.Cleanup(func() { srv.Close() })
	return strings.TrimPrefix(srv.URL(), "http://")
}

func TestGenerateConfigCommand_Run(t *testing.T) {
	buf := &bytes.Buffer{}
	cm := NewGenerateConfigCommand(nil, buf, &bytes.Buffer{})
	require.NoError(t, cm.Run(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `bind = ":10101"`)
	assert.Contains(t, out, "[coordinator]")
	assert.Contains(t, out, "slot-width = 1")
	assert.Contains(t, out, "dispatch-capacity = 4")
	assert.Contains(t, out, `sampler-type = "off"`)
}

func TestConfigCommand_Run(t *testing.T) {
	buf := &bytes.Buffer{}
	cm := NewConfigCommand(nil, buf, &bytes.Buffer{})
	cm.Config.Coordinator.SlotWidth = 3
	cm.Config.Bind = "localhost:9999"
	require.NoError(t, cm.Run(context.Background()))
	assert.Contains(t, buf.String(), "slot-width = 3")
	assert.Contains(t, buf.String(), `bind = "localhost:9999"`)
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	host := mustRunServer(t)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	reset := func() {
		stdout.Reset()
		stderr.Reset()
	}

	t.Run("CreateTable", func(t *testing.T) {
		reset()
		cm := NewCreateTableCommand(nil, stdout, stderr)
		cm.Host = host
		cm.Name = "t_small"
		require.NoError(t, cm.Run(ctx))
		assert.Contains(t, stdout.String(), "created table t_small with 1000 rows")

		cm = NewCreateTableCommand(nil, stdout, stderr)
		cm.Host = host
		cm.Name = "custom"
		require.Error(t, cm.Run(ctx), "non-fixture table needs a row count")

		cm.Rows = 5
		cm.Value = 7
		require.NoError(t, cm.Run(ctx))
	})

	t.Run("Tables", func(t *testing.T) {
		reset()
		cm := NewTablesCommand(nil, stdout, stderr)
		cm.Host = host
		require.NoError(t, cm.Run(ctx))
		assert.Contains(t, stdout.String(), "t_small")
		assert.Contains(t, stdout.String(), "custom")
	})

	t.Run("Query", func(t *testing.T) {
		reset()
		cm := NewQueryCommand(nil, stdout, stderr)
		cm.Host = host
		cm.SQL = "SELECT count(1) FROM t_small"
		require.NoError(t, cm.Run(ctx))
		assert.Contains(t, stdout.String(), "1000")
		assert.Contains(t, stdout.String(), "Execution time")
		assert.Contains(t, stderr.String(), "session: ")

		reset()
		cm = NewQueryCommand(nil, stdout, stderr)
		cm.Host = host
		cm.SessionID = "0123456789abcdef0123456789abcdef"
		cm.SQL = "SELECT sum(x) FROM custom"
		require.NoError(t, cm.Run(ctx))
		assert.Contains(t, stdout.String(), "35")
		assert.Empty(t, stderr.String())

		cm.SQL = ""
		assert.Error(t, cm.Run(ctx))

		cm.SQL = "SELECT count(1) FROM nope"
		assert.Error(t, cm.Run(ctx))
	})

	t.Run("Interrupt", func(t *testing.T) {
		reset()
		cm := NewInterruptCommand(nil, stdout, stderr)
		cm.Host = host
		require.Error(t, cm.Run(ctx), "target required")

		cm.Target = "idle-session"
		cm.Requester = "operator"
		require.NoError(t, cm.Run(ctx))
		assert.Contains(t, stdout.String(), "interrupt requested for session idle-session")
	})

	t.Run("Queries", func(t *testing.T) {
		reset()
		cm := NewQueriesCommand(nil, stdout, stderr)
		cm.Host = host
		require.NoError(t, cm.Run(ctx))
		assert.Contains(t, stdout.String(), "state")

		reset()
		cm.History = true
		require.NoError(t, cm.Run(ctx))
		assert.Contains(t, stdout.String(), "SELECT count(1) FROM t_small")
		assert.Contains(t, stdout.String(), "Completed")

		reset()
		cm.History = false
		cm.Interrupts = true
		require.NoError(t, cm.Run(ctx))
		assert.Contains(t, stdout.String(), "idle-session")
		assert.Contains(t, stdout.String(), "operator")

		cm.History = true
		assert.Error(t, cm.Run(ctx))
	})

	t.Run("Sessions", func(t *testing.T) {
		reset()
		cm := NewSessionsCommand(nil, stdout, stderr)
		cm.Host = host
		require.NoError(t, cm.Run(ctx))
		assert.Contains(t, stdout.String(), "running session")

		reset()
		cm.SessionID = "idle-session"
		require.NoError(t, cm.Run(ctx))
		assert.Contains(t, stdout.String(), "session idle-session: enrolled=false queries=0")
	})

	t.Run("Tune", func(t *testing.T) {
		reset()
		cm := NewTuneCommand(nil, stdout, stderr)
		cm.Host = host
		require.NoError(t, cm.Run(ctx))
		assert.Contains(t, stdout.String(), "dispatch-capacity")

		reset()
		width := 2
		cm.Settings.SlotWidth = &width
		require.NoError(t, cm.Run(ctx))

		cli, err := cm.newClient()
		require.NoError(t, err)
		settings, err := cli.Settings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, settings.SlotWidth)

		bad := 0
		cm.Settings.SlotWidth = &bad
		assert.Error(t, cm.Run(ctx))
	})
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		partial  string
		line     string
		complete []string
		rest     string
	}{
		{line: "select 1", rest: "select 1"},
		{line: "select 1;", complete: []string{"select 1"}},
		{partial: "select", line: "1;", complete: []string{"select 1"}},
		{line: "select 1; select 2;", complete: []string{"select 1", "select 2"}},
		{line: "select 1; select", complete: []string{"select 1"}, rest: "select"},
		{line: ";;", rest: ""},
		{line: "  ", rest: ""},
	}
	for _, test := range tests {
		complete, rest := splitStatements(test.partial, test.line)
		assert.Equal(t, test.complete, complete, "%q + %q", test.partial, test.line)
		assert.Equal(t, test.rest, rest, "%q + %q", test.partial, test.line)
	}
}
