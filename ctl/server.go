// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"time"

	"github.com/featurebasedb/qsession/server"
	"github.com/spf13/cobra"
)

// BuildServerFlags attaches a set of flags to the command for a server instance.
func BuildServerFlags(cmd *cobra.Command, srv *server.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&srv.Config.DataDir, "data-dir", "d", srv.Config.DataDir, "Directory to store the table catalog in. Empty keeps tables in memory.")
	flags.StringVarP(&srv.Config.Bind, "bind", "b", srv.Config.Bind, "Address on which qsession should listen.")
	flags.StringVar(&srv.Config.LogPath, "log-path", srv.Config.LogPath, "Log path")
	flags.BoolVar(&srv.Config.Verbose, "verbose", srv.Config.Verbose, "Enable verbose logging")
	flags.StringSliceVar(&srv.Config.LoadFixtures, "load-fixtures", srv.Config.LoadFixtures, "Comma separated list of fixture tables (t_small, t_medium, t_large) to generate on startup.")

	// Coordinator
	flags.IntVar(&srv.Config.Coordinator.SlotWidth, "coordinator.slot-width", srv.Config.Coordinator.SlotWidth, "Number of sessions which may hold the execution slot at once.")
	flags.IntVar(&srv.Config.Coordinator.DispatchCapacity, "coordinator.dispatch-capacity", srv.Config.Coordinator.DispatchCapacity, "Number of queries which may be admitted (waiting for or holding a slot) at once.")
	flags.Float64Var(&srv.Config.Coordinator.RunningCheckFrequency, "coordinator.running-check-frequency", srv.Config.Coordinator.RunningCheckFrequency, "Fraction of work chunks between interrupt checks of running queries, in (0, 1].")
	flags.IntVar(&srv.Config.Coordinator.PendingCheckFrequency, "coordinator.pending-check-frequency", srv.Config.Coordinator.PendingCheckFrequency, "Number of admission polls between interrupt checks of pending queries.")
	flags.DurationVar((*time.Duration)(&srv.Config.Coordinator.PollInterval), "coordinator.poll-interval", time.Duration(srv.Config.Coordinator.PollInterval), "Interval between admission polls of a waiting query.")
	flags.IntVar(&srv.Config.Coordinator.HistoryLength, "coordinator.history-length", srv.Config.Coordinator.HistoryLength, "Number of finished queries to remember in history.")

	// Engine
	flags.IntVar(&srv.Config.Engine.ChunkRows, "engine.chunk-rows", srv.Config.Engine.ChunkRows, "Number of outer-table rows processed between checkpoints.")
	flags.Float64Var(&srv.Config.Engine.RowsPerSecond, "engine.rows-per-second", srv.Config.Engine.RowsPerSecond, "Throttle execution to this many outer-table rows per second. Zero disables throttling.")

	// Handler
	flags.StringSliceVar(&srv.Config.Handler.AllowedOrigins, "handler.allowed-origins", []string{}, "Comma separated list of allowed origin URIs (for CORS/Web UI).")
	flags.IntVar(&srv.Config.Handler.MaxTableRows, "handler.max-table-rows", srv.Config.Handler.MaxTableRows, "Largest row count accepted when creating a table.")

	// Tracing
	flags.StringVar(&srv.Config.Tracing.AgentHostPort, "tracing.agent-host-port", srv.Config.Tracing.AgentHostPort, "Jaeger agent host:port.")
	flags.StringVar(&srv.Config.Tracing.SamplerType, "tracing.sampler-type", srv.Config.Tracing.SamplerType, "Jaeger sampler type (remote, const, probabilistic, ratelimiting) or 'off' to disable tracing.")
	flags.Float64Var(&srv.Config.Tracing.SamplerParam, "tracing.sampler-param", srv.Config.Tracing.SamplerParam, "Jaeger sampler parameter.")
}
