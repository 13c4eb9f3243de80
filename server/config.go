// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package server

import (
	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/dispatch"
	"github.com/featurebasedb/qsession/engine"
	qhttp "github.com/featurebasedb/qsession/http"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/slot"
	"github.com/featurebasedb/qsession/toml"
	"github.com/featurebasedb/qsession/tracing/opentracing"
)

const (
	// DefaultDataDir is the default data directory.
	DefaultDataDir = "~/.qsession"

	// DefaultBind is the default address the server listens on.
	DefaultBind = ":10101"
)

// Config represents the configuration for the command.
type Config struct {
	// Bind is the host:port on which the server will listen.
	Bind string `toml:"bind"`

	// DataDir is where the table catalog is stored. An empty DataDir keeps
	// the catalog in memory.
	DataDir string `toml:"data-dir"`

	// LogPath configures where the server will write logs.
	LogPath string `toml:"log-path"`

	// Verbose toggles verbose logging which can be useful for debugging.
	Verbose bool `toml:"verbose"`

	// LoadFixtures names fixture tables (t_small, t_medium, t_large) to
	// generate on startup, replacing any existing table of the same name.
	LoadFixtures []string `toml:"load-fixtures"`

	Coordinator struct {
		SlotWidth             int           `toml:"slot-width"`
		DispatchCapacity      int           `toml:"dispatch-capacity"`
		RunningCheckFrequency float64       `toml:"running-check-frequency"`
		PendingCheckFrequency int           `toml:"pending-check-frequency"`
		PollInterval          toml.Duration `toml:"poll-interval"`
		HistoryLength         int           `toml:"history-length"`
	} `toml:"coordinator"`

	Engine struct {
		ChunkRows int `toml:"chunk-rows"`
		// RowsPerSecond throttles execution to emulate a slower device.
		// Zero means unthrottled.
		RowsPerSecond float64 `toml:"rows-per-second"`
	} `toml:"engine"`

	// HTTP Handler options
	Handler struct {
		// CORS Allowed Origins
		AllowedOrigins []string `toml:"allowed-origins"`
		// MaxTableRows is the largest table the table endpoints create.
		MaxTableRows int `toml:"max-table-rows"`
	} `toml:"handler"`

	Tracing struct {
		// AgentHostPort is the host:port of the local Jaeger agent.
		AgentHostPort string `toml:"agent-host-port"`
		// SamplerType is the type of sampler to use, or "off".
		SamplerType string `toml:"sampler-type"`
		// SamplerParam is the parameter passed to the sampler.
		SamplerParam float64 `toml:"sampler-param"`
	} `toml:"tracing"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{
		Bind:         DefaultBind,
		DataDir:      DefaultDataDir,
		LoadFixtures: []string{},
	}

	c.Coordinator.SlotWidth = slot.DefaultWidth
	c.Coordinator.DispatchCapacity = dispatch.DefaultCapacity
	c.Coordinator.RunningCheckFrequency = interrupt.DefaultRunningCheckFrequency
	c.Coordinator.PendingCheckFrequency = interrupt.DefaultPendingCheckFrequency
	c.Coordinator.PollInterval = toml.Duration(interrupt.DefaultPollInterval)
	c.Coordinator.HistoryLength = qsession.DefaultHistoryLength

	c.Engine.ChunkRows = engine.DefaultChunkRows

	c.Handler.AllowedOrigins = []string{}
	c.Handler.MaxTableRows = qhttp.DefaultMaxTableRows

	c.Tracing.AgentHostPort = "localhost:6831"
	c.Tracing.SamplerType = opentracing.SamplerOff
	c.Tracing.SamplerParam = 0.001

	return c
}
