// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package server wires the coordinator, the reference engine, the table
// catalog and the HTTP handler into a runnable process.
package server

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/boltdb"
	"github.com/featurebasedb/qsession/catalog"
	"github.com/featurebasedb/qsession/engine"
	"github.com/featurebasedb/qsession/errors"
	qhttp "github.com/featurebasedb/qsession/http"
	"github.com/featurebasedb/qsession/logger"
	"github.com/featurebasedb/qsession/tracing"
	"github.com/featurebasedb/qsession/tracing/opentracing"
	"golang.org/x/sync/errgroup"
)

// Command represents the state of the server command.
type Command struct {
	// Config is read by Run. Changes made after Run has been called have no
	// effect.
	Config *Config

	// Coordinator is set once Run returns without error.
	Coordinator *qsession.Coordinator

	// Standard input/output
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Started will be closed once Command.Run is finished.
	Started chan struct{}
	// Done will be closed when Command.Close() is called
	Done chan struct{}

	logger    logger.Logger
	logOutput io.Writer

	db      *boltdb.DB
	catalog catalog.Catalog
	handler *qhttp.Handler
	ln      net.Listener
	url     string

	tracerCloser io.Closer

	eg        errgroup.Group
	closeOnce sync.Once
}

// NewCommand returns a new instance of Command.
func NewCommand(stdin io.Reader, stdout, stderr io.Writer) *Command {
	return &Command{
		Config: NewConfig(),

		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,

		Started: make(chan struct{}),
		Done:    make(chan struct{}),
	}
}

// Run opens the catalog, starts the coordinator and begins serving HTTP. It
// returns once the server is listening; serving continues in the
// background until Close.
func (m *Command) Run() (err error) {
	defer close(m.Started)
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	if err := m.expandDataDir(); err != nil {
		return err
	}
	if err := m.setupLogger(); err != nil {
		return errors.Wrap(err, "setting up logger")
	}
	if err := m.setupTracing(); err != nil {
		return errors.Wrap(err, "setting up tracing")
	}
	if err := m.setupCatalog(); err != nil {
		return errors.Wrap(err, "setting up catalog")
	}

	eng, err := engine.New(m.catalog,
		engine.OptEngineChunkRows(m.Config.Engine.ChunkRows),
		engine.OptEngineRowsPerSecond(m.Config.Engine.RowsPerSecond),
		engine.OptEngineLogger(m.logger.WithPrefix("engine: ")),
	)
	if err != nil {
		return errors.Wrap(err, "creating engine")
	}

	cc := m.Config.Coordinator
	m.Coordinator, err = qsession.NewCoordinator(
		qsession.OptCoordinatorExecutor(eng),
		qsession.OptCoordinatorLogger(m.logger),
		qsession.OptCoordinatorSlotWidth(cc.SlotWidth),
		qsession.OptCoordinatorDispatchCapacity(cc.DispatchCapacity),
		qsession.OptCoordinatorRunningCheckFrequency(cc.RunningCheckFrequency),
		qsession.OptCoordinatorPendingCheckFrequency(cc.PendingCheckFrequency),
		qsession.OptCoordinatorPollInterval(cc.PollInterval.Duration()),
		qsession.OptCoordinatorHistoryLength(cc.HistoryLength),
	)
	if err != nil {
		return errors.Wrap(err, "creating coordinator")
	}

	m.ln, err = net.Listen("tcp", m.Config.Bind)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", m.Config.Bind)
	}
	m.url = "http://" + m.ln.Addr().String()

	m.handler, err = qhttp.NewHandler(
		qhttp.OptHandlerCoordinator(m.Coordinator),
		qhttp.OptHandlerCatalog(m.catalog),
		qhttp.OptHandlerAllowedOrigins(m.Config.Handler.AllowedOrigins),
		qhttp.OptHandlerMaxTableRows(m.Config.Handler.MaxTableRows),
		qhttp.OptHandlerLogger(m.logger.WithPrefix("http: ")),
		qhttp.OptHandlerListener(m.ln, m.url),
	)
	if err != nil {
		return errors.Wrap(err, "creating handler")
	}

	m.eg.Go(m.handler.Serve)
	m.logger.Infof("qsession listening on %s (slot width %d, dispatch capacity %d)", m.url, cc.SlotWidth, cc.DispatchCapacity)
	return nil
}

// expandDataDir replaces a leading "~/" in the data directory with the
// user's home directory.
func (m *Command) expandDataDir() error {
	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(m.Config.DataDir, prefix) {
		homeDir := os.Getenv("HOME")
		if homeDir == "" {
			return errors.New(errors.ErrUncoded, "data directory not specified and no home dir available")
		}
		m.Config.DataDir = filepath.Join(homeDir, strings.TrimPrefix(m.Config.DataDir, prefix))
	}
	return nil
}

func (m *Command) setupLogger() error {
	var w io.Writer = m.Stderr
	if m.Config.LogPath != "" {
		fw, err := logger.NewFileWriter(m.Config.LogPath)
		if err != nil {
			return errors.Wrapf(err, "opening log file %s", m.Config.LogPath)
		}
		w = fw
	}
	m.logOutput = w
	m.logger = logger.NewLogger(w, m.Config.Verbose)
	return nil
}

func (m *Command) setupTracing() error {
	t, closer, err := opentracing.NewJaegerTracer(opentracing.Config{
		ServiceName:   "qsession",
		AgentHostPort: m.Config.Tracing.AgentHostPort,
		SamplerType:   m.Config.Tracing.SamplerType,
		SamplerParam:  m.Config.Tracing.SamplerParam,
	}, m.logger)
	if err != nil {
		return err
	}
	tracing.GlobalTracer = t
	m.tracerCloser = closer
	return nil
}

func (m *Command) setupCatalog() error {
	if m.Config.DataDir == "" {
		m.catalog = catalog.NewMem()
	} else {
		db, err := boltdb.Open(m.Config.DataDir, "catalog", boltdb.CatalogBuckets...)
		if err != nil {
			return errors.Wrap(err, "opening catalog database")
		}
		m.db = db
		m.catalog = boltdb.NewCatalog(db, m.logger.WithPrefix("catalog: "))
	}

	if len(m.Config.LoadFixtures) > 0 {
		m.logger.Infof("loading fixtures %v", m.Config.LoadFixtures)
		if err := catalog.LoadFixtures(context.Background(), m.catalog, m.Config.LoadFixtures...); err != nil {
			return errors.Wrap(err, "loading fixtures")
		}
	}
	return nil
}

// URL returns the address the server is listening on.
func (m *Command) URL() string {
	return m.url
}

// Catalog returns the table catalog the server reads from.
func (m *Command) Catalog() catalog.Catalog {
	return m.catalog
}

// Logger returns the server's logger. It is only valid after Run.
func (m *Command) Logger() logger.Logger {
	return m.logger
}

// ReopenLogs reopens the log file, if logging to one. It is called on
// SIGHUP so that rotated logs are released.
func (m *Command) ReopenLogs() error {
	if fw, ok := m.logOutput.(*logger.FileWriter); ok {
		return fw.Reopen()
	}
	return nil
}

// Wait blocks until the HTTP handler stops serving.
func (m *Command) Wait() error {
	return m.eg.Wait()
}

// Close shuts down the server. Queries already running are allowed to
// finish while the handler drains.
func (m *Command) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.cleanup()
		close(m.Done)
	})
	return err
}

func (m *Command) cleanup() error {
	var errs []error
	if m.Coordinator != nil {
		if err := m.Coordinator.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing coordinator"))
		}
	}
	if m.handler != nil {
		if err := m.handler.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := m.eg.Wait(); err != nil {
			errs = append(errs, err)
		}
	} else if m.ln != nil {
		m.ln.Close()
	}
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing catalog database"))
		}
	}
	if m.tracerCloser != nil {
		if err := m.tracerCloser.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing tracer"))
		}
		tracing.GlobalTracer = tracing.NopTracer()
	}
	if fw, ok := m.logOutput.(*logger.FileWriter); ok {
		if err := fw.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing log file"))
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("closing server: %v", errs)
	}
	return nil
}
