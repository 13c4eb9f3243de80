// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package qsession

import (
	"github.com/featurebasedb/qsession/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNamespace          = "qsession"
	MetricEnrolledQueries    = "enrolled_queries"
	MetricRunningQueries     = "running_queries"
	MetricQueriesTotal       = "queries_total"
	MetricInterruptRequests  = "interrupt_requests_total"
	MetricPendingSeconds     = "pending_duration_seconds"
	MetricExecutionSeconds   = "execution_duration_seconds"
	MetricConfigChangesTotal = "config_changes_total"
)

// coordinatorMetrics are the collectors a Coordinator reports to.
type coordinatorMetrics struct {
	enrolled      prometheus.Gauge
	running       prometheus.Gauge
	queries       *prometheus.CounterVec
	interrupts    prometheus.Counter
	pending       prometheus.Histogram
	execution     prometheus.Histogram
	configChanges *prometheus.CounterVec
}

// newCoordinatorMetrics registers the coordinator collectors with r.
// Coordinators registering with the same Registerer share its collectors;
// one given its own Registerer reports in isolation.
func newCoordinatorMetrics(r prometheus.Registerer) (*coordinatorMetrics, error) {
	m := &coordinatorMetrics{
		enrolled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricNamespace,
			Name:      MetricEnrolledQueries,
			Help:      "Number of queries enrolled in a session.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricNamespace,
			Name:      MetricRunningQueries,
			Help:      "Number of queries holding an execution slot.",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricNamespace,
			Name:      MetricQueriesTotal,
			Help:      "Finished queries by outcome.",
		}, []string{"outcome"}),
		interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: MetricNamespace,
			Name:      MetricInterruptRequests,
			Help:      "Interrupt requests received.",
		}),
		pending: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricNamespace,
			Name:      MetricPendingSeconds,
			Help:      "Time from enrollment until an execution slot was acquired or the wait ended.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		execution: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricNamespace,
			Name:      MetricExecutionSeconds,
			Help:      "Time spent holding an execution slot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		configChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricNamespace,
			Name:      MetricConfigChangesTotal,
			Help:      "Runtime configuration changes by setting.",
		}, []string{"setting"}),
	}

	var err error
	register := func(c prometheus.Collector) prometheus.Collector {
		if err != nil {
			return c
		}
		if rerr := r.Register(c); rerr != nil {
			are, ok := rerr.(prometheus.AlreadyRegisteredError)
			if !ok {
				err = errors.Wrap(rerr, "registering metric")
				return c
			}
			return are.ExistingCollector
		}
		return c
	}
	m.enrolled = register(m.enrolled).(prometheus.Gauge)
	m.running = register(m.running).(prometheus.Gauge)
	m.queries = register(m.queries).(*prometheus.CounterVec)
	m.interrupts = register(m.interrupts).(prometheus.Counter)
	m.pending = register(m.pending).(prometheus.Histogram)
	m.execution = register(m.execution).(prometheus.Histogram)
	m.configChanges = register(m.configChanges).(*prometheus.CounterVec)
	if err != nil {
		return nil, err
	}
	return m, nil
}
