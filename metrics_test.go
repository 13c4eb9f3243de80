// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package qsession_test

import (
	"context"
	"testing"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Registered(t *testing.T) {
	c := newCoordinator(t, heldExecutor(nil))
	_, err := c.Submit(context.Background(), qsession.SubmitRequest{SQL: sqlQuick, SessionID: "metrics"})
	require.NoError(t, err)
	c.RequestInterrupt("metrics", "metrics")

	metricFams, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, metricName := range []string{
		"qsession_enrolled_queries",
		"qsession_running_queries",
		"qsession_queries_total",
		"qsession_interrupt_requests_total",
		"qsession_pending_duration_seconds",
		"qsession_execution_duration_seconds",
	} {
		if metricExists(metricName, metricFams) {
			continue
		}
		t.Fatalf("metric does not exist: %s", metricName)
	}

	fam := findMetric("qsession_queries_total", metricFams)
	require.NotNil(t, fam)
	var completed float64
	for _, m := range fam.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "outcome" && l.GetValue() == "Completed" {
				completed = m.GetCounter().GetValue()
			}
		}
	}
	require.GreaterOrEqual(t, completed, 1.0)
}

func TestMetrics_Isolated(t *testing.T) {
	_, err := qsession.NewCoordinator(qsession.OptCoordinatorExecutor(heldExecutor(nil)), qsession.OptCoordinatorRegisterer(nil))
	assert.Error(t, err)

	reg1, reg2 := prometheus.NewRegistry(), prometheus.NewRegistry()
	c1 := newCoordinator(t, heldExecutor(nil), qsession.OptCoordinatorRegisterer(reg1))
	newCoordinator(t, heldExecutor(nil), qsession.OptCoordinatorRegisterer(reg2))

	_, err = c1.Submit(context.Background(), qsession.SubmitRequest{SQL: sqlQuick, SessionID: "isolated"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, outcomeCount(t, reg1, "Completed"))
	assert.Equal(t, 0.0, outcomeCount(t, reg2, "Completed"))

	// A second coordinator on the same registerer shares its collectors.
	c3 := newCoordinator(t, heldExecutor(nil), qsession.OptCoordinatorRegisterer(reg1))
	_, err = c3.Submit(context.Background(), qsession.SubmitRequest{SQL: sqlQuick, SessionID: "shared"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, outcomeCount(t, reg1, "Completed"))
}

func TestMetrics_PendingWaitOfInterruptedQuery(t *testing.T) {
	reg := prometheus.NewRegistry()
	release := make(chan struct{})
	c := newCoordinator(t, heldExecutor(release), qsession.OptCoordinatorRegisterer(reg))

	running := submitAsync(c, sqlHeld, "running")
	eventually(t, func() bool { return pendingSamples(reg) == 1 }, "first query never left its wait")
	require.True(t, isRunning(c, "running")())

	waiting := submitAsync(c, sqlHeld, "waiting")
	eventually(t, func() bool { return c.IsSessionEnrolled("waiting") }, "second query never enrolled")
	c.RequestInterrupt("waiting", "waiting")
	out := <-waiting
	assert.Equal(t, interrupt.PendingInterruptedMessage, out.err.Error())
	assert.Equal(t, uint64(2), pendingSamples(reg))

	close(release)
	require.NoError(t, (<-running).err)
	assert.Equal(t, uint64(2), pendingSamples(reg))
}

func outcomeCount(t *testing.T, g prometheus.Gatherer, outcome string) float64 {
	t.Helper()
	fams, err := g.Gather()
	require.NoError(t, err)
	fam := findMetric("qsession_queries_total", fams)
	if fam == nil {
		return 0
	}
	for _, m := range fam.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "outcome" && l.GetValue() == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// pendingSamples returns the number of observed pending waits, or 0 if the
// histogram cannot be read.
func pendingSamples(g prometheus.Gatherer) uint64 {
	fams, err := g.Gather()
	if err != nil {
		return 0
	}
	fam := findMetric("qsession_pending_duration_seconds", fams)
	if fam == nil || len(fam.GetMetric()) != 1 {
		return 0
	}
	return fam.GetMetric()[0].GetHistogram().GetSampleCount()
}

func metricExists(metricName string, metricFams []*io_prometheus_client.MetricFamily) bool {
	return findMetric(metricName, metricFams) != nil
}

func findMetric(metricName string, metricFams []*io_prometheus_client.MetricFamily) *io_prometheus_client.MetricFamily {
	for _, metricFam := range metricFams {
		if metricFam.GetName() == metricName {
			return metricFam
		}
	}
	return nil
}
