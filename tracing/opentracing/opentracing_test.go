// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package opentracing_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/featurebasedb/qsession/logger"
	"github.com/featurebasedb/qsession/tracing"
	fbopentracing "github.com/featurebasedb/qsession/tracing/opentracing"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracer_Spans(t *testing.T) {
	mt := mocktracer.New()
	tr := fbopentracing.NewTracer(mt, logger.NewLogfLogger(t))

	parent, ctx := tr.StartSpanFromContext(context.Background(), "Submit")
	child, _ := tr.StartSpanFromContext(ctx, "Execute")
	child.LogKV("chunks", 3)
	child.Finish()
	parent.Finish()

	spans := mt.FinishedSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "Execute", spans[0].OperationName)
	assert.Equal(t, spans[1].SpanContext.SpanID, spans[0].ParentID)
}

func TestTracer_HTTPHeaders(t *testing.T) {
	mt := mocktracer.New()
	tr := fbopentracing.NewTracer(mt, logger.NewLogfLogger(t))

	_, ctx := tr.StartSpanFromContext(context.Background(), "client")
	req := httptest.NewRequest("POST", "/sql", nil).WithContext(ctx)
	tr.InjectHTTPHeaders(req)
	assert.NotEmpty(t, req.Header)

	span, _ := tr.ExtractHTTPHeaders(req)
	span.Finish()
	spans := mt.FinishedSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP", spans[0].OperationName)
	assert.Equal(t, "/sql", spans[0].Tag("http.url"))
}

func TestNewJaegerTracer_Off(t *testing.T) {
	tr, closer, err := fbopentracing.NewJaegerTracer(fbopentracing.Config{SamplerType: fbopentracing.SamplerOff}, logger.NopLogger)
	require.NoError(t, err)
	assert.Equal(t, tracing.NopTracer(), tr)
	assert.NoError(t, closer.Close())
}
