// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package opentracing

import (
	"context"
	"io"
	"net/http"

	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/logger"
	"github.com/featurebasedb/qsession/tracing"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

// Ensure type implements interface.
var _ tracing.Tracer = (*Tracer)(nil)

// SamplerOff disables tracing entirely.
const SamplerOff = "off"

// Tracer represents a wrapper for OpenTracing that implements tracing.Tracer.
type Tracer struct {
	tracer opentracing.Tracer
	logger logger.Logger
}

// NewTracer returns a new instance of Tracer.
func NewTracer(tracer opentracing.Tracer, logger logger.Logger) *Tracer {
	return &Tracer{tracer: tracer, logger: logger}
}

// Config selects the Jaeger agent and sampling.
type Config struct {
	ServiceName   string
	AgentHostPort string
	SamplerType   string
	SamplerParam  float64
}

// NewJaegerTracer builds a Tracer reporting to a Jaeger agent. The returned
// closer flushes buffered spans. With SamplerType "off" it returns the nop
// tracer.
func NewJaegerTracer(cfg Config, l logger.Logger) (tracing.Tracer, io.Closer, error) {
	if cfg.SamplerType == SamplerOff {
		return tracing.NopTracer(), io.NopCloser(nil), nil
	}
	jcfg := jaegercfg.Configuration{
		ServiceName: cfg.ServiceName,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  cfg.SamplerType,
			Param: cfg.SamplerParam,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LocalAgentHostPort: cfg.AgentHostPort,
		},
	}
	t, closer, err := jcfg.NewTracer(jaegercfg.Logger(jaegerLogger{l}))
	if err != nil {
		return nil, nil, errors.Wrap(err, "initializing jaeger tracer")
	}
	return NewTracer(t, l), closer, nil
}

type jaegerLogger struct {
	logger logger.Logger
}

func (j jaegerLogger) Error(msg string) { j.logger.Errorf("jaeger: %s", msg) }

func (j jaegerLogger) Infof(msg string, args ...interface{}) {
	j.logger.Debugf("jaeger: "+msg, args...)
}

// StartSpanFromContext returns a new child span and context from a given context.
func (t *Tracer) StartSpanFromContext(ctx context.Context, operationName string) (tracing.Span, context.Context) {
	var opts []opentracing.StartSpanOption
	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}
	span := t.tracer.StartSpan(operationName, opts...)
	return span, opentracing.ContextWithSpan(ctx, span)
}

// InjectHTTPHeaders adds the required HTTP headers to pass context between processes.
func (t *Tracer) InjectHTTPHeaders(r *http.Request) {
	if span := opentracing.SpanFromContext(r.Context()); span != nil {
		if err := t.tracer.Inject(
			span.Context(),
			opentracing.HTTPHeaders,
			opentracing.HTTPHeadersCarrier(r.Header),
		); err != nil {
			t.logger.Errorf("opentracing inject error: %s", err)
		}
	}
}

// ExtractHTTPHeaders reads the HTTP headers to derive incoming context.
func (t *Tracer) ExtractHTTPHeaders(r *http.Request) (tracing.Span, context.Context) {
	wireContext, _ := t.tracer.Extract(
		opentracing.HTTPHeaders,
		opentracing.HTTPHeadersCarrier(r.Header),
	)

	span := t.tracer.StartSpan("HTTP", ext.RPCServerOption(wireContext))
	ext.HTTPMethod.Set(span, r.Method)
	ext.HTTPUrl.Set(span, r.URL.Path)
	ctx := opentracing.ContextWithSpan(r.Context(), span)
	return span, ctx
}
