package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/oakhill/modelgate/internal/provider"
	"github.com/oakhill/modelgate/internal/snapshot"
)

// Dispatcher tries candidates in order until one succeeds. Transient
// failures (network errors, provider rate limits, 5xx, attempt timeouts,
// open circuit breakers) advance to the next candidate; fatal failures
// stop the dispatch immediately. The caller-supplied context carries the
// overall deadline across all attempts.
type Dispatcher struct {
	adapters       map[string]provider.Adapter
	breakers       map[string]*gobreaker.CircuitBreaker
	attemptTimeout time.Duration
	tracer         trace.Tracer
	logger         *zap.Logger
}

func NewDispatcher(adapters []provider.Adapter, attemptTimeout time.Duration, tracer trace.Tracer, logger *zap.Logger) *Dispatcher {
	byName := make(map[string]provider.Adapter, len(adapters))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
		settings := gobreaker.Settings{
			Name:        a.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[a.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Dispatcher{
		adapters:       byName,
		breakers:       breakers,
		attemptTimeout: attemptTimeout,
		tracer:         tracer,
		logger:         logger,
	}
}

// Dispatch runs the failover loop and returns the first successful result
// together with the binding that produced it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *provider.Request, candidates []Candidate) (*provider.Result, snapshot.Binding, error) {
	var attempts []Attempt

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, snapshot.Binding{}, d.timeoutError(attempts, err)
		}

		result, err := d.try(ctx, req, cand)
		if err == nil {
			return result, cand.Binding, nil
		}

		// A deadline on the overall context aborts the in-flight attempt;
		// report Timeout rather than blaming the candidate.
		if ctx.Err() != nil {
			return nil, snapshot.Binding{}, d.timeoutError(attempts, ctx.Err())
		}

		if provider.IsFatal(err) {
			if errors.Is(err, provider.ErrSchemaMismatch) {
				return nil, snapshot.Binding{}, newError(CodeSchemaMismatch,
					fmt.Sprintf("%s/%s violated the structured output contract", cand.Endpoint.Name, cand.Binding.Model), err)
			}
			return nil, snapshot.Binding{}, newError(CodeInternal,
				fmt.Sprintf("fatal upstream failure from %s/%s", cand.Endpoint.Name, cand.Binding.Model), err)
		}

		d.logger.Warn("candidate failed, trying next",
			zap.String("provider", cand.Endpoint.Name),
			zap.String("model", cand.Binding.Model),
			zap.Error(err),
		)
		attempts = append(attempts, Attempt{
			Provider: cand.Endpoint.Name,
			Model:    cand.Binding.Model,
			Reason:   err.Error(),
		})
	}

	e := newError(CodeNoProvider, "all candidates exhausted", nil)
	e.Attempts = attempts
	return nil, snapshot.Binding{}, e
}

func (d *Dispatcher) try(ctx context.Context, req *provider.Request, cand Candidate) (*provider.Result, error) {
	adapter, ok := d.adapters[cand.Endpoint.Name]
	if !ok {
		return nil, provider.Transient(cand.Endpoint.Name, fmt.Errorf("no adapter registered"))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	attemptCtx, span := d.tracer.Start(attemptCtx, "dispatch.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", cand.Endpoint.Name),
		attribute.String("model", cand.Binding.Model),
	)

	attemptReq := *req
	attemptReq.Model = cand.Binding.Model

	raw, err := d.breakers[cand.Endpoint.Name].Execute(func() (interface{}, error) {
		return adapter.Generate(attemptCtx, &attemptReq)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, provider.Transient(cand.Endpoint.Name, err)
		}
		span.RecordError(err)
		return nil, err
	}
	result, ok := raw.(*provider.Result)
	if !ok {
		return nil, provider.Transient(cand.Endpoint.Name, fmt.Errorf("unexpected result type"))
	}
	return result, nil
}

func (d *Dispatcher) timeoutError(attempts []Attempt, cause error) *Error {
	e := newError(CodeTimeout, "request deadline exceeded during dispatch", cause)
	e.Attempts = attempts
	return e
}
