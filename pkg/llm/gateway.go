package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// Gateway wraps a Provider with the retry/backoff, truncation-retry and
// circuit-breaking policy spec.md §4.3 describes.
type Gateway struct {
	provider   Provider
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	baseDelay  time.Duration
	sleep      func(time.Duration)
}

// NewGateway builds a Gateway around provider. maxRetries is the number
// of additional attempts after the first, on retryable errors only.
func NewGateway(provider Provider, maxRetries int) *Gateway {
	st := gobreaker.Settings{
		Name:        "llm-gateway",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*2 > counts.Requests
		},
	}
	return &Gateway{
		provider:   provider,
		breaker:    gobreaker.NewCircuitBreaker(st),
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		sleep:      time.Sleep,
	}
}

func (g *Gateway) call(ctx context.Context, req Request) (Response, error) {
	out, err := g.breaker.Execute(func() (any, error) {
		return g.provider.Generate(ctx, req)
	})
	if err != nil {
		var resp Response
		return resp, err
	}
	return out.(Response), nil
}

// Generate runs req through the provider with retry-on-retryable-error
// backoff, then, if the response came back truncated, re-requests once
// with doubled MaxTokens before giving up with ErrOutputTruncated.
func (g *Gateway) Generate(ctx context.Context, req Request) (Response, error) {
	resp, err := g.generateWithRetry(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if resp.FinishReason != "length" {
		return resp, nil
	}

	doubled := req
	doubled.MaxTokens = req.MaxTokens * 2
	retried, err := g.generateWithRetry(ctx, doubled)
	if err != nil {
		return Response{}, err
	}
	if retried.FinishReason == "length" {
		return retried, ErrOutputTruncated
	}
	return retried, nil
}

func (g *Gateway) generateWithRetry(ctx context.Context, req Request) (Response, error) {
	delay := g.baseDelay
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		resp, err := g.call(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var perr *ProviderError
		if !errors.As(err, &perr) || !perr.Retryable || attempt == g.maxRetries {
			return Response{}, err
		}

		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return Response{}, lastErr
}
