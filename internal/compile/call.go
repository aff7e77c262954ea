package compile

import (
	"context"
	"errors"
	"fmt"

	"github.com/heimdex/heimdex-compiler/internal/narrative"
)

// Generation call outcomes, used as metric labels.
const (
	outcomeOK        = "ok"
	outcomeMalformed = "malformed"
	outcomeTimeout   = "timeout"
	outcomeError     = "error"
)

// GenerationError is a stage that still failed after its strict retry.
type GenerationError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s stage failed after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// generate runs call under the per-call timeout. A malformed response, a timeout or a retryable
// endpoint failure is retried once with the strict format instruction.
func generate[T any](ctx context.Context, r *run, stage string, call func(ctx context.Context, strict bool) (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := 0

	for attempts < 2 {
		strict := attempts > 0
		attempts++

		callCtx, cancel := r.callContext(ctx)
		out, err := call(callCtx, strict)
		cancel()
		if err == nil {
			r.o.metrics.IncGeneration(stage, outcomeOK)
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		outcome := classify(err)
		r.o.metrics.IncGeneration(stage, outcome)
		lastErr = err
		if !retryable(err) {
			break
		}
		if attempts < 2 {
			r.logger.Warn("generation call failed, retrying with strict format",
				"stage", stage, "outcome", outcome, "error", err)
		}
	}
	return zero, &GenerationError{Stage: stage, Attempts: attempts, Err: lastErr}
}

func (r *run) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.o.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, r.o.opts.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	case errors.Is(err, narrative.ErrMalformed):
		return outcomeMalformed
	}
	return outcomeError
}

func retryable(err error) bool {
	var ee *narrative.EndpointError
	if errors.As(err, &ee) {
		return ee.IsRetryable()
	}
	return true
}
