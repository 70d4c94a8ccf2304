package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/scankeeper/internal/types"
)

// CallOutcome is the result of one Execute: either Response or Err is set.
type CallOutcome struct {
	Response any
	Err      *types.CallError
	Attempts int
	Cached   bool
}

// OK reports whether the call succeeded.
func (o CallOutcome) OK() bool {
	return o.Err == nil
}

// Executor runs actions for one Target: retry with exponential backoff,
// per-attempt timeout, and the scan's shared response cache.
type Executor struct {
	invoker  ActionInvoker
	identity []string
	cache    *ResponseCache
	opts     Options
	log      *log.Entry

	// newTimer overrides the backoff timer; nil uses a real timer.
	newTimer func() backoff.Timer
}

// NewExecutor binds an invoker and its cache identity to the scan's cache.
func NewExecutor(inv ActionInvoker, identity []string, cache *ResponseCache, opts Options) *Executor {
	return &Executor{
		invoker:  inv,
		identity: identity,
		cache:    cache,
		opts:     opts.withDefaults(),
		log:      logger.WithFields(log.Fields{"identity": identity}),
	}
}

// Execute invokes action with already-resolved params. Successful responses
// are served from and stored in the cache, and concurrent identical calls
// share one invocation. Failures are never cached.
func (e *Executor) Execute(ctx context.Context, action string, params map[string]any) CallOutcome {
	key, cacheable := cacheKey(e.identity, action, params)
	if !cacheable || e.cache == nil {
		return e.invoke(ctx, action, params)
	}
	return e.cache.Do(key, func() CallOutcome {
		return e.invoke(ctx, action, params)
	})
}

// invoke runs up to MaxAttempts attempts. Only retryable errors are retried.
func (e *Executor) invoke(ctx context.Context, action string, params map[string]any) CallOutcome {
	var (
		attempts int
		resp     any
		last     *types.CallError
	)
	operation := func() error {
		attempts++
		r, err := e.invokeOnce(ctx, action, params)
		if err == nil {
			resp = r
			return nil
		}
		last = NormalizeError(action, err)
		last.Attempts = attempts
		if !last.Retryable {
			return backoff.Permanent(last)
		}
		return last
	}
	notify := func(_ error, delay time.Duration) {
		e.log.WithFields(log.Fields{
			"action":  action,
			"attempt": attempts,
			"delay":   delay,
			"code":    last.Code,
		}).Debug("transient call failure, retrying")
	}

	var timer backoff.Timer
	if e.newTimer != nil {
		timer = e.newTimer()
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(e.opts.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotifyWithTimer(operation, policy, notify, timer); err != nil {
		if ctx.Err() != nil {
			last.Retryable = false
		}
		return CallOutcome{Err: last, Attempts: attempts}
	}
	return CallOutcome{Response: resp, Attempts: attempts}
}

func (e *Executor) invokeOnce(ctx context.Context, action string, params map[string]any) (any, error) {
	if e.opts.CallTimeout <= 0 {
		return e.invoker.Invoke(ctx, action, params)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	return e.invoker.Invoke(callCtx, action, params)
}

// newBackOff returns the delay schedule: BaseDelay doubled per retry,
// capped at MaxDelay, each delay jittered by half its value either way.
// Attempts are bounded by MaxAttempts, not by elapsed time.
func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BaseDelay
	b.MaxInterval = e.opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// apiError matches SDK errors that expose a machine-readable code, such as
// smithy.APIError.
type apiError interface {
	ErrorCode() string
	ErrorMessage() string
}

type temporary interface{ Temporary() bool }

type timeout interface{ Timeout() bool }

type retryable interface{ Retryable() bool }

// transientCodes are gRPC status codes worth retrying.
var transientCodes = map[codes.Code]bool{
	codes.Unavailable:       true,
	codes.ResourceExhausted: true,
	codes.DeadlineExceeded:  true,
	codes.Aborted:           true,
}

// NormalizeError converts an invoker error into a CallError with a code,
// a message and a retry classification.
func NormalizeError(action string, err error) *types.CallError {
	var existing *types.CallError
	if errors.As(err, &existing) {
		ce := *existing
		if ce.Action == "" {
			ce.Action = action
		}
		if ce.Message == "" && ce.Err != nil {
			ce.Message = ce.Err.Error()
		}
		return &ce
	}

	ce := &types.CallError{Action: action, Message: err.Error(), Err: err}

	var api apiError
	if errors.As(err, &api) {
		ce.Code = api.ErrorCode()
		if msg := api.ErrorMessage(); msg != "" {
			ce.Message = msg
		}
	} else if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		ce.Code = st.Code().String()
		ce.Message = st.Message()
		ce.Retryable = transientCodes[st.Code()]
	}

	var r retryable
	var tmp temporary
	var to timeout
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		if ce.Code == "" {
			ce.Code = "Timeout"
		}
		ce.Retryable = true
	case errors.As(err, &r):
		ce.Retryable = ce.Retryable || r.Retryable()
	case errors.As(err, &tmp) && tmp.Temporary():
		ce.Retryable = true
	case errors.As(err, &to) && to.Timeout():
		ce.Retryable = true
	}
	return ce
}
