package retry

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/errors"
)

const (
	DefaultMaxAttempts = 1
	DefaultInterval    = 500 * time.Millisecond
)

// ConditionFunc is one attempt. It reports success, or a failure reason.
// Errors are never surfaced to the session owner except through Result.LastErr.
type ConditionFunc func(ctx context.Context) (bool, error)

// AttemptFunc observes the outcome of every attempt.
type AttemptFunc func(attempt int, ok bool, err error)

type Options struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"` // per attempt, 0 = bounded only by the session context

	OnAttempt AttemptFunc `yaml:"-"`
}

type Result struct {
	Succeeded bool
	Cancelled bool
	Attempts  int
	LastErr   error
	Elapsed   time.Duration
}

// Session is one bounded polling run. It owns exactly one ticker, which is
// stopped on success, exhaustion and cancellation alike.
type Session struct {
	cancel context.CancelFunc
	done   chan struct{}

	mutex  sync.Mutex
	result Result
}

// ValidateOptions rejects negative bounds.
func ValidateOptions(opts Options) error {
	if opts.MaxAttempts < 0 {
		return errors.NewValidationError("max attempts cannot be negative", nil)
	}
	if opts.Interval < 0 {
		return errors.NewValidationError("retry interval cannot be negative", nil)
	}
	if opts.Timeout < 0 {
		return errors.NewValidationError("attempt timeout cannot be negative", nil)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Start runs attempt 1 immediately and one further attempt per interval tick
// until cond succeeds, MaxAttempts attempts have failed, or the session is
// cancelled. Exhaustion is declared on the tick following the last failed
// attempt, so N failed attempts take at least N intervals.
func Start(ctx context.Context, opts Options, cond ConditionFunc) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.run(ctx, opts, cond)

	return s
}

// Do runs a session to completion.
func Do(ctx context.Context, opts Options, cond ConditionFunc) Result {
	return Start(ctx, opts, cond).Wait()
}

// Cancel aborts the session. It is safe to call at any time, any number of times.
func (s *Session) Cancel() {
	s.cancel()
}

// Done is closed once the session has resolved and its ticker is stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session resolves.
func (s *Session) Wait() Result {
	<-s.done
	return s.Result()
}

// Result returns the current outcome. It is final once Done is closed.
func (s *Session) Result() Result {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.result
}

func (s *Session) run(ctx context.Context, opts Options, cond ConditionFunc) {
	startTime := time.Now()

	ticker := time.NewTicker(opts.Interval)

	defer func() {
		ticker.Stop()
		s.mutex.Lock()
		s.result.Elapsed = time.Since(startTime)
		s.mutex.Unlock()
		s.cancel()
		close(s.done)
	}()

	attempts := 0
	for {
		if ctx.Err() != nil {
			s.finish(Result{Cancelled: true, Attempts: attempts, LastErr: s.Result().LastErr})
			return
		}

		attempts++
		ok, err := attempt(ctx, opts.Timeout, cond)
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempts, ok, err)
		}
		if ok {
			s.finish(Result{Succeeded: true, Attempts: attempts})
			return
		}
		s.finish(Result{Attempts: attempts, LastErr: err})

		select {
		case <-ctx.Done():
			s.finish(Result{Cancelled: true, Attempts: attempts, LastErr: err})
			return
		case <-ticker.C:
		}

		if attempts >= opts.MaxAttempts {
			return
		}
	}
}

func (s *Session) finish(result Result) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.result = result
}

// attempt bounds cond by timeout even when cond ignores its context.
func attempt(ctx context.Context, timeout time.Duration, cond ConditionFunc) (bool, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		ok  bool
		err error
	}
	resultChan := make(chan outcome, 1)
	go func() {
		ok, err := cond(attemptCtx)
		resultChan <- outcome{ok: ok, err: err}
	}()

	select {
	case out := <-resultChan:
		if !out.ok && out.err == nil {
			out.err = attemptCtx.Err()
		}
		return out.ok, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return false, errors.NewCancelledError("attempt cancelled", ctx.Err())
		}
		return false, errors.NewTimeoutError("attempt timed out after "+timeout.String(), attemptCtx.Err())
	}
}
