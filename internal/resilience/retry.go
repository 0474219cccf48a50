package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/axonfabric/node/internal/kinderr"
)

// EventKind names a retry lifecycle event (spec.md §4.C).
type EventKind string

const (
	EventAttempt   EventKind = "attempt"
	EventFailed    EventKind = "failed"
	EventSuccess   EventKind = "success"
	EventExhausted EventKind = "exhausted"
)

// Event is emitted on every attempt/failure/success/exhaustion.
type Event struct {
	OperationID string
	Kind        EventKind
	Attempt     int
	Err         error
	Time        time.Time
}

// Observer receives retry lifecycle events. Nil is a valid no-op observer.
type Observer func(Event)

// Op is the unit of work executed (and possibly retried).
type Op func(ctx context.Context) error

// Classifier decides whether an error should be retried. The default
// (nil) classifier uses kinderr.Retryable.
type Classifier func(error) bool

type opState struct {
	mu        sync.Mutex
	errorLog  []error
	cancel    context.CancelFunc
	attempts  int
}

// Engine runs operations with a retry schedule and tracks per-operation
// state. The operation map and active-op counter have single-writer
// discipline per key, matching spec.md §5's shared-resource rules.
type Engine struct {
	mu       sync.RWMutex
	ops      map[string]*opState
	active   atomic.Int64
	observer Observer
	log      *logrus.Entry
}

// NewEngine builds a retry Engine. observer may be nil.
func NewEngine(observer Observer, log *logrus.Logger) *Engine {
	return &Engine{
		ops:      make(map[string]*opState),
		observer: observer,
		log:      log.WithField("component", "resilience.retry"),
	}
}

func (e *Engine) emit(ev Event) {
	ev.Time = time.Now()
	if e.observer != nil {
		e.observer(ev)
	}
}

// ErrExhausted is returned (wrapped) when every attempt was retryable but
// max_attempts was reached.
var ErrExhausted = fmt.Errorf("retry attempts exhausted")

func defaultClassifier(err error) bool {
	return kinderr.Retryable(err)
}

// ExecuteWithRetry runs op, retrying on retryable failures per params
// until success, a non-retryable failure, exhaustion, or ctx cancellation.
func (e *Engine) ExecuteWithRetry(ctx context.Context, id string, op Op, params StrategyParams, maxAttempts int, classify Classifier) error {
	if classify == nil {
		classify = defaultClassifier
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	opCtx, cancel := context.WithCancel(ctx)
	st := &opState{cancel: cancel}
	e.register(id, st)
	e.active.Add(1)
	defer func() {
		e.active.Add(-1)
		e.unregister(id)
		cancel()
	}()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.emit(Event{OperationID: id, Kind: EventAttempt, Attempt: attempt})

		err := op(opCtx)
		if err == nil {
			e.emit(Event{OperationID: id, Kind: EventSuccess, Attempt: attempt})
			return nil
		}

		st.mu.Lock()
		st.errorLog = append(st.errorLog, err)
		if len(st.errorLog) > maxWindow(params) {
			st.errorLog = st.errorLog[len(st.errorLog)-maxWindow(params):]
		}
		errLogLen := len(st.errorLog)
		failedInWindow := countErrors(st.errorLog)
		st.attempts = attempt
		st.mu.Unlock()

		if !classify(err) {
			e.emit(Event{OperationID: id, Kind: EventFailed, Attempt: attempt, Err: err})
			return err
		}

		if attempt == maxAttempts {
			e.emit(Event{OperationID: id, Kind: EventExhausted, Attempt: attempt, Err: err})
			return fmt.Errorf("%s: %w: %v", id, ErrExhausted, err)
		}

		rate := 0.0
		if errLogLen > 0 {
			rate = float64(failedInWindow) / float64(errLogLen)
		}
		snap := loadSnapshot{recentErrorRate: rate, activeOps: int(e.active.Load())}
		d := params.delay(attempt, snap)

		e.emit(Event{OperationID: id, Kind: EventFailed, Attempt: attempt, Err: err})

		select {
		case <-time.After(d):
		case <-opCtx.Done():
			return opCtx.Err()
		}
	}

	return fmt.Errorf("%s: %w", id, ErrExhausted)
}

// ScheduleRetry defers the first attempt too and returns immediately; the
// outcome is only observable via the Observer.
func (e *Engine) ScheduleRetry(ctx context.Context, id string, op Op, params StrategyParams, maxAttempts int, classify Classifier) {
	go func() {
		snap := loadSnapshot{activeOps: int(e.active.Load())}
		d := params.delay(1, snap)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
		_ = e.ExecuteWithRetry(ctx, id, op, params, maxAttempts, classify)
	}()
}

// Cancel removes operation id and cancels its pending timer/context, if
// any is currently running.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	st, ok := e.ops[id]
	delete(e.ops, id)
	e.mu.Unlock()
	if ok {
		st.cancel()
	}
}

func (e *Engine) register(id string, st *opState) {
	e.mu.Lock()
	e.ops[id] = st
	e.mu.Unlock()
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	delete(e.ops, id)
	e.mu.Unlock()
}

func maxWindow(p StrategyParams) int {
	if p.ErrorRateWindow > 0 {
		return p.ErrorRateWindow
	}
	return 20
}

func countErrors(errs []error) int {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}
