package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// Func executes one item. It must honour ctx cancellation.
type Func func(ctx context.Context, item Item) (any, error)

// Observer receives per-item lifecycle events (metrics hook).
type Observer interface {
	ItemStarted()
	ItemFinished(status constants.BatchStatus, elapsed time.Duration)
}

// Batcher runs items with at most limit in flight.
type Batcher struct {
	limit         int
	itemTimeout   time.Duration
	cancelOnError bool
	logger        *slog.Logger
	observer      Observer
}

type Option func(*Batcher)

// WithItemTimeout bounds each item's call.
func WithItemTimeout(d time.Duration) Option {
	return func(b *Batcher) {
		if d > 0 {
			b.itemTimeout = d
		}
	}
}

// WithCancelOnFirstError stops admitting new items after the first failure
// and cancels siblings still in flight. Off by default.
func WithCancelOnFirstError() Option {
	return func(b *Batcher) { b.cancelOnError = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(b *Batcher) { b.observer = o }
}

func New(limit int, opts ...Option) (*Batcher, error) {
	if limit < 1 {
		return nil, common.NewConfigurationError(fmt.Sprintf("concurrency limit must be >= 1, got %d", limit), nil)
	}
	b := &Batcher{limit: limit, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

func (b *Batcher) Limit() int { return b.limit }

// Run executes fn for every item and returns an Outcome with one entry per
// key. Individual failures never abort the batch unless cancel-on-first-error
// is enabled. Once ctx is done no new item is admitted and the remainder is
// recorded as cancelled.
func (b *Batcher) Run(ctx context.Context, items []Item, fn Func) (*Outcome, error) {
	if err := validateKeys(items); err != nil {
		return nil, err
	}
	out := newOutcome(items)
	if len(items) == 0 {
		return out, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(b.limit))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(r Result) {
		mu.Lock()
		out.results[r.Key] = r
		mu.Unlock()
	}

	start := time.Now()
	for i, it := range items {
		if err := sem.Acquire(runCtx, 1); err != nil {
			for _, rest := range items[i:] {
				record(Result{Key: rest.Key, Status: constants.BatchCancelled, Err: cancelledErr(runCtx)})
			}
			break
		}
		wg.Add(1)
		go func(it Item) {
			defer wg.Done()
			defer sem.Release(1)
			r := b.runOne(runCtx, it, fn)
			record(r)
			if r.Status == constants.BatchFailed && b.cancelOnError {
				b.logger.Warn("batch.cancel_on_error", "key", it.Key, "error", r.Err)
				cancel()
			}
		}(it)
	}
	wg.Wait()

	c := out.Counts()
	b.logger.Debug("batch.done",
		"items", len(items),
		"ok", c.OK,
		"failed", c.Failed,
		"cancelled", c.Cancelled,
		"limit", b.limit,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (b *Batcher) runOne(ctx context.Context, it Item, fn Func) (r Result) {
	r.Key = it.Key
	if ctx.Err() != nil {
		r.Status = constants.BatchCancelled
		r.Err = cancelledErr(ctx)
		return r
	}

	if b.observer != nil {
		b.observer.ItemStarted()
	}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.Status = constants.BatchFailed
			r.Value = nil
			r.Err = common.NewAppError(common.CodeInternal, fmt.Sprintf("item %s panicked", it.Key), fmt.Errorf("%v", p))
			b.logger.Error("batch.item.panic", "key", it.Key, "panic", p)
		}
		if b.observer != nil {
			b.observer.ItemFinished(r.Status, time.Since(start))
		}
	}()

	callCtx := ctx
	if b.itemTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.itemTimeout)
		defer cancel()
	}

	v, err := fn(callCtx, it)
	switch {
	case err == nil:
		r.Status = constants.BatchOK
		r.Value = v
	case ctx.Err() != nil && common.IsCancellation(err):
		// The batch was cancelled while this item was in flight.
		r.Status = constants.BatchCancelled
		r.Err = common.NewCancelledError("item "+it.Key+" aborted", err)
	default:
		r.Status = constants.BatchFailed
		r.Err = err
		b.logger.Warn("batch.item.failed", "key", it.Key, "code", common.ErrorCode(err), "error", err)
	}
	return r
}

func validateKeys(items []Item) error {
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		if it.Key == "" {
			return common.NewInvalidInputError(fmt.Sprintf("item %d has an empty key", i), nil)
		}
		if _, dup := seen[it.Key]; dup {
			return common.NewInvalidInputError("duplicate item key "+it.Key, nil)
		}
		seen[it.Key] = struct{}{}
	}
	return nil
}

func cancelledErr(ctx context.Context) error {
	return common.NewCancelledError("not started", context.Cause(ctx))
}
