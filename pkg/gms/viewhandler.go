package gms

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/internal/telemetry"
)

// Strategy controls how a ViewHandler coalesces and orders requests.
type Strategy[R any] struct {
	// Window is how long the first queued request may wait for company.
	// Zero or negative dispatches immediately.
	Window time.Duration
	// MaxBatch dispatches as soon as this many requests are queued, without
	// waiting for the window. Zero disables the threshold.
	MaxBatch int
	// Match reports whether two requests may be handed to the processor in
	// the same batch. Nil means every pair matches.
	Match func(a, b R) bool
	// Equal identifies repeats; a request equal to one already queued is
	// dropped. Nil disables de-duplication.
	Equal func(a, b R) bool
	// Compare reorders a snapshot of the queue before it is split into
	// batches. Nil keeps arrival order.
	Compare func(a, b R) int
}

// Processor consumes one batch. Errors and panics drop the batch.
type Processor[R any] func(batch []R) error

// ViewHandler serializes membership changes. Submissions only take the queue
// lock; a single dispatch goroutine at a time drains the queue, splits it
// into mutually compatible batches and hands them to the processor in order.
type ViewHandler[R any] struct {
	log      *zap.Logger
	process  Processor[R]
	strategy Strategy[R]

	mu         sync.Mutex
	requests   []R
	processing bool
	suspended  bool
	closed     bool
	timer      *time.Timer
	busy       bool          // requests wait for the window or are being processed
	idle       chan struct{} // closed when busy turns false
}

func NewViewHandler[R any](process Processor[R], s Strategy[R], log *zap.Logger) *ViewHandler[R] {
	if log == nil {
		log = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &ViewHandler[R]{
		log:      log.Named("viewhandler"),
		process:  process,
		strategy: s,
		idle:     idle,
	}
}

// Add queues requests. It never waits for processing.
func (h *ViewHandler[R]) Add(reqs ...R) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, r := range reqs {
		if h.containsLocked(r) {
			h.log.Debug("dropping duplicate request", zap.Any("request", r))
			continue
		}
		h.requests = append(h.requests, r)
	}
	h.scheduleLocked()
}

func (h *ViewHandler[R]) containsLocked(r R) bool {
	if h.strategy.Equal == nil {
		return false
	}
	return slices.ContainsFunc(h.requests, func(q R) bool { return h.strategy.Equal(q, r) })
}

func (h *ViewHandler[R]) scheduleLocked() {
	if h.suspended || h.processing || h.closed || len(h.requests) == 0 {
		return
	}
	full := h.strategy.MaxBatch > 0 && len(h.requests) >= h.strategy.MaxBatch
	if full || h.strategy.Window <= 0 {
		h.stopTimerLocked()
		h.startLocked()
		return
	}
	if h.timer == nil {
		h.markBusyLocked()
		h.timer = time.AfterFunc(h.strategy.Window, h.windowExpired)
	}
}

func (h *ViewHandler[R]) markBusyLocked() {
	if !h.busy {
		h.busy = true
		h.idle = make(chan struct{})
	}
}

func (h *ViewHandler[R]) markIdleLocked() {
	if h.busy && !h.processing {
		h.busy = false
		close(h.idle)
	}
}

func (h *ViewHandler[R]) windowExpired() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timer = nil
	if h.suspended || h.processing || h.closed || len(h.requests) == 0 {
		h.markIdleLocked()
		return
	}
	h.startLocked()
}

func (h *ViewHandler[R]) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *ViewHandler[R]) startLocked() {
	h.markBusyLocked()
	h.processing = true
	go h.run()
}

func (h *ViewHandler[R]) run() {
	for {
		h.mu.Lock()
		if h.suspended || h.closed || len(h.requests) == 0 {
			h.processing = false
			h.markIdleLocked()
			h.mu.Unlock()
			return
		}
		queue := h.requests
		h.requests = nil
		h.mu.Unlock()

		if h.strategy.Compare != nil {
			slices.SortStableFunc(queue, h.strategy.Compare)
		}
		for len(queue) > 0 {
			var batch []R
			batch, queue = h.split(queue)
			h.dispatch(batch)

			if len(queue) > 0 && h.Suspended() {
				// Put the rest back in front of anything queued meanwhile.
				h.mu.Lock()
				h.requests = append(queue, h.requests...)
				h.mu.Unlock()
				break
			}
		}
	}
}

// split takes the first request and every later one compatible with all
// requests taken so far. A request is also held back when it conflicts with
// one already held back, so conflicting requests keep their relative order.
func (h *ViewHandler[R]) split(queue []R) (batch, rest []R) {
	match := h.strategy.Match
	if match == nil {
		return queue, nil
	}
	batch = append(batch, queue[0])
	for _, r := range queue[1:] {
		ok := true
		for _, b := range batch {
			if !match(b, r) {
				ok = false
				break
			}
		}
		for _, s := range rest {
			if !ok {
				break
			}
			if !match(s, r) {
				ok = false
			}
		}
		if ok {
			batch = append(batch, r)
		} else {
			rest = append(rest, r)
		}
	}
	return batch, rest
}

func (h *ViewHandler[R]) dispatch(batch []R) {
	telemetry.BatchSize.Observe(float64(len(batch)))
	defer func() {
		if r := recover(); r != nil {
			telemetry.BatchFailures.Inc()
			h.log.Error("failed processing requests", zap.Any("requests", batch), zap.Any("panic", r))
		}
	}()
	if err := h.process(batch); err != nil {
		telemetry.BatchFailures.Inc()
		h.log.Error("failed processing requests", zap.Any("requests", batch), zap.Error(err))
	}
}

// Suspend stops dispatching after the batch in progress. Queued and newly
// added requests are kept in order.
func (h *ViewHandler[R]) Suspend() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suspended = true
	h.stopTimerLocked()
	h.markIdleLocked()
}

// Resume restarts dispatching of whatever is queued.
func (h *ViewHandler[R]) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suspended = false
	h.scheduleLocked()
}

// Processing is the toggle form of Suspend/Resume.
func (h *ViewHandler[R]) Processing(on bool) {
	if on {
		h.Resume()
	} else {
		h.Suspend()
	}
}

func (h *ViewHandler[R]) Suspended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.suspended
}

// Size returns the number of queued requests.
func (h *ViewHandler[R]) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

// Drain removes and returns the queued requests without processing them.
func (h *ViewHandler[R]) Drain() []R {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopTimerLocked()
	h.markIdleLocked()
	out := h.requests
	h.requests = nil
	return out
}

// WaitIdle blocks until nothing is queued for dispatch and no batch is
// being processed, or ctx is done.
func (h *ViewHandler[R]) WaitIdle(ctx context.Context) error {
	for {
		h.mu.Lock()
		busy, idle := h.busy, h.idle
		h.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close drops queued requests and rejects further submissions.
func (h *ViewHandler[R]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.requests = nil
	h.stopTimerLocked()
	h.markIdleLocked()
}

func (h *ViewHandler[R]) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("%d requests, processing=%v, suspended=%v", len(h.requests), h.processing, h.suspended)
}
