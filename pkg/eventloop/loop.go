// Package eventloop serializes the work of a call session onto a single
// goroutine. Transport callbacks, signaling handlers and timer expiries are
// posted to the loop, so session state is only ever touched by one goroutine.
package eventloop

import (
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/zap"
)

// Executor is the scheduling surface components depend on.
type Executor interface {
	// Post queues fn and returns immediately. It reports false once the
	// executor is closed.
	Post(fn func()) bool
	// Do runs fn on the executor and waits for it to finish. It must not be
	// called from a task already running on the executor.
	Do(fn func()) bool
	// Go runs blocking work off the executor.
	Go(fn func())
}

// Loop is an Executor backed by one goroutine and an unbounded FIFO queue.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  deque.Deque[func()]
	closed bool
	done   chan struct{}

	logger *zap.SugaredLogger
}

// New starts a loop.
func New(logger *zap.SugaredLogger) *Loop {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &Loop{
		done:   make(chan struct{}),
		logger: logger,
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.queue.PushBack(fn)
	l.cond.Signal()
	return true
}

func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

func (l *Loop) Go(fn func()) {
	go fn()
}

// Flush waits until every task posted before the call has run.
func (l *Loop) Flush() {
	l.Do(func() {})
}

// Close stops accepting work. Tasks already queued still run. Close may be
// called from a task.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	l.cond.Broadcast()
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for l.queue.Len() == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.queue.Len() == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue.PopFront()
		l.mu.Unlock()

		l.execute(fn)
	}
}

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorw("event loop task panicked", "panic", r)
		}
	}()
	fn()
}

// Inline is an Executor that runs everything on the calling goroutine. It
// suits tests and embedders that already serialize calls.
type Inline struct{}

// NewInline returns an inline executor.
func NewInline() Inline {
	return Inline{}
}

func (Inline) Post(fn func()) bool {
	fn()
	return true
}

func (Inline) Do(fn func()) bool {
	fn()
	return true
}

func (Inline) Go(fn func()) {
	fn()
}
