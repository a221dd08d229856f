package download

import "sync"

// Executor runs waiter notifications. Completion callbacks for one request
// are delivered by a single Execute call, so they run in attachment order.
type Executor interface {
	Execute(fn func())
}

// GoExecutor runs each dispatch on a new goroutine.
type GoExecutor struct{}

// Execute implements Executor.
func (GoExecutor) Execute(fn func()) { go fn() }

// InlineExecutor runs dispatches on the completing goroutine.
// Callbacks must not block or call back into the Coordinator synchronously
// expecting progress on the same key.
type InlineExecutor struct{}

// Execute implements Executor.
func (InlineExecutor) Execute(fn func()) { fn() }

// SerialExecutor runs dispatches one at a time, in submission order, on a
// single goroutine it owns. Execute never blocks.
type SerialExecutor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerialExecutor starts the executor goroutine.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Execute implements Executor. After Close, fn runs on the caller.
func (e *SerialExecutor) Execute(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fn()
		return
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	e.cond.Signal()
}

// Close drains queued work and stops the goroutine.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	<-e.done
}

func (e *SerialExecutor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}
