package chat

import "sync"

// eventLoop serialises every mutation of a session. Socket callbacks, timer callbacks and
// user commands are queued and run one at a time, in arrival order. There is no dedicated
// goroutine: whoever posts into an idle loop drains it.
type eventLoop struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// post enqueues fn. Posting from inside a running fn is allowed; it runs after the current one.
func (l *eventLoop) post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true

	for len(l.queue) > 0 {
		next := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.run(next)

		l.mu.Lock()
	}
	l.running = false
	l.mu.Unlock()
}

// run keeps the loop usable if fn panics; the panic still propagates.
func (l *eventLoop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			panic(r)
		}
	}()
	fn()
}

// call runs fn on the loop and waits for it to finish.
// It must not be used from inside a queued fn.
func (l *eventLoop) call(fn func()) {
	done := make(chan struct{})
	l.post(func() {
		defer close(done)
		fn()
	})
	<-done
}
