package session

import "sync"

// loop runs posted functions one at a time, in order, on a single goroutine.
// The queue is unbounded so posting never blocks a network goroutine.
type loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// post enqueues fn. It returns false once the loop is closed; fn is then
// dropped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for it to return.
func (l *loop) do(fn func()) error {
	ran := make(chan struct{})
	if !l.post(func() { fn(); close(ran) }) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (l *loop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			if l.closed {
				l.queue = nil
				l.mu.Unlock()
				return
			}
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			fn()
		}
	}
}

// close stops the loop after the function currently running, if any, and
// drops everything still queued. It must not be called from the loop.
func (l *loop) close() {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	l.mu.Unlock()

	if !already {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	<-l.done
}
