package host

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrLoopStopped = errors.New("host: loop stopped")

const defaultQueue = 64

// Loop runs posted functions one at a time on a single goroutine. Everything
// a hosting instance owns is only touched from inside the loop.
type Loop struct {
	name  string
	tasks chan func()

	mu      sync.RWMutex
	stopped bool

	done chan struct{}
}

func NewLoop(name string) *Loop {
	l := &Loop{
		name:  name,
		tasks: make(chan func(), defaultQueue),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn. Reports false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return false
	}
	l.tasks <- fn
	return true
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrLoopStopped
	}
	<-ran
	return nil
}

// Stop drains queued work and ends the loop goroutine. Safe to call more
// than once; must not be called from inside the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.tasks)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for fn := range l.tasks {
		l.exec(fn)
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("loop", l.name).Interface("panic", r).Msg("host.loop task panicked")
		}
	}()
	fn()
}
