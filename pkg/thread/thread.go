// Package thread runs functions on dedicated OS threads.
// See: https://github.com/golang/go/wiki/LockOSThread
package thread

import (
	"runtime"
	"sync"
)

// Thread is a goroutine locked to its own OS thread for its whole life.
type Thread struct {
	done chan struct{}
	once sync.Once
	err  any
}

// Start runs f on a new locked OS thread.
// The thread is not unlocked on return so the runtime terminates it
// together with any thread-local state the engine may have left.
func Start(f func()) *Thread {
	t := &Thread{done: make(chan struct{})}
	go func() {
		runtime.LockOSThread()
		defer t.once.Do(func() { close(t.done) })
		defer func() { t.err = recover() }()
		f()
	}()
	return t
}

// Done is closed when the thread function returns.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Join blocks until the thread function returns. It returns a recovered
// panic value of the thread function, if any.
func (t *Thread) Join() any {
	<-t.done
	return t.err
}
