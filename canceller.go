package picostream

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// ErrCancelled is returned by operations abandoned because the run was cancelled.
var ErrCancelled = errors.New("acquisition cancelled")

// Canceller is the write-once stop request shared by the acquisition loop, the
// sample callback, and the persistence worker. Once set it never clears.
type Canceller struct {
	flag atomic.Bool
	done chan struct{}
	once sync.Once
}

// NewCanceller returns an unset Canceller.
func NewCanceller() *Canceller {
	return &Canceller{done: make(chan struct{})}
}

// Cancel sets the flag. It may be called any number of times from any goroutine.
func (c *Canceller) Cancel() {
	c.once.Do(func() {
		c.flag.Store(true)
		close(c.done)
	})
}

// Cancelled reports whether Cancel has been called.
func (c *Canceller) Cancelled() bool {
	return c.flag.Load()
}

// Done returns a channel that is closed when Cancel is called.
func (c *Canceller) Done() <-chan struct{} {
	return c.done
}

// NotifyOnSignal calls Cancel when any of sigs arrives. The returned function
// stops listening; call it when the run is over.
func (c *Canceller) NotifyOnSignal(sigs ...os.Signal) (stop func()) {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, sigs...)
	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-sigch:
			UpdateLogger.Info("Stopping data collection", "signal", sig.String())
			c.Cancel()
		case <-quit:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigch)
			closeIfOpen(quit)
		})
	}
}

// closeIfOpen closes c unless it is already closed.
func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}
