package simulation

import (
	"sync/atomic"
)

// StopSignal is the cooperative cancellation flag for one run. It is polled
// between work units; it never interrupts an in-flight call.
type StopSignal struct {
	stopped atomic.Bool
}

func NewStopSignal() *StopSignal {
	return &StopSignal{}
}

func (s *StopSignal) Stop() {
	s.stopped.Store(true)
}

func (s *StopSignal) Stopped() bool {
	return s.stopped.Load()
}
