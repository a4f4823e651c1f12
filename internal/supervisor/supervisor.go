// Package supervisor owns the retry budget and the single retry timer of a
// session.
package supervisor

import (
	"sync"
	"time"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/util"
)

var log = util.Named("supervisor")

// Unbounded disables the retry limit.
const Unbounded = -1

const (
	DefaultDelay      = 5 * time.Second
	DefaultMaxRetries = 5
)

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry      bool
	Delay      time.Duration
	RetryCount int
	// Err is the error to surface: the cause, or ErrRetryBudgetExhausted
	// wrapping it once the budget is gone.
	Err error
}

// Supervisor schedules retries after attempt failures.
type Supervisor struct {
	delay time.Duration
	max   int

	mu    sync.Mutex
	count int
	timer *time.Timer
	gen   uint64
}

// New returns a supervisor. max may be Unbounded; zero means no automatic retries.
func New(delay time.Duration, max int) *Supervisor {
	if delay < 0 {
		delay = 0
	}
	return &Supervisor{delay: delay, max: max}
}

// Failure records a terminal attempt failure. When a retry is allowed it
// increments the retry count and arms the timer to call retry after the
// delay, replacing any pending timer.
func (s *Supervisor) Failure(err error, retry func()) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	if domain.Terminal(err) {
		return Decision{RetryCount: s.count, Err: err}
	}
	if s.max != Unbounded && s.count >= s.max {
		log.Warn("retry budget exhausted", "retries", s.count, "error", err)
		return Decision{
			RetryCount: s.count,
			Err:        domain.NewError(domain.ErrRetryBudgetExhausted, domain.TransportNone, err),
		}
	}

	s.count++
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		current := gen == s.gen
		if current {
			s.timer = nil
		}
		s.mu.Unlock()
		if current {
			retry()
		}
	})
	log.Info("retry scheduled", "retry", s.count, "max", s.max, "delay", s.delay.String(), "error", err)
	return Decision{Retry: true, Delay: s.delay, RetryCount: s.count, Err: err}
}

// Reset clears the retry count and cancels any pending retry.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.count = 0
}

// Cancel stops the pending retry timer, if any.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// RetryCount is the number of automatic retries since the last Reset.
func (s *Supervisor) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Pending reports whether a retry timer is armed.
func (s *Supervisor) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Supervisor) stopLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
