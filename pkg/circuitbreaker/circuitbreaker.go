package circuitbreaker

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

var (
	// MaxNumOfFailingRequests is the number of requests that must be exceeded
	// before the breaker can trip.
	MaxNumOfFailingRequests = 10
	// FailingRatio is the ratio of failing requests that trips the breaker.
	FailingRatio = 0.6
	// OpenTimeout is how long the breaker stays open before letting a trial
	// request through.
	OpenTimeout = 30 * time.Second
)

// NewCircuitBreaker is a factory function returning a *gobreaker.CircuitBreaker
// with a default state-changing function that activates if the overall number
// of failing requests have reached a tweakable MaxNumOfFailingRequests cap and
// the failing ratio has met the FailingRatio.
// The name identifies the guarded resource (a peer address, a webhook
// endpoint) in the logs.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return int(counts.Requests) > MaxNumOfFailingRequests && ratio >= FailingRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger := log.WithField("breaker", name)
			switch {
			case to == gobreaker.StateOpen:
				logger.Warn("too many failures, stop allowing requests")
			case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
				logger.Debug("checking whether requests succeed again")
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
				logger.Info("requests succeed again, restart allowing them")
			}
		},
	})
}

// IsOpen returns whether the error was returned by a breaker refusing the
// request, rather than by the request itself.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}
