package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// errors surfaced by Correlate. The caller must be able to tell a failed
// initiating request apart from a correlation that simply never matched.
var ErrCorrelationTimeout = errors.New("correlation timeout")
var ErrCorrelationCancelled = errors.New("correlation cancelled")

type RequestRejectedError struct {
	Err error
}

func (self *RequestRejectedError) Error() string {
	return fmt.Sprintf("request rejected: %s", self.Err)
}

func (self *RequestRejectedError) Unwrap() error {
	return self.Err
}

type MatchFunction func(notification Notification) bool

// RequestFunction issues the command, typically via the transport
// collaborator. It runs concurrently with event delivery, so a predicate
// that closes over state the request fills in (e.g. an id from the direct
// response) must return false until that state is set.
type RequestFunction func(ctx context.Context) error

type CorrelateSettings struct {
	Timeout time.Duration
}

func DefaultCorrelateSettings() *CorrelateSettings {
	return &CorrelateSettings{
		Timeout: 120 * time.Second,
	}
}

func Correlate(ctx context.Context, bus *NotificationBus, request RequestFunction, match MatchFunction) (Notification, error) {
	return CorrelateWithSettings(ctx, bus, request, match, DefaultCorrelateSettings())
}

// CorrelateWithSettings issues a command whose real completion is a later,
// independently delivered event. It races, first to complete wins:
// - a bus event matching the predicate resolves with that event
// - the deadline rejects with ErrCorrelationTimeout
// - a failed initiating request rejects with RequestRejectedError,
//   even though a matching event might still arrive later
// - context cancellation rejects with ErrCorrelationCancelled
// The bus subscription is removed exactly once on every path.
func CorrelateWithSettings(
	ctx context.Context,
	bus *NotificationBus,
	request RequestFunction,
	match MatchFunction,
	settings *CorrelateSettings,
) (Notification, error) {
	matched := make(chan Notification, 1)
	var matchOnce sync.Once
	unsub := bus.Subscribe(func(notification Notification) {
		if match(notification) {
			matchOnce.Do(func() {
				matched <- notification
			})
		}
	})
	defer unsub()

	requestErrs := make(chan error, 1)
	go func() {
		requestErrs <- request(ctx)
	}()

	timer := time.NewTimer(settings.Timeout)
	defer timer.Stop()

	for {
		select {
		case notification := <-matched:
			return notification, nil
		case err := <-requestErrs:
			if err != nil {
				return Notification{}, &RequestRejectedError{Err: err}
			}
			// the direct response settled ok. Keep waiting for the
			// follow-up event.
			requestErrs = nil
		case <-timer.C:
			return Notification{}, ErrCorrelationTimeout
		case <-ctx.Done():
			return Notification{}, ErrCorrelationCancelled
		}
	}
}
