// Package bus defines the transport contract shared by the services:
// fire-and-forget publish, correlated request/response and at-least-once
// subscriptions. Implementations live in the rabbitmq and memory
// subpackages.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Request when no reply arrived in time.
	ErrTimeout = errors.New("bus: request timed out")
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus: closed")
	// ErrRemote is returned by Request when the responder failed.
	ErrRemote = errors.New("bus: responder failed")
)

type Message struct {
	ID          string
	Topic       string
	Body        []byte
	Timestamp   time.Time
	Redelivered bool
}

// Handler processes one delivery. A nil error acknowledges it. Errors wrapped
// with Permanent are dropped after logging; any other error causes
// redelivery, so handlers must be idempotent.
type Handler func(ctx context.Context, msg Message) error

// Responder answers a request with the reply body.
type Responder func(ctx context.Context, msg Message) ([]byte, error)

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type Requester interface {
	Request(ctx context.Context, topic string, body []byte, timeout time.Duration) ([]byte, error)
}

type Bus interface {
	Publisher
	Requester

	// Subscribe and Respond must be called before Run.
	Subscribe(topic string, h Handler) error
	Respond(topic string, r Responder) error

	// Run consumes subscriptions until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}
