// Package events holds the contracts exchanged between the booking and
// scheduling services over the bus.
//
// Every message travels inside an Envelope that names its type and schema
// version. Payload structs only ever gain optional fields, and decoding
// ignores fields it does not know, so older consumers keep working when a
// producer is upgraded first.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 1

var (
	ErrUnknownType     = errors.New("unknown event type")
	ErrTypeMismatch    = errors.New("event type mismatch")
	ErrUnsupportedVers = errors.New("unsupported event version")
	ErrMalformed       = errors.New("malformed event")
)

// Message is implemented by every payload that can be put on the bus.
type Message interface {
	Topic() string
}

type Envelope struct {
	ID            uuid.UUID       `json:"event_id"`
	Type          string          `json:"event_type"`
	Version       int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Encode wraps m into a fresh envelope and returns its id and wire bytes.
func Encode(m Message, producer string) (uuid.UUID, []byte, error) {
	const op = "events.Encode"

	id := uuid.New()

	payload, err := json.Marshal(m)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("%s:%w", op, err)
	}

	b, err := json.Marshal(Envelope{
		ID:         id,
		Type:       m.Topic(),
		Version:    CurrentVersion,
		OccurredAt: time.Now().UTC(),
		Producer:   producer,
		Payload:    payload,
	})
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("%s:%w", op, err)
	}

	return id, b, nil
}

// Open parses the envelope without touching the payload.
func Open(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing event_type", ErrMalformed)
	}

	// Producers that predate versioning omit the field entirely.
	if env.Version == 0 {
		env.Version = 1
	}

	if env.Version > CurrentVersion {
		return Envelope{}, fmt.Errorf("%w: %s v%d", ErrUnsupportedVers, env.Type, env.Version)
	}

	return env, nil
}

// Decode opens body and unmarshals its payload into T, checking that the
// envelope carries T's topic.
func Decode[T Message](body []byte) (Envelope, T, error) {
	var out T

	env, err := Open(body)
	if err != nil {
		return Envelope{}, out, err
	}

	if env.Type != out.Topic() {
		return env, out, fmt.Errorf("%w: got %q want %q", ErrTypeMismatch, env.Type, out.Topic())
	}

	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return env, out, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}

	return env, out, nil
}

// IsMalformed reports whether err means the message can never be decoded
// and should not be redelivered.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrUnsupportedVers) ||
		errors.Is(err, ErrUnknownType)
}
