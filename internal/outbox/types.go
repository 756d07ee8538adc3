package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	// StatusAbandoned records have used up their retry budget. They stay in
	// the store for inspection and are skipped by sweeps.
	StatusAbandoned Status = "abandoned"
)

// Submission is one form write that must eventually reach its target.
type Submission struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	TargetURL  string          `json:"target_url"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	RetryCount int             `json:"retry_count"`
	Status     Status          `json:"status"`
	LastError  string          `json:"last_error,omitempty"`
}

type ErrorKind int

const (
	NetworkError ErrorKind = iota
	ServerError
	MalformedRequest
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkError:
		return "network"
	case ServerError:
		return "server"
	case MalformedRequest:
		return "malformed-request"
	}
	return "unknown"
}

// DeliveryError describes why a delivery attempt failed. Status is set for
// ServerError only.
type DeliveryError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Kind == ServerError:
		return fmt.Sprintf("delivery failed: server responded %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("delivery failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("delivery failed (%s)", e.Kind)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrDeliveryExhausted is returned by Deliver when the attempt used up the
// record's last retry.
var ErrDeliveryExhausted = errors.New("delivery retries exhausted")

type SweepResult struct {
	Attempted int
	Delivered int
	Failed    int
	Abandoned int
	Skipped   int
}
