package waitnotify

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Callback is a durable reference to a handler registered at process start.
// Only the type name and the payload are persisted.
type Callback struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WaitStatus is the state of a wait instance.
type WaitStatus string

const (
	WaitStatusWaiting WaitStatus = "WAITING"
	WaitStatusDone    WaitStatus = "DONE"
)

// WaitInstance waits for a terminal response on every correlation id.
type WaitInstance struct {
	ID               string     `json:"id"`
	CorrelationIDs   []string   `json:"correlation_ids"`
	Callback         Callback   `json:"callback"`
	ProgressCallback *Callback  `json:"progress_callback,omitempty"`
	Status           WaitStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	DoneAt           *time.Time `json:"done_at,omitempty"`
}

// NotifyResponse is the single terminal response of a correlation id.
type NotifyResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         bool            `json:"error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Response is one entry of the map handed to callbacks.
type Response struct {
	Data  json.RawMessage
	Error bool
}

// Store persists wait instances and notify responses.
type Store interface {
	// CreateWaitInstance stores a new instance in WAITING.
	CreateWaitInstance(ctx context.Context, wi *WaitInstance) error

	// GetWaitInstance returns the instance or a NOT_FOUND error.
	GetWaitInstance(ctx context.Context, id string) (*WaitInstance, error)

	// ListWaitInstances returns the instances waiting on correlationID.
	ListWaitInstances(ctx context.Context, correlationID string) ([]*WaitInstance, error)

	// ListWaitingInstances returns up to limit instances still in WAITING.
	ListWaitingInstances(ctx context.Context, limit int) ([]*WaitInstance, error)

	// ClaimWaitInstance moves the instance WAITING->DONE and reports whether
	// this caller won the claim.
	ClaimWaitInstance(ctx context.Context, id string, at time.Time) (bool, error)

	// ReleaseWaitInstance moves a claimed instance back to WAITING.
	ReleaseWaitInstance(ctx context.Context, id string) error

	// SaveNotifyResponse inserts the response unless one already exists for
	// its correlation id and reports whether it was inserted.
	SaveNotifyResponse(ctx context.Context, resp *NotifyResponse) (bool, error)

	// GetNotifyResponses returns the stored responses of the given ids.
	GetNotifyResponses(ctx context.Context, correlationIDs []string) (map[string]*NotifyResponse, error)
}

// CallbackHandler receives the terminal delivery of a wait instance.
type CallbackHandler interface {
	// OnResume is called when every correlation id succeeded.
	OnResume(ctx context.Context, payload json.RawMessage, responses map[string]Response) error

	// OnError is called when any correlation id reported an error.
	OnError(ctx context.Context, payload json.RawMessage, responses map[string]Response) error
}

// ProgressHandler receives progress updates of a waiting instance.
type ProgressHandler interface {
	OnProgress(ctx context.Context, payload json.RawMessage, correlationID string, data json.RawMessage) error
}

// ProgressHandlerFunc adapts a function to ProgressHandler.
type ProgressHandlerFunc func(ctx context.Context, payload json.RawMessage, correlationID string, data json.RawMessage) error

// OnProgress calls f.
func (f ProgressHandlerFunc) OnProgress(ctx context.Context, payload json.RawMessage, correlationID string, data json.RawMessage) error {
	return f(ctx, payload, correlationID, data)
}

// NewCorrelationID returns a new time ordered correlation id.
func NewCorrelationID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
