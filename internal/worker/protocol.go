// Package worker runs generation calls in a background executor reached
// only through message ports, the way a page delegates to a service worker.
package worker

import "encoding/json"

// MessageType is the kind of a protocol message.
type MessageType string

const (
	// TypeStart asks the executor to run a generation (page -> executor).
	TypeStart MessageType = "start"
	// TypeAbort asks the executor to cancel a generation (page -> executor).
	TypeAbort MessageType = "abort"
	// TypeChunk carries one raw response chunk (executor -> page).
	TypeChunk MessageType = "chunk"
	// TypeComplete ends a successful generation (executor -> page).
	TypeComplete MessageType = "complete"
	// TypeError ends a failed generation (executor -> page).
	TypeError MessageType = "error"
)

// Message is the envelope exchanged over a Port. ID is the correlation id
// of the generation; Payload depends on Type:
//
//	start    domain.GenerationRequest
//	chunk    the backend response chunk, verbatim
//	error    domain.APIError
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client receives executor output for one page.
type Client interface {
	PostMessage(msg Message) error
}
