package turn

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single user-originated input as seen by the router.
// Immutable after creation; owned by whichever structure accepts it
// (steer backlog or followup queue) until consumed.
type Message struct {
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

// NewMessage stamps content with the submission time and a fresh
// correlation ID. Callers that already track their own correlation ID
// should construct Message directly.
func NewMessage(content string) Message {
	return Message{
		Content:       content,
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
	}
}
