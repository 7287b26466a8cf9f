// Package stream serializes concurrently emitted agent events into a single
// ordered outbound stream, and manages the WebSocket connections that
// subscribe to it.
package stream

import (
	"time"

	"github.com/maestro-ai/maestro/pkg/state"
)

// Outbound event types. Every payload carries its type as a discriminator.
const (
	EventTypeExecutionPlan = "execution_plan"
	EventTypeProgress      = "progress"
	EventTypeAgentUpdate   = "agent_update"
	EventTypeComplete      = "complete"
	EventTypeError         = "error"
)

// Agent update statuses.
const (
	UpdateProcessing = "processing"
	UpdateCompleted  = "completed"
)

// ExecutionPlanPayload announces the plan the supervisor produced.
type ExecutionPlanPayload struct {
	Type       string   `json:"type"` // always EventTypeExecutionPlan
	Agents     []string `json:"agents"`
	TotalSteps int      `json:"total_steps"`
	Reason     string   `json:"reason,omitempty"`
	Timestamp  string   `json:"timestamp"` // RFC3339Nano
}

// ProgressPayload marks the run entering a node.
type ProgressPayload struct {
	Type          string   `json:"type"` // always EventTypeProgress
	Node          string   `json:"node"`
	CurrentStep   int      `json:"current_step"`
	TotalSteps    int      `json:"total_steps"`
	ExecutionPlan []string `json:"execution_plan"`
	Timestamp     string   `json:"timestamp"` // RFC3339Nano
}

// AgentUpdatePayload carries one agent's progress toward its result.
type AgentUpdatePayload struct {
	Type            string         `json:"type"` // always EventTypeAgentUpdate
	Agent           string         `json:"agent"`
	Message         string         `json:"message"`
	Data            map[string]any `json:"data,omitempty"`
	ProgressPercent int            `json:"progress"`
	Status          string         `json:"status"`    // processing, completed
	Timestamp       string         `json:"timestamp"` // RFC3339Nano
}

// CompletePayload is the terminal event of a successful run.
type CompletePayload struct {
	Type      string                  `json:"type"` // always EventTypeComplete
	ThreadID  string                  `json:"thread_id"`
	Results   map[string]state.Result `json:"results"`
	Timestamp string                  `json:"timestamp"` // RFC3339Nano
}

// ErrorPayload surfaces a kernel- or agent-scoped error to the subscriber.
type ErrorPayload struct {
	Type      string `json:"type"` // always EventTypeError
	Agent     string `json:"agent,omitempty"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// Event is one queued outbound event: the discriminator plus the payload that
// will be marshaled as-is.
type Event struct {
	Type    string
	Payload any
}

// Timestamp formats t the way every outbound payload expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewAgentUpdate builds an agent_update event.
func NewAgentUpdate(agent, message, status string, percent int, data map[string]any) Event {
	return Event{
		Type: EventTypeAgentUpdate,
		Payload: AgentUpdatePayload{
			Type:            EventTypeAgentUpdate,
			Agent:           agent,
			Message:         message,
			Data:            data,
			ProgressPercent: percent,
			Status:          status,
			Timestamp:       Timestamp(time.Now()),
		},
	}
}

// NewError builds an error event.
func NewError(agent, message, kind string) Event {
	return Event{
		Type: EventTypeError,
		Payload: ErrorPayload{
			Type:      EventTypeError,
			Agent:     agent,
			Message:   message,
			Kind:      kind,
			Timestamp: Timestamp(time.Now()),
		},
	}
}
