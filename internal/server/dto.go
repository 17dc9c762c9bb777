package server

import (
	"careline/internal/domain"
)

// CreateTaskRequest is the POST /tasks body.
type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty" doc:"Optional client-chosen task ID"`
	ChatID      int64   `json:"chat_id" doc:"Chat that receives the reminders"`
	Description string  `json:"description" doc:"What to remind about"`
	Category    string  `json:"category,omitempty" enum:"medication,exercise,appointment,other"`
	UrgencyTier string  `json:"urgency_tier,omitempty" enum:"relaxed,general,urgent"`
	DueAt       string  `json:"due_at" format:"date-time" doc:"First reminder time, RFC 3339"`
}

// RescheduleTaskRequest is the PATCH /tasks/{id} body. Both fields are
// optional; at least one must be set.
type RescheduleTaskRequest struct {
	DueAt       *string `json:"due_at,omitempty" format:"date-time"`
	Description *string `json:"description,omitempty"`
}

// SnoozeTaskRequest is the POST /tasks/{id}/snooze body.
type SnoozeTaskRequest struct {
	Minutes int `json:"minutes" minimum:"1" doc:"How long to push the next reminder out"`
}

// TaskResponse mirrors domain.Task on the wire.
type TaskResponse struct {
	ID              string  `json:"id"`
	ChatID          int64   `json:"chat_id"`
	Description     string  `json:"description"`
	Category        string  `json:"category"`
	UrgencyTier     string  `json:"urgency_tier"`
	State           string  `json:"state"`
	DueAt           string  `json:"due_at" format:"date-time"`
	EscalationCount int     `json:"escalation_count"`
	LastNotifiedAt  *string `json:"last_notified_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	ClosedAt        *string `json:"closed_at,omitempty" format:"date-time"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		ChatID:          t.ChatID,
		Description:     t.Description,
		Category:        t.Category,
		UrgencyTier:     t.UrgencyTier,
		State:           t.State,
		DueAt:           t.DueAt,
		EscalationCount: t.EscalationCount,
		LastNotifiedAt:  t.LastNotifiedAt,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		ClosedAt:        t.ClosedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// EventResponse is one audit log entry.
type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

// CreateAPIKeyRequest registers a new API key.
type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// APIKeyResponse omits the hash; the plaintext key is only returned once,
// at creation.
type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty" doc:"Plaintext key; only present on creation"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
