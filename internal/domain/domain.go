package domain

// Task states. Terminal states are acknowledged, missed and cancelled.
const (
	StateScheduled    = "scheduled"
	StateNotified     = "notified"
	StateEscalating   = "escalating"
	StateAcknowledged = "acknowledged"
	StateMissed       = "missed"
	StateCancelled    = "cancelled"
)

// Urgency tiers controlling follow-up cadence and message tone.
const (
	TierRelaxed = "relaxed"
	TierGeneral = "general"
	TierUrgent  = "urgent"
)

// Task categories.
const (
	CategoryMedication  = "medication"
	CategoryExercise    = "exercise"
	CategoryAppointment = "appointment"
	CategoryOther       = "other"
)

type Task struct {
	ID              string  `json:"id"`
	ChatID          int64   `json:"chat_id"`
	Description     string  `json:"description"`
	Category        string  `json:"category" enum:"medication,exercise,appointment,other"`
	UrgencyTier     string  `json:"urgency_tier" enum:"relaxed,general,urgent"`
	State           string  `json:"state" enum:"scheduled,notified,escalating,acknowledged,missed,cancelled"`
	DueAt           string  `json:"due_at" format:"date-time"`
	EscalationCount int     `json:"escalation_count"`
	LastNotifiedAt  *string `json:"last_notified_at,omitempty" format:"date-time"`
	Version         int64   `json:"version"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	ClosedAt        *string `json:"closed_at,omitempty" format:"date-time"`
}

// Active reports whether the task still owns an armed timer.
func (t Task) Active() bool {
	switch t.State {
	case StateScheduled, StateNotified, StateEscalating:
		return true
	}
	return false
}

// Terminal reports whether no further transitions may occur.
func (t Task) Terminal() bool {
	return !t.Active()
}

// ValidTier reports whether tier names a known urgency tier.
func ValidTier(tier string) bool {
	switch tier {
	case TierRelaxed, TierGeneral, TierUrgent:
		return true
	}
	return false
}

// ValidCategory reports whether category names a known task category.
func ValidCategory(category string) bool {
	switch category {
	case CategoryMedication, CategoryExercise, CategoryAppointment, CategoryOther:
		return true
	}
	return false
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
