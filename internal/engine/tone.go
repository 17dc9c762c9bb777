package engine

import (
	"fmt"

	"careline/internal/domain"
)

// Compose renders the reminder text for a delivery attempt. count is the
// number of reminders already sent for the task, so 0 composes the initial
// notification and higher counts compose follow-ups with a firmer tone.
func Compose(tier string, count int, description string) string {
	if count == 0 {
		switch tier {
		case domain.TierRelaxed:
			return fmt.Sprintf("Gentle reminder: %s. No rush, whenever you're ready.", description)
		case domain.TierUrgent:
			return fmt.Sprintf("⚠️ It's time: %s. Please do this now.", description)
		default:
			return fmt.Sprintf("⏰ Reminder: %s", description)
		}
	}
	switch tier {
	case domain.TierRelaxed:
		return fmt.Sprintf("Just checking in — \"%s\" is still waiting. Tap Done when you get to it.", description)
	case domain.TierUrgent:
		if count >= 2 {
			return fmt.Sprintf("🚨 URGENT — \"%s\" is still not done. This needs your attention right away.", description)
		}
		return fmt.Sprintf("⚠️ Still pending: %s. Please confirm as soon as you've done it.", description)
	default:
		if count >= 2 {
			return fmt.Sprintf("❗ Follow-up %d: \"%s\" hasn't been confirmed yet.", count+1, description)
		}
		return fmt.Sprintf("⏰ Reminder (again): %s. Tap Done once it's handled.", description)
	}
}

// MissedNotice renders the message sent when a task exhausts its follow-ups.
func MissedNotice(description string) string {
	return fmt.Sprintf("I couldn't get a confirmation for \"%s\", so I've marked it as missed. You can always add it again.", description)
}
