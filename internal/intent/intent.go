// Package intent turns free-form chat messages into bot actions. A regex
// classifier routes each message to an intent; task details are then
// extracted by a Parser, with the local LLM as the production backend.
package intent

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Intent labels what a message is asking for.
type Intent string

const (
	IntentCreate      Intent = "create"
	IntentAcknowledge Intent = "acknowledge"
	IntentCancel      Intent = "cancel"
	IntentEdit        Intent = "edit"
	IntentStatus      Intent = "status"
	IntentGreeting    Intent = "greeting"
	IntentChat        Intent = "chat"
)

// ErrParseFailure means the message looked like a request but no usable
// task details could be extracted. The bot answers with a clarification
// prompt instead of failing the conversation.
var ErrParseFailure = errors.New("could not understand the request")

// TaskDraft is one reminder extracted from a message.
type TaskDraft struct {
	Description string
	RawTime     string
	DueAt       time.Time
	Category    string
	UrgencyTier string
}

// Parser extracts reminder drafts from natural language.
type Parser interface {
	ExtractTasks(ctx context.Context, text string, now time.Time) ([]TaskDraft, error)
}

var (
	cancelPatterns = compileAll(
		`\b(cancel|delete|remove|stop)\b.*\b(reminder|task|alarm)\b`,
		`\b(cancel|delete|remove|stop)\b.*\b(take|taking|do|doing)\b`,
		`\b(don't|dont|do not)\b.*\b(remind|need|want)\b`,
		`\b(forget|ignore|skip)\b.*\b(reminder|task|that)\b`,
		`\b(cancel|delete|remove|clear)\b`,
		`\b(nevermind|never mind|no longer|not anymore)\b`,
	)
	editPatterns = compileAll(
		`\b(edit|change|modify|update)\b.*\btime\b.*\bof\b`,
		`\b(edit|change|modify|update)\b.*\bname\b.*\bof\b`,
		`\brename\b`,
		`\b(edit|change|modify)\b.*\breminder\b`,
	)
	ackPatterns = compileAll(
		`\b(done|did it|all done)\b`,
		`\b(i|just)\b.*\b(took|taken|finished|completed)\b`,
		`\btaken\b.*\b(meds|medication|medicine|pill|pills)\b`,
	)
	createPatterns = compileAll(
		`\b(remind me|set reminder|schedule\s+\S*\s*reminder)\b`,
		`\breminder\b.*\b(for|at|in)\b`,
		`\bremind\b.*\b(to|about)\b`,
		`\b(set|schedule)\b.*\btask\b`,
		`\b(alert|notify)\b.*\bme\b.*\b(at|in|for)\b`,
		`\b(remember to|don't forget|dont forget)\b`,
		`\b(wake|call)\b.*\bme\b.*\b(at|in)\b`,
	)
	statusPatterns = compileAll(
		`\b(show|list|what|view|see|check)\b.*\b(tasks?|reminders?|schedule|upcoming)\b`,
		`\bmy\b.*\b(tasks?|reminders?)\b`,
		`\b(pending|scheduled|upcoming|active)\b.*\b(tasks?|reminders?)\b`,
	)
	greetingPatterns = compileAll(
		`^(hello|hi|hey|good morning|good afternoon|good evening|start|begin)\b`,
		`^(what's up|wassup|how are you|how's it going)\b`,
	)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Classify routes a message to an intent. Cancellation wins over creation so
// "stop reminding me to take aspirin" is not read as a new reminder.
func Classify(text string) Intent {
	text = strings.ToLower(strings.TrimSpace(text))
	switch {
	case matchAny(cancelPatterns, text):
		return IntentCancel
	case matchAny(editPatterns, text):
		return IntentEdit
	case matchAny(ackPatterns, text):
		return IntentAcknowledge
	case matchAny(createPatterns, text):
		return IntentCreate
	case matchAny(statusPatterns, text):
		return IntentStatus
	case matchAny(greetingPatterns, text):
		return IntentGreeting
	default:
		return IntentChat
	}
}
