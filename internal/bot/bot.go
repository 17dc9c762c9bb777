// Package bot is the conversational front end: it classifies inbound
// messages, extracts reminder drafts, and drives the escalation engine.
// It implements gateway.Handler so any transport can host it.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/gateway"
	"careline/internal/intent"
	"careline/internal/repo"
)

// Replier composes free-form answers for messages that are not commands.
// The Ollama client is the production implementation.
type Replier interface {
	Reply(ctx context.Context, userName, message string) (string, error)
}

type Bot struct {
	Engine *engine.Engine
	Parser intent.Parser
	Chat   Replier
	Now    func() time.Time
}

func New(eng *engine.Engine, parser intent.Parser, chat Replier) *Bot {
	return &Bot{Engine: eng, Parser: parser, Chat: chat, Now: time.Now}
}

func (b *Bot) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

const welcomeText = `Hi! I'm your care reminder assistant. 💙

Tell me things like:
• "remind me to take my blood pressure meds at 9am"
• "remind me to stretch in 30 minutes"

I'll follow up until you confirm, and you can always say
"show my reminders", "cancel the meds reminder", or tap the buttons.`

const clarifyText = `I couldn't quite work out the task and time. 🤔
Could you rephrase it? For example: "remind me to take aspirin at 18:30".`

// HandleMessage routes one inbound chat message and returns the reply.
func (b *Bot) HandleMessage(ctx context.Context, m gateway.Message) string {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return ""
	}
	switch {
	case text == "/start" || text == "/help":
		return welcomeText
	case text == "/list" || text == "/status":
		return b.status(ctx, m.ChatID)
	case text == "/done":
		return b.acknowledgeLatest(ctx, m.ChatID)
	}

	switch intent.Classify(text) {
	case intent.IntentCreate:
		return b.create(ctx, m, text)
	case intent.IntentCancel:
		return b.cancelByName(ctx, m.ChatID, text)
	case intent.IntentAcknowledge:
		return b.acknowledgeByText(ctx, m.ChatID, text)
	case intent.IntentEdit:
		return b.edit(ctx, m.ChatID, text)
	case intent.IntentStatus:
		return b.status(ctx, m.ChatID)
	case intent.IntentGreeting:
		return welcomeText
	default:
		return b.chat(ctx, m, text)
	}
}

func (b *Bot) create(ctx context.Context, m gateway.Message, text string) string {
	drafts, err := b.Parser.ExtractTasks(ctx, text, b.now())
	if errors.Is(err, intent.ErrParseFailure) {
		return clarifyText
	}
	if err != nil {
		log.Printf("careline: extract tasks: %v", err)
		return "I'm having trouble understanding right now, please try again in a moment."
	}
	if len(drafts) == 0 {
		return clarifyText
	}
	var lines []string
	for _, d := range drafts {
		task, err := b.Engine.CreateTask(ctx, engine.TaskCreateOptions{
			ChatID:      m.ChatID,
			Description: d.Description,
			Category:    d.Category,
			UrgencyTier: d.UrgencyTier,
			DueAt:       d.DueAt,
			ActorID:     actor(m.ChatID),
		})
		if errors.Is(err, engine.ErrInvalidSchedule) {
			lines = append(lines, fmt.Sprintf("⚠️ \"%s\" — that time is already in the past, try again with a future time.", d.Description))
			continue
		}
		if err != nil {
			log.Printf("careline: create task: %v", err)
			lines = append(lines, fmt.Sprintf("⚠️ \"%s\" — I couldn't save that one, please try again.", d.Description))
			continue
		}
		lines = append(lines, fmt.Sprintf("✅ \"%s\" scheduled for %s (%s).", task.Description, friendlyTime(task.DueAt), task.UrgencyTier))
	}
	return strings.Join(lines, "\n")
}

// cancelWords are stripped from a cancel message to leave the task name.
var cancelWords = []string{
	"cancel", "delete", "remove", "stop", "forget", "ignore", "skip",
	"reminding", "reminder", "reminders", "task", "the", "my", "me", "to", "please", "about",
}

func (b *Bot) cancelByName(ctx context.Context, chatID int64, text string) string {
	needle := stripWords(text, cancelWords)
	task, err := b.findTask(ctx, chatID, needle)
	if err != nil {
		return "I couldn't find an active reminder matching that. Say \"show my reminders\" to see what's pending."
	}
	if _, err := b.Engine.Cancel(ctx, task.ID, actor(chatID)); err != nil {
		log.Printf("careline: cancel %s: %v", task.ID, err)
		return "Something went wrong cancelling that, please try again."
	}
	return fmt.Sprintf("🗑️ Cancelled \"%s\". I won't remind you about it.", task.Description)
}

var ackWords = []string{
	"done", "did", "it", "all", "i", "i've", "just", "took", "taken", "finished", "completed",
	"with", "the", "my", "me",
}

func (b *Bot) acknowledgeByText(ctx context.Context, chatID int64, text string) string {
	needle := stripWords(text, ackWords)
	if needle == "" {
		return b.acknowledgeLatest(ctx, chatID)
	}
	task, err := b.findTask(ctx, chatID, needle)
	if err != nil {
		return b.acknowledgeLatest(ctx, chatID)
	}
	return b.acknowledge(ctx, task)
}

// acknowledgeLatest confirms the task currently being reminded about, or the
// soonest-due one when nothing has fired yet.
func (b *Bot) acknowledgeLatest(ctx context.Context, chatID int64) string {
	tasks, err := b.Engine.Repo.ListPending(ctx, chatID)
	if err != nil || len(tasks) == 0 {
		return "Nothing is pending right now. 🎉"
	}
	pick := tasks[0]
	for _, t := range tasks {
		if t.State != domain.StateScheduled {
			pick = t
			break
		}
	}
	return b.acknowledge(ctx, pick)
}

func (b *Bot) acknowledge(ctx context.Context, task domain.Task) string {
	if _, err := b.Engine.Acknowledge(ctx, task.ID, actor(task.ChatID)); err != nil {
		log.Printf("careline: acknowledge %s: %v", task.ID, err)
		return "I couldn't confirm that task, it may already be closed."
	}
	return fmt.Sprintf("Great job! ✅ \"%s\" is done.", task.Description)
}

// editSeps split an edit request into target and new value; both are four
// bytes so the value offset below works for either.
var editSeps = []string{" to ", " at "}

// edit handles "change the time of X to Y" and "rename X to Y".
func (b *Bot) edit(ctx context.Context, chatID int64, text string) string {
	lowered := strings.ToLower(text)
	isRename := strings.Contains(lowered, "rename") || strings.Contains(lowered, "name of")

	// Everything after the last " to " is the new value.
	idx := -1
	for _, sep := range editSeps {
		if i := strings.LastIndex(lowered, sep); i > idx {
			idx = i
		}
	}
	if idx < 0 {
		return "Tell me what to change, like: \"change the time of aspirin to 18:30\"."
	}
	target := stripWords(lowered[:idx], []string{
		"edit", "change", "modify", "update", "rename", "time", "name", "of", "the", "my", "reminder", "task",
	})
	newValue := strings.TrimSpace(text[idx+len(" to "):])
	if target == "" || newValue == "" {
		return "Tell me what to change, like: \"change the time of aspirin to 18:30\"."
	}
	task, err := b.findTask(ctx, chatID, target)
	if err != nil {
		return "I couldn't find an active reminder matching that."
	}
	if isRename {
		if _, err := b.Engine.Rename(ctx, task.ID, newValue, actor(chatID)); err != nil {
			log.Printf("careline: rename %s: %v", task.ID, err)
			return "I couldn't rename that task, please try again."
		}
		return fmt.Sprintf("📝 Renamed to \"%s\".", newValue)
	}
	due, err := intent.ParseTime(b.now(), newValue)
	if err != nil {
		return fmt.Sprintf("I didn't understand the time %q. Try \"18:30\" or \"in 20 minutes\".", newValue)
	}
	moved, err := b.Engine.Reschedule(ctx, task.ID, due, actor(chatID))
	if errors.Is(err, engine.ErrInvalidSchedule) {
		return "That time is already in the past, pick a future one."
	}
	if err != nil {
		log.Printf("careline: reschedule %s: %v", task.ID, err)
		return "I couldn't move that reminder, please try again."
	}
	return fmt.Sprintf("🕐 \"%s\" moved to %s.", moved.Description, friendlyTime(moved.DueAt))
}

func (b *Bot) status(ctx context.Context, chatID int64) string {
	tasks, err := b.Engine.Repo.ListPending(ctx, chatID)
	if err != nil {
		log.Printf("careline: list pending: %v", err)
		return "I couldn't load your reminders right now, please try again."
	}
	if len(tasks) == 0 {
		return "You have no pending reminders. 🎉"
	}
	lines := []string{"📋 Your reminders:"}
	for _, t := range tasks {
		line := fmt.Sprintf("• %s — %s (%s)", t.Description, friendlyTime(t.DueAt), t.UrgencyTier)
		if t.State != domain.StateScheduled {
			line += " ⏳ waiting for your confirmation"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) chat(ctx context.Context, m gateway.Message, text string) string {
	if b.Chat == nil {
		return "I'm best at reminders! Try \"remind me to take my meds at 9am\"."
	}
	name := m.FirstName
	if name == "" {
		name = "there"
	}
	reply, err := b.Chat.Reply(ctx, name, text)
	if err != nil || reply == "" {
		log.Printf("careline: chat reply: %v", err)
		return "I'm best at reminders! Try \"remind me to take my meds at 9am\"."
	}
	return reply
}

// HandleCallback reacts to a reminder button press.
func (b *Bot) HandleCallback(ctx context.Context, cb gateway.Callback) string {
	action, taskID, minutes, err := gateway.DecodeAction(cb.Data)
	if err != nil {
		log.Printf("careline: callback: %v", err)
		return ""
	}
	switch action {
	case gateway.ActionAck:
		task, err := b.Engine.Acknowledge(ctx, taskID, actor(cb.ChatID))
		if errors.Is(err, engine.ErrUnknownTask) {
			return "That task is already closed."
		}
		if err != nil {
			log.Printf("careline: ack callback %s: %v", taskID, err)
			return "I couldn't confirm that, please try again."
		}
		return fmt.Sprintf("Great job! ✅ \"%s\" is done.", task.Description)
	case gateway.ActionSnooze:
		task, err := b.Engine.Snooze(ctx, taskID, time.Duration(minutes)*time.Minute, actor(cb.ChatID))
		if errors.Is(err, engine.ErrUnknownTask) {
			return "That task is already closed."
		}
		if err != nil {
			log.Printf("careline: snooze callback %s: %v", taskID, err)
			return "I couldn't snooze that, please try again."
		}
		return fmt.Sprintf("😴 Snoozed \"%s\" for %d minutes.", task.Description, minutes)
	case gateway.ActionCancel:
		task, err := b.Engine.Cancel(ctx, taskID, actor(cb.ChatID))
		if errors.Is(err, engine.ErrUnknownTask) {
			return "That task is already closed."
		}
		if err != nil {
			log.Printf("careline: cancel callback %s: %v", taskID, err)
			return "I couldn't cancel that, please try again."
		}
		return fmt.Sprintf("🗑️ Cancelled \"%s\".", task.Description)
	}
	return ""
}

func (b *Bot) findTask(ctx context.Context, chatID int64, needle string) (domain.Task, error) {
	task, err := b.Engine.Repo.FindActiveByDescription(ctx, chatID, needle)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}
	return task, err
}

func actor(chatID int64) string {
	return fmt.Sprintf("user:%d", chatID)
}

// stripWords removes filler words so the remaining text can match a task
// description.
func stripWords(text string, words []string) string {
	drop := make(map[string]bool, len(words))
	for _, w := range words {
		drop[w] = true
	}
	var kept []string
	for _, field := range strings.Fields(strings.ToLower(text)) {
		field = strings.Trim(field, ".,!?\"'")
		if field == "" || drop[field] {
			continue
		}
		kept = append(kept, field)
	}
	return strings.Join(kept, " ")
}

func friendlyTime(rfc string) string {
	t, err := time.Parse(time.RFC3339, rfc)
	if err != nil {
		return rfc
	}
	return t.Format("Mon 15:04")
}
