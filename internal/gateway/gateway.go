// Package gateway is the conversation boundary: it delivers outbound
// reminders and surfaces inbound messages and button presses to a Handler.
// Telegram is the production transport; tests use in-memory fakes.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Message is an inbound chat message.
type Message struct {
	ChatID    int64
	UserID    int64
	FirstName string
	Text      string
}

// Callback is an inline-button press on a previously sent reminder.
type Callback struct {
	ID     string
	ChatID int64
	Data   string
}

// Handler consumes inbound traffic and returns the reply to send back.
// An empty reply sends nothing.
type Handler interface {
	HandleMessage(ctx context.Context, m Message) string
	HandleCallback(ctx context.Context, cb Callback) string
}

// Action names a button on a reminder message.
type Action string

const (
	ActionAck    Action = "ack"
	ActionSnooze Action = "snooze"
	ActionCancel Action = "cancel"
)

// EncodeAction packs a button action into callback data. Snooze carries its
// duration in minutes: "snooze:10:<task-id>".
func EncodeAction(a Action, taskID string, minutes int) string {
	if a == ActionSnooze {
		return fmt.Sprintf("%s:%d:%s", a, minutes, taskID)
	}
	return fmt.Sprintf("%s:%s", a, taskID)
}

// DecodeAction unpacks callback data produced by EncodeAction.
func DecodeAction(data string) (Action, string, int, error) {
	parts := strings.Split(data, ":")
	switch {
	case len(parts) == 2 && (parts[0] == string(ActionAck) || parts[0] == string(ActionCancel)):
		return Action(parts[0]), parts[1], 0, nil
	case len(parts) == 3 && parts[0] == string(ActionSnooze):
		minutes, err := strconv.Atoi(parts[1])
		if err != nil || minutes <= 0 {
			return "", "", 0, fmt.Errorf("bad snooze duration in %q", data)
		}
		return ActionSnooze, parts[2], minutes, nil
	default:
		return "", "", 0, fmt.Errorf("unrecognized callback data %q", data)
	}
}
