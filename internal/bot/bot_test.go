package bot_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"careline/internal/bot"
	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/gateway"
	"careline/internal/intent"
	"careline/internal/migrate"
)

type noopSender struct{}

func (noopSender) SendReminder(ctx context.Context, chatID int64, text, taskID string) error {
	return nil
}

type fakeParser struct {
	drafts []intent.TaskDraft
	err    error
}

func (f *fakeParser) ExtractTasks(ctx context.Context, text string, now time.Time) ([]intent.TaskDraft, error) {
	return f.drafts, f.err
}

type fakeReplier struct{ reply string }

func (f *fakeReplier) Reply(ctx context.Context, userName, message string) (string, error) {
	return f.reply, nil
}

type testEnv struct {
	Bot    *bot.Bot
	Engine *engine.Engine
	Parser *fakeParser
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Parser: &fakeParser{},
		Ctx:    context.Background(),
		now:    time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
	}
	env.Engine = engine.New(conn, config.Default(), noopSender{})
	env.Engine.Now = func() time.Time { return env.now }
	env.Engine.Events.Now = env.Engine.Now
	t.Cleanup(env.Engine.Close)
	env.Bot = bot.New(env.Engine, env.Parser, &fakeReplier{reply: "happy to help!"})
	env.Bot.Now = env.Engine.Now
	return env
}

func (env *testEnv) message(text string) gateway.Message {
	return gateway.Message{ChatID: 42, UserID: 42, FirstName: "Alex", Text: text}
}

func (env *testEnv) seedTask(t *testing.T, description string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ChatID:      42,
		Description: description,
		Category:    domain.CategoryMedication,
		UrgencyTier: domain.TierGeneral,
		DueAt:       env.now.Add(time.Hour),
		ActorID:     "user:42",
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func TestCreateFromMessage(t *testing.T) {
	env := newTestEnv(t)
	env.Parser.drafts = []intent.TaskDraft{{
		Description: "take aspirin",
		RawTime:     "9pm",
		DueAt:       env.now.Add(12 * time.Hour),
		Category:    domain.CategoryMedication,
		UrgencyTier: domain.TierGeneral,
	}}
	reply := env.Bot.HandleMessage(env.Ctx, env.message("remind me to take aspirin at 9pm"))
	if !strings.Contains(reply, "take aspirin") || !strings.Contains(reply, "scheduled") {
		t.Fatalf("reply = %q", reply)
	}
	tasks, err := env.Engine.Repo.ListPending(env.Ctx, 42)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Description != "take aspirin" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestCreateAsksForClarification(t *testing.T) {
	env := newTestEnv(t)
	env.Parser.err = intent.ErrParseFailure
	reply := env.Bot.HandleMessage(env.Ctx, env.message("remind me about the thing sometime"))
	if !strings.Contains(reply, "rephrase") {
		t.Fatalf("reply = %q, want clarification prompt", reply)
	}
	tasks, _ := env.Engine.Repo.ListPending(env.Ctx, 42)
	if len(tasks) != 0 {
		t.Fatalf("no task should be created on parse failure")
	}
}

func TestCreateRejectsPastTime(t *testing.T) {
	env := newTestEnv(t)
	env.Parser.drafts = []intent.TaskDraft{{
		Description: "take aspirin",
		DueAt:       env.now.Add(-2 * time.Hour),
	}}
	reply := env.Bot.HandleMessage(env.Ctx, env.message("remind me to take aspirin at 7am"))
	if !strings.Contains(reply, "past") {
		t.Fatalf("reply = %q, want past-time warning", reply)
	}
}

func TestCancelByName(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, "take aspirin")
	reply := env.Bot.HandleMessage(env.Ctx, env.message("cancel the aspirin reminder"))
	if !strings.Contains(reply, "Cancelled") {
		t.Fatalf("reply = %q", reply)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
}

func TestCancelUnknownName(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "take aspirin")
	reply := env.Bot.HandleMessage(env.Ctx, env.message("cancel the insulin reminder"))
	if !strings.Contains(reply, "couldn't find") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestAcknowledgeByText(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, "take aspirin")
	reply := env.Bot.HandleMessage(env.Ctx, env.message("done, I took the aspirin"))
	if !strings.Contains(reply, "done") {
		t.Fatalf("reply = %q", reply)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.State != domain.StateAcknowledged {
		t.Fatalf("state = %s, want acknowledged", got.State)
	}
}

func TestDoneCommandPrefersReminded(t *testing.T) {
	env := newTestEnv(t)
	first := env.seedTask(t, "morning meds")
	second := env.seedTask(t, "evening meds")
	// the second task has already been reminded about
	if err := env.Engine.Fire(env.Ctx, second.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	env.Bot.HandleMessage(env.Ctx, env.message("/done"))
	got, _ := env.Engine.Repo.GetTask(env.Ctx, second.ID)
	if got.State != domain.StateAcknowledged {
		t.Fatalf("reminded task state = %s, want acknowledged", got.State)
	}
	untouched, _ := env.Engine.Repo.GetTask(env.Ctx, first.ID)
	if untouched.State != domain.StateScheduled {
		t.Fatalf("other task state = %s, want scheduled", untouched.State)
	}
}

func TestStatusListsPending(t *testing.T) {
	env := newTestEnv(t)
	if reply := env.Bot.HandleMessage(env.Ctx, env.message("/status")); !strings.Contains(reply, "no pending") {
		t.Fatalf("reply = %q", reply)
	}
	env.seedTask(t, "take aspirin")
	reply := env.Bot.HandleMessage(env.Ctx, env.message("show my reminders"))
	if !strings.Contains(reply, "take aspirin") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestEditTime(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, "take aspirin")
	reply := env.Bot.HandleMessage(env.Ctx, env.message("change the time of aspirin to 18:30"))
	if !strings.Contains(reply, "moved") {
		t.Fatalf("reply = %q", reply)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	want := time.Date(2026, 1, 2, 18, 30, 0, 0, time.UTC).Format(time.RFC3339)
	if got.DueAt != want {
		t.Fatalf("due_at = %s, want %s", got.DueAt, want)
	}
}

func TestRename(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, "take aspirin")
	reply := env.Bot.HandleMessage(env.Ctx, env.message("rename aspirin to take ibuprofen"))
	if !strings.Contains(reply, "Renamed") {
		t.Fatalf("reply = %q", reply)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Description != "take ibuprofen" {
		t.Fatalf("description = %q", got.Description)
	}
}

func TestChatFallback(t *testing.T) {
	env := newTestEnv(t)
	reply := env.Bot.HandleMessage(env.Ctx, env.message("how does ibuprofen work?"))
	if reply != "happy to help!" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestCallbackAcknowledge(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, "take aspirin")
	reply := env.Bot.HandleCallback(env.Ctx, gateway.Callback{
		ID:     "cb1",
		ChatID: 42,
		Data:   gateway.EncodeAction(gateway.ActionAck, task.ID, 0),
	})
	if !strings.Contains(reply, "done") {
		t.Fatalf("reply = %q", reply)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.State != domain.StateAcknowledged {
		t.Fatalf("state = %s", got.State)
	}
}

func TestCallbackSnooze(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, "take aspirin")
	reply := env.Bot.HandleCallback(env.Ctx, gateway.Callback{
		ID:     "cb1",
		ChatID: 42,
		Data:   gateway.EncodeAction(gateway.ActionSnooze, task.ID, 10),
	})
	if !strings.Contains(reply, "Snoozed") {
		t.Fatalf("reply = %q", reply)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	want := env.now.Add(10 * time.Minute).Format(time.RFC3339)
	if got.DueAt != want {
		t.Fatalf("due_at = %s, want %s", got.DueAt, want)
	}
}

func TestCallbackOnClosedTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, "take aspirin")
	if _, err := env.Engine.Cancel(env.Ctx, task.ID, "user:42"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	reply := env.Bot.HandleCallback(env.Ctx, gateway.Callback{
		ID:     "cb1",
		ChatID: 42,
		Data:   gateway.EncodeAction(gateway.ActionAck, task.ID, 0),
	})
	if !strings.Contains(reply, "already closed") {
		t.Fatalf("reply = %q", reply)
	}
}
