package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/migrate"
)

type sentMsg struct {
	ChatID int64
	Text   string
	TaskID string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	fail error
}

func (f *fakeSender) SendReminder(ctx context.Context, chatID int64, text, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentMsg{ChatID: chatID, Text: text, TaskID: taskID})
	return nil
}

func (f *fakeSender) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeSender) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sent))
	copy(out, f.sent)
	return out
}

type testEnv struct {
	Engine *engine.Engine
	Sender *fakeSender
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Sender: &fakeSender{},
		Ctx:    context.Background(),
		now:    time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
	}
	env.Engine = engine.New(conn, config.Default(), env.Sender)
	env.Engine.Now = func() time.Time { return env.now }
	env.Engine.Events.Now = env.Engine.Now
	t.Cleanup(env.Engine.Close)
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) create(t *testing.T, tier string, due time.Time) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ChatID:      42,
		Description: "take blood pressure meds",
		Category:    domain.CategoryMedication,
		UrgencyTier: tier,
		DueAt:       due,
		ActorID:     "user:42",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateSchedulesTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, domain.TierGeneral, env.now.Add(time.Hour))
	if task.State != domain.StateScheduled {
		t.Fatalf("state = %s, want scheduled", task.State)
	}
	if task.EscalationCount != 0 {
		t.Fatalf("escalation count = %d, want 0", task.EscalationCount)
	}
	if !env.Engine.Timers().Armed(task.ID) {
		t.Fatalf("expected armed timer")
	}
	if len(env.Sender.messages()) != 0 {
		t.Fatalf("no message should be sent before due time")
	}
}

func TestCreateRejectsPastDue(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ChatID:      42,
		Description: "stretch",
		DueAt:       env.now.Add(-time.Hour),
		ActorID:     "user:42",
	})
	if !errors.Is(err, engine.ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
}

func TestCreateClampsDueWithinGrace(t *testing.T) {
	env := newTestEnv(t)
	// default grace tolerance is 30s; 10s in the past is accepted and
	// clamped to now so the reminder fires immediately.
	task := env.create(t, domain.TierGeneral, env.now.Add(-10*time.Second))
	if task.DueAt != env.now.Format(time.RFC3339) {
		t.Fatalf("due_at = %s, want clamped to %s", task.DueAt, env.now.Format(time.RFC3339))
	}
}

func TestFireWalksEscalationPath(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, domain.TierUrgent, env.now.Add(time.Hour))
	env.advance(time.Hour)

	// The fire that spends the last follow-up (max_escalations=3) closes
	// the task as missed; no fourth fire is needed.
	steps := []struct {
		state string
		count int
	}{
		{domain.StateNotified, 1},
		{domain.StateEscalating, 2},
		{domain.StateMissed, 3},
	}
	for i, step := range steps {
		if err := env.Engine.Fire(env.Ctx, task.ID); err != nil {
			t.Fatalf("fire %d: %v", i+1, err)
		}
		got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.State != step.state || got.EscalationCount != step.count {
			t.Fatalf("after fire %d: state=%s count=%d, want %s/%d", i+1, got.State, got.EscalationCount, step.state, step.count)
		}
		env.advance(2 * time.Minute)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.ClosedAt == nil {
		t.Fatalf("expected closed_at on missed task")
	}
	if env.Engine.Timers().Armed(task.ID) {
		t.Fatalf("no timer may stay armed once the task is missed")
	}
	msgs := env.Sender.messages()
	if len(msgs) != 4 {
		t.Fatalf("sent %d messages, want 3 reminders plus the missed notice", len(msgs))
	}
	if msgs[3].Text != engine.MissedNotice(task.Description) {
		t.Fatalf("last message = %q, want missed notice", msgs[3].Text)
	}

	// Firing a terminal task is a no-op.
	if err := env.Engine.Fire(env.Ctx, task.ID); err != nil {
		t.Fatalf("fire on missed: %v", err)
	}
	if len(env.Sender.messages()) != 4 {
		t.Fatalf("missed task must not receive further reminders")
	}
}

func TestReminderToneEscalates(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, domain.TierUrgent, env.now.Add(time.Hour))
	env.advance(time.Hour)
	for i := 0; i < 3; i++ {
		if err := env.Engine.Fire(env.Ctx, task.ID); err != nil {
			t.Fatalf("fire: %v", err)
		}
		env.advance(2 * time.Minute)
	}
	msgs := env.Sender.messages()
	for i, want := range []string{
		engine.Compose(domain.TierUrgent, 0, task.Description),
		engine.Compose(domain.TierUrgent, 1, task.Description),
		engine.Compose(domain.TierUrgent, 2, task.Description),
	} {
		if msgs[i].Text != want {
			t.Fatalf("message %d = %q, want %q", i, msgs[i].Text, want)
		}
	}
	if msgs[0].Text == msgs[2].Text {
		t.Fatalf("tone should harden across follow-ups")
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, domain.TierGeneral, env.now.Add(time.Hour))

	acked, err := env.Engine.Acknowledge(env.Ctx, task.ID, "user:42")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.State != domain.StateAcknowledged || acked.ClosedAt == nil {
		t.Fatalf("state = %s closed=%v, want acknowledged with closed_at", acked.State, acked.ClosedAt)
	}
	if env.Engine.Timers().Armed(task.ID) {
		t.Fatalf("timer must be cancelled on acknowledge")
	}

	again, err := env.Engine.Acknowledge(env.Ctx, task.ID, "user:42")
	if err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}
	if again.State != domain.StateAcknowledged || again.Version != acked.Version {
		t.Fatalf("second acknowledge must not mutate: state=%s version=%d", again.State, again.Version)
	}

	// No reminder goes out after acknowledgement even if a stale fire lands.
	if err := env.Engine.Fire(env.Ctx, task.ID); err != nil {
		t.Fatalf("fire after ack: %v", err)
	}
	if len(env.Sender.messages()) != 0 {
		t.Fatalf("acknowledged task must not receive reminders")
	}
}

func TestConcurrentFireAndAcknowledge(t *testing.T) {
	env := newTestEnv(t)
	// Race a due-timer fire against the user acknowledging. Whichever wins,
	// the task must end acknowledged with no timer left armed and no
	// reminder delivered afterwards.
	for i := 0; i < 8; i++ {
		task := env.create(t, domain.TierGeneral, env.now.Add(time.Hour))
		env.advance(time.Hour)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := env.Engine.Fire(env.Ctx, task.ID); err != nil {
				t.Errorf("fire: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := env.Engine.Acknowledge(env.Ctx, task.ID, "user:42"); err != nil {
				t.Errorf("acknowledge: %v", err)
			}
		}()
		wg.Wait()

		got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.State != domain.StateAcknowledged {
			t.Fatalf("state = %s, want acknowledged", got.State)
		}
		if env.Engine.Timers().Armed(task.ID) {
			t.Fatalf("no timer may stay armed after acknowledge")
		}
		before := len(env.Sender.messages())
		if err := env.Engine.Fire(env.Ctx, task.ID); err != nil {
			t.Fatalf("stale fire: %v", err)
		}
		if len(env.Sender.messages()) != before {
			t.Fatalf("reminder sent after acknowledge")
		}
	}
}

func TestAcknowledgeUnknownAndClosed(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Acknowledge(env.Ctx, "nope", "user:42"); !errors.Is(err, engine.ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
	task := env.create(t, domain.TierGeneral, env.now.Add(time.Hour))
	if _, err := env.Engine.Cancel(env.Ctx, task.ID, "user:42"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.Engine.Acknowledge(env.Ctx, task.ID, "user:42"); !errors.Is(err, engine.ErrUnknownTask) {
		t.Fatalf("acknowledging a cancelled task: err = %v, want ErrUnknownTask", err)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, domain.TierGeneral, env.now.Add(time.Minute))
	cancelled, err := env.Engine.Cancel(env.Ctx, task.ID, "user:42")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != domain.StateCancelled {
		t.Fatalf("state = %s, want cancelled", cancelled.State)
	}
	if env.Engine.Timers().Armed(task.ID) {
		t.Fatalf("timer must be cancelled")
	}
	// cancel again is a no-op
	if _, err := env.Engine.Cancel(env.Ctx, task.ID, "user:42"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := env.Engine.Fire(env.Ctx, task.ID); err != nil {
		t.Fatalf("fire after cancel: %v", err)
	}
	if len(env.Sender.messages()) != 0 {
		t.Fatalf("cancelled task must not receive reminders")
	}
}

func TestDeliveryFailureRetriesSameReminder(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, domain.TierGeneral, env.now.Add(time.Hour))
	env.advance(time.Hour)

	env.Sender.setFail(errors.New("telegram down"))
	if err := env.Engine.Fire(env.Ctx, task.ID); err == nil {
		t.Fatalf("expected delivery error")
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != domain.StateScheduled || got.EscalationCount != 0 {
		t.Fatalf("failed delivery must not advance state: state=%s count=%d", got.State, got.EscalationCount)
	}
	if !env.Engine.Timers().Armed(task.ID) {
		t.Fatalf("failed delivery must re-arm the timer")
	}

	env.Sender.setFail(nil)
	env.advance(5 * time.Minute)
	if err := env.Engine.Fire(env.Ctx, task.ID); err != nil {
		t.Fatalf("retry fire: %v", err)
	}
	msgs := env.Sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if want := engine.Compose(domain.TierGeneral, 0, task.Description); msgs[0].Text != want {
		t.Fatalf("retry must resend the initial reminder, got %q", msgs[0].Text)
	}
}

func TestSnoozeResetsFollowUps(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, domain.TierGeneral, env.now.Add(time.Hour))
	env.advance(time.Hour)
	if err := env.Engine.Fire(env.Ctx, task.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	snoozed, err := env.Engine.Snooze(env.Ctx, task.ID, 10*time.Minute, "user:42")
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if snoozed.EscalationCount != 0 {
		t.Fatalf("snooze must reset escalation count, got %d", snoozed.EscalationCount)
	}
	if want := env.now.Add(10 * time.Minute).Format(time.RFC3339); snoozed.DueAt != want {
		t.Fatalf("due_at = %s, want %s", snoozed.DueAt, want)
	}
	if !env.Engine.Timers().Armed(task.ID) {
		t.Fatalf("snooze must re-arm the timer")
	}
}

func TestRescheduleValidatesDue(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, domain.TierRelaxed, env.now.Add(time.Hour))
	if _, err := env.Engine.Reschedule(env.Ctx, task.ID, env.now.Add(-time.Hour), "user:42"); !errors.Is(err, engine.ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
	moved, err := env.Engine.Reschedule(env.Ctx, task.ID, env.now.Add(2*time.Hour), "user:42")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if want := env.now.Add(2 * time.Hour).Format(time.RFC3339); moved.DueAt != want {
		t.Fatalf("due_at = %s, want %s", moved.DueAt, want)
	}
}

func TestRenameUpdatesDescription(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, domain.TierGeneral, env.now.Add(time.Hour))
	renamed, err := env.Engine.Rename(env.Ctx, task.ID, "take evening meds", "user:42")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Description != "take evening meds" {
		t.Fatalf("description = %q", renamed.Description)
	}
	if _, err := env.Engine.Rename(env.Ctx, "nope", "x", "user:42"); !errors.Is(err, engine.ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
}

func TestRecoverRearmsActiveTasks(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, domain.TierGeneral, env.now.Add(time.Hour))
	b := env.create(t, domain.TierUrgent, env.now.Add(30*time.Minute))
	done := env.create(t, domain.TierGeneral, env.now.Add(time.Hour))
	if _, err := env.Engine.Acknowledge(env.Ctx, done.ID, "user:42"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	// Simulate a restart: drop all timers and recover on a fresh engine
	// over the same database.
	env.Engine.Close()
	restarted := engine.New(env.Engine.DB, env.Engine.Config, env.Sender)
	restarted.Now = env.Engine.Now
	restarted.Events.Now = env.Engine.Now
	t.Cleanup(restarted.Close)

	n, err := restarted.Recover(env.Ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d tasks, want 2", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		if !restarted.Timers().Armed(id) {
			t.Fatalf("task %s not re-armed", id)
		}
	}
	if restarted.Timers().Armed(done.ID) {
		t.Fatalf("acknowledged task must not be re-armed")
	}
}

func TestRecoverPastDueFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, domain.TierGeneral, env.now.Add(time.Minute))
	env.Engine.Close()

	// The process was down past the due time.
	env.advance(20 * time.Minute)
	restarted := engine.New(env.Engine.DB, env.Engine.Config, env.Sender)
	restarted.Now = env.Engine.Now
	restarted.Events.Now = env.Engine.Now
	t.Cleanup(restarted.Close)
	if _, err := restarted.Recover(env.Ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := restarted.Repo.GetTask(env.Ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.State == domain.StateNotified {
			if got.EscalationCount != 1 {
				t.Fatalf("count = %d, want exactly 1 immediate fire", got.EscalationCount)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recovered past-due task never fired, state=%s", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
