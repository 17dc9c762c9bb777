// Package engine implements the escalation state machine around reminder
// tasks: it arms a single timer per active task, delivers reminders through
// the conversation gateway with a tone matching the task's urgency tier, and
// walks the task through scheduled -> notified -> escalating until it is
// acknowledged, cancelled, or missed.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/events"
	"careline/internal/repo"
	"careline/internal/schedule"
)

var (
	// ErrInvalidSchedule rejects due times further in the past than the
	// configured grace tolerance.
	ErrInvalidSchedule = errors.New("due time is in the past")
	// ErrUnknownTask covers missing IDs and operations on closed tasks.
	ErrUnknownTask = errors.New("unknown task")
)

// Sender delivers reminder messages to a chat. The Telegram gateway is the
// production implementation; tests plug in fakes.
type Sender interface {
	SendReminder(ctx context.Context, chatID int64, text, taskID string) error
}

const sendTimeout = 15 * time.Second

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Sender Sender
	Now    func() time.Time

	timers *schedule.Timers
	// Striped per-task locks serialize timer fires against user-initiated
	// mutations on the same task.
	locks [64]sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, sender Sender) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Sender: sender,
		Now:    time.Now,
	}
	e.timers = schedule.New(e.handleFire)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) lockFor(taskID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(taskID))
	return &e.locks[h.Sum32()%uint32(len(e.locks))]
}

// Timers exposes the registry for tests and recovery checks.
func (e *Engine) Timers() *schedule.Timers {
	return e.timers
}

// Close tears down all armed timers. Fires already dispatched may still
// complete.
func (e *Engine) Close() {
	e.timers.Stop()
}

// TaskCreateOptions are parameters for scheduling a reminder.
type TaskCreateOptions struct {
	ID          string
	ChatID      int64
	Description string
	Category    string
	UrgencyTier string
	DueAt       time.Time
	ActorID     string
}

// CreateTask validates and persists a new reminder, then arms its timer.
// A due time inside the grace tolerance window is clamped to now so the
// first reminder fires immediately instead of being rejected.
func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Description == "" {
		return domain.Task{}, errors.New("description is required")
	}
	if opts.ChatID == 0 {
		return domain.Task{}, errors.New("chat is required")
	}
	if opts.Category == "" {
		opts.Category = domain.CategoryOther
	}
	if !domain.ValidCategory(opts.Category) {
		return domain.Task{}, fmt.Errorf("unknown category %s", opts.Category)
	}
	if opts.UrgencyTier == "" {
		opts.UrgencyTier = domain.TierGeneral
	}
	if !domain.ValidTier(opts.UrgencyTier) {
		return domain.Task{}, fmt.Errorf("unknown urgency tier %s", opts.UrgencyTier)
	}
	now := e.now().UTC()
	due := opts.DueAt.UTC()
	if due.IsZero() {
		return domain.Task{}, fmt.Errorf("%w: due time is required", ErrInvalidSchedule)
	}
	if due.Before(now.Add(-e.Config.GraceTolerance())) {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrInvalidSchedule, due.Format(time.RFC3339))
	}
	if due.Before(now) {
		due = now
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	nowStr := now.Format(time.RFC3339)
	t := domain.Task{
		ID:          id,
		ChatID:      opts.ChatID,
		Description: opts.Description,
		Category:    opts.Category,
		UrgencyTier: opts.UrgencyTier,
		State:       domain.StateScheduled,
		DueAt:       due.Format(time.RFC3339),
		Version:     1,
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, "task", t.ID, opts.ActorID, events.EventPayload{
		"description": t.Description,
		"category":    t.Category,
		"tier":        t.UrgencyTier,
		"due_at":      t.DueAt,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.timers.ArmAt(t.ID, due, now)
	return t, nil
}

// handleFire is the timer callback.
func (e *Engine) handleFire(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := e.Fire(ctx, taskID); err != nil {
		log.Printf("careline: fire %s: %v", taskID, err)
	}
}

// Fire delivers the reminder for a task as if its timer elapsed. Firing is
// idempotent: a task that was acknowledged or cancelled between timer
// dispatch and lock acquisition is left untouched.
func (e *Engine) Fire(ctx context.Context, taskID string) error {
	mu := e.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()
	return e.fireLocked(ctx, taskID)
}

func (e *Engine) fireLocked(ctx context.Context, taskID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if t.Terminal() {
		return nil
	}
	if t.EscalationCount >= e.Config.MaxEscalations() {
		return e.markMissed(ctx, t)
	}
	text := Compose(t.UrgencyTier, t.EscalationCount, t.Description)
	if err := e.Sender.SendReminder(ctx, t.ChatID, text, t.ID); err != nil {
		// Delivery failure keeps state and count unchanged; the same
		// reminder retries at the next interval.
		if evErr := e.appendEvent(ctx, events.ReminderFailed, "task", t.ID, "system", events.EventPayload{"error": err.Error()}); evErr != nil {
			log.Printf("careline: record delivery failure for %s: %v", t.ID, evErr)
		}
		e.timers.Arm(t.ID, e.Config.Interval(t.UrgencyTier))
		return fmt.Errorf("deliver reminder: %w", err)
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	switch t.State {
	case domain.StateScheduled:
		t.State = domain.StateNotified
	case domain.StateNotified:
		t.State = domain.StateEscalating
	}
	t.EscalationCount++
	t.LastNotifiedAt = &nowStr
	t.UpdatedAt = nowStr
	// The fire that spends the last follow-up closes the task as missed in
	// the same transaction; no further timer is armed.
	spent := t.EscalationCount >= e.Config.MaxEscalations()
	if spent {
		t.State = domain.StateMissed
		t.ClosedAt = &nowStr
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err = e.Repo.UpdateTaskGuarded(ctx, tx, t)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ReminderSent, "task", t.ID, "system", events.EventPayload{
		"count": t.EscalationCount,
		"state": t.State,
	}); err != nil {
		return err
	}
	if spent {
		if err := e.Events.Append(ctx, tx, events.TaskMissed, "task", t.ID, "system", events.EventPayload{
			"count": t.EscalationCount,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if spent {
		e.timers.Cancel(t.ID)
		if err := e.Sender.SendReminder(ctx, t.ChatID, MissedNotice(t.Description), t.ID); err != nil {
			log.Printf("careline: missed notice for %s: %v", t.ID, err)
		}
		return nil
	}
	e.timers.Arm(t.ID, e.Config.Interval(t.UrgencyTier))
	return nil
}

// markMissed closes a task whose follow-up budget was already spent before
// this fire, e.g. rows recovered from an older database. The missed notice to
// the chat is best-effort; the transition stands even if it fails.
func (e *Engine) markMissed(ctx context.Context, t domain.Task) error {
	nowStr := e.now().UTC().Format(time.RFC3339)
	t.State = domain.StateMissed
	t.UpdatedAt = nowStr
	t.ClosedAt = &nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err = e.Repo.UpdateTaskGuarded(ctx, tx, t)
	if err != nil {
		return fmt.Errorf("mark missed: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskMissed, "task", t.ID, "system", events.EventPayload{
		"count": t.EscalationCount,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.timers.Cancel(t.ID)
	if err := e.Sender.SendReminder(ctx, t.ChatID, MissedNotice(t.Description), t.ID); err != nil {
		log.Printf("careline: missed notice for %s: %v", t.ID, err)
	}
	return nil
}

// Acknowledge confirms a task as done. Acknowledging an already-acknowledged
// task is a no-op; a missing, missed or cancelled task is ErrUnknownTask.
func (e *Engine) Acknowledge(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	mu := e.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if err != nil {
		return domain.Task{}, err
	}
	if t.State == domain.StateAcknowledged {
		return t, nil
	}
	if t.Terminal() {
		return domain.Task{}, fmt.Errorf("%w: task is %s", ErrUnknownTask, t.State)
	}
	return e.closeTask(ctx, t, domain.StateAcknowledged, events.TaskAcknowledged, actorID)
}

// Cancel withdraws a task. Cancelling an already-cancelled task is a no-op;
// acknowledged or missed tasks cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	mu := e.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if err != nil {
		return domain.Task{}, err
	}
	if t.State == domain.StateCancelled {
		return t, nil
	}
	if t.Terminal() {
		return domain.Task{}, fmt.Errorf("%w: task is %s", ErrUnknownTask, t.State)
	}
	return e.closeTask(ctx, t, domain.StateCancelled, events.TaskCancelled, actorID)
}

func (e *Engine) closeTask(ctx context.Context, t domain.Task, state, evtType, actorID string) (domain.Task, error) {
	nowStr := e.now().UTC().Format(time.RFC3339)
	t.State = state
	t.UpdatedAt = nowStr
	t.ClosedAt = &nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.UpdateTaskGuarded(ctx, tx, t)
	if err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "task", t.ID, actorID, events.EventPayload{"count": t.EscalationCount}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.timers.Cancel(t.ID)
	return t, nil
}

// Snooze pushes the next reminder out by d and resets the follow-up count so
// the snoozed reminder gets a full escalation budget again.
func (e *Engine) Snooze(ctx context.Context, taskID string, d time.Duration, actorID string) (domain.Task, error) {
	if d <= 0 {
		return domain.Task{}, errors.New("snooze duration must be positive")
	}
	mu := e.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := e.activeTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC()
	due := now.Add(d)
	t.DueAt = due.Format(time.RFC3339)
	t.EscalationCount = 0
	t.UpdatedAt = now.Format(time.RFC3339)
	t, err = e.rearmUpdate(ctx, t, due, now, events.TaskSnoozed, actorID, events.EventPayload{"until": t.DueAt})
	return t, err
}

// Reschedule moves the task's due time. The new time is validated the same
// way as at creation.
func (e *Engine) Reschedule(ctx context.Context, taskID string, dueAt time.Time, actorID string) (domain.Task, error) {
	mu := e.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := e.activeTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC()
	due := dueAt.UTC()
	if due.Before(now.Add(-e.Config.GraceTolerance())) {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrInvalidSchedule, due.Format(time.RFC3339))
	}
	if due.Before(now) {
		due = now
	}
	prev := t.DueAt
	t.DueAt = due.Format(time.RFC3339)
	t.EscalationCount = 0
	t.UpdatedAt = now.Format(time.RFC3339)
	t, err = e.rearmUpdate(ctx, t, due, now, events.TaskRescheduled, actorID, events.EventPayload{"from": prev, "to": t.DueAt})
	return t, err
}

// Rename updates the task description.
func (e *Engine) Rename(ctx context.Context, taskID, description, actorID string) (domain.Task, error) {
	if description == "" {
		return domain.Task{}, errors.New("description is required")
	}
	mu := e.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := e.activeTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	prev := t.Description
	t.Description = description
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.UpdateTaskGuarded(ctx, tx, t)
	if err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskRenamed, "task", t.ID, actorID, events.EventPayload{"from": prev, "to": t.Description}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (e *Engine) activeTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if err != nil {
		return domain.Task{}, err
	}
	if t.Terminal() {
		return domain.Task{}, fmt.Errorf("%w: task is %s", ErrUnknownTask, t.State)
	}
	return t, nil
}

func (e *Engine) rearmUpdate(ctx context.Context, t domain.Task, due, now time.Time, evtType, actorID string, payload events.EventPayload) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.UpdateTaskGuarded(ctx, tx, t)
	if err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "task", t.ID, actorID, payload); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.timers.ArmAt(t.ID, due, now)
	return t, nil
}

// Recover re-arms timers for every active task after a restart. Past-due
// tasks fire at most once immediately; future ones fire at their remaining
// delay. Notified and escalating tasks resume from their last delivery.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	tasks, err := e.Repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan active tasks: %w", err)
	}
	now := e.now().UTC()
	for _, t := range tasks {
		at := now
		switch t.State {
		case domain.StateScheduled:
			if due, err := time.Parse(time.RFC3339, t.DueAt); err == nil {
				at = due
			}
		case domain.StateNotified, domain.StateEscalating:
			if t.LastNotifiedAt != nil {
				if last, err := time.Parse(time.RFC3339, *t.LastNotifiedAt); err == nil {
					at = last.Add(e.Config.Interval(t.UrgencyTier))
				}
			}
		}
		e.timers.ArmAt(t.ID, at, now)
	}
	if len(tasks) > 0 {
		if err := e.appendEvent(ctx, events.EngineRecovered, "engine", "", "system", events.EventPayload{"rearmed": len(tasks)}); err != nil {
			return len(tasks), err
		}
	}
	return len(tasks), nil
}

// appendEvent writes a single event in its own transaction, for paths that
// record outcomes without mutating task rows.
func (e *Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
