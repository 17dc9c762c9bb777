package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return Repo{DB: conn}
}

var testBase = time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

func insertTask(t *testing.T, r Repo, task domain.Task) domain.Task {
	t.Helper()
	if task.Category == "" {
		task.Category = domain.CategoryMedication
	}
	if task.UrgencyTier == "" {
		task.UrgencyTier = domain.TierGeneral
	}
	if task.State == "" {
		task.State = domain.StateScheduled
	}
	if task.DueAt == "" {
		task.DueAt = testBase.Add(time.Hour).Format(time.RFC3339)
	}
	if task.CreatedAt == "" {
		task.CreatedAt = testBase.Format(time.RFC3339)
	}
	if task.UpdatedAt == "" {
		task.UpdatedAt = task.CreatedAt
	}
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.InsertTask(ctx, tx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return task
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return nil
}

func TestUpdateTaskGuarded(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	task := insertTask(t, r, domain.Task{ID: "t1", ChatID: 42, Description: "take aspirin"})

	task.State = domain.StateNotified
	task.EscalationCount = 1
	err := inTx(t, r, func(tx *sql.Tx) error {
		updated, err := r.UpdateTaskGuarded(ctx, tx, task)
		if err != nil {
			return err
		}
		if updated.Version != task.Version+1 {
			t.Fatalf("version = %d, want %d", updated.Version, task.Version+1)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}

	// The stale copy still carries the old version.
	err = inTx(t, r, func(tx *sql.Tx) error {
		_, err := r.UpdateTaskGuarded(ctx, tx, task)
		return err
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}

	missing := task
	missing.ID = "nope"
	err = inTx(t, r, func(tx *sql.Tx) error {
		_, err := r.UpdateTaskGuarded(ctx, tx, missing)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing update err = %v, want ErrNotFound", err)
	}
}

func TestFindActiveByDescription(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertTask(t, r, domain.Task{ID: "t1", ChatID: 42, Description: "take aspirin"})
	insertTask(t, r, domain.Task{ID: "t2", ChatID: 42, Description: "aspirin"})
	insertTask(t, r, domain.Task{ID: "t3", ChatID: 42, Description: "evening walk", State: domain.StateCancelled})

	// exact match wins over substring
	got, err := r.FindActiveByDescription(ctx, 42, "Aspirin")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "t2" {
		t.Fatalf("id = %s, want exact match t2", got.ID)
	}

	got, err = r.FindActiveByDescription(ctx, 42, "take")
	if err != nil {
		t.Fatalf("find substring: %v", err)
	}
	if got.ID != "t1" {
		t.Fatalf("id = %s, want t1", got.ID)
	}

	// closed tasks are invisible
	if _, err := r.FindActiveByDescription(ctx, 42, "walk"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("closed task err = %v, want ErrNotFound", err)
	}
	if _, err := r.FindActiveByDescription(ctx, 42, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty needle err = %v, want ErrNotFound", err)
	}
	if _, err := r.FindActiveByDescription(ctx, 99, "aspirin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other chat err = %v, want ErrNotFound", err)
	}
}

func TestListTasksCursorPagination(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		insertTask(t, r, domain.Task{
			ID:          fmt.Sprintf("t%d", i),
			ChatID:      42,
			Description: fmt.Sprintf("med %d", i),
			CreatedAt:   testBase.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		})
	}

	first, err := r.ListTasks(ctx, TaskFilters{ChatID: 42, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 2 || first[0].ID != "t4" || first[1].ID != "t3" {
		t.Fatalf("first page = %+v", first)
	}

	last := first[len(first)-1]
	second, err := r.ListTasks(ctx, TaskFilters{
		ChatID:          42,
		Limit:           2,
		CursorCreatedAt: last.CreatedAt,
		CursorID:        last.ID,
	})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(second) != 2 || second[0].ID != "t2" || second[1].ID != "t1" {
		t.Fatalf("second page = %+v", second)
	}
}

func TestListPendingOrdersByDue(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertTask(t, r, domain.Task{ID: "late", ChatID: 42, Description: "evening meds",
		DueAt: testBase.Add(8 * time.Hour).Format(time.RFC3339)})
	insertTask(t, r, domain.Task{ID: "soon", ChatID: 42, Description: "morning meds",
		DueAt: testBase.Add(time.Hour).Format(time.RFC3339)})
	insertTask(t, r, domain.Task{ID: "done", ChatID: 42, Description: "old meds",
		State: domain.StateAcknowledged})

	tasks, err := r.ListPending(ctx, 42)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "soon" || tasks[1].ID != "late" {
		t.Fatalf("pending = %+v", tasks)
	}
}

func TestCountTasksByState(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertTask(t, r, domain.Task{ID: "t1", ChatID: 42, Description: "a"})
	insertTask(t, r, domain.Task{ID: "t2", ChatID: 42, Description: "b"})
	insertTask(t, r, domain.Task{ID: "t3", ChatID: 42, Description: "c", State: domain.StateMissed})
	insertTask(t, r, domain.Task{ID: "t4", ChatID: 7, Description: "d"})

	counts, err := r.CountTasksByState(ctx, 42)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[domain.StateScheduled] != 2 || counts[domain.StateMissed] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	all, err := r.CountTasksByState(ctx, 0)
	if err != nil {
		t.Fatalf("count all: %v", err)
	}
	if all[domain.StateScheduled] != 3 {
		t.Fatalf("all counts = %v", all)
	}
}

func TestEventsCursors(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := r.DB.ExecContext(ctx,
			`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
			testBase.Add(time.Duration(i)*time.Second).Format(time.RFC3339),
			"task.created", "task", fmt.Sprintf("t%d", i), "tester", "{}")
		if err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	latest, err := r.LatestEvents(ctx, 2, "", "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 || latest[0].ID <= latest[1].ID {
		t.Fatalf("latest = %+v", latest)
	}

	older, err := r.LatestEventsFrom(ctx, 10, latest[1].ID, "", "")
	if err != nil {
		t.Fatalf("latest from: %v", err)
	}
	if len(older) != 2 {
		t.Fatalf("older = %+v", older)
	}

	forward, err := r.EventsAfter(ctx, 10, older[0].ID)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(forward) != 2 || forward[0].ID >= forward[1].ID {
		t.Fatalf("forward = %+v", forward)
	}
}
