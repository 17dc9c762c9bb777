package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"careline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a stale optimistic version on update.
	ErrConflict = errors.New("version conflict")
)

const taskColumns = `id,chat_id,description,category,urgency_tier,state,due_at,escalation_count,last_notified_at,version,created_at,updated_at,closed_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var lastNotified, closedAt sql.NullString
	err := scan(&t.ID, &t.ChatID, &t.Description, &t.Category, &t.UrgencyTier, &t.State,
		&t.DueAt, &t.EscalationCount, &lastNotified, &t.Version, &t.CreatedAt, &t.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if lastNotified.Valid {
		t.LastNotifiedAt = &lastNotified.String
	}
	if closedAt.Valid {
		t.ClosedAt = &closedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ChatID, t.Description, t.Category, t.UrgencyTier, t.State,
		t.DueAt, t.EscalationCount, nullableStringPtr(t.LastNotifiedAt), t.Version,
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.ClosedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// UpdateTaskGuarded writes a task back using its optimistic version stamp.
// The stored row must still carry t.Version; on success the persisted version
// is t.Version+1 and the returned task reflects it. ErrConflict means another
// writer got there first and the caller must re-read.
func (r Repo) UpdateTaskGuarded(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET description=?, category=?, urgency_tier=?, state=?, due_at=?, escalation_count=?, last_notified_at=?, version=version+1, updated_at=?, closed_at=? WHERE id=? AND version=?`,
		t.Description, t.Category, t.UrgencyTier, t.State, t.DueAt, t.EscalationCount,
		nullableStringPtr(t.LastNotifiedAt), t.UpdatedAt, nullableStringPtr(t.ClosedAt),
		t.ID, t.Version)
	if err != nil {
		return t, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return t, err
	}
	if affected == 0 {
		// Distinguish a missing row from a stale version.
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, t.ID).Scan(&n); err == sql.ErrNoRows {
			return t, ErrNotFound
		} else if err != nil {
			return t, err
		}
		return t, ErrConflict
	}
	t.Version++
	return t, nil
}

type TaskFilters struct {
	ChatID          int64
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ChatID != 0 {
		clauses = append(clauses, "chat_id=?")
		args = append(args, f.ChatID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListActive returns every task still owning a timer, ordered by due time.
// Used by the recovery scan at startup.
func (r Repo) ListActive(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE state IN (?,?,?) ORDER BY due_at ASC, id ASC`,
		domain.StateScheduled, domain.StateNotified, domain.StateEscalating)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPending returns active tasks for one chat, soonest first.
func (r Repo) ListPending(ctx context.Context, chatID int64) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE chat_id=? AND state IN (?,?,?) ORDER BY due_at ASC, id ASC`,
		chatID, domain.StateScheduled, domain.StateNotified, domain.StateEscalating)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// FindActiveByDescription matches an active task for a chat by exact then
// substring description match, case-insensitively.
func (r Repo) FindActiveByDescription(ctx context.Context, chatID int64, needle string) (domain.Task, error) {
	tasks, err := r.ListPending(ctx, chatID)
	if err != nil {
		return domain.Task{}, err
	}
	lowered := strings.ToLower(strings.TrimSpace(needle))
	if lowered == "" {
		return domain.Task{}, ErrNotFound
	}
	for _, t := range tasks {
		if strings.ToLower(t.Description) == lowered {
			return t, nil
		}
	}
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(t.Description), lowered) {
			return t, nil
		}
	}
	return domain.Task{}, ErrNotFound
}

func (r Repo) CountTasksByState(ctx context.Context, chatID int64) (map[string]int, error) {
	query := `SELECT state, COUNT(*) FROM tasks`
	var args []any
	if chatID != 0 {
		query += ` WHERE chat_id=?`
		args = append(args, chatID)
	}
	query += ` GROUP BY state`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
