package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cmoretti/conductor/pkg/models"
)

const taskColumns = `id, parent_id, tree_id, agent_name, process_name, instruction, status,
	result, error, priority, depth, reassigned, blocked_attempts, max_execution_ms,
	version, created_at, started_at, completed_at`

// CreateTask inserts a task and assigns its ID. Root tasks (parent 0)
// get tree_id = id; child tasks must carry their parent's tree_id.
// The inserted task starts at version 1.
func (db *DB) CreateTask(t *models.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusCreated
	}

	return db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO tasks (parent_id, tree_id, agent_name, process_name, instruction, status,
				result, error, priority, depth, reassigned, blocked_attempts, max_execution_ms,
				version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		`, t.ParentID, t.TreeID, t.AgentName, t.ProcessName, t.Instruction, string(t.Status),
			nullString(t.Result), nullString(t.Error), t.Priority, t.Depth,
			boolToInt(t.Reassigned), t.BlockedAttempts, t.MaxExecutionTime.Milliseconds(),
			formatTime(t.CreatedAt))
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task id: %w", err)
		}
		t.ID = id
		t.Version = 1

		// A root task's tree is keyed by its own id, which is only
		// known after the insert.
		if t.ParentID == 0 {
			t.TreeID = id
			if _, err := tx.Exec("UPDATE tasks SET tree_id = ? WHERE id = ?", id, id); err != nil {
				return fmt.Errorf("set tree id: %w", err)
			}
		}
		return nil
	})
}

// GetTask retrieves a task by ID. Returns ErrNotFound if it does not exist.
func (db *DB) GetTask(id int64) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// UpdateTask writes the task back, guarded by its version. The write
// succeeds only if no concurrent writer advanced the version since the
// task was read; otherwise ErrConflict is returned and the caller must
// re-read. On success the task's version is incremented.
func (db *DB) UpdateTask(t *models.Task) error {
	var startedAt, completedAt *string
	if t.StartedAt != nil {
		s := formatTime(*t.StartedAt)
		startedAt = &s
	}
	if t.CompletedAt != nil {
		s := formatTime(*t.CompletedAt)
		completedAt = &s
	}

	res, err := db.Exec(`
		UPDATE tasks SET agent_name = ?, process_name = ?, instruction = ?, status = ?,
			result = ?, error = ?, priority = ?, depth = ?, reassigned = ?,
			blocked_attempts = ?, max_execution_ms = ?, started_at = ?, completed_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, t.AgentName, t.ProcessName, t.Instruction, string(t.Status),
		nullString(t.Result), nullString(t.Error), t.Priority, t.Depth,
		boolToInt(t.Reassigned), t.BlockedAttempts, t.MaxExecutionTime.Milliseconds(),
		startedAt, completedAt, t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	if affected == 0 {
		// Distinguish a lost race from a missing row.
		var exists int
		row := db.QueryRow("SELECT COUNT(1) FROM tasks WHERE id = ?", t.ID)
		if err := row.Scan(&exists); err != nil {
			return fmt.Errorf("update task %d: %w", t.ID, err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}

	t.Version++
	return nil
}

// ListTasksByParent lists a task's direct children in creation order.
func (db *DB) ListTasksByParent(parentID int64) ([]*models.Task, error) {
	rows, err := db.Query(`SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by parent: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByTree lists every task in a tree in creation order.
func (db *DB) ListTasksByTree(treeID int64) ([]*models.Task, error) {
	rows, err := db.Query(`SELECT `+taskColumns+` FROM tasks WHERE tree_id = ? ORDER BY id`, treeID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by tree: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByStatus lists tasks in the given status in creation order.
func (db *DB) ListTasksByStatus(status models.TaskStatus) ([]*models.Task, error) {
	rows, err := db.Query(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListQueuedTasks lists claimable tasks ordered by priority (highest
// first), then creation order.
func (db *DB) ListQueuedTasks(limit int) ([]*models.Task, error) {
	rows, err := db.Query(`
		SELECT `+taskColumns+` FROM tasks WHERE status = ?
		ORDER BY priority DESC, id ASC LIMIT ?
	`, string(models.TaskStatusQueued), limit)
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CountChildren returns how many direct children a task has,
// regardless of their state.
func (db *DB) CountChildren(parentID int64) (int, error) {
	row := db.QueryRow(`
		SELECT COUNT(1) FROM tasks WHERE parent_id = ?
	`, parentID)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return n, nil
}

// CountNonTerminalChildren returns how many of a task's direct
// children have not reached a terminal state.
func (db *DB) CountNonTerminalChildren(parentID int64) (int, error) {
	row := db.QueryRow(`
		SELECT COUNT(1) FROM tasks WHERE parent_id = ? AND status NOT IN (?, ?, ?)
	`, parentID,
		string(models.TaskStatusComplete),
		string(models.TaskStatusFailed),
		string(models.TaskStatusCancelled))

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return n, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for task scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask scans one task row.
func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var result, errMsg sql.NullString
	var reassigned int
	var maxExecMS int64
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &t.ParentID, &t.TreeID, &t.AgentName, &t.ProcessName,
		&t.Instruction, &t.Status, &result, &errMsg, &t.Priority, &t.Depth,
		&reassigned, &t.BlockedAttempts, &maxExecMS, &t.Version,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		t.Result = result.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	t.Reassigned = reassigned != 0
	t.MaxExecutionTime = time.Duration(maxExecMS) * time.Millisecond
	t.CreatedAt, _ = parseTime(createdAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

// scanTasks scans task rows into a slice.
func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// nullString maps "" to NULL for nullable text columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// boolToInt maps a bool onto SQLite's integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
