package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cmoretti/conductor/pkg/models"
)

// CreateGrant stores a task-scoped capability grant. The grant's ID is
// assigned if empty.
func (db *DB) CreateGrant(g *models.Grant) error {
	if g.ID == "" {
		g.ID = uuid.New().String()[:8]
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}

	caps, _ := json.Marshal(g.Capabilities)
	params, _ := json.Marshal(g.ScopedParams)

	_, err := db.Exec(`
		INSERT INTO grants (id, task_id, tool_name, capabilities, scoped_params, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.TaskID, nullString(g.ToolName), string(caps), string(params),
		formatTime(g.ExpiresAt), formatTime(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("create grant: %w", err)
	}
	return nil
}

// ListActiveGrants lists grants scoped to a task that have not expired
// at the given instant.
func (db *DB) ListActiveGrants(taskID int64, now time.Time) ([]*models.Grant, error) {
	rows, err := db.Query(`
		SELECT id, task_id, tool_name, capabilities, scoped_params, expires_at, created_at
		FROM grants WHERE task_id = ? AND expires_at > ? ORDER BY created_at
	`, taskID, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list active grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// PurgeExpiredGrants deletes grants past their expiry. Returns the
// number deleted.
func (db *DB) PurgeExpiredGrants(now time.Time) (int64, error) {
	res, err := db.Exec("DELETE FROM grants WHERE expires_at <= ?", formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge expired grants: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// scanGrants scans grant rows into a slice.
func scanGrants(rows *sql.Rows) ([]*models.Grant, error) {
	var grants []*models.Grant
	for rows.Next() {
		var g models.Grant
		var toolName, caps, params sql.NullString
		var expiresAt, createdAt string
		if err := rows.Scan(&g.ID, &g.TaskID, &toolName, &caps, &params, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		if toolName.Valid {
			g.ToolName = toolName.String
		}
		if caps.Valid {
			json.Unmarshal([]byte(caps.String), &g.Capabilities)
		}
		if params.Valid {
			json.Unmarshal([]byte(params.String), &g.ScopedParams)
		}
		g.ExpiresAt, _ = parseTime(expiresAt)
		g.CreatedAt, _ = parseTime(createdAt)
		grants = append(grants, &g)
	}
	return grants, rows.Err()
}
