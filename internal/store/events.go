package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cmoretti/conductor/pkg/models"
)

// AppendEvent appends an event to the audit log and assigns its
// sequence number. Events are never mutated or deleted.
func (db *DB) AppendEvent(e *models.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}

	res, err := db.Exec(`
		INSERT INTO events (entity_type, entity_id, event_type, payload, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.EntityType, e.EntityID, e.EventType, nullString(e.Payload), string(e.Severity), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	e.ID = id
	return nil
}

// ListEvents lists events for one entity in append order.
func (db *DB) ListEvents(entityType, entityID string) ([]*models.Event, error) {
	rows, err := db.Query(`
		SELECT id, entity_type, entity_id, event_type, payload, severity, created_at
		FROM events WHERE entity_type = ? AND entity_id = ? ORDER BY id
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsByType lists events of one type across all entities, in
// append order.
func (db *DB) ListEventsByType(eventType string) ([]*models.Event, error) {
	rows, err := db.Query(`
		SELECT id, entity_type, entity_id, event_type, payload, severity, created_at
		FROM events WHERE event_type = ? ORDER BY id
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("list events by type: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// scanEvents scans event rows into a slice.
func scanEvents(rows *sql.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var payload sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.EventType, &payload, &e.Severity, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		e.CreatedAt, _ = parseTime(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}
