package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cmoretti/conductor/pkg/models"
)

// Agent definitions

// PutAgent inserts or replaces an agent definition.
func (db *DB) PutAgent(a *models.Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Status == "" {
		a.Status = models.AgentActive
	}

	docs, _ := json.Marshal(a.ContextDocuments)
	tools, _ := json.Marshal(a.Tools)
	caps, _ := json.Marshal(a.Capabilities)

	_, err := db.Exec(`
		INSERT INTO agents (name, instruction, context_documents, tools, capabilities, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			instruction = excluded.instruction,
			context_documents = excluded.context_documents,
			tools = excluded.tools,
			capabilities = excluded.capabilities,
			status = excluded.status
	`, a.Name, a.Instruction, string(docs), string(tools), string(caps), string(a.Status), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("put agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by name. Returns ErrNotFound if absent.
func (db *DB) GetAgent(name string) (*models.Agent, error) {
	row := db.QueryRow(`
		SELECT name, instruction, context_documents, tools, capabilities, status, created_at
		FROM agents WHERE name = ?
	`, name)

	var a models.Agent
	var docs, tools, caps sql.NullString
	var createdAt string
	err := row.Scan(&a.Name, &a.Instruction, &docs, &tools, &caps, &a.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}

	if docs.Valid {
		json.Unmarshal([]byte(docs.String), &a.ContextDocuments)
	}
	if tools.Valid {
		json.Unmarshal([]byte(tools.String), &a.Tools)
	}
	if caps.Valid {
		json.Unmarshal([]byte(caps.String), &a.Capabilities)
	}
	a.CreatedAt, _ = parseTime(createdAt)
	return &a, nil
}

// ListAgents lists agent definitions, optionally filtered by status.
func (db *DB) ListAgents(status *models.AgentStatus) ([]*models.Agent, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`
			SELECT name, instruction, context_documents, tools, capabilities, status, created_at
			FROM agents WHERE status = ? ORDER BY name
		`, string(*status))
	} else {
		rows, err = db.Query(`
			SELECT name, instruction, context_documents, tools, capabilities, status, created_at
			FROM agents ORDER BY name
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		var a models.Agent
		var docs, tools, caps sql.NullString
		var createdAt string
		if err := rows.Scan(&a.Name, &a.Instruction, &docs, &tools, &caps, &a.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if docs.Valid {
			json.Unmarshal([]byte(docs.String), &a.ContextDocuments)
		}
		if tools.Valid {
			json.Unmarshal([]byte(tools.String), &a.Tools)
		}
		if caps.Valid {
			json.Unmarshal([]byte(caps.String), &a.Capabilities)
		}
		a.CreatedAt, _ = parseTime(createdAt)
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// Tool descriptors

// PutTool inserts or replaces a tool descriptor.
func (db *DB) PutTool(t *models.ToolDescriptor) error {
	schema, _ := json.Marshal(t.Schema)
	caps, _ := json.Marshal(t.Capabilities)

	_, err := db.Exec(`
		INSERT INTO tools (name, description, schema, capabilities)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			schema = excluded.schema,
			capabilities = excluded.capabilities
	`, t.Name, t.Description, string(schema), string(caps))
	if err != nil {
		return fmt.Errorf("put tool: %w", err)
	}
	return nil
}

// GetTool retrieves a tool descriptor by name. Returns ErrNotFound if absent.
func (db *DB) GetTool(name string) (*models.ToolDescriptor, error) {
	row := db.QueryRow("SELECT name, description, schema, capabilities FROM tools WHERE name = ?", name)

	var t models.ToolDescriptor
	var desc, schema, caps sql.NullString
	err := row.Scan(&t.Name, &desc, &schema, &caps)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool: %w", err)
	}

	if desc.Valid {
		t.Description = desc.String
	}
	if schema.Valid {
		json.Unmarshal([]byte(schema.String), &t.Schema)
	}
	if caps.Valid {
		json.Unmarshal([]byte(caps.String), &t.Capabilities)
	}
	return &t, nil
}

// ListTools lists all tool descriptors.
func (db *DB) ListTools() ([]*models.ToolDescriptor, error) {
	rows, err := db.Query("SELECT name, description, schema, capabilities FROM tools ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var tools []*models.ToolDescriptor
	for rows.Next() {
		var t models.ToolDescriptor
		var desc, schema, caps sql.NullString
		if err := rows.Scan(&t.Name, &desc, &schema, &caps); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		if desc.Valid {
			t.Description = desc.String
		}
		if schema.Valid {
			json.Unmarshal([]byte(schema.String), &t.Schema)
		}
		if caps.Valid {
			json.Unmarshal([]byte(caps.String), &t.Capabilities)
		}
		tools = append(tools, &t)
	}
	return tools, rows.Err()
}

// Context documents

// PutDocument inserts or replaces a context document.
func (db *DB) PutDocument(d *models.ContextDocument) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO context_documents (name, content, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET content = excluded.content
	`, d.Name, d.Content, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// GetDocument retrieves a context document by name. Returns ErrNotFound if absent.
func (db *DB) GetDocument(name string) (*models.ContextDocument, error) {
	row := db.QueryRow("SELECT name, content, created_at FROM context_documents WHERE name = ?", name)

	var d models.ContextDocument
	var createdAt string
	err := row.Scan(&d.Name, &d.Content, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	d.CreatedAt, _ = parseTime(createdAt)
	return &d, nil
}

// Process definitions

// PutProcess inserts or replaces a process definition.
func (db *DB) PutProcess(p *models.Process) error {
	phases, _ := json.Marshal(p.Phases)
	_, err := db.Exec(`
		INSERT INTO processes (name, version, description, phases)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version = excluded.version,
			description = excluded.description,
			phases = excluded.phases
	`, p.Name, p.Version, p.Description, string(phases))
	if err != nil {
		return fmt.Errorf("put process: %w", err)
	}
	return nil
}

// GetProcess retrieves a process definition by name. Returns ErrNotFound if absent.
func (db *DB) GetProcess(name string) (*models.Process, error) {
	row := db.QueryRow("SELECT name, version, description, phases FROM processes WHERE name = ?", name)

	var p models.Process
	var desc, phases sql.NullString
	err := row.Scan(&p.Name, &p.Version, &desc, &phases)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get process: %w", err)
	}
	if desc.Valid {
		p.Description = desc.String
	}
	if phases.Valid {
		json.Unmarshal([]byte(phases.String), &p.Phases)
	}
	return &p, nil
}
