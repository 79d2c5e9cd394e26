// Package registry loads agent, tool, and document definitions from a
// YAML directory into the store, and keeps them fresh while the engine
// runs by watching the directory for edits.
package registry

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cmoretti/conductor/internal/store"
	"github.com/cmoretti/conductor/pkg/models"
)

// definitionFile is the on-disk shape of one YAML definition file.
// A file may carry any mix of the three sections.
type definitionFile struct {
	Agents    []agentDef    `yaml:"agents"`
	Tools     []toolDef     `yaml:"tools"`
	Documents []documentDef `yaml:"documents"`
}

type agentDef struct {
	Name             string   `yaml:"name"`
	Instruction      string   `yaml:"instruction"`
	ContextDocuments []string `yaml:"context_documents"`
	Tools            []string `yaml:"tools"`
	Capabilities     []string `yaml:"capabilities"`
	Deprecated       bool     `yaml:"deprecated"`
}

type toolDef struct {
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description"`
	Capabilities []string      `yaml:"capabilities"`
	Schema       toolSchemaDef `yaml:"schema"`
}

type toolSchemaDef struct {
	Properties map[string]paramDef `yaml:"properties"`
	Required   []string            `yaml:"required"`
}

type paramDef struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

type documentDef struct {
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
}

// Registry syncs a definitions directory into the store.
type Registry struct {
	dir string
	db  *store.DB

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a registry over the given directory.
func New(dir string, db *store.DB) *Registry {
	return &Registry{dir: dir, db: db}
}

// Load parses every .yaml/.yml file in the directory and upserts the
// definitions it finds. Unknown files are skipped; a malformed file
// fails the whole load so a typo cannot silently drop definitions.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read definitions dir: %w", err)
	}

	var agents, tools, docs int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Name(), err)
		}

		var file definitionFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse %s: %w", entry.Name(), err)
		}

		if err := r.apply(&file, entry.Name()); err != nil {
			return err
		}
		agents += len(file.Agents)
		tools += len(file.Tools)
		docs += len(file.Documents)
	}

	log.Printf("[registry] loaded %d agents, %d tools, %d documents from %s", agents, tools, docs, r.dir)
	return nil
}

// apply upserts one file's definitions into the store.
func (r *Registry) apply(file *definitionFile, source string) error {
	for _, def := range file.Agents {
		if def.Name == "" {
			return fmt.Errorf("%s: agent with empty name", source)
		}
		status := models.AgentActive
		if def.Deprecated {
			status = models.AgentDeprecated
		}
		agent := &models.Agent{
			Name:             def.Name,
			Instruction:      def.Instruction,
			ContextDocuments: def.ContextDocuments,
			Tools:            def.Tools,
			Capabilities:     def.Capabilities,
			Status:           status,
		}
		if err := r.db.PutAgent(agent); err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
	}

	for _, def := range file.Tools {
		if def.Name == "" {
			return fmt.Errorf("%s: tool with empty name", source)
		}
		schema := models.ToolSchema{
			Properties: make(map[string]models.ParamSpec, len(def.Schema.Properties)),
			Required:   def.Schema.Required,
		}
		for name, p := range def.Schema.Properties {
			schema.Properties[name] = models.ParamSpec{Type: p.Type, Description: p.Description}
		}
		tool := &models.ToolDescriptor{
			Name:         def.Name,
			Description:  def.Description,
			Schema:       schema,
			Capabilities: def.Capabilities,
		}
		if err := r.db.PutTool(tool); err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
	}

	for _, def := range file.Documents {
		if def.Name == "" {
			return fmt.Errorf("%s: document with empty name", source)
		}
		doc := &models.ContextDocument{Name: def.Name, Content: def.Content}
		if err := r.db.PutDocument(doc); err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
	}
	return nil
}

// Watch reloads the directory whenever a definition file is written.
// It returns after starting the watcher goroutine; Close stops it.
func (r *Registry) Watch() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start definitions watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})
	go r.watchLoop(watcher, r.done)
	return nil
}

func (r *Registry) watchLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if err := r.Load(); err != nil {
				log.Printf("[registry] reload after %s failed: %v", filepath.Base(event.Name), err)
			}
		case <-watcher.Errors:
			// Keep watching.
		}
	}
}

// Close stops the watcher, if running.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		close(r.done)
		r.watcher.Close()
		r.watcher = nil
	}
}
