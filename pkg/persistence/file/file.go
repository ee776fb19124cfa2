// Package file provides a file-based persistence implementation, one JSON
// document per record. Suited to local development and tests.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/pipelit/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root string

	// mu serialises every read-modify-write across repositories.
	mu sync.Mutex

	workflows     *WorkflowRepository
	executions    *ExecutionRepository
	executionLogs *ExecutionLogRepository
	pendingTasks  *PendingTaskRepository
	scheduledJobs *ScheduledJobRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.workflows = &WorkflowRepository{store: newStore(p, "workflows")}
	p.executions = &ExecutionRepository{store: newStore(p, "executions")}
	p.executionLogs = &ExecutionLogRepository{store: newStore(p, "execution_logs")}
	p.pendingTasks = &PendingTaskRepository{store: newStore(p, "pending_tasks")}
	p.scheduledJobs = &ScheduledJobRepository{store: newStore(p, "scheduled_jobs")}

	return p
}

func (fp *Persistence) Workflows() persistence.WorkflowRepository         { return fp.workflows }
func (fp *Persistence) Executions() persistence.ExecutionRepository       { return fp.executions }
func (fp *Persistence) ExecutionLogs() persistence.ExecutionLogRepository { return fp.executionLogs }
func (fp *Persistence) PendingTasks() persistence.PendingTaskRepository   { return fp.pendingTasks }
func (fp *Persistence) ScheduledJobs() persistence.ScheduledJobRepository { return fp.scheduledJobs }

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// store reads and writes JSON documents under root/<dir>/<id>.json.
type store struct {
	p   *Persistence
	dir string
}

func newStore(p *Persistence, dir string) store {
	return store{p: p, dir: dir}
}

func (s store) lock() func() {
	s.p.mu.Lock()

	return s.p.mu.Unlock
}

func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return errors.New("id contains invalid characters")
	}

	return nil
}

func (s store) path(id string) string {
	return filepath.Join(s.p.root, s.dir, id+".json")
}

// read decodes the document into target. It returns os.ErrNotExist when the
// document is missing.
func (s store) read(id string, target any) error {
	if err := validateID(id); err != nil {
		return err
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s %s: %w", s.dir, id, err)
	}

	return nil
}

func (s store) write(id string, value any) error {
	if err := validateID(id); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(s.p.root, s.dir), 0750); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", s.dir, id, err)
	}

	if err := os.WriteFile(s.path(id), data, 0600); err != nil {
		return fmt.Errorf("failed to write %s %s: %w", s.dir, id, err)
	}

	return nil
}

func (s store) exists(id string) bool {
	_, err := os.Stat(s.path(id))

	return err == nil
}

func (s store) remove(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// ids lists stored document ids in lexical order.
func (s store) ids() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.p.root, s.dir))
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}

	sort.Strings(ids)

	return ids, nil
}

// all decodes every document in the directory, skipping unreadable files.
func all[T any](s store) ([]*T, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(ids))

	for _, id := range ids {
		var value T
		if err := s.read(id, &value); err != nil {
			continue
		}

		out = append(out, &value)
	}

	return out, nil
}
