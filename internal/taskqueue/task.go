package taskqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"region-similarity/internal/earthengine"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskProgress is the per-cell progress of an export.
type TaskProgress struct {
	CellsCompleted int `json:"cellsCompleted"`
	CellsTotal     int `json:"cellsTotal"`
	Percent        int `json:"percent"`
}

// ExportTask is one persisted export request. The image travels as its
// serialized expression so a task survives a restart of the app.
type ExportTask struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	CreatedAt   string     `json:"createdAt"` // ISO 8601 format
	StartedAt   string     `json:"startedAt,omitempty"`
	CompletedAt string     `json:"completedAt,omitempty"`

	// Export settings
	Kind       string                  `json:"kind"` // "search" or "cluster"
	Expression *earthengine.Expression `json:"expression"`
	Region     json.RawMessage         `json:"region"` // GeoJSON
	Resolution float64                 `json:"resolution"`
	CellPixels int                     `json:"cellPixels"`
	Mode       string                  `json:"mode"` // "archive" or "urls"

	Progress TaskProgress `json:"progress"`

	Error string `json:"error,omitempty"`

	// Set on completion: a local file for multi-cell exports, a link otherwise.
	OutputPath string `json:"outputPath,omitempty"`
	OutputURL  string `json:"outputURL,omitempty"`
	// Cells that failed while the export as a whole succeeded.
	FailedCells int `json:"failedCells,omitempty"`
}

// NewExportTask creates a pending task.
func NewExportTask(name, kind string, expr *earthengine.Expression, region json.RawMessage, resolution float64, cellPixels int, mode string) *ExportTask {
	return &ExportTask{
		ID:         uuid.NewString(),
		Name:       name,
		Status:     TaskStatusPending,
		CreatedAt:  time.Now().Format(time.RFC3339),
		Kind:       kind,
		Expression: expr,
		Region:     region,
		Resolution: resolution,
		CellPixels: cellPixels,
		Mode:       mode,
	}
}

// SaveToFile persists the task to a JSON file
func (t *ExportTask) SaveToFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	path := filepath.Join(dir, t.ID+".json")
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}

	return nil
}

// LoadFromFile loads a task from a JSON file
func LoadFromFile(path string) (*ExportTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var task ExportTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	return &task, nil
}

// DeleteFile removes the task file from disk
func (t *ExportTask) DeleteFile(dir string) error {
	return os.Remove(filepath.Join(dir, t.ID+".json"))
}

// Finished reports whether the task reached a terminal status.
func (t *ExportTask) Finished() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// MarkStarted marks the task as started
func (t *ExportTask) MarkStarted() {
	t.StartedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusRunning
	t.Error = ""
}

// MarkCompleted marks the task as completed
func (t *ExportTask) MarkCompleted() {
	t.CompletedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusCompleted
	t.Progress.Percent = 100
}

// MarkFailed marks the task as failed with an error
func (t *ExportTask) MarkFailed(err error) {
	t.CompletedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusFailed
	if err != nil {
		t.Error = err.Error()
	}
}
