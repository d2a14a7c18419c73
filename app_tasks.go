package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/zap"

	"region-similarity/internal/earthengine"
	"region-similarity/internal/export"
	"region-similarity/internal/geo"
	"region-similarity/internal/taskqueue"
	"region-similarity/internal/telemetry"
)

// ===================
// Export tasks
// ===================

// ExportResult queues an export of the current result with the export
// settings. The image travels as its expression so the task survives a
// restart.
func (a *App) ExportResult() (string, error) {
	defer a.guard("ExportResult")
	a.mu.Lock()
	s := *a.settings
	a.mu.Unlock()

	src, err := a.dispatcher.PrepareExport(a.ctx, s.ExportResolution)
	if err != nil {
		return "", a.fail(err)
	}
	expr, err := earthengine.Encode(src.Image.Node())
	if err != nil {
		return "", a.fail(fmt.Errorf("failed to serialize export image: %w", err))
	}
	region, err := geo.ToGeoJSON(src.Region)
	if err != nil {
		return "", a.fail(err)
	}

	name := fmt.Sprintf("%s_%s", src.Name, time.Now().Format("20060102_150405"))
	task := taskqueue.NewExportTask(name, src.Name, expr, region, s.ExportResolution, s.ExportCellPixels, s.ExportMode)
	if err := a.taskQueue.AddTask(task); err != nil {
		return "", a.fail(err)
	}

	a.msgs.Info("Export queued.")
	a.tracker.Track(telemetry.ExportRequested, map[string]interface{}{
		"kind":       src.Name,
		"resolution": s.ExportResolution,
		"mode":       s.ExportMode,
	})
	return task.ID, nil
}

// GetTaskQueue returns all tasks in the queue
func (a *App) GetTaskQueue() []taskqueue.ExportTask {
	return a.taskQueue.GetAllTasks()
}

// GetTask returns a single task by ID
func (a *App) GetTask(id string) (*taskqueue.ExportTask, error) {
	task, err := a.taskQueue.GetTask(id)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask removes a task from the queue
func (a *App) DeleteTask(id string) error {
	return a.fail(a.taskQueue.DeleteTask(id))
}

// GetTaskQueueStatus returns the current queue status
func (a *App) GetTaskQueueStatus() taskqueue.QueueStatus {
	return a.taskQueue.GetStatus()
}

// ClearFinishedTasks removes completed and failed tasks
func (a *App) ClearFinishedTasks() {
	a.taskQueue.ClearFinished()
}

// ExecuteExportTask implements the TaskExecutor interface
// This is called by the queue worker to actually perform the export
func (a *App) ExecuteExportTask(ctx context.Context, task taskqueue.ExportTask, progress chan<- taskqueue.TaskProgress) (taskqueue.TaskOutput, error) {
	a.logger.Info("executing export task", zap.String("id", task.ID), zap.String("name", task.Name))

	root, err := earthengine.Decode(task.Expression)
	if err != nil {
		return taskqueue.TaskOutput{}, fmt.Errorf("failed to restore export image: %w", err)
	}
	region, err := geo.FromGeoJSON(task.Region)
	if err != nil {
		return taskqueue.TaskOutput{}, fmt.Errorf("failed to restore export region: %w", err)
	}

	res, err := a.exporter.Export(ctx, export.Request{
		Name:       task.Name,
		Image:      earthengine.ImageFromNode(root),
		Region:     region,
		Resolution: task.Resolution,
		CellPixels: task.CellPixels,
		Mode:       export.Mode(task.Mode),
		OutputDir:  a.outputPath(),
	}, func(p export.Progress) {
		select {
		case progress <- taskqueue.TaskProgress(p):
		case <-ctx.Done():
		}
	})
	if err != nil {
		return taskqueue.TaskOutput{}, err
	}
	for _, cellErr := range res.Failed {
		a.msgs.Error(fmt.Sprintf("Error exporting cell %d: %v", cellErr.Cell.Index+1, cellErr.Err))
	}
	return taskqueue.TaskOutput{Path: res.Path, URL: res.URL, FailedCells: len(res.Failed)}, nil
}

// onTaskComplete reports a finished task to the user.
func (a *App) onTaskComplete(task taskqueue.ExportTask) {
	wailsRuntime.EventsEmit(a.ctx, "task-complete", task)

	switch {
	case task.Status == taskqueue.TaskStatusFailed:
		a.msgs.Error("Error exporting: " + task.Error)
		return
	case task.OutputURL != "":
		a.msgs.Link("Download link: " + task.OutputURL)
	case task.OutputPath != "":
		if link := a.env.PublicLink(task.OutputPath); link != "" {
			a.msgs.Link("Download available at: " + link)
		} else {
			a.msgs.Info(fmt.Sprintf("Export saved to %s (%s).", task.OutputPath, elapsed(task.StartedAt)))
		}
		a.mu.Lock()
		autoOpen := a.settings.AutoOpenOutput
		a.mu.Unlock()
		if autoOpen {
			a.OpenFolder(filepath.Dir(task.OutputPath))
		}
	}
	if task.FailedCells > 0 {
		a.msgs.Warn(fmt.Sprintf("%d of %d cells failed.", task.FailedCells, task.Progress.CellsTotal))
	}
}

// ===================
// Cache
// ===================

// CacheStats represents cache statistics for frontend
type CacheStats struct {
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"sizeBytes"`
	MaxBytes  int64   `json:"maxBytes"`
	SizeMB    float64 `json:"sizeMB"`
	MaxMB     float64 `json:"maxMB"`
}

// GetCacheStats returns current cache statistics
func (a *App) GetCacheStats() CacheStats {
	if a.tileCache == nil {
		return CacheStats{}
	}

	entries, sizeBytes, maxBytes := a.tileCache.Stats()

	return CacheStats{
		Entries:   entries,
		SizeBytes: sizeBytes,
		MaxBytes:  maxBytes,
		SizeMB:    float64(sizeBytes) / 1024 / 1024,
		MaxMB:     float64(maxBytes) / 1024 / 1024,
	}
}

// ClearCache removes all cached tiles and export cells
func (a *App) ClearCache() error {
	if a.tileCache != nil {
		return a.fail(a.tileCache.Clear())
	}
	return nil
}
