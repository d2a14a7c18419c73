package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// QueueState represents the persistent queue state
type QueueState struct {
	TaskOrder []string `json:"taskOrder"` // Ordered list of task IDs
}

// QueueStatus represents the current queue status for events
type QueueStatus struct {
	IsRunning      bool   `json:"isRunning"`
	CurrentTaskID  string `json:"currentTaskID"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	FailedTasks    int    `json:"failedTasks"`
	PendingTasks   int    `json:"pendingTasks"`
}

// TaskOutput is what a finished export produced.
type TaskOutput struct {
	Path        string
	URL         string
	FailedCells int
}

// TaskExecutor runs one task. It receives a copy of the task and reports
// progress on the channel, which the queue closes afterwards.
type TaskExecutor interface {
	ExecuteExportTask(ctx context.Context, task ExportTask, progress chan<- TaskProgress) (TaskOutput, error)
}

// QueueManager persists export tasks and runs them one at a time.
type QueueManager struct {
	tasks       map[string]*ExportTask
	taskOrder   []string // maintains queue order
	mu          sync.RWMutex
	storagePath string // ~/.region-similarity/queue/
	logger      *zap.Logger

	isRunning   bool
	currentTask *ExportTask

	ctx        context.Context
	cancelFunc context.CancelFunc

	executor TaskExecutor

	// Event emission callbacks
	onQueueUpdate  func(status QueueStatus)
	onTaskProgress func(taskID string, progress TaskProgress)
	onTaskComplete func(task ExportTask)

	workerWg sync.WaitGroup
}

// NewQueueManager loads the queue stored under storagePath. Tasks that were
// running when the app stopped go back to pending.
func NewQueueManager(storagePath string, logger *zap.Logger) *QueueManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	qm := &QueueManager{
		tasks:       make(map[string]*ExportTask),
		taskOrder:   make([]string, 0),
		storagePath: storagePath,
		logger:      logger.Named("taskqueue"),
		ctx:         ctx,
		cancelFunc:  cancel,
	}

	if err := qm.loadState(); err != nil {
		qm.logger.Warn("failed to load queue state", zap.Error(err))
	}

	return qm
}

// SetExecutor sets the task executor
func (qm *QueueManager) SetExecutor(executor TaskExecutor) {
	qm.executor = executor
}

// SetCallbacks sets event callbacks
func (qm *QueueManager) SetCallbacks(
	onQueueUpdate func(QueueStatus),
	onTaskProgress func(string, TaskProgress),
	onTaskComplete func(ExportTask),
) {
	qm.onQueueUpdate = onQueueUpdate
	qm.onTaskProgress = onTaskProgress
	qm.onTaskComplete = onTaskComplete
}

func (qm *QueueManager) getStoragePaths() (queueFile, tasksDir string) {
	queueFile = filepath.Join(qm.storagePath, "queue.json")
	tasksDir = filepath.Join(qm.storagePath, "tasks")
	return
}

// loadState loads the queue state from disk
func (qm *QueueManager) loadState() error {
	queueFile, tasksDir := qm.getStoragePaths()

	if data, err := os.ReadFile(queueFile); err == nil {
		var state QueueState
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("failed to parse queue state: %w", err)
		}
		qm.taskOrder = state.TaskOrder
	}

	if entries, err := os.ReadDir(tasksDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			task, err := LoadFromFile(filepath.Join(tasksDir, entry.Name()))
			if err != nil {
				qm.logger.Warn("failed to load task", zap.String("file", entry.Name()), zap.Error(err))
				continue
			}
			if task.Status == TaskStatusRunning {
				task.Status = TaskStatusPending
				task.Progress = TaskProgress{}
			}
			qm.tasks[task.ID] = task
		}
	}

	// Drop ids without a task file, then append tasks missing from the order
	qm.taskOrder = lo.Filter(lo.Uniq(qm.taskOrder), func(id string, _ int) bool {
		_, ok := qm.tasks[id]
		return ok
	})
	for id := range qm.tasks {
		if !lo.Contains(qm.taskOrder, id) {
			qm.taskOrder = append(qm.taskOrder, id)
		}
	}

	qm.logger.Info("loaded tasks from disk", zap.Int("count", len(qm.tasks)))
	return nil
}

// saveState saves the queue order to disk. Callers hold mu.
func (qm *QueueManager) saveState() error {
	queueFile, _ := qm.getStoragePaths()

	if err := os.MkdirAll(filepath.Dir(queueFile), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	data, err := json.MarshalIndent(QueueState{TaskOrder: qm.taskOrder}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}

	if err := os.WriteFile(queueFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write queue state: %w", err)
	}

	return nil
}

func (qm *QueueManager) saveTask(task *ExportTask) {
	_, tasksDir := qm.getStoragePaths()
	if err := task.SaveToFile(tasksDir); err != nil {
		qm.logger.Warn("failed to persist task", zap.String("task", task.ID), zap.Error(err))
	}
}

// AddTask appends a task and starts the worker if it is idle.
func (qm *QueueManager) AddTask(task *ExportTask) error {
	qm.mu.Lock()
	if _, exists := qm.tasks[task.ID]; exists {
		qm.mu.Unlock()
		return fmt.Errorf("task already queued: %s", task.ID)
	}
	task.Status = TaskStatusPending

	_, tasksDir := qm.getStoragePaths()
	if err := task.SaveToFile(tasksDir); err != nil {
		qm.mu.Unlock()
		return err
	}
	qm.tasks[task.ID] = task
	qm.taskOrder = append(qm.taskOrder, task.ID)
	if err := qm.saveState(); err != nil {
		qm.logger.Warn("failed to persist queue order", zap.Error(err))
	}
	qm.startWorkerLocked()
	qm.mu.Unlock()

	qm.emitQueueUpdate()
	qm.logger.Info("added task", zap.String("name", task.Name), zap.String("task", task.ID))
	return nil
}

// Resume starts the worker when pending tasks were loaded from disk.
func (qm *QueueManager) Resume() {
	qm.mu.Lock()
	qm.startWorkerLocked()
	qm.mu.Unlock()
	qm.emitQueueUpdate()
}

// startWorkerLocked starts the worker unless one is running or nothing is
// pending. Callers hold mu.
func (qm *QueueManager) startWorkerLocked() {
	if qm.isRunning || qm.ctx.Err() != nil || qm.nextPendingLocked() == nil {
		return
	}
	qm.isRunning = true
	qm.workerWg.Add(1)
	go qm.worker()
}

// GetTask returns a copy of the task with the given id.
func (qm *QueueManager) GetTask(id string) (ExportTask, error) {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	task, exists := qm.tasks[id]
	if !exists {
		return ExportTask{}, fmt.Errorf("task not found: %s", id)
	}
	return *task, nil
}

// GetAllTasks returns copies of all tasks in queue order.
func (qm *QueueManager) GetAllTasks() []ExportTask {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	return lo.FilterMap(qm.taskOrder, func(id string, _ int) (ExportTask, bool) {
		task, ok := qm.tasks[id]
		if !ok {
			return ExportTask{}, false
		}
		return *task, true
	})
}

// DeleteTask removes a task that is not running.
func (qm *QueueManager) DeleteTask(id string) error {
	qm.mu.Lock()
	task, exists := qm.tasks[id]
	if !exists {
		qm.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}
	if task.Status == TaskStatusRunning {
		qm.mu.Unlock()
		return fmt.Errorf("cannot delete running task")
	}

	qm.taskOrder = lo.Without(qm.taskOrder, id)
	delete(qm.tasks, id)

	_, tasksDir := qm.getStoragePaths()
	if err := task.DeleteFile(tasksDir); err != nil && !os.IsNotExist(err) {
		qm.logger.Warn("failed to delete task file", zap.String("task", id), zap.Error(err))
	}
	if err := qm.saveState(); err != nil {
		qm.logger.Warn("failed to persist queue order", zap.Error(err))
	}
	qm.mu.Unlock()

	qm.emitQueueUpdate()
	qm.logger.Info("deleted task", zap.String("task", id))
	return nil
}

// ClearFinished removes completed and failed tasks.
func (qm *QueueManager) ClearFinished() {
	qm.mu.Lock()
	_, tasksDir := qm.getStoragePaths()

	qm.taskOrder = lo.Filter(qm.taskOrder, func(id string, _ int) bool {
		task := qm.tasks[id]
		if !task.Finished() {
			return true
		}
		task.DeleteFile(tasksDir)
		delete(qm.tasks, id)
		return false
	})
	if err := qm.saveState(); err != nil {
		qm.logger.Warn("failed to persist queue order", zap.Error(err))
	}
	qm.mu.Unlock()

	qm.emitQueueUpdate()
}

// GetStatus returns the current queue status
func (qm *QueueManager) GetStatus() QueueStatus {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	status := QueueStatus{IsRunning: qm.isRunning, TotalTasks: len(qm.tasks)}
	for _, task := range qm.tasks {
		switch task.Status {
		case TaskStatusCompleted:
			status.CompletedTasks++
		case TaskStatusFailed:
			status.FailedTasks++
		case TaskStatusPending:
			status.PendingTasks++
		}
	}
	if qm.currentTask != nil {
		status.CurrentTaskID = qm.currentTask.ID
	}
	return status
}

func (qm *QueueManager) nextPendingLocked() *ExportTask {
	for _, id := range qm.taskOrder {
		if task := qm.tasks[id]; task != nil && task.Status == TaskStatusPending {
			return task
		}
	}
	return nil
}

func (qm *QueueManager) emitQueueUpdate() {
	if qm.onQueueUpdate != nil {
		qm.onQueueUpdate(qm.GetStatus())
	}
}

// Close stops the worker after cancelling the running task.
func (qm *QueueManager) Close() {
	qm.cancelFunc()
	qm.workerWg.Wait()
}
