package taskqueue

import (
	"fmt"

	"go.uber.org/zap"
)

// worker runs pending tasks in queue order until none are left or the
// queue is closed.
func (qm *QueueManager) worker() {
	defer qm.workerWg.Done()
	qm.logger.Debug("worker started")
	defer qm.logger.Debug("worker stopped")

	for {
		qm.mu.Lock()
		task := qm.nextPendingLocked()
		if task == nil || qm.ctx.Err() != nil {
			qm.isRunning = false
			qm.currentTask = nil
			qm.mu.Unlock()
			qm.emitQueueUpdate()
			return
		}
		qm.currentTask = task
		task.MarkStarted()
		qm.saveTask(task)
		snapshot := *task
		qm.mu.Unlock()

		qm.emitQueueUpdate()
		qm.run(task, snapshot)
	}
}

func (qm *QueueManager) run(task *ExportTask, snapshot ExportTask) {
	qm.logger.Info("executing task", zap.String("name", task.Name), zap.String("task", task.ID))

	progressChan := make(chan TaskProgress, 10)
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		for progress := range progressChan {
			qm.mu.Lock()
			task.Progress = progress
			qm.saveTask(task)
			qm.mu.Unlock()

			if qm.onTaskProgress != nil {
				qm.onTaskProgress(task.ID, progress)
			}
		}
	}()

	var out TaskOutput
	var execErr error
	if qm.executor != nil {
		out, execErr = qm.executor.ExecuteExportTask(qm.ctx, snapshot, progressChan)
	} else {
		execErr = fmt.Errorf("no executor configured")
	}
	close(progressChan)
	<-relayed

	qm.mu.Lock()
	switch {
	case execErr != nil && qm.ctx.Err() != nil:
		// shutdown: run it again next time
		task.Status = TaskStatusPending
		task.Progress = TaskProgress{}
	case execErr != nil:
		task.MarkFailed(execErr)
		qm.logger.Warn("task failed", zap.String("task", task.ID), zap.Error(execErr))
	default:
		task.OutputPath = out.Path
		task.OutputURL = out.URL
		task.FailedCells = out.FailedCells
		task.MarkCompleted()
		qm.logger.Info("task completed", zap.String("task", task.ID))
	}
	qm.saveTask(task)
	qm.currentTask = nil
	done := *task
	qm.mu.Unlock()

	if done.Finished() && qm.onTaskComplete != nil {
		qm.onTaskComplete(done)
	}
}
