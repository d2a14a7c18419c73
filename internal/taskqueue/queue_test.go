package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"region-similarity/internal/earthengine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeExecutor struct {
	mu      sync.Mutex
	order   []string
	running int
	maxSeen int
	fail    map[string]bool
	block   chan struct{}
}

func (f *fakeExecutor) ExecuteExportTask(ctx context.Context, task ExportTask, progress chan<- TaskProgress) (TaskOutput, error) {
	f.mu.Lock()
	f.order = append(f.order, task.Name)
	f.running++
	if f.running > f.maxSeen {
		f.maxSeen = f.running
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return TaskOutput{}, ctx.Err()
		}
	}

	progress <- TaskProgress{CellsCompleted: 1, CellsTotal: 2, Percent: 50}
	progress <- TaskProgress{CellsCompleted: 2, CellsTotal: 2, Percent: 100}
	if f.fail[task.Name] {
		return TaskOutput{}, errors.New("every export cell failed")
	}
	return TaskOutput{Path: "/tmp/" + task.Name + ".zip", FailedCells: 1}, nil
}

func newTask(name string) *ExportTask {
	expr, _ := earthengine.Encode(earthengine.ConstantImage(1).Node())
	return NewExportTask(name, "search", expr, json.RawMessage(`{"type":"Polygon","coordinates":[]}`), 1000, 1000, "archive")
}

type completions struct {
	mu    sync.Mutex
	tasks []ExportTask
}

func (c *completions) add(t ExportTask) {
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
}

func (c *completions) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func TestTasksRunSeriallyInOrder(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{fail: map[string]bool{"b": true}}
	done := &completions{}

	qm := NewQueueManager(dir, nil)
	qm.SetExecutor(exec)
	qm.SetCallbacks(nil, nil, done.add)
	defer qm.Close()

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, qm.AddTask(newTask(name)))
	}

	require.Eventually(t, func() bool { return done.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !qm.GetStatus().IsRunning }, time.Second, 5*time.Millisecond)

	exec.mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, exec.order)
	assert.Equal(t, 1, exec.maxSeen)
	exec.mu.Unlock()

	tasks := qm.GetAllTasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, "/tmp/a.zip", tasks[0].OutputPath)
	assert.Equal(t, 1, tasks[0].FailedCells)
	assert.Equal(t, 100, tasks[0].Progress.Percent)
	assert.Equal(t, TaskStatusFailed, tasks[1].Status)
	assert.Equal(t, "every export cell failed", tasks[1].Error)

	status := qm.GetStatus()
	assert.Equal(t, 2, status.CompletedTasks)
	assert.Equal(t, 1, status.FailedTasks)
	assert.Zero(t, status.PendingTasks)
}

func TestProgressIsRelayed(t *testing.T) {
	exec := &fakeExecutor{}
	var mu sync.Mutex
	var seen []TaskProgress
	done := &completions{}

	qm := NewQueueManager(t.TempDir(), nil)
	qm.SetExecutor(exec)
	qm.SetCallbacks(nil, func(_ string, p TaskProgress) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	}, done.add)
	defer qm.Close()

	require.NoError(t, qm.AddTask(newTask("a")))
	require.Eventually(t, func() bool { return done.count() == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []TaskProgress{
		{CellsCompleted: 1, CellsTotal: 2, Percent: 50},
		{CellsCompleted: 2, CellsTotal: 2, Percent: 100},
	}, seen)
}

func TestRunningTaskCannotBeDeleted(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{})}
	done := &completions{}
	qm := NewQueueManager(t.TempDir(), nil)
	qm.SetExecutor(exec)
	qm.SetCallbacks(nil, nil, done.add)
	defer qm.Close()

	task := newTask("a")
	require.NoError(t, qm.AddTask(task))
	require.Eventually(t, func() bool { return qm.GetStatus().CurrentTaskID == task.ID }, time.Second, 5*time.Millisecond)

	assert.Error(t, qm.DeleteTask(task.ID))
	close(exec.block)
	require.Eventually(t, func() bool { return done.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !qm.GetStatus().IsRunning }, time.Second, 5*time.Millisecond)

	require.NoError(t, qm.DeleteTask(task.ID))
	assert.Empty(t, qm.GetAllTasks())
	assert.NoFileExists(t, filepath.Join(qm.storagePath, "tasks", task.ID+".json"))
}

func TestReloadResetsInterruptedTasks(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{block: make(chan struct{})}

	qm := NewQueueManager(dir, nil)
	qm.SetExecutor(exec)
	first, second := newTask("a"), newTask("b")
	require.NoError(t, qm.AddTask(first))
	require.NoError(t, qm.AddTask(second))
	require.Eventually(t, func() bool { return qm.GetStatus().CurrentTaskID == first.ID }, time.Second, 5*time.Millisecond)
	qm.Close()

	reloaded := NewQueueManager(dir, nil)
	defer reloaded.Close()
	tasks := reloaded.GetAllTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, []string{first.ID, second.ID}, []string{tasks[0].ID, tasks[1].ID})
	assert.Equal(t, TaskStatusPending, tasks[0].Status)
	assert.NotNil(t, tasks[0].Expression)
	assert.False(t, reloaded.GetStatus().IsRunning)

	done := &completions{}
	reloaded.SetExecutor(&fakeExecutor{})
	reloaded.SetCallbacks(nil, nil, done.add)
	reloaded.Resume()
	require.Eventually(t, func() bool { return done.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestClearFinished(t *testing.T) {
	done := &completions{}
	qm := NewQueueManager(t.TempDir(), nil)
	qm.SetExecutor(&fakeExecutor{fail: map[string]bool{"b": true}})
	qm.SetCallbacks(nil, nil, done.add)
	defer qm.Close()

	require.NoError(t, qm.AddTask(newTask("a")))
	require.NoError(t, qm.AddTask(newTask("b")))
	require.Eventually(t, func() bool { return done.count() == 2 }, time.Second, 5*time.Millisecond)

	qm.ClearFinished()
	assert.Empty(t, qm.GetAllTasks())

	data, err := os.ReadFile(filepath.Join(qm.storagePath, "queue.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"taskOrder":[]}`, string(data))
}
