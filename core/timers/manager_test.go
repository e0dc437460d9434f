package timers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigaflow/gigaflow/common/logger"
	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/common/repository"
)

type recordingExecutor struct {
	runs  atomic.Int64
	block chan struct{}

	lastStart atomic.Value
}

func (r *recordingExecutor) Execute(ctx context.Context, req *models.WorkflowExecuteRequest, input map[string]any) *models.ExecutionResult {
	r.runs.Add(1)
	r.lastStart.Store(req.StartNodeID)
	if r.block != nil {
		<-r.block
	}
	return &models.ExecutionResult{Success: true, Result: map[string]any{}}
}

func timerNode(id string, interval int) models.Node {
	return models.Node{
		ID:   id,
		Type: models.NodeTimer,
		Data: map[string]any{
			"label":  id,
			"config": map[string]any{"interval": interval},
		},
	}
}

func storeWith(t *testing.T, wf *models.Workflow) repository.WorkflowStore {
	t.Helper()
	store := repository.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), wf))
	return store
}

func TestSetupRefusesDraftWorkflow(t *testing.T) {
	wf := &models.Workflow{
		ID:     "wf1",
		Name:   "wf1",
		Status: models.StatusDraft,
		Nodes:  []models.Node{timerNode("t1", 1)},
	}
	m := NewManager(storeWith(t, wf), &recordingExecutor{}, logger.Discard())
	defer m.Stop()

	_, err := m.Setup(context.Background(), "wf1", &wf.Nodes[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not published")
	assert.Empty(t, m.List())
}

func TestPublishLifecycleControlsTimer(t *testing.T) {
	wf := &models.Workflow{
		ID:     "wf1",
		Name:   "wf1",
		Status: models.StatusDraft,
		Nodes:  []models.Node{timerNode("t1", 1)},
	}
	store := storeWith(t, wf)
	m := NewManager(store, &recordingExecutor{}, logger.Discard())
	defer m.Stop()

	// Draft: reconciliation arms nothing.
	require.NoError(t, m.SyncWorkflow(context.Background(), wf))
	assert.Empty(t, m.List())

	// Publish: exactly one timer appears.
	require.NoError(t, store.SetStatus(context.Background(), "wf1", models.StatusPublished))
	wf.Status = models.StatusPublished
	require.NoError(t, m.SyncWorkflow(context.Background(), wf))

	timers := m.List()
	require.Len(t, timers, 1)
	assert.Equal(t, "workflow_timer_wf1", timers[0].TimerID)
	assert.Equal(t, "t1", timers[0].NodeID)
	assert.True(t, timers[0].Active)

	// Re-publishing re-arms in place instead of accumulating.
	require.NoError(t, m.SyncWorkflow(context.Background(), wf))
	assert.Len(t, m.List(), 1)

	// Unpublish: the timer disappears.
	wf.Status = models.StatusDraft
	require.NoError(t, m.SyncWorkflow(context.Background(), wf))
	assert.Empty(t, m.List())
}

func TestTimerFiresFromTimerNode(t *testing.T) {
	wf := &models.Workflow{
		ID:     "wf1",
		Name:   "wf1",
		Status: models.StatusPublished,
		Nodes:  []models.Node{timerNode("t1", 1)},
	}
	exec := &recordingExecutor{}
	m := NewManager(storeWith(t, wf), exec, logger.Discard())
	m.SetTickUnit(10 * time.Millisecond)
	defer m.Stop()

	_, err := m.Setup(context.Background(), "wf1", &wf.Nodes[0])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return exec.runs.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	// Runs start at the timer node, not at graph inference.
	assert.Equal(t, "t1", exec.lastStart.Load())
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	wf := &models.Workflow{
		ID:     "wf1",
		Name:   "wf1",
		Status: models.StatusPublished,
		Nodes:  []models.Node{timerNode("t1", 1)},
	}
	exec := &recordingExecutor{block: make(chan struct{})}
	m := NewManager(storeWith(t, wf), exec, logger.Discard())
	m.SetTickUnit(5 * time.Millisecond)
	defer m.Stop()

	_, err := m.Setup(context.Background(), "wf1", &wf.Nodes[0])
	require.NoError(t, err)

	// The first run blocks; later ticks must skip rather than pile up.
	require.Eventually(t, func() bool {
		return exec.runs.Load() == 1
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), exec.runs.Load())

	close(exec.block)
}

func TestTimerDeactivatesWhenWorkflowUnpublished(t *testing.T) {
	wf := &models.Workflow{
		ID:     "wf1",
		Name:   "wf1",
		Status: models.StatusPublished,
		Nodes:  []models.Node{timerNode("t1", 1)},
	}
	store := storeWith(t, wf)
	exec := &recordingExecutor{}
	m := NewManager(store, exec, logger.Discard())
	defer m.Stop()

	_, err := m.Setup(context.Background(), "wf1", &wf.Nodes[0])
	require.NoError(t, err)

	// Unpublish behind the manager's back; the next fire notices and
	// removes the schedule.
	require.NoError(t, store.SetStatus(context.Background(), "wf1", models.StatusDraft))

	_, err = m.ExecuteNow(context.Background(), "workflow_timer_wf1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no longer published")
	assert.Empty(t, m.List())
	assert.Equal(t, int64(0), exec.runs.Load())
}

func TestPauseResumeExecuteNow(t *testing.T) {
	wf := &models.Workflow{
		ID:     "wf1",
		Name:   "wf1",
		Status: models.StatusPublished,
		Nodes:  []models.Node{timerNode("t1", 30)},
	}
	exec := &recordingExecutor{}
	m := NewManager(storeWith(t, wf), exec, logger.Discard())
	defer m.Stop()

	_, err := m.Setup(context.Background(), "wf1", &wf.Nodes[0])
	require.NoError(t, err)

	require.NoError(t, m.Pause("workflow_timer_wf1"))
	timers := m.List()
	require.Len(t, timers, 1)
	assert.False(t, timers[0].Active)

	res, err := m.ExecuteNow(context.Background(), "workflow_timer_wf1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), exec.runs.Load())

	require.NoError(t, m.Resume("workflow_timer_wf1"))
	assert.True(t, m.List()[0].Active)

	assert.Error(t, m.Pause("workflow_timer_missing"))
	assert.Error(t, m.Resume("workflow_timer_missing"))
}
