package timers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gigaflow/gigaflow/common/logger"
	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/common/repository"
)

// Executor runs a workflow graph. Satisfied by *engine.Engine.
type Executor interface {
	Execute(ctx context.Context, req *models.WorkflowExecuteRequest, initialInput map[string]any) *models.ExecutionResult
}

// TimerInfo is the externally visible state of one scheduled timer.
type TimerInfo struct {
	TimerID     string `json:"timer_id"`
	WorkflowID  string `json:"workflow_id"`
	NodeID      string `json:"node_id"`
	Interval    int    `json:"interval"`
	Timezone    string `json:"timezone"`
	Active      bool   `json:"active"`
	IsExecuting bool   `json:"is_executing"`
	CreatedAt   string `json:"created_at"`
	LastRun     string `json:"last_run,omitempty"`
}

// task is one armed timer. The mutex guards the mutable fields; the
// is_executing flag gives single-flight semantics so a slow run is never
// overlapped by the next tick.
type task struct {
	mu sync.Mutex

	timerID     string
	workflowID  string
	nodeID      string
	interval    int
	timezone    string
	active      bool
	isExecuting bool
	createdAt   time.Time
	lastRun     string

	cancel context.CancelFunc
}

func (t *task) info() TimerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TimerInfo{
		TimerID:     t.timerID,
		WorkflowID:  t.workflowID,
		NodeID:      t.nodeID,
		Interval:    t.interval,
		Timezone:    t.timezone,
		Active:      t.active,
		IsExecuting: t.isExecuting,
		CreatedAt:   t.createdAt.Format(time.RFC3339),
		LastRun:     t.lastRun,
	}
}

// Manager schedules periodic workflow runs from timer nodes. One timer per
// workflow, keyed workflow_timer_<workflow_id>; re-arming replaces the
// previous schedule. Timers fire only while the workflow stays published:
// each tick re-reads the workflow and deactivates itself if the workflow
// was unpublished or deleted behind its back.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*task

	store repository.WorkflowStore
	exec  Executor
	log   *logger.Logger

	// tickUnit scales the node's interval; a minute in production, shrunk
	// in tests.
	tickUnit time.Duration
}

func NewManager(store repository.WorkflowStore, exec Executor, log *logger.Logger) *Manager {
	return &Manager{
		tasks:    make(map[string]*task),
		store:    store,
		exec:     exec,
		log:      log,
		tickUnit: time.Minute,
	}
}

func timerKey(workflowID string) string {
	return "workflow_timer_" + workflowID
}

// Setup arms (or re-arms) the timer described by a timer node. The workflow
// must exist and be published; anything else refuses the schedule.
func (m *Manager) Setup(ctx context.Context, workflowID string, node *models.Node) (TimerInfo, error) {
	if node.Type != models.NodeTimer {
		return TimerInfo{}, fmt.Errorf("node %s is not a timer node", node.ID)
	}

	wf, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return TimerInfo{}, fmt.Errorf("workflow %s not found", workflowID)
	}
	if wf.Status != models.StatusPublished {
		return TimerInfo{}, fmt.Errorf("workflow %s is not published; publish it before scheduling", workflowID)
	}

	cfg := node.Config()
	interval := models.ConfigInt(cfg, "interval", 5)
	if interval < 1 {
		interval = 1
	}
	timezone := models.ConfigString(cfg, "timezone", "UTC")

	t := &task{
		timerID:    timerKey(workflowID),
		workflowID: workflowID,
		nodeID:     node.ID,
		interval:   interval,
		timezone:   timezone,
		active:     true,
		createdAt:  time.Now(),
	}

	m.mu.Lock()
	if old, ok := m.tasks[t.timerID]; ok {
		old.stop()
	}
	m.tasks[t.timerID] = t
	m.mu.Unlock()

	m.start(t)
	m.log.Info("timer armed", "timer_id", t.timerID, "interval", interval, "node_id", node.ID)
	return t.info(), nil
}

// SyncWorkflow reconciles the timer for a workflow with its current status:
// published workflows with a timer node get (or keep) a schedule, everything
// else loses it. Called on publish and unpublish.
func (m *Manager) SyncWorkflow(ctx context.Context, wf *models.Workflow) error {
	if wf.Status != models.StatusPublished {
		m.Delete(timerKey(wf.ID))
		return nil
	}
	for i := range wf.Nodes {
		if wf.Nodes[i].Type == models.NodeTimer {
			_, err := m.Setup(ctx, wf.ID, &wf.Nodes[i])
			return err
		}
	}
	// No timer node: drop any stale schedule.
	m.Delete(timerKey(wf.ID))
	return nil
}

// List returns a snapshot of all timers, stable by timer id.
func (m *Manager) List() []TimerInfo {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	out := make([]TimerInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimerID < out[j].TimerID })
	return out
}

// Pause stops the schedule but keeps the timer registered.
func (m *Manager) Pause(timerID string) error {
	m.mu.Lock()
	t, ok := m.tasks[timerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("timer %s not found", timerID)
	}

	t.stop()
	m.log.Info("timer paused", "timer_id", timerID)
	return nil
}

// Resume restarts a paused timer.
func (m *Manager) Resume(timerID string) error {
	m.mu.Lock()
	t, ok := m.tasks[timerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("timer %s not found", timerID)
	}

	t.mu.Lock()
	alreadyActive := t.active
	t.mu.Unlock()
	if alreadyActive {
		return nil
	}

	m.start(t)
	m.log.Info("timer resumed", "timer_id", timerID)
	return nil
}

// Delete stops and removes a timer. Removing an unknown timer is a no-op.
func (m *Manager) Delete(timerID string) {
	m.mu.Lock()
	t, ok := m.tasks[timerID]
	if ok {
		delete(m.tasks, timerID)
	}
	m.mu.Unlock()

	if ok {
		t.stop()
		m.log.Info("timer deleted", "timer_id", timerID)
	}
}

// ExecuteNow fires the timer's workflow immediately, outside the schedule.
func (m *Manager) ExecuteNow(ctx context.Context, timerID string) (*models.ExecutionResult, error) {
	m.mu.Lock()
	t, ok := m.tasks[timerID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("timer %s not found", timerID)
	}
	return m.fire(ctx, t)
}

// Stop cancels every schedule; used on shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.stop()
	}
}

// SetTickUnit overrides the interval unit; tests shrink it to milliseconds.
func (m *Manager) SetTickUnit(d time.Duration) {
	m.tickUnit = d
}

func (m *Manager) start(t *task) {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.active = true
	t.cancel = cancel
	interval := time.Duration(t.interval) * m.tickUnit
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.fire(ctx, t); err != nil {
					m.log.Error("timer run failed", "timer_id", t.timerID, "error", err)
				}
			}
		}
	}()
}

func (t *task) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// fire runs one scheduled execution. Overlapping ticks are skipped rather
// than queued, and the workflow is re-read so edits between ticks take
// effect without re-arming.
func (m *Manager) fire(ctx context.Context, t *task) (*models.ExecutionResult, error) {
	t.mu.Lock()
	if t.isExecuting {
		t.mu.Unlock()
		m.log.Warn("timer tick skipped, previous run still in flight", "timer_id", t.timerID)
		return nil, nil
	}
	t.isExecuting = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.isExecuting = false
		t.lastRun = time.Now().Format(time.RFC3339)
		t.mu.Unlock()
	}()

	wf, err := m.store.Get(ctx, t.workflowID)
	if err != nil {
		m.log.Warn("timer workflow disappeared, deactivating", "timer_id", t.timerID)
		m.Delete(t.timerID)
		return nil, fmt.Errorf("workflow %s not found", t.workflowID)
	}
	if wf.Status != models.StatusPublished {
		m.log.Info("timer workflow unpublished, deactivating", "timer_id", t.timerID)
		m.Delete(t.timerID)
		return nil, fmt.Errorf("workflow %s is no longer published", t.workflowID)
	}

	m.log.Info("timer fired", "timer_id", t.timerID, "workflow_id", t.workflowID)

	req := &models.WorkflowExecuteRequest{
		Nodes:       wf.Nodes,
		Connections: wf.Connections,
		StartNodeID: t.nodeID,
	}
	input := map[string]any{
		"trigger":      "timer",
		"timer_id":     t.timerID,
		"triggered_at": time.Now().Format(time.RFC3339),
	}
	return m.exec.Execute(ctx, req, input), nil
}
