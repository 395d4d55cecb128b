package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sf7293/servicehub-agents/internal/agents"
	"github.com/sf7293/servicehub-agents/internal/domain"
	"github.com/sf7293/servicehub-agents/internal/errval"
)

var (
	ErrAlreadyRegistered = errors.New("worker id already registered")
	ErrEmptyWorkerID     = errors.New("worker id must not be empty")
)

// terminalHistorySize bounds how many completed/failed tasks stay queryable.
const terminalHistorySize = 256

type registeredAgent struct {
	worker     agents.Worker
	queue      *taskQueue
	processing *domain.Task
}

// Manager owns the workers and their queues, routes tasks and runs the
// periodic dispatch loop. Construct one per process and share it explicitly,
// there is no package-level instance.
type Manager struct {
	mu   sync.Mutex
	deps agents.Deps

	agents  map[string]*registeredAgent
	order   []string
	history *taskRing

	events          domain.Queue
	eventsQueueName string
}

func NewManager(deps agents.Deps, events domain.Queue, eventsQueueName string) *Manager {
	return &Manager{
		deps:            deps,
		agents:          map[string]*registeredAgent{},
		history:         newTaskRing(terminalHistorySize),
		events:          events,
		eventsQueueName: eventsQueueName,
	}
}

// RegisterWorker instantiates a worker for cfg.Capability with an empty queue.
// The ID must be non-empty, routing treats the empty string as "no worker".
func (m *Manager) RegisterWorker(cfg domain.WorkerConfig) error {
	if cfg.ID == "" {
		return ErrEmptyWorkerID
	}

	worker, err := agents.New(cfg, m.deps)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[cfg.ID]; exists {
		return ErrAlreadyRegistered
	}
	m.agents[cfg.ID] = &registeredAgent{worker: worker, queue: &taskQueue{}}
	m.order = append(m.order, cfg.ID)
	slog.Info("worker registered", "worker_id", cfg.ID, "capability", cfg.Capability, "is_active", cfg.IsActive)
	return nil
}

// Submit inserts the task into the named worker's queue at its
// priority-stable position.
func (m *Manager) Submit(workerID string, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitLocked(workerID, task)
}

func (m *Manager) submitLocked(workerID string, task *domain.Task) error {
	ra, ok := m.agents[workerID]
	if !ok {
		return errval.ErrWorkerNotFound
	}

	capability := ra.worker.Capability()
	if task.Capability == "" {
		task.Capability = capability
	}
	if task.Capability != capability {
		return errval.ErrUnknownCapability
	}

	if !task.Priority.IsValid() {
		task.Priority = domain.PriorityMedium
	}
	if task.ID == "" {
		task.ID = deriveTaskID(task.Type, task.TargetID)
	}
	task.AssignedWorkerID = workerID
	task.Status = domain.TaskPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	ra.queue.push(task)
	slog.Info("task queued", "task_id", task.ID, "worker_id", workerID, "priority", task.Priority, "queue_length", ra.queue.len())
	return nil
}

// SubmitByCapability routes the task to the least-loaded active worker of the
// capability, ties broken by registration order.
func (m *Manager) SubmitByCapability(capability domain.Capability, task *domain.Task) (string, error) {
	if !capability.IsValid() {
		return "", errval.ErrUnknownCapability
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var chosen string
	best := -1
	for _, id := range m.order {
		ra := m.agents[id]
		if ra.worker.Capability() != capability || !ra.worker.IsActive() {
			continue
		}
		if best == -1 || ra.queue.len() < best {
			best = ra.queue.len()
			chosen = id
		}
	}
	if chosen == "" {
		return "", errval.ErrNoActiveWorker
	}

	task.Capability = capability
	if err := m.submitLocked(chosen, task); err != nil {
		return "", err
	}
	return chosen, nil
}

// DispatchTick pops at most one task per active worker and processes it. One
// worker's failure or panic never aborts the others, and no retries happen
// here: a failed task stays terminal and re-submission is the caller's call.
// Returns the number of tasks processed.
func (m *Manager) DispatchTick(ctx context.Context) int {
	type dispatch struct {
		ra   *registeredAgent
		task *domain.Task
	}

	m.mu.Lock()
	var batch []dispatch
	for _, id := range m.order {
		ra := m.agents[id]
		if !ra.worker.IsActive() || ra.queue.len() == 0 {
			continue
		}
		task := ra.queue.pop()
		now := time.Now()
		task.Status = domain.TaskProcessing
		task.ProcessedAt = &now
		ra.processing = task
		batch = append(batch, dispatch{ra: ra, task: task})
	}
	m.mu.Unlock()

	for _, d := range batch {
		m.invoke(ctx, d.ra, d.task)
	}
	return len(batch)
}

func (m *Manager) invoke(ctx context.Context, ra *registeredAgent, task *domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panicked while processing task", "task_id", task.ID, "worker_id", task.AssignedWorkerID, "panic", fmt.Sprint(r))
			m.finish(ra, task, nil, fmt.Errorf("worker panic: %v", r))
		}
	}()

	result, err := ra.worker.Process(ctx, task)
	m.finish(ra, task, result, err)
}

// finish transitions the task to its terminal state: result xor error, never
// both.
func (m *Manager) finish(ra *registeredAgent, task *domain.Task, result *domain.TaskResult, err error) {
	m.mu.Lock()
	now := time.Now()
	task.CompletedAt = &now
	if err != nil {
		task.Status = domain.TaskFailed
		task.Error = err.Error()
		task.Result = nil
	} else {
		task.Status = domain.TaskCompleted
		task.Result = result
		task.Error = ""
	}
	ra.processing = nil
	m.history.add(task)
	m.mu.Unlock()

	if err != nil {
		slog.Error("task failed", "task_id", task.ID, "worker_id", task.AssignedWorkerID, "error", err.Error())
		return
	}

	slog.Info("task completed", "task_id", task.ID, "worker_id", task.AssignedWorkerID)
	m.publishDecisionEvent(task)
}

func (m *Manager) publishDecisionEvent(task *domain.Task) {
	if m.events == nil || task.Result == nil || task.Result.Decision == nil {
		return
	}

	event := map[string]any{
		"task_id":   task.ID,
		"worker_id": task.AssignedWorkerID,
		"task_type": task.Type,
		"decision":  task.Result.Decision,
	}
	body, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal decision event", "task_id", task.ID, "error", err.Error())
		return
	}
	if err := m.events.PublishMessage(m.eventsQueueName, string(body)); err != nil {
		// Event delivery is best effort, the decision is already persisted.
		slog.Error("failed to publish decision event", "task_id", task.ID, "error", err.Error())
	}
}

// Run drives DispatchTick on a fixed interval until the context is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.DispatchTick(ctx)
		}
	}
}

func (m *Manager) Status(workerID string) (domain.WorkerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ra, ok := m.agents[workerID]
	if !ok {
		return domain.WorkerStatus{}, errval.ErrWorkerNotFound
	}
	return m.statusLocked(ra), nil
}

func (m *Manager) StatusAll() []domain.WorkerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]domain.WorkerStatus, 0, len(m.order))
	for _, id := range m.order {
		statuses = append(statuses, m.statusLocked(m.agents[id]))
	}
	return statuses
}

func (m *Manager) statusLocked(ra *registeredAgent) domain.WorkerStatus {
	cfg := ra.worker.Config()
	return domain.WorkerStatus{
		Config:      cfg,
		IsActive:    cfg.IsActive,
		QueueLength: ra.queue.len(),
		LastActive:  ra.worker.Metrics(24 * time.Hour).LastActive,
	}
}

func (m *Manager) QueueInfo() []domain.WorkerQueueInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]domain.WorkerQueueInfo, 0, len(m.order))
	for _, id := range m.order {
		ra := m.agents[id]
		processing := 0
		if ra.processing != nil {
			processing = 1
		}
		infos = append(infos, domain.WorkerQueueInfo{
			WorkerID:   id,
			Capability: ra.worker.Capability(),
			QueueDepth: ra.queue.len() + processing,
			Pending:    ra.queue.len(),
			Processing: processing,
		})
	}
	return infos
}

func (m *Manager) Metrics(workerID string, period time.Duration) (domain.WorkerMetrics, error) {
	m.mu.Lock()
	ra, ok := m.agents[workerID]
	m.mu.Unlock()
	if !ok {
		return domain.WorkerMetrics{}, errval.ErrWorkerNotFound
	}
	return ra.worker.Metrics(period), nil
}

func (m *Manager) UpdateWorkerConfig(workerID string, patch domain.WorkerConfigPatch) (domain.WorkerConfig, error) {
	m.mu.Lock()
	ra, ok := m.agents[workerID]
	m.mu.Unlock()
	if !ok {
		return domain.WorkerConfig{}, errval.ErrWorkerNotFound
	}
	ra.worker.UpdateConfig(patch)
	return ra.worker.Config(), nil
}

// SetActive toggles a worker, an inactive worker's queue is preserved but not
// drained until reactivation.
func (m *Manager) SetActive(workerID string, active bool) error {
	m.mu.Lock()
	ra, ok := m.agents[workerID]
	m.mu.Unlock()
	if !ok {
		return errval.ErrWorkerNotFound
	}
	ra.worker.SetActive(active)
	slog.Info("worker active flag changed", "worker_id", workerID, "is_active", active)
	return nil
}

func (m *Manager) EmergencyStopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		m.agents[id].worker.SetActive(false)
	}
	slog.Warn("emergency stop, all workers deactivated", "worker_count", len(m.order))
}

func (m *Manager) RestartAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		m.agents[id].worker.SetActive(true)
	}
	slog.Info("all workers reactivated", "worker_count", len(m.order))
}

// TaskByID finds a task in any queue, in flight, or in the bounded terminal
// history. Tasks older than the history window are gone. The returned task is
// a snapshot taken under the manager lock: the dispatch loop keeps mutating
// the live record, so the live pointer must never leave the lock.
func (m *Manager) TaskByID(taskID string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		ra := m.agents[id]
		if ra.processing != nil && ra.processing.ID == taskID {
			return cloneTask(ra.processing), nil
		}
		if t := ra.queue.find(taskID); t != nil {
			return cloneTask(t), nil
		}
	}
	if t := m.history.find(taskID); t != nil {
		return cloneTask(t), nil
	}
	return nil, errval.ErrNotFound
}

func cloneTask(t *domain.Task) *domain.Task {
	copied := *t
	return &copied
}

func deriveTaskID(kind string, targetID int32) string {
	return fmt.Sprintf("%s-%d-%d", kind, targetID, time.Now().UnixNano())
}

// EnqueueKYCCheck builds and routes an identity verification task for the
// provider.
func (m *Manager) EnqueueKYCCheck(providerID int32, priority domain.TaskPriority) (*domain.Task, error) {
	return m.enqueueProviderTask(domain.CapabilityKYC, "kyc_verification", providerID, priority)
}

func (m *Manager) EnqueueFraudCheck(providerID int32, priority domain.TaskPriority) (*domain.Task, error) {
	return m.enqueueProviderTask(domain.CapabilityFraudDetection, "fraud_check", providerID, priority)
}

func (m *Manager) EnqueueQualityCheck(providerID int32, priority domain.TaskPriority) (*domain.Task, error) {
	return m.enqueueProviderTask(domain.CapabilityServiceQuality, "service_quality_check", providerID, priority)
}

func (m *Manager) enqueueProviderTask(capability domain.Capability, kind string, providerID int32, priority domain.TaskPriority) (*domain.Task, error) {
	task := &domain.Task{
		ID:         deriveTaskID(kind, providerID),
		Type:       kind,
		Priority:   priority,
		TargetID:   providerID,
		TargetType: domain.TargetTypeProvider,
	}
	if _, err := m.SubmitByCapability(capability, task); err != nil {
		return nil, err
	}

	// The queued record now belongs to the dispatch loop, return a snapshot.
	m.mu.Lock()
	snapshot := cloneTask(task)
	m.mu.Unlock()
	return snapshot, nil
}

// EnqueueAllPendingKYC bulk-enqueues a verification task for every provider
// the storage gateway reports as awaiting review.
func (m *Manager) EnqueueAllPendingKYC(ctx context.Context) ([]string, error) {
	providers, err := m.deps.Storage.GetPendingReviewProviders(ctx)
	if err != nil {
		return nil, err
	}

	taskIDs := make([]string, 0, len(providers))
	for _, p := range providers {
		task, err := m.EnqueueKYCCheck(p.ID, domain.PriorityMedium)
		if err != nil {
			return taskIDs, err
		}
		taskIDs = append(taskIDs, task.ID)
	}
	slog.Info("bulk kyc enqueue finished", "enqueued_count", len(taskIDs))
	return taskIDs, nil
}
