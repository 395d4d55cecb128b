package agents

import (
	"context"
	"sync"
	"time"

	"github.com/sf7293/servicehub-agents/internal/domain"
	"github.com/sf7293/servicehub-agents/internal/errval"
	"github.com/sf7293/servicehub-agents/internal/ocr"
)

const (
	// decisionHistorySize bounds the per-worker decision history used by the
	// metrics endpoint.
	decisionHistorySize = 10
	// sampleRingSize bounds the completion samples kept for per-period counts.
	sampleRingSize = 512
)

// Deps carries the shared collaborators injected into every worker.
type Deps struct {
	Storage domain.Storage
	OCR     ocr.Provider
	// Lock serializes conflicting writes to the same provider record. Optional,
	// workers skip locking when nil (single-instance deployments).
	Lock domain.DistributedLock
}

// Worker is a named unit of capability: it consumes a Task and produces a
// TaskResult or an error, holds mutable configuration and a rolling metrics
// window.
type Worker interface {
	Capability() domain.Capability
	Config() domain.WorkerConfig
	UpdateConfig(patch domain.WorkerConfigPatch)
	SetActive(active bool)
	IsActive() bool
	Process(ctx context.Context, task *domain.Task) (*domain.TaskResult, error)
	Metrics(period time.Duration) domain.WorkerMetrics
}

type factory func(cfg domain.WorkerConfig, deps Deps) Worker

var factories = map[domain.Capability]factory{
	domain.CapabilityKYC:              newKYCWorker,
	domain.CapabilityFraudDetection:   newFraudWorker,
	domain.CapabilityServiceQuality:   newQualityWorker,
	domain.CapabilityUserSupport:      newSupportWorker,
	domain.CapabilityQualityAssurance: newQAWorker,
}

// New instantiates the worker registered for cfg.Capability.
func New(cfg domain.WorkerConfig, deps Deps) (Worker, error) {
	f, ok := factories[cfg.Capability]
	if !ok {
		return nil, errval.ErrUnknownCapability
	}

	return f(cfg, deps), nil
}

type completionSample struct {
	at        time.Time
	elapsedMs float64
	failed    bool
}

// base carries the config and rolling metrics shared by all worker bodies.
// Concrete workers embed it and call observe from a Process defer.
type base struct {
	mu   sync.Mutex
	cfg  domain.WorkerConfig
	deps Deps

	tasksProcessed  int64
	tasksCompleted  int64
	tasksFailed     int64
	avgProcessingMs float64
	lastActive      time.Time

	decisions []domain.Decision
	samples   []completionSample
}

func newBase(cfg domain.WorkerConfig, deps Deps) base {
	return base{cfg: cfg, deps: deps}
}

func (b *base) Capability() domain.Capability {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Capability
}

func (b *base) Config() domain.WorkerConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *base) UpdateConfig(patch domain.WorkerConfigPatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if patch.Name != nil {
		b.cfg.Name = *patch.Name
	}
	if patch.IsActive != nil {
		b.cfg.IsActive = *patch.IsActive
	}
	if patch.AutoApprovalEnabled != nil {
		b.cfg.AutoApprovalEnabled = *patch.AutoApprovalEnabled
	}
	if patch.AutoApprovalThreshold != nil {
		b.cfg.AutoApprovalThreshold = clampScore(*patch.AutoApprovalThreshold)
	}
}

func (b *base) SetActive(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.IsActive = active
}

func (b *base) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.IsActive
}

func (b *base) LastActive() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActive
}

// observe updates the rolling counters after one Process invocation. The
// average processing time is an incremental mean over completed tasks, no full
// history is kept.
func (b *base) observe(elapsed time.Duration, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastActive = time.Now()
	b.tasksProcessed++
	elapsedMs := float64(elapsed.Microseconds()) / 1000.0
	if failed {
		b.tasksFailed++
	} else {
		b.tasksCompleted++
		b.avgProcessingMs += (elapsedMs - b.avgProcessingMs) / float64(b.tasksCompleted)
	}

	b.samples = append(b.samples, completionSample{at: b.lastActive, elapsedMs: elapsedMs, failed: failed})
	if len(b.samples) > sampleRingSize {
		b.samples = b.samples[len(b.samples)-sampleRingSize:]
	}
}

func (b *base) recordDecision(d domain.Decision) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.decisions = append(b.decisions, d)
	if len(b.decisions) > decisionHistorySize {
		b.decisions = b.decisions[len(b.decisions)-decisionHistorySize:]
	}
}

func (b *base) Metrics(period time.Duration) domain.WorkerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := domain.WorkerMetrics{
		Period:                  period.String(),
		AverageProcessingTimeMs: b.avgProcessingMs,
		LastActive:              b.lastActive,
		RecentDecisions:         append([]domain.Decision{}, b.decisions...),
	}

	cutoff := time.Now().Add(-period)
	for _, s := range b.samples {
		if s.at.Before(cutoff) {
			continue
		}
		m.TasksProcessed++
		if s.failed {
			m.TasksFailed++
		} else {
			m.TasksCompleted++
		}
	}

	return m
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func mean(values ...float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
