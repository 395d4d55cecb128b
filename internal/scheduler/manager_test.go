package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sf7293/servicehub-agents/internal/agents"
	"github.com/sf7293/servicehub-agents/internal/domain"
	"github.com/sf7293/servicehub-agents/internal/errval"
	"github.com/sf7293/servicehub-agents/internal/memstorage"
	"github.com/sf7293/servicehub-agents/internal/ocr"
)

func newTestManager() (*Manager, *memstorage.Storage) {
	storage := memstorage.NewStorage()
	deps := agents.Deps{
		Storage: storage,
		OCR:     ocr.EchoProvider{},
	}
	return NewManager(deps, nil, ""), storage
}

func seedProvider(storage *memstorage.Storage) int32 {
	return storage.SeedProvider(domain.Provider{
		Email:           "meera@brightspark.example",
		BusinessName:    "Bright Spark Electricals",
		OwnerName:       "Meera Nair",
		Phone:           "9812345670",
		ServiceName:     "Electrical Work",
		Location:        "Kochi, Kerala",
		HourlyRate:      450,
		ExperienceYears: 6,
		Description:     "Wiring, switchboard installation and appliance repair for homes and small offices.",
		KYCVerified:     true,
		AadharNumber:    "234567890123",
		PANNumber:       "FGHIJ5678K",
		Documents: []domain.Document{
			{DocType: "aadhar", FileName: "234567890123.png"},
			{DocType: "pan", FileName: "FGHIJ5678K.png"},
		},
	})
}

func Test_register_worker(t *testing.T) {
	m, _ := newTestManager()

	t.Run("it should reject a duplicate worker id", func(t *testing.T) {
		cfg := domain.WorkerConfig{ID: "fraud-1", Capability: domain.CapabilityFraudDetection, IsActive: true}
		if err := m.RegisterWorker(cfg); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.ErrorIs(t, m.RegisterWorker(cfg), ErrAlreadyRegistered)
	})

	t.Run("it should reject an unknown capability", func(t *testing.T) {
		err := m.RegisterWorker(domain.WorkerConfig{ID: "x-1", Capability: "time_travel"})
		assert.ErrorIs(t, err, errval.ErrUnknownCapability)
	})

	t.Run("it should reject an empty worker id", func(t *testing.T) {
		err := m.RegisterWorker(domain.WorkerConfig{ID: "", Capability: domain.CapabilityFraudDetection})
		assert.ErrorIs(t, err, ErrEmptyWorkerID)
	})
}

func Test_submit_routing(t *testing.T) {
	m, _ := newTestManager()
	for _, id := range []string{"fraud-a", "fraud-b"} {
		if err := m.RegisterWorker(domain.WorkerConfig{ID: id, Capability: domain.CapabilityFraudDetection, IsActive: true}); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}

	t.Run("it should route to the least loaded active worker", func(t *testing.T) {
		if err := m.Submit("fraud-a", &domain.Task{Type: "fraud_check", TargetID: 1}); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if err := m.Submit("fraud-a", &domain.Task{Type: "fraud_check", TargetID: 2}); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		workerID, err := m.SubmitByCapability(domain.CapabilityFraudDetection, &domain.Task{Type: "fraud_check", TargetID: 3})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, "fraud-b", workerID)
	})

	t.Run("it should break load ties by registration order", func(t *testing.T) {
		m2, _ := newTestManager()
		for _, id := range []string{"fraud-1", "fraud-2"} {
			if err := m2.RegisterWorker(domain.WorkerConfig{ID: id, Capability: domain.CapabilityFraudDetection, IsActive: true}); err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
		}

		workerID, err := m2.SubmitByCapability(domain.CapabilityFraudDetection, &domain.Task{Type: "fraud_check", TargetID: 1})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, "fraud-1", workerID)
	})

	t.Run("it should refuse a task whose capability mismatches the worker", func(t *testing.T) {
		err := m.Submit("fraud-a", &domain.Task{Capability: domain.CapabilityKYC, Type: "kyc_verification", TargetID: 1})
		assert.ErrorIs(t, err, errval.ErrUnknownCapability)
	})

	t.Run("it should fail when no active worker holds the capability", func(t *testing.T) {
		_, err := m.SubmitByCapability(domain.CapabilityUserSupport, &domain.Task{Type: "support_request"})
		assert.ErrorIs(t, err, errval.ErrNoActiveWorker)
	})

	t.Run("it should skip inactive workers", func(t *testing.T) {
		if err := m.SetActive("fraud-a", false); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if err := m.SetActive("fraud-b", false); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		_, err := m.SubmitByCapability(domain.CapabilityFraudDetection, &domain.Task{Type: "fraud_check", TargetID: 4})
		assert.ErrorIs(t, err, errval.ErrNoActiveWorker)
	})
}

func Test_dispatch_tick(t *testing.T) {
	m, storage := newTestManager()
	providerID := seedProvider(storage)
	for _, cfg := range []domain.WorkerConfig{
		{ID: "fraud-1", Capability: domain.CapabilityFraudDetection, IsActive: true},
		{ID: "qa-1", Capability: domain.CapabilityQualityAssurance, IsActive: true},
	} {
		if err := m.RegisterWorker(cfg); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}

	t.Run("one worker's failure should not abort the others", func(t *testing.T) {
		// qa-1 gets a task for a provider that does not exist and must fail,
		// fraud-1 must still complete its own task.
		okTask, err := m.EnqueueFraudCheck(providerID, domain.PriorityHigh)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		badTask := &domain.Task{Type: "quality_assurance_check", TargetID: 9999}
		if err := m.Submit("qa-1", badTask); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		processed := m.DispatchTick(context.Background())
		assert.Equal(t, 2, processed)

		done, err := m.TaskByID(okTask.ID)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, domain.TaskCompleted, done.Status)
		if done.Result == nil {
			t.Fatal("Expected a result on the completed task")
		}
		if done.CompletedAt == nil || done.ProcessedAt == nil {
			t.Fatal("Expected processing timestamps on the completed task")
		}

		failed, err := m.TaskByID(badTask.ID)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, domain.TaskFailed, failed.Status)
		assert.NotEqual(t, "", failed.Error)
		if failed.Result != nil {
			t.Fatal("Expected no result on the failed task")
		}
	})

	t.Run("it should process at most one task per worker per tick", func(t *testing.T) {
		if _, err := m.EnqueueFraudCheck(providerID, domain.PriorityMedium); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if _, err := m.EnqueueFraudCheck(providerID, domain.PriorityMedium); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		assert.Equal(t, 1, m.DispatchTick(context.Background()))
		assert.Equal(t, 1, m.DispatchTick(context.Background()))
		assert.Equal(t, 0, m.DispatchTick(context.Background()))
	})
}

func Test_emergency_stop_and_restart(t *testing.T) {
	m, storage := newTestManager()
	providerID := seedProvider(storage)
	if err := m.RegisterWorker(domain.WorkerConfig{ID: "fraud-1", Capability: domain.CapabilityFraudDetection, IsActive: true}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	t.Run("stopped workers keep their queues until restart", func(t *testing.T) {
		task, err := m.EnqueueFraudCheck(providerID, domain.PriorityCritical)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		m.EmergencyStopAll()
		assert.Equal(t, 0, m.DispatchTick(context.Background()))

		pending, err := m.TaskByID(task.ID)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, domain.TaskPending, pending.Status)

		m.RestartAll()
		assert.Equal(t, 1, m.DispatchTick(context.Background()))

		done, err := m.TaskByID(task.ID)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, domain.TaskCompleted, done.Status)
	})
}

func Test_task_lookup(t *testing.T) {
	m, _ := newTestManager()

	t.Run("it should return not found for an unknown task id", func(t *testing.T) {
		_, err := m.TaskByID("no-such-task")
		assert.ErrorIs(t, err, errval.ErrNotFound)
	})
}

func Test_task_lookup_returns_snapshots(t *testing.T) {
	m, storage := newTestManager()
	providerID := seedProvider(storage)
	if err := m.RegisterWorker(domain.WorkerConfig{ID: "fraud-1", Capability: domain.CapabilityFraudDetection, IsActive: true}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	t.Run("a handed out task must not change under the dispatch loop", func(t *testing.T) {
		queued, err := m.EnqueueFraudCheck(providerID, domain.PriorityMedium)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, domain.TaskPending, queued.Status)

		before, err := m.TaskByID(queued.ID)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		m.DispatchTick(context.Background())

		// Copies taken before the tick keep their observed state, only a
		// fresh lookup sees the terminal record.
		assert.Equal(t, domain.TaskPending, queued.Status)
		assert.Equal(t, domain.TaskPending, before.Status)
		if before.Result != nil || before.CompletedAt != nil {
			t.Fatal("Expected the pre-tick snapshot to stay untouched")
		}

		after, err := m.TaskByID(queued.ID)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, domain.TaskCompleted, after.Status)
		if after.Result == nil {
			t.Fatal("Expected a result on the completed task")
		}
	})
}

func Test_worker_config_update(t *testing.T) {
	m, _ := newTestManager()
	if err := m.RegisterWorker(domain.WorkerConfig{
		ID:                    "kyc-1",
		Name:                  "KYC Verification Agent",
		Capability:            domain.CapabilityKYC,
		IsActive:              true,
		AutoApprovalEnabled:   true,
		AutoApprovalThreshold: 95,
	}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	t.Run("it should patch only the provided fields", func(t *testing.T) {
		name := "Primary KYC Agent"
		enabled := false
		cfg, err := m.UpdateWorkerConfig("kyc-1", domain.WorkerConfigPatch{Name: &name, AutoApprovalEnabled: &enabled})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		assert.Equal(t, "Primary KYC Agent", cfg.Name)
		assert.Equal(t, false, cfg.AutoApprovalEnabled)
		assert.Equal(t, float64(95), cfg.AutoApprovalThreshold)
		assert.Equal(t, true, cfg.IsActive)
	})

	t.Run("it should clamp the auto approval threshold", func(t *testing.T) {
		threshold := 250.0
		cfg, err := m.UpdateWorkerConfig("kyc-1", domain.WorkerConfigPatch{AutoApprovalThreshold: &threshold})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, float64(100), cfg.AutoApprovalThreshold)
	})

	t.Run("it should fail for an unknown worker", func(t *testing.T) {
		_, err := m.UpdateWorkerConfig("nope", domain.WorkerConfigPatch{})
		assert.ErrorIs(t, err, errval.ErrWorkerNotFound)
	})
}

func Test_enqueue_all_pending_kyc(t *testing.T) {
	m, storage := newTestManager()
	if err := m.RegisterWorker(domain.WorkerConfig{ID: "kyc-1", Capability: domain.CapabilityKYC, IsActive: true}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	pendingID := storage.SeedProvider(domain.Provider{BusinessName: "Pending One", AadharNumber: "345678901234"})
	storage.SeedProvider(domain.Provider{BusinessName: "Already Done", KYCStatus: domain.KYCStatusVerified})

	t.Run("it should only enqueue providers awaiting review", func(t *testing.T) {
		taskIDs, err := m.EnqueueAllPendingKYC(context.Background())
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		assert.Equal(t, 1, len(taskIDs))
		task, err := m.TaskByID(taskIDs[0])
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, pendingID, task.TargetID)
		assert.Equal(t, domain.CapabilityKYC, task.Capability)
	})
}
