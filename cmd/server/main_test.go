package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sf7293/servicehub-agents/configs"
	"github.com/sf7293/servicehub-agents/internal/agents"
	"github.com/sf7293/servicehub-agents/internal/domain"
	"github.com/sf7293/servicehub-agents/internal/memstorage"
	"github.com/sf7293/servicehub-agents/internal/ocr"
	"github.com/sf7293/servicehub-agents/internal/scheduler"
)

func TestMain(m *testing.M) {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	slog.SetDefault(slog.New(h))

	os.Exit(m.Run())
}

type testServer struct {
	ts      *httptest.Server
	manager *scheduler.Manager
	storage *memstorage.Storage
}

// runTestServer wires the full route surface against in-memory storage and the
// echo OCR provider, so no infra is needed to exercise the APIs.
func runTestServer() *testServer {
	storage := memstorage.NewStorage()
	deps := agents.Deps{
		Storage: storage,
		OCR:     ocr.EchoProvider{},
	}
	manager := scheduler.NewManager(deps, nil, "")
	if err := registerDefaultWorkers(manager, configs.AgentsConfig{AutoApprovalEnabled: true, AutoApprovalThreshold: 95}); err != nil {
		log.Fatal(err)
	}
	storageIsReady = true

	return &testServer{
		ts:      httptest.NewServer(setupHTTPServer(manager, storage, nil)),
		manager: manager,
		storage: storage,
	}
}

func postJSON(t *testing.T, url string, payload map[string]interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	jsonData, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Expected no error marshalling payload, got %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Fatalf("Error while closing response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Error while reading response body: %v", err)
	}
	responseMap := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &responseMap); err != nil {
			t.Fatalf("Error while unmarshalling response body %q: %v", string(body), err)
		}
	}
	return resp, responseMap
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]interface{}) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Fatalf("Error while closing response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Error while reading response body: %v", err)
	}
	responseMap := map[string]interface{}{}
	if err := json.Unmarshal(body, &responseMap); err != nil {
		t.Fatalf("Error while unmarshalling response body %q: %v", string(body), err)
	}
	return resp, responseMap
}

// seedCleanProvider stores a provider whose documents match the self-reported
// identifiers, which the echo OCR provider confirms at full confidence.
func seedCleanProvider(storage *memstorage.Storage) int32 {
	return storage.SeedProvider(domain.Provider{
		Email:           "ramesh@sharmaplumbing.example",
		BusinessName:    "Sharma Plumbing Works",
		OwnerName:       "Ramesh Sharma",
		Phone:           "9876543210",
		ServiceName:     "Plumbing",
		Location:        "Indiranagar, Bangalore",
		HourlyRate:      500,
		ExperienceYears: 8,
		Description:     "Residential plumbing, pipe fitting and bathroom repairs with same-day service.",
		AadharNumber:    "123456789012",
		PANNumber:       "ABCDE1234F",
		Documents: []domain.Document{
			{DocType: "aadhar", FileName: "123456789012.png"},
			{DocType: "pan", FileName: "ABCDE1234F.png"},
		},
	})
}

func Test_liveness_api(t *testing.T) {
	srv := runTestServer()
	defer srv.ts.Close()

	t.Run("it should return 200 when health is ok", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/liveness", srv.ts.URL))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		assert.Equal(t, 200, resp.StatusCode)
	})
}

func Test_readiness_api(t *testing.T) {
	srv := runTestServer()
	defer srv.ts.Close()

	t.Run("it should return 200 when storage is connected", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/readiness", srv.ts.URL))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		assert.Equal(t, 200, resp.StatusCode)
	})

	t.Run("a wired but unready event publisher should fail readiness", func(t *testing.T) {
		storage := memstorage.NewStorage()
		manager := scheduler.NewManager(agents.Deps{Storage: storage, OCR: ocr.EchoProvider{}}, &stubQueue{healthy: true}, "events")
		storageIsReady = true
		rabbitIsReady = false
		defer func() { rabbitIsReady = false }()

		ts := httptest.NewServer(setupHTTPServer(manager, storage, &stubQueue{healthy: true}))
		defer ts.Close()

		resp, err := http.Get(fmt.Sprintf("%s/readiness", ts.URL))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, 503, resp.StatusCode)

		rabbitIsReady = true
		resp, err = http.Get(fmt.Sprintf("%s/readiness", ts.URL))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, 200, resp.StatusCode)
	})
}

// stubQueue stands in for the rabbit publisher in API tests.
type stubQueue struct {
	healthy bool
}

func (q *stubQueue) IsHealthy() bool                  { return q.healthy }
func (q *stubQueue) PublishMessage(_, _ string) error { return nil }
func (q *stubQueue) Close() error                     { return nil }

func Test_list_agents_api(t *testing.T) {
	srv := runTestServer()
	defer srv.ts.Close()

	t.Run("it should list every registered worker", func(t *testing.T) {
		resp, body := getJSON(t, fmt.Sprintf("%s/agents", srv.ts.URL))

		assert.Equal(t, 200, resp.StatusCode)
		agentList, ok := body["agents"].([]interface{})
		assert.Equal(t, true, ok)
		assert.Equal(t, 5, len(agentList))
	})

	t.Run("it should return a single worker by id", func(t *testing.T) {
		resp, body := getJSON(t, fmt.Sprintf("%s/agents/kyc-agent-1", srv.ts.URL))

		assert.Equal(t, 200, resp.StatusCode)
		cfg, ok := body["config"].(map[string]interface{})
		assert.Equal(t, true, ok)
		assert.Equal(t, "kyc_verification", cfg["capability"])
	})

	t.Run("it should return 404 for an unknown worker", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/agents/no-such-agent", srv.ts.URL))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		assert.Equal(t, 404, resp.StatusCode)
	})
}

func Test_process_kyc_api(t *testing.T) {
	srv := runTestServer()
	defer srv.ts.Close()

	providerID := seedCleanProvider(srv.storage)

	t.Run("it should enqueue, process and auto approve a clean provider", func(t *testing.T) {
		resp, body := postJSON(t, fmt.Sprintf("%s/agents/process/kyc", srv.ts.URL), map[string]interface{}{
			"provider_id": providerID,
			"priority":    "high",
		})

		assert.Equal(t, 200, resp.StatusCode)
		taskID, exists := body["task_id"].(string)
		assert.Equal(t, true, exists)
		assert.Equal(t, "kyc-agent-1", body["assigned_worker_id"])

		processed := srv.manager.DispatchTick(context.Background())
		assert.Equal(t, 1, processed)

		resp, task := getJSON(t, fmt.Sprintf("%s/agents/tasks/%s", srv.ts.URL, taskID))
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "completed", task["status"])

		result, ok := task["result"].(map[string]interface{})
		assert.Equal(t, true, ok)
		decision, ok := result["decision"].(map[string]interface{})
		assert.Equal(t, true, ok)
		assert.Equal(t, "approve", decision["decision"])

		provider, err := srv.storage.GetProviderByID(context.Background(), providerID)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, true, provider.KYCVerified)
		assert.Equal(t, domain.KYCStatusVerified, provider.KYCStatus)
		assert.Equal(t, domain.ProviderStatusActive, provider.Status)

		audits, err := srv.storage.GetVerificationAudits(context.Background(), providerID)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, "auto_approved", audits[0].Result)
	})

	t.Run("it should reject an invalid priority", func(t *testing.T) {
		resp, _ := postJSON(t, fmt.Sprintf("%s/agents/process/kyc", srv.ts.URL), map[string]interface{}{
			"provider_id": providerID,
			"priority":    "whenever",
		})

		assert.Equal(t, 400, resp.StatusCode)
	})
}

func Test_process_all_pending_kyc_api(t *testing.T) {
	srv := runTestServer()
	defer srv.ts.Close()

	seedCleanProvider(srv.storage)
	seedCleanProvider(srv.storage)

	t.Run("it should enqueue one task per pending provider", func(t *testing.T) {
		resp, body := postJSON(t, fmt.Sprintf("%s/agents/process/all-pending-kyc", srv.ts.URL), map[string]interface{}{})

		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, float64(2), body["enqueued_count"])
	})
}

func Test_queue_info_api(t *testing.T) {
	srv := runTestServer()
	defer srv.ts.Close()

	providerID := seedCleanProvider(srv.storage)
	_, _ = postJSON(t, fmt.Sprintf("%s/agents/process/fraud", srv.ts.URL), map[string]interface{}{
		"provider_id": providerID,
	})

	t.Run("it should report per worker queue depth", func(t *testing.T) {
		resp, body := getJSON(t, fmt.Sprintf("%s/agents/queue/info", srv.ts.URL))

		assert.Equal(t, 200, resp.StatusCode)
		queues, ok := body["queues"].([]interface{})
		assert.Equal(t, true, ok)
		assert.Equal(t, 5, len(queues))

		var fraudDepth float64
		for _, q := range queues {
			entry := q.(map[string]interface{})
			if entry["worker_id"] == "fraud-agent-1" {
				fraudDepth = entry["queue_depth"].(float64)
			}
		}
		assert.Equal(t, float64(1), fraudDepth)
	})
}

func Test_worker_config_api(t *testing.T) {
	srv := runTestServer()
	defer srv.ts.Close()

	t.Run("it should apply a partial config update", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/agents/kyc-agent-1/config", srv.ts.URL),
			bytes.NewBufferString(`{"auto_approval_enabled":false}`))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		assert.Equal(t, 200, resp.StatusCode)

		cfg, err := srv.manager.UpdateWorkerConfig("kyc-agent-1", domain.WorkerConfigPatch{})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, false, cfg.AutoApprovalEnabled)
		// The threshold was not part of the patch and must survive.
		assert.Equal(t, float64(95), cfg.AutoApprovalThreshold)
	})

	t.Run("it should toggle the active flag", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/agents/fraud-agent-1/status", srv.ts.URL),
			bytes.NewBufferString(`{"is_active":false}`))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		assert.Equal(t, 200, resp.StatusCode)

		status, err := srv.manager.Status("fraud-agent-1")
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		assert.Equal(t, false, status.IsActive)
	})
}

func Test_metrics_api(t *testing.T) {
	srv := runTestServer()
	defer srv.ts.Close()

	providerID := seedCleanProvider(srv.storage)
	_, _ = postJSON(t, fmt.Sprintf("%s/agents/process/kyc", srv.ts.URL), map[string]interface{}{
		"provider_id": providerID,
	})
	srv.manager.DispatchTick(context.Background())

	t.Run("it should report processed counts for the period", func(t *testing.T) {
		resp, body := getJSON(t, fmt.Sprintf("%s/agents/kyc-agent-1/metrics?period=24h", srv.ts.URL))

		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, float64(1), body["tasks_processed"])
		assert.Equal(t, float64(1), body["tasks_completed"])
		assert.Equal(t, float64(0), body["tasks_failed"])
	})

	t.Run("it should reject an unknown period", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/agents/kyc-agent-1/metrics?period=90d", srv.ts.URL))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		assert.Equal(t, 400, resp.StatusCode)
	})
}

func Test_emergency_stop_api(t *testing.T) {
	srv := runTestServer()
	defer srv.ts.Close()

	providerID := seedCleanProvider(srv.storage)

	t.Run("it should halt dispatch until restart", func(t *testing.T) {
		resp, _ := postJSON(t, fmt.Sprintf("%s/agents/emergency-stop", srv.ts.URL), map[string]interface{}{})
		assert.Equal(t, 200, resp.StatusCode)

		// An inactive capability has no eligible worker for new submissions.
		resp, _ = postJSON(t, fmt.Sprintf("%s/agents/process/kyc", srv.ts.URL), map[string]interface{}{
			"provider_id": providerID,
		})
		assert.Equal(t, 503, resp.StatusCode)

		resp, _ = postJSON(t, fmt.Sprintf("%s/agents/restart", srv.ts.URL), map[string]interface{}{})
		assert.Equal(t, 200, resp.StatusCode)

		resp, _ = postJSON(t, fmt.Sprintf("%s/agents/process/kyc", srv.ts.URL), map[string]interface{}{
			"provider_id": providerID,
		})
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, 1, srv.manager.DispatchTick(context.Background()))
	})
}
