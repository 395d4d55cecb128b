package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sf7293/servicehub-agents/internal/domain"
)

// fraudAlertThreshold is the composite score above which the worker raises an
// alert and flags the provider for review.
const fraudAlertThreshold = 60

type fraudWorker struct {
	base
}

func newFraudWorker(cfg domain.WorkerConfig, deps Deps) Worker {
	return &fraudWorker{base: newBase(cfg, deps)}
}

func (w *fraudWorker) Process(ctx context.Context, task *domain.Task) (result *domain.TaskResult, err error) {
	start := time.Now()
	defer func() { w.observe(time.Since(start), err != nil) }()

	provider, err := w.deps.Storage.GetProviderByID(ctx, task.TargetID)
	if err != nil {
		return nil, fmt.Errorf("loading provider %d: %w", task.TargetID, err)
	}

	score, signals := fraudCompositeScore(provider)

	kind := domain.DecisionApprove
	if score >= fraudAlertThreshold {
		kind = domain.DecisionFlagForReview
	}

	decision := domain.Decision{
		TargetID:            provider.ID,
		TargetType:          domain.TargetTypeProvider,
		Decision:            kind,
		Confidence:          clampScore(100 - score),
		RiskScore:           score,
		Reasoning:           fmt.Sprintf("fraud composite score %.1f against alert threshold %d", score, fraudAlertThreshold),
		Evidence:            signals,
		HumanReviewRequired: kind == domain.DecisionFlagForReview,
		ProcessedAt:         time.Now(),
	}

	audit := domain.VerificationAudit{
		ProviderID:     provider.ID,
		Decision:       string(kind),
		Confidence:     decision.Confidence,
		RiskScore:      decision.RiskScore,
		Source:         "agent:" + w.Config().ID,
		Result:         "fraud_screen",
		CreatedAtStamp: time.Now().UTC().Unix(),
	}
	if err := w.deps.Storage.InsertVerificationAudit(ctx, audit); err != nil {
		return nil, fmt.Errorf("writing fraud audit for provider %d: %w", provider.ID, err)
	}

	w.recordDecision(decision)
	if kind == domain.DecisionFlagForReview {
		slog.Warn("fraud alert raised",
			"worker_id", w.Config().ID,
			"provider_id", provider.ID,
			"score", score,
		)
	}

	return &domain.TaskResult{
		Summary:  decision.Reasoning,
		Decision: &decision,
		Data:     map[string]any{"alert": kind == domain.DecisionFlagForReview},
	}, nil
}

// fraudCompositeScore runs the fixed rule set: rate plausibility, experience
// plausibility and verification flags. Each hit adds risk points.
func fraudCompositeScore(p *domain.Provider) (score float64, signals []string) {
	if p.HourlyRate > 0 && p.HourlyRate < 50 {
		score += 30
		signals = append(signals, fmt.Sprintf("hourly rate %.2f is far below market range", p.HourlyRate))
	}
	if p.HourlyRate > 10000 {
		score += 20
		signals = append(signals, fmt.Sprintf("hourly rate %.2f is far above market range", p.HourlyRate))
	}
	if p.ExperienceYears > 50 {
		score += 25
		signals = append(signals, fmt.Sprintf("claimed experience of %d years is implausible", p.ExperienceYears))
	}
	if !p.KYCVerified && p.Status == domain.ProviderStatusActive {
		score += 15
		signals = append(signals, "provider is active without completed kyc verification")
	}
	name := strings.ToLower(p.BusinessName)
	for _, token := range suspiciousNameTokens {
		if strings.Contains(name, token) {
			score += 30
			signals = append(signals, fmt.Sprintf("business name contains suspicious token %q", token))
			break
		}
	}
	return clampScore(score), signals
}
