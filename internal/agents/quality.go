package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sf7293/servicehub-agents/internal/domain"
)

// Service quality thresholds mapping the composite score to a decision.
const (
	qualityApproveFloor = 85
	qualityImproveFloor = 60
	qualityReviewFloor  = 40
)

// Similarity above this fraction against another provider's listing counts as
// a near-duplicate.
const duplicateSimilarityCeiling = 0.9

var knownServiceNames = map[string]bool{
	"plumbing": true, "electrical work": true, "home cleaning": true,
	"painting": true, "carpentry": true, "landscaping": true,
	"moving services": true, "beauty services": true, "fitness training": true,
	"massage therapy": true, "pet care": true, "tutoring": true,
	"photography": true, "event planning": true, "catering": true,
	"web development": true, "graphic design": true, "accounting": true,
	"legal consulting": true, "it support": true,
}

type qualityWorker struct {
	base
}

func newQualityWorker(cfg domain.WorkerConfig, deps Deps) Worker {
	return &qualityWorker{base: newBase(cfg, deps)}
}

func (w *qualityWorker) Process(ctx context.Context, task *domain.Task) (result *domain.TaskResult, err error) {
	start := time.Now()
	defer func() { w.observe(time.Since(start), err != nil) }()

	provider, err := w.deps.Storage.GetProviderByID(ctx, task.TargetID)
	if err != nil {
		return nil, fmt.Errorf("loading provider %d: %w", task.TargetID, err)
	}
	population, err := w.deps.Storage.GetAllProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading provider population for similarity scan: %w", err)
	}

	content := contentScore(provider)
	category := categoryScore(provider.ServiceName)
	pricing := pricingScore(provider.HourlyRate)
	uniqueness, nearest := uniquenessScore(provider, population)
	composite := clampScore(mean(content, category, pricing, uniqueness))

	var kind domain.DecisionType
	switch {
	case composite >= qualityApproveFloor:
		kind = domain.DecisionApprove
	case composite >= qualityImproveFloor:
		kind = domain.DecisionRequestImprovements
	case composite >= qualityReviewFloor:
		kind = domain.DecisionFlagForReview
	default:
		kind = domain.DecisionReject
	}

	decision := domain.Decision{
		TargetID:   provider.ID,
		TargetType: domain.TargetTypeProvider,
		Decision:   kind,
		Confidence: composite,
		RiskScore:  clampScore(100 - composite),
		Reasoning: fmt.Sprintf(
			"quality composite %.1f (content %.1f, category %.1f, pricing %.1f, uniqueness %.1f)",
			composite, content, category, pricing, uniqueness,
		),
		Evidence:            qualitySuggestions(content, category, pricing, uniqueness, nearest),
		HumanReviewRequired: kind == domain.DecisionFlagForReview,
		ProcessedAt:         time.Now(),
	}

	audit := domain.VerificationAudit{
		ProviderID:     provider.ID,
		Decision:       string(kind),
		Confidence:     decision.Confidence,
		RiskScore:      decision.RiskScore,
		Source:         "agent:" + w.Config().ID,
		Result:         "quality_review",
		CreatedAtStamp: time.Now().UTC().Unix(),
	}
	if err := w.deps.Storage.InsertVerificationAudit(ctx, audit); err != nil {
		return nil, fmt.Errorf("writing quality audit for provider %d: %w", provider.ID, err)
	}

	w.recordDecision(decision)
	slog.Info("service quality review finished",
		"worker_id", w.Config().ID,
		"provider_id", provider.ID,
		"decision", kind,
		"composite", composite,
	)

	return &domain.TaskResult{
		Summary:  decision.Reasoning,
		Decision: &decision,
	}, nil
}

func contentScore(p *domain.Provider) float64 {
	desc := len(strings.TrimSpace(p.Description))
	switch {
	case desc >= 50:
		return 100
	case desc >= 20:
		return 70
	case desc > 0:
		return 40
	default:
		return 10
	}
}

func categoryScore(serviceName string) float64 {
	if knownServiceNames[strings.ToLower(strings.TrimSpace(serviceName))] {
		return 100
	}
	return 50
}

func pricingScore(rate float64) float64 {
	switch {
	case rate >= 100 && rate <= 5000:
		return 100
	case rate >= 50 && rate <= 10000:
		return 60
	default:
		return 20
	}
}

// uniquenessScore compares the listing text against every other provider via
// normalized edit distance and penalizes near-duplicates.
func uniquenessScore(p *domain.Provider, population []*domain.Provider) (score float64, nearest string) {
	own := listingText(p)
	maxSimilarity := 0.0
	for _, other := range population {
		if other.ID == p.ID {
			continue
		}
		sim := similarity(own, listingText(other))
		if sim > maxSimilarity {
			maxSimilarity = sim
			nearest = other.BusinessName
		}
	}
	if maxSimilarity < duplicateSimilarityCeiling {
		nearest = ""
	}
	return clampScore(100 * (1 - maxSimilarity)), nearest
}

func listingText(p *domain.Provider) string {
	return strings.ToLower(strings.TrimSpace(p.BusinessName + " " + p.Description))
}

// similarity is 1 - levenshtein(a,b)/max(len(a),len(b)).
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein computes edit distance with a two-row table.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func qualitySuggestions(content, category, pricing, uniqueness float64, nearest string) []string {
	var out []string
	if content < 70 {
		out = append(out, "Expand the service description, aim for at least 50 characters covering scope and materials")
	}
	if category < 100 {
		out = append(out, "Pick a service from the standard catalog so customers can find the listing")
	}
	if pricing < 100 {
		out = append(out, "Adjust the hourly rate into the expected range for the category")
	}
	if uniqueness < 70 {
		if nearest != "" {
			out = append(out, fmt.Sprintf("Listing closely duplicates %q, rewrite it in the provider's own words", nearest))
		} else {
			out = append(out, "Rewrite the listing to differentiate it from similar providers")
		}
	}
	if len(out) == 0 {
		out = append(out, "Listing meets the quality bar")
	}
	return out
}
