package agents

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sf7293/servicehub-agents/internal/domain"
	"github.com/sf7293/servicehub-agents/internal/errval"
)

// Conservative decision policy: only near-certain document matches
// auto-approve, most real-world cases land in human review.
const (
	kycApproveThreshold = 95
	kycRejectThreshold  = 30
)

const (
	// OCR reads below this confidence raise a soft quality finding even when
	// the extracted text matches.
	ocrConfidenceFloor = 80

	docTypeAadhar = "aadhar"
	docTypePAN    = "pan"
)

var (
	aadharPattern = regexp.MustCompile(`^[0-9]{12}$`)
	panPattern    = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)
)

// Per-identifier verification outcomes. A content mismatch is CRITICAL and
// must stay distinguishable from a missing document and from a low-confidence
// read.
const (
	checkVerified         = "verified"
	checkLowOCRConfidence = "low_ocr_confidence"
	checkDocumentMissing  = "document_missing"
	checkUnreadable       = "document_unreadable"
	checkInvalidFormat    = "invalid_format"
	checkMissingValue     = "identifier_missing"
	checkCriticalMismatch = "critical_mismatch"
)

type identifierCheck struct {
	Kind   string
	Score  float64
	Status string
	Detail string
}

// matched reports whether the self-reported value was confirmed against a
// document, regardless of read quality.
func (c identifierCheck) matched() bool {
	return c.Status == checkVerified || c.Status == checkLowOCRConfidence
}

type kycReport struct {
	Aadhar        identifierCheck
	PAN           identifierCheck
	CrossScore    float64
	DuplicateHits []string
	FraudHits     []string
	Consistency   float64
	Legitimacy    float64
	Experience    float64
	LocationScore float64

	DocumentScore float64
	BusinessScore float64
	OverallScore  float64
	RiskScore     float64
	Confidence    float64
}

type kycWorker struct {
	base
}

func newKYCWorker(cfg domain.WorkerConfig, deps Deps) Worker {
	return &kycWorker{base: newBase(cfg, deps)}
}

func (w *kycWorker) Process(ctx context.Context, task *domain.Task) (result *domain.TaskResult, err error) {
	start := time.Now()
	defer func() { w.observe(time.Since(start), err != nil) }()

	provider, err := w.deps.Storage.GetProviderByID(ctx, task.TargetID)
	if err != nil {
		return nil, fmt.Errorf("loading provider %d: %w", task.TargetID, err)
	}

	population, err := w.deps.Storage.GetAllProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading provider population for duplicate scan: %w", err)
	}

	report := w.analyze(ctx, provider, population)
	decision := w.decide(provider, report)

	if err := w.apply(ctx, provider, decision); err != nil {
		return nil, err
	}

	w.recordDecision(decision)
	slog.Info("kyc verification finished",
		"worker_id", w.Config().ID,
		"provider_id", provider.ID,
		"decision", decision.Decision,
		"confidence", decision.Confidence,
		"risk_score", decision.RiskScore,
	)

	return &domain.TaskResult{
		Summary:  decision.Reasoning,
		Decision: &decision,
		Data: map[string]any{
			"document_score": report.DocumentScore,
			"business_score": report.BusinessScore,
			"overall_score":  report.OverallScore,
		},
	}, nil
}

// analyze runs the five scoring stages. It is deterministic given the provider
// record, the population and the OCR provider's reads.
func (w *kycWorker) analyze(ctx context.Context, p *domain.Provider, population []*domain.Provider) kycReport {
	var r kycReport

	r.Aadhar = w.verifyIdentifier(ctx, p, docTypeAadhar)
	r.PAN = w.verifyIdentifier(ctx, p, docTypePAN)

	// Cross-verification demands both identifiers valid and matching, one
	// failure caps the sub-score low.
	if r.Aadhar.matched() && r.PAN.matched() {
		r.CrossScore = 100
	} else {
		r.CrossScore = 20
	}

	duplicateScore, duplicateHits := duplicateIdentifierScan(p, population)
	r.DuplicateHits = duplicateHits
	fraudScore, fraudHits := fraudPatternScore(p)
	r.FraudHits = fraudHits
	r.Consistency = consistencyScore(p)

	r.Legitimacy = legitimacyScore(p)
	r.Experience = experienceScore(p.ExperienceYears)
	r.LocationScore = locationScore(p.Location)

	r.DocumentScore = clampScore(mean(r.Aadhar.Score, r.PAN.Score, r.CrossScore))
	r.BusinessScore = clampScore(mean(r.Legitimacy, r.Experience, r.LocationScore))
	r.OverallScore = clampScore(mean(r.DocumentScore, r.BusinessScore))
	r.RiskScore = clampScore(duplicateScore + fraudScore + (100 - r.Consistency))

	// Content verification dominates confidence, business polish alone must
	// never produce a high-confidence auto-approval.
	r.Confidence = r.DocumentScore

	return r
}

// verifyIdentifier covers stages 1 and 2 for one government identifier:
// format validation, then OCR content verification against the uploaded
// document. An invalid format short-circuits the score to zero.
func (w *kycWorker) verifyIdentifier(ctx context.Context, p *domain.Provider, kind string) identifierCheck {
	check := identifierCheck{Kind: kind}

	var reported string
	var pattern *regexp.Regexp
	switch kind {
	case docTypeAadhar:
		reported = strings.TrimSpace(p.AadharNumber)
		pattern = aadharPattern
	case docTypePAN:
		reported = strings.ToUpper(strings.TrimSpace(p.PANNumber))
		pattern = panPattern
	}

	if reported == "" {
		check.Score = 0
		check.Status = checkMissingValue
		check.Detail = fmt.Sprintf("no %s number on record", kind)
		return check
	}
	if !pattern.MatchString(reported) {
		check.Score = 0
		check.Status = checkInvalidFormat
		check.Detail = fmt.Sprintf("%s number %q does not match the required format", kind, reported)
		return check
	}

	doc, found := findDocument(p.Documents, kind)
	if !found {
		check.Score = 50
		check.Status = checkDocumentMissing
		check.Detail = fmt.Sprintf("no %s document uploaded", kind)
		return check
	}

	extraction, err := w.deps.OCR.Extract(ctx, p.ID, doc)
	if err != nil {
		check.Score = 40
		check.Status = checkUnreadable
		check.Detail = fmt.Sprintf("%s document %s could not be read", kind, doc.FileName)
		return check
	}

	extracted := strings.TrimSpace(extraction.Text)
	matches := extracted == reported
	if kind == docTypePAN {
		// PAN comparison is case-insensitive, Aadhaar is purely numeric.
		matches = strings.EqualFold(extracted, reported)
	}
	if !matches {
		check.Score = 0
		check.Status = checkCriticalMismatch
		check.Detail = fmt.Sprintf("%s document content does not match the self-reported number", kind)
		return check
	}

	if extraction.Confidence < ocrConfidenceFloor {
		check.Score = 70
		check.Status = checkLowOCRConfidence
		check.Detail = fmt.Sprintf("%s matched but OCR confidence was %.0f%%", kind, extraction.Confidence)
		return check
	}

	check.Score = 100
	check.Status = checkVerified
	check.Detail = fmt.Sprintf("%s number confirmed against uploaded document", kind)
	return check
}

func findDocument(docs []domain.Document, docType string) (domain.Document, bool) {
	for _, d := range docs {
		if strings.EqualFold(d.DocType, docType) {
			return d, true
		}
	}
	return domain.Document{}, false
}

// duplicateIdentifierScan compares the subject's identifiers against the full
// provider population. An identifier reused by a different subject is a strong
// risk signal.
func duplicateIdentifierScan(p *domain.Provider, population []*domain.Provider) (score float64, hits []string) {
	for _, other := range population {
		if other.ID == p.ID {
			continue
		}
		if p.AadharNumber != "" && other.AadharNumber == p.AadharNumber {
			hits = append(hits, fmt.Sprintf("aadhar number also registered by provider %d", other.ID))
		}
		if p.PANNumber != "" && strings.EqualFold(other.PANNumber, p.PANNumber) {
			hits = append(hits, fmt.Sprintf("pan number also registered by provider %d", other.ID))
		}
	}
	if len(hits) > 0 {
		score = 80
	}
	return score, hits
}

var suspiciousNameTokens = []string{"test", "fake", "dummy", "asdf", "xxx"}

// fraudPatternScore applies plausibility heuristics to the business profile.
// Each hit adds risk points.
func fraudPatternScore(p *domain.Provider) (score float64, hits []string) {
	name := strings.ToLower(p.BusinessName)
	for _, token := range suspiciousNameTokens {
		if strings.Contains(name, token) {
			score += 30
			hits = append(hits, fmt.Sprintf("business name contains suspicious token %q", token))
			break
		}
	}
	if p.HourlyRate > 0 && p.HourlyRate < 50 {
		score += 25
		hits = append(hits, fmt.Sprintf("hourly rate %.2f is implausibly low", p.HourlyRate))
	}
	if p.HourlyRate > 10000 {
		score += 20
		hits = append(hits, fmt.Sprintf("hourly rate %.2f is implausibly high", p.HourlyRate))
	}
	if p.ExperienceYears > 50 {
		score += 25
		hits = append(hits, fmt.Sprintf("%d years of experience is implausible", p.ExperienceYears))
	}
	if len(strings.TrimSpace(p.Description)) < 10 {
		score += 10
		hits = append(hits, "description is too short to assess the offering")
	}
	return clampScore(score), hits
}

// consistencyScore checks internal coherence of the record, it starts at 100
// and loses points per inconsistency.
func consistencyScore(p *domain.Provider) float64 {
	score := 100.0
	if !tokenOverlap(p.OwnerName, p.BusinessName) && !tokenOverlap(p.OwnerName, p.Email) {
		score -= 30
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, p.Phone)
	if len(digits) != 10 {
		score -= 20
	}
	if strings.TrimSpace(p.ServiceName) == "" {
		score -= 20
	}
	return clampScore(score)
}

func tokenOverlap(a, b string) bool {
	normalize := func(s string) []string {
		return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
		})
	}
	bTokens := map[string]bool{}
	for _, t := range normalize(b) {
		if len(t) >= 3 {
			bTokens[t] = true
		}
	}
	for _, t := range normalize(a) {
		if len(t) >= 3 && bTokens[t] {
			return true
		}
	}
	return false
}

func legitimacyScore(p *domain.Provider) float64 {
	score := 0.0
	name := strings.TrimSpace(p.BusinessName)
	if len(name) >= 3 && len(name) <= 80 {
		score += 60
	}
	if strings.Contains(name, " ") {
		score += 15
	}
	if len(strings.TrimSpace(p.Description)) >= 30 {
		score += 25
	}
	return clampScore(score)
}

func experienceScore(years int32) float64 {
	switch {
	case years < 0:
		return 0
	case years <= 40:
		return 100
	case years <= 60:
		return 40
	default:
		return 0
	}
}

func locationScore(location string) float64 {
	location = strings.TrimSpace(location)
	switch {
	case strings.Contains(location, ",") || len(location) >= 10:
		return 100
	case len(location) >= 4:
		return 70
	default:
		return 30
	}
}

// decide maps the report to a Decision. The rule is deterministic and total
// over all score combinations.
func (w *kycWorker) decide(p *domain.Provider, r kycReport) domain.Decision {
	cfg := w.Config()

	var kind domain.DecisionType
	switch {
	case r.Confidence >= kycApproveThreshold:
		kind = domain.DecisionApprove
	case r.Confidence < kycRejectThreshold:
		kind = domain.DecisionReject
	default:
		kind = domain.DecisionFlagForReview
	}

	// Auto-approval takes the stricter of the policy gate and the worker's
	// own configuration.
	if kind == domain.DecisionApprove {
		if !cfg.AutoApprovalEnabled || r.Confidence < cfg.AutoApprovalThreshold {
			kind = domain.DecisionFlagForReview
		}
	}

	return domain.Decision{
		TargetID:   p.ID,
		TargetType: domain.TargetTypeProvider,
		Decision:   kind,
		Confidence: clampScore(r.Confidence),
		RiskScore:  r.RiskScore,
		Reasoning: fmt.Sprintf(
			"document score %.1f, business score %.1f, overall %.1f, risk %.1f",
			r.DocumentScore, r.BusinessScore, r.OverallScore, r.RiskScore,
		),
		Evidence:            buildRecommendations(r),
		HumanReviewRequired: kind == domain.DecisionFlagForReview,
		ProcessedAt:         time.Now(),
	}
}

// buildRecommendations emits the evidence list in a fixed order: document
// findings first, then fraud and risk findings, then generic score-based
// guidance.
func buildRecommendations(r kycReport) []string {
	var out []string

	for _, check := range []identifierCheck{r.Aadhar, r.PAN} {
		switch check.Status {
		case checkCriticalMismatch:
			out = append(out,
				fmt.Sprintf("CRITICAL: %s", check.Detail),
				fmt.Sprintf("Request a fresh %s document upload and cross-check the number manually", check.Kind),
			)
		case checkLowOCRConfidence:
			out = append(out, fmt.Sprintf("Request a clearer %s scan, the current read was below the confidence floor", check.Kind))
		case checkDocumentMissing:
			out = append(out, fmt.Sprintf("Document missing: %s, ask the provider to upload it", check.Detail))
		case checkUnreadable:
			out = append(out, fmt.Sprintf("Document unreadable: %s, ask for a re-upload", check.Detail))
		case checkInvalidFormat, checkMissingValue:
			out = append(out, fmt.Sprintf("Identifier problem: %s", check.Detail))
		}
	}

	for _, hit := range r.DuplicateHits {
		out = append(out, fmt.Sprintf("Investigate duplicate identifier: %s", hit))
	}
	for _, hit := range r.FraudHits {
		out = append(out, fmt.Sprintf("Investigate risk signal: %s", hit))
	}
	if r.Consistency < 100 {
		out = append(out, "Verify contact and ownership details, the record has consistency gaps")
	}

	switch {
	case r.Confidence >= kycApproveThreshold:
		out = append(out, "Identity documents verified with high confidence")
	case r.Confidence < kycRejectThreshold:
		out = append(out, "Identity could not be established from the submitted documents")
	default:
		out = append(out, "Manual review recommended before activating this provider")
	}

	return out
}

// apply persists the decision's side effects through the storage gateway under
// a per-provider lock. A failed application leaves the provider untouched and
// fails the task.
func (w *kycWorker) apply(ctx context.Context, p *domain.Provider, d domain.Decision) error {
	if w.deps.Lock != nil {
		lockKey := domain.ProviderLockKey(p.ID)
		locked, err := w.deps.Lock.Lock(lockKey, 10*time.Second)
		if err != nil {
			return fmt.Errorf("locking provider %d: %w", p.ID, err)
		}
		if !locked {
			return fmt.Errorf("provider %d is being updated by another worker: %w", p.ID, errval.ErrInternal)
		}
		defer func() {
			if err := w.deps.Lock.Unlock(lockKey); err != nil {
				slog.Error("failed to unlock provider", "lock_key", lockKey, "error", err.Error())
			}
		}()
	}

	var result string
	var err error
	switch d.Decision {
	case domain.DecisionApprove:
		result = "auto_approved"
		if err = w.deps.Storage.UpdateProviderVerification(ctx, p.ID, true, domain.KYCStatusVerified); err == nil {
			err = w.deps.Storage.UpdateProviderStatus(ctx, p.ID, domain.ProviderStatusActive)
		}
	case domain.DecisionReject:
		result = "auto_rejected"
		err = w.deps.Storage.UpdateProviderVerification(ctx, p.ID, false, domain.KYCStatusRejected)
	default:
		result = "needs_human_review"
		err = w.deps.Storage.UpdateProviderVerification(ctx, p.ID, false, domain.KYCStatusPendingReview)
	}
	if err != nil {
		return fmt.Errorf("applying kyc decision for provider %d: %w", p.ID, err)
	}

	audit := domain.VerificationAudit{
		ProviderID:     p.ID,
		Decision:       string(d.Decision),
		Confidence:     d.Confidence,
		RiskScore:      d.RiskScore,
		Source:         "agent:" + w.Config().ID,
		Result:         result,
		CreatedAtStamp: time.Now().UTC().Unix(),
	}
	if err := w.deps.Storage.InsertVerificationAudit(ctx, audit); err != nil {
		return fmt.Errorf("writing verification audit for provider %d: %w", p.ID, err)
	}

	return nil
}
