package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sf7293/servicehub-agents/internal/domain"
)

// supportRoute maps trigger keywords to a canned response. Routing is additive
// scoring: every keyword hit adds the route's weight and the highest total
// wins.
type supportRoute struct {
	category string
	keywords []string
	weight   int
	response string
}

var supportRoutes = []supportRoute{
	{
		category: "booking",
		keywords: []string{"booking", "reschedule", "cancel", "appointment", "slot"},
		weight:   10,
		response: "You can manage the booking from your dashboard under Bookings. Cancellations are free up to 24 hours before the slot.",
	},
	{
		category: "payment",
		keywords: []string{"payment", "refund", "charged", "invoice", "amount"},
		weight:   12,
		response: "Payments are settled after the service is completed. Refund requests are processed within 5 business days.",
	},
	{
		category: "kyc",
		keywords: []string{"kyc", "verification", "document", "aadhar", "pan", "verified"},
		weight:   12,
		response: "Verification usually completes within a day of uploading both documents. You can check the status on your profile page.",
	},
	{
		category: "account",
		keywords: []string{"password", "login", "email", "account", "profile"},
		weight:   8,
		response: "Account settings including email and password can be changed from the Profile page after logging in.",
	},
}

var urgentKeywords = []string{"urgent", "immediately", "complaint", "fraud", "police", "legal"}

type supportWorker struct {
	base
}

func newSupportWorker(cfg domain.WorkerConfig, deps Deps) Worker {
	return &supportWorker{base: newBase(cfg, deps)}
}

func (w *supportWorker) Process(ctx context.Context, task *domain.Task) (result *domain.TaskResult, err error) {
	start := time.Now()
	defer func() { w.observe(time.Since(start), err != nil) }()

	message, _ := task.Payload["message"].(string)
	category, response, score := routeSupportMessage(message)

	urgency := 0
	lower := strings.ToLower(message)
	for _, kw := range urgentKeywords {
		if strings.Contains(lower, kw) {
			urgency += 25
		}
	}
	if urgency > 100 {
		urgency = 100
	}

	return &domain.TaskResult{
		Summary: fmt.Sprintf("routed to %s with score %d", category, score),
		Data: map[string]any{
			"category":         category,
			"response":         response,
			"routing_score":    score,
			"urgency":          urgency,
			"needs_escalation": urgency >= 50,
		},
	}, nil
}

func routeSupportMessage(message string) (category, response string, score int) {
	lower := strings.ToLower(message)
	category = "general"
	response = "Thanks for reaching out, a support teammate will get back to you shortly."
	best := 0
	for _, route := range supportRoutes {
		total := 0
		for _, kw := range route.keywords {
			if strings.Contains(lower, kw) {
				total += route.weight
			}
		}
		if total > best {
			best = total
			category = route.category
			response = route.response
		}
	}
	return category, response, best
}

// qaWorker runs a listing completeness checklist, additive scoring over the
// provider's profile fields.
type qaWorker struct {
	base
}

func newQAWorker(cfg domain.WorkerConfig, deps Deps) Worker {
	return &qaWorker{base: newBase(cfg, deps)}
}

func (w *qaWorker) Process(ctx context.Context, task *domain.Task) (result *domain.TaskResult, err error) {
	start := time.Now()
	defer func() { w.observe(time.Since(start), err != nil) }()

	provider, err := w.deps.Storage.GetProviderByID(ctx, task.TargetID)
	if err != nil {
		return nil, fmt.Errorf("loading provider %d: %w", task.TargetID, err)
	}

	score := 0.0
	var issues []string
	checklist := []struct {
		ok     bool
		points float64
		issue  string
	}{
		{strings.TrimSpace(provider.Email) != "", 20, "missing contact email"},
		{strings.TrimSpace(provider.Phone) != "", 20, "missing phone number"},
		{len(strings.TrimSpace(provider.Description)) >= 30, 20, "description shorter than 30 characters"},
		{len(provider.Documents) >= 2, 20, "fewer than two identity documents uploaded"},
		{strings.TrimSpace(provider.Location) != "", 20, "missing location"},
	}
	for _, item := range checklist {
		if item.ok {
			score += item.points
		} else {
			issues = append(issues, item.issue)
		}
	}

	return &domain.TaskResult{
		Summary: fmt.Sprintf("profile completeness %.0f/100", score),
		Data: map[string]any{
			"completeness_score": score,
			"issues":             issues,
		},
	}, nil
}
