package domain

// KYC statuses of a service provider. "pending" is the registration default,
// "pending_review" marks the human review queue after an inconclusive
// automated check.
const (
	KYCStatusPending       = "pending"
	KYCStatusVerified      = "verified"
	KYCStatusRejected      = "rejected"
	KYCStatusPendingReview = "pending_review"
)

const (
	ProviderStatusActive    = "active"
	ProviderStatusSuspended = "suspended"
)

const TargetTypeProvider = "service_provider"

type Provider struct {
	ID              int32      `json:"id"`
	Email           string     `json:"email"`
	BusinessName    string     `json:"business_name"`
	OwnerName       string     `json:"owner_name"`
	Phone           string     `json:"phone"`
	ServiceName     string     `json:"service_name"`
	Location        string     `json:"location"`
	HourlyRate      float64    `json:"hourly_rate"`
	ExperienceYears int32      `json:"experience_years"`
	Description     string     `json:"description"`
	KYCVerified     bool       `json:"kyc_verified"`
	KYCStatus       string     `json:"kyc_status"`
	AadharNumber    string     `json:"aadhar_number"`
	PANNumber       string     `json:"pan_number"`
	Status          string     `json:"status"`
	Documents       []Document `json:"documents,omitempty"`
	CreatedAtStamp  int64      `json:"created_at_stamp"`
}

type Document struct {
	DocType         string `json:"doc_type"`
	FileName        string `json:"file_name"`
	UploadedAtStamp int64  `json:"uploaded_at_stamp"`
}

// VerificationAudit is the immutable record written whenever an agent decision
// is applied to a provider.
type VerificationAudit struct {
	ID             int32   `json:"-"`
	ProviderID     int32   `json:"provider_id"`
	Decision       string  `json:"decision"`
	Confidence     float64 `json:"confidence"`
	RiskScore      float64 `json:"risk_score"`
	Source         string  `json:"source"`
	Result         string  `json:"result"`
	CreatedAtStamp int64   `json:"created_at_stamp"`
}
