package domain

import "context"

// Storage is the gateway the workers persist their side effects through. All
// calls are synchronous-success-or-error; the agents subsystem never spans a
// transaction across multiple gateway calls.
type Storage interface {
	Ping(ctx context.Context) (err error)
	GetProviderByID(ctx context.Context, ID int32) (*Provider, error)
	GetAllProviders(ctx context.Context) ([]*Provider, error)
	GetPendingReviewProviders(ctx context.Context) ([]*Provider, error)
	UpdateProviderVerification(ctx context.Context, ID int32, verified bool, kycStatus string) (err error)
	UpdateProviderDocumentsAndStatus(ctx context.Context, ID int32, documents []Document, kycStatus string) (err error)
	UpdateProviderStatus(ctx context.Context, ID int32, status string) (err error)
	InsertVerificationAudit(ctx context.Context, audit VerificationAudit) (err error)
	GetVerificationAudits(ctx context.Context, providerID int32) ([]*VerificationAudit, error)
}
