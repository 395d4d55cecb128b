package memstorage

import (
	"context"
	"sync"
	"time"

	"github.com/sf7293/servicehub-agents/internal/domain"
	"github.com/sf7293/servicehub-agents/internal/errval"
)

// Storage is an in-memory implementation of the storage gateway. It backs
// STORAGE_DRIVER=memory runs and the test suites; its mutex also serializes
// per-subject updates, so no distributed lock is needed in front of it.
type Storage struct {
	mu        sync.RWMutex
	providers map[int32]*domain.Provider
	audits    []*domain.VerificationAudit
	nextID    int32
}

func NewStorage() *Storage {
	return &Storage{
		providers: map[int32]*domain.Provider{},
		nextID:    1,
	}
}

// SeedProvider inserts or replaces a provider record. Zero ID gets the next
// free one. Returns the stored ID.
func (s *Storage) SeedProvider(p domain.Provider) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		p.ID = s.nextID
	}
	if p.ID >= s.nextID {
		s.nextID = p.ID + 1
	}
	if p.KYCStatus == "" {
		p.KYCStatus = domain.KYCStatusPending
	}
	if p.Status == "" {
		p.Status = domain.ProviderStatusActive
	}
	if p.CreatedAtStamp == 0 {
		p.CreatedAtStamp = time.Now().UTC().Unix()
	}
	s.providers[p.ID] = clone(&p)
	return p.ID
}

func (s *Storage) Ping(_ context.Context) error {
	return nil
}

func (s *Storage) GetProviderByID(_ context.Context, ID int32) (*domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.providers[ID]
	if !ok {
		return nil, errval.ErrNotFound
	}
	return clone(p), nil
}

func (s *Storage) GetAllProviders(_ context.Context) ([]*domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Provider, 0, len(s.providers))
	for id := int32(1); id < s.nextID; id++ {
		if p, ok := s.providers[id]; ok {
			out = append(out, clone(p))
		}
	}
	return out, nil
}

func (s *Storage) GetPendingReviewProviders(_ context.Context) ([]*domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Provider
	for id := int32(1); id < s.nextID; id++ {
		p, ok := s.providers[id]
		if !ok {
			continue
		}
		if p.KYCStatus == domain.KYCStatusPending || p.KYCStatus == domain.KYCStatusPendingReview {
			out = append(out, clone(p))
		}
	}
	return out, nil
}

func (s *Storage) UpdateProviderVerification(_ context.Context, ID int32, verified bool, kycStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.providers[ID]
	if !ok {
		return errval.ErrNotFound
	}
	p.KYCVerified = verified
	p.KYCStatus = kycStatus
	return nil
}

func (s *Storage) UpdateProviderDocumentsAndStatus(_ context.Context, ID int32, documents []domain.Document, kycStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.providers[ID]
	if !ok {
		return errval.ErrNotFound
	}
	p.Documents = append([]domain.Document{}, documents...)
	p.KYCStatus = kycStatus
	return nil
}

func (s *Storage) UpdateProviderStatus(_ context.Context, ID int32, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.providers[ID]
	if !ok {
		return errval.ErrNotFound
	}
	p.Status = status
	return nil
}

func (s *Storage) InsertVerificationAudit(_ context.Context, audit domain.VerificationAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	audit.ID = int32(len(s.audits) + 1)
	if audit.CreatedAtStamp == 0 {
		audit.CreatedAtStamp = time.Now().UTC().Unix()
	}
	s.audits = append(s.audits, &audit)
	return nil
}

func (s *Storage) GetVerificationAudits(_ context.Context, providerID int32) ([]*domain.VerificationAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.VerificationAudit
	for _, a := range s.audits {
		if a.ProviderID == providerID {
			copied := *a
			out = append(out, &copied)
		}
	}
	if len(out) == 0 {
		return nil, errval.ErrNotFound
	}
	return out, nil
}

func clone(p *domain.Provider) *domain.Provider {
	copied := *p
	copied.Documents = append([]domain.Document{}, p.Documents...)
	return &copied
}
