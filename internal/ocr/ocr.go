package ocr

import (
	"context"
	"errors"

	"github.com/sf7293/servicehub-agents/internal/domain"
)

var ErrUnreadable = errors.New("document is not readable")

// Extraction is the text a provider pulled out of one document image plus how
// sure it is about the read. Confidence is in [0,100].
type Extraction struct {
	Text       string
	Confidence float64
}

// Provider extracts identifier text from an uploaded document. Production
// deployments plug a real OCR service in here; the KYC pipeline never embeds
// extraction logic itself.
type Provider interface {
	Extract(ctx context.Context, providerID int32, doc domain.Document) (Extraction, error)
}

// StubProvider is a deterministic extractor used in local mode and tests: it
// resolves the expected identifier from an injected lookup keyed by file name.
// Unknown file names fail with ErrUnreadable.
type StubProvider struct {
	// Reads maps document file names to the extraction the stub should return.
	Reads map[string]Extraction
}

func NewStubProvider(reads map[string]Extraction) *StubProvider {
	if reads == nil {
		reads = map[string]Extraction{}
	}
	return &StubProvider{Reads: reads}
}

func (s *StubProvider) Extract(_ context.Context, _ int32, doc domain.Document) (Extraction, error) {
	extraction, ok := s.Reads[doc.FileName]
	if !ok {
		return Extraction{}, ErrUnreadable
	}

	return extraction, nil
}

// EchoProvider returns the document file name's base (without extension) as
// the extracted text at full confidence. It backs STORAGE_DRIVER=memory demo
// runs where uploads are seeded with the identifier as the file name.
type EchoProvider struct{}

func (EchoProvider) Extract(_ context.Context, _ int32, doc domain.Document) (Extraction, error) {
	name := doc.FileName
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			name = name[:i]
			break
		}
	}
	if name == "" {
		return Extraction{}, ErrUnreadable
	}

	return Extraction{Text: name, Confidence: 100}, nil
}
