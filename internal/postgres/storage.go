package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/sf7293/servicehub-agents/internal/domain"
	"github.com/sf7293/servicehub-agents/internal/errval"
)

const providerColumns = `id, email, business_name, owner_name, phone, service_name, location,
	hourly_rate, experience_years, description, kyc_verified, kyc_status,
	aadhar_number, pan_number, status, documents, created_at`

type storage struct {
	pool *pgxpool.Pool
}

func NewStorage(ctx context.Context, dsn string) (*storage, error) {
	var pool *pgxpool.Pool
	var err error

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(func() error {
		if pool, err = pgxpool.ConnectConfig(ctx, config); err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres database.. retrying...", "error", err)
			return err
		}

		if err = pool.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping postgres database connection.. retrying...", "error", err)
			return err
		}

		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5))

	if err != nil {
		return nil, err
	}

	return &storage{pool: pool}, nil
}

func (s *storage) Ping(ctx context.Context) (err error) {
	return s.pool.Ping(ctx)
}

func (s *storage) GetProviderByID(ctx context.Context, ID int32) (*domain.Provider, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM service_providers WHERE id = $1`, ID)
	provider, err := scanProvider(row)
	if err != nil {
		if isNoRows(err) {
			return nil, errval.ErrNotFound
		}
		return nil, err
	}
	return provider, nil
}

func (s *storage) GetAllProviders(ctx context.Context) ([]*domain.Provider, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+providerColumns+` FROM service_providers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectProviders(rows)
}

func (s *storage) GetPendingReviewProviders(ctx context.Context) ([]*domain.Provider, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+providerColumns+` FROM service_providers WHERE kyc_status = ANY($1) ORDER BY id`,
		[]string{domain.KYCStatusPending, domain.KYCStatusPendingReview},
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectProviders(rows)
}

func (s *storage) UpdateProviderVerification(ctx context.Context, ID int32, verified bool, kycStatus string) (err error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE service_providers SET kyc_verified = $2, kyc_status = $3 WHERE id = $1`,
		ID, verified, kycStatus,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errval.ErrNotFound
	}
	return nil
}

func (s *storage) UpdateProviderDocumentsAndStatus(ctx context.Context, ID int32, documents []domain.Document, kycStatus string) (err error) {
	docsJSON, err := marshalDocuments(documents)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE service_providers SET documents = $2, kyc_status = $3 WHERE id = $1`,
		ID, docsJSON, kycStatus,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errval.ErrNotFound
	}
	return nil
}

func (s *storage) UpdateProviderStatus(ctx context.Context, ID int32, status string) (err error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE service_providers SET status = $2 WHERE id = $1`,
		ID, status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errval.ErrNotFound
	}
	return nil
}

func (s *storage) InsertVerificationAudit(ctx context.Context, audit domain.VerificationAudit) (err error) {
	_, err = s.pool.Exec(ctx,
		`INSERT INTO verification_audits (provider_id, decision, confidence, risk_score, source, result)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		audit.ProviderID, audit.Decision, audit.Confidence, audit.RiskScore, audit.Source, audit.Result,
	)
	return err
}

func (s *storage) GetVerificationAudits(ctx context.Context, providerID int32) ([]*domain.VerificationAudit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, provider_id, decision, confidence, risk_score, source, result, created_at
		 FROM verification_audits WHERE provider_id = $1 ORDER BY id`,
		providerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	audits := []*domain.VerificationAudit{}
	for rows.Next() {
		var a domain.VerificationAudit
		var createdAt time.Time
		err = rows.Scan(&a.ID, &a.ProviderID, &a.Decision, &a.Confidence, &a.RiskScore, &a.Source, &a.Result, &createdAt)
		if err != nil {
			return nil, err
		}
		a.CreatedAtStamp = createdAt.Unix()
		audits = append(audits, &a)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(audits) == 0 {
		return nil, errval.ErrNotFound
	}
	return audits, nil
}

func scanProvider(row pgx.Row) (*domain.Provider, error) {
	var p domain.Provider
	var docsJSON pgtype.JSON
	var createdAt time.Time

	err := row.Scan(
		&p.ID, &p.Email, &p.BusinessName, &p.OwnerName, &p.Phone, &p.ServiceName, &p.Location,
		&p.HourlyRate, &p.ExperienceYears, &p.Description, &p.KYCVerified, &p.KYCStatus,
		&p.AadharNumber, &p.PANNumber, &p.Status, &docsJSON, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if len(docsJSON.Bytes) > 0 {
		if err := json.Unmarshal(docsJSON.Bytes, &p.Documents); err != nil {
			return nil, err
		}
	}
	p.CreatedAtStamp = createdAt.Unix()
	return &p, nil
}

func collectProviders(rows pgx.Rows) ([]*domain.Provider, error) {
	providers := []*domain.Provider{}
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return providers, nil
}

func marshalDocuments(documents []domain.Document) (pgtype.JSON, error) {
	if documents == nil {
		documents = []domain.Document{}
	}
	jsonBytes, err := json.Marshal(documents)
	if err != nil {
		return pgtype.JSON{}, err
	}

	var docsJSON pgtype.JSON
	if err := docsJSON.Set(jsonBytes); err != nil {
		return pgtype.JSON{}, err
	}
	return docsJSON, nil
}

func isNoRows(err error) bool {
	return strings.Contains(err.Error(), "no rows")
}
