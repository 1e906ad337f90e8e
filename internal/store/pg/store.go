package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commhub/internal/domain"
	"commhub/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const communicationColumns = `
	id, company_id, type, direction, status, to_address, COALESCE(subject,''), COALESCE(body,''),
	COALESCE(provider,''), COALESCE(provider_msg_id,''), COALESCE(idempotency_key,''),
	sent_at, delivered_at, failed_at, COALESCE(failure_reason,''),
	opened_at, open_count, clicked_at, click_count, created_at, updated_at`

func scanCommunication(row pgx.Row) (domain.Communication, error) {
	var c domain.Communication
	err := row.Scan(&c.ID, &c.CompanyID, &c.Type, &c.Direction, &c.Status, &c.To, &c.Subject, &c.Body,
		&c.Provider, &c.ProviderMsgID, &c.IdempotencyKey,
		&c.SentAt, &c.DeliveredAt, &c.FailedAt, &c.FailureReason,
		&c.OpenedAt, &c.OpenCount, &c.ClickedAt, &c.ClickCount, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Communication{}, store.ErrNotFound
	}
	return c, err
}

func (s *Store) InsertCommunication(ctx context.Context, c domain.Communication) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO communications (id, company_id, type, direction, status, status_rank, to_address, subject, body,
		                            provider, idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
	`, c.ID, c.CompanyID, c.Type, c.Direction, c.Status, c.Status.Rank(), c.To, nullIfEmpty(c.Subject), nullIfEmpty(c.Body),
		nullIfEmpty(c.Provider), nullIfEmpty(c.IdempotencyKey), c.CreatedAt)
	return err
}

func (s *Store) GetCommunication(ctx context.Context, id string) (domain.Communication, error) {
	return scanCommunication(s.DB.QueryRow(ctx,
		`SELECT `+communicationColumns+` FROM communications WHERE id=$1 AND deleted_at IS NULL`, id))
}

func (s *Store) FindByProviderMsgID(ctx context.Context, provider, providerMsgID string) (domain.Communication, error) {
	return scanCommunication(s.DB.QueryRow(ctx,
		`SELECT `+communicationColumns+` FROM communications WHERE provider=$1 AND provider_msg_id=$2`, provider, providerMsgID))
}

// UpdateBody stores the instrumented body that is actually sent.
func (s *Store) UpdateBody(ctx context.Context, id, body string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `UPDATE communications SET body=$2, updated_at=$3 WHERE id=$1`, id, body, now)
	return err
}

func (s *Store) SetProviderDetails(ctx context.Context, in store.ProviderDetails) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE communications SET provider=$2, provider_msg_id=$3, updated_at=$4 WHERE id=$1
	`, in.ID, in.Provider, nullIfEmpty(in.ProviderMsgID), in.Now)
	return err
}

// AdvanceStatus applies a forward transition in a single guarded UPDATE, so
// concurrent webhook and poll updates for the same row need no extra lock. The
// row is returned whether or not the transition applied.
func (s *Store) AdvanceStatus(ctx context.Context, in store.StatusUpdate) (store.StatusResult, error) {
	rank := in.Status.Rank()
	c, err := scanCommunication(s.DB.QueryRow(ctx, `
		UPDATE communications SET
			status         = $2,
			status_rank    = $3,
			sent_at        = CASE WHEN $3 IN (2, 3) THEN COALESCE(sent_at, $5) ELSE sent_at END,
			delivered_at   = CASE WHEN $3 = 3 THEN COALESCE(delivered_at, $5) ELSE delivered_at END,
			failed_at      = CASE WHEN $3 = 4 THEN COALESCE(failed_at, $5) ELSE failed_at END,
			failure_reason = CASE WHEN $3 = 4 THEN $4 ELSE failure_reason END,
			updated_at     = $5
		WHERE id = $1 AND status_rank < $3 AND status NOT IN ('delivered', 'failed')
		RETURNING `+communicationColumns,
		in.ID, in.Status, rank, nullIfEmpty(in.Reason), in.At))
	if err == nil {
		return store.StatusResult{Applied: true, Current: c}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.StatusResult{}, err
	}
	cur, err := s.GetCommunication(ctx, in.ID)
	if err != nil {
		return store.StatusResult{}, err
	}
	return store.StatusResult{Current: cur}, nil
}

// RecordOpen counts an open on an outbound email. It reports false when the id
// does not match a trackable communication.
func (s *Store) RecordOpen(ctx context.Context, id string, at time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE communications
		SET open_count = open_count + 1, opened_at = COALESCE(opened_at, $2), updated_at = $2
		WHERE id = $1 AND type = 'email' AND direction = 'outbound' AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) RecordClick(ctx context.Context, id string, at time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE communications
		SET click_count = click_count + 1, clicked_at = COALESCE(clicked_at, $2), updated_at = $2
		WHERE id = $1 AND type = 'email' AND direction = 'outbound' AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertAttempt(ctx context.Context, in store.ProviderAttempt) error {
	reqB, _ := json.Marshal(in.RequestJSON)
	respB, _ := json.Marshal(in.ResponseJSON)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO provider_attempts (communication_id, provider, provider_msg_id, attempt, http_status, error_code, error_msg, request_json, response_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, in.CommunicationID, in.Provider, nullIfEmpty(in.ProviderMsgID), in.Attempt, in.HTTPStatus,
		nullIfEmpty(in.ErrorCode), nullIfEmpty(in.ErrorMsg), reqB, respB)
	return err
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	b, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_events (provider, provider_msg_id, communication_id, vendor_status, error_code, payload_json, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.Provider, nullIfEmpty(in.ProviderMsgID), nullIfEmpty(in.CommunicationID), in.VendorStatus,
		nullIfEmpty(in.ErrorCode), b, in.OccurredAt)
	return err
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
