package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commhub/internal/idempotency"
)

// IdempotencyStore keeps guard records in idempotency_records. Expired rows are
// reclaimable by Claim and removed by PurgeExpired.
type IdempotencyStore struct {
	DB  *pgxpool.Pool
	Now func() time.Time
}

func NewIdempotencyStore(db *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *IdempotencyStore) Claim(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var claimed bool
		err := s.DB.QueryRow(ctx, `
			INSERT INTO idempotency_records (scope, idem_key, request_hash, state, response, created_at, expires_at)
			VALUES ($1, $2, $3, 'pending', NULL, $4, $5)
			ON CONFLICT (scope, idem_key) DO UPDATE SET
				request_hash = EXCLUDED.request_hash,
				state        = 'pending',
				response     = NULL,
				created_at   = EXCLUDED.created_at,
				expires_at   = EXCLUDED.expires_at
			WHERE idempotency_records.expires_at <= EXCLUDED.created_at
			RETURNING true
		`, rec.Scope, rec.Key, rec.RequestHash, rec.CreatedAt, rec.ExpiresAt).Scan(&claimed)
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return idempotency.Record{}, false, err
		}
		existing, found, err := s.Get(ctx, rec.Scope, rec.Key)
		if err != nil {
			return idempotency.Record{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}
	return idempotency.Record{}, false, errors.New("idempotency key contended")
}

func (s *IdempotencyStore) Complete(ctx context.Context, scope, key string, response json.RawMessage, expiresAt time.Time) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE idempotency_records SET state='completed', response=$3, expires_at=$4
		WHERE scope=$1 AND idem_key=$2
	`, scope, key, []byte(response), expiresAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return idempotency.ErrNotClaimed
	}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, scope, key string) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM idempotency_records WHERE scope=$1 AND idem_key=$2 AND state='pending'
	`, scope, key)
	return err
}

func (s *IdempotencyStore) Get(ctx context.Context, scope, key string) (idempotency.Record, bool, error) {
	var (
		rec      idempotency.Record
		state    string
		response []byte
	)
	err := s.DB.QueryRow(ctx, `
		SELECT scope, idem_key, request_hash, state, response, created_at, expires_at
		FROM idempotency_records WHERE scope=$1 AND idem_key=$2 AND expires_at > $3
	`, scope, key, s.Now()).Scan(&rec.Scope, &rec.Key, &rec.RequestHash, &state, &response, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, err
	}
	rec.State = idempotency.State(state)
	rec.Response = response
	return rec, true, nil
}

// PurgeExpired deletes records whose retention has passed.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
