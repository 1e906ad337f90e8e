//go:build integration

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"commhub/internal/domain"
	"commhub/internal/idempotency"
	"commhub/internal/store"
)

func TestAdvanceStatusKeepsHighestState(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	insertComm(t, s, "com_1", domain.ChannelSMS)
	now := time.Now().UTC().Truncate(time.Microsecond)

	res, err := s.AdvanceStatus(ctx, store.StatusUpdate{ID: "com_1", Status: domain.StatusSent, At: now})
	if err != nil || !res.Applied {
		t.Fatalf("advance to sent: applied=%v err=%v", res.Applied, err)
	}
	res, err = s.AdvanceStatus(ctx, store.StatusUpdate{ID: "com_1", Status: domain.StatusDelivered, At: now.Add(time.Second)})
	if err != nil || !res.Applied {
		t.Fatalf("advance to delivered: applied=%v err=%v", res.Applied, err)
	}
	// late poll sampled before the webhook
	res, err = s.AdvanceStatus(ctx, store.StatusUpdate{ID: "com_1", Status: domain.StatusSent, At: now.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("late sent: %v", err)
	}
	if res.Applied {
		t.Fatalf("late sent must be discarded")
	}
	if res.Current.Status != domain.StatusDelivered {
		t.Fatalf("expected delivered, got %s", res.Current.Status)
	}
	if res.Current.SentAt == nil || !res.Current.SentAt.Equal(now) {
		t.Fatalf("sent_at must keep first stamp, got %v", res.Current.SentAt)
	}

	res, err = s.AdvanceStatus(ctx, store.StatusUpdate{ID: "com_1", Status: domain.StatusFailed, Reason: "late", At: now})
	if err != nil || res.Applied {
		t.Fatalf("terminal state must not change: applied=%v err=%v", res.Applied, err)
	}
	if res.Current.FailedAt != nil {
		t.Fatalf("failed_at must stay null")
	}
}

func TestAdvanceStatusConcurrentSourcesConverge(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)
	insertComm(t, s, "com_race", domain.ChannelSMS)

	statuses := []domain.Status{domain.StatusSending, domain.StatusSent, domain.StatusDelivered, domain.StatusSent, domain.StatusSending}
	var wg sync.WaitGroup
	for _, st := range statuses {
		wg.Add(1)
		go func(st domain.Status) {
			defer wg.Done()
			_, _ = s.AdvanceStatus(ctx, store.StatusUpdate{ID: "com_race", Status: st, At: time.Now().UTC()})
		}(st)
	}
	wg.Wait()

	c, err := s.GetCommunication(ctx, "com_race")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != domain.StatusDelivered {
		t.Fatalf("expected delivered, got %s", c.Status)
	}
}

func TestRecordOpenAndClick(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)
	insertComm(t, s, "com_mail", domain.ChannelEmail)
	insertComm(t, s, "com_sms", domain.ChannelSMS)

	first := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 3; i++ {
		ok, err := s.RecordOpen(ctx, "com_mail", first.Add(time.Duration(i)*time.Minute))
		if err != nil || !ok {
			t.Fatalf("record open: ok=%v err=%v", ok, err)
		}
	}
	if ok, _ := s.RecordOpen(ctx, "com_sms", first); ok {
		t.Fatalf("sms opens must not be counted")
	}
	if ok, _ := s.RecordClick(ctx, "com_mail", first); !ok {
		t.Fatalf("click not recorded")
	}

	c, err := s.GetCommunication(ctx, "com_mail")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.OpenCount != 3 || c.OpenedAt == nil || !c.OpenedAt.Equal(first) {
		t.Fatalf("unexpected open state count=%d opened_at=%v", c.OpenCount, c.OpenedAt)
	}
	if c.ClickCount != 1 || c.ClickedAt == nil {
		t.Fatalf("unexpected click state count=%d", c.ClickCount)
	}
}

func TestFindByProviderMsgID(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)
	insertComm(t, s, "com_p", domain.ChannelSMS)

	if err := s.SetProviderDetails(ctx, store.ProviderDetails{ID: "com_p", Provider: "twilio", ProviderMsgID: "SM1", Now: time.Now()}); err != nil {
		t.Fatalf("set provider: %v", err)
	}
	c, err := s.FindByProviderMsgID(ctx, "twilio", "SM1")
	if err != nil || c.ID != "com_p" {
		t.Fatalf("find: id=%s err=%v", c.ID, err)
	}
	if _, err := s.FindByProviderMsgID(ctx, "twilio", "SM404"); err != store.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.InsertAttempt(ctx, store.ProviderAttempt{CommunicationID: "com_p", Provider: "twilio", ProviderMsgID: "SM1", Attempt: 1, HTTPStatus: 201}); err != nil {
		t.Fatalf("insert attempt: %v", err)
	}
	if err := s.InsertDeliveryEvent(ctx, store.DeliveryEvent{Provider: "twilio", ProviderMsgID: "SM1", VendorStatus: "delivered", Payload: url.Values{"a": {"b"}}}); err != nil {
		t.Fatalf("insert event: %v", err)
	}
}

func TestIdempotencyStoreClaimCompletePurge(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := NewIdempotencyStore(db)
	now := time.Now().UTC()

	rec := idempotency.Record{Scope: "communications:sms", Key: "k1", RequestHash: "h1", State: idempotency.StatePending, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	if _, claimed, err := s.Claim(ctx, rec); err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	existing, claimed, err := s.Claim(ctx, rec)
	if err != nil || claimed || existing.State != idempotency.StatePending {
		t.Fatalf("second claim: claimed=%v state=%s err=%v", claimed, existing.State, err)
	}

	if err := s.Complete(ctx, rec.Scope, rec.Key, json.RawMessage(`{"id":"com_1"}`), now.Add(time.Hour)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, found, err := s.Get(ctx, rec.Scope, rec.Key)
	if err != nil || !found || got.State != idempotency.StateCompleted {
		t.Fatalf("get: found=%v state=%s err=%v", found, got.State, err)
	}

	n, err := s.PurgeExpired(ctx, now.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}

	// an expired claim can be taken over
	stale := idempotency.Record{Scope: "s", Key: "k2", RequestHash: "h", State: idempotency.StatePending, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	if _, claimed, _ := s.Claim(ctx, stale); !claimed {
		t.Fatalf("stale claim should insert")
	}
	fresh := idempotency.Record{Scope: "s", Key: "k2", RequestHash: "h2", State: idempotency.StatePending, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	if _, claimed, _ := s.Claim(ctx, fresh); !claimed {
		t.Fatalf("expired record should be reclaimable")
	}
}

func insertComm(t *testing.T, s *Store, id string, ch domain.Channel) {
	t.Helper()
	err := s.InsertCommunication(context.Background(), domain.Communication{
		ID: id, CompanyID: "co_1", Type: ch, Direction: domain.DirectionOutbound,
		Status: domain.StatusQueued, To: "dest", Body: "hi", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("insert communication: %v", err)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}
	if _, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	sqlDB, err := sql.Open("pgx", dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("open sql db: %v", err)
	}
	if err := MigrateDB(context.Background(), sqlDB, "up"); err != nil {
		sqlDB.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}
	sqlDB.Close()

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
