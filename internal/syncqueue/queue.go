// Package syncqueue buffers client-side operations durably while the API is
// unreachable and replays them serially, in enqueue order, once it is back.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"commhub/internal/apperr"
	"commhub/internal/observability"
)

// Collection is the persistence key the operation list is stored under.
const Collection = "sync-operations"

type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

type Operation struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         Status          `json:"status"`
	Title          string          `json:"title,omitempty"`
	Description    string          `json:"description,omitempty"`
	Current        int             `json:"current"`
	Total          int             `json:"total"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
}

type NewOperation struct {
	Type        string
	Payload     any
	Title       string
	Description string
	Total       int
	// IdempotencyKey is generated when empty. It never changes afterwards.
	IdempotencyKey string
}

// Action performs one operation. progress may be called to report steps
// towards op.Total.
type Action func(ctx context.Context, op Operation, progress func(current int)) error

// Persistence stores a serialized operation list under a collection name.
// Load returns nil data when nothing was saved yet.
type Persistence interface {
	Load(ctx context.Context, collection string) ([]byte, error)
	Save(ctx context.Context, collection string, data []byte) error
}

type Options struct {
	// OpTimeout bounds a single action.
	OpTimeout time.Duration
	// HistoryLimit is how many terminal operations are kept for display.
	HistoryLimit int
	Now          func() time.Time
	NewID        func() string
}

func (o Options) withDefaults() Options {
	if o.OpTimeout <= 0 {
		o.OpTimeout = 30 * time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.NewString() }
	}
	return o
}

// Snapshot is a read-only projection of the queue.
type Snapshot struct {
	Online      bool        `json:"online"`
	ActiveCount int         `json:"activeCount"`
	QueuedCount int         `json:"queuedCount"`
	Operations  []Operation `json:"operations"`
}

// Report summarizes one drain pass.
type Report struct {
	Completed int
	Failed    int
	// Interrupted is set when the pass stopped early because the network went
	// away or ctx ended. The interrupted operation is queued again.
	Interrupted bool
}

type Queue struct {
	store Persistence
	opts  Options

	mu       sync.Mutex
	actions  map[string]Action
	ops      []Operation
	online   bool
	draining bool
	subs     map[int]chan Snapshot
	nextSub  int

	wg sync.WaitGroup
}

// New loads the persisted operations. Operations that were active when the
// previous process stopped are queued again; their idempotency key makes the
// replay safe on the server.
func New(ctx context.Context, store Persistence, opts Options) (*Queue, error) {
	q := &Queue{
		store:   store,
		opts:    opts.withDefaults(),
		actions: map[string]Action{},
		subs:    map[int]chan Snapshot{},
	}

	data, err := store.Load(ctx, Collection)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", Collection, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &q.ops); err != nil {
			return nil, fmt.Errorf("decode %s: %w", Collection, err)
		}
	}

	recovered := 0
	for i := range q.ops {
		if q.ops[i].Status == StatusActive {
			q.ops[i].Status = StatusQueued
			recovered++
		}
	}
	if recovered > 0 {
		slog.Info("requeued interrupted operations", "count", recovered)
		if err := q.saveLocked(ctx); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *Queue) Register(typ string, action Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions[typ] = action
}

// Enqueue appends a queued operation and persists it before returning. When
// the queue is online a drain is started in the background.
func (q *Queue) Enqueue(ctx context.Context, n NewOperation) (Operation, error) {
	if n.Type == "" {
		return Operation{}, apperr.New(apperr.CodeValidation, "operation type is required")
	}
	var payload json.RawMessage
	if n.Payload != nil {
		b, err := json.Marshal(n.Payload)
		if err != nil {
			return Operation{}, apperr.Wrap(apperr.CodeValidation, err, "payload is not serializable")
		}
		payload = b
	}
	key := n.IdempotencyKey
	if key == "" {
		key = q.opts.NewID()
	}

	q.mu.Lock()
	now := q.opts.Now()
	op := Operation{
		ID:             q.opts.NewID(),
		Type:           n.Type,
		Payload:        payload,
		IdempotencyKey: key,
		Status:         StatusQueued,
		Title:          n.Title,
		Description:    n.Description,
		Total:          n.Total,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	q.ops = append(q.ops, op)
	if err := q.saveLocked(ctx); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		q.mu.Unlock()
		return Operation{}, err
	}
	online := q.online
	q.publishLocked()
	q.mu.Unlock()

	if online {
		q.drainAsync()
	}
	return op, nil
}

// SetOnline records connectivity. Going from offline to online starts a drain.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	if was != online {
		q.publishLocked()
	}
	q.mu.Unlock()

	if online && !was {
		slog.Info("sync queue online")
		q.drainAsync()
	} else if !online && was {
		slog.Info("sync queue offline")
	}
}

func (q *Queue) drainAsync() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if _, err := q.Drain(context.Background()); err != nil {
			slog.Warn("background drain failed", "err", err)
		}
	}()
}

// Wait blocks until background drains have finished.
func (q *Queue) Wait() { q.wg.Wait() }

// Drain runs queued operations one at a time in FIFO order until none are
// left, the queue goes offline, or ctx ends. Only one drain runs at a time;
// a concurrent call returns an empty report.
func (q *Queue) Drain(ctx context.Context) (Report, error) {
	var rep Report

	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return rep, nil
	}
	q.draining = true
	q.mu.Unlock()

	for {
		// draining is cleared under the same lock that observed the exit
		// condition, so an Enqueue racing with the end of a pass starts a new one.
		q.mu.Lock()
		if ctx.Err() != nil {
			q.draining = false
			q.mu.Unlock()
			rep.Interrupted = true
			return rep, nil
		}
		idx := -1
		if q.online {
			idx = q.nextQueuedLocked()
		}
		if idx < 0 {
			q.draining = false
			q.mu.Unlock()
			return rep, nil
		}
		q.ops[idx].Status = StatusActive
		q.ops[idx].Error = ""
		q.ops[idx].UpdatedAt = q.opts.Now()
		op := q.ops[idx]
		action := q.actions[op.Type]
		q.persistLocked(ctx)
		q.publishLocked()
		q.mu.Unlock()

		err := q.run(ctx, op, action)

		q.mu.Lock()
		idx = q.indexLocked(op.ID)
		if idx < 0 {
			q.mu.Unlock()
			continue
		}
		switch {
		case err != nil && (ctx.Err() != nil || apperr.Is(err, apperr.CodeTransientNetwork)):
			q.ops[idx].Status = StatusQueued
			q.ops[idx].UpdatedAt = q.opts.Now()
			if ctx.Err() == nil {
				q.online = false
			}
			q.draining = false
			q.persistLocked(ctx)
			q.publishLocked()
			q.mu.Unlock()
			observability.SyncOperations.WithLabelValues(op.Type, "requeued").Inc()
			slog.Info("drain interrupted", "operation_id", op.ID, "type", op.Type, "err", err)
			rep.Interrupted = true
			return rep, nil
		case err != nil:
			q.finishLocked(idx, StatusFailed, err.Error())
			rep.Failed++
			slog.Warn("operation failed", "operation_id", op.ID, "type", op.Type, "err", err)
		default:
			q.finishLocked(idx, StatusCompleted, "")
			rep.Completed++
		}
		q.evictLocked()
		q.persistLocked(ctx)
		q.publishLocked()
		q.mu.Unlock()
	}
}

func (q *Queue) run(ctx context.Context, op Operation, action Action) (err error) {
	if action == nil {
		return apperr.New(apperr.CodeValidation, fmt.Sprintf("no action registered for %q", op.Type))
	}
	octx, cancel := context.WithTimeout(ctx, q.opts.OpTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()

	progress := func(current int) {
		q.mu.Lock()
		defer q.mu.Unlock()
		if i := q.indexLocked(op.ID); i >= 0 {
			q.ops[i].Current = current
			q.ops[i].UpdatedAt = q.opts.Now()
			q.publishLocked()
		}
	}
	return action(octx, op, progress)
}

// Retry queues a failed operation again at the back of the queue.
func (q *Queue) Retry(ctx context.Context, id string) (Operation, error) {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return Operation{}, apperr.New(apperr.CodeNotFound, "operation not found")
	}
	if q.ops[idx].Status != StatusFailed {
		q.mu.Unlock()
		return Operation{}, apperr.New(apperr.CodeValidation, "only failed operations can be retried").
			WithDetails(map[string]string{"status": string(q.ops[idx].Status)})
	}
	prev := q.ops
	op := q.ops[idx]
	op.Status = StatusQueued
	op.Error = ""
	op.Current = 0
	op.FinishedAt = nil
	op.UpdatedAt = q.opts.Now()
	q.ops = append(append(q.ops[:idx:idx], q.ops[idx+1:]...), op)
	if err := q.saveLocked(ctx); err != nil {
		q.ops = prev
		q.mu.Unlock()
		return Operation{}, err
	}
	online := q.online
	q.publishLocked()
	q.mu.Unlock()

	if online {
		q.drainAsync()
	}
	return op, nil
}

// Dismiss removes a queued or terminal operation. Active operations cannot be
// dismissed.
func (q *Queue) Dismiss(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return apperr.New(apperr.CodeNotFound, "operation not found")
	}
	if q.ops[idx].Status == StatusActive {
		return apperr.New(apperr.CodeInProgress, "operation is running")
	}
	prev := q.ops
	q.ops = append(q.ops[:idx:idx], q.ops[idx+1:]...)
	if err := q.saveLocked(ctx); err != nil {
		q.ops = prev
		return err
	}
	q.publishLocked()
	return nil
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Subscribe delivers the latest snapshot whenever the queue changes. Slow
// readers only see the most recent state.
func (q *Queue) Subscribe() (<-chan Snapshot, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSub
	q.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- q.snapshotLocked()
	q.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.subs, id)
			close(ch)
		})
	}
}

func (q *Queue) snapshotLocked() Snapshot {
	s := Snapshot{Online: q.online, Operations: make([]Operation, len(q.ops))}
	copy(s.Operations, q.ops)
	for _, op := range q.ops {
		switch op.Status {
		case StatusActive:
			s.ActiveCount++
		case StatusQueued:
			s.QueuedCount++
		}
	}
	return s
}

func (q *Queue) publishLocked() {
	if len(q.subs) == 0 {
		return
	}
	s := q.snapshotLocked()
	for _, ch := range q.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (q *Queue) finishLocked(idx int, status Status, msg string) {
	now := q.opts.Now()
	q.ops[idx].Status = status
	q.ops[idx].Error = msg
	q.ops[idx].UpdatedAt = now
	q.ops[idx].FinishedAt = &now
	if status == StatusCompleted && q.ops[idx].Total > 0 {
		q.ops[idx].Current = q.ops[idx].Total
	}
	observability.SyncOperations.WithLabelValues(q.ops[idx].Type, string(status)).Inc()
}

// evictLocked drops the oldest terminal operations beyond HistoryLimit.
func (q *Queue) evictLocked() {
	terminal := 0
	for _, op := range q.ops {
		if op.Status.Terminal() {
			terminal++
		}
	}
	excess := terminal - q.opts.HistoryLimit
	if excess <= 0 {
		return
	}
	kept := q.ops[:0]
	for _, op := range q.ops {
		if excess > 0 && op.Status.Terminal() {
			excess--
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
}

func (q *Queue) nextQueuedLocked() int {
	for i, op := range q.ops {
		if op.Status == StatusQueued {
			return i
		}
	}
	return -1
}

func (q *Queue) indexLocked(id string) int {
	for i, op := range q.ops {
		if op.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) saveLocked(ctx context.Context) error {
	data, err := json.Marshal(q.ops)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "encode operations")
	}
	if err := q.store.Save(context.WithoutCancel(ctx), Collection, data); err != nil {
		return apperr.Wrap(apperr.CodeDependency, err, "persist operations")
	}
	return nil
}

// persistLocked saves during a drain, where the in-memory state stays
// authoritative if the write fails.
func (q *Queue) persistLocked(ctx context.Context) {
	if err := q.saveLocked(ctx); err != nil {
		slog.Error("persist sync queue failed", "err", err)
	}
}
