package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleTransition is returned when an item's phase or claim changed
	// since the caller locked it. The caller must re-read, not retry the
	// external call.
	ErrStaleTransition = errors.New("stale transition: item phase or claim changed")
)

const itemColumns = `id, source_ref, phase, payload, attempts, last_error, error_class, failed_from, claimed_by, claim_expires_at, created_at, updated_at`

// Store owns all ContentItem and PlatformPost records. Runners and the
// executor never hold authoritative copies.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateOrGet inserts a new item in the discovered phase, deduplicating on
// source_ref. The returned bool reports whether a new item was created; an
// existing item is returned unchanged.
func (s *Store) CreateOrGet(ctx context.Context, sourceRef string, payload map[string]any) (Item, bool, error) {
	if sourceRef == "" {
		return Item{}, false, errors.New("source_ref is required")
	}
	payloadJSON, err := marshalJSONB(payload)
	if err != nil {
		return Item{}, false, fmt.Errorf("encode payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (id, source_ref, phase, payload)
		VALUES ($1, $2, 'discovered', $3)
		ON CONFLICT (source_ref) DO NOTHING
	`, uuid.NewString(), sourceRef, payloadJSON)
	if err != nil {
		return Item{}, false, fmt.Errorf("insert item: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Item{}, false, fmt.Errorf("insert item: %w", err)
	}

	item, err := s.GetBySourceRef(ctx, sourceRef)
	if err != nil {
		return Item{}, false, err
	}
	return item, inserted == 1, nil
}

// GetItem fetches one item by id.
func (s *Store) GetItem(ctx context.Context, id string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM content_items
		WHERE id = $1
	`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return item, err
}

// GetBySourceRef fetches one item by its dedup key.
func (s *Store) GetBySourceRef(ctx context.Context, sourceRef string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM content_items
		WHERE source_ref = $1
	`, sourceRef)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return item, err
}

// ListByPhase returns items currently persisted in the given rest phase,
// oldest first. The result is a snapshot at call time.
func (s *Store) ListByPhase(ctx context.Context, phase Phase, limit int) ([]Item, error) {
	if !phase.Rest() {
		return nil, fmt.Errorf("phase %s is not persisted", phase)
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM content_items
		WHERE phase = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, string(phase), limit)
	if err != nil {
		return nil, fmt.Errorf("list items by phase: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// TryLock claims the item for workerID iff it is still in expectedPhase and
// not held by a live claim. Expired claims are reclaimable, which is how
// items abandoned by a dead process recover.
func (s *Store) TryLock(ctx context.Context, itemID, workerID string, expectedPhase Phase, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, errors.New("lease must be positive")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET claimed_by = $2, claim_expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE id = $1 AND phase = $4 AND (claimed_by IS NULL OR claim_expires_at <= NOW())
	`, itemID, workerID, lease.Seconds(), string(expectedPhase))
	if err != nil {
		return false, fmt.Errorf("lock item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock item: %w", err)
	}
	return n == 1, nil
}

// Advance moves the item to the next rest phase, merging payloadDelta into
// the payload and clearing the claim and error state. Returns
// ErrStaleTransition when the item's phase or claim changed since TryLock.
func (s *Store) Advance(ctx context.Context, itemID, workerID string, from, to Phase, payloadDelta map[string]any) error {
	next, ok := from.Next()
	if !ok || next != to {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	deltaJSON, err := marshalJSONB(payloadDelta)
	if err != nil {
		return fmt.Errorf("encode payload delta: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET phase = $3, payload = payload || $4::jsonb, last_error = NULL, error_class = NULL, failed_from = NULL, claimed_by = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND phase = $5
	`, itemID, workerID, string(to), deltaJSON, string(from))
	if err != nil {
		return fmt.Errorf("advance item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance item: %w", err)
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// MarkFailed moves a claimed item to the failed phase, recording the error,
// its class, the phase it failed from, and the attempts consumed by the
// failed execution.
func (s *Store) MarkFailed(ctx context.Context, itemID, workerID string, phase Phase, class, reason string, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET phase = 'failed', failed_from = $3, last_error = $4, error_class = $5,
			attempts = jsonb_set(attempts, ARRAY[$3], to_jsonb(COALESCE((attempts->>$3)::int, 0) + $6)),
			claimed_by = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND phase = $3
	`, itemID, workerID, string(phase), reason, class, attempts)
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// Unlock releases workerID's claim without changing the phase. Releasing a
// claim that is already gone is not an error.
func (s *Store) Unlock(ctx context.Context, itemID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET claimed_by = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2
	`, itemID, workerID)
	if err != nil {
		return fmt.Errorf("unlock item: %w", err)
	}
	return nil
}

// ResetFailed returns a failed item to the phase it failed from, clearing the
// error state. This is the operator re-entry point for retrying dead items.
func (s *Store) ResetFailed(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET phase = failed_from, failed_from = NULL, last_error = NULL, error_class = NULL, claimed_by = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND phase = 'failed' AND failed_from IS NOT NULL
	`, itemID)
	if err != nil {
		return fmt.Errorf("reset failed item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset failed item: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type itemScanner interface {
	Scan(dest ...any) error
}

func scanItem(s itemScanner) (Item, error) {
	var item Item
	var phase string
	var payloadJSON, attemptsJSON []byte
	if err := s.Scan(
		&item.ID,
		&item.SourceRef,
		&phase,
		&payloadJSON,
		&attemptsJSON,
		&item.LastError,
		&item.ErrorClass,
		&item.FailedFrom,
		&item.ClaimedBy,
		&item.ClaimExpiresAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Item{}, err
	}
	item.Phase = Phase(phase)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
			return Item{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &item.Attempts); err != nil {
			return Item{}, fmt.Errorf("decode attempts: %w", err)
		}
	}
	return item, nil
}

func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
