package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const postColumns = `id, item_id, platform, scheduled_time, external_post_id, status, last_error, created_at, updated_at`

// PostRequest describes one platform delivery to create for an item.
type PostRequest struct {
	Platform      string
	ScheduledTime time.Time
}

// CreatePosts inserts pending platform posts for an item. The (item_id,
// platform) pair is unique, so re-running a scheduling batch never duplicates
// records.
func (s *Store) CreatePosts(ctx context.Context, itemID string, reqs []PostRequest) error {
	if itemID == "" {
		return errors.New("item id is required")
	}
	for _, req := range reqs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO platform_posts (id, item_id, platform, scheduled_time, status)
			VALUES ($1, $2, $3, $4, 'pending')
			ON CONFLICT (item_id, platform) DO NOTHING
		`, uuid.NewString(), itemID, req.Platform, req.ScheduledTime)
		if err != nil {
			return fmt.Errorf("insert platform post %s: %w", req.Platform, err)
		}
	}
	return nil
}

// ConfirmPost records the provider's external post id and marks the post
// confirmed. Confirmed posts are immutable, so confirming twice is a no-op.
func (s *Store) ConfirmPost(ctx context.Context, itemID, platform, externalPostID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE platform_posts
		SET status = 'confirmed', external_post_id = $3, last_error = NULL, updated_at = NOW()
		WHERE item_id = $1 AND platform = $2 AND status <> 'confirmed'
	`, itemID, platform, externalPostID)
	if err != nil {
		return fmt.Errorf("confirm platform post: %w", err)
	}
	return nil
}

// FailPost records a delivery failure. Confirmed posts are never touched.
func (s *Store) FailPost(ctx context.Context, itemID, platform, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE platform_posts
		SET status = 'failed', last_error = $3, updated_at = NOW()
		WHERE item_id = $1 AND platform = $2 AND status <> 'confirmed'
	`, itemID, platform, reason)
	if err != nil {
		return fmt.Errorf("fail platform post: %w", err)
	}
	return nil
}

// ListPostsByItem returns all platform posts for one item.
func (s *Store) ListPostsByItem(ctx context.Context, itemID string) ([]PlatformPost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM platform_posts
		WHERE item_id = $1
		ORDER BY platform
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list posts for item: %w", err)
	}
	defer rows.Close()

	var posts []PlatformPost
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

// RecentPosts returns the post log: recently touched platform posts joined
// with their item's source ref, newest first.
func (s *Store) RecentPosts(ctx context.Context, limit int) ([]PostLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.item_id, p.platform, p.scheduled_time, p.external_post_id, p.status, p.last_error, p.created_at, p.updated_at, i.source_ref
		FROM platform_posts p
		JOIN content_items i ON i.id = p.item_id
		ORDER BY p.updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent posts: %w", err)
	}
	defer rows.Close()

	var entries []PostLogEntry
	for rows.Next() {
		var entry PostLogEntry
		var status string
		if err := rows.Scan(
			&entry.ID,
			&entry.ItemID,
			&entry.Platform,
			&entry.ScheduledTime,
			&entry.ExternalPostID,
			&status,
			&entry.LastError,
			&entry.CreatedAt,
			&entry.UpdatedAt,
			&entry.SourceRef,
		); err != nil {
			return nil, fmt.Errorf("scan post log entry: %w", err)
		}
		entry.Status = PostStatus(status)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate post log: %w", err)
	}
	return entries, nil
}

type postScanner interface {
	Scan(dest ...any) error
}

func scanPost(s postScanner) (PlatformPost, error) {
	var post PlatformPost
	var status string
	if err := s.Scan(
		&post.ID,
		&post.ItemID,
		&post.Platform,
		&post.ScheduledTime,
		&post.ExternalPostID,
		&status,
		&post.LastError,
		&post.CreatedAt,
		&post.UpdatedAt,
	); err != nil {
		return PlatformPost{}, fmt.Errorf("scan platform post: %w", err)
	}
	post.Status = PostStatus(status)
	return post, nil
}
