package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestCreatePosts(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	s := NewStore(db)
	at := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO platform_posts .*ON CONFLICT \(item_id, platform\) DO NOTHING`).
		WithArgs(sqlmock.AnyArg(), "item-1", "tiktok", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The instagram post already exists; the conflict is silently skipped.
	mock.ExpectExec(`INSERT INTO platform_posts .*ON CONFLICT \(item_id, platform\) DO NOTHING`).
		WithArgs(sqlmock.AnyArg(), "item-1", "instagram", at.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.CreatePosts(context.Background(), "item-1", []PostRequest{
		{Platform: "tiktok", ScheduledTime: at},
		{Platform: "instagram", ScheduledTime: at.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("CreatePosts failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreatePostsRequiresItem(t *testing.T) {
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	s := NewStore(db)
	if err := s.CreatePosts(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty item id")
	}
}

func TestConfirmPost(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	s := NewStore(db)

	mock.ExpectExec(`SET status = 'confirmed', external_post_id = \$3.*WHERE item_id = \$1 AND platform = \$2 AND status <> 'confirmed'`).
		WithArgs("item-1", "tiktok", "tt-post-9000").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.ConfirmPost(context.Background(), "item-1", "tiktok", "tt-post-9000"); err != nil {
		t.Fatalf("ConfirmPost failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFailPost(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	s := NewStore(db)

	mock.ExpectExec(`SET status = 'failed', last_error = \$3.*AND status <> 'confirmed'`).
		WithArgs("item-1", "instagram", "platform rejected media").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.FailPost(context.Background(), "item-1", "instagram", "platform rejected media"); err != nil {
		t.Fatalf("FailPost failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListPostsByItem(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	s := NewStore(db)
	now := time.Now()
	at := now.Add(24 * time.Hour)

	mock.ExpectQuery(`FROM platform_posts\s+WHERE item_id = \$1\s+ORDER BY platform`).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "item_id", "platform", "scheduled_time", "external_post_id", "status", "last_error", "created_at", "updated_at",
		}).
			AddRow("post-1", "item-1", "instagram", at, nil, "pending", nil, now, now).
			AddRow("post-2", "item-1", "tiktok", at, "tt-post-9000", "confirmed", nil, now, now))

	posts, err := s.ListPostsByItem(context.Background(), "item-1")
	if err != nil {
		t.Fatalf("ListPostsByItem failed: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(posts))
	}
	if posts[0].Status != PostPending {
		t.Fatalf("expected pending instagram post, got %s", posts[0].Status)
	}
	if !posts[1].ExternalPostID.Valid || posts[1].ExternalPostID.String != "tt-post-9000" {
		t.Fatalf("confirmed post missing external id: %#v", posts[1].ExternalPostID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecentPosts(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	s := NewStore(db)
	now := time.Now()

	mock.ExpectQuery(`FROM platform_posts p\s+JOIN content_items i ON i\.id = p\.item_id\s+ORDER BY p\.updated_at DESC`).
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "item_id", "platform", "scheduled_time", "external_post_id", "status", "last_error", "created_at", "updated_at", "source_ref",
		}).AddRow("post-2", "item-1", "tiktok", now, "tt-post-9000", "confirmed", nil, now, now, "tt:742"))

	entries, err := s.RecentPosts(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecentPosts failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].SourceRef != "tt:742" {
		t.Fatalf("source ref not joined: %#v", entries[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
