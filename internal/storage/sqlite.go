package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"feedpush/internal/model"
	"feedpush/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// ErrNotFound is returned when a requested feed does not exist.
var ErrNotFound = sql.ErrNoRows

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateFeed inserts a new feed and populates its ID and CreatedAt.
// The feed name is globally unique; inserting a duplicate fails.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.Feed) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (name, url, bot_id, schedule, targets, dedup_filters,
		                    proxy, translate, only_title, only_pic, contains_pic_only,
		                    download_pic, stopped, allow_keyword, deny_keyword,
		                    content_removal, max_images, cookie, etag, last_modified,
		                    consecutive_failures, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		feed.Name, feed.URL, feed.BotID, feed.Schedule,
		jsonList(feed.Targets), jsonList(feed.DedupFilters),
		boolToInt(feed.Proxy), boolToInt(feed.Translate), boolToInt(feed.OnlyTitle),
		boolToInt(feed.OnlyPic), boolToInt(feed.ContainsPicOnly),
		boolToInt(feed.DownloadPic), boolToInt(feed.Stopped),
		feed.AllowKeyword, feed.DenyKeyword, jsonList(feed.ContentRemoval),
		feed.MaxImages, feed.Cookie, feed.ETag, feed.LastModified,
		feed.ConsecutiveFailures, now,
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	feed.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetFeedByName returns the feed with the given unique name.
func (s *SQLite) GetFeedByName(ctx context.Context, name string) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx, selectFeed+` WHERE name = ?`, name)
	return scanFeed(row)
}

// ListFeeds returns all feeds, optionally restricted to one bot.
func (s *SQLite) ListFeeds(ctx context.Context, botID string) ([]model.Feed, error) {
	q := selectFeed
	var args []any
	if botID != "" {
		q += ` WHERE bot_id = ?`
		args = append(args, botID)
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// UpdateFeed persists changes to an existing feed.
func (s *SQLite) UpdateFeed(ctx context.Context, feed *model.Feed) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET url = ?, bot_id = ?, schedule = ?, targets = ?,
		        dedup_filters = ?, proxy = ?, translate = ?, only_title = ?,
		        only_pic = ?, contains_pic_only = ?, download_pic = ?, stopped = ?,
		        allow_keyword = ?, deny_keyword = ?, content_removal = ?,
		        max_images = ?, cookie = ?, etag = ?, last_modified = ?,
		        consecutive_failures = ?
		 WHERE id = ?`,
		feed.URL, feed.BotID, feed.Schedule, jsonList(feed.Targets),
		jsonList(feed.DedupFilters), boolToInt(feed.Proxy), boolToInt(feed.Translate),
		boolToInt(feed.OnlyTitle), boolToInt(feed.OnlyPic),
		boolToInt(feed.ContainsPicOnly), boolToInt(feed.DownloadPic),
		boolToInt(feed.Stopped), feed.AllowKeyword, feed.DenyKeyword,
		jsonList(feed.ContentRemoval), feed.MaxImages, feed.Cookie,
		feed.ETag, feed.LastModified, feed.ConsecutiveFailures, feed.ID,
	)
	if err != nil {
		return fmt.Errorf("update feed: %w", err)
	}
	return nil
}

// DeleteFeed removes a feed together with its seen and dedup rows.
func (s *SQLite) DeleteFeed(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_entries WHERE feed_id = ?`, id); err != nil {
		return fmt.Errorf("delete seen_entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dedup_cache WHERE feed_id = ?`, id); err != nil {
		return fmt.Errorf("delete dedup_cache: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return tx.Commit()
}

// AddSeen records an entry as processed. Inserting the same fingerprint
// twice is a no-op, which keeps seen-tracking idempotent.
func (s *SQLite) AddSeen(ctx context.Context, e model.SeenEntry) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_entries (feed_id, hash, title, link, published, seen_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.FeedID, e.Hash, e.Title, e.Link, e.Published, now,
	)
	if err != nil {
		return fmt.Errorf("add seen: %w", err)
	}
	return nil
}

// HasSeen checks whether an entry fingerprint has already been processed.
func (s *SQLite) HasSeen(ctx context.Context, feedID int64, hash string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_entries WHERE feed_id = ? AND hash = ?`,
		feedID, hash,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return count > 0, nil
}

// ClearSeen removes all seen rows for a feed.
func (s *SQLite) ClearSeen(ctx context.Context, feedID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM seen_entries WHERE feed_id = ?`, feedID)
	if err != nil {
		return fmt.Errorf("clear seen: %w", err)
	}
	return nil
}

// AddDedup inserts a dedup-cache row for a delivered entry.
func (s *SQLite) AddDedup(ctx context.Context, e model.DedupEntry) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup_cache (feed_id, link, title, image_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.FeedID, e.Link, e.Title, e.ImageHash, now,
	)
	if err != nil {
		return fmt.Errorf("add dedup: %w", err)
	}
	return nil
}

// HasDedupMatch checks the dedup cache for a row matching the non-empty
// clauses. Empty clause values are skipped; with no clauses at all the
// answer is always false.
func (s *SQLite) HasDedupMatch(ctx context.Context, feedID int64, link, title, imageHash string, or bool) (bool, error) {
	var clauses []string
	var args []any
	if link != "" {
		clauses = append(clauses, "link = ?")
		args = append(args, link)
	}
	if title != "" {
		clauses = append(clauses, "title = ?")
		args = append(args, title)
	}
	if imageHash != "" {
		clauses = append(clauses, "image_hash = ?")
		args = append(args, imageHash)
	}
	if len(clauses) == 0 {
		return false, nil
	}

	op := " AND "
	if or {
		op = " OR "
	}
	q := `SELECT COUNT(*) FROM dedup_cache WHERE feed_id = ? AND (` +
		strings.Join(clauses, op) + `)`

	var count int
	err := s.db.QueryRowContext(ctx, q, append([]any{feedID}, args...)...).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check dedup: %w", err)
	}
	return count > 0, nil
}

// PurgeDedupBefore deletes dedup rows older than the cutoff.
func (s *SQLite) PurgeDedupBefore(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_cache WHERE created_at < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("purge dedup: %w", err)
	}
	return nil
}

const selectFeed = `SELECT id, name, url, bot_id, schedule, targets, dedup_filters,
       proxy, translate, only_title, only_pic, contains_pic_only, download_pic,
       stopped, allow_keyword, deny_keyword, content_removal, max_images, cookie,
       etag, last_modified, consecutive_failures, created_at
  FROM feeds`

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func parseList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFeed(row scannable) (*model.Feed, error) {
	var f model.Feed
	var targets, dedupFilters, contentRemoval string
	var proxy, translate, onlyTitle, onlyPic, containsPicOnly, downloadPic, stopped int
	var created sql.NullString
	err := row.Scan(
		&f.ID, &f.Name, &f.URL, &f.BotID, &f.Schedule, &targets, &dedupFilters,
		&proxy, &translate, &onlyTitle, &onlyPic, &containsPicOnly, &downloadPic,
		&stopped, &f.AllowKeyword, &f.DenyKeyword, &contentRemoval, &f.MaxImages,
		&f.Cookie, &f.ETag, &f.LastModified, &f.ConsecutiveFailures, &created,
	)
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.Targets = parseList(targets)
	f.DedupFilters = parseList(dedupFilters)
	f.ContentRemoval = parseList(contentRemoval)
	f.Proxy = proxy == 1
	f.Translate = translate == 1
	f.OnlyTitle = onlyTitle == 1
	f.OnlyPic = onlyPic == 1
	f.ContainsPicOnly = containsPicOnly == 1
	f.DownloadPic = downloadPic == 1
	f.Stopped = stopped == 1
	if created.Valid {
		f.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &f, nil
}
