package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chanpost/internal/domain"
	"chanpost/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const itemColumns = `id, owner_id, destination_channel_id, body_text, media_reference, media_kind, button_layout,
	scheduled_at, status, attempts, external_message_id, error_reason, rate_limited, created_at, updated_at`

const postColumns = `id, scheduled_item_id, destination_channel_id, external_message_id, current_view_count, last_synced_at, sent_at`

type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger

	trackWindow time.Duration
}

func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also serializes claims.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")

	st := &SQLiteStore{db: db, log: log, trackWindow: cfg.TrackWindow}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(r rowScanner) (domain.ScheduledItem, error) {
	var (
		it                             domain.ScheduledItem
		body, media, kind, extID, errR sql.NullString
		buttons                        []byte
		scheduled, created, updated    int64
		rateLimited                    int
		status                         string
	)
	if err := r.Scan(&it.ID, &it.OwnerID, &it.DestinationChannelID, &body, &media, &kind, &buttons,
		&scheduled, &status, &it.Attempts, &extID, &errR, &rateLimited, &created, &updated); err != nil {
		return domain.ScheduledItem{}, err
	}
	layout, err := decodeButtons(buttons)
	if err != nil {
		return domain.ScheduledItem{}, fmt.Errorf("item %s: button_layout: %w", it.ID, err)
	}
	it.BodyText = body.String
	it.MediaReference = media.String
	it.MediaKind = domain.MediaKind(kind.String)
	it.Buttons = layout
	it.ScheduledAt = time.UnixMilli(scheduled)
	it.Status = domain.Status(status)
	it.ExternalMessageID = extID.String
	it.ErrorReason = errR.String
	it.RateLimited = rateLimited != 0
	it.CreatedAt = time.UnixMilli(created)
	it.UpdatedAt = time.UnixMilli(updated)
	return it, nil
}

func scanSQLitePost(r rowScanner) (domain.TrackedPost, error) {
	var (
		p      domain.TrackedPost
		synced sql.NullInt64
		sent   int64
	)
	if err := r.Scan(&p.ID, &p.ScheduledItemID, &p.DestinationChannelID, &p.ExternalMessageID,
		&p.CurrentViewCount, &synced, &sent); err != nil {
		return domain.TrackedPost{}, err
	}
	if synced.Valid {
		t := time.UnixMilli(synced.Int64)
		p.LastSyncedAt = &t
	}
	p.SentAt = time.UnixMilli(sent)
	return p, nil
}

func (s *SQLiteStore) CreateItem(ctx context.Context, it domain.ScheduledItem) (domain.ScheduledItem, error) {
	it = prepareItem(it, time.Now())
	buttons, err := encodeButtons(it.Buttons)
	if err != nil {
		return domain.ScheduledItem{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_items(`+itemColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.OwnerID, it.DestinationChannelID, nullStr(it.BodyText), nullStr(it.MediaReference),
		nullStr(string(it.MediaKind)), buttons, it.ScheduledAt.UnixMilli(), string(it.Status), it.Attempts,
		nullStr(it.ExternalMessageID), nullStr(it.ErrorReason), boolInt(it.RateLimited),
		it.CreatedAt.UnixMilli(), it.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.ScheduledItem{}, fmt.Errorf("create item: %w", err)
	}
	return it, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (domain.ScheduledItem, error) {
	it, err := scanSQLiteItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM scheduled_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledItem{}, ErrNotFound
	}
	return it, err
}

// ClaimDue flips up to limit due pending items to sending in one statement.
// The outer status predicate makes the update a compare-and-swap, so
// concurrent claimers never receive the same row.
func (s *SQLiteStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]domain.ScheduledItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE scheduled_items
		   SET status = 'sending', updated_at = ?
		 WHERE status = 'pending'
		   AND id IN (SELECT id FROM scheduled_items
		               WHERE status = 'pending' AND scheduled_at <= ?
		               ORDER BY scheduled_at, id
		               LIMIT ?)
		RETURNING `+itemColumns, ms, ms, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledItem
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortByScheduledAt(out)
	return out, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status domain.Status, now time.Time) error {
	from, err := targetGuard(status)
	if err != nil {
		return err
	}
	args := []any{string(status), now.UnixMilli(), id}
	ph := make([]string, len(from))
	for i, f := range from {
		ph[i] = "?"
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_items SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+strings.Join(ph, ",")+`)`,
		args...)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, id)
}

func (s *SQLiteStore) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM scheduled_items WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrTransition
}

func (s *SQLiteStore) MarkSent(ctx context.Context, id, externalMessageID string, now time.Time) (domain.TrackedPost, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TrackedPost{}, err
	}
	defer func() { _ = tx.Rollback() }()

	ms := now.UnixMilli()
	var channel string
	err = tx.QueryRowContext(ctx, `
		UPDATE scheduled_items
		   SET status = 'sent', external_message_id = ?, error_reason = NULL, rate_limited = 0, updated_at = ?
		 WHERE id = ? AND status = 'sending'
		RETURNING destination_channel_id`, externalMessageID, ms, id).Scan(&channel)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return domain.TrackedPost{}, s.missingOrTransition(ctx, id)
	}
	if err != nil {
		return domain.TrackedPost{}, fmt.Errorf("mark sent: %w", err)
	}

	p, err := scanSQLitePost(tx.QueryRowContext(ctx, `
		INSERT INTO tracked_posts(id, scheduled_item_id, destination_channel_id, external_message_id, current_view_count, sent_at)
		VALUES(?,?,?,?,0,?)
		ON CONFLICT(scheduled_item_id) DO UPDATE SET external_message_id = excluded.external_message_id
		RETURNING `+postColumns, domain.NewPostID(), id, channel, externalMessageID, ms))
	if err != nil {
		return domain.TrackedPost{}, fmt.Errorf("track post: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TrackedPost{}, err
	}
	return p, nil
}

func (s *SQLiteStore) missingOrTransition(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM scheduled_items WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrTransition
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, reason string, rateLimited bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_items
		   SET status = 'error', error_reason = ?, rate_limited = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'sending')`,
		nullStr(reason), boolInt(rateLimited), now.UnixMilli(), id)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, id)
}

func (s *SQLiteStore) Requeue(ctx context.Context, id, reason string, now time.Time) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE scheduled_items
		   SET status = 'pending', attempts = attempts + 1, error_reason = ?, updated_at = ?
		 WHERE id = ? AND status = 'sending'
		RETURNING attempts`, nullStr(reason), now.UnixMilli(), id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.missingOrTransition(ctx, id)
	}
	return attempts, err
}

func (s *SQLiteStore) RequeueStuck(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_items
		   SET status = 'pending', updated_at = ?
		 WHERE status = 'sending' AND updated_at < ?`,
		now.UnixMilli(), now.Add(-maxAge).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("requeue stuck: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) queryPosts(ctx context.Context, q string, args ...any) ([]domain.TrackedPost, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TrackedPost
	for rows.Next() {
		p, err := scanSQLitePost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetTrackablePosts(ctx context.Context, now time.Time) ([]domain.TrackedPost, error) {
	var since int64
	if s.trackWindow > 0 {
		since = now.Add(-s.trackWindow).UnixMilli()
	}
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM tracked_posts WHERE sent_at >= ? ORDER BY sent_at DESC`, since)
}

func (s *SQLiteStore) GetChannelPostsForTracking(ctx context.Context, channelID string) ([]domain.TrackedPost, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM tracked_posts WHERE destination_channel_id = ? ORDER BY sent_at DESC`, channelID)
}

// BatchUpdateViews applies every update with a single CASE statement.
func (s *SQLiteStore) BatchUpdateViews(ctx context.Context, updates []domain.ViewUpdate, now time.Time) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	var b strings.Builder
	args := make([]any, 0, len(updates)*3+1)
	b.WriteString(`UPDATE tracked_posts SET current_view_count = CASE id`)
	for _, u := range updates {
		b.WriteString(` WHEN ? THEN ?`)
		args = append(args, u.PostID, u.Views)
	}
	b.WriteString(` ELSE current_view_count END, last_synced_at = ? WHERE id IN (`)
	args = append(args, now.UnixMilli())
	for i, u := range updates {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("?")
		args = append(args, u.PostID)
	}
	b.WriteString(")")

	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("batch update views: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, postIDs []string, now time.Time) error {
	if len(postIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(postIDs)+1)
	args = append(args, now.UnixMilli())
	ph := make([]string, len(postIDs))
	for i, id := range postIDs {
		ph[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tracked_posts SET last_synced_at = ? WHERE id IN (`+strings.Join(ph, ",")+`)`, args...)
	return err
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, o domain.DeliveryOutcome, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_audit(at, item_id, kind, success, duplicate, rate_limited, requeued, external_message_id, error_reason)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		now.UnixMilli(), o.ItemID, string(o.Kind), boolInt(o.Success), boolInt(o.Duplicate),
		boolInt(o.RateLimited), boolInt(o.Requeued), nullStr(o.ExternalMessageID), nullStr(o.ErrorReason))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sortByScheduledAt(items []domain.ScheduledItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ScheduledAt.Equal(items[j].ScheduledAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].ScheduledAt.Before(items[j].ScheduledAt)
	})
}
