package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chanpost/internal/domain"
	"chanpost/pkg/logx"
)

type PostgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger

	trackWindow time.Duration
}

func OpenPostgres(ctx context.Context, cfg Config, log logx.Logger) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := &PostgresStore{pool: pool, log: log, trackWindow: cfg.TrackWindow}
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store ready", logx.Int("max_conns", int(pc.MaxConns)))
	return st, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanPgItem(r pgx.Row) (domain.ScheduledItem, error) {
	var (
		it                             domain.ScheduledItem
		body, media, kind, extID, errR *string
		buttons                        []byte
		status                         string
	)
	if err := r.Scan(&it.ID, &it.OwnerID, &it.DestinationChannelID, &body, &media, &kind, &buttons,
		&it.ScheduledAt, &status, &it.Attempts, &extID, &errR, &it.RateLimited, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return domain.ScheduledItem{}, err
	}
	layout, err := decodeButtons(buttons)
	if err != nil {
		return domain.ScheduledItem{}, fmt.Errorf("item %s: button_layout: %w", it.ID, err)
	}
	it.BodyText = deref(body)
	it.MediaReference = deref(media)
	it.MediaKind = domain.MediaKind(deref(kind))
	it.Buttons = layout
	it.Status = domain.Status(status)
	it.ExternalMessageID = deref(extID)
	it.ErrorReason = deref(errR)
	return it, nil
}

func scanPgPost(r pgx.Row) (domain.TrackedPost, error) {
	var p domain.TrackedPost
	err := r.Scan(&p.ID, &p.ScheduledItemID, &p.DestinationChannelID, &p.ExternalMessageID,
		&p.CurrentViewCount, &p.LastSyncedAt, &p.SentAt)
	return p, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *PostgresStore) CreateItem(ctx context.Context, it domain.ScheduledItem) (domain.ScheduledItem, error) {
	it = prepareItem(it, time.Now())
	buttons, err := encodeButtons(it.Buttons)
	if err != nil {
		return domain.ScheduledItem{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scheduled_items(`+itemColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		it.ID, it.OwnerID, it.DestinationChannelID, nullStr(it.BodyText), nullStr(it.MediaReference),
		nullStr(string(it.MediaKind)), buttons, it.ScheduledAt, string(it.Status), it.Attempts,
		nullStr(it.ExternalMessageID), nullStr(it.ErrorReason), it.RateLimited, it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return domain.ScheduledItem{}, fmt.Errorf("create item: %w", err)
	}
	return it, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (domain.ScheduledItem, error) {
	it, err := scanPgItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM scheduled_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScheduledItem{}, ErrNotFound
	}
	return it, err
}

// ClaimDue locks due rows with SKIP LOCKED so concurrent dispatchers each
// take a disjoint slice, then flips them to sending in the same statement.
func (s *PostgresStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]domain.ScheduledItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM scheduled_items
			 WHERE status = 'pending' AND scheduled_at <= $1
			 ORDER BY scheduled_at, id
			 LIMIT $2
			 FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_items s
		   SET status = 'sending', updated_at = $1
		  FROM due
		 WHERE s.id = due.id AND s.status = 'pending'
		RETURNING `+prefixed("s.", itemColumns), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledItem
	for rows.Next() {
		it, err := scanPgItem(rows)
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

func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status domain.Status, now time.Time) error {
	from, err := targetGuard(status)
	if err != nil {
		return err
	}
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_items SET status = $1, updated_at = $2 WHERE id = $3 AND status = ANY($4)`,
		string(status), now, id, allowed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrTransition(ctx, id)
	}
	return nil
}

func (s *PostgresStore) missingOrTransition(ctx context.Context, id string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM scheduled_items WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrTransition
}

func (s *PostgresStore) MarkSent(ctx context.Context, id, externalMessageID string, now time.Time) (domain.TrackedPost, error) {
	var p domain.TrackedPost
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var channel string
		err := tx.QueryRow(ctx, `
			UPDATE scheduled_items
			   SET status = 'sent', external_message_id = $1, error_reason = NULL, rate_limited = FALSE, updated_at = $2
			 WHERE id = $3 AND status = 'sending'
			RETURNING destination_channel_id`, externalMessageID, now, id).Scan(&channel)
		if errors.Is(err, pgx.ErrNoRows) {
			return errNoRowTransition
		}
		if err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		p, err = scanPgPost(tx.QueryRow(ctx, `
			INSERT INTO tracked_posts(id, scheduled_item_id, destination_channel_id, external_message_id, current_view_count, sent_at)
			VALUES($1,$2,$3,$4,0,$5)
			ON CONFLICT(scheduled_item_id) DO UPDATE SET external_message_id = excluded.external_message_id
			RETURNING `+postColumns, domain.NewPostID(), id, channel, externalMessageID, now))
		if err != nil {
			return fmt.Errorf("track post: %w", err)
		}
		return nil
	})
	if errors.Is(err, errNoRowTransition) {
		return domain.TrackedPost{}, s.missingOrTransition(ctx, id)
	}
	return p, err
}

var errNoRowTransition = errors.New("no row")

func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string, rateLimited bool, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_items
		   SET status = 'error', error_reason = $1, rate_limited = $2, updated_at = $3
		 WHERE id = $4 AND status IN ('pending', 'sending')`,
		nullStr(reason), rateLimited, now, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrTransition(ctx, id)
	}
	return nil
}

func (s *PostgresStore) Requeue(ctx context.Context, id, reason string, now time.Time) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE scheduled_items
		   SET status = 'pending', attempts = attempts + 1, error_reason = $1, updated_at = $2
		 WHERE id = $3 AND status = 'sending'
		RETURNING attempts`, nullStr(reason), now, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.missingOrTransition(ctx, id)
	}
	return attempts, err
}

func (s *PostgresStore) RequeueStuck(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_items
		   SET status = 'pending', updated_at = $1
		 WHERE status = 'sending' AND updated_at < $2`, now, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("requeue stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) queryPosts(ctx context.Context, q string, args ...any) ([]domain.TrackedPost, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TrackedPost
	for rows.Next() {
		p, err := scanPgPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTrackablePosts(ctx context.Context, now time.Time) ([]domain.TrackedPost, error) {
	since := time.Unix(0, 0)
	if s.trackWindow > 0 {
		since = now.Add(-s.trackWindow)
	}
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM tracked_posts WHERE sent_at >= $1 ORDER BY sent_at DESC`, since)
}

func (s *PostgresStore) GetChannelPostsForTracking(ctx context.Context, channelID string) ([]domain.TrackedPost, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM tracked_posts WHERE destination_channel_id = $1 ORDER BY sent_at DESC`, channelID)
}

// BatchUpdateViews joins against unnest'ed arrays so the whole batch is one
// statement.
func (s *PostgresStore) BatchUpdateViews(ctx context.Context, updates []domain.ViewUpdate, now time.Time) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	ids := make([]string, len(updates))
	views := make([]int64, len(updates))
	for i, u := range updates {
		ids[i] = u.PostID
		views[i] = u.Views
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tracked_posts t
		   SET current_view_count = u.views, last_synced_at = $3
		  FROM unnest($1::text[], $2::bigint[]) AS u(id, views)
		 WHERE t.id = u.id`, ids, views, now)
	if err != nil {
		return 0, fmt.Errorf("batch update views: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MarkSynced(ctx context.Context, postIDs []string, now time.Time) error {
	if len(postIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE tracked_posts SET last_synced_at = $1 WHERE id = ANY($2)`, now, postIDs)
	return err
}

func (s *PostgresStore) AppendAudit(ctx context.Context, o domain.DeliveryOutcome, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_audit(at, item_id, kind, success, duplicate, rate_limited, requeued, external_message_id, error_reason)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		now, o.ItemID, string(o.Kind), o.Success, o.Duplicate, o.RateLimited, o.Requeued,
		nullStr(o.ExternalMessageID), nullStr(o.ErrorReason))
	return err
}
