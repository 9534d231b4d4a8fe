// Package store holds the SQL behind the alert pipeline. Every write goes
// through the router's primary; plain reads follow the active route.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// ErrAlertNotFound is returned by LoadAlert when no alert row matches.
var ErrAlertNotFound = errors.New("alert not found")

// DB is satisfied by *db.Router.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	WriteRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) LoadAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	var (
		a        domain.Alert
		criteria []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT a.id, a.user_id, u.email, a.name,
		       COALESCE(a.source_url, ''), a.criteria, COALESCE(a.listing_id, ''),
		       COALESCE(a.webhook_url, ''), a.is_active,
		       a.last_checked, a.last_notified, a.notification_count
		FROM alerts a
		JOIN users u ON u.id = a.user_id
		WHERE a.id = $1`, alertID,
	).Scan(
		&a.ID, &a.UserID, &a.UserEmail, &a.Name,
		&a.SourceURL, &criteria, &a.ListingID,
		&a.WebhookURL, &a.IsActive,
		&a.LastChecked, &a.LastNotified, &a.NotificationCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load alert: %w", err)
	}
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &a.Criteria); err != nil {
			return nil, fmt.Errorf("decode criteria for alert %s: %w", alertID, err)
		}
	}
	return &a, nil
}

// LoadSeen returns the alert's seen set keyed by listing id.
func (s *Store) LoadSeen(ctx context.Context, alertID string) (map[string]domain.SeenEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT listing_id, change_type, price_snapshot, detected_at
		FROM seen_listings
		WHERE alert_id = $1`, alertID)
	if err != nil {
		return nil, fmt.Errorf("load seen: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]domain.SeenEntry)
	for rows.Next() {
		e := domain.SeenEntry{AlertID: alertID}
		var ct string
		if err := rows.Scan(&e.ListingID, &ct, &e.PriceSnapshot, &e.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan seen row: %w", err)
		}
		e.ChangeType = domain.ChangeType(ct)
		seen[e.ListingID] = e
	}
	return seen, rows.Err()
}

const upsertListingSQL = `
WITH prev AS (
    SELECT price, available FROM listing_cache WHERE listing_id = $1
), up AS (
    INSERT INTO listing_cache
        (listing_id, url, name, price, currency, rating, reviews_count, room_type,
         guests, address, lat, lng, host_id, host_name, photos, available, last_updated)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::jsonb, TRUE, NOW())
    ON CONFLICT (listing_id) DO UPDATE SET
        url           = EXCLUDED.url,
        name          = EXCLUDED.name,
        price         = COALESCE(EXCLUDED.price, listing_cache.price),
        currency      = EXCLUDED.currency,
        rating        = EXCLUDED.rating,
        reviews_count = EXCLUDED.reviews_count,
        room_type     = EXCLUDED.room_type,
        guests        = EXCLUDED.guests,
        address       = EXCLUDED.address,
        lat           = EXCLUDED.lat,
        lng           = EXCLUDED.lng,
        host_id       = EXCLUDED.host_id,
        host_name     = EXCLUDED.host_name,
        photos        = EXCLUDED.photos,
        available     = listing_cache.available OR $16,
        last_updated  = NOW()
    RETURNING listing_id
)
SELECT NOT EXISTS (SELECT 1 FROM prev),
       (SELECT price FROM prev),
       COALESCE((SELECT available FROM prev), TRUE)
FROM up`

// UpsertListing refreshes the cache entry for l and reports what it held
// before. first_seen_at is never touched after the first insert. A row
// marked unavailable only becomes available again when confirmAvailable is
// set, which listing jobs do after fetching the listing itself.
func (s *Store) UpsertListing(ctx context.Context, l domain.Listing, confirmAvailable bool) (domain.CacheUpsert, error) {
	photos := l.Photos
	if photos == nil {
		photos = []string{}
	}
	rawPhotos, err := json.Marshal(photos)
	if err != nil {
		return domain.CacheUpsert{}, fmt.Errorf("encode photos: %w", err)
	}

	var up domain.CacheUpsert
	err = s.db.WriteRow(ctx, upsertListingSQL,
		l.ID, l.URL, l.Name, l.Price, l.Currency, l.Rating, l.ReviewsCount, l.RoomType,
		l.Guests, l.Address, l.Lat, l.Lng, l.HostID, l.HostName, string(rawPhotos), confirmAvailable,
	).Scan(&up.Inserted, &up.PreviousPrice, &up.WasAvailable)
	if err != nil {
		return domain.CacheUpsert{}, fmt.Errorf("upsert listing %s: %w", l.ID, err)
	}
	return up, nil
}

// InsertSeen records the listing for the alert unless a row already
// exists. It reports whether this call created the row; only the caller
// that creates it may treat the listing as new.
func (s *Store) InsertSeen(ctx context.Context, alertID, listingID string,
	ct domain.ChangeType, price *float64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO seen_listings (alert_id, listing_id, change_type, price_snapshot, detected_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (alert_id, listing_id) DO NOTHING`,
		alertID, listingID, string(ct), price)
	if err != nil {
		return false, fmt.Errorf("insert seen %s/%s: %w", alertID, listingID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateSeen moves an existing seen row to a new change type and snapshot.
// A nil price keeps the stored snapshot. It reports false when the row
// already holds exactly this state, so two concurrent runs report a given
// change once.
func (s *Store) UpdateSeen(ctx context.Context, alertID, listingID string,
	ct domain.ChangeType, price *float64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE seen_listings
		SET change_type    = $3,
		    price_snapshot = COALESCE($4::double precision, price_snapshot),
		    detected_at    = NOW()
		WHERE alert_id = $1 AND listing_id = $2
		  AND (change_type <> $3
		       OR ($4::double precision IS NOT NULL AND price_snapshot IS DISTINCT FROM $4::double precision))`,
		alertID, listingID, string(ct), price)
	if err != nil {
		return false, fmt.Errorf("update seen %s/%s: %w", alertID, listingID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendPriceHistory(ctx context.Context, listingID, alertID string, price float64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO price_history (listing_id, alert_id, price, recorded_at)
		VALUES ($1, $2, $3, NOW())`, listingID, alertID, price)
	if err != nil {
		return fmt.Errorf("append price history %s: %w", listingID, err)
	}
	return nil
}

// MarkUnavailable flags a cached listing the provider no longer returns.
func (s *Store) MarkUnavailable(ctx context.Context, listingID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE listing_cache
		SET available = FALSE, last_updated = NOW()
		WHERE listing_id = $1`, listingID)
	if err != nil {
		return fmt.Errorf("mark unavailable %s: %w", listingID, err)
	}
	return nil
}

func (s *Store) TouchLastChecked(ctx context.Context, alertID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE alerts SET last_checked = NOW() WHERE id = $1`, alertID)
	if err != nil {
		return fmt.Errorf("touch last_checked %s: %w", alertID, err)
	}
	return nil
}

func (s *Store) RecordNotified(ctx context.Context, alertID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE alerts
		SET last_notified = NOW(), notification_count = notification_count + 1
		WHERE id = $1`, alertID)
	if err != nil {
		return fmt.Errorf("record notified %s: %w", alertID, err)
	}
	return nil
}

func (s *Store) InsertNotification(ctx context.Context, rec domain.NotificationRecord) error {
	var webhookErr *string
	if rec.WebhookError != "" {
		webhookErr = &rec.WebhookError
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO notifications
		    (user_id, alert_id, listing_id, type, email_sent, webhook_sent, webhook_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.UserID, rec.AlertID, rec.ListingID, string(rec.Type),
		rec.EmailSent, rec.WebhookSent, webhookErr)
	if err != nil {
		return fmt.Errorf("insert notification %s/%s: %w", rec.AlertID, rec.ListingID, err)
	}
	return nil
}

// PurgePriceHistory deletes history rows recorded before cutoff.
func (s *Store) PurgePriceHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM price_history WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge price history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeListingCache deletes cache entries no run has refreshed since
// cutoff. Listings still tracked by an active alert are kept.
func (s *Store) PurgeListingCache(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM listing_cache c
		WHERE c.last_updated < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM alerts a
		      WHERE a.listing_id = c.listing_id AND a.is_active
		  )`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge listing cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
