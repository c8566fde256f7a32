// Package ledger implements the remote usage ledger service: per-device
// entitlement status reporting and per-user monthly usage counters. It is the
// server side of the sync protocol; nothing here ever feeds back into local
// gating decisions.
package ledger

import (
	"context"
	"errors"
	"time"

	"storygate/internal/metrics"
	"storygate/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX abstracts pgx pool and transaction so repository methods run on either.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Device is one reporting installation.
type Device struct {
	DeviceID    string     `db:"device_id"`
	KeyHash     string     `db:"key_hash"`
	UserID      string     `db:"user_id"`
	Status      types.Tier `db:"status"`
	ProductID   *string    `db:"product_id"`
	PurchasedAt *time.Time `db:"purchased_at"`
	LastEventAt time.Time  `db:"last_event_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// Repo is the postgres persistence layer for devices and usage records.
type Repo struct {
	db DBTX
}

// NewRepo creates a Repo on the given pool or transaction.
func NewRepo(db DBTX) *Repo {
	return &Repo{db: db}
}

// GetDevice fetches a device by id. Returns a not-found AppError when the
// device has never reported.
func (r *Repo) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	const q = `
		SELECT device_id, key_hash, user_id, status, product_id, purchased_at, last_event_at, updated_at
		FROM devices
		WHERE device_id = $1`

	var d Device
	err := r.db.QueryRow(ctx, q, deviceID).Scan(
		&d.DeviceID, &d.KeyHash, &d.UserID, &d.Status,
		&d.ProductID, &d.PurchasedAt, &d.LastEventAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(
			types.ErrCodeNotFoundDevice,
			"device has never reported",
			err,
		)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "querying device", err)
	}
	return &d, nil
}

// CreateDevice registers a device with its key hash on first contact.
func (r *Repo) CreateDevice(ctx context.Context, deviceID, keyHash, userID string) error {
	const q = `
		INSERT INTO devices (device_id, key_hash, user_id, status, last_event_at, updated_at)
		VALUES ($1, $2, $3, 'free', to_timestamp(0), now())
		ON CONFLICT (device_id) DO NOTHING`

	if _, err := r.db.Exec(ctx, q, deviceID, keyHash, userID); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "registering device", err)
	}
	return nil
}

// ApplyStatus records a reported entitlement status. The WHERE clause makes
// the write idempotent and ordering-safe: an event older than the one already
// applied changes nothing, and the caller learns it was stale.
func (r *Repo) ApplyStatus(ctx context.Context, req types.SyncStatusRequest) (applied bool, err error) {
	const q = `
		UPDATE devices
		SET status = $2,
		    product_id = $3,
		    purchased_at = $4,
		    last_event_at = $5,
		    updated_at = now()
		WHERE device_id = $1
		  AND last_event_at < $5`

	var productID *string
	var purchasedAt *time.Time
	if req.Purchase != nil {
		productID = &req.Purchase.ProductID
		purchasedAt = &req.Purchase.PurchasedAt
	}

	tag, err := r.db.Exec(ctx, q, req.DeviceID, string(req.Status), productID, purchasedAt, req.EventAt)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "applying status event", err)
	}
	if tag.RowsAffected() == 0 {
		metrics.LedgerStaleEvents.Inc()
		return false, nil
	}
	return true, nil
}

// GetOrCreateUsage returns the usage record for a user, creating it lazily on
// first read and rolling the counters when the monthly period has lapsed.
func (r *Repo) GetOrCreateUsage(ctx context.Context, userID string, maxPerMonth int, now time.Time) (*types.UsageRecord, error) {
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	const insertQ = `
		INSERT INTO usage_records (user_id, monthly_stories, monthly_characters, max_stories_per_month, period_start)
		VALUES ($1, 0, 0, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`
	if _, err := r.db.Exec(ctx, insertQ, userID, maxPerMonth, periodStart); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "creating usage record", err)
	}

	// Roll the period before reading so the caller never sees stale counters.
	const resetQ = `
		UPDATE usage_records
		SET monthly_stories = 0,
		    monthly_characters = 0,
		    last_story_date = NULL,
		    period_start = $2
		WHERE user_id = $1
		  AND period_start < $2`
	tag, err := r.db.Exec(ctx, resetQ, userID, periodStart)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "resetting usage period", err)
	}
	if tag.RowsAffected() > 0 {
		metrics.LedgerMonthlyResets.Inc()
	}

	const selectQ = `
		SELECT user_id, monthly_stories, monthly_characters, last_story_date, max_stories_per_month, period_start
		FROM usage_records
		WHERE user_id = $1`
	var rec types.UsageRecord
	err = r.db.QueryRow(ctx, selectQ, userID).Scan(
		&rec.UserID, &rec.MonthlyStories, &rec.MonthlyCharacters,
		&rec.LastStoryDate, &rec.MaxStoriesPerMonth, &rec.PeriodStart,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "reading usage record", err)
	}
	return &rec, nil
}

// RecordStory bumps a user's monthly counters after a story is generated.
func (r *Repo) RecordStory(ctx context.Context, userID string, characters int, now time.Time) error {
	const q = `
		UPDATE usage_records
		SET monthly_stories = monthly_stories + 1,
		    monthly_characters = monthly_characters + $2,
		    last_story_date = $3
		WHERE user_id = $1`

	tag, err := r.db.Exec(ctx, q, userID, characters, now)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "recording story usage", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(
			types.ErrCodeNotFoundUsage,
			"no usage record for user "+userID,
			nil,
		)
	}
	return nil
}
