package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"storygate/internal/types"

	"golang.org/x/crypto/bcrypt"
)

// Repository is the persistence slice the service depends on.
type Repository interface {
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	CreateDevice(ctx context.Context, deviceID, keyHash, userID string) error
	ApplyStatus(ctx context.Context, req types.SyncStatusRequest) (bool, error)
	GetOrCreateUsage(ctx context.Context, userID string, maxPerMonth int, now time.Time) (*types.UsageRecord, error)
	RecordStory(ctx context.Context, userID string, characters int, now time.Time) error
}

// Service holds the ledger's business rules: trust-on-first-use device
// registration, bcrypt key verification, ordering-safe status application,
// and lazy monthly usage accounting.
type Service struct {
	repo        Repository
	maxPerMonth int
	logger      *slog.Logger
	nowFn       func() time.Time
}

// NewService creates the ledger service. maxPerMonth is the server-side
// monthly story ceiling stamped onto new usage records.
func NewService(repo Repository, maxPerMonth int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		maxPerMonth: maxPerMonth,
		logger:      logger,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// authenticate verifies the presented device key, registering the device on
// first contact. Trust on first use: the first key a device presents becomes
// its credential.
func (s *Service) authenticate(ctx context.Context, deviceID, userID, presentedKey string) error {
	if presentedKey == "" {
		return types.NewAppError(types.ErrCodeAuthKeyMissing, "device key is required", nil)
	}

	dev, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundDevice {
			return err
		}
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(presentedKey), bcrypt.DefaultCost)
		if hashErr != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "hashing device key", hashErr)
		}
		if err := s.repo.CreateDevice(ctx, deviceID, string(hash), userID); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "device registered on first contact", "device_id", deviceID)
		return nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(dev.KeyHash), []byte(presentedKey)); err != nil {
		return types.NewAppError(types.ErrCodeAuthKeyInvalid, "device key does not match", err)
	}
	return nil
}

// ApplySync validates, authenticates, and applies one reported status event.
// A stale event (older than one already applied) returns a conflict AppError;
// clients treat it as success since a newer state already won.
func (s *Service) ApplySync(ctx context.Context, req types.SyncStatusRequest, presentedKey string) error {
	if req.DeviceID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "device_id is required", nil)
	}
	if !req.Status.Valid() {
		return types.NewAppError(
			types.ErrCodeValidationInvalidStatus,
			"status must be free or unlimited",
			nil,
		)
	}
	if req.EventAt.IsZero() {
		req.EventAt = s.nowFn()
	}

	if err := s.authenticate(ctx, req.DeviceID, req.UserID, presentedKey); err != nil {
		return err
	}

	applied, err := s.repo.ApplyStatus(ctx, req)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.InfoContext(ctx, "stale sync event ignored",
			"device_id", req.DeviceID,
			"event_at", req.EventAt,
		)
		return types.NewAppError(
			types.ErrCodeConflictStaleEvent,
			"a newer status event was already applied",
			nil,
		)
	}

	s.logger.InfoContext(ctx, "status event applied",
		"device_id", req.DeviceID,
		"status", string(req.Status),
	)
	return nil
}

// Usage returns a user's monthly counters, authenticating the asking device.
func (s *Service) Usage(ctx context.Context, deviceID, presentedKey, userID string) (*types.UsageRecord, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidUser, "user id is required", nil)
	}
	if err := s.authenticate(ctx, deviceID, userID, presentedKey); err != nil {
		return nil, err
	}
	return s.repo.GetOrCreateUsage(ctx, userID, s.maxPerMonth, s.nowFn())
}

// RecordStory bumps a user's counters after a story completes.
func (s *Service) RecordStory(ctx context.Context, deviceID, presentedKey, userID string, characters int) error {
	if userID == "" {
		return types.NewAppError(types.ErrCodeValidationInvalidUser, "user id is required", nil)
	}
	if characters < 0 {
		characters = 0
	}
	if err := s.authenticate(ctx, deviceID, userID, presentedKey); err != nil {
		return err
	}

	now := s.nowFn()
	// Ensure the record exists and the period is current before counting.
	if _, err := s.repo.GetOrCreateUsage(ctx, userID, s.maxPerMonth, now); err != nil {
		return err
	}
	return s.repo.RecordStory(ctx, userID, characters, now)
}
