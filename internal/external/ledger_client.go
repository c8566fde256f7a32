package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"storygate/internal/types"
)

// LedgerClient talks to the remote usage ledger over HTTP. The ledger is a
// write-mostly target: SyncStatus pushes the local effective entitlement and
// GetUsage reads display-only counters. Neither call participates in gating.
type LedgerClient struct {
	base      *BaseClient
	baseURL   string
	deviceID  string
	deviceKey string
	logger    *slog.Logger
}

var _ UsageLedger = (*LedgerClient)(nil)

// NewLedgerClient creates a ledger client. baseURL must not end with a slash;
// deviceKey is the per-device bearer credential.
func NewLedgerClient(base *BaseClient, baseURL, deviceID, deviceKey string, logger *slog.Logger) *LedgerClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerClient{
		base:      base,
		baseURL:   strings.TrimRight(baseURL, "/"),
		deviceID:  deviceID,
		deviceKey: deviceKey,
		logger:    logger,
	}
}

// SyncStatus reports the local effective entitlement to the ledger. The
// request carries the device identity; the ledger deduplicates on its side
// using the event timestamp, so retrying a delivered request is harmless.
func (c *LedgerClient) SyncStatus(ctx context.Context, syncReq types.SyncStatusRequest) error {
	if syncReq.DeviceID == "" {
		syncReq.DeviceID = c.deviceID
	}

	body, err := json.Marshal(syncReq)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"marshaling sync status request",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sync", bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"building sync status request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.deviceKey)

	resp, err := c.base.Do(req)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamLedger,
			"usage ledger sync failed",
			err,
		)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var ack types.SyncStatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return types.NewAppError(
				types.ErrCodeUpstreamLedger,
				"decoding sync acknowledgement",
				err,
			)
		}
		if !ack.Success {
			return types.NewAppError(
				types.ErrCodeSyncRejected,
				"usage ledger did not acknowledge sync",
				nil,
			)
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		// A newer event was already applied remotely. The local state still
		// won locally, so this is success from the caller's perspective.
		c.logger.InfoContext(ctx, "sync superseded by newer remote event",
			"device_id", syncReq.DeviceID,
			"status", string(syncReq.Status),
		)
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.NewAppErrorWithDetails(
			types.ErrCodeSyncRejected,
			fmt.Sprintf("usage ledger returned %d", resp.StatusCode),
			nil,
			map[string]any{"status": resp.StatusCode, "body": string(body)},
		)
	}
}

// GetUsage fetches the remote monthly counters for a user.
func (c *LedgerClient) GetUsage(ctx context.Context, userID string) (*types.UsageRecord, error) {
	if userID == "" {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidUser,
			"user id is required",
			nil,
		)
	}

	endpoint := c.baseURL + "/v1/usage/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"building usage request",
			err,
		)
	}
	req.Header.Set("Authorization", "Bearer "+c.deviceKey)
	req.Header.Set("X-Device-Id", c.deviceID)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamLedger,
			"usage ledger query failed",
			err,
		)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rec types.UsageRecord
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return nil, types.NewAppError(
				types.ErrCodeUpstreamLedger,
				"decoding usage response",
				err,
			)
		}
		return &rec, nil
	case http.StatusNotFound:
		return nil, types.NewAppError(
			types.ErrCodeNotFoundUsage,
			fmt.Sprintf("no usage record for user %s", userID),
			nil,
		)
	default:
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamLedger,
			fmt.Sprintf("usage ledger returned %d", resp.StatusCode),
			nil,
			map[string]any{"status": resp.StatusCode},
		)
	}
}
