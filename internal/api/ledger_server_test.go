package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"storygate/internal/types"
)

// fakeLedgerService scripts the ledger core.
type fakeLedgerService struct {
	applyErr error
	lastSync types.SyncStatusRequest
	lastKey  string
	usageRec *types.UsageRecord
	usageErr error
}

func (f *fakeLedgerService) ApplySync(ctx context.Context, req types.SyncStatusRequest, key string) error {
	f.lastSync = req
	f.lastKey = key
	return f.applyErr
}

func (f *fakeLedgerService) Usage(ctx context.Context, deviceID, key, userID string) (*types.UsageRecord, error) {
	return f.usageRec, f.usageErr
}

func (f *fakeLedgerService) RecordStory(ctx context.Context, deviceID, key, userID string, characters int) error {
	return f.usageErr
}

func postSync(t *testing.T, srv *LedgerServer, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/sync", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestSyncEndpointAppliesEvent(t *testing.T) {
	svc := &fakeLedgerService{}
	srv := NewLedgerServer(svc, nil)

	rr := postSync(t, srv, `{"device_id":"dev-1","status":"unlimited","event_at":"2026-08-24T10:00:00Z"}`, "k1")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var ack types.SyncStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil || !ack.Success {
		t.Errorf("ack = %+v (err %v), want success", ack, err)
	}
	if svc.lastSync.DeviceID != "dev-1" || svc.lastSync.Status != types.TierUnlimited {
		t.Errorf("applied = %+v", svc.lastSync)
	}
	if svc.lastKey != "k1" {
		t.Errorf("presented key = %q, want k1", svc.lastKey)
	}
}

func TestSyncEndpointRejectsInvalidPayloads(t *testing.T) {
	srv := NewLedgerServer(&fakeLedgerService{}, nil)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing device", `{"status":"free"}`},
		{"unknown status", `{"device_id":"d","status":"gold"}`},
		{"unknown field", `{"device_id":"d","status":"free","extra":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postSync(t, srv, tc.body, "k")
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSyncEndpointMapsStaleEventToConflict(t *testing.T) {
	svc := &fakeLedgerService{
		applyErr: types.NewAppError(types.ErrCodeConflictStaleEvent, "newer event applied", nil),
	}
	srv := NewLedgerServer(svc, nil)

	rr := postSync(t, srv, `{"device_id":"dev-1","status":"free"}`, "k")
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
}

func TestSyncEndpointMapsAuthFailure(t *testing.T) {
	svc := &fakeLedgerService{
		applyErr: types.NewAppError(types.ErrCodeAuthKeyInvalid, "device key does not match", nil),
	}
	srv := NewLedgerServer(svc, nil)

	rr := postSync(t, srv, `{"device_id":"dev-1","status":"free"}`, "wrong")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	svc := &fakeLedgerService{usageRec: &types.UsageRecord{
		UserID:             "user-1",
		MonthlyStories:     3,
		MaxStoriesPerMonth: 50,
		PeriodStart:        now,
	}}
	srv := NewLedgerServer(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage/user-1", nil)
	req.Header.Set("Authorization", "Bearer k")
	req.Header.Set("X-Device-Id", "dev-1")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var rec types.UsageRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if rec.MonthlyStories != 3 || rec.MaxStoriesPerMonth != 50 {
		t.Errorf("record = %+v", rec)
	}
}

func TestUsageEndpointNotFound(t *testing.T) {
	svc := &fakeLedgerService{
		usageErr: types.NewAppError(types.ErrCodeNotFoundUsage, "no usage record", nil),
	}
	srv := NewLedgerServer(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage/nobody", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestRecordStoryEndpoint(t *testing.T) {
	srv := NewLedgerServer(&fakeLedgerService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/usage/user-1/stories",
		strings.NewReader(`{"characters":1200}`))
	req.Header.Set("Authorization", "Bearer k")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}
