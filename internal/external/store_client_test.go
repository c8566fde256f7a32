package external

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storygate/internal/types"
)

func newStoreClientForTest(t *testing.T, srv *httptest.Server) *StorePurchaseClient {
	t.Helper()
	base := NewBaseClient(
		srv.Client(),
		"store-test",
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"",
		WithSleepFunc(func(time.Duration) {}),
	)
	c := NewStorePurchaseClient(base, "sk_test_123", "cus_abc", nil)
	c.apiBase = srv.URL
	return c
}

func TestActivePurchasesMapsLookupKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/entitlements/active_entitlements" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("customer"); got != "cus_abc" {
			t.Errorf("customer = %q, want cus_abc", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_123" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": [
				{"id": "ent_1", "lookup_key": "unlimited_stories", "created": 1756000000},
				{"id": "ent_2", "lookup_key": "", "created": 1756000001}
			],
			"has_more": false
		}`))
	}))
	defer srv.Close()

	c := newStoreClientForTest(t, srv)
	purchases, err := c.ActivePurchases(context.Background())
	if err != nil {
		t.Fatalf("ActivePurchases() error: %v", err)
	}

	if len(purchases) != 1 {
		t.Fatalf("got %d purchases, want 1 (empty lookup keys skipped)", len(purchases))
	}
	if purchases[0].ProductID != "unlimited_stories" {
		t.Errorf("ProductID = %q, want unlimited_stories", purchases[0].ProductID)
	}
	if purchases[0].PurchasedAt.IsZero() {
		t.Error("PurchasedAt not populated from created timestamp")
	}
}

func TestActivePurchasesEmptySet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [], "has_more": false}`))
	}))
	defer srv.Close()

	c := newStoreClientForTest(t, srv)
	purchases, err := c.ActivePurchases(context.Background())
	if err != nil {
		t.Fatalf("ActivePurchases() error: %v", err)
	}
	if len(purchases) != 0 {
		t.Errorf("got %d purchases, want 0", len(purchases))
	}
}

func TestActivePurchasesMapsFailureToUpstreamStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newStoreClientForTest(t, srv)
	_, err := c.ActivePurchases(context.Background())
	if err == nil {
		t.Fatal("ActivePurchases() succeeded, want error")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamStore {
		t.Errorf("error = %v, want %s AppError", err, types.ErrCodeUpstreamStore)
	}
}

func TestStripeVerifierRejectsBadSignature(t *testing.T) {
	v := StripeVerifier{}
	err := v.Verify([]byte(`{}`), "t=1,v1=deadbeef", "whsec_test")
	if err == nil {
		t.Fatal("Verify() accepted a forged signature")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeAuthKeyInvalid {
		t.Errorf("error = %v, want %s AppError", err, types.ErrCodeAuthKeyInvalid)
	}
}
