package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"storygate/internal/types"

	"github.com/stripe/stripe-go/v82"
)

const stripeAPIBase = "https://api.stripe.com"

// StorePurchaseClient queries the platform store's entitlement API for the
// set of currently active one-time purchases. It speaks to Stripe's
// active-entitlements endpoint directly through the BaseClient rather than
// the full SDK surface; the SDK is retained for API version pinning and
// webhook signature validation.
type StorePurchaseClient struct {
	base       *BaseClient
	apiBase    string
	secretKey  string
	customerID string
	logger     *slog.Logger
}

var _ PurchaseSource = (*StorePurchaseClient)(nil)

// NewStorePurchaseClient creates a purchase source bound to one store
// customer. secretKey is the store API key; customerID identifies the account
// whose purchase set is authoritative for this installation.
func NewStorePurchaseClient(base *BaseClient, secretKey, customerID string, logger *slog.Logger) *StorePurchaseClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorePurchaseClient{
		base:       base,
		apiBase:    stripeAPIBase,
		secretKey:  secretKey,
		customerID: customerID,
		logger:     logger,
	}
}

// stripeEntitlementList is the subset of the list response we consume.
type stripeEntitlementList struct {
	Data []struct {
		ID        string `json:"id"`
		LookupKey string `json:"lookup_key"`
		Created   int64  `json:"created"`
	} `json:"data"`
	HasMore bool   `json:"has_more"`
	URL     string `json:"url"`
}

// ActivePurchases returns the product identifiers the store currently
// considers granted to the customer. Lookup keys map one-to-one onto product
// identifiers.
func (c *StorePurchaseClient) ActivePurchases(ctx context.Context) ([]types.PurchaseRecord, error) {
	q := url.Values{}
	q.Set("customer", c.customerID)
	q.Set("limit", "100")

	endpoint := fmt.Sprintf("%s/v1/entitlements/active_entitlements?%s", c.apiBase, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"building active entitlements request",
			err,
		)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamStore,
			"purchase store query failed",
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.WarnContext(ctx, "purchase store returned non-200",
			"status", resp.StatusCode,
			"body", string(body),
		)
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamStore,
			fmt.Sprintf("purchase store returned %d", resp.StatusCode),
			nil,
			map[string]any{"status": resp.StatusCode},
		)
	}

	var list stripeEntitlementList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamStore,
			"decoding active entitlements response",
			err,
		)
	}

	purchases := make([]types.PurchaseRecord, 0, len(list.Data))
	for _, e := range list.Data {
		if e.LookupKey == "" {
			continue
		}
		purchases = append(purchases, types.PurchaseRecord{
			ProductID:   e.LookupKey,
			PurchasedAt: time.Unix(e.Created, 0).UTC(),
		})
	}

	c.logger.InfoContext(ctx, "purchase set fetched",
		"customer_id", c.customerID,
		"count", len(purchases),
	)
	return purchases, nil
}

// StripeVerifier validates pushed purchase-set notifications using the
// store's signature scheme.
type StripeVerifier struct{}

var _ PurchaseEventVerifier = (*StripeVerifier)(nil)

// Verify checks the Stripe-Signature header against the signing secret.
func (StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if err := stripe.ValidatePayload(payload, header, secret); err != nil {
		return types.NewAppError(
			types.ErrCodeAuthKeyInvalid,
			"purchase event signature verification failed",
			err,
		)
	}
	return nil
}
