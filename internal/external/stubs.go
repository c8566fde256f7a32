package external

import (
	"context"
	"log/slog"
	"sync"

	"storygate/internal/types"
)

// Stubs back the local/test configuration so the engine runs end to end
// without store or ledger credentials. They are also the doubles used by the
// entitlement and sync packages' tests.

// StubPurchaseSource serves a configurable purchase set from memory.
type StubPurchaseSource struct {
	mu        sync.Mutex
	purchases []types.PurchaseRecord
	err       error
	calls     int
	logger    *slog.Logger
}

var _ PurchaseSource = (*StubPurchaseSource)(nil)

// NewStubPurchaseSource creates a stub reporting the given purchase set.
func NewStubPurchaseSource(purchases []types.PurchaseRecord, logger *slog.Logger) *StubPurchaseSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubPurchaseSource{purchases: purchases, logger: logger}
}

// SetPurchases replaces the reported purchase set.
func (s *StubPurchaseSource) SetPurchases(purchases []types.PurchaseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchases = purchases
}

// SetError makes subsequent queries fail with err. Pass nil to recover.
func (s *StubPurchaseSource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls reports how many times the purchase set was queried.
func (s *StubPurchaseSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StubPurchaseSource) ActivePurchases(ctx context.Context) ([]types.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]types.PurchaseRecord, len(s.purchases))
	copy(out, s.purchases)
	s.logger.InfoContext(ctx, "STUB: serving purchase set", "count", len(out))
	return out, nil
}

// StubUsageLedger records sync requests in memory and serves a canned usage
// record.
type StubUsageLedger struct {
	mu      sync.Mutex
	synced  []types.SyncStatusRequest
	syncErr error
	usage   map[string]*types.UsageRecord
	logger  *slog.Logger
}

var _ UsageLedger = (*StubUsageLedger)(nil)

// NewStubUsageLedger creates an empty in-memory ledger stub.
func NewStubUsageLedger(logger *slog.Logger) *StubUsageLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubUsageLedger{
		usage:  make(map[string]*types.UsageRecord),
		logger: logger,
	}
}

// SetSyncError makes subsequent SyncStatus calls fail with err.
func (s *StubUsageLedger) SetSyncError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncErr = err
}

// SetUsage installs a canned usage record for a user.
func (s *StubUsageLedger) SetUsage(userID string, rec *types.UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[userID] = rec
}

// Synced returns a copy of every sync request received so far.
func (s *StubUsageLedger) Synced() []types.SyncStatusRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SyncStatusRequest, len(s.synced))
	copy(out, s.synced)
	return out
}

func (s *StubUsageLedger) SyncStatus(ctx context.Context, req types.SyncStatusRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncErr != nil {
		return s.syncErr
	}
	s.synced = append(s.synced, req)
	s.logger.InfoContext(ctx, "STUB: sync recorded",
		"device_id", req.DeviceID,
		"status", string(req.Status),
	)
	return nil
}

func (s *StubUsageLedger) GetUsage(ctx context.Context, userID string) (*types.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.usage[userID]
	if !ok {
		return nil, types.NewAppError(
			types.ErrCodeNotFoundUsage,
			"no usage record for user "+userID,
			nil,
		)
	}
	cp := *rec
	return &cp, nil
}

// StubVerifier accepts every payload. Local mode only.
type StubVerifier struct{}

var _ PurchaseEventVerifier = (*StubVerifier)(nil)

func (StubVerifier) Verify(payload []byte, header string, secret string) error {
	return nil
}
