// Package entitlement implements the reconciliation controller: it merges
// the durable local record, the authoritative purchase source, and pushed
// purchase events into one effective entitlement, persists quota consumption
// locally before the gated action proceeds, and hands every state change to
// the sync scheduler for remote delivery.
package entitlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"storygate/internal/metrics"
	"storygate/internal/types"
)

// Store is the slice of the entitlement store the controller writes through.
// The controller is the store's only writer.
type Store interface {
	Load() (types.EntitlementRecord, error)
	Save(rec types.EntitlementRecord) error
	EnsureFirstLaunch(initialGrant int) (types.EntitlementRecord, error)
	ResetToFree(initialGrant int) (types.EntitlementRecord, error)
}

// PurchaseSource is the authoritative purchase query the controller consults.
type PurchaseSource interface {
	ActivePurchases(ctx context.Context) ([]types.PurchaseRecord, error)
}

// SyncEnqueuer accepts sync tasks without blocking. Fire and forget; the
// controller never waits on delivery.
type SyncEnqueuer interface {
	Enqueue(task types.SyncTask)
}

// Params holds the policy constants for the controller.
type Params struct {
	// InitialGrant is the number of free story credits seeded on first launch
	// and restored on revocation.
	InitialGrant int
	// UnlimitedProductID is the product identifier whose presence in the
	// authoritative purchase set grants the unlimited tier.
	UnlimitedProductID string
	// PurchaseCacheTTL bounds how long a fetched or pushed purchase set may
	// stand in for a fresh authoritative query.
	PurchaseCacheTTL time.Duration
	// QueryTimeout bounds each authoritative source query.
	QueryTimeout time.Duration
}

// purchaseCache remembers the last successfully obtained purchase set so
// routine triggers need not hit the network.
type purchaseCache struct {
	purchases []types.PurchaseRecord
	fetchedAt time.Time
	valid     bool
}

// Service is the single reconciliation authority for one installation.
// All triggers serialize on one mutex so a decision computed from a stale
// read can never overwrite a fresher one.
type Service struct {
	store    Store
	source   PurchaseSource
	enqueuer SyncEnqueuer
	params   Params
	logger   *slog.Logger
	nowFn    func() time.Time

	// mu serializes the decision table and quota consumption.
	mu    sync.Mutex
	cache purchaseCache

	// stateMu guards the published effective state for lock-free-ish reads
	// while a reconciliation holds mu.
	stateMu   sync.RWMutex
	effective types.EffectiveEntitlement

	subMu       sync.Mutex
	subscribers map[int]chan types.EffectiveEntitlement
	nextSubID   int
}

// NewService creates the controller. The effective state starts as the zero
// free state; OnAppStart loads and seeds the durable record.
func NewService(store Store, source PurchaseSource, enqueuer SyncEnqueuer, params Params, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		source:      source,
		enqueuer:    enqueuer,
		params:      params,
		logger:      logger,
		nowFn:       func() time.Time { return time.Now().UTC() },
		subscribers: make(map[int]chan types.EffectiveEntitlement),
	}
}

// Current returns the latest reconciled entitlement snapshot.
func (s *Service) Current() types.EffectiveEntitlement {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.effective
}

// CanCreateStory answers synchronously from the current snapshot.
func (s *Service) CanCreateStory() bool { return CanCreateStory(s.Current().State) }

// CanUseCloudTTS answers synchronously from the current snapshot.
func (s *Service) CanUseCloudTTS() bool { return CanUseCloudTTS(s.Current().State) }

// CanUsePremiumVoices answers synchronously from the current snapshot.
func (s *Service) CanUsePremiumVoices() bool { return CanUsePremiumVoices(s.Current().State) }

// OnAppStart seeds the first-launch grant if needed and runs the decision
// table. A purchase-source outage here is routine (the device may be
// offline), so it degrades to the last-known local tier and reports success.
func (s *Service) OnAppStart(ctx context.Context) (types.EffectiveEntitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.EnsureFirstLaunch(s.params.InitialGrant)
	if err != nil {
		return types.EffectiveEntitlement{}, err
	}
	s.publishLocked(rec.State())

	eff, recErr := s.reconcileLocked(ctx, types.TriggerAppStart, rec, nil, false)
	if recErr != nil {
		s.logger.WarnContext(ctx, "app-start reconciliation degraded to local state",
			"tier", string(eff.State.Tier),
			"error", recErr,
		)
	}
	return eff, nil
}

// OnPurchaseUpdate applies a pushed purchase set. The pushed set replaces the
// cache and drives the decision table directly; no authoritative query runs.
func (s *Service) OnPurchaseUpdate(ctx context.Context, activePurchases []types.PurchaseRecord) (types.EffectiveEntitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked(ctx)
	if err != nil {
		return s.effectiveSnapshot(), err
	}
	return s.reconcileLocked(ctx, types.TriggerPurchaseUpdate, rec, activePurchases, false)
}

// OnRestoreRequested forces a fresh authoritative query, bypassing the cache.
// It is the user-initiated retry for a transient source outage, so unlike the
// other triggers it surfaces the outage to the caller alongside the
// unchanged local state.
func (s *Service) OnRestoreRequested(ctx context.Context) (types.EffectiveEntitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked(ctx)
	if err != nil {
		return s.effectiveSnapshot(), err
	}
	return s.reconcileLocked(ctx, types.TriggerRestoreRequest, rec, nil, true)
}

// UseStoryCredit consumes one free credit. The decremented state is persisted
// before the method returns true, so a crash immediately afterwards can only
// under-count in the user's favor, never grant an unpaid story. On the
// unlimited tier it always succeeds without touching state.
func (s *Service) UseStoryCredit(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked(ctx)
	if err != nil {
		// Honor the in-memory snapshot when the durable record is unreadable.
		snap := s.effectiveSnapshot().State
		rec = types.EntitlementRecord{
			Tier:                 snap.Tier,
			StoriesRemaining:     snap.StoriesRemaining,
			FirstLaunchCompleted: true,
		}
	}

	switch {
	case rec.Tier == types.TierUnlimited:
		metrics.CreditDecisions.WithLabelValues("unlimited").Inc()
		return true
	case rec.StoriesRemaining <= 0:
		metrics.CreditDecisions.WithLabelValues("denied").Inc()
		return false
	}

	rec.StoriesRemaining--
	if err := s.persistWithRetry(ctx, rec); err != nil {
		// The write failed twice. The in-memory state still decrements so
		// this session cannot mint extra credits; the next successful save
		// repairs the record.
		s.logger.ErrorContext(ctx, "credit decrement not durable, honoring in-memory state",
			"stories_remaining", rec.StoriesRemaining,
			"error", err,
		)
	}

	s.publishLocked(rec.State())
	metrics.CreditDecisions.WithLabelValues("granted").Inc()
	s.logger.InfoContext(ctx, "story credit consumed",
		"stories_remaining", rec.StoriesRemaining,
	)
	return true
}

// Subscribe registers for effective-entitlement change notifications. The
// returned cancel func must be called to release the subscription. Slow
// subscribers miss intermediate states rather than block the controller; the
// Revision field lets them detect and re-read.
func (s *Service) Subscribe() (<-chan types.EffectiveEntitlement, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan types.EffectiveEntitlement, 4)
	s.subscribers[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
}

// reconcileLocked runs the decision table. pushed, when non-nil, is a pushed
// purchase set that stands in for a query; forceQuery bypasses the cache.
// Callers hold mu.
func (s *Service) reconcileLocked(
	ctx context.Context,
	trigger types.Trigger,
	rec types.EntitlementRecord,
	pushed []types.PurchaseRecord,
	forceQuery bool,
) (types.EffectiveEntitlement, error) {
	purchases, sourceOK, srcErr := s.purchaseSetLocked(ctx, pushed, forceQuery)

	var unlimited *types.PurchaseRecord
	for i := range purchases {
		if purchases[i].ProductID == s.params.UnlimitedProductID {
			unlimited = &purchases[i]
			break
		}
	}

	switch {
	case unlimited != nil:
		if rec.Tier != types.TierUnlimited {
			rec.Tier = types.TierUnlimited
			rec.StoriesRemaining = 0
			if err := s.persistWithRetry(ctx, rec); err != nil {
				s.logger.ErrorContext(ctx, "unlimited grant not durable, honoring in-memory state",
					"error", err,
				)
			}
			eff := s.publishLocked(rec.State())
			s.enqueuer.Enqueue(types.SyncTask{
				Status:   types.TierUnlimited,
				Purchase: unlimited,
				Revision: eff.Revision,
			})
			s.logger.InfoContext(ctx, "unlimited tier granted",
				"trigger", string(trigger),
				"product_id", unlimited.ProductID,
			)
		} else {
			s.publishLocked(rec.State())
		}

	case sourceOK && rec.Tier == types.TierUnlimited:
		// The source answered and the purchase is gone: revocation. Degrade
		// to the full free grant, never crash the caller.
		freshRec, err := s.store.ResetToFree(s.params.InitialGrant)
		if err != nil {
			s.logger.ErrorContext(ctx, "revocation reset not durable, honoring in-memory state",
				"error", err,
			)
			freshRec = types.EntitlementRecord{
				Tier:                 types.TierFree,
				StoriesRemaining:     s.params.InitialGrant,
				FirstLaunchCompleted: true,
			}
		}
		eff := s.publishLocked(freshRec.State())
		s.enqueuer.Enqueue(types.SyncTask{
			Status:   types.TierFree,
			Revision: eff.Revision,
		})
		metrics.RevocationsTotal.Inc()
		s.logger.WarnContext(ctx, "unlimited purchase revoked, reset to free tier",
			"trigger", string(trigger),
			"initial_grant", s.params.InitialGrant,
		)
		rec = freshRec

	default:
		// Source silent or unreachable, or already free with nothing to
		// authorize: the local record stands.
		s.publishLocked(rec.State())
	}

	eff := s.effectiveSnapshot()
	metrics.ReconcileTotal.WithLabelValues(string(trigger), string(eff.State.Tier)).Inc()
	return eff, srcErr
}

// purchaseSetLocked resolves the purchase set for one decision. It reports
// whether the set is authoritative: a pushed set or successful query is, the
// cache is, and a failed query is not. A failed query never revokes.
func (s *Service) purchaseSetLocked(
	ctx context.Context,
	pushed []types.PurchaseRecord,
	forceQuery bool,
) ([]types.PurchaseRecord, bool, error) {
	now := s.nowFn()

	if pushed != nil {
		s.cache = purchaseCache{purchases: pushed, fetchedAt: now, valid: true}
		return pushed, true, nil
	}

	if !forceQuery && s.cache.valid && now.Sub(s.cache.fetchedAt) < s.params.PurchaseCacheTTL {
		return s.cache.purchases, true, nil
	}

	queryCtx := ctx
	if s.params.QueryTimeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, s.params.QueryTimeout)
		defer cancel()
	}

	purchases, err := s.source.ActivePurchases(queryCtx)
	if err != nil {
		s.logger.WarnContext(ctx, "authoritative purchase source unavailable",
			"force_query", forceQuery,
			"error", err,
		)
		return nil, false, types.NewAppError(
			types.ErrCodeSourceUnavailable,
			"authoritative purchase source unreachable, keeping last-known local tier",
			err,
		)
	}

	s.cache = purchaseCache{purchases: purchases, fetchedAt: now, valid: true}
	return purchases, true, nil
}

// loadLocked reads the durable record, degrading to the in-memory snapshot
// when the read fails. Callers hold mu.
func (s *Service) loadLocked(ctx context.Context) (types.EntitlementRecord, error) {
	rec, err := s.store.Load()
	if err != nil {
		s.logger.ErrorContext(ctx, "entitlement record unreadable", "error", err)
		return types.EntitlementRecord{}, err
	}
	return rec, nil
}

// persistWithRetry saves the record, retrying once immediately on failure.
func (s *Service) persistWithRetry(ctx context.Context, rec types.EntitlementRecord) error {
	err := s.store.Save(rec)
	if err == nil {
		return nil
	}
	s.logger.WarnContext(ctx, "entitlement save failed, retrying once", "error", err)

	if err := s.store.Save(rec); err != nil {
		metrics.PersistenceFailures.Inc()
		return err
	}
	return nil
}

// publishLocked installs a new effective state, bumping the revision and
// notifying subscribers only when the state actually changed.
func (s *Service) publishLocked(state types.EntitlementState) types.EffectiveEntitlement {
	state = state.Clamp(s.params.InitialGrant)

	s.stateMu.Lock()
	if s.effective.Revision > 0 && s.effective.State == state {
		eff := s.effective
		s.stateMu.Unlock()
		return eff
	}
	s.effective = types.EffectiveEntitlement{
		State:     state,
		Revision:  s.effective.Revision + 1,
		ChangedAt: s.nowFn(),
	}
	eff := s.effective
	s.stateMu.Unlock()

	s.subMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- eff:
		default:
		}
	}
	s.subMu.Unlock()

	return eff
}

func (s *Service) effectiveSnapshot() types.EffectiveEntitlement {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.effective
}
