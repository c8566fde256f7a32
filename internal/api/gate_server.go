package api

import (
	"context"
	"log/slog"
	"net/http"

	"storygate/internal/entitlement"
	"storygate/internal/external"
	"storygate/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is the slice of the reconciliation controller the gate handlers use.
type Engine interface {
	Current() types.EffectiveEntitlement
	OnPurchaseUpdate(ctx context.Context, activePurchases []types.PurchaseRecord) (types.EffectiveEntitlement, error)
	OnRestoreRequested(ctx context.Context) (types.EffectiveEntitlement, error)
	UseStoryCredit(ctx context.Context) bool
}

// UsageReader serves the display-only usage proxy endpoint.
type UsageReader interface {
	GetUsage(ctx context.Context, userID string) (*types.UsageRecord, error)
}

// GateServer exposes the entitlement engine over HTTP: gate queries, credit
// consumption, restore, and the purchase webhook.
type GateServer struct {
	engine        Engine
	usage         UsageReader
	verifier      external.PurchaseEventVerifier
	webhookSecret string
	logger        *slog.Logger
	router        *chi.Mux
}

// NewGateServer builds the server and mounts its routes.
func NewGateServer(
	engine Engine,
	usage UsageReader,
	verifier external.PurchaseEventVerifier,
	webhookSecret string,
	logger *slog.Logger,
) *GateServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &GateServer{
		engine:        engine,
		usage:         usage,
		verifier:      verifier,
		webhookSecret: webhookSecret,
		logger:        logger,
		router:        chi.NewRouter(),
	}
	s.mountRoutes()
	return s
}

// Handler returns the mounted router.
func (s *GateServer) Handler() http.Handler {
	return s.router
}

func (s *GateServer) mountRoutes() {
	r := s.router
	r.Use(Recoverer(s.logger))
	r.Use(RequestID)
	r.Use(RequestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/entitlement", s.handleGetEntitlement)
		r.Get("/gate/{feature}", s.handleGateQuery)
		r.Post("/story-credit", s.handleUseStoryCredit)
		r.Post("/restore", s.handleRestore)
		r.Post("/webhooks/purchases", s.handlePurchaseWebhook)
		r.Get("/usage/{userID}", s.handleGetUsage)
	})
}

func (s *GateServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// entitlementView is the wire shape of an effective entitlement.
type entitlementView struct {
	Entitlement types.EffectiveEntitlement `json:"entitlement"`
	Gates       map[string]bool            `json:"gates"`
}

func (s *GateServer) viewOf(eff types.EffectiveEntitlement) entitlementView {
	return entitlementView{
		Entitlement: eff,
		Gates: map[string]bool{
			string(types.FeatureCreateStory):   entitlement.CanCreateStory(eff.State),
			string(types.FeatureCloudTTS):      entitlement.CanUseCloudTTS(eff.State),
			string(types.FeaturePremiumVoices): entitlement.CanUsePremiumVoices(eff.State),
		},
	}
}

func (s *GateServer) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: s.viewOf(s.engine.Current())})
}

func (s *GateServer) handleGateQuery(w http.ResponseWriter, r *http.Request) {
	feature := types.Feature(chi.URLParam(r, "feature"))
	switch feature {
	case types.FeatureCreateStory, types.FeatureCloudTTS, types.FeaturePremiumVoices:
	default:
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"unknown feature",
			nil,
		))
		return
	}

	allowed := entitlement.Allowed(s.engine.Current().State, feature)
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]any{
		"feature": string(feature),
		"allowed": allowed,
	}})
}

// handleUseStoryCredit consumes one credit. The decrement is durable before
// the 200 goes out, so the caller may start generating immediately.
func (s *GateServer) handleUseStoryCredit(w http.ResponseWriter, r *http.Request) {
	if !s.engine.UseStoryCredit(r.Context()) {
		Error(w, r, types.NewAppError(
			types.ErrCodeQuotaExhausted,
			"no story credits remaining",
			nil,
		))
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: s.viewOf(s.engine.Current())})
}

func (s *GateServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	eff, err := s.engine.OnRestoreRequested(r.Context())
	if err != nil {
		// The state in the response is still the caller's best truth; the
		// error tells them the authoritative refresh did not happen.
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: s.viewOf(eff)})
}

// purchaseEvent is the subset of the store's webhook payload we consume.
type purchaseEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			Customer     string `json:"customer"`
			Entitlements struct {
				Data []struct {
					LookupKey string `json:"lookup_key"`
				} `json:"data"`
			} `json:"entitlements"`
		} `json:"object"`
	} `json:"data"`
}

// handlePurchaseWebhook applies a pushed purchase-set change. The signature
// is verified against the raw body before any parsing.
func (s *GateServer) handlePurchaseWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		Error(w, r, err)
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if err := s.verifier.Verify(body, sig, s.webhookSecret); err != nil {
		Error(w, r, err)
		return
	}

	var event purchaseEvent
	if err := decodeBytes(body, &event); err != nil {
		Error(w, r, err)
		return
	}

	if event.Type != external.EventEntitlementSummaryUpdated {
		// Unhandled event types are acknowledged so the store stops
		// redelivering them.
		s.logger.InfoContext(r.Context(), "ignoring purchase event", "type", event.Type)
		JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"status": "ignored"}})
		return
	}

	purchases := make([]types.PurchaseRecord, 0, len(event.Data.Object.Entitlements.Data))
	for _, e := range event.Data.Object.Entitlements.Data {
		if e.LookupKey == "" {
			continue
		}
		purchases = append(purchases, types.PurchaseRecord{ProductID: e.LookupKey})
	}

	eff, err := s.engine.OnPurchaseUpdate(r.Context(), purchases)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: s.viewOf(eff)})
}

func (s *GateServer) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.usage.GetUsage(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: rec})
}
