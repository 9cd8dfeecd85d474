package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/realitybridge/core/pkg/anchor"
	"github.com/realitybridge/core/pkg/bridge"
	"github.com/realitybridge/core/pkg/cascade"
	"github.com/realitybridge/core/pkg/claim"
	"github.com/realitybridge/core/pkg/reorg"
	"github.com/realitybridge/core/pkg/store"
	"github.com/realitybridge/core/pkg/tier"
)

// Server exposes the engine over HTTP. The optional definition store
// receives claim definitions and measurements for restart rehydration.
type Server struct {
	engine *bridge.Engine
	defs   *store.SQLiteStore // may be nil
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithStore attaches a definition/measurement store.
func WithStore(s *store.SQLiteStore) Option {
	return func(srv *Server) { srv.defs = s }
}

// WithClock overrides the server clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(srv *Server) { srv.now = now }
}

// NewServer builds a Server over the engine.
func NewServer(engine *bridge.Engine, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		logger: slog.Default().With("component", "api"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers all endpoints on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/claims", s.handleRegisterClaim)
	mux.HandleFunc("POST /v1/claims/{name}/measurements", s.handleSubmitMeasurement)
	mux.HandleFunc("POST /v1/claims/{name}/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /v1/evaluate", s.handleEvaluateAll)
	mux.HandleFunc("GET /v1/tiers", s.handleTiers)
	mux.HandleFunc("GET /v1/claims/{name}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/reliability", s.handleReliability)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// AnchorSpec describes one anchor in a registration request.
type AnchorSpec struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Kind          anchor.Kind     `json:"kind"`
	Baseline      float64         `json:"baseline"`
	ExpectedDelta float64         `json:"expected_delta"`
	HorizonDays   int             `json:"horizon_days"`
	Weight        anchor.Strength `json:"weight"`
}

// RegisterClaimRequest registers a claim with its anchors.
type RegisterClaimRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Prior       float64      `json:"prior"`
	InitialTier tier.Tier    `json:"initial_tier"`
	Anchors     []AnchorSpec `json:"anchors"`
}

// RegisterClaimResponse confirms a registration.
type RegisterClaimResponse struct {
	Name    string    `json:"name"`
	Tier    tier.Tier `json:"tier"`
	Anchors int       `json:"anchors"`
}

func (s *Server) handleRegisterClaim(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req RegisterClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Name == "" || len(req.Anchors) == 0 {
		WriteBadRequest(w, "Missing required fields: name, anchors")
		return
	}
	initial := req.InitialTier
	if initial == "" {
		initial = tier.Edge
	}
	if !initial.Valid() || initial.Terminal() {
		WriteBadRequest(w, "initial_tier must be FOUNDATION, MIDDLE or EDGE")
		return
	}

	now := s.now().UTC()
	c, err := claim.New(req.Name, req.Description, req.Prior)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	for _, spec := range req.Anchors {
		a, err := anchor.New(spec.ID, spec.Name, spec.Kind, spec.Baseline, spec.ExpectedDelta,
			time.Duration(spec.HorizonDays)*24*time.Hour, spec.Weight, now)
		if err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		if err := c.AddAnchor(a); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}

	if err := s.engine.RegisterClaim(r.Context(), c, initial, now); err != nil {
		if errors.Is(err, bridge.ErrDuplicateClaim) {
			WriteConflict(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}

	if s.defs != nil {
		def := store.ClaimDef{
			Name:         req.Name,
			Description:  req.Description,
			Prior:        req.Prior,
			InitialTier:  initial,
			RegisteredAt: now,
		}
		for _, spec := range req.Anchors {
			def.Anchors = append(def.Anchors, store.AnchorDef{
				ID: spec.ID, Name: spec.Name, Kind: spec.Kind,
				Baseline: spec.Baseline, ExpectedDelta: spec.ExpectedDelta,
				Horizon: time.Duration(spec.HorizonDays) * 24 * time.Hour,
				Weight:  spec.Weight, CreatedAt: now,
			})
		}
		if err := s.defs.SaveClaim(r.Context(), def); err != nil {
			s.logger.Error("persist claim definition", "claim", req.Name, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, RegisterClaimResponse{
		Name:    req.Name,
		Tier:    initial,
		Anchors: len(req.Anchors),
	})
}

// MeasurementRequest submits one observation to an anchor.
type MeasurementRequest struct {
	AnchorID  string     `json:"anchor_id"`
	Value     float64    `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (s *Server) handleSubmitMeasurement(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req MeasurementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.AnchorID == "" {
		WriteBadRequest(w, "Missing required field: anchor_id")
		return
	}
	ts := s.now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}

	if err := s.engine.SubmitMeasurement(r.Context(), name, req.AnchorID, req.Value, ts); err != nil {
		switch {
		case errors.Is(err, bridge.ErrClaimNotFound), errors.Is(err, bridge.ErrAnchorNotFound):
			WriteNotFound(w, err.Error())
		case errors.Is(err, anchor.ErrOutOfOrder):
			WriteConflict(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}

	if s.defs != nil {
		m := store.Measurement{Claim: name, AnchorID: req.AnchorID, Value: req.Value, Timestamp: ts}
		if err := s.defs.SaveMeasurement(r.Context(), m); err != nil {
			s.logger.Error("persist measurement", "claim", name, "error", err)
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"claim": name, "anchor_id": req.AnchorID, "timestamp": ts,
	})
}

// EvaluationResponse reports the outcome of one evaluation.
type EvaluationResponse struct {
	Claim   string         `json:"claim"`
	Outcome reorg.Outcome  `json:"outcome"`
	Verdict string         `json:"verdict,omitempty"`
	Score   float64        `json:"score"`
	Event   *cascade.Event `json:"event,omitempty"`
}

func evaluationResponse(res reorg.Result) EvaluationResponse {
	return EvaluationResponse{
		Claim:   res.Claim,
		Outcome: res.Outcome,
		Verdict: string(res.Verdict),
		Score:   res.Score,
		Event:   res.Event,
	}
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	res, err := s.engine.Evaluate(r.Context(), name, s.now().UTC())
	if err != nil {
		if errors.Is(err, bridge.ErrClaimNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}

	switch res.Outcome {
	case reorg.OutcomeNotReady:
		var nre *claim.NotReadyError
		retryAfter := 0
		if errors.As(res.Err, &nre) {
			retryAfter = int(nre.ReadyAt.Sub(s.now().UTC()).Seconds())
		}
		WriteTooEarly(w, res.Err.Error(), retryAfter)
	case reorg.OutcomeConflict:
		WriteConflict(w, res.Err.Error())
	case reorg.OutcomeError:
		WriteInternal(w, res.Err)
	default:
		writeJSON(w, http.StatusOK, evaluationResponse(res))
	}
}

func (s *Server) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	results := s.engine.EvaluateAll(r.Context(), s.now().UTC())
	out := make([]EvaluationResponse, 0, len(results))
	for _, res := range results {
		out = append(out, evaluationResponse(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.TierState(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": snap})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	events, err := s.engine.History(r.Context(), name)
	if err != nil {
		if errors.Is(err, bridge.ErrClaimNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claim": name, "events": events})
}

func (s *Server) handleReliability(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("claim")

	strategies, err := s.engine.ReliabilityReport(name)
	if err != nil {
		if errors.Is(err, bridge.ErrClaimNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": strategies})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
