package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dungeongate/gateway/auth"
	"dungeongate/gateway/middleware"
	"dungeongate/identity"
	"dungeongate/relay"
	"dungeongate/storage"
)

// Ledger is the chain surface the gateway reads directly.
type Ledger interface {
	relay.Ledger
	Healthy(ctx context.Context) bool
}

// Verifier resolves profile-service bearer tokens. identity.Client satisfies
// it.
type Verifier interface {
	Verify(ctx context.Context, token string) (identity.Profile, error)
}

// NonceControl is the allocator slice the ops surface needs.
type NonceControl interface {
	Reset()
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Store         *storage.Store
	Service       *relay.Service
	Recon         *relay.Reconciler
	Nonces        NonceControl
	Ledger        Ledger
	Identity      Verifier
	Auth          *auth.Issuer
	RunnerAddress string
	ReportDir     string
	RateLimits    map[string]middleware.RateLimit
	Logger        *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	store         *storage.Store
	service       *relay.Service
	recon         *relay.Reconciler
	nonces        NonceControl
	ledger        Ledger
	identity      Verifier
	auth          *auth.Issuer
	runnerAddress string
	reportDir     string
	log           *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:         cfg.Store,
		service:       cfg.Service,
		recon:         cfg.Recon,
		nonces:        cfg.Nonces,
		ledger:        cfg.Ledger,
		identity:      cfg.Identity,
		auth:          cfg.Auth,
		runnerAddress: cfg.RunnerAddress,
		reportDir:     cfg.ReportDir,
		log:           logger,
	}
	srv.router = srv.buildRouter(cfg.RateLimits)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limits map[string]middleware.RateLimit) http.Handler {
	obs := middleware.NewObservability("dungeongate")
	limiter := middleware.NewRateLimiter(limits, s.log)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.With(obs.Middleware("health")).Get("/health", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.With(obs.Middleware("auth_verify"), limiter.Middleware("auth")).
		Post("/auth/verify", s.AuthVerify)

	r.Route("/game", func(game chi.Router) {
		game.Use(s.auth.Middleware)
		game.With(obs.Middleware("game_register")).Post("/register", s.GameRegister)
		game.With(obs.Middleware("game_enter")).Post("/enter", s.GameEnter)
		game.With(obs.Middleware("game_action")).Post("/action", s.GameAction)
		game.With(obs.Middleware("game_dm")).Post("/dm", s.GameDM)
		game.With(obs.Middleware("game_accept_dm")).Post("/accept-dm", s.GameAcceptDM)
		game.With(obs.Middleware("game_session")).Get("/session/{id}", s.GameSession)
		game.With(obs.Middleware("game_epoch")).Get("/epoch", s.GameEpoch)
	})

	r.Route("/tx", func(tx chi.Router) {
		tx.Use(s.auth.Middleware)
		tx.With(obs.Middleware("tx_query")).Get("/", s.TxQuery)
		tx.With(obs.Middleware("tx_status")).Get("/{id}", s.TxStatus)
	})

	r.With(obs.Middleware("stats_subject")).Get("/stats/subject/{id}", s.StatsSubject)
	r.With(obs.Middleware("stats_history")).Get("/stats/subject/{id}/history", s.StatsHistory)
	r.With(obs.Middleware("leaderboard")).Get("/leaderboard/{metric}", s.Leaderboard)

	r.Route("/ops", func(ops chi.Router) {
		ops.Use(s.auth.Middleware)
		ops.With(obs.Middleware("ops_unresolved")).Get("/unresolved", s.OpsUnresolved)
		ops.With(obs.Middleware("ops_reconcile")).Post("/reconcile/{id}", s.OpsReconcile)
		ops.With(obs.Middleware("ops_nonce_reset")).Post("/nonce/reset", s.OpsNonceReset)
		ops.With(obs.Middleware("ops_stats_rebuild")).Post("/stats/{id}/rebuild", s.OpsStatsRebuild)
		ops.With(obs.Middleware("ops_report")).Post("/report", s.OpsReport)
	})

	return r
}

// Health reports database and ledger liveness plus the runner address.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store.Ping() == nil
	chainOK := s.ledger.Healthy(r.Context())
	status := "ok"
	code := http.StatusOK
	if !dbOK || !chainOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"database": dbOK,
		"chain":    chainOK,
		"runner":   s.runnerAddress,
	})
}

// AuthVerify exchanges a profile-service token for a gateway session token.
func (s *Server) AuthVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json body")
		return
	}
	profile, err := s.identity.Verify(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "profile token rejected")
			return
		}
		s.log.Error("profile verification failed", "err", err)
		writeError(w, http.StatusBadGateway, "PROFILE_SERVICE_UNAVAILABLE", "profile service unreachable")
		return
	}
	token, expires, err := s.auth.Issue(profile.ID, profile.Name)
	if err != nil {
		s.log.Error("token issue failed", "caller", profile.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "TOKEN_ISSUE_FAILED", "could not issue session token")
		return
	}
	if err := s.store.SetDisplayName(r.Context(), profile.ID, profile.Name); err != nil {
		s.log.Warn("display name update failed", "caller", profile.ID, "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresAt": expires.UTC().Format(time.RFC3339),
		"agent": map[string]string{
			"id":   profile.ID,
			"name": profile.Name,
		},
	})
}

type errorPayload struct {
	Error        string  `json:"error"`
	Message      string  `json:"message"`
	Expected     *uint64 `json:"expected,omitempty"`
	Got          *uint64 `json:"got,omitempty"`
	CurrentState string  `json:"currentState,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorPayload{Error: code, Message: message})
}

// writeAdmissionError maps a relay rejection onto its HTTP status and
// structured payload. Unknown errors fall through as 500s.
func (s *Server) writeAdmissionError(w http.ResponseWriter, err error) {
	var rej *relay.AdmissionError
	if !errors.As(err, &rej) {
		s.log.Error("admission failed", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	status := http.StatusConflict
	switch rej.Code {
	case relay.CodeInvalidAction:
		status = http.StatusBadRequest
	case relay.CodeSessionNotFound:
		status = http.StatusNotFound
	case relay.CodeRateLimited:
		status = http.StatusTooManyRequests
	case relay.CodeAlreadyAccepted:
		// A session that already has its DM is not a failure for the
		// accepting caller.
		status = http.StatusOK
	}
	writeJSON(w, status, errorPayload{
		Error:        rej.Code,
		Message:      rej.Message,
		Expected:     rej.Expected,
		Got:          rej.Got,
		CurrentState: rej.CurrentState,
	})
}
