package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/verana-labs/trust-resolver/pkg/state"
	"github.com/verana-labs/trust-resolver/pkg/vpr"
)

// Config wires the query server to its collaborators.
type Config struct {
	Store   state.Store
	Indexer vpr.Indexer
	Logger  *slog.Logger

	// Now is the clock permissions are checked against. Defaults to
	// time.Now; tests pin it.
	Now func() time.Time

	// RequireProcessedBlock gates readiness on the cursor having moved at
	// least once. Writer instances set it; readers come up as soon as the
	// store answers.
	RequireProcessedBlock bool

	// RateRPS and RateBurst bound per-IP request rates on the /v1 routes.
	RateRPS   float64
	RateBurst int

	// AllowedOrigins for CORS. Empty allows any origin; the API is
	// read-only and unauthenticated.
	AllowedOrigins []string
}

// Server is the HTTP query surface over the mirrored registry state.
type Server struct {
	store        state.Store
	indexer      vpr.Indexer
	log          *slog.Logger
	now          func() time.Time
	validate     *validator.Validate
	requireBlock bool
	handler      http.Handler
}

// New builds the server and its routing table.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}

	s := &Server{
		store:        cfg.Store,
		indexer:      cfg.Indexer,
		log:          cfg.Logger.With("component", "api"),
		now:          cfg.Now,
		validate:     newValidator(),
		requireBlock: cfg.RequireProcessedBlock,
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "unknown route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(WriteMethodNotAllowed)

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.log))

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)

	// Health probes are exempt from the rate limit; everything under /v1
	// shares it.
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(NewGlobalRateLimiter(cfg.RateRPS, cfg.RateBurst).Middleware)
	v1.HandleFunc("/verifiable-services/{did}", s.handleVerifiableService).Methods(http.MethodGet)
	v1.HandleFunc("/issuers/{did}", s.handleIssuer).Methods(http.MethodGet)
	v1.HandleFunc("/verifiers/{did}", s.handleVerifier).Methods(http.MethodGet)
	v1.HandleFunc("/ecosystems/{ecosystemDid}/participants/{did}", s.handleParticipant).Methods(http.MethodGet)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{headerEvaluatedAtBlock, "X-Request-ID"},
		MaxAge:         300,
	})

	s.handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(&recoveryLogger{log: s.log}),
		handlers.PrintRecoveryStack(false),
	)(c.Handler(r))

	return s
}

// Handler returns the fully wrapped HTTP handler. The caller owns the
// http.Server lifecycle.
func (s *Server) Handler() http.Handler { return s.handler }

type recoveryLogger struct {
	log *slog.Logger
}

func (l *recoveryLogger) Println(v ...any) {
	l.log.Error("panic recovered", "panic", fmt.Sprint(v...))
}
