package server

import (
	"net/http"

	"github.com/canopyworks/custody/internal/conversion"
	"github.com/canopyworks/custody/internal/gateway"
	httpmw "github.com/canopyworks/custody/internal/http"
	"github.com/canopyworks/custody/internal/ledger"
	"github.com/canopyworks/custody/internal/logger"
	"github.com/canopyworks/custody/internal/packaging"
	"github.com/canopyworks/custody/internal/socket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type Config struct {
	Ledger    *ledger.Service
	Engine    *conversion.Engine
	Allocator *packaging.Allocator
	Gateway   *gateway.Gateway
	Hub       *socket.Hub

	// AllowedOrigins for CORS. Empty allows none.
	AllowedOrigins []string
}

// Server exposes the ledger and the scan handshake over HTTP/JSON.
type Server struct {
	ledger    *ledger.Service
	engine    *conversion.Engine
	allocator *packaging.Allocator
	gateway   *gateway.Gateway
	hub       *socket.Hub
	origins   []string
}

func NewServer(cfg Config) *Server {
	allocator := cfg.Allocator
	if allocator == nil {
		allocator = packaging.NewAllocator(packaging.DefaultMinSize)
	}
	engine := cfg.Engine
	if engine == nil {
		engine = conversion.New(cfg.Ledger, allocator)
	}
	hub := cfg.Hub
	if hub == nil {
		hub = socket.NewHub(nil)
	}

	return &Server{
		ledger:    cfg.Ledger,
		engine:    engine,
		allocator: allocator,
		gateway:   cfg.Gateway,
		hub:       hub,
		origins:   cfg.AllowedOrigins,
	}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /auth/bind-session", s.bindSession)
	mux.HandleFunc("POST /auth/verify-session", s.verifySession)
	mux.HandleFunc("POST /auth/cancel-session", s.cancelSession)
	mux.HandleFunc("GET /auth/sessions/{token}/watch", s.watchSession)

	mux.HandleFunc("POST /batches", s.createBatch)
	mux.HandleFunc("GET /batches", s.listBatches)
	mux.HandleFunc("GET /batches/{id}", s.getBatch)
	mux.HandleFunc("GET /batches/{id}/units", s.listUnits)
	mux.HandleFunc("GET /batches/{id}/audit", s.batchAudit)

	// destroy, destroy_remainder and convert_to_{stage}
	mux.HandleFunc("POST /{stage}/{batchId}/{action}", s.batchAction)

	mux.HandleFunc("POST /packaging/allocate", s.previewAllocation)
	mux.HandleFunc("GET /distributions/available_units", s.availableUnits)
	mux.HandleFunc("GET /audit/export", s.exportAudit)

	var handler http.Handler = mux
	handler = httpmw.HolderMiddleware()(handler)
	handler = logger.NewRequests(log).Wrap(handler)

	return cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", httpmw.TerminalHeader},
	}).Handler(handler)
}
