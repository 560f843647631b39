// Package api exposes the federation HTTP wire surface over the go-chi
// router: server version, server-key publication, transaction ingestion,
// backfill, profile query, and public-room directory listing. It owns no
// business logic of its own — every handler decodes/encodes JSON and
// delegates to internal/federation, internal/store, or internal/signing.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cirnoe/homefed/internal/federation"
	"github.com/cirnoe/homefed/internal/middleware"
	"github.com/cirnoe/homefed/internal/model"
	"github.com/cirnoe/homefed/internal/signing"
	"github.com/cirnoe/homefed/internal/store"
)

// ProfileStore is the narrow slice of the rooms store the profile query
// route depends on. Satisfied by *store.Store.
type ProfileStore interface {
	Displayname(ctx context.Context, userID string) (string, bool, error)
	AvatarURL(ctx context.Context, userID string) (string, bool, error)
}

// RoomsDirectory is the narrow slice of the rooms store the publicRooms
// directory routes depend on. Satisfied by *store.Store.
type RoomsDirectory interface {
	PublicRooms(ctx context.Context, searchTerm, network string, limit int) ([]store.PublicRoomsChunk, error)
}

// BackfillStore is the narrow slice of the rooms store get_missing_events
// depends on. Satisfied by *store.Store.
type BackfillStore = federation.BackfillStore

// Server is the federation HTTP API server: one chi.Mux serving the
// /_matrix/ routes, plus the global federation-enabled switch every
// route but version checks first.
type Server struct {
	Router *chi.Mux

	ServerName model.ServerName
	KeyPair    *signing.KeyPair
	Enabled    bool

	Ingestor *federation.Ingestor
	Backfill BackfillStore
	Profile  ProfileStore
	Rooms    RoomsDirectory

	Version string
	Logger  *slog.Logger

	server *http.Server
	addr   string
}

// Config bundles the collaborators NewServer wires into routes.
type Config struct {
	ListenAddr string
	ServerName model.ServerName
	KeyPair    *signing.KeyPair
	Enabled    bool
	Ingestor   *federation.Ingestor
	Backfill   BackfillStore
	Profile    ProfileStore
	Rooms      RoomsDirectory
	Version    string
	Logger     *slog.Logger
}

// NewServer builds a Server with all routes and middleware registered.
func NewServer(cfg Config) *Server {
	s := &Server{
		Router:     chi.NewRouter(),
		ServerName: cfg.ServerName,
		KeyPair:    cfg.KeyPair,
		Enabled:    cfg.Enabled,
		Ingestor:   cfg.Ingestor,
		Backfill:   cfg.Backfill,
		Profile:    cfg.Profile,
		Rooms:      cfg.Rooms,
		Version:    cfg.Version,
		Logger:     cfg.Logger,
		addr:       cfg.ListenAddr,
	}

	s.Router.Use(middleware.CorrelationID)
	s.Router.Use(middleware.TracingLogger(s.Logger))
	s.Router.Use(chimw.Recoverer)
	s.Router.Use(chimw.Timeout(signing.RequestTimeout))

	s.registerRoutes()
	return s
}

// federationGuard rejects a request with "Federation is disabled." when
// the federation switch is off, before any handler logic runs.
func (s *Server) federationGuard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled {
			writeError(w, http.StatusForbidden, "Federation is disabled.")
			return
		}
		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	s.Router.Get("/_matrix/federation/v1/version", s.handleVersion)
	s.Router.Get("/_matrix/key/v2/server", s.federationGuard(s.handleServerKey))
	s.Router.Get("/_matrix/key/v2/server/{keyID}", s.federationGuard(s.handleServerKey))

	s.Router.Put("/_matrix/federation/v1/send/{txnID}", s.federationGuard(s.handleSend))
	s.Router.Post("/_matrix/federation/v1/get_missing_events/{roomID}", s.federationGuard(s.handleGetMissingEvents))
	s.Router.Get("/_matrix/federation/v1/query/profile", s.federationGuard(s.handleQueryProfile))

	s.Router.Get("/_matrix/federation/v1/publicRooms", s.federationGuard(s.handlePublicRooms))
	s.Router.Post("/_matrix/federation/v1/publicRoomsFiltered", s.federationGuard(s.handlePublicRoomsFiltered))
}

// Start begins listening for HTTP requests on the configured address.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.Logger.Info("federation HTTP server starting", slog.String("listen", s.addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("federation HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("federation HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"errcode": "M_FORBIDDEN", "error": message})
}
