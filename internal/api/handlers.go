package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cirnoe/homefed/internal/federation"
	"github.com/cirnoe/homefed/internal/model"
)

// versionResponse is the body of GET /_matrix/federation/v1/version.
type versionResponse struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
}

// handleVersion answers GET /_matrix/federation/v1/version. Unlike every
// other route here it is served regardless of the federation switch — a
// peer probing reachability shouldn't need federation enabled to learn
// who they're talking to.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	resp := versionResponse{}
	resp.Server.Name = "homefed"
	resp.Server.Version = s.Version
	writeJSON(w, http.StatusOK, resp)
}

// handleServerKey answers GET /_matrix/key/v2/server (and the deprecated
// /_matrix/key/v2/server/<key_id>, which serves the same document — the
// path's key_id is ignored).
func (s *Server) handleServerKey(w http.ResponseWriter, r *http.Request) {
	doc, err := federation.PublishServerKeys(s.KeyPair, time.Now())
	if err != nil {
		s.Logger.Error("failed to build server key document", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

// handleSend answers PUT /_matrix/federation/v1/send/<txn_id>: decode
// the transaction body, run it through the ingestor, and return its
// per-PDU result map, one entry per input PDU. The txn_id path parameter
// is accepted for wire compatibility but carries no server-side
// replay-dedup.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var txn model.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		http.Error(w, "malformed transaction body", http.StatusBadRequest)
		return
	}

	result, err := s.Ingestor.Ingest(r.Context(), &txn)
	if err != nil {
		s.Logger.Error("transaction ingestion failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetMissingEvents answers POST
// /_matrix/federation/v1/get_missing_events/<room_id>: walk the room's
// prev_events graph and return the visited PDUs in walk order.
func (s *Server) handleGetMissingEvents(w http.ResponseWriter, r *http.Request) {
	var req federation.BackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed get_missing_events body", http.StatusBadRequest)
		return
	}
	req.RoomID = chi.URLParam(r, "roomID")

	resp, err := federation.Backfill(r.Context(), s.Backfill, req)
	if err != nil {
		s.Logger.Error("backfill walk failed", slog.String("room_id", req.RoomID), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// profileResponse is the body of GET /_matrix/federation/v1/query/profile.
type profileResponse struct {
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// handleQueryProfile answers GET /_matrix/federation/v1/query/profile,
// a read-only passthrough to the local profile table.
func (s *Server) handleQueryProfile(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	field := r.URL.Query().Get("field")

	var resp profileResponse
	if field == "" || field == "displayname" {
		name, ok, err := s.Profile.Displayname(r.Context(), userID)
		if err != nil {
			s.Logger.Error("profile displayname lookup failed", slog.String("user_id", userID), slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if ok {
			resp.DisplayName = name
		}
	}
	if field == "" || field == "avatar_url" {
		url, ok, err := s.Profile.AvatarURL(r.Context(), userID)
		if err != nil {
			s.Logger.Error("profile avatar_url lookup failed", slog.String("user_id", userID), slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if ok {
			resp.AvatarURL = url
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// publicRoomsResponse is the body of the publicRooms directory routes.
type publicRoomsResponse struct {
	Chunk     interface{} `json:"chunk"`
	TotalRoom int         `json:"total_room_count_estimate"`
}

// handlePublicRooms answers GET /_matrix/federation/v1/publicRooms with
// query-string filters.
func (s *Server) handlePublicRooms(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.writePublicRooms(w, r, r.URL.Query().Get("search_term"), r.URL.Query().Get("third_party_instance_id"), limit)
}

// publicRoomsFilterBody is the body of POST
// /_matrix/federation/v1/publicRoomsFiltered.
type publicRoomsFilterBody struct {
	Limit  int    `json:"limit"`
	Since  string `json:"since"`
	Filter struct {
		GenericSearchTerm string `json:"generic_search_term"`
	} `json:"filter"`
	ThirdPartyInstanceID string `json:"third_party_instance_id"`
}

// handlePublicRoomsFiltered answers POST
// /_matrix/federation/v1/publicRoomsFiltered with a JSON filter body.
func (s *Server) handlePublicRoomsFiltered(w http.ResponseWriter, r *http.Request) {
	var body publicRoomsFilterBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed publicRoomsFiltered body", http.StatusBadRequest)
		return
	}
	s.writePublicRooms(w, r, body.Filter.GenericSearchTerm, body.ThirdPartyInstanceID, body.Limit)
}

func (s *Server) writePublicRooms(w http.ResponseWriter, r *http.Request, searchTerm, network string, limit int) {
	chunks, err := s.Rooms.PublicRooms(r.Context(), searchTerm, network, limit)
	if err != nil {
		s.Logger.Error("listing public rooms failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, publicRoomsResponse{Chunk: chunks, TotalRoom: len(chunks)})
}
