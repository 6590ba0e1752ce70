package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/marcus-qen/sqlpulse/internal/protocol"
	"github.com/marcus-qen/sqlpulse/internal/querystream"
	"go.uber.org/zap"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Realtime
	mux.HandleFunc("GET /ws", s.realtime.HandleWS)
	mux.HandleFunc("GET /api/v1/connections", s.handleListConnections)
	mux.HandleFunc("POST /api/v1/events", s.handlePublishEvent)

	// Queries
	mux.HandleFunc("GET /api/v1/queries", s.handleListQueries)
	mux.HandleFunc("POST /api/v1/queries", s.handleSubmitQuery)
	mux.HandleFunc("POST /api/v1/queries/{id}/cancel", s.handleCancelQuery)

	mux.Handle("GET /metrics", s.metrics.Handler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "database_unavailable", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

// ── Realtime ─────────────────────────────────────────────────

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	clients := s.realtime.Clients()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(clients),
		"max":     s.cfg.MaxConnections,
		"clients": clients,
	})
}

type publishEventRequest struct {
	Type    protocol.EventType `json:"type"`
	Channel protocol.Channel   `json:"channel,omitempty"`
	Data    json.RawMessage    `json:"data"`
}

// externalEvents lists the payloads callers may publish, with their default channel.
var externalEvents = map[protocol.EventType]struct {
	channel protocol.Channel
	decode  func(json.RawMessage) (protocol.Payload, error)
}{
	protocol.EventUserCursor:    {protocol.ChannelCollaboration, decodeAs[protocol.UserCursorPayload]},
	protocol.EventTableCreated:  {protocol.ChannelTables, decodeAs[protocol.TableCreatedPayload]},
	protocol.EventTableModified: {protocol.ChannelTables, decodeAs[protocol.TableModifiedPayload]},
	protocol.EventTableDropped:  {protocol.ChannelTables, decodeAs[protocol.TableDroppedPayload]},
}

func decodeAs[T protocol.Payload](raw json.RawMessage) (protocol.Payload, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	ev, ok := externalEvents[req.Type]
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "unsupported_event", fmt.Sprintf("event type %q cannot be published", req.Type))
		return
	}
	channel := ev.channel
	if req.Channel != "" {
		ch, err := protocol.ParseChannel(string(req.Channel))
		if err != nil || !ch.Subscribable() {
			writeJSONError(w, http.StatusBadRequest, "invalid_channel", fmt.Sprintf("channel %q is not publishable", req.Channel))
			return
		}
		channel = ch
	}
	payload, err := ev.decode(req.Data)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid event data: "+err.Error())
		return
	}

	delivered, err := s.realtime.Publish(channel, payload)
	if err != nil {
		s.logger.Error("publish event", zap.String("type", string(req.Type)), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to publish event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":   channel,
		"delivered": delivered,
	})
}

// ── Queries ──────────────────────────────────────────────────

type submitQueryRequest struct {
	QueryID   string `json:"queryId,omitempty"`
	SQL       string `json:"sql"`
	ChunkSize int    `json:"chunkSize,omitempty"`
}

func (s *Server) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req submitQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ChunkSize < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "chunkSize must not be negative")
		return
	}

	id, err := s.queries.Submit(s.queryCtx, req.QueryID, req.SQL, querystream.Options{ChunkSize: req.ChunkSize})
	switch {
	case errors.Is(err, querystream.ErrEmptyStatement):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "sql is required")
		return
	case errors.Is(err, querystream.ErrDuplicateQueryID):
		writeJSONError(w, http.StatusConflict, "duplicate_query_id", err.Error())
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queryId": id})
}

func (s *Server) handleCancelQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.queries.Cancel(id) {
		writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("query %q is not running", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queryId": id, "cancelled": true})
}

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active": s.queries.Active()})
}
