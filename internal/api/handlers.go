package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/perzivalh/perzivalh-os-sub001/internal/flow"
	"github.com/perzivalh/perzivalh-os-sub001/internal/messaging"
	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

// HealthStatus is the result of GET /health.
type HealthStatus struct {
	DefaultFlow string `json:"default_flow"`
	Flows       int    `json:"flows"`
	Uptime      string `json:"uptime"`
}

// StartFlowRequest is the body of POST /sessions/{conversationID}/start.
type StartFlowRequest struct {
	FlowID string `json:"flow_id"`
}

// ValidationResult is returned by POST /flows/validate.
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Flow     *models.FlowSummary `json:"flow,omitempty"`
	Problems []string            `json:"problems,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(HealthStatus{
		DefaultFlow: s.flows.DefaultID(),
		Flows:       len(s.flows.List()),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.flows.List()))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	g, err := s.flows.Get(chi.URLParam(r, "flowID"))
	if err != nil {
		writeError(w, "getFlow", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(g.Definition()))
}

// validateFlowHandler checks a definition without registering it. YAML is
// accepted with ?format=yaml or a yaml content type.
func (s *Server) validateFlowHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodyBytes))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" && strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		format = "yaml"
	}

	def, err := flow.ParseDefinition(data, format)
	if err != nil {
		slog.Warn("Server.validateFlowHandler: failed to decode definition", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	g, err := flow.Compile(def)
	if err != nil {
		var verr *flow.ValidationError
		result := ValidationResult{Problems: []string{err.Error()}}
		if errors.As(err, &verr) {
			result.Problems = make([]string, len(verr.Problems))
			for i, p := range verr.Problems {
				result.Problems[i] = p.Error()
			}
		}
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.ErrorWithResult("Flow definition is invalid", result))
		return
	}
	summary := g.Summary()
	writeJSONResponse(w, http.StatusOK, models.Success(ValidationResult{Valid: true, Flow: &summary}))
}

// messageHandler runs a turn as if msg had arrived from a transport. The
// reply is returned, not delivered.
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var msg models.InboundMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBodyBytes)).Decode(&msg); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	from, err := messaging.CanonicalizePhone(msg.From)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	msg.From = from
	if msg.Time == 0 {
		msg.Time = time.Now().Unix()
	}

	reply, err := s.bot.HandleMessage(r.Context(), msg)
	if err != nil {
		writeError(w, "handleMessage", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.bot.ListSessions(r.Context())
	if err != nil {
		writeError(w, "listSessions", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.bot.Session(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, "getSession", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	if err := s.bot.Reset(r.Context(), id); err != nil {
		writeError(w, "deleteSession", err)
		return
	}
	slog.Info("Server.deleteSessionHandler: session reset", "conversationID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
}

func (s *Server) sessionSummaryHandler(w http.ResponseWriter, r *http.Request) {
	sum, err := s.bot.Summary(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, "sessionSummary", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sum))
}

func (s *Server) releaseSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.bot.Release(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, "releaseSession", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation returned to the bot", sess))
}

func (s *Server) startFlowHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req StartFlowRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.FlowID == "" {
		req.FlowID = s.flows.DefaultID()
	}
	reply, err := s.bot.StartFlow(r.Context(), chi.URLParam(r, "conversationID"), req.FlowID)
	if err != nil {
		writeError(w, "startFlow", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

func (s *Server) knowledgeHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Knowledge == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Knowledge base not configured"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.opts.Knowledge))
}
