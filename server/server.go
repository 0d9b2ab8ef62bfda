// Package server exposes the HTTP surface: provider webhooks that drive
// live calls, and caller-facing endpoints that start workflows.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/axiomvoice/axiom/conversation"
	"github.com/axiomvoice/axiom/dialogue"
	"github.com/axiomvoice/axiom/model"
	"github.com/axiomvoice/axiom/store"
	"github.com/axiomvoice/axiom/telephony"
	"github.com/axiomvoice/axiom/workflow"
)

// askUnavailable is the caller-facing message when the one-shot language
// model query fails.
const askUnavailable = "Sorry, I'm having trouble connecting to my brain right now."

// Server routes inbound HTTP traffic to the conversation engine and the
// workflow orchestrator.
type Server struct {
	conversation *conversation.Engine
	orchestrator *workflow.Orchestrator
	dialogue     *dialogue.Engine
	gateway      telephony.Gateway
	sessions     *store.Sessions
	workflows    *store.Workflows
	logger       *zap.Logger
	router       *mux.Router
}

// New creates the server and registers all routes.
func New(conv *conversation.Engine, orch *workflow.Orchestrator, dlg *dialogue.Engine, gw telephony.Gateway, sessions *store.Sessions, workflows *store.Workflows, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		conversation: conv,
		orchestrator: orch,
		dialogue:     dlg,
		gateway:      gw,
		sessions:     sessions,
		workflows:    workflows,
		logger:       logger,
		router:       mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)

	// Provider-originated webhooks (form-encoded).
	s.router.HandleFunc("/incoming_call", s.handleIncomingCall).Methods(http.MethodPost)
	s.router.HandleFunc("/process_speech", s.handleProcessSpeech).Methods(http.MethodPost)
	s.router.HandleFunc("/reprompt", s.handleReprompt).Methods(http.MethodPost)
	s.router.HandleFunc("/status_callback", s.handleStatusCallback).Methods(http.MethodPost)
	s.router.HandleFunc("/transcription_ready", s.handleTranscriptionReady).Methods(http.MethodPost)

	// Caller-originated JSON endpoints.
	s.router.HandleFunc("/call_deliver_message", s.handleDeliverMessage).Methods(http.MethodPost)
	s.router.HandleFunc("/call_business_proposal", s.handleBusinessProposal).Methods(http.MethodPost)
	s.router.HandleFunc("/ask", s.handleAsk).Methods(http.MethodPost)

	// Introspection.
	s.router.HandleFunc("/api/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/api/calls/{sid}", s.handleCallLookup).Methods(http.MethodGet)

	s.router.Use(requestIDMiddleware, loggingMiddleware(s.logger))
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Axiom voice server is online!\n"))
}

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostFormValue("CallSid")
	if callSID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}
	from := r.PostFormValue("From")
	writeTwiML(w, s.conversation.StartCall(r.Context(), callSID, from))
}

func (s *Server) handleProcessSpeech(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostFormValue("CallSid")
	if callSID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}
	speech := r.PostFormValue("SpeechResult")
	if strings.TrimSpace(speech) == "" {
		// The provider posted an empty capture; treat it as silence.
		writeTwiML(w, s.conversation.Reprompt(r.Context(), callSID))
		return
	}
	writeTwiML(w, s.conversation.ProcessSpeech(r.Context(), callSID, speech))
}

func (s *Server) handleReprompt(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostFormValue("CallSid")
	if callSID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}
	writeTwiML(w, s.conversation.Reprompt(r.Context(), callSID))
}

// handleStatusCallback acknowledges every status event. Events that belong
// to a workflow drive it forward; terminal events for live conversations
// tear the session down.
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostFormValue("CallSid")
	status := model.CallStatus(r.PostFormValue("CallStatus"))
	if callSID != "" {
		handled := s.orchestrator.HandleStatus(r.Context(), callSID, status)
		if !handled && status.IsTerminal() {
			s.conversation.EndCall(callSID)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTranscriptionReady acknowledges even when processing fails;
// anything else invites provider retry storms.
func (s *Server) handleTranscriptionReady(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostFormValue("CallSid")
	text := r.PostFormValue("TranscriptionText")
	recordingURL := r.PostFormValue("RecordingUrl")
	if callSID != "" {
		s.orchestrator.HandleTranscription(r.Context(), callSID, text, recordingURL)
	}
	w.WriteHeader(http.StatusNoContent)
}

type deliverMessageRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (s *Server) handleDeliverMessage(w http.ResponseWriter, r *http.Request) {
	var req deliverMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "'to' and 'message' are required")
		return
	}

	sid, err := s.orchestrator.StartDeliverMessage(r.Context(), req.To, req.Message)
	if err != nil {
		s.writePlacementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_sid": sid})
}

type businessProposalRequest struct {
	BusinessNumber string `json:"business_number"`
	Script         string `json:"script"`
	YourNumber     string `json:"your_number"`
}

func (s *Server) handleBusinessProposal(w http.ResponseWriter, r *http.Request) {
	var req businessProposalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BusinessNumber == "" || req.Script == "" || req.YourNumber == "" {
		writeError(w, http.StatusBadRequest, "'business_number', 'script' and 'your_number' are required")
		return
	}

	sid, err := s.orchestrator.StartProposal(r.Context(), req.BusinessNumber, req.Script, req.YourNumber)
	if err != nil {
		s.writePlacementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"proposal_call_sid": sid})
}

type askRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "a 'prompt' is required")
		return
	}

	response, err := s.dialogue.Ask(r.Context(), req.Prompt)
	if err != nil {
		s.logger.Warn("ask failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, askUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": response})
}

// handleSnapshot exposes live sessions and workflows for inspection.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":  s.sessions.Snapshot(),
		"workflows": s.workflows.Snapshot(),
	})
}

// handleCallLookup fetches current provider-side state for one call, with
// its recordings when any exist.
func (s *Server) handleCallLookup(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]

	info, err := s.gateway.FetchCall(r.Context(), sid)
	if err != nil {
		var provErr *telephony.ProviderError
		if errors.As(err, &provErr) && provErr.Status == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "no such call")
			return
		}
		s.logger.Warn("call lookup failed", zap.String("call_sid", sid), zap.Error(err))
		writeError(w, http.StatusBadGateway, "call lookup failed")
		return
	}

	recordings, err := s.gateway.ListRecordings(r.Context(), sid)
	if err != nil {
		s.logger.Warn("recording list failed", zap.String("call_sid", sid), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call":       info,
		"recordings": recordings,
	})
}

// writePlacementError maps a provider rejection to a caller-visible error
// body. Placement is not retried; telephony calls are not idempotent.
func (s *Server) writePlacementError(w http.ResponseWriter, err error) {
	var provErr *telephony.ProviderError
	if errors.As(err, &provErr) {
		s.logger.Error("call placement rejected", zap.Int("code", provErr.Code), zap.Error(err))
		writeError(w, http.StatusBadGateway, provErr.Message)
		return
	}
	s.logger.Error("call placement failed", zap.Error(err))
	writeError(w, http.StatusBadGateway, "failed to place call")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON request body")
	}
	return nil
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
