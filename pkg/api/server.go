package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/tcmartin/stepflow/pkg/auth"
	"github.com/tcmartin/stepflow/pkg/config"
	"github.com/tcmartin/stepflow/pkg/loader"
	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/middleware"
	"github.com/tcmartin/stepflow/pkg/models"
	"github.com/tcmartin/stepflow/pkg/runtime"
	"github.com/tcmartin/stepflow/pkg/services"
)

// maxBodySize bounds request bodies, flow documents included
const maxBodySize = 1 << 20

// Server represents the HTTP API server
type Server struct {
	config     *config.Config
	router     *mux.Router
	server     *http.Server
	flows      FlowCatalog
	controller Controller
	sessions   SessionLister
	events     *EventHub
	ws         *WebSocketManager
	validator  auth.TokenValidator
	logger     logging.Logger
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithTokenValidator sets the validator used when auth is enabled
func WithTokenValidator(v auth.TokenValidator) ServerOption {
	return func(s *Server) { s.validator = v }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEventHub sets the hub serving SSE and websocket subscribers. The hub
// must also be registered as an event sink of the executor.
func WithEventHub(hub *EventHub, ws *WebSocketManager) ServerOption {
	return func(s *Server) {
		s.events = hub
		s.ws = ws
	}
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, flows FlowCatalog, controller Controller, sessions SessionLister, opts ...ServerOption) *Server {
	s := &Server{
		config:     cfg,
		router:     mux.NewRouter(),
		flows:      flows,
		controller: controller,
		sessions:   sessions,
		logger:     logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ws == nil {
		s.ws = NewWebSocketManager(controller, cfg.Server.AllowedOrigins, s.logger)
	}
	if s.events == nil {
		s.events = NewEventHub(s.ws, sessions, s.logger)
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Events returns the event hub
func (s *Server) Events() *EventHub {
	return s.events
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// event streams and waited executions stay open
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", logging.String("addr", addr))

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ListenAndServeTLS(s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes event streams and shuts the HTTP server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.events.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(middleware.CORS(s.config.Server.AllowedOrigins))

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)

	protected := api.PathPrefix("").Subrouter()
	if s.config.Auth.Enabled {
		if s.validator == nil {
			s.validator = DefaultTokenValidator(s.config.Auth)
		}
		protected.Use(middleware.NewAuthMiddleware(s.validator, s.logger).Authenticate)
	}

	protected.HandleFunc("/schema", s.handleSchema).Methods(http.MethodGet, http.MethodOptions)

	flows := protected.PathPrefix("/flows").Subrouter()
	flows.HandleFunc("", s.handleListFlows).Methods(http.MethodGet, http.MethodOptions)
	flows.HandleFunc("", s.handleCreateFlow).Methods(http.MethodPost)
	flows.HandleFunc("/{id}", s.handleGetFlow).Methods(http.MethodGet, http.MethodOptions)
	flows.HandleFunc("/{id}", s.handleDeleteFlow).Methods(http.MethodDelete)
	flows.HandleFunc("/{id}/executions", s.handleStartExecution).Methods(http.MethodPost, http.MethodOptions)

	sessions := protected.PathPrefix("/sessions").Subrouter()
	sessions.HandleFunc("", s.handleListSessions).Methods(http.MethodGet, http.MethodOptions)
	sessions.HandleFunc("/{id}", s.handleGetSession).Methods(http.MethodGet, http.MethodOptions)
	sessions.HandleFunc("/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	sessions.HandleFunc("/{id}/events", s.handleSessionEvents).Methods(http.MethodGet)
	sessions.HandleFunc("/{id}/{action}", s.handleControl).Methods(http.MethodPost, http.MethodOptions)

	protected.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
}

// DefaultTokenValidator accepts JWTs signed with the configured secret and
// the configured static API tokens
func DefaultTokenValidator(cfg config.AuthConfig) auth.TokenValidator {
	chain := services.ChainValidator{}
	if cfg.JWTSecret != "" {
		chain = append(chain, services.NewJWTService(cfg.JWTSecret, cfg.TokenExpiration))
	}
	if len(cfg.APITokenHashes) > 0 {
		chain = append(chain, services.NewAPITokenService(cfg.APITokenHashes))
	}
	return chain
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"time":     time.Now().Format(time.RFC3339),
		"sessions": s.sessions.Len(),
		"flows":    len(s.flows.List()),
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	io.WriteString(w, strings.TrimSpace(loader.FlowSchema))
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.flows.List())
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	info, err := s.flows.Info(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleCreateFlow registers a flow from a YAML body, or from the content
// field of a JSON body
func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	content := string(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			badRequest(w, "Invalid request body")
			return
		}
		content = req.Content
	}

	source := "api"
	if subject, ok := middleware.GetSubject(r); ok {
		source = "api:" + subject
	}
	def, err := s.flows.RegisterYAML(content, source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	info, err := s.flows.Info(def.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.Remove(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecutionRequest starts a flow
type ExecutionRequest struct {
	Input          any              `json:"input"`
	TargetLanguage string           `json:"target_language,omitempty"`
	SourceLanguage string           `json:"source_language,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	StartIndex     int              `json:"start_index,omitempty"`
	PriorOutputs   map[string]any   `json:"prior_outputs,omitempty"`
	Credentials    auth.Credentials `json:"credentials,omitempty"`
	Wait           bool             `json:"wait,omitempty"`
}

// ControlBody carries the optional arguments of a control action
type ControlBody struct {
	Text        string           `json:"text,omitempty"`
	Operation   string           `json:"operation,omitempty"`
	Credentials auth.Credentials `json:"credentials,omitempty"`
	Wait        bool             `json:"wait,omitempty"`
}

// ExecutionResponse reports a session after a start or control call. Events
// are filled only when the caller waited for the run.
type ExecutionResponse struct {
	SessionID string           `json:"session_id"`
	State     models.FlowState `json:"state"`
	Events    []models.Event   `json:"events,omitempty"`
}

func decodeBody(r *http.Request, w http.ResponseWriter, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// respondRun answers with the state right away, or waits for the run to
// suspend or finish. A run nobody waits for is drained in the background;
// subscribers still see its events through the hub.
func (s *Server) respondRun(w http.ResponseWriter, sessionID string, state models.FlowState, stream *runtime.Stream, wait bool) {
	if stream == nil {
		writeJSON(w, http.StatusOK, ExecutionResponse{SessionID: sessionID, State: state})
		return
	}
	if wait {
		events, final := stream.Collect()
		writeJSON(w, http.StatusOK, ExecutionResponse{SessionID: sessionID, State: final, Events: events})
		return
	}
	go stream.Wait()
	writeJSON(w, http.StatusAccepted, ExecutionResponse{SessionID: sessionID, State: state})
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if err := decodeBody(r, w, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if req.StartIndex < 0 {
		badRequest(w, "start_index must not be negative")
		return
	}

	ctx := auth.WithCredentials(r.Context(), req.Credentials)
	stream, err := s.controller.Start(ctx, runtime.StartRequest{
		FlowID:         mux.Vars(r)["id"],
		Input:          req.Input,
		TargetLanguage: req.TargetLanguage,
		SourceLanguage: req.SourceLanguage,
		Metadata:       req.Metadata,
		StartIndex:     req.StartIndex,
		PriorOutputs:   req.PriorOutputs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	state, err := s.controller.State(stream.SessionID)
	if err != nil {
		// deleted before we looked
		state = models.FlowState{SessionID: stream.SessionID}
	}
	s.respondRun(w, stream.SessionID, state, stream, req.Wait)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, err := runtime.ParseAction(vars["action"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body ControlBody
	if err := decodeBody(r, w, &body); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	ctx := auth.WithCredentials(r.Context(), body.Credentials)
	result, err := s.controller.Control(ctx, vars["id"], runtime.ControlRequest{
		Action:    action,
		Operation: body.Operation,
		Text:      body.Text,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondRun(w, vars["id"], result.State, result.Stream, body.Wait)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, err := s.sessions.Info(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.controller.State(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Session runtime.SessionInfo `json:"session"`
		State   models.FlowState    `json:"state"`
	}{info, state})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Delete(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.sessions.Info(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.events.ServeSession(w, r, id)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	subject, _ := middleware.GetSubject(r)
	s.ws.HandleWebSocket(w, r, subject)
}
