package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"yougate/internal/config"
)

// sseFlushWriter wraps a ResponseWriter to flush after each write.
type sseFlushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw sseFlushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

type Server struct {
	upstreamBaseURL string
	agentModels     map[string]struct{}
	historyOffload  int
	queryOffload    int

	httpClient   HTTPClient
	streamClient HTTPClient
	uploader     *uploader
	mux          *http.ServeMux
	logger       zerolog.Logger
}

func New(logger zerolog.Logger, cfg *config.Config) *Server {
	agents := make(map[string]struct{}, len(cfg.AgentModels))
	for _, id := range cfg.AgentModels {
		agents[id] = struct{}{}
	}

	client := newHTTPClient()
	s := &Server{
		upstreamBaseURL: cfg.UpstreamBaseURL,
		agentModels:     agents,
		historyOffload:  cfg.HistoryOffloadTokens,
		queryOffload:    cfg.QueryOffloadTokens,
		httpClient:      client,
		streamClient:    newStreamingHTTPClient(),
		uploader: &uploader{
			client:  client,
			baseURL: cfg.UpstreamBaseURL,
			logger:  logger,
		},
		mux:    http.NewServeMux(),
		logger: logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/v1/chat/completions", s.chatCompletionsHandler)
	s.mux.HandleFunc("/v1/models", s.modelsHandler)
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/", s.notFoundHandler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.loggingMiddleware(s.mux)).ServeHTTP(w, r)
}

// corsMiddleware stamps permissive cross-origin headers on every response
// and short-circuits preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Incoming request")
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Dur("duration", time.Since(start)).
			Msg("Finished request")
	})
}

// bearerToken extracts the caller's credential from the Authorization
// header. The credential is forwarded to the upstream verbatim.
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("missing Authorization header")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("invalid Authorization header format, expected 'Bearer <credential>'")
	}
	return parts[1], nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	response := modelsResponse{
		Object: "list",
		Data:   s.advertisedModels(),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode models response")
	}
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Unhandled route")
	http.NotFound(w, r)
}

func (s *Server) chatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	credential, err := bearerToken(r)
	if err != nil {
		s.writeAPIError(w, http.StatusUnauthorized, errTypeInvalidRequest, err.Error())
		return
	}

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error().Err(err).Msg("Error unmarshalling request body")
		s.writeAPIError(w, http.StatusBadRequest, errTypeInvalidRequest, "failed to parse request body")
		return
	}
	defer r.Body.Close()

	if len(req.Messages) == 0 {
		s.writeAPIError(w, http.StatusBadRequest, errTypeInvalidRequest, "messages must not be empty")
		return
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = defaultExternalModel
	}
	scope := newRequestScope(model, credential)
	ctx := r.Context()

	messages := foldSystemIntoUser(req.Messages)
	history := buildHistory(messages)
	promptTokens := 0
	for _, msg := range messages {
		promptTokens += estimateTokens(msg.Content)
	}

	s.logger.Info().
		Str("requested_model", model).
		Bool("agent_mode", s.isAgentModel(model)).
		Bool("stream", req.wantsStream()).
		Int("message_count", len(req.Messages)).
		Int("history_turns", len(history)).
		Str("chat_id", scope.chatID).
		Msg("Processing chat completion request")

	// Offload oversized history turns, sequentially, in turn order.
	for i := range history {
		history[i].Question, err = s.uploader.maybeOffload(ctx, scope, history[i].Question, s.historyOffload)
		if err == nil {
			history[i].Answer, err = s.uploader.maybeOffload(ctx, scope, history[i].Answer, s.historyOffload)
		}
		if err != nil {
			s.writeUploadError(w, err)
			return
		}
	}

	// Upload image attachments from every turn, including the live query.
	for _, msg := range messages {
		if !hasImage(msg.Content) {
			continue
		}
		if err := s.uploader.uploadImages(ctx, scope, msg.Content); err != nil {
			s.writeUploadError(w, err)
			return
		}
	}

	// The last message is the live query; a larger ceiling governs it.
	query := extractText(messages[len(messages)-1].Content)
	query, err = s.uploader.maybeOffload(ctx, scope, query, s.queryOffload)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}

	upstreamReq, err := s.buildUpstreamRequest(ctx, scope, query, history)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build upstream request")
		s.writeAPIError(w, http.StatusInternalServerError, errTypeInternal, err.Error())
		return
	}

	client := s.httpClient
	if req.wantsStream() {
		client = s.streamClient
	}
	resp, err := client.Do(upstreamReq)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error making request to upstream")
		s.writeAPIError(w, http.StatusBadGateway, errTypeUpstream, "failed to communicate with upstream: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.mirrorUpstreamError(w, resp)
		return
	}

	if req.wantsStream() {
		s.writeStreamingResponse(w, resp.Body, scope)
		return
	}

	completion, err := collectCompletion(resp.Body, scope, promptTokens)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error draining upstream stream")
		s.writeAPIError(w, http.StatusBadGateway, errTypeUpstream, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(completion); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode completion response")
	}
}

func (s *Server) writeStreamingResponse(w http.ResponseWriter, body io.Reader, scope *requestScope) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var out io.Writer = w
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
		out = sseFlushWriter{w: w, f: flusher}
	} else {
		s.logger.Warn().Msg("ResponseWriter does not support flushing - streaming may be buffered")
	}

	streamStart := time.Now()
	if err := relayStream(body, out, scope); err != nil {
		s.logger.Error().Err(err).Msg("Error relaying SSE stream")
		return
	}
	s.logger.Debug().
		Dur("elapsed", time.Since(streamStart)).
		Msg("Streaming response completed")
}

// mirrorUpstreamError passes a non-success upstream response through to the
// client verbatim: same status, same body, no translation.
func (s *Server) mirrorUpstreamError(w http.ResponseWriter, resp *http.Response) {
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error reading upstream error body")
	}
	s.logger.Warn().
		Int("status_code", resp.StatusCode).
		Str("content_type", resp.Header.Get("Content-Type")).
		Str("response_body", string(responseBody)).
		Msg("Received error response from upstream")

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(responseBody); err != nil {
		s.logger.Error().Err(err).Msg("Error writing upstream error body to client")
	}
}

// writeUploadError surfaces an asset-upload failure. Upstream HTTP failures
// keep their originating status code; everything else is a 500.
func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var statusErr *upstreamStatusError
	if errors.As(err, &statusErr) {
		s.logger.Error().
			Int("status_code", statusErr.status).
			Str("body", statusErr.body).
			Msg("Upstream asset endpoint rejected upload")
		s.writeAPIError(w, statusErr.status, errTypeUpstream, statusErr.Error())
		return
	}
	s.logger.Error().Err(err).Msg("Asset upload failed")
	s.writeAPIError(w, http.StatusInternalServerError, errTypeInternal, err.Error())
}

func (s *Server) writeAPIError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	envelope := errorEnvelope{Error: apiErrorBody{Message: message, Type: errType}}
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
