package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// maxUpstreamURLBytes bounds the encoded upstream URL. The history and
// sources payloads travel in the query string, so a clear early failure
// beats a silently truncated request.
const maxUpstreamURLBytes = 1 << 20

// requestScope carries the per-request state that the source kept in
// process-wide variables: the originally requested model, the caller's
// credential, fresh correlation ids, and the sources accumulator. One scope
// per inbound request, never shared.
type requestScope struct {
	model      string
	credential string

	chatID  string
	turnID  string
	traceID string

	sources []uploadedSource
}

func newRequestScope(model, credential string) *requestScope {
	chatID := uuid.NewString()
	turnID := uuid.NewString()
	return &requestScope{
		model:      model,
		credential: credential,
		chatID:     chatID,
		turnID:     turnID,
		traceID:    fmt.Sprintf("%s|%s|%s", chatID, turnID, time.Now().Format(time.RFC3339)),
	}
}

// buildUpstreamRequest assembles the single upstream chat call. The
// requested model resolves through the mapping table unless it is in the
// agent allow-list, in which case the raw id flows through as the chat-mode
// selector instead.
func (s *Server) buildUpstreamRequest(ctx context.Context, scope *requestScope, query string, history []ChatTurn) (*http.Request, error) {
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat history: %w", err)
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("page", "1")
	q.Set("count", "10")
	q.Set("safeSearch", "Off")
	q.Set("mkt", "en-US")
	q.Set("domain", "youchat")
	q.Set("use_personalization_extraction", "false")
	q.Set("chatId", scope.chatID)
	q.Set("conversationTurnId", scope.turnID)
	q.Set("queryTraceId", scope.chatID)
	q.Set("traceId", scope.traceID)
	q.Set("pastChatLength", strconv.Itoa(len(history)))
	q.Set("chat", string(historyJSON))
	// Exactly one selector: agent ids ride the chat-mode parameter, mapped
	// models ride the model parameter. Never both.
	if s.isAgentModel(scope.model) {
		q.Set("selectedChatMode", scope.model)
	} else {
		q.Set("selectedAiModel", toUpstreamModel(scope.model))
	}
	if len(scope.sources) > 0 {
		sourcesJSON, err := json.Marshal(scope.sources)
		if err != nil {
			return nil, fmt.Errorf("failed to encode sources: %w", err)
		}
		q.Set("sources", string(sourcesJSON))
	}

	target := s.upstreamBaseURL + "/api/streamingSearch?" + q.Encode()
	if len(target) > maxUpstreamURLBytes {
		return nil, fmt.Errorf("upstream URL exceeds %d bytes after encoding; request too large", maxUpstreamURLBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	setUpstreamCookie(req, scope.credential)
	return req, nil
}

// setUpstreamCookie forwards the caller's bearer credential to the upstream
// as its session cookie.
func setUpstreamCookie(req *http.Request, credential string) {
	req.AddCookie(&http.Cookie{Name: "DS", Value: credential})
}

// upstreamStatusError carries a non-success upstream status and body so the
// handler can mirror them to the client.
type upstreamStatusError struct {
	status int
	body   string
	op     string
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.op, e.status)
}

func decodeJSONBody(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
