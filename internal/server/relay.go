package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// tokenEventName tags the upstream SSE frames that carry incremental answer
// text. Every other event type (metadata, search results, done markers) is
// ignored.
const tokenEventName = "youChatToken"

// tokenFieldPriority is the documented fallback order for extracting the
// token text from a data payload. Checked once per frame, first hit wins.
var tokenFieldPriority = []string{"youChatToken", "token", "text"}

// extractTokenText pulls the answer fragment out of a token-event data
// payload. Malformed JSON yields the empty string; a bad frame never aborts
// the stream.
func extractTokenText(payload []byte) string {
	if !gjson.ValidBytes(payload) {
		return ""
	}
	for _, field := range tokenFieldPriority {
		if v := gjson.GetBytes(payload, field); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// scanTokenEvents reads an upstream SSE body and invokes onToken for each
// non-empty token fragment, in arrival order. Framing is a two-line state
// machine: an "event: <name>" line arms the pending event, the next
// "data: <json>" line consumes it, and a blank line resets it. Partial lines
// are buffered by the scanner until newline-terminated, so no frame is ever
// parsed from a fragment.
func scanTokenEvents(r io.Reader, onToken func(token string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	pendingEvent := ""
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			pendingEvent = ""
			continue
		}
		if bytes.HasPrefix(line, []byte(":")) {
			continue
		}
		if name, ok := cutSSEField(line, "event"); ok {
			pendingEvent = string(name)
			continue
		}
		if payload, ok := cutSSEField(line, "data"); ok {
			if pendingEvent == tokenEventName {
				if token := extractTokenText(payload); token != "" {
					if err := onToken(token); err != nil {
						return err
					}
				}
			}
			pendingEvent = ""
		}
	}
	return scanner.Err()
}

// cutSSEField strips an SSE field prefix ("event:", "data:") and the
// optional single space the spec allows after the colon.
func cutSSEField(line []byte, field string) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(line, []byte(field+":"))
	if !ok {
		return nil, false
	}
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	return rest, true
}

// relayStream re-emits an upstream token stream as OpenAI chat.completion.chunk
// frames. Each inbound token becomes exactly one chunk, written and flushed
// immediately — nothing is buffered across tokens. The stream always
// terminates with the [DONE] sentinel, even after a mid-stream failure.
func relayStream(body io.Reader, w io.Writer, scope *requestScope) error {
	completionID := "chatcmpl-" + scope.turnID
	created := time.Now().Unix()
	model := scope.model
	roleSent := false

	writeChunk := func(delta streamingDelta) error {
		chunk := streamingChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []streamingChoice{{Index: 0, Delta: delta, FinishReason: nil}},
		}
		return writeSSEData(w, chunk)
	}

	scanErr := scanTokenEvents(body, func(token string) error {
		if !roleSent {
			if err := writeChunk(streamingDelta{Role: "assistant"}); err != nil {
				return err
			}
			roleSent = true
		}
		return writeChunk(streamingDelta{Content: token})
	})

	if scanErr != nil {
		// Best effort: surface the failure in-band, then still terminate
		// the stream with the sentinel.
		errFrame := errorEnvelope{Error: apiErrorBody{
			Message: scanErr.Error(),
			Type:    errTypeUpstream,
		}}
		if err := writeSSEData(w, errFrame); err != nil {
			return scanErr
		}
	}

	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	return scanErr
}

// collectCompletion drains the upstream token stream and wraps the
// accumulated text in a single non-streaming completion object.
func collectCompletion(body io.Reader, scope *requestScope, promptTokens int) (*ChatCompletionResponse, error) {
	var content strings.Builder
	err := scanTokenEvents(body, func(token string) error {
		content.WriteString(token)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error reading upstream stream: %w", err)
	}

	completionTokens := estimateTextTokens(content.String())
	return &ChatCompletionResponse{
		ID:      "chatcmpl-" + scope.turnID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   scope.model,
		Choices: []ChatCompletionChoice{
			{
				Index: 0,
				Message: ResponseMessage{
					Role:    "assistant",
					Content: content.String(),
				},
				FinishReason: "stop",
			},
		},
		Usage: CompletionUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func writeSSEData(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return nil
}
