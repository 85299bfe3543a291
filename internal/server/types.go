package server

import "encoding/json"

// ContentPart is one element of a multi-part message content array.
// Exactly one of Text or ImageURL is meaningful, selected by Type.
type ContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

type ImageURLPart struct {
	URL string `json:"url"`
}

// MessageContent accepts either a plain JSON string or an ordered array of
// content parts, which is how OpenAI clients send multimodal messages.
// When Parts is nil the content arrived as a plain string.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		c.Text = ""
		c.Parts = parts
		return nil
	}
	// Unrecognized shapes (null, bare objects) degrade to empty content
	// rather than failing the whole request.
	c.Text = ""
	c.Parts = nil
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

type ChatCompletionRequest struct {
	Model       string                 `json:"model"`
	Messages    []ChatMessage          `json:"messages"`
	Stream      *bool                  `json:"stream,omitempty"`
	User        *string                `json:"user,omitempty"`
	OtherParams map[string]interface{} `json:"-"`
}

func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type Alias ChatCompletionRequest
	aux := &struct {
		*Alias
	}{Alias: (*Alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	// Capture all other fields
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "model")
	delete(raw, "messages")
	delete(raw, "stream")
	delete(raw, "user")
	r.OtherParams = raw
	return nil
}

func (r *ChatCompletionRequest) wantsStream() bool {
	return r.Stream != nil && *r.Stream
}

// ChatTurn is one prior question/answer exchange sent to the upstream as
// history. Both sides are always present; either may be the empty string.
type ChatTurn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// uploadedSource is one entry of the outgoing "sources" list, produced by
// either the text offload path or an image upload.
type uploadedSource struct {
	SourceType   string `json:"source_type"`
	Filename     string `json:"filename"`
	UserFilename string `json:"user_filename"`
	SizeBytes    int    `json:"size_bytes"`
}

type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   CompletionUsage        `json:"usage"`
}

// streamingDelta represents the delta portion of a streamed chat completion chunk.
type streamingDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// streamingChoice represents a single choice in a streamed chat completion chunk.
type streamingChoice struct {
	Index        int            `json:"index"`
	Delta        streamingDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

// streamingChunk is an OpenAI-style streamed chat completion chunk.
type streamingChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []streamingChoice `json:"choices"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeUpstream       = "upstream_error"
	errTypeInternal       = "internal_error"
)
