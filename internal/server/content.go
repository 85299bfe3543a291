package server

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// imageTokenPenalty is the fixed token cost attributed to each image part.
// It is a heuristic, not a tokenizer.
const imageTokenPenalty = 85

// extByMIME maps declared image MIME types to upload filename extensions.
var extByMIME = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

const defaultImageExt = ".png"

// extractText concatenates the text parts of a message content with newline
// separators. Plain-string content is returned as-is; image parts are
// ignored. Absent or unrecognized content yields the empty string.
func extractText(c MessageContent) string {
	if c.Parts == nil {
		return c.Text
	}
	var texts []string
	for _, part := range c.Parts {
		if part.Type == "text" && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// hasImage reports whether the content carries at least one image part with a
// non-empty URL.
func hasImage(c MessageContent) bool {
	for _, part := range c.Parts {
		if part.Type == "image_url" && part.ImageURL != nil && part.ImageURL.URL != "" {
			return true
		}
	}
	return false
}

func countImages(c MessageContent) int {
	n := 0
	for _, part := range c.Parts {
		if part.Type == "image_url" && part.ImageURL != nil && part.ImageURL.URL != "" {
			n++
		}
	}
	return n
}

// estimateTokens estimates the token size of a message content: a whitespace
// word count of the extracted text plus a fixed penalty per image part.
func estimateTokens(c MessageContent) int {
	return estimateTextTokens(extractText(c)) + countImages(c)*imageTokenPenalty
}

func estimateTextTokens(text string) int {
	return len(strings.Fields(text))
}

// decodeDataURL decodes a base64 data URL into its raw bytes and an upload
// filename extension derived from the declared MIME type.
func decodeDataURL(u string) (data []byte, ext string, err error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URL: missing payload")
	}
	mediaType, _, _ := strings.Cut(meta, ";")
	if !strings.Contains(meta, ";base64") {
		return nil, "", fmt.Errorf("unsupported data URL encoding: %s", meta)
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode data URL payload: %w", err)
	}
	ext, ok = extByMIME[mediaType]
	if !ok {
		ext = defaultImageExt
	}
	return data, ext, nil
}
