package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// utf8BOM is prepended to every uploaded text file so the upstream decodes
// it as UTF-8 regardless of its default charset.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// backReference is the fixed-phrase substitute for offloaded text. The
// argument is the user-facing filename with its extension stripped.
func backReference(userFilename string) string {
	name := strings.TrimSuffix(userFilename, path.Ext(userFilename))
	return fmt.Sprintf("Please view the file %s and chat with me based on this file's contents.", name)
}

// uploadResult is the upstream file endpoint's response body.
type uploadResult struct {
	Filename     string `json:"filename"`
	UserFilename string `json:"user_filename"`
}

// uploader performs asset uploads against the upstream's nonce and file
// endpoints. All uploads within one request run sequentially so the order of
// the sources accumulator stays deterministic.
type uploader struct {
	client  HTTPClient
	baseURL string
	logger  zerolog.Logger
}

// maybeOffload replaces oversized turn text with an uploaded file plus a
// short back-reference. Text estimated below the threshold passes through
// untouched. Upload failure is fatal for the request: a dangling reference
// would point at nothing.
func (u *uploader) maybeOffload(ctx context.Context, scope *requestScope, text string, threshold int) (string, error) {
	if estimateTextTokens(text) < threshold {
		return text, nil
	}

	filename := randomFilename() + ".txt"
	data := encodeUploadText(text)
	res, err := u.uploadFile(ctx, scope.credential, filename, data)
	if err != nil {
		return "", err
	}
	scope.sources = append(scope.sources, uploadedSource{
		SourceType:   "user_file",
		Filename:     res.Filename,
		UserFilename: res.UserFilename,
		SizeBytes:    len(data),
	})
	u.logger.Debug().
		Str("user_filename", res.UserFilename).
		Int("size_bytes", len(data)).
		Msg("Offloaded oversized turn text")
	return backReference(res.UserFilename), nil
}

// uploadImages uploads every image part of the content as an individual
// asset and records it in the request's sources list. Data URLs are decoded
// locally; remote URLs are downloaded first.
func (u *uploader) uploadImages(ctx context.Context, scope *requestScope, content MessageContent) error {
	for _, part := range content.Parts {
		if part.Type != "image_url" || part.ImageURL == nil || part.ImageURL.URL == "" {
			continue
		}
		data, ext, err := u.fetchImage(ctx, part.ImageURL.URL)
		if err != nil {
			return fmt.Errorf("failed to read image part: %w", err)
		}
		res, err := u.uploadFile(ctx, scope.credential, randomFilename()+ext, data)
		if err != nil {
			return err
		}
		scope.sources = append(scope.sources, uploadedSource{
			SourceType:   "user_file",
			Filename:     res.Filename,
			UserFilename: res.UserFilename,
			SizeBytes:    len(data),
		})
	}
	return nil
}

func (u *uploader) fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	if strings.HasPrefix(url, "data:") {
		return decodeDataURL(url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create image request: %w", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("image download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image body: %w", err)
	}
	ext, ok := extByMIME[resp.Header.Get("Content-Type")]
	if !ok {
		ext = defaultImageExt
	}
	return data, ext, nil
}

// uploadFile sends the bytes as a multipart form file to the upstream file
// endpoint. A one-time nonce is requested first; nonce failures are ignored
// since its only observed effect is session warm-up.
func (u *uploader) uploadFile(ctx context.Context, credential, filename string, data []byte) (*uploadResult, error) {
	u.fetchNonce(ctx, credential)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write multipart payload: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/api/upload", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	setUpstreamCookie(req, credential)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &upstreamStatusError{
			status: resp.StatusCode,
			body:   string(respBody),
			op:     "file upload",
		}
	}

	var res uploadResult
	if err := decodeJSONBody(resp.Body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if res.Filename == "" {
		return nil, fmt.Errorf("upload response missing storage filename")
	}
	if res.UserFilename == "" {
		res.UserFilename = filename
	}
	return &res, nil
}

// fetchNonce asks the upstream asset service for a one-time upload nonce.
// Best-effort: failures are logged and otherwise ignored.
func (u *uploader) fetchNonce(ctx context.Context, credential string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+"/api/get_nonce", nil)
	if err != nil {
		return
	}
	setUpstreamCookie(req, credential)
	resp, err := u.client.Do(req)
	if err != nil {
		u.logger.Debug().Err(err).Msg("Nonce request failed, continuing without it")
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// encodeUploadText sanitizes the text to the upstream's accepted character
// set and encodes it as UTF-8 with a leading byte-order mark.
func encodeUploadText(text string) []byte {
	sanitized := sanitizeUploadText(text)
	out := make([]byte, 0, len(utf8BOM)+len(sanitized))
	out = append(out, utf8BOM...)
	return append(out, sanitized...)
}

// sanitizeUploadText replaces every rune outside the accepted set (printable
// ASCII, core CJK ideographs, CJK punctuation, newline, carriage return)
// with a single space, preserving rune count.
func sanitizeUploadText(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r':
			return r
		case r >= 0x20 && r <= 0x7E:
			return r
		case r >= 0x4E00 && r <= 0x9FFF:
			return r
		case r >= 0x3000 && r <= 0x303F:
			return r
		}
		return ' '
	}, text)
}

const filenameAlphabet = "abcdefghijklmnopqrstuvwxyz"

// randomFilename returns a short random lowercase name without extension.
func randomFilename() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// constant name rather than panicking mid-request.
		return "upload"
	}
	for i, b := range buf {
		buf[i] = filenameAlphabet[int(b)%len(filenameAlphabet)]
	}
	return string(buf)
}
