package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	nonceCalls   int
	uploads      []uploadCapture
	failUploads  bool
	uploadStatus int
}

type uploadCapture struct {
	filename string
	data     []byte
	cookie   string
}

func (f *fakeUpstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/get_nonce", func(w http.ResponseWriter, r *http.Request) {
		f.nonceCalls++
		io.WriteString(w, "nonce-ok")
	})
	mux.HandleFunc("/api/upload", func(w http.ResponseWriter, r *http.Request) {
		if f.failUploads {
			status := f.uploadStatus
			if status == 0 {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, "upload rejected", status)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		cookie := ""
		if c, err := r.Cookie("DS"); err == nil {
			cookie = c.Value
		}
		f.uploads = append(f.uploads, uploadCapture{
			filename: header.Filename,
			data:     data,
			cookie:   cookie,
		})
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"filename":"stored-abc123.txt","user_filename":"notes.txt"}`)
	})
	return mux
}

func newTestUploader(t *testing.T, fake *fakeUpstream) (*uploader, func()) {
	t.Helper()
	ts := httptest.NewServer(fake.handler())
	u := &uploader{
		client:  ts.Client(),
		baseURL: ts.URL,
		logger:  zerolog.Nop(),
	}
	return u, ts.Close
}

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "word"
	}
	return strings.Join(parts, " ")
}

func TestMaybeOffload_ThresholdBoundary(t *testing.T) {
	fake := &fakeUpstream{}
	u, closeFn := newTestUploader(t, fake)
	defer closeFn()

	const threshold = 30

	t.Run("one below threshold passes through", func(t *testing.T) {
		scope := newRequestScope("gpt-4o", "cred")
		text := words(threshold - 1)
		out, err := u.maybeOffload(context.Background(), scope, text, threshold)
		require.NoError(t, err)
		assert.Equal(t, text, out)
		assert.Empty(t, scope.sources)
		assert.Empty(t, fake.uploads)
	})

	t.Run("exactly at threshold offloads", func(t *testing.T) {
		scope := newRequestScope("gpt-4o", "cred")
		out, err := u.maybeOffload(context.Background(), scope, words(threshold), threshold)
		require.NoError(t, err)
		// Back-reference names the user-facing filename, extension stripped.
		assert.Contains(t, out, "notes")
		assert.NotContains(t, out, "notes.txt")
		require.Len(t, scope.sources, 1)
		assert.Equal(t, "user_file", scope.sources[0].SourceType)
		assert.Equal(t, "stored-abc123.txt", scope.sources[0].Filename)
		assert.Equal(t, "notes.txt", scope.sources[0].UserFilename)
		require.Len(t, fake.uploads, 1)
		assert.Equal(t, "cred", fake.uploads[0].cookie)
		assert.Equal(t, 1, fake.nonceCalls)
	})
}

func TestMaybeOffload_UploadedBytes(t *testing.T) {
	fake := &fakeUpstream{}
	u, closeFn := newTestUploader(t, fake)
	defer closeFn()

	scope := newRequestScope("gpt-4o", "cred")
	text := words(30) + " é你好" // accented char sanitized, CJK kept
	_, err := u.maybeOffload(context.Background(), scope, text, 30)
	require.NoError(t, err)

	require.Len(t, fake.uploads, 1)
	data := fake.uploads[0].data
	require.True(t, bytes.HasPrefix(data, utf8BOM), "uploaded file must start with a UTF-8 BOM")
	body := string(data[len(utf8BOM):])
	assert.NotContains(t, body, "é")
	assert.Contains(t, body, "你好")
	assert.True(t, strings.HasSuffix(fake.uploads[0].filename, ".txt"))
	assert.Equal(t, scope.sources[0].SizeBytes, len(data))
}

func TestMaybeOffload_UploadFailureIsFatal(t *testing.T) {
	fake := &fakeUpstream{failUploads: true, uploadStatus: http.StatusForbidden}
	u, closeFn := newTestUploader(t, fake)
	defer closeFn()

	scope := newRequestScope("gpt-4o", "cred")
	_, err := u.maybeOffload(context.Background(), scope, words(40), 30)
	require.Error(t, err)
	var statusErr *upstreamStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.status)
}

func TestUploadImages_DataURL(t *testing.T) {
	fake := &fakeUpstream{}
	u, closeFn := newTestUploader(t, fake)
	defer closeFn()

	payload := []byte("fake-png-bytes")
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)
	content := MessageContent{Parts: []ContentPart{
		textPart("look at this"),
		imagePart(dataURL),
	}}

	scope := newRequestScope("gpt-4o", "cred")
	require.NoError(t, u.uploadImages(context.Background(), scope, content))

	require.Len(t, fake.uploads, 1)
	assert.Equal(t, payload, fake.uploads[0].data)
	assert.True(t, strings.HasSuffix(fake.uploads[0].filename, ".png"))
	require.Len(t, scope.sources, 1)
	assert.Equal(t, len(payload), scope.sources[0].SizeBytes)
}

func TestSanitizeUploadText(t *testing.T) {
	in := "abc\n 中文。ü\tz"
	out := sanitizeUploadText(in)
	// Rune count preserved; disallowed runes become single spaces.
	assert.Equal(t, len([]rune(in)), len([]rune(out)))
	assert.Equal(t, "abc\n 中文。  z", out)
}

func TestBackReference(t *testing.T) {
	ref := backReference("report.txt")
	assert.Contains(t, ref, "report")
	assert.NotContains(t, ref, "report.txt")
}
