package server

import (
	"net/http"
	"time"
)

// HTTPClient is an interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// newHTTPClient creates the bounded client used for non-streaming upstream
// calls and asset uploads.
func newHTTPClient() HTTPClient {
	return &http.Client{
		Timeout: 60 * time.Second,
	}
}

// newStreamingHTTPClient creates the client for streaming relays. No
// application-level deadline: token arrival cadence is unpredictable, so the
// transport's idle/connection timeouts govern instead.
func newStreamingHTTPClient() HTTPClient {
	return &http.Client{}
}
