package httpstages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBytes caps response bodies when the plan sets no max_bytes.
const DefaultMaxBytes = 1 << 20

// errTooLarge is returned when a body exceeds the configured cap.
var errTooLarge = errors.New("response body too large")

// get performs a GET to url and returns the body and its content type.
// Non-2xx responses are errors.
func get(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("get %q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("get %q: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("get %q: read body: %w", url, err)
	}
	if int64(len(body)) > maxBytes {
		return nil, "", fmt.Errorf("get %q: %w (limit %d bytes)", url, errTooLarge, maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
