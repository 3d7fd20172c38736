package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// HTTP posts requests as JSON.
type HTTP struct {
	client *http.Client
}

// NewHTTP returns an HTTP transport. A positive timeout applies to clients
// that have none of their own; the caller's client is copied, not modified.
func NewHTTP(client *http.Client, timeout time.Duration) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	if timeout > 0 && client.Timeout == 0 {
		withTimeout := *client
		withTimeout.Timeout = timeout
		client = &withTimeout
	}
	return &HTTP{client: client}
}

func (h *HTTP) Deliver(ctx context.Context, target string, req Request) (Result, error) {
	body, err := encode(req)
	if err != nil {
		return Result{}, &Failure{Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Failure{Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "changehub-dispatcher")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		msg := "network error"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "timeout"
		}
		return Result{}, &Failure{Message: msg, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxMessageLen))
	_, _ = io.Copy(io.Discard, resp.Body)
	text := CleanMessage(string(raw))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &Failure{
			StatusCode: resp.StatusCode,
			Message:    text,
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	return Result{StatusCode: resp.StatusCode, Message: text}, nil
}
