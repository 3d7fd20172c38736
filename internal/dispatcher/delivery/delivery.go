// Package delivery sends change notifications to downstream targets.
//
// A target is a URL. http and https targets receive a JSON POST, kafka://topic
// targets receive a produced record. Mux picks the transport by scheme.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Request is the body every target receives.
type Request struct {
	RecordID     int64           `json:"record_id"`
	Category     string          `json:"category"`
	ChangedValue json.RawMessage `json:"changed_value"`
}

// Result describes a successful delivery.
type Result struct {
	StatusCode int
	Message    string
}

// Deliverer sends one request to one target.
type Deliverer interface {
	Deliver(ctx context.Context, target string, req Request) (Result, error)
}

// maxMessageLen bounds the response text kept for the processing log.
const maxMessageLen = 512

// Failure is a delivery that did not succeed: a non-2xx response, a network
// error or a timeout. StatusCode is zero when no response was received.
type Failure struct {
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (f *Failure) Error() string {
	switch {
	case f.StatusCode != 0:
		return fmt.Sprintf("delivery failed with status %d: %s", f.StatusCode, f.Message)
	case f.Err != nil:
		return "delivery failed: " + f.Err.Error()
	default:
		return "delivery failed: " + f.Message
	}
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// IsRetryable reports whether err is a failure worth trying again.
func IsRetryable(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Retryable
	}
	return false
}

// Describe extracts the status code and message recorded for err.
func Describe(err error) (int, string) {
	var f *Failure
	if errors.As(err, &f) {
		msg := f.Message
		if msg == "" && f.Err != nil {
			msg = f.Err.Error()
		}
		return f.StatusCode, CleanMessage(msg)
	}
	return 0, CleanMessage(err.Error())
}

// CleanMessage makes response text storable in a TEXT column: invalid UTF-8
// becomes U+FFFD, NUL bytes are dropped and the result is cut to at most
// maxMessageLen bytes on a rune boundary.
func CleanMessage(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) <= maxMessageLen {
		return s
	}
	cut := maxMessageLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func encode(req Request) ([]byte, error) {
	if req.ChangedValue == nil {
		req.ChangedValue = json.RawMessage("null")
	}
	return json.Marshal(req)
}
