// Package provider holds the clients for the remote generation services and the
// error taxonomy their callers branch on.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransient marks failures worth retrying: network errors, 5xx, timeouts.
	ErrTransient = errors.New("transient provider error")
	// ErrContentPolicy marks requests refused by the provider's safety review.
	ErrContentPolicy = errors.New("content policy violation")
	// ErrRateLimited marks 429 responses and local throttling.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable marks any other provider failure.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrNotConfigured is returned when a provider has no credentials.
	ErrNotConfigured = errors.New("provider not configured")
)

const (
	TextUnavailable   = "服务暂不可用"
	TextRateLimited   = "请求太快了，请休息一下再问我吧"
	TextContentPolicy = "画图出现问题，可能是某些关键词或句子未通过安全审查"
)

// Error carries the HTTP status and provider message alongside a taxonomy kind.
type Error struct {
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode > 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Kind, e.StatusCode, e.Message)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// StatusError classifies an HTTP status into the taxonomy.
func StatusError(status int, message string) error {
	return &Error{Kind: kindForStatus(status), StatusCode: status, Message: message}
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500, status == http.StatusRequestTimeout:
		return ErrTransient
	default:
		return ErrUnavailable
	}
}

// Transient wraps a network-level error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrTransient, Err: err}
}

// FromTransport classifies an error returned by http.Client.Do.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(err)
}

// UserMessage maps err to the text shown to chat users.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrContentPolicy):
		return TextContentPolicy
	case errors.Is(err, ErrRateLimited):
		return TextRateLimited
	default:
		return TextUnavailable
	}
}
