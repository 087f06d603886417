package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/quantbrew/ordercore/internal/models"
)

// APIError is a non-2xx answer from the broker HTTP surface.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Message)
}

// ClassifyError maps a failed broker call to the failure tag recorded on the
// order. Timeouts and transport problems are distinguished from outright
// rejections because the watcher treats them differently during
// reconciliation.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.TagBrokerTimeout
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.TagBrokerUnreachable
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// 5xx and 429 are transport-ish: the order may or may not exist at
		// the broker, but no id came back, so the record fails unreachable.
		if apiErr.Status >= 500 || apiErr.Status == 429 {
			return models.TagBrokerUnreachable
		}
		return models.TagBrokerRejected
	}
	if isTransportError(err) {
		return models.TagBrokerUnreachable
	}
	return models.TagBrokerRejected
}

// isTransportError detects network-level failures by message pattern, the
// same classification the retry path historically used.
func isTransportError(err error) bool {
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"no such host",
		"network",
		"dns",
		"tcp",
		"broken pipe",
		"eof",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// StatusTag maps a terminal broker order-book status to the local failure
// tag (BROKER_REJECTED, BROKER_CANCELLED, BROKER_EXPIRED). COMPLETE maps to
// the empty string because execution carries no failure tag.
func StatusTag(status string) string {
	switch status {
	case StatusRejected:
		return models.TagBrokerRejected
	case StatusCancelled:
		return models.TagBrokerCancelled
	case StatusExpired:
		return models.TagBrokerExpired
	}
	return ""
}
