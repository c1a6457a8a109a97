package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/modelgate/modelgate/pkg/errors"
)

// upstreamErrorBody is the common error envelope OpenAI-style APIs return.
type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// UpstreamMessage extracts a human-readable message from an upstream error
// body, falling back to a status line.
func UpstreamMessage(status int, body []byte) string {
	var parsed upstreamErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	const max = 256
	trimmed := string(body)
	if len(trimmed) > max {
		trimmed = trimmed[:max]
	}
	if trimmed == "" {
		return fmt.Sprintf("upstream returned status %d", status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", status, trimmed)
}

// MapHTTPError classifies a non-2xx upstream response into the error
// taxonomy that drives failover decisions.
func MapHTTPError(backend, model, keyName string, resp *http.Response, body []byte) error {
	msg := UpstreamMessage(resp.StatusCode, body)

	base := func(kind apperrors.Kind) *apperrors.Error {
		return &apperrors.Error{
			Kind:    kind,
			Message: msg,
			Backend: backend,
			Model:   model,
			KeyName: keyName,
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return base(apperrors.KindAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := base(apperrors.KindRateLimit)
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return e
	case resp.StatusCode >= 500:
		return base(apperrors.KindUpstreamTransient)
	default:
		return base(apperrors.KindUpstreamClient)
	}
}

// MapTransportError classifies network-level failures. Timeouts and
// connection errors are transient and failover-eligible.
func MapTransportError(backend, model, keyName string, err error) error {
	var netErr net.Error
	kind := apperrors.KindUpstreamTransient
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = apperrors.KindTimeout
	}
	return &apperrors.Error{
		Kind:    kind,
		Message: "upstream request failed",
		Backend: backend,
		Model:   model,
		KeyName: keyName,
		Err:     err,
	}
}

// ProtocolError reports a 2xx response whose body could not be decoded.
func ProtocolError(backend, model, keyName string, err error) error {
	return &apperrors.Error{
		Kind:    apperrors.KindUpstreamProtocol,
		Message: "upstream response could not be decoded",
		Backend: backend,
		Model:   model,
		KeyName: keyName,
		Err:     err,
	}
}

// parseRetryAfter handles both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
