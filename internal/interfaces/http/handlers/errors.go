package handlers

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/modelgate/modelgate/internal/application/dispatch"
	"github.com/modelgate/modelgate/pkg/errors"
)

// statusFor maps the error taxonomy to HTTP status codes. Exhausted attempt
// sequences are 502; a pre-attempt availability failure is 503.
func statusFor(err error) int {
	var exhausted *dispatch.AllAttemptsFailed
	if stderrors.As(err, &exhausted) {
		return http.StatusBadGateway
	}
	switch errors.KindOf(err) {
	case errors.KindValidation, errors.KindCommand:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindTranslation:
		return http.StatusUnprocessableEntity
	case errors.KindAuth:
		return http.StatusUnauthorized
	case errors.KindRateLimit:
		return http.StatusTooManyRequests
	case errors.KindUpstreamTransient:
		return http.StatusServiceUnavailable
	case errors.KindUpstreamClient, errors.KindUpstreamProtocol:
		return http.StatusBadGateway
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteError emits the uniform {"error":{message,type,details}} body plus a
// Retry-After header for throttle errors.
func WriteError(c *gin.Context, err error) {
	status := statusFor(err)

	details := gin.H{}
	if pe, ok := errors.As(err); ok {
		if pe.Backend != "" {
			details["backend"] = pe.Backend
		}
		if pe.Model != "" {
			details["model"] = pe.Model
		}
		if pe.RetryAfter > 0 {
			secs := int(pe.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
		}
	}

	errType := errors.WireType(err)
	var exhausted *dispatch.AllAttemptsFailed
	if stderrors.As(err, &exhausted) {
		errType = "upstream_unavailable"
		details["attempts"] = exhausted.Attempts
	}

	body := gin.H{
		"message": err.Error(),
		"type":    errType,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}
