package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/logger"
)

func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindUnauthenticated:
		return http.StatusUnauthorized
	case core.KindConflict:
		return http.StatusConflict
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError aborts with the public form of err. Details stay in the log.
func writeError(c *gin.Context, err error) {
	kind := core.KindOf(err)
	var rl *core.RateLimitError
	if errors.As(err, &rl) {
		c.Header("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
	}
	if kind == core.KindInternal || kind == core.KindUpstream {
		logger.From(c.Request.Context(), nil).Error("request failed", logger.Err(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(kind), gin.H{"error": core.PublicMessage(err)})
}

func badRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}
