package api

import (
	"net/http"
	"strings"

	"giftcard-service/internal/apperr"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindChainUnavailable:
		return http.StatusBadGateway
	case apperr.KindOnChainRejected:
		return http.StatusUnprocessableEntity
	case apperr.KindReservationConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorBody renders err as {error, code, kind, retryable}. code is the
// narrowed code when one is set, else the kind.
func errorBody(err error) gin.H {
	kind := apperr.KindOf(err)
	code := apperr.CodeOf(err)
	if code == "" {
		code = string(kind)
	}
	return gin.H{
		"error":     err.Error(),
		"code":      strings.ToUpper(code),
		"kind":      kind,
		"retryable": apperr.IsRetryable(err),
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(apperr.KindOf(err))
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, errorBody(err))
}

func badRequest(c *gin.Context, msg string, err error) {
	body := gin.H{
		"error":     msg,
		"code":      "INVALID_REQUEST",
		"kind":      apperr.KindValidation,
		"retryable": false,
	}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}
