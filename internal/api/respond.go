package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
)

func statusForKind(kind apperrors.ErrorKind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindAuthentication:
		return http.StatusUnauthorized
	case apperrors.KindAuthorization:
		return http.StatusForbidden
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindRateLimited:
		return http.StatusTooManyRequests
	case apperrors.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError maps a classified error onto its HTTP status. Unknown
// error types collapse to an opaque 500 so internals never leak.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body := gin.H{"error": appErr.Message, "kind": string(appErr.Kind)}
		if len(appErr.Fields) > 0 {
			body["fields"] = appErr.Fields
		}
		c.JSON(statusForKind(appErr.Kind), body)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "internal error",
		"kind":  string(apperrors.KindInternal),
	})
}

func abortError(c *gin.Context, err error) {
	respondError(c, err)
	c.Abort()
}

func badRequest(c *gin.Context, message string) {
	respondError(c, apperrors.Validation(message))
}
