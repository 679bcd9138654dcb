package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"dismissal/internal/dismissal"
)

// writeError maps service errors to status codes. Unexpected errors are
// logged and reported without detail.
func (h *handler) writeError(c *gin.Context, err error) {
	var field *dismissal.ValidationError
	switch {
	case errors.As(err, &field):
		c.JSON(http.StatusBadRequest, gin.H{"error": field.Error(), "field": field.Field})
	case errors.Is(err, dismissal.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, dismissal.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, dismissal.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid transition", "detail": err.Error()})
	case errors.Is(err, dismissal.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, dismissal.ErrSessionPaused):
		c.JSON(http.StatusLocked, gin.H{"error": err.Error()})
	case errors.Is(err, dismissal.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
	default:
		h.Log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// bindError reports a malformed or invalid request body.
func bindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
