package api

import (
	"errors"
	"net/http"

	"campus-store/internal/models"
	"campus-store/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusForCode(code service.ErrorCode) int {
	switch code {
	case service.CodeValidation:
		return http.StatusBadRequest
	case service.CodeProductNotFound:
		return http.StatusNotFound
	case service.CodeOutOfStock:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders {error, code, ...context}. Internal details are logged,
// never returned.
func (h *Handler) writeError(c *gin.Context, err error) {
	var oe *service.OrderError
	switch {
	case errors.As(err, &oe):
		body := gin.H{
			"error":     oe.Message,
			"code":      oe.Code,
			"retryable": oe.Retryable(),
		}
		if oe.ItemID != "" {
			body["itemId"] = oe.ItemID
		}
		if oe.Available != nil {
			body["available"] = *oe.Available
		}
		c.JSON(statusForCode(oe.Code), body)

	case errors.Is(err, service.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found", "code": "NOT_FOUND"})

	case errors.Is(err, service.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not found", "code": "NOT_FOUND"})

	case errors.Is(err, models.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": service.CodeValidation})

	default:
		h.logger.Error("Unhandled request error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "Internal server error",
			"code":      service.CodeInternal,
			"retryable": true,
		})
	}
}

func validationError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":     message,
		"code":      service.CodeValidation,
		"retryable": false,
	})
}
