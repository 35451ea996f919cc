package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"typerace/services"
)

var kindStatus = map[services.Kind]int{
	services.KindValidation: http.StatusBadRequest,
	services.KindConflict:   http.StatusConflict,
	services.KindNotFound:   http.StatusNotFound,
	services.KindTransient:  http.StatusServiceUnavailable,
	services.KindInternal:   http.StatusInternalServerError,
}

// respondError writes err in the shape every endpoint shares.
func respondError(c *gin.Context, err error) {
	kind := services.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{
		"success":   false,
		"error":     err.Error(),
		"kind":      kind,
		"retryable": services.IsRetryable(err),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"success":   false,
		"error":     msg,
		"kind":      services.KindValidation,
		"retryable": false,
	})
}

// roundParam reads the :round path parameter.
func roundParam(c *gin.Context) (int, bool) {
	r, err := strconv.Atoi(c.Param("round"))
	if err != nil || r < 1 {
		badRequest(c, "round must be a positive integer")
		return 0, false
	}
	return r, true
}
