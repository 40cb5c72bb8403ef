package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/response"
)

func HandleError(c *gin.Context, logger internal.Logger, err error, status int, msg string) {
	requestID := c.GetString("request_id")
	logger.Errorf("[request_id=%s] %s: %v", requestID, msg, err)
	var resp response.APIResponse
	switch status {
	case 400:
		resp = response.BadRequest(msg + ": " + err.Error())
	case 404:
		resp = response.NotFound(msg + ": " + err.Error())
	case 409:
		resp = response.Conflict(msg + ": " + err.Error())
	case 500:
		resp = response.InternalError(msg + ": " + err.Error())
	default:
		resp = response.NewAppError(status, msg+": "+err.Error())
	}
	c.JSON(status, resp)
}

func HandleSuccess(c *gin.Context, logger internal.Logger, data interface{}, meta map[string]any) {
	requestID := c.GetString("request_id")
	logger.Infof("[request_id=%s] Success", requestID)
	c.JSON(200, response.Success(data, meta))
}

// statusFor maps repository and validation errors onto HTTP statuses.
func statusFor(err error) int {
	var verr *internal.ValidationError
	switch {
	case errors.Is(err, internal.ErrNotFound):
		return 404
	case errors.Is(err, internal.ErrAlreadyEnrolled):
		return 409
	case errors.As(err, &verr):
		return 400
	default:
		return 500
	}
}
