package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

type TriggerRequest struct {
	Event    string            `json:"event" binding:"required"`
	ClientID string            `json:"client_id" binding:"required"`
	Facts    map[string]string `json:"facts"`
}

// PostTrigger is the trigger-intake endpoint: domain logic (meal tracking,
// check-ins) posts events here to start enrollments.
func PostTrigger(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body TriggerRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			HandleError(c, app.Logger(), err, 400, "Invalid JSON")
			return
		}

		if err := app.Runner().OnTriggerEvent(c.Request.Context(), body.Event, body.ClientID, body.Facts); err != nil {
			HandleError(c, app.Logger(), err, 500, "Failed to process trigger")
			return
		}

		HandleSuccess(c, app.Logger(), nil, map[string]any{"event": body.Event, "client_id": body.ClientID})
	}
}

func GetEnrollments(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		sequenceID := c.Query("sequence_id")
		if sequenceID == "" {
			HandleError(c, app.Logger(), errors.New("sequence_id query parameter required"), 400, "Invalid request")
			return
		}

		enrollments, err := app.Enrollments().ListActiveBySequence(c.Request.Context(), sequenceID)
		if err != nil {
			HandleError(c, app.Logger(), err, 500, "Failed to fetch enrollments")
			return
		}

		HandleSuccess(c, app.Logger(), enrollments, map[string]any{"count": len(enrollments)})
	}
}

// DeleteEnrollment unenrolls a client explicitly; the enrollment is cancelled,
// not removed.
func DeleteEnrollment(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		e, err := app.Enrollments().GetEnrollment(ctx, c.Param("id"))
		if err != nil {
			HandleError(c, app.Logger(), err, statusFor(err), "Failed to fetch enrollment")
			return
		}

		if e.Status == internal.EnrollmentActive {
			e.Status = internal.EnrollmentCancelled
			e.FailureReason = "unenrolled by coach"
			if err := app.Enrollments().UpdateEnrollment(ctx, e); err != nil {
				HandleError(c, app.Logger(), err, 500, "Failed to cancel enrollment")
				return
			}
		}

		HandleSuccess(c, app.Logger(), e, nil)
	}
}
