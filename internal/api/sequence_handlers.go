package api

import (
	"github.com/gin-gonic/gin"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/service"
)

func PostSequence(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		coach := c.MustGet("user").(*internal.User)

		var body service.SequenceRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			HandleError(c, app.Logger(), err, 400, "Invalid JSON")
			return
		}

		if err := service.ValidateSequenceRequest(&body); err != nil {
			HandleError(c, app.Logger(), err, 400, "Validation failed")
			return
		}

		seq, err := service.CreateSequence(c.Request.Context(), app.Sequences(), coach, &body)
		if err != nil {
			HandleError(c, app.Logger(), err, statusFor(err), "Failed to save sequence")
			return
		}

		HandleSuccess(c, app.Logger(), seq, nil)
	}
}

func GetSequences(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		coach := c.MustGet("user").(*internal.User)

		sequences, err := app.Sequences().ListSequences(c.Request.Context(), coach.ID)
		if err != nil {
			HandleError(c, app.Logger(), err, 500, "Failed to fetch sequences")
			return
		}

		HandleSuccess(c, app.Logger(), sequences, map[string]any{"count": len(sequences)})
	}
}

func GetSequence(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		seq, err := app.Sequences().GetSequence(c.Request.Context(), c.Param("id"))
		if err != nil {
			HandleError(c, app.Logger(), err, statusFor(err), "Failed to fetch sequence")
			return
		}

		HandleSuccess(c, app.Logger(), seq, nil)
	}
}

func PutSequence(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body service.SequenceRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			HandleError(c, app.Logger(), err, 400, "Invalid JSON")
			return
		}

		if err := service.ValidateSequenceRequest(&body); err != nil {
			HandleError(c, app.Logger(), err, 400, "Validation failed")
			return
		}

		seq, err := service.UpdateSequence(c.Request.Context(), app.Sequences(), c.Param("id"), &body)
		if err != nil {
			HandleError(c, app.Logger(), err, statusFor(err), "Failed to update sequence")
			return
		}

		HandleSuccess(c, app.Logger(), seq, nil)
	}
}

func DeleteSequence(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := app.Sequences().DeleteSequence(c.Request.Context(), c.Param("id")); err != nil {
			HandleError(c, app.Logger(), err, statusFor(err), "Failed to delete sequence")
			return
		}

		HandleSuccess(c, app.Logger(), nil, map[string]any{"deleted": true})
	}
}

// PostSequenceActive activates or deactivates a sequence. Deactivation blocks
// new enrollments; in-flight ones drain unless the runner is configured to
// cancel them.
func PostSequenceActive(app App, active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		seq, err := service.SetSequenceActive(c.Request.Context(), app.Sequences(), c.Param("id"), active)
		if err != nil {
			HandleError(c, app.Logger(), err, statusFor(err), "Failed to update sequence")
			return
		}

		HandleSuccess(c, app.Logger(), seq, nil)
	}
}
