package errs

import (
	"errors"

	"github.com/gin-gonic/gin"
)

// Respond writes err as the standard {"error", "message"} JSON body.
// Validation errors also carry the offending field. Messages of internal
// and storage errors are not exposed.
func Respond(c *gin.Context, err error) {
	status, code := HTTPStatus(err)
	body := gin.H{"error": code}

	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		body["message"] = ve.Message
		if ve.Field != "" {
			body["field"] = ve.Field
		}
	case code == "internal_error":
		body["message"] = "Internal error"
	case code == "storage_unavailable":
		body["message"] = "Storage temporarily unavailable, retry with the same idempotency key"
	default:
		body["message"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}
