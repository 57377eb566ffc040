package transport

import (
	"github.com/gin-gonic/gin"

	"github.com/cuemby/signond/internal/apperror"
)

// writeError renders an *apperror.Error as the client transport's
// structured fault body (§7 "every error is both a numeric code and a
// message"): HTTPStatus/ToResponse are defined once on apperror.Error so
// every handler surface maps errors identically.
func writeError(c *gin.Context, err *apperror.Error) {
	c.JSON(err.HTTPStatus(), gin.H{"error": err.ToResponse()})
}

// writeInternal wraps a non-taxonomy Go error (a binding failure, a
// context-canceled, ...) into the same fault shape.
func writeInternal(c *gin.Context, message string, err error) {
	writeError(c, apperror.Wrap(apperror.InternalServer, message, err))
}
