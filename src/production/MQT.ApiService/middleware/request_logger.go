package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
)

// RequestIDHeader is echoed back, or generated when the client sent none
const RequestIDHeader = "X-Request-ID"

// RequestLogger logs one line per request through zerolog
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	l := log.WithComponent("http")

	return func(ctx *gin.Context) {
		start := time.Now()

		id := ctx.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Header(RequestIDHeader, id)

		ctx.Next()

		status := ctx.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		default:
			ev = l.Debug()
		}
		if len(ctx.Errors) > 0 {
			ev = ev.Str("errors", ctx.Errors.String())
		}

		path := ctx.FullPath()
		if path == "" {
			path = ctx.Request.URL.Path
		}
		ev.Str("request_id", id).
			Str("method", ctx.Request.Method).
			Str("path", path).
			Int("status", status).
			Int("bytes", ctx.Writer.Size()).
			Dur("latency", time.Since(start)).
			Str("client_ip", ctx.ClientIP()).
			Msg("request")
	}
}
