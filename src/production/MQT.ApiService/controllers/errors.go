package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

const unexpectedError = "unexpected error"

type apiError struct {
	status int
	code   string
}

// known maps domain errors to a status and a stable error code
var known = []struct {
	err error
	apiError
}{
	{mqtmodels.ErrInvalidID, apiError{http.StatusBadRequest, "id.not.uuid"}},
	{mqtmodels.ErrInvalidWindow, apiError{http.StatusBadRequest, "session.window.invalid"}},
	{mqtmodels.ErrSensorNotFound, apiError{http.StatusNotFound, "sensor.not.found"}},
	{mqtmodels.ErrSessionNotFound, apiError{http.StatusNotFound, "session.not.found"}},
	{mqtmodels.ErrSessionAlreadyOpen, apiError{http.StatusConflict, "session.already.open"}},
	{mqtmodels.ErrRequestInFlight, apiError{http.StatusConflict, "request.in.flight"}},
	{mqtmodels.ErrSensorExists, apiError{http.StatusConflict, "sensor.exists"}},
	{mqtmodels.ErrTransportUnavailable, apiError{http.StatusServiceUnavailable, "broker.unavailable"}},
}

func classify(err error) (apiError, bool) {
	for _, k := range known {
		if errors.Is(err, k.err) {
			return k.apiError, true
		}
	}
	return apiError{}, false
}

// respondError writes the response for err. Unknown errors are logged and
// never leak to the client.
func respondError(ctx *gin.Context, log *logger.Logger, err error) {
	if e, ok := classify(err); ok {
		ctx.JSON(e.status, gin.H{"error": err.Error(), "code": e.code})
		return
	}
	log.Error().Err(err).Str("method", ctx.Request.Method).Str("path", ctx.FullPath()).Msg("request failed")
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": unexpectedError})
}

func badRequest(ctx *gin.Context, msg, code string) {
	ctx.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": code})
}
