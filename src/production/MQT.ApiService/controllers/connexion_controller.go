package controllers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	dispatcher "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Dispatcher"
	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

// Pinger checks whether a sensor is reachable
type Pinger interface {
	PingSensor(ctx context.Context, name string) (dispatcher.Status, error)
}

// ConnexionController answers liveness questions about sensors
type ConnexionController struct {
	pinger Pinger
	logger *logger.Logger
}

func NewConnexionController(pinger Pinger, log *logger.Logger) *ConnexionController {
	return &ConnexionController{pinger: pinger, logger: log.WithComponent("connexion")}
}

func (c *ConnexionController) RegisterRoutes(router gin.IRouter) {
	router.GET("/connexion/online/:sensorName", c.Online)
}

// Online pings the sensor and waits for its answer or the ping deadline
func (c *ConnexionController) Online(ctx *gin.Context) {
	name := strings.TrimSpace(ctx.Param("sensorName"))
	if name == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"message": "Invalid sensor name"})
		return
	}

	status, err := c.pinger.PingSensor(ctx.Request.Context(), name)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"message": status})
	case errors.Is(err, mqtmodels.ErrSensorNotFound):
		ctx.JSON(http.StatusBadRequest, gin.H{"message": "Invalid sensor name"})
	case errors.Is(err, mqtmodels.ErrRequestInFlight):
		ctx.JSON(http.StatusConflict, gin.H{"message": "ping already in flight"})
	default:
		c.logger.Error().Err(err).Str("sensor", name).Msg("ping failed")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": unexpectedError})
	}
}
