package controllers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	cache "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Cache"
	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Interfaces"
)

// SensorTracker starts listening to a newly created sensor
type SensorTracker interface {
	Track(ctx context.Context, s mqtmodels.Sensor)
}

// LastValueReader reads the last-value cache
type LastValueReader interface {
	Get(ctx context.Context, sensorID string) (*mqtmodels.Reading, error)
}

// SensorController handles sensor directory administration
type SensorController struct {
	sensors interfaces.SensorRepository
	tracker SensorTracker
	last    LastValueReader
	logger  *logger.Logger
}

// NewSensorController creates a new sensor controller. last may be nil when
// the cache is disabled.
func NewSensorController(sensors interfaces.SensorRepository, tracker SensorTracker, last LastValueReader, log *logger.Logger) *SensorController {
	return &SensorController{
		sensors: sensors,
		tracker: tracker,
		last:    last,
		logger:  log.WithComponent("sensors-api"),
	}
}

// RegisterRoutes registers the sensor routes with Gin
func (c *SensorController) RegisterRoutes(router gin.IRouter) {
	sensors := router.Group("/sensors")
	{
		sensors.POST("", c.CreateSensor)
		sensors.GET("", c.ListSensors)
		sensors.GET("/:name", c.GetSensor)
		sensors.GET("/:name/last", c.LastReading)
	}
}

type CreateSensorRequest struct {
	Name  string `json:"name" binding:"required"`
	Topic string `json:"topic" binding:"required"`
}

func validTopic(topic string) bool {
	return topic != "" &&
		!strings.ContainsAny(topic, "+#\x00") &&
		!strings.HasPrefix(topic, "$") &&
		strings.TrimSpace(topic) == topic
}

func (c *SensorController) CreateSensor(ctx *gin.Context) {
	var req CreateSensorRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, err.Error(), "body.invalid")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(ctx, "name must not be blank", "sensor.name.invalid")
		return
	}
	if !validTopic(req.Topic) {
		badRequest(ctx, "topic must be a plain topic without wildcards", "sensor.topic.invalid")
		return
	}

	now := time.Now().UTC()
	sensor := mqtmodels.Sensor{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Topic:     req.Topic,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.sensors.CreateSensor(ctx.Request.Context(), &sensor); err != nil {
		respondError(ctx, c.logger, err)
		return
	}

	c.tracker.Track(ctx.Request.Context(), sensor)
	c.logger.WithSensor(sensor.ID).Info().Str("name", sensor.Name).Str("topic", sensor.Topic).Msg("sensor created")
	ctx.JSON(http.StatusCreated, sensor)
}

func (c *SensorController) ListSensors(ctx *gin.Context) {
	sensors, err := c.sensors.ListSensors(ctx.Request.Context())
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, sensors)
}

func (c *SensorController) GetSensor(ctx *gin.Context) {
	sensor, err := c.sensors.GetSensorByName(ctx.Request.Context(), ctx.Param("name"))
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, sensor)
}

func (c *SensorController) LastReading(ctx *gin.Context) {
	if c.last == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "last-value cache is disabled", "code": "cache.disabled"})
		return
	}

	sensor, err := c.sensors.GetSensorByName(ctx.Request.Context(), ctx.Param("name"))
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}

	rd, err := c.last.Get(ctx.Request.Context(), sensor.ID)
	if errors.Is(err, cache.ErrMiss) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "no recent reading", "code": "reading.not.found"})
		return
	}
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, rd)
}
