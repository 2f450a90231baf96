package controllers

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Interfaces"
	session "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Session"
)

// SessionService is the session manager as seen by HTTP
type SessionService interface {
	CreateOnClientSide(ctx context.Context, userID, sensorID string) (*session.ClientSession, error)
	CreateOnServerSide(ctx context.Context, userID, sensorID string, createdAt, endedAt time.Time) (*mqtmodels.Session, error)
	End(ctx context.Context, id string) (*mqtmodels.Session, error)
	Get(ctx context.Context, id string) (*mqtmodels.Session, error)
	List(ctx context.Context, filter interfaces.SessionFilter) ([]mqtmodels.Session, error)
	Open() []mqtmodels.Session
	Delete(ctx context.Context, id string) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	SessionData(ctx context.Context, id string) (iter.Seq2[mqtmodels.Reading, error], error)
}

// SessionController handles session lifecycle and session data requests
type SessionController struct {
	sessions SessionService
	logger   *logger.Logger
}

func NewSessionController(sessions SessionService, log *logger.Logger) *SessionController {
	return &SessionController{sessions: sessions, logger: log.WithComponent("sessions-api")}
}

// RegisterRoutes registers the session routes with Gin
func (c *SessionController) RegisterRoutes(router gin.IRouter) {
	sessions := router.Group("/sessions")
	{
		sessions.POST("/new", c.CreateOnClientSide)
		sessions.POST("/new/on/server", c.CreateOnServerSide)
		sessions.POST("/:id/end", c.End)

		sessions.GET("", c.List)
		sessions.GET("/open", c.Open)
		sessions.GET("/:id", c.Get)
		sessions.GET("/:id/data", c.Data)

		sessions.DELETE("/:id", c.Delete)
		sessions.DELETE("", c.DeleteAll)
	}
}

type CreateSessionRequest struct {
	IDUser   string `json:"idUser" binding:"required"`
	IDSensor string `json:"idSensor" binding:"required"`
}

// RecordSessionRequest accepts RFC 3339 or epoch timestamps
type RecordSessionRequest struct {
	IDUser    string              `json:"idUser" binding:"required"`
	IDSensor  string              `json:"idSensor" binding:"required"`
	CreatedAt mqtmodels.Timestamp `json:"createdAt"`
	EndedAt   mqtmodels.Timestamp `json:"endedAt"`
}

// pathID reads the :id parameter. A malformed id is answered with 400 here
// so it never reaches the uuid columns.
func pathID(ctx *gin.Context) (string, bool) {
	id, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		badRequest(ctx, "session id must be a uuid", "id.not.uuid")
		return "", false
	}
	return id.String(), true
}

// queryID reads an optional uuid query parameter
func queryID(ctx *gin.Context, name string) (string, bool) {
	raw := ctx.Query(name)
	if raw == "" {
		return "", true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(ctx, name+" must be a uuid", "id.not.uuid")
		return "", false
	}
	return id.String(), true
}

func (c *SessionController) CreateOnClientSide(ctx *gin.Context) {
	var req CreateSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, err.Error(), "body.invalid")
		return
	}

	cs, err := c.sessions.CreateOnClientSide(ctx.Request.Context(), req.IDUser, req.IDSensor)
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}
	ctx.JSON(http.StatusCreated, cs)
}

func (c *SessionController) CreateOnServerSide(ctx *gin.Context) {
	var req RecordSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, err.Error(), "body.invalid")
		return
	}
	if req.CreatedAt.IsZero() || req.EndedAt.IsZero() {
		badRequest(ctx, "createdAt and endedAt are required", "session.window.invalid")
		return
	}

	s, err := c.sessions.CreateOnServerSide(ctx.Request.Context(), req.IDUser, req.IDSensor, req.CreatedAt.Time, req.EndedAt.Time)
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}
	ctx.JSON(http.StatusCreated, s)
}

func (c *SessionController) End(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	s, err := c.sessions.End(ctx.Request.Context(), id)
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, s)
}

func (c *SessionController) List(ctx *gin.Context) {
	userID, ok := queryID(ctx, "idUser")
	if !ok {
		return
	}
	sensorID, ok := queryID(ctx, "idSensor")
	if !ok {
		return
	}
	filter := interfaces.SessionFilter{UserID: userID, SensorID: sensorID}
	sessions, err := c.sessions.List(ctx.Request.Context(), filter)
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, sessions)
}

func (c *SessionController) Open(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.sessions.Open())
}

func (c *SessionController) Get(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	s, err := c.sessions.Get(ctx.Request.Context(), id)
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, s)
}

// Data streams the readings of a session as one JSON array without
// holding them in memory.
func (c *SessionController) Data(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	seq, err := c.sessions.SessionData(ctx.Request.Context(), id)
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}

	next, stop := iter.Pull2(seq)
	defer stop()

	// an error on the first read can still become a proper status
	rd, err, ok := next()
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}

	ctx.Header("Content-Type", "application/json; charset=utf-8")
	ctx.Status(http.StatusOK)
	w := ctx.Writer
	enc := json.NewEncoder(w)

	_, _ = w.WriteString("[")
	count := 0
	for ok {
		if count > 0 {
			_, _ = w.WriteString(",")
		}
		if err := enc.Encode(rd); err != nil {
			c.logger.Warn().Err(err).Msg("client went away during session data stream")
			return
		}
		count++
		if count%500 == 0 {
			w.Flush()
		}

		rd, err, ok = next()
		if err != nil {
			// headers are gone; a truncated array tells the client
			c.logger.WithSession(id).Error().Err(err).Int("sent", count).Msg("session data stream aborted")
			return
		}
	}
	_, _ = w.WriteString("]")
}

func (c *SessionController) Delete(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	n, err := c.sessions.Delete(ctx.Request.Context(), id)
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"deletedRowsNumber": n})
}

func (c *SessionController) DeleteAll(ctx *gin.Context) {
	n, err := c.sessions.DeleteAll(ctx.Request.Context())
	if err != nil {
		respondError(ctx, c.logger, err)
		return
	}
	c.logger.Info().Int64("deleted_readings", n).Msg("all stored sessions deleted")
	ctx.Status(http.StatusNoContent)
}
