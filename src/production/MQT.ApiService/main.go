package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.ApiService/controllers"
	"gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.ApiService/middleware"
	container "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Container"
	"golang.org/x/sync/errgroup"
)

const brokerRetry = 5 * time.Second

func main() {
	// Initialize dependency injection container
	ctr, err := container.NewContainer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize container: %v\n", err)
		os.Exit(1)
	}
	defer ctr.Shutdown(context.Background())

	logger := ctr.GetLogger()
	config := ctr.GetConfig()
	logger.Info().Str("reading_store", config.Store.ReadingBackend).Msg("Starting sensor gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := ctr.InitializeDatabase(initCtx); err != nil {
		logger.FatalWithError(err, "Failed to initialize database")
	}

	svc, err := ctr.Build(initCtx)
	if err != nil {
		logger.FatalWithError(err, "Failed to build services")
	}

	if config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())

	// Configure CORS from config
	corsConfig := cors.Config{
		AllowOrigins:     config.CORS.AllowedOrigins,
		AllowMethods:     config.CORS.AllowedMethods,
		AllowHeaders:     config.CORS.AllowedHeaders,
		ExposeHeaders:    config.CORS.ExposedHeaders,
		AllowCredentials: config.CORS.AllowCredentials,
		MaxAge:           time.Duration(config.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	controllers.NewHealthController(svc.Health, ctr.GetRegistry()).RegisterRoutes(router)

	api := router.Group(config.Server.BasePath)
	controllers.NewConnexionController(svc.Dispatcher, logger).RegisterRoutes(api)
	controllers.NewSessionController(svc.Sessions, logger).RegisterRoutes(api)

	var last controllers.LastValueReader
	if svc.LastValues != nil {
		last = svc.LastValues
	}
	controllers.NewSensorController(svc.Sensors, svc.Ingestor, last, logger).RegisterRoutes(api)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         ":" + config.Server.Port,
		Handler:      router,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Broker.ConnectWithRetry(gctx, brokerRetry)
	})
	g.Go(func() error {
		svc.Correlator.Run(gctx)
		return nil
	})
	g.Go(func() error {
		svc.Sessions.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return svc.Ingestor.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("port", config.Server.Port).Str("base_path", config.Server.BasePath).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down...")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorWithError(err, "Server forced to shutdown")
		}
		return nil
	})

	logger.Info().Msg("Sensor gateway running... press Ctrl+C to stop")
	if err := g.Wait(); err != nil {
		logger.ErrorWithError(err, "Sensor gateway stopped with error")
	}
}
