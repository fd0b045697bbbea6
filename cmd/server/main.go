package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/api"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/config"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/notifier"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/services"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/store"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/valuesource"
)

// @title Alarm Monitor API
// @version 1.0
// @description API for managing threshold alarm rules, active alerts and alert history
// @BasePath /alarmApi

func main() {
	// Configure Log Level from Environment Variable
	logLevelStr := os.Getenv("LOG_LEVEL")
	switch strings.ToLower(logLevelStr) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel) // Default to Info
	}
	logrus.Infof("Log level set to: %s", logrus.GetLevel().String())

	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Rules, alerts and history live in the relational store
	db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logrus.Fatalf("Failed to open store: %v", err)
	}

	source := valuesource.NewRedisSource(cfg.Redis)
	broadcaster := notifier.NewFromConfig(cfg.Notifier)

	alertService := services.NewAlertService(db)
	alertMonitor := services.NewAlertMonitor(cfg.Monitor, db, alertService, source, broadcaster)
	ruleService := services.NewRuleService(db, alertMonitor)

	// The API stays up without the value source; status reports the failure
	ctx := context.Background()
	if err := alertMonitor.Start(ctx); err != nil {
		logrus.Errorf("Alert monitor not started: %v", err)
	} else {
		logrus.Info("Alert monitoring service started")
	}

	// Set up the Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// API routes
	apiHandler := api.NewAPIHandler(ruleService, alertService, alertMonitor)
	apiHandler.SetupRoutes(e)

	// Swagger documentation
	e.GET("/swagger/*", echo.WrapHandler(httpSwagger.Handler()))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOriginList(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})

	// Use PORT environment variable if available, otherwise use config
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      corsHandler.Handler(e),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		logrus.Infof("Starting server on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Stop accepting requests before tearing down what handlers depend on
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	// Rule change hooks may still resolve alerts and broadcast
	ruleService.Close()
	alertMonitor.Shutdown()
	broadcaster.Close()
	logrus.Info("Alert monitor shutdown complete")

	if err := db.Close(); err != nil {
		logrus.Warnf("Error closing store: %v", err)
	}

	logrus.Info("Server exited properly")
}
