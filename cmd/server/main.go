package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/api"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/auth"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/config"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/engine"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/storage"
)

type app struct {
	logger      internal.Logger
	sequences   storage.SequenceRepository
	enrollments storage.EnrollmentRepository
	runner      *engine.Runner
}

func (a *app) Logger() internal.Logger                   { return a.logger }
func (a *app) Sequences() storage.SequenceRepository     { return a.sequences }
func (a *app) Enrollments() storage.EnrollmentRepository { return a.enrollments }
func (a *app) Runner() *engine.Runner                    { return a.runner }

func main() {
	cfg := config.Load()

	logger, err := internal.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	seqRepo, enrRepo, closeStorage, err := buildStorage(cfg, logger)
	if err != nil {
		logger.Fatalf("failed to init storage: %v", err)
	}

	dispatcher := buildDispatcher(cfg, logger)

	runner := engine.NewRunner(engine.Config{
		TickInterval:       cfg.TickInterval,
		DispatchTimeout:    cfg.DispatchTimeout,
		Workers:            cfg.Workers,
		RetryCap:           cfg.RetryCap,
		MaxHopsPerTick:     cfg.MaxHopsPerTick,
		CancelOnDeactivate: cfg.CancelOnDeactivate,
	}, seqRepo, enrRepo, dispatcher, logger)
	if err := runner.Start(); err != nil {
		logger.Fatalf("failed to start runner: %v", err)
	}

	a := &app{logger: logger, sequences: seqRepo, enrollments: enrRepo, runner: runner}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.RequestIDMiddleware())

	var provider auth.Provider
	if cfg.Env == "development" {
		provider = auth.NewLocalAuthProvider(cfg.AuthToken, logger)
	} else {
		provider = auth.NewRemoteAuthProvider(cfg.AuthServiceURL, logger)
	}
	r.Use(auth.Middleware(provider, cfg))

	r.POST("/api/sequences", api.PostSequence(a))
	r.GET("/api/sequences", api.GetSequences(a))
	r.GET("/api/sequences/:id", api.GetSequence(a))
	r.PUT("/api/sequences/:id", api.PutSequence(a))
	r.DELETE("/api/sequences/:id", api.DeleteSequence(a))
	r.POST("/api/sequences/:id/activate", api.PostSequenceActive(a, true))
	r.POST("/api/sequences/:id/deactivate", api.PostSequenceActive(a, false))
	r.POST("/api/triggers", api.PostTrigger(a))
	r.GET("/api/enrollments", api.GetEnrollments(a))
	r.DELETE("/api/enrollments/:id", api.DeleteEnrollment(a))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	go func() {
		logger.Infof("server running on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	runner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	if err := closeStorage(); err != nil {
		logger.Errorf("storage shutdown: %v", err)
	}
}

func buildStorage(cfg *config.Config, logger internal.Logger) (storage.SequenceRepository, storage.EnrollmentRepository, func() error, error) {
	switch cfg.DBType {
	case "postgres":
		s, err := storage.NewPostgresStorage(cfg.DBDSN, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() error { s.Close(); return nil }, nil
	case "memory":
		s := storage.NewMemoryStorage(logger)
		return s, s, func() error { return nil }, nil
	default:
		for _, f := range []string{cfg.SequencesFile, cfg.EnrollmentsFile} {
			if dir := filepath.Dir(f); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, nil, nil, err
				}
			}
		}
		s, err := storage.NewFileStorage(cfg.SequencesFile, cfg.EnrollmentsFile, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, s.Close, nil
	}
}

func buildDispatcher(cfg *config.Config, logger internal.Logger) engine.Dispatcher {
	if cfg.DispatchMode == "webhook" {
		return engine.NewWebhookDispatcher(cfg.WebhookURL, cfg.DispatchTimeout, logger)
	}
	return engine.NewLogDispatcher(logger)
}
