package app

import (
	"context"
	"time"

	"opmsync/config"
	"opmsync/internal/database"
	"opmsync/internal/events"
	"opmsync/internal/handlers/middleware"
	"opmsync/internal/jobs"
	"opmsync/internal/repositories"
	"opmsync/internal/services"
	"opmsync/internal/websockets"

	logger "github.com/Bparsons0904/goLogger"
)

type App struct {
	Database   database.DB
	Middleware middleware.Middleware
	Websocket  *websockets.Manager
	EventBus   *events.EventBus
	Config     config.Config

	Services services.Service
	Repos    repositories.Repository
}

// Runs get this long to record their summary and release the lock on close.
const pipelineShutdownTimeout = time.Minute

type Options struct {
	// Serve wires the websocket progress feed.
	Serve bool
	// Schedule registers the monthly sync and scratch sweep jobs.
	Schedule bool
}

func New(ctx context.Context, config config.Config, opts Options) (*App, error) {
	log := logger.New("app").TraceFromContext(ctx).Function("New")

	db, err := database.New(config)
	if err != nil {
		return &App{}, log.Err("failed to create database", err)
	}

	eventBus := events.New(db.Cache.Events)

	service, err := services.New(ctx, db, config, eventBus)
	if err != nil {
		_ = eventBus.Close()
		db.Close()
		return &App{}, log.Err("failed to create services", err)
	}

	app := &App{
		Database:   db,
		Config:     config,
		EventBus:   eventBus,
		Middleware: middleware.New(config),
		Services:   service,
		Repos:      repositories.New(db),
	}

	if opts.Serve {
		websocket, err := websockets.New(eventBus)
		if err != nil {
			_ = app.Close()
			return &App{}, log.Err("failed to create websocket manager", err)
		}
		app.Websocket = websocket
	}

	if opts.Schedule {
		if err := jobs.RegisterAllJobs(service.Scheduler, config, service); err != nil {
			_ = app.Close()
			return &App{}, log.Err("failed to register jobs", err)
		}
		if err := service.Scheduler.Start(ctx); err != nil {
			_ = app.Close()
			return &App{}, log.Err("failed to start scheduler", err)
		}
	}

	if err := app.validate(opts); err != nil {
		_ = app.Close()
		return &App{}, log.Err("failed to validate app", err)
	}

	return app, nil
}

func (a *App) validate(opts Options) error {
	log := logger.New("app").Function("validate")

	if a.Config.HFToken == "" {
		return log.ErrMsg("config is missing the hub token")
	}

	if a.Config.HistoryEnabled() && a.Database.SQL == nil {
		return log.ErrMsg("database is nil")
	}

	if opts.Serve && a.Websocket == nil {
		return log.ErrMsg("websocket manager is nil")
	}

	nilChecks := []any{
		a.EventBus,
		a.Services.Hub,
		a.Services.Scratch,
		a.Services.Inventory,
		a.Services.Planner,
		a.Services.Driver,
		a.Services.Converter,
		a.Services.Publisher,
		a.Services.Pipeline,
		a.Services.Scheduler,
		a.Services.Lock,
	}

	for _, check := range nilChecks {
		if check == nil {
			return log.ErrMsg("nil check failed")
		}
	}

	return nil
}

func (a *App) Close() (err error) {
	if a.Services.Pipeline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), pipelineShutdownTimeout)
		if closeErr := a.Services.Pipeline.Shutdown(ctx); closeErr != nil {
			err = closeErr
		}
		cancel()
	}

	if a.Services.Scheduler != nil {
		if closeErr := a.Services.Scheduler.Stop(context.Background()); closeErr != nil {
			err = closeErr
		}
	}

	if a.EventBus != nil {
		if closeErr := a.EventBus.Close(); closeErr != nil {
			err = closeErr
		}
	}

	a.Database.Close()

	return err
}
