package services

import (
	"context"

	"opmsync/config"
	"opmsync/internal/browser"
	"opmsync/internal/database"
	"opmsync/internal/events"
	"opmsync/internal/huggingface"
	"opmsync/internal/repositories"
)

type Service struct {
	Hub       *huggingface.Client
	Scratch   *ScratchService
	Inventory *InventoryService
	Planner   *PlannerService
	Driver    *DriverService
	Converter *ConverterService
	Publisher *PublisherService
	Pipeline  *PipelineService
	Scheduler *SchedulerService
	Lock      RunLock
}

// New validates the hub token, resolves the dataset owner and wires the
// pipeline. A rejected token surfaces as a configuration error.
func New(
	ctx context.Context,
	db database.DB,
	config config.Config,
	eventBus *events.EventBus,
) (Service, error) {
	repos := repositories.New(db)

	hub := huggingface.New(config.HFEndpoint, config.HFToken, config.Seconds(config.HFHTTPTimeoutSec))
	owner, err := ResolveOwner(ctx, hub, config.HFOwner)
	if err != nil {
		return Service{}, err
	}

	scratchService := NewScratchService(config.RawDir, config.ColumnarDir)
	if err := scratchService.Prepare(); err != nil {
		return Service{}, err
	}

	inventoryService := NewInventoryService(hub, owner)
	plannerService := NewPlannerService(inventoryService)
	driverService := NewDriverService(
		browser.NewChromeLauncher(config.BrowserHeadless, config.BrowserExecPath),
		scratchService,
		eventBus,
		DriverOptionsFromConfig(config),
	)
	converterService := NewConverterService(scratchService, config.ConverterBatchRows)
	publisherService := NewPublisherService(hub, scratchService, owner)

	lock := NewLocalRunLock()
	if db.Cache.General != nil {
		lock = NewValkeyRunLock(db.Cache.General)
	}

	deps := PipelineDeps{
		Planner:                plannerService,
		Fetcher:                driverService,
		Converter:              converterService,
		Publisher:              publisherService,
		Scratch:                scratchService,
		Lock:                   lock,
		Progress:               eventBus,
		Snapshots:              db.Cache.General,
		MaxConsecutiveUIErrors: config.MaxConsecutiveUIFailures,
	}
	if repos.RunRecord != nil {
		deps.History = repos.RunRecord
	}
	pipelineService := NewPipelineService(deps)

	return Service{
		Hub:       hub,
		Scratch:   scratchService,
		Inventory: inventoryService,
		Planner:   plannerService,
		Driver:    driverService,
		Converter: converterService,
		Publisher: publisherService,
		Pipeline:  pipelineService,
		Scheduler: NewSchedulerService(),
		Lock:      lock,
	}, nil
}

// DriverOptionsFromConfig applies configured timeouts and selector overrides.
func DriverOptionsFromConfig(config config.Config) DriverOptions {
	opts := DefaultDriverOptions()
	opts.Layout = opts.Layout.WithOverrides(browser.PortalLayout{
		URL:                config.PortalURL,
		StartDateSelector:  config.PortalStartDateSelector,
		EndDateSelector:    config.PortalEndDateSelector,
		DataSourceSelector: config.PortalDataSourceSelector,
		CardSelector:       config.PortalCardSelector,
		CSVOptionSelector:  config.PortalCSVOptionSelector,
	})
	opts.RenderTimeout = config.Seconds(config.RenderTimeoutSec)
	opts.OptionTimeout = config.Seconds(config.OptionTimeoutSec)
	opts.TriggerTimeout = config.Seconds(config.TriggerTimeoutSec)
	opts.DownloadBaseTimeout = config.Seconds(config.DownloadBaseTimeoutSec)
	opts.DownloadPerMB = config.Seconds(config.DownloadPerMBTimeoutSec)
	opts.MaxAttempts = config.JobMaxAttempts
	return opts
}
