package handlers

import (
	"context"
	"errors"
	"strconv"

	"opmsync/config"
	"opmsync/internal/app"
	"opmsync/internal/handlers/middleware"
	"opmsync/internal/models"
	"opmsync/internal/repositories"
	"opmsync/internal/services"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/gofiber/fiber/v2"
)

const maxRunRecordLimit = 100

type RunController interface {
	Start(ctx context.Context, req services.RunRequest) (string, error)
	Current(ctx context.Context) (models.RunSummary, bool)
	ActiveRunID(ctx context.Context) (string, bool)
}

type RunsHandler struct {
	Handler
	config   config.Config
	pipeline RunController
	history  repositories.RunRecordRepository
}

type TriggerRunRequest struct {
	Start string   `json:"start"`
	End   string   `json:"end"`
	Types []string `json:"types"`
}

func NewRunsHandler(app app.App, router fiber.Router) *RunsHandler {
	handler := &RunsHandler{
		config:  app.Config,
		history: app.Repos.RunRecord,
		Handler: Handler{
			log:        logger.New("handlers").File("runs_handler"),
			router:     router,
			middleware: app.Middleware,
		},
	}
	if app.Services.Pipeline != nil {
		handler.pipeline = app.Services.Pipeline
	}
	return handler
}

func (h *RunsHandler) Register() {
	runs := h.router.Group("/runs")
	runs.Get("/", h.listRuns)
	runs.Get("/current", h.currentRun)
	runs.Post("/", h.middleware.RequireAdminToken(), h.triggerRun)
}

func (h *RunsHandler) listRuns(c *fiber.Ctx) error {
	log := h.log.TraceFromContext(c.UserContext()).Function("listRuns")

	if h.history == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Run history is not configured",
		})
	}

	limit, err := strconv.Atoi(c.Query("limit", "20"))
	if err != nil || limit <= 0 || limit > maxRunRecordLimit {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 100",
		})
	}

	records, err := h.history.GetRecent(c.UserContext(), limit)
	if err != nil {
		log.Er("failed to list run records", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list runs",
		})
	}

	return c.JSON(fiber.Map{"runs": records})
}

func (h *RunsHandler) currentRun(c *fiber.Ctx) error {
	if h.pipeline == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No run recorded"})
	}

	summary, ok := h.pipeline.Current(c.UserContext())
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No run recorded"})
	}

	activeRunID, active := h.pipeline.ActiveRunID(c.UserContext())
	return c.JSON(fiber.Map{
		"run":     summary,
		"running": active && activeRunID == summary.RunID,
	})
}

// triggerRun starts a run in the background. Fields left out of the body fall
// back to the configured window and data types.
func (h *RunsHandler) triggerRun(c *fiber.Ctx) error {
	log := h.log.TraceFromContext(c.UserContext()).Function("triggerRun")

	if h.pipeline == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Pipeline is not available",
		})
	}

	var body TriggerRunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			log.Warn("invalid request body", "error", err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
		}
	}

	req, err := h.buildRunRequest(body)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid run window",
			"details": err.Error(),
		})
	}
	req.Trigger = "api:" + middleware.GetAdminSubject(c)

	// The run outlives the request. Pipeline shutdown ends it when the server stops.
	runID, err := h.pipeline.Start(context.WithoutCancel(c.UserContext()), req)
	if errors.Is(err, services.ErrShuttingDown) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Server is shutting down",
		})
	}
	if errors.Is(err, services.ErrRunInProgress) {
		activeRunID, _ := h.pipeline.ActiveRunID(c.UserContext())
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":       "A run is already in progress",
			"activeRunId": activeRunID,
		})
	}
	if err != nil {
		log.Er("failed to start run", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start run",
		})
	}

	log.Info("run started", "runID", runID, "start", req.Start, "end", req.End, "trigger", req.Trigger)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"runId": runID,
		"start": req.Start,
		"end":   req.End,
		"types": req.Types,
	})
}

func (h *RunsHandler) buildRunRequest(body TriggerRunRequest) (services.RunRequest, error) {
	windowConfig := h.config
	if body.Start != "" {
		windowConfig.StartMonth = body.Start
	}
	if body.End != "" {
		windowConfig.EndMonth = body.End
	}

	start, end, _, err := windowConfig.RunWindow()
	if err != nil {
		return services.RunRequest{}, err
	}

	typeNames := body.Types
	if len(typeNames) == 0 {
		typeNames = []string{h.config.DataTypes}
	}
	dataTypes, err := models.ParseDataTypes(typeNames)
	if err != nil {
		return services.RunRequest{}, err
	}

	return services.RunRequest{Start: start, End: end, Types: dataTypes}, nil
}
