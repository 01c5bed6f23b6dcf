package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/steveteneriello/browserless/dispatch"
	"github.com/steveteneriello/browserless/health"
	"github.com/steveteneriello/browserless/log"
	"github.com/steveteneriello/browserless/queue"
	"github.com/steveteneriello/browserless/worker"
)

// Handler owns the HTTP handlers over the dispatch core.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	reporter   *health.Reporter
	queue      *queue.Queue
	logger     log.Logger
}

// NewHandler creates a Handler.
func NewHandler(dispatcher *dispatch.Dispatcher, reporter *health.Reporter, q *queue.Queue, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Handler{
		dispatcher: dispatcher,
		reporter:   reporter,
		queue:      q,
		logger:     logger,
	}
}

// Register mounts every route on the app.
func (h *Handler) Register(app *fiber.App) {
	app.Post("/screenshot", h.execute(worker.KindScreenshot))
	app.Post("/pdf", h.execute(worker.KindPDF))
	app.Post("/scrape", h.execute(worker.KindScrape))
	app.Post("/function", h.execute(worker.KindEvaluate))

	app.Post("/queue", h.enqueue)
	app.Get("/queue/:id", h.jobStatus)

	app.Get("/stats", h.stats)
	app.Get("/health", h.health)
	app.Get("/health/ready", h.ready)
	app.Get("/health/live", h.live)
}

// operationRequest is the body shared by the synchronous operation
// endpoints and the queue endpoint.
type operationRequest struct {
	URL       string `json:"url"`
	Selector  string `json:"selector,omitempty"`
	Code      string `json:"code,omitempty"`
	WaitUntil string `json:"waitUntil,omitempty"`
	FullPage  bool   `json:"fullPage,omitempty"`
	Landscape bool   `json:"landscape,omitempty"`
	PaperSize string `json:"paperSize,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Kind      string `json:"kind,omitempty"`     // queue endpoint only
	Priority  int    `json:"priority,omitempty"` // queue endpoint only
}

func (req *operationRequest) operation(kind worker.Kind) (worker.Operation, error) {
	op := worker.Operation{
		Kind:       kind,
		URL:        req.URL,
		Selector:   req.Selector,
		Expression: req.Code,
		WaitUntil:  req.WaitUntil,
		FullPage:   req.FullPage,
		Landscape:  req.Landscape,
		PaperSize:  req.PaperSize,
	}

	if kind != worker.KindEvaluate && op.URL == "" {
		return worker.Operation{}, fiber.NewError(fiber.StatusBadRequest, "url is required")
	}

	if kind == worker.KindEvaluate && op.Expression == "" {
		return worker.Operation{}, fiber.NewError(fiber.StatusBadRequest, "code is required")
	}

	return op, nil
}

// execute returns the synchronous handler for one operation kind.
func (h *Handler) execute(kind worker.Kind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req operationRequest
		if err := c.BodyParser(&req); err != nil {
			return WriteError(c, fiber.StatusBadRequest, "Invalid Body", err.Error())
		}

		op, err := req.operation(kind)
		if err != nil {
			return WriteError(c, fiber.StatusBadRequest, "Invalid Request", err.Error())
		}

		result, err := h.dispatcher.Execute(c.UserContext(), op, req.SessionID)
		if err != nil {
			h.logger.Log(c.UserContext(), log.LevelWarn, "dispatch failed",
				log.String("kind", string(kind)),
				log.String("url", log.Sanitize(req.URL)),
				log.Err(err))

			return dispatchError(c, err)
		}

		return h.respond(c, result)
	}
}

// respond writes the operation result: raw bytes for binary outputs,
// JSON otherwise.
func (h *Handler) respond(c *fiber.Ctx, result *worker.Result) error {
	if result == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	if len(result.Data) > 0 {
		c.Set(fiber.HeaderContentType, result.ContentType)

		return c.Status(fiber.StatusOK).Send(result.Data)
	}

	return OK(c, result)
}

// enqueue accepts a job for asynchronous execution.
func (h *Handler) enqueue(c *fiber.Ctx) error {
	var req operationRequest
	if err := c.BodyParser(&req); err != nil {
		return WriteError(c, fiber.StatusBadRequest, "Invalid Body", err.Error())
	}

	kind := worker.Kind(req.Kind)
	if !kind.Valid() {
		return WriteError(c, fiber.StatusBadRequest, "Invalid Request", "unknown operation kind")
	}

	op, err := req.operation(kind)
	if err != nil {
		return WriteError(c, fiber.StatusBadRequest, "Invalid Request", err.Error())
	}

	id, err := h.queue.Add(op, req.SessionID, req.Priority)
	if err != nil {
		return dispatchError(c, err)
	}

	return Accepted(c, fiber.Map{"id": id})
}

// jobStatus reports one job's lifecycle state and, once finished, its
// result or failure reason.
func (h *Handler) jobStatus(c *fiber.Ctx) error {
	job, err := h.queue.Status(c.Params("id"))
	if err != nil {
		return dispatchError(c, err)
	}

	return OK(c, job)
}

func (h *Handler) stats(c *fiber.Ctx) error {
	return OK(c, h.dispatcher.Stats())
}

func (h *Handler) health(c *fiber.Ctx) error {
	report := h.reporter.Report()

	status := fiber.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(report)
}

func (h *Handler) ready(c *fiber.Ctx) error {
	if !h.reporter.Ready() {
		return WriteError(c, fiber.StatusServiceUnavailable, "Not Ready", "service is unhealthy")
	}

	return OK(c, fiber.Map{"ready": true})
}

func (h *Handler) live(c *fiber.Ctx) error {
	if !h.reporter.Live() {
		return WriteError(c, fiber.StatusServiceUnavailable, "Not Live", "critical memory pressure")
	}

	return OK(c, fiber.Map{"live": true})
}
