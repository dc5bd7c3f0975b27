// Package ingress exposes the HTTP surface of the dispatcher: the management
// API and the endpoint that fires webhook triggers.
package ingress

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/queximet/armature/pkg/dispatch"
	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence"
	"github.com/queximet/armature/pkg/triggers"
	"github.com/queximet/armature/pkg/workers"
)

type Handlers struct {
	engine      *dispatch.Engine
	evaluator   *triggers.Evaluator
	registry    *workers.Registry
	persistence persistence.Persistence
}

func NewHandlers(
	engine *dispatch.Engine,
	evaluator *triggers.Evaluator,
	registry *workers.Registry,
	persistence persistence.Persistence,
) *Handlers {
	return &Handlers{
		engine:      engine,
		evaluator:   evaluator,
		registry:    registry,
		persistence: persistence,
	}
}

// FireSource accepts an inbound call for a webhook trigger endpoint.
func (h *Handlers) FireSource(c fiber.Ctx) error {
	sourceID := c.Params("sourceID")
	if sourceID == "" {
		return badRequest(c, "source id is required")
	}

	payload := make(map[string]any)
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&payload); err != nil {
			return badRequest(c, "Invalid JSON payload: "+err.Error())
		}
	}

	item, err := h.evaluator.FireExternal(c.Context(), sourceID, payload)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"item_id":  item.ID,
		"queue_id": item.QueueID,
		"status":   item.Status,
	})
}

type createQueueRequest struct {
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	FolderID    string         `json:"folder_id"`
	Concurrency int            `json:"concurrency"`
	RetryLimit  int            `json:"retry_limit"`
	RetryDelay  time.Duration  `json:"retry_delay"`
	Priority    int            `json:"priority"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
}

func (h *Handlers) CreateQueue(c fiber.Ctx) error {
	var req createQueueRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if req.Concurrency <= 0 {
		req.Concurrency = 1
	}

	queue := models.NewQueue(uuid.New().String(), req.Key, req.Name, req.Concurrency, req.RetryLimit, req.RetryDelay)
	queue.FolderID = req.FolderID
	queue.Tags = req.Tags
	queue.Metadata = req.Metadata

	if req.Priority > 0 {
		queue.Priority = req.Priority
	}

	if err := h.engine.CreateQueue(c.Context(), queue); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(queue)
}

func (h *Handlers) GetQueues(c fiber.Ctx) error {
	queues, err := h.persistence.Queues(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"queues": queues, "total_count": len(queues)})
}

func (h *Handlers) GetQueue(c fiber.Ctx) error {
	queue, err := h.persistence.QueueByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(queue)
}

func (h *Handlers) PauseQueue(c fiber.Ctx) error {
	if err := h.engine.SetQueueActive(c.Context(), c.Params("id"), false); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) ResumeQueue(c fiber.Ctx) error {
	if err := h.engine.SetQueueActive(c.Context(), c.Params("id"), true); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) DeleteQueue(c fiber.Ctx) error {
	if err := h.engine.DeleteQueue(c.Context(), c.Params("id")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

type enqueueRequest struct {
	WorkerKey string         `json:"worker_key"`
	JobName   string         `json:"job_name"`
	Payload   map[string]any `json:"payload"`
}

func (h *Handlers) EnqueueItem(c fiber.Ctx) error {
	var req enqueueRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	item, err := h.engine.Enqueue(c.Context(), c.Params("id"), req.WorkerKey, req.JobName, req.Payload)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(item)
}

func (h *Handlers) GetQueueItems(c fiber.Ctx) error {
	items, err := h.persistence.QueueItems(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{"items": items, "total_count": len(items)})
}

func (h *Handlers) GetItem(c fiber.Ctx) error {
	item, err := h.engine.Item(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(item)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) CancelItem(c fiber.Ctx) error {
	var req cancelRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&req); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	if err := h.engine.Cancel(c.Context(), c.Params("id"), req.Reason); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

type installWorkerRequest struct {
	WorkerKey      string               `json:"worker_key"`
	DefaultVersion string               `json:"default_version"`
	Priority       *int                 `json:"priority"`
	Options        models.WorkerOptions `json:"options"`
}

func (h *Handlers) InstallWorker(c fiber.Ctx) error {
	var req installWorkerRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	installation := models.NewWorkerInstallation(
		req.WorkerKey,
		req.DefaultVersion,
		req.Options.MaxConcurrent,
		req.Options.Timeout,
	)

	if req.Options.ProcessingMode != "" {
		installation.Options.ProcessingMode = req.Options.ProcessingMode
	}

	installation.Options.RetryPolicy = req.Options.RetryPolicy

	if req.Priority != nil {
		installation.Priority = *req.Priority
	}

	if err := h.registry.Install(c.Context(), installation); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(installation)
}

func (h *Handlers) GetWorkers(c fiber.Ctx) error {
	installations := h.registry.List()

	workers := make([]fiber.Map, 0, len(installations))
	for _, installation := range installations {
		workers = append(workers, fiber.Map{
			"installation":   installation,
			"priority_label": installation.PriorityLabel(),
			"in_flight":      h.registry.InFlight(installation.WorkerKey),
		})
	}

	return c.JSON(fiber.Map{"workers": workers, "total_count": len(workers)})
}

func (h *Handlers) UninstallWorker(c fiber.Ctx) error {
	if err := h.registry.Uninstall(c.Context(), c.Params("key")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) CreateTrigger(c fiber.Ctx) error {
	trigger := &models.Trigger{}
	if err := c.Bind().Body(trigger); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if trigger.ID == "" {
		trigger.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now

	if err := h.evaluator.Register(c.Context(), trigger); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(trigger)
}

func (h *Handlers) GetTriggers(c fiber.Ctx) error {
	list, err := h.persistence.Triggers(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"triggers": list, "total_count": len(list)})
}

func (h *Handlers) DeleteTrigger(c fiber.Ctx) error {
	if err := h.evaluator.Unregister(c.Context(), c.Params("id")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) CreateWebhook(c fiber.Ctx) error {
	webhook := &models.Webhook{}
	if err := c.Bind().Body(webhook); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if webhook.ID == "" {
		webhook.ID = uuid.New().String()
	}

	if webhook.Status == "" {
		webhook.Status = models.WebhookStatusActive
	}

	if webhook.RetryCount == 0 {
		webhook.RetryCount = 3
	}

	now := time.Now().UTC()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now

	if err := webhook.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.persistence.SaveWebhook(c.Context(), webhook); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(webhook)
}

func (h *Handlers) GetWebhooks(c fiber.Ctx) error {
	list, err := h.persistence.Webhooks(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"webhooks": list, "total_count": len(list)})
}

func (h *Handlers) GetWebhookDeliveries(c fiber.Ctx) error {
	webhookID := c.Params("id")

	if _, err := h.persistence.WebhookByID(c.Context(), webhookID); err != nil {
		return handleError(c, err)
	}

	deliveries, err := h.persistence.Deliveries(c.Context(), webhookID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"deliveries": deliveries, "total_count": len(deliveries)})
}

func (h *Handlers) Health(c fiber.Ctx) error {
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy"})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}
