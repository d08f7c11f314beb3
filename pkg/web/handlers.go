// Package web provides the HTTP surface: definition registration, execution control,
// and the audit view over executions.
package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/orcha-dev/orcha/pkg/models"
	"github.com/orcha-dev/orcha/pkg/registry"
	"github.com/orcha-dev/orcha/pkg/services"
)

type APIHandlers struct {
	definitionService *services.Definition
	executionService  *services.Execution
	validator         *validator.Validate
	registry          *registry.Registry
}

func NewAPIHandlers(
	definitionService *services.Definition,
	executionService *services.Execution,
	validate *validator.Validate,
	reg *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		definitionService: definitionService,
		executionService:  executionService,
		validator:         validate,
		registry:          reg,
	}
}

func (h *APIHandlers) RegisterDefinition(c fiber.Ctx) error {
	// Schema check runs on the raw document so shape errors surface before decoding.
	var document map[string]any
	if err := json.Unmarshal(c.Body(), &document); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.definitionService.ValidateDocument(document); err != nil {
		return handleServiceError(c, err)
	}

	var req RegisterDefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	definition := &models.WorkflowDefinition{
		Name:   req.Name,
		Stages: req.Stages,
		Edges:  req.Edges,
	}

	registered, err := h.definitionService.Register(c.Context(), definition)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(registered)
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return badRequest(c, "Definition name is required")
	}

	definition, err := h.definitionService.Active(c.Context(), name)
	if err != nil {
		if services.IsNotFoundError(err) {
			return notFound(c, "Definition not found")
		}

		return internalError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	executionID, err := h.executionService.Start(c.Context(), services.StartRequest{
		DefinitionName: req.DefinitionName,
		Context:        req.Context,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(StartExecutionResponse{ExecutionID: executionID})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	history, err := h.executionService.History(c.Context(), id)
	if err != nil {
		if services.IsNotFoundError(err) {
			return notFound(c, "Execution not found")
		}

		return internalError(c, err)
	}

	return c.JSON(newExecutionResponse(history))
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	var req CancelExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.executionService.Cancel(c.Context(), id, req.Reason); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.definitionService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Orcha API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Orcha API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository":   repositoryCheck,
			"capabilities": h.registry.Capabilities(),
		},
		"timestamp": time.Now().UTC(),
	})
}
