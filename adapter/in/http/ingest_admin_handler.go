package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"ingest_server/adapter/in/worker"
	"ingest_server/adapter/out/messaging"
	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/core/service/credits"
	"ingest_server/pkg/logger"
)

// AdminHandler exposes operator actions: re-dispatching emails and
// granting bonus credits.
type AdminHandler struct {
	emails   out.EmailRepository
	ledger   *credits.Ledger
	producer out.MessageProducer
	log      *logger.Logger
}

func NewAdminHandler(emails out.EmailRepository, ledger *credits.Ledger, producer out.MessageProducer) *AdminHandler {
	return &AdminHandler{
		emails:   emails,
		ledger:   ledger,
		producer: producer,
		log:      logger.Default().WithField("component", "admin_api"),
	}
}

func (h *AdminHandler) Register(router fiber.Router) {
	router.Post("/emails/:id/retry", h.RetryEmail)
	router.Get("/emails/:id", h.GetEmail)
	router.Post("/users/:id/credits/bonus", h.GrantBonus)
}

type retryRequest struct {
	Force bool `json:"force"`
}

// RetryEmail re-dispatches a workflow run. Without force the email
// must be in a retryable status; force runs regardless and leaves
// status untouched.
func (h *AdminHandler) RetryEmail(c *fiber.Ctx) error {
	emailID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid email id"})
	}

	var req retryRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
		}
	}

	email, err := h.emails.Load(c.Context(), emailID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "email not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "failed to load email"})
	}

	if !req.Force && !isRetryable(email.Status) {
		return c.Status(409).JSON(fiber.Map{
			"error":  "email is not in a retryable status",
			"status": email.Status,
		})
	}

	payload := worker.WorkflowRunPayload{EmailID: emailID, Force: req.Force}
	if err := h.producer.Publish(c.Context(), messaging.StreamWorkflowRun, payload); err != nil {
		h.log.WithField("email_id", emailID).Error("retry dispatch failed: %v", err)
		return c.Status(502).JSON(fiber.Map{"error": "failed to dispatch workflow"})
	}

	operator, _ := c.Locals("user_id").(uuid.UUID)
	h.log.WithFields(map[string]any{
		"email_id": emailID,
		"force":    req.Force,
		"operator": operator,
	}).Info("workflow re-dispatched")

	return c.Status(202).JSON(fiber.Map{
		"email_id": emailID,
		"force":    req.Force,
		"status":   "dispatched",
	})
}

// GetEmail returns the email row with attachments for inspection.
func (h *AdminHandler) GetEmail(c *fiber.Ctx) error {
	emailID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid email id"})
	}

	email, err := h.emails.Load(c.Context(), emailID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "email not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "failed to load email"})
	}
	return c.JSON(email)
}

type bonusRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

// GrantBonus credits a user's balance.
func (h *AdminHandler) GrantBonus(c *fiber.Ctx) error {
	userID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid user id"})
	}

	var req bonusRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Amount <= 0 {
		return c.Status(400).JSON(fiber.Map{"error": "amount must be positive"})
	}
	if req.Reason == "" {
		req.Reason = "operator bonus"
	}

	var operatorID *uuid.UUID
	if op, ok := c.Locals("user_id").(uuid.UUID); ok {
		operatorID = &op
	}

	txn, err := h.ledger.GrantBonus(c.Context(), userID, req.Amount, req.Reason, operatorID)
	if err != nil {
		h.log.WithField("user_id", userID).Error("bonus grant failed: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to grant bonus"})
	}

	return c.Status(201).JSON(fiber.Map{
		"txn_id":  txn.ID,
		"user_id": userID,
		"amount":  req.Amount,
	})
}

func isRetryable(status domain.EmailStatus) bool {
	for _, s := range domain.RetryableStatuses() {
		if s == status {
			return true
		}
	}
	return false
}
