// internal/handlers/escrow.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lenspark/escrow-backend/internal/services"
	"github.com/lenspark/escrow-backend/internal/utils"
)

type EscrowHandler struct {
	escrowService   *services.EscrowService
	decisionService *services.DecisionService
}

func NewEscrowHandler(escrowService *services.EscrowService, decisionService *services.DecisionService) *EscrowHandler {
	return &EscrowHandler{
		escrowService:   escrowService,
		decisionService: decisionService,
	}
}

// POST /escrows
func (h *EscrowHandler) CreateEscrow(c *gin.Context) {
	var req services.CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	escrow, err := h.escrowService.CreateEscrow(&req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.CreatedResponse(c, escrow)
}

// POST /escrows/:id/deliveries
func (h *EscrowHandler) UploadDelivery(c *gin.Context) {
	escrowID, ok := parseEscrowID(c)
	if !ok {
		return
	}

	var req services.UploadDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	result, err := h.escrowService.UploadDelivery(escrowID, &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.CreatedResponse(c, result)
}

// POST /escrows/:id/decision
func (h *EscrowHandler) Decide(c *gin.Context) {
	escrowID, ok := parseEscrowID(c)
	if !ok {
		return
	}

	var req services.DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	result, err := h.decisionService.Decide(escrowID, &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// POST /escrows/:id/refund
func (h *EscrowHandler) Refund(c *gin.Context) {
	escrowID, ok := parseEscrowID(c)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	escrow, err := h.escrowService.Refund(escrowID, req.Reason)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, escrow)
}

// GET /escrows/:id
func (h *EscrowHandler) GetEscrow(c *gin.Context) {
	escrowID, ok := parseEscrowID(c)
	if !ok {
		return
	}

	view, err := h.escrowService.GetEscrow(escrowID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, view)
}

// GET /escrows/:id/history
func (h *EscrowHandler) GetHistory(c *gin.Context) {
	escrowID, ok := parseEscrowID(c)
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)
	entries, total, err := h.escrowService.GetHistory(escrowID, params)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.PaginatedResponse(c, utils.NewPaginationResult(entries, total, params))
}

// GET /escrows
func (h *EscrowHandler) ListEscrows(c *gin.Context) {
	params := utils.GetPaginationParams(c)
	status := c.Query("status")

	escrows, total, err := h.escrowService.ListEscrows(status, params)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.PaginatedResponse(c, utils.NewPaginationResult(escrows, total, params))
}

func parseEscrowID(c *gin.Context) (uuid.UUID, bool) {
	escrowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid escrow ID", nil)
		return uuid.Nil, false
	}
	return escrowID, true
}

// respondServiceError maps service-layer errors onto the API envelope.
func respondServiceError(c *gin.Context, err error) {
	var validationErr *services.ValidationError
	var conflictErr *services.StateConflictError

	switch {
	case errors.Is(err, services.ErrNotFound):
		utils.NotFoundResponse(c, "Escrow")
	case errors.As(err, &validationErr):
		utils.ErrorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Error(), nil)
	case errors.As(err, &conflictErr):
		utils.ConflictResponse(c, conflictErr.Error())
	default:
		utils.InternalErrorResponse(c, err.Error())
	}
}
