package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethaccount/userop/src/domain"
	"github.com/ethaccount/userop/src/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type UserOperationHandler struct {
	userOpService *service.UserOperationService
}

func NewUserOperationHandler(userOpService *service.UserOperationService) *UserOperationHandler {
	return &UserOperationHandler{
		userOpService: userOpService,
	}
}

func (h *UserOperationHandler) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("handler", "user-operation").Logger()
	return &l
}

// AddUserOperationRequest is the payload of POST /user-operations
type AddUserOperationRequest struct {
	Request     domain.UserOperationRequest `json:"request"`
	Transaction *domain.TransactionParams   `json:"transaction,omitempty"`
	Origin      string                      `json:"origin" binding:"required"`
	AutoApprove bool                        `json:"autoApprove"`
}

// ListUserOperationsQuery holds the filters of GET /user-operations
type ListUserOperationsQuery struct {
	Status string `form:"status"`
	Sender string `form:"sender" binding:"omitempty,eth_addr"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// AddUserOperation godoc
// @Summary Add a user operation
// @Description Create an unapproved user operation, or an approved one when autoApprove is set
// @Tags user-operations
// @Accept json
// @Produce json
// @Param request body AddUserOperationRequest true "User operation request"
// @Success 201 {object} StandardResponse
// @Failure 400 {object} StandardResponse
// @Router /api/v1/user-operations [post]
func (h *UserOperationHandler) AddUserOperation(c *gin.Context) {
	logger := h.logger(c.Request.Context()).With().Str("func", "AddUserOperation").Logger()

	var req AddUserOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Error().Err(err).Msg("invalid request payload")
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg("Invalid request payload")))
		return
	}

	m, err := h.userOpService.AddUserOperation(c.Request.Context(), service.AddUserOperationRequest{
		Request:     req.Request,
		Transaction: req.Transaction,
		Origin:      req.Origin,
		AutoApprove: req.AutoApprove,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	respondWithSuccessAndStatus(c, http.StatusCreated, m)
}

// ApproveUserOperation godoc
// @Summary Approve a user operation
// @Tags user-operations
// @Produce json
// @Param id path string true "User operation ID"
// @Success 200 {object} StandardResponse
// @Failure 404 {object} StandardResponse
// @Failure 409 {object} StandardResponse
// @Router /api/v1/user-operations/{id}/approve [post]
func (h *UserOperationHandler) ApproveUserOperation(c *gin.Context) {
	id, ok := userOperationID(c)
	if !ok {
		return
	}

	m, err := h.userOpService.ApproveUserOperation(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	respondWithSuccess(c, m)
}

// RejectUserOperation godoc
// @Summary Reject a user operation
// @Tags user-operations
// @Produce json
// @Param id path string true "User operation ID"
// @Success 200 {object} StandardResponse
// @Failure 404 {object} StandardResponse
// @Failure 409 {object} StandardResponse
// @Router /api/v1/user-operations/{id}/reject [post]
func (h *UserOperationHandler) RejectUserOperation(c *gin.Context) {
	id, ok := userOperationID(c)
	if !ok {
		return
	}

	m, err := h.userOpService.RejectUserOperation(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	respondWithSuccess(c, m)
}

// GetUserOperation godoc
// @Summary Get a user operation
// @Tags user-operations
// @Produce json
// @Param id path string true "User operation ID"
// @Success 200 {object} StandardResponse
// @Failure 404 {object} StandardResponse
// @Router /api/v1/user-operations/{id} [get]
func (h *UserOperationHandler) GetUserOperation(c *gin.Context) {
	id, ok := userOperationID(c)
	if !ok {
		return
	}

	m, err := h.userOpService.GetUserOperation(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	respondWithSuccess(c, m)
}

// GetUserOperationStatus godoc
// @Summary Get the status of a user operation
// @Description Served from the status cache when available, otherwise from the store
// @Tags user-operations
// @Produce json
// @Param id path string true "User operation ID"
// @Success 200 {object} StandardResponse
// @Failure 404 {object} StandardResponse
// @Router /api/v1/user-operations/{id}/status [get]
func (h *UserOperationHandler) GetUserOperationStatus(c *gin.Context) {
	id, ok := userOperationID(c)
	if !ok {
		return
	}

	entry, err := h.userOpService.GetUserOperationStatus(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	respondWithSuccess(c, entry)
}

// ListUserOperations godoc
// @Summary List user operations
// @Tags user-operations
// @Produce json
// @Param status query string false "Status filter"
// @Param sender query string false "Sender address"
// @Param limit query int false "Maximum results"
// @Success 200 {object} StandardResponse
// @Failure 400 {object} StandardResponse
// @Router /api/v1/user-operations [get]
func (h *UserOperationHandler) ListUserOperations(c *gin.Context) {
	var query ListUserOperationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg("Invalid query parameters")))
		return
	}

	filter := domain.UserOperationFilter{
		Status: domain.UserOperationStatus(query.Status),
		Limit:  query.Limit,
	}
	if query.Sender != "" {
		sender := common.HexToAddress(query.Sender)
		filter.Sender = &sender
	}

	ops, err := h.userOpService.ListUserOperations(c.Request.Context(), filter)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if ops == nil {
		ops = []*domain.UserOperationMetadata{}
	}
	respondWithSuccess(c, ops)
}

func userOperationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid, errors.New("invalid user operation id"), domain.WithMsg("Invalid user operation ID")))
		return uuid.Nil, false
	}
	return id, true
}
