package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/repository"
	"github.com/example/paygate/internal/utils"
)

type OperatorStore interface {
	FindByUsername(ctx context.Context, username string) (*models.Operator, error)
	Create(ctx context.Context, op *models.Operator) error
	TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AuthHandler bundles dependencies for operator authentication.
type AuthHandler struct {
	operators OperatorStore
	secret    string
	ttl       time.Duration
	log       *zap.Logger
}

func NewAuthHandler(operators OperatorStore, secret string, ttl time.Duration, log *zap.Logger) *AuthHandler {
	return &AuthHandler{operators: operators, secret: secret, ttl: ttl, log: log}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates an operator and returns a JWT.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing required fields")
	}

	op, err := h.operators.FindByUsername(c.UserContext(), req.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
		}
		return err
	}

	if !utils.CheckPassword(op.PasswordHash, req.Password) {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
	}

	token, err := utils.GenerateToken(h.secret, op.ID, h.ttl)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to generate token")
	}

	if err := h.operators.TouchLogin(c.UserContext(), op.ID, time.Now()); err != nil {
		h.log.Warn("record operator login", zap.String("username", op.Username), zap.Error(err))
	}

	return c.JSON(fiber.Map{
		"success": true,
		"operator": fiber.Map{
			"id":           op.ID,
			"username":     op.Username,
			"display_name": op.DisplayName,
			"role":         op.Role,
		},
		"token": token,
	})
}

// EnsureOperator creates the bootstrap operator when it does not exist yet.
func EnsureOperator(ctx context.Context, operators OperatorStore, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, nil
	}
	if _, err := operators.FindByUsername(ctx, username); err == nil {
		return false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		return false, err
	}
	err = operators.Create(ctx, &models.Operator{
		Username:     username,
		DisplayName:  username,
		PasswordHash: hash,
		Role:         "admin",
	})
	return err == nil, err
}
