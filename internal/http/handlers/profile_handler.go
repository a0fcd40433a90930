package handlers

import (
	"github.com/capsule-auction/backend/internal/http/dto"
	"github.com/capsule-auction/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type ProfileHandler struct {
	profiles *services.ProfileService
	log      *zap.Logger
}

func NewProfileHandler(profiles *services.ProfileService, log *zap.Logger) *ProfileHandler {
	return &ProfileHandler{profiles: profiles, log: log}
}

// GetMe returns the caller's profile, creating a default one on first call.
func (h *ProfileHandler) GetMe(c *fiber.Ctx) error {
	p, err := h.profiles.EnsureProfile(c.UserContext(), actor(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: p})
}

func (h *ProfileHandler) UpdateMe(c *fiber.Ctx) error {
	var req dto.UpdateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, h.log, "body", "invalid request")
	}
	p, err := h.profiles.Update(c.UserContext(), actor(c), req.Username, req.FullName)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: p})
}

func (h *ProfileHandler) SetWallet(c *fiber.Ctx) error {
	var req dto.SetWalletRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, h.log, "body", "invalid request")
	}
	p, err := h.profiles.SetWallet(c.UserContext(), actor(c), req.WalletAddress)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: p})
}

func (h *ProfileHandler) UploadAvatar(c *fiber.Ctx) error {
	fh, err := c.FormFile("avatar")
	if err != nil {
		return badRequest(c, h.log, "avatar", "file is required")
	}
	upload, closeFn, err := openUpload(fh)
	if err != nil {
		return respondError(c, h.log, err)
	}
	defer closeFn()

	p, err := h.profiles.UploadAvatar(c.UserContext(), actor(c), *upload)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: p})
}
