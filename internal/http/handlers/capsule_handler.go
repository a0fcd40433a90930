package handlers

import (
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/http/dto"
	"github.com/capsule-auction/backend/internal/middleware"
	"github.com/capsule-auction/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CapsuleHandler struct {
	capsules *services.CapsuleService
	log      *zap.Logger
}

func NewCapsuleHandler(capsules *services.CapsuleService, log *zap.Logger) *CapsuleHandler {
	return &CapsuleHandler{capsules: capsules, log: log}
}

func (h *CapsuleHandler) ListCapsules(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	list, err := h.capsules.ListCapsules(c.UserContext(), middleware.GetUserID(c), limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondList(c, list, limit, offset)
}

func (h *CapsuleHandler) ListToday(c *fiber.Ctx) error {
	list, err := h.capsules.ListTodayCapsules(c.UserContext(), middleware.GetUserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: list})
}

func (h *CapsuleHandler) ListAuctions(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	list, err := h.capsules.ListAuctions(c.UserContext(), middleware.GetUserID(c), limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondList(c, list, limit, offset)
}

func (h *CapsuleHandler) ListUserCapsules(c *fiber.Ctx) error {
	userID, err := paramUUID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	limit, offset := pagination(c)
	list, err := h.capsules.ListUserCapsules(c.UserContext(), middleware.GetUserID(c), userID, limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondList(c, list, limit, offset)
}

func (h *CapsuleHandler) GetCapsule(c *fiber.Ctx) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	capsule, err := h.capsules.GetCapsule(c.UserContext(), id, middleware.GetUserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: capsule})
}

func (h *CapsuleHandler) GetEvents(c *fiber.Ctx) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	limit, offset := pagination(c)
	logs, err := h.capsules.CapsuleEvents(c.UserContext(), id, limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondList(c, logs, limit, offset)
}

func (h *CapsuleHandler) PaymentInfo(c *fiber.Ctx) error {
	info := h.capsules.CreationPaymentInfo(middleware.GetUserID(c))
	return c.JSON(dto.SuccessResponse{OK: true, Data: info})
}

// CreateCapsule accepts JSON, or multipart form fields with an optional
// "image" file.
func (h *CapsuleHandler) CreateCapsule(c *fiber.Ctx) error {
	var (
		req dto.CreateCapsuleRequest
		in  services.CreateCapsuleInput
	)

	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		upload, closeFn, err := h.readMultipart(c, &req)
		if err != nil {
			return respondError(c, h.log, err)
		}
		defer closeFn()
		in.Image = upload
	} else if err := c.BodyParser(&req); err != nil {
		return badRequest(c, h.log, "body", "invalid request")
	}

	in.Name = req.Name
	in.Message = req.Message
	in.OpenDate = req.OpenDate
	in.AuctionEnabled = req.AuctionEnabled
	in.EncryptionLevel = req.EncryptionLevel
	if req.InitialBid != nil && strings.TrimSpace(*req.InitialBid) != "" {
		bid, err := decimal.NewFromString(strings.TrimSpace(*req.InitialBid))
		if err != nil {
			return badRequest(c, h.log, "initial_bid", "must be a decimal number")
		}
		in.InitialBid = &bid
	}

	capsule, err := h.capsules.CreateCapsule(c.UserContext(), actor(c), in, wallet(req.PaymentRef))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: capsule})
}

func (h *CapsuleHandler) readMultipart(c *fiber.Ctx, req *dto.CreateCapsuleRequest) (*services.Upload, func(), error) {
	noop := func() {}

	req.Name = c.FormValue("name")
	if msg := c.FormValue("message"); msg != "" {
		req.Message = &msg
	}
	if v := c.FormValue("open_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, noop, apperr.Validation("open_date", "must be RFC3339")
		}
		req.OpenDate = t
	}
	if v := c.FormValue("auction_enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, noop, apperr.Validation("auction_enabled", "must be a boolean")
		}
		req.AuctionEnabled = b
	}
	if v := c.FormValue("initial_bid"); v != "" {
		req.InitialBid = &v
	}
	req.EncryptionLevel = c.FormValue("encryption_level")
	req.TxRef = c.FormValue("tx_ref")
	req.Network = c.FormValue("network")

	fh, err := c.FormFile("image")
	if err != nil {
		// No image part.
		return nil, noop, nil
	}
	return openUpload(fh)
}

func openUpload(fh *multipart.FileHeader) (*services.Upload, func(), error) {
	f, err := fh.Open()
	if err != nil {
		return nil, func() {}, apperr.Validation("image", "cannot read file")
	}
	return &services.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get(fiber.HeaderContentType),
		Size:        fh.Size,
		Body:        f,
	}, func() { _ = f.Close() }, nil
}
