package handlers

import (
	"strings"

	"github.com/capsule-auction/backend/internal/http/dto"
	"github.com/capsule-auction/backend/internal/middleware"
	"github.com/capsule-auction/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type BidHandler struct {
	auction *services.AuctionService
	log     *zap.Logger
}

func NewBidHandler(auction *services.AuctionService, log *zap.Logger) *BidHandler {
	return &BidHandler{auction: auction, log: log}
}

func (h *BidHandler) ListBids(c *fiber.Ctx) error {
	capsuleID, err := paramUUID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	limit, offset := pagination(c)
	bids, err := h.auction.ListBids(c.UserContext(), capsuleID, limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondList(c, bids, limit, offset)
}

// PaymentInfo answers where to pay for a bid of ?amount= on the capsule.
func (h *BidHandler) PaymentInfo(c *fiber.Ctx) error {
	capsuleID, err := paramUUID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(c.Query("amount")))
	if err != nil {
		return badRequest(c, h.log, "amount", "must be a decimal number")
	}
	info, err := h.auction.BidPaymentInfo(c.UserContext(), capsuleID, middleware.GetUserID(c), amount)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: info})
}

func (h *BidHandler) PlaceBid(c *fiber.Ctx) error {
	capsuleID, err := paramUUID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	var req dto.PlaceBidRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, h.log, "body", "invalid request")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return badRequest(c, h.log, "amount", "must be a decimal number")
	}

	bid, err := h.auction.PlaceBid(c.UserContext(), capsuleID, actor(c), amount, wallet(req.PaymentRef))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: bid})
}

func (h *BidHandler) AcceptBid(c *fiber.Ctx) error {
	capsuleID, err := paramUUID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	bidID, err := paramUUID(c, "bidId")
	if err != nil {
		return respondError(c, h.log, err)
	}

	bid, err := h.auction.AcceptBid(c.UserContext(), capsuleID, bidID, middleware.GetUserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: bid})
}
