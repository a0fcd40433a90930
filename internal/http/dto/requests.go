package dto

import "time"

// PaymentRef identifies the on-chain transfer a client made before calling
// a paid endpoint.
type PaymentRef struct {
	TxRef   string `json:"tx_ref"`
	Network string `json:"network,omitempty"`
}

type CreateCapsuleRequest struct {
	Name            string    `json:"name"`
	Message         *string   `json:"message,omitempty"`
	OpenDate        time.Time `json:"open_date"`
	AuctionEnabled  bool      `json:"auction_enabled"`
	InitialBid      *string   `json:"initial_bid,omitempty"`
	EncryptionLevel string    `json:"encryption_level,omitempty"`
	PaymentRef
}

type PlaceBidRequest struct {
	Amount string `json:"amount"`
	PaymentRef
}

type UpdateProfileRequest struct {
	Username *string `json:"username,omitempty"`
	FullName *string `json:"full_name,omitempty"`
}

type SetWalletRequest struct {
	WalletAddress string `json:"wallet_address"`
}
