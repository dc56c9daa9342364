package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// Payment is one listing-fee payment attempt. GatewayTxRef holds ciphertext only;
// GatewayTxRefDigest is the keyed hash used for lookups. InitializedAt stays nil
// while the row is only a reservation awaiting the gateway.
type Payment struct {
	ID                 uuid.UUID       `gorm:"column:id;primaryKey"`
	RequestID          uuid.UUID       `gorm:"column:request_id;not null;uniqueIndex"`
	PropertyID         uuid.UUID       `gorm:"column:property_id;not null"`
	UserID             uuid.UUID       `gorm:"column:user_id;not null;index"`
	Amount             decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	Status             Status          `gorm:"column:status;not null;default:PENDING;index"`
	GatewayTxRef       string          `gorm:"column:gateway_tx_ref;not null"`
	GatewayTxRefDigest string          `gorm:"column:gateway_tx_ref_digest;index"`
	InitializedAt      *time.Time      `gorm:"column:initialized_at"`
	CreatedAt          time.Time       `gorm:"column:created_at"`
	UpdatedAt          time.Time       `gorm:"column:updated_at"`
}

// Initialized reports whether the gateway accepted the payment.
func (p *Payment) Initialized() bool {
	return p.InitializedAt != nil
}

func (Payment) TableName() string {
	return "payments"
}
