package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStanding summarizes a client's payment history.
type PaymentStanding string

const (
	StandingGood       PaymentStanding = "good"
	StandingLate       PaymentStanding = "late"
	StandingDelinquent PaymentStanding = "delinquent"
)

// Reference is a personal reference supplied by the client, up to two per client.
type Reference struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Relation string `json:"relation"`
}

// Client is a borrower. ActiveLoans is maintained by the ledger as loans are
// originated, completed, cancelled or deleted.
type Client struct {
	ID      uuid.UUID `json:"id"`
	OwnerID uuid.UUID `json:"ownerId"`

	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address,omitempty"`
	Email   string `json:"email,omitempty"`

	References []Reference `json:"references,omitempty"`

	ActiveLoans int             `json:"activeLoans"`
	Standing    PaymentStanding `json:"standing"`

	Notes        string    `json:"notes,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}
