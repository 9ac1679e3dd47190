package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CollateralStatus tracks the lifecycle of a pledged item.
// available -> in_use -> released for items returned normally;
// retained -> returned/executed for items held against default.
type CollateralStatus string

const (
	CollateralAvailable CollateralStatus = "available"
	CollateralInUse     CollateralStatus = "in_use"
	CollateralReleased  CollateralStatus = "released"
	CollateralRetained  CollateralStatus = "retained"
	CollateralReturned  CollateralStatus = "returned"
	CollateralExecuted  CollateralStatus = "executed"
)

// CollateralType classifies the pledged item.
type CollateralType string

const (
	CollateralVehicle    CollateralType = "vehicle"
	CollateralAppliance  CollateralType = "appliance"
	CollateralElectronic CollateralType = "electronic"
	CollateralJewelry    CollateralType = "jewelry"
	CollateralFurniture  CollateralType = "furniture"
	CollateralOther      CollateralType = "other"
)

// Collateral is an item pledged against a loan. The loan link is a proper
// column, not free-text; a collateral is attached to at most one loan at a time.
type Collateral struct {
	ID      uuid.UUID `json:"id"`
	OwnerID uuid.UUID `json:"ownerId"`

	ClientID *uuid.UUID `json:"clientId,omitempty"`
	LoanID   *uuid.UUID `json:"loanId,omitempty"`

	Type           CollateralType   `json:"type"`
	Description    string           `json:"description"`
	EstimatedValue decimal.Decimal  `json:"estimatedValue"`
	Status         CollateralStatus `json:"status"`

	Notes        string    `json:"notes,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// IsHeld reports whether the item is currently tied to a loan.
func (c *Collateral) IsHeld() bool {
	return c.Status == CollateralInUse || c.Status == CollateralRetained
}
