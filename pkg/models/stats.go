package models

import "github.com/shopspring/decimal"

// DashboardStats are portfolio-level aggregates for the admin dashboard.
type DashboardStats struct {
	TotalLent         decimal.Decimal `json:"totalLent"`
	OutstandingActive decimal.Decimal `json:"outstandingActive"`
	InterestCollected decimal.Decimal `json:"interestCollected"`
	TotalCollected    decimal.Decimal `json:"totalCollected"`
	OverduePortfolio  decimal.Decimal `json:"overduePortfolio"` // outstanding principal of overdue loans

	ActiveLoans     int `json:"activeLoans"`
	OverdueLoans    int `json:"overdueLoans"`
	CompletedLoans  int `json:"completedLoans"`
	TotalClients    int `json:"totalClients"`
	TotalCollectors int `json:"totalCollectors"`
	PaymentCount    int `json:"paymentCount"`
}

// PaymentTotals accompany a filtered payment history listing.
type PaymentTotals struct {
	Amount    decimal.Decimal `json:"amount"`
	Interest  decimal.Decimal `json:"interest"`
	Principal decimal.Decimal `json:"principal"`
	LateFees  decimal.Decimal `json:"lateFees"`
	Count     int             `json:"count"`
}
