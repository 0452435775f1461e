package model

import "time"

// Document is the read-side view of an invoice or quote owned by the CRUD
// layer. The analytics engine only reads it.
type Document struct {
	ID           string     `json:"id"`
	DocumentType string     `json:"documentType"`
	Sender       Party      `json:"sender"`
	Recipient    Party      `json:"recipient"`
	LineItems    []LineItem `json:"lineItems"`
	GrandTotal   float64    `json:"grandTotal"`
	Currency     string     `json:"currency"`
	Industry     *string    `json:"industry,omitempty"`
	RevenueRange *string    `json:"revenueRange,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Party is the business identity of a sender or recipient.
type Party struct {
	BusinessName string `json:"businessName,omitempty"`
	Email        string `json:"email,omitempty"`
	Country      string `json:"country,omitempty"`
}

// LineItem is one invoice line.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	Rate        float64 `json:"rate"`
	Amount      float64 `json:"amount"`
}
