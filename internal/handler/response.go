package handler

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/parcelpay/internal/gateway"
	"github.com/mmeshcher/parcelpay/internal/model"
)

type packageResponse struct {
	ID                string            `json:"id"`
	UserID            int64             `json:"userId"`
	TrackingCode      string            `json:"trackingCode"`
	AdminTrackingCode *string           `json:"adminTrackingId,omitempty"`
	Status            string            `json:"status"`
	CurrentLocation   string            `json:"currentLocation,omitempty"`
	Weight            float64           `json:"weight"`
	WeightUnit        string            `json:"weightUnit"`
	VolumetricWeight  float64           `json:"volumetricWeight,omitempty"`
	VolumetricUnit    string            `json:"volumetricUnit,omitempty"`
	Dimensions        *model.Dimensions `json:"dimensions,omitempty"`
	Insured           bool              `json:"insured"`
	InsurancePlan     string            `json:"insurancePlan,omitempty"`
	UpdatedAt         string            `json:"updatedAt"`
}

func newPackageResponse(p *model.Package) packageResponse {
	return packageResponse{
		ID:                p.ID.String(),
		UserID:            p.UserID,
		TrackingCode:      p.TrackingCode,
		AdminTrackingCode: p.AdminTrackingCode,
		Status:            string(p.Status),
		CurrentLocation:   p.CurrentLocation,
		Weight:            p.Weight,
		WeightUnit:        p.WeightUnit,
		VolumetricWeight:  p.VolumetricWeight,
		VolumetricUnit:    p.VolumetricUnit,
		Dimensions:        p.Dimensions,
		Insured:           p.Insured,
		InsurancePlan:     p.InsurancePlan,
		UpdatedAt:         formatTime(p.UpdatedAt),
	}
}

type transactionResponse struct {
	ID                string            `json:"id"`
	UserID            int64             `json:"userId"`
	PackageID         *string           `json:"packageId,omitempty"`
	BillingEvent      *string           `json:"billingEvent,omitempty"`
	OrderID           *string           `json:"orderId,omitempty"`
	PaymentID         *string           `json:"paymentId,omitempty"`
	AdminTrackingCode *string           `json:"adminTrackingId,omitempty"`
	Amount            json.Number       `json:"amount"`
	Currency          string            `json:"currency"`
	Status            string            `json:"status"`
	PaymentMethod     string            `json:"paymentMethod,omitempty"`
	Description       string            `json:"description"`
	Dimensions        *model.Dimensions `json:"dimensions,omitempty"`
	VolumetricWeight  float64           `json:"volumetricWeight,omitempty"`
	VolumetricUnit    string            `json:"volumetricUnit,omitempty"`
	PaymentAttempts   int               `json:"paymentAttempts"`
	LastAttemptAt     *string           `json:"lastAttemptAt,omitempty"`
	PaidAt            *string           `json:"paidAt,omitempty"`
	CreatedAt         string            `json:"createdAt"`
	UpdatedAt         string            `json:"updatedAt"`
}

func newTransactionResponse(t *model.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                t.ID.String(),
		UserID:            t.UserID,
		PackageID:         optionalID(t.PackageID),
		OrderID:           t.OrderID,
		PaymentID:         t.PaymentID,
		AdminTrackingCode: t.AdminTrackingCode,
		Amount:            amountJSON(t.Amount),
		Currency:          t.Currency,
		Status:            string(t.Status),
		PaymentMethod:     t.PaymentMethod,
		Description:       t.Description,
		Dimensions:        t.Dimensions,
		VolumetricWeight:  t.VolumetricWeight,
		VolumetricUnit:    t.VolumetricUnit,
		PaymentAttempts:   t.PaymentAttempts,
		LastAttemptAt:     optionalTime(t.LastAttemptAt),
		PaidAt:            optionalTime(t.PaidAt),
		CreatedAt:         formatTime(t.CreatedAt),
		UpdatedAt:         formatTime(t.UpdatedAt),
	}
	if t.BillingEvent != nil {
		e := string(*t.BillingEvent)
		resp.BillingEvent = &e
	}
	return resp
}

// orderResponse отдаёт заказ шлюза; суммы указаны в минимальных единицах валюты.
type orderResponse struct {
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amountPaid"`
	Currency   string `json:"currency"`
	Receipt    string `json:"receipt,omitempty"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
}

func newOrderResponse(o *gateway.Order) orderResponse {
	return orderResponse{
		OrderID:    o.ID,
		Amount:     o.Amount,
		AmountPaid: o.AmountPaid,
		Currency:   o.Currency,
		Receipt:    o.Receipt,
		Status:     o.Status,
		Attempts:   o.Attempts,
	}
}

type completedResponse struct {
	ID                   string            `json:"id"`
	TransactionID        string            `json:"transactionId"`
	UserID               int64             `json:"userId"`
	PackageID            *string           `json:"packageId,omitempty"`
	OrderID              *string           `json:"orderId,omitempty"`
	PaymentID            *string           `json:"paymentId,omitempty"`
	AdminTrackingCode    *string           `json:"adminTrackingId,omitempty"`
	Amount               json.Number       `json:"amount"`
	Currency             string            `json:"currency"`
	Status               string            `json:"status"`
	PaymentMethod        string            `json:"paymentMethod,omitempty"`
	Description          string            `json:"description"`
	Dimensions           *model.Dimensions `json:"dimensions,omitempty"`
	VolumetricWeight     float64           `json:"volumetricWeight,omitempty"`
	VolumetricUnit       string            `json:"volumetricUnit,omitempty"`
	PaymentAttempts      int               `json:"paymentAttempts"`
	PaidAt               *string           `json:"paidAt,omitempty"`
	CompletedAt          string            `json:"completedAt"`
	PostCompletionStatus string            `json:"packageStatus"`
	Notes                string            `json:"notes,omitempty"`
}

func newCompletedResponse(c *model.CompletedTransaction) completedResponse {
	return completedResponse{
		ID:                   c.ID.String(),
		TransactionID:        c.TransactionID.String(),
		UserID:               c.UserID,
		PackageID:            optionalID(c.PackageID),
		OrderID:              c.OrderID,
		PaymentID:            c.PaymentID,
		AdminTrackingCode:    c.AdminTrackingCode,
		Amount:               amountJSON(c.Amount),
		Currency:             c.Currency,
		Status:               string(c.Status),
		PaymentMethod:        c.PaymentMethod,
		Description:          c.Description,
		Dimensions:           c.Dimensions,
		VolumetricWeight:     c.VolumetricWeight,
		VolumetricUnit:       c.VolumetricUnit,
		PaymentAttempts:      c.PaymentAttempts,
		PaidAt:               optionalTime(c.PaidAt),
		CompletedAt:          formatTime(c.CompletedAt),
		PostCompletionStatus: string(c.PostCompletionStatus),
		Notes:                c.Notes,
	}
}

// amountJSON отдаёт сумму JSON-числом с двумя знаками после запятой.
func amountJSON(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func optionalID(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
