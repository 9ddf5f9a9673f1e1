// Package model содержит доменные сущности сервиса parcelpay.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role описывает роль вызывающего пользователя.
type Role string

const (
	RoleUser  Role = "user"
	RoleStaff Role = "staff"
)

// Caller описывает пользователя, от имени которого выполняется операция.
type Caller struct {
	UserID int64
	Role   Role
}

// IsStaff сообщает, является ли пользователь сотрудником.
func (c Caller) IsStaff() bool {
	return c.Role == RoleStaff
}

// CanAccess сообщает, может ли пользователь работать с записью владельца ownerID.
func (c Caller) CanAccess(ownerID int64) bool {
	return c.IsStaff() || c.UserID == ownerID
}

// PackageStatus описывает этап доставки посылки.
type PackageStatus string

const (
	PackageStatusWaiting   PackageStatus = "waiting"
	PackageStatusInTransit PackageStatus = "in_transit"
	PackageStatusIndia     PackageStatus = "india"
	PackageStatusDispatch  PackageStatus = "dispatch"
	PackageStatusDelivered PackageStatus = "delivered"
	PackageStatusCancelled PackageStatus = "cancelled"
	PackageStatusReturned  PackageStatus = "returned"
)

// PackageStatuses перечисляет все известные статусы посылки.
var PackageStatuses = []PackageStatus{
	PackageStatusWaiting,
	PackageStatusInTransit,
	PackageStatusIndia,
	PackageStatusDispatch,
	PackageStatusDelivered,
	PackageStatusCancelled,
	PackageStatusReturned,
}

// Valid сообщает, входит ли статус в известный набор.
func (s PackageStatus) Valid() bool {
	for _, known := range PackageStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Dimensions описывает габариты посылки.
type Dimensions struct {
	Width  float64 `json:"width" validate:"gt=0"`
	Height float64 `json:"height" validate:"gt=0"`
	Length float64 `json:"length" validate:"gt=0"`
	Unit   string  `json:"unit" validate:"required,oneof=cm in m"`
}

// Package описывает отправление пользователя.
type Package struct {
	ID                uuid.UUID
	UserID            int64
	TrackingCode      string
	AdminTrackingCode *string
	Status            PackageStatus
	CurrentLocation   string
	Weight            float64
	WeightUnit        string
	VolumetricWeight  float64
	VolumetricUnit    string
	Dimensions        *Dimensions
	Insured           bool
	InsurancePlan     string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TransactionStatus описывает состояние платёжного обязательства.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Valid сообщает, входит ли статус в известный набор.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed:
		return true
	}
	return false
}

// Active сообщает, считается ли транзакция в этом статусе активной.
func (s TransactionStatus) Active() bool {
	return s == TransactionStatusPending || s == TransactionStatusFailed
}

// BillingEvent описывает событие жизненного цикла посылки, породившее транзакцию.
type BillingEvent string

// BillingEventArrival выставляется при прибытии посылки в Индию.
const BillingEventArrival BillingEvent = "arrival"

// Transaction описывает изменяемую запись платёжного реестра.
type Transaction struct {
	ID                uuid.UUID
	UserID            int64
	PackageID         *uuid.UUID
	BillingEvent      *BillingEvent
	OrderID           *string
	PaymentID         *string
	AdminTrackingCode *string
	Amount            decimal.Decimal
	Currency          string
	Status            TransactionStatus
	PaymentMethod     string
	Description       string
	Dimensions        *Dimensions
	VolumetricWeight  float64
	VolumetricUnit    string
	PaymentAttempts   int
	LastAttemptAt     *time.Time
	PaidAt            *time.Time
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PostCompletionStatus описывает этап обработки после оплаты.
type PostCompletionStatus string

const (
	PostCompletionProcessing PostCompletionStatus = "Processing"
	PostCompletionDispatch   PostCompletionStatus = "Dispatch"
)

// Valid сообщает, входит ли статус в допустимый набор.
func (s PostCompletionStatus) Valid() bool {
	return s == PostCompletionProcessing || s == PostCompletionDispatch
}

// CompletedTransaction описывает архивную запись оплаченной транзакции.
type CompletedTransaction struct {
	ID                   uuid.UUID
	TransactionID        uuid.UUID
	UserID               int64
	PackageID            *uuid.UUID
	OrderID              *string
	PaymentID            *string
	AdminTrackingCode    *string
	Amount               decimal.Decimal
	Currency             string
	Status               TransactionStatus
	PaymentMethod        string
	Description          string
	Dimensions           *Dimensions
	VolumetricWeight     float64
	VolumetricUnit       string
	PaymentAttempts      int
	LastAttemptAt        *time.Time
	PaidAt               *time.Time
	CompletedAt          time.Time
	PostCompletionStatus PostCompletionStatus
	Notes                string
	CreatedAt            time.Time
}

// NewCompletedTransaction копирует транзакцию в архивную запись.
func NewCompletedTransaction(tx Transaction, completedAt time.Time) CompletedTransaction {
	return CompletedTransaction{
		ID:                   uuid.New(),
		TransactionID:        tx.ID,
		UserID:               tx.UserID,
		PackageID:            tx.PackageID,
		OrderID:              tx.OrderID,
		PaymentID:            tx.PaymentID,
		AdminTrackingCode:    tx.AdminTrackingCode,
		Amount:               tx.Amount,
		Currency:             tx.Currency,
		Status:               TransactionStatusCompleted,
		PaymentMethod:        tx.PaymentMethod,
		Description:          tx.Description,
		Dimensions:           tx.Dimensions,
		VolumetricWeight:     tx.VolumetricWeight,
		VolumetricUnit:       tx.VolumetricUnit,
		PaymentAttempts:      tx.PaymentAttempts,
		LastAttemptAt:        tx.LastAttemptAt,
		PaidAt:               tx.PaidAt,
		CompletedAt:          completedAt,
		PostCompletionStatus: PostCompletionProcessing,
	}
}

// TransactionFilter описывает выборку транзакций.
type TransactionFilter struct {
	UserID *int64
	Status *TransactionStatus
}
