package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance mirrors the credit_balances table. One row per user, created
// once at signup and never deleted.
type CreditBalance struct {
	UserID          string    `gorm:"primaryKey"`
	Balance         int64     `gorm:"not null;default:0"`
	LifetimeCredits int64     `gorm:"not null;default:0"`
	Tier            string    `gorm:"not null;default:basic"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CreditTransaction mirrors the append-only credit_transactions table. The
// partial unique index over (user_id, external_ref) is the deduplication
// guard for replayed payment confirmations.
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_transactions_user_created,priority:1;index:uniq_transactions_user_external_ref,unique,priority:1"`
	Amount        int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Type          string         `gorm:"not null"`
	Description   string         `gorm:""`
	ExternalRef   *string        `gorm:"index:uniq_transactions_user_external_ref,unique,priority:2"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// CreditPackage mirrors the credit_packages catalog table.
type CreditPackage struct {
	PackageID         string `gorm:"type:uuid;primaryKey"`
	Name              string `gorm:"not null"`
	Credits           int64  `gorm:"not null"`
	PriceCents        int64  `gorm:"not null"`
	Currency          string `gorm:"not null;size:3"`
	Tier              string `gorm:"not null"`
	SavingsPercentage int64  `gorm:"not null;default:0"`
	IsActive          bool   `gorm:"not null;default:true"`
}

func (CreditPackage) TableName() string { return "credit_packages" }

func (creditPackage *CreditPackage) BeforeCreate(tx *gorm.DB) error {
	if creditPackage.PackageID == "" {
		creditPackage.PackageID = uuid.NewString()
	}
	return nil
}

// CreditConfiguration mirrors the credit_configurations key/value table.
type CreditConfiguration struct {
	Key         string `gorm:"primaryKey;size:100"`
	Value       int64  `gorm:"not null"`
	Description string `gorm:""`
	IsActive    bool   `gorm:"not null;default:true"`
}

func (CreditConfiguration) TableName() string { return "credit_configurations" }

// Invoice mirrors the credit_invoices table. The unique transaction_id keeps
// invoice issuance at-most-once per purchase transaction.
type Invoice struct {
	InvoiceID          string    `gorm:"type:uuid;primaryKey"`
	UserID             string    `gorm:"not null;index"`
	TransactionID      string    `gorm:"type:uuid;not null;index:uniq_invoices_transaction,unique"`
	ExternalInvoiceRef string    `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
}

func (Invoice) TableName() string { return "credit_invoices" }

func (invoice *Invoice) BeforeCreate(tx *gorm.DB) error {
	if invoice.InvoiceID == "" {
		invoice.InvoiceID = uuid.NewString()
	}
	return nil
}
