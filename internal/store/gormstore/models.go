package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AccountBalance represents the account_balances table, one row per tenant.
type AccountBalance struct {
	TenantID       string     `gorm:"primaryKey"`
	TotalCredit    int64      `gorm:"not null;default:0"`
	UsedCredit     int64      `gorm:"not null;default:0"`
	PeriodStart    *time.Time `gorm:""`
	ExpiresAt      *time.Time `gorm:""`
	PriceID        string     `gorm:""`
	CustomerID     string     `gorm:""`
	SubscriptionID string     `gorm:""`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (AccountBalance) TableName() string { return "account_balances" }

// VerificationJob mirrors the verification_jobs table.
type VerificationJob struct {
	JobID             string    `gorm:"primaryKey"`
	TenantID          string    `gorm:"primaryKey"`
	Name              string    `gorm:"not null"`
	SourceFilename    string    `gorm:""`
	SourceStoragePath string    `gorm:""`
	Status            string    `gorm:"not null"`
	UniqueEmails      int64     `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (VerificationJob) TableName() string { return "verification_jobs" }

// EmailTask mirrors the email_tasks table. The unique (tenant_id, job_id,
// email) index is the charge-once guard for retried upload chunks; job ids
// are only unique per tenant, so the tenant column must lead the key.
type EmailTask struct {
	TaskID    string    `gorm:"type:uuid;primaryKey"`
	JobID     string    `gorm:"not null;index:uniq_email_tasks_tenant_job_email,unique,priority:2"`
	Email     string    `gorm:"not null;index:uniq_email_tasks_tenant_job_email,unique,priority:3"`
	TenantID  string    `gorm:"not null;index:uniq_email_tasks_tenant_job_email,unique,priority:1"`
	Status    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (EmailTask) TableName() string { return "email_tasks" }

func (task *EmailTask) BeforeCreate(tx *gorm.DB) error {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	return nil
}

// ProcessedInvoice mirrors the processed_invoices table; the invoice id
// primary key deduplicates invoice-paid deliveries.
type ProcessedInvoice struct {
	InvoiceID   string         `gorm:"primaryKey"`
	TenantID    string         `gorm:"not null;index:idx_processed_invoices_tenant"`
	PriceID     string         `gorm:"not null"`
	PeriodStart time.Time      `gorm:"not null"`
	PeriodEnd   time.Time      `gorm:""`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (ProcessedInvoice) TableName() string { return "processed_invoices" }

// CreditTopupGrant mirrors the credit_topup_grants table; the checkout
// session id primary key makes each purchase grant credits exactly once.
type CreditTopupGrant struct {
	CheckoutSessionID string    `gorm:"primaryKey"`
	TenantID          string    `gorm:"not null;index:idx_credit_topup_grants_tenant"`
	CreditsGranted    int64     `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
}

func (CreditTopupGrant) TableName() string { return "credit_topup_grants" }
