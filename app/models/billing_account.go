package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

// BillingAccount caches a user's provider customer per provider so repeated
// subscriptions reuse one customer object.
type BillingAccount struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            string    `gorm:"type:varchar(64);not null;index:ux_billing_accounts_user_provider,unique" json:"user_id"`
	Provider          string    `gorm:"type:varchar(20);not null;index:ux_billing_accounts_user_provider,unique;index:ux_billing_accounts_provider_account,unique,priority:1" json:"provider"`
	ProviderAccountID string    `gorm:"type:varchar(191);not null;index:ux_billing_accounts_provider_account,unique,priority:2" json:"provider_account_id"`
	Email             string    `gorm:"type:varchar(200);default:''" json:"email"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
