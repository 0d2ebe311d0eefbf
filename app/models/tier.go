package models

import "time"

// Tier is a creator's membership tier. It is owned by the content side of the
// product; billing only reads it and caches the provider price object id.
type Tier struct {
	ID              string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CreatorID       string    `gorm:"type:varchar(64);not null;index" json:"creator_id"`
	Name            string    `gorm:"type:varchar(150);not null" json:"name"`
	AmountCents     int64     `gorm:"not null" json:"amount_cents"`
	Currency        string    `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	ProviderPriceID *string   `gorm:"type:varchar(191);default:null" json:"provider_price_id,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CreatorProfile holds the creator's payout destination (a Connect account id).
type CreatorProfile struct {
	CreatorID       string    `gorm:"primaryKey;type:varchar(64)" json:"creator_id"`
	DisplayName     string    `gorm:"type:varchar(150)" json:"display_name"`
	PayoutAccountID string    `gorm:"type:varchar(191);default:''" json:"payout_account_id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
