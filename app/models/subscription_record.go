package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusPending    = "pending"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusCancelling = "cancelling"
	SubscriptionStatusCanceled   = "canceled"
)

// SubscriptionRecord mirrors one billing relationship attempt between a user and
// a creator's tier. Provider references stay NULL until the provider object exists.
//
// LiveSlot backs the storage-level guard: it is true for every live status and
// NULL otherwise, so the unique index on (user, creator, tier, live_slot) admits
// a single live row per tuple while keeping any number of historical rows.
type SubscriptionRecord struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 string     `gorm:"type:varchar(64);not null;index:ux_subscription_records_live,unique,priority:1;index:idx_subscription_records_user_creator,priority:1" json:"user_id"`
	CreatorID              string     `gorm:"type:varchar(64);not null;index:ux_subscription_records_live,unique,priority:2;index:idx_subscription_records_user_creator,priority:2;index" json:"creator_id"`
	TierID                 string     `gorm:"type:varchar(64);not null;index:ux_subscription_records_live,unique,priority:3" json:"tier_id"`
	LiveSlot               *bool      `gorm:"index:ux_subscription_records_live,unique,priority:4" json:"-"`
	ExternalSubscriptionID *string    `gorm:"type:varchar(191);uniqueIndex:ux_subscription_records_external" json:"external_subscription_id,omitempty"`
	ExternalCustomerID     *string    `gorm:"type:varchar(191)" json:"external_customer_id,omitempty"`
	Status                 string     `gorm:"type:varchar(20);not null;default:'incomplete';index" json:"status"`
	AmountCents            int64      `gorm:"not null;default:0" json:"amount_cents"`
	Currency               string     `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	PeriodStart            *time.Time `gorm:"type:timestamp;default:null" json:"period_start,omitempty"`
	PeriodEnd              *time.Time `gorm:"type:timestamp;default:null" json:"period_end,omitempty"`
	CancelAt               *time.Time `gorm:"type:timestamp;default:null" json:"cancel_at,omitempty"`
	Version                uint       `gorm:"not null;default:1" json:"-"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave keeps the live slot in step with the status on Create/Save.
func (r *SubscriptionRecord) BeforeSave(tx *gorm.DB) error {
	r.LiveSlot = LiveSlotFor(r.Status)
	if r.Version == 0 {
		r.Version = 1
	}
	return nil
}

// IsProviderBilled reports whether the record is linked to a provider subscription.
func (r *SubscriptionRecord) IsProviderBilled() bool {
	return r != nil && r.ExternalSubscriptionID != nil && *r.ExternalSubscriptionID != ""
}

// ExternalID returns the provider subscription id or "".
func (r *SubscriptionRecord) ExternalID() string {
	if r == nil || r.ExternalSubscriptionID == nil {
		return ""
	}
	return *r.ExternalSubscriptionID
}

// GrantsAccess reports whether the record entitles the user to the creator's content.
// Cancelling records keep access until CancelAt.
func (r *SubscriptionRecord) GrantsAccess() bool {
	return r.Status == SubscriptionStatusActive || r.Status == SubscriptionStatusCancelling
}

// IsLiveStatus reports whether status occupies the tuple's live slot.
func IsLiveStatus(status string) bool {
	switch status {
	case SubscriptionStatusIncomplete, SubscriptionStatusPending, SubscriptionStatusActive, SubscriptionStatusCancelling:
		return true
	default:
		return false
	}
}

// LiveSlotFor returns the live_slot column value for status.
func LiveSlotFor(status string) *bool {
	if !IsLiveStatus(status) {
		return nil
	}
	v := true
	return &v
}
