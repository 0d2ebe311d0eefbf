package models

import "time"

const (
	AccessSourceSubscription = "subscription"
	AccessSourceManual       = "manual"
)

// AccessGrant is the denormalized boolean-access row read by authorization checks.
// It is derived from SubscriptionRecord and written only by the billing store.
type AccessGrant struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UserID               string     `gorm:"type:varchar(64);not null;index:ux_access_grants_tuple,unique,priority:1;index:idx_access_grants_user_creator,priority:1" json:"user_id"`
	CreatorID            string     `gorm:"type:varchar(64);not null;index:ux_access_grants_tuple,unique,priority:2;index:idx_access_grants_user_creator,priority:2" json:"creator_id"`
	TierID               string     `gorm:"type:varchar(64);not null;default:'';index:ux_access_grants_tuple,unique,priority:3" json:"tier_id"`
	SubscriptionRecordID *uint      `gorm:"index" json:"subscription_record_id,omitempty"`
	Source               string     `gorm:"type:varchar(20);not null;default:'subscription'" json:"source"`
	ExpiresAt            *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ActiveAt reports whether the grant still entitles access at t.
func (g *AccessGrant) ActiveAt(t time.Time) bool {
	return g != nil && (g.ExpiresAt == nil || t.Before(*g.ExpiresAt))
}
