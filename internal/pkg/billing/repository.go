package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/patronbox/app/models"
)

// TierInfo is a tier together with its creator's payout destination.
type TierInfo struct {
	Tier            models.Tier
	PayoutAccountID string
}

// Store hides the subscription and access tables behind one interface. Every
// record write keeps the matching AccessGrant in step inside the same transaction.
type Store interface {
	FindLiveRecords(ctx context.Context, userID, creatorID, tierID string) ([]models.SubscriptionRecord, error)
	GetRecord(ctx context.Context, id uint) (*models.SubscriptionRecord, error)
	GetRecordByExternalID(ctx context.Context, externalID string) (*models.SubscriptionRecord, error)
	InsertRecord(ctx context.Context, rec *models.SubscriptionRecord) error
	UpsertRecord(ctx context.Context, rec *models.SubscriptionRecord) error
	UpdateRecord(ctx context.Context, rec *models.SubscriptionRecord, expectedVersion uint) error
	DeleteRecord(ctx context.Context, rec *models.SubscriptionRecord) error
	ListReconcilable(ctx context.Context, creatorID string, afterID uint, limit int) ([]models.SubscriptionRecord, error)
	ListByUser(ctx context.Context, userID string) ([]models.SubscriptionRecord, error)
	GetAccess(ctx context.Context, userID, creatorID string, at time.Time) (AccessState, error)

	GetTier(ctx context.Context, creatorID, tierID string) (*TierInfo, error)
	SaveTierPriceID(ctx context.Context, tierID, priceID string) (string, error)
	GetCustomerID(ctx context.Context, userID string) (string, error)
	SaveCustomerID(ctx context.Context, userID, customerID, email string) (string, error)

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing store backed by GORM.
func NewRepository(db *gorm.DB) Store {
	return &gormRepository{db: db}
}

var liveStatuses = []string{
	models.SubscriptionStatusIncomplete,
	models.SubscriptionStatusPending,
	models.SubscriptionStatusActive,
	models.SubscriptionStatusCancelling,
}

func (r *gormRepository) FindLiveRecords(ctx context.Context, userID, creatorID, tierID string) ([]models.SubscriptionRecord, error) {
	var recs []models.SubscriptionRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND creator_id = ? AND tier_id = ? AND status IN ?", userID, creatorID, tierID, liveStatuses).
		Order("id ASC").
		Find(&recs).Error
	return recs, err
}

func (r *gormRepository) GetRecord(ctx context.Context, id uint) (*models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	if err := r.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &rec, nil
}

func (r *gormRepository) GetRecordByExternalID(ctx context.Context, externalID string) (*models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	if err := r.db.WithContext(ctx).Where("external_subscription_id = ?", externalID).First(&rec).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &rec, nil
}

func (r *gormRepository) InsertRecord(ctx context.Context, rec *models.SubscriptionRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return translateConflict(err)
		}
		return syncGrant(tx, rec)
	})
}

// UpsertRecord inserts rec or overwrites the row holding the same external
// subscription id. rec.ExternalSubscriptionID must be set.
func (r *gormRepository) UpsertRecord(ctx context.Context, rec *models.SubscriptionRecord) error {
	if !rec.IsProviderBilled() {
		return errors.New("upsert requires an external subscription id")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.SubscriptionRecord
		err := tx.Where("external_subscription_id = ?", rec.ExternalID()).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(rec).Error; err != nil {
				return translateConflict(err)
			}
		case err != nil:
			return err
		default:
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			if err := applyUpdate(tx, rec, existing.Version); err != nil {
				return err
			}
		}
		return syncGrant(tx, rec)
	})
}

// UpdateRecord writes rec only if the stored version still equals
// expectedVersion; otherwise ErrConcurrencyConflict is returned and nothing changes.
func (r *gormRepository) UpdateRecord(ctx context.Context, rec *models.SubscriptionRecord, expectedVersion uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := applyUpdate(tx, rec, expectedVersion); err != nil {
			return err
		}
		return syncGrant(tx, rec)
	})
}

func applyUpdate(tx *gorm.DB, rec *models.SubscriptionRecord, expectedVersion uint) error {
	updates := map[string]interface{}{
		"external_subscription_id": rec.ExternalSubscriptionID,
		"external_customer_id":     rec.ExternalCustomerID,
		"status":                   rec.Status,
		"live_slot":                models.LiveSlotFor(rec.Status),
		"amount_cents":             rec.AmountCents,
		"currency":                 rec.Currency,
		"period_start":             rec.PeriodStart,
		"period_end":               rec.PeriodEnd,
		"cancel_at":                rec.CancelAt,
		"version":                  expectedVersion + 1,
	}
	res := tx.Model(&models.SubscriptionRecord{}).
		Where("id = ? AND version = ?", rec.ID, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return translateConflict(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConcurrencyConflict
	}
	rec.Version = expectedVersion + 1
	rec.LiveSlot = models.LiveSlotFor(rec.Status)
	return nil
}

// DeleteRecord removes rec and its access grant if rec.Version is still current.
func (r *gormRepository) DeleteRecord(ctx context.Context, rec *models.SubscriptionRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND version = ?", rec.ID, rec.Version).Delete(&models.SubscriptionRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrencyConflict
		}
		return tx.Where("subscription_record_id = ?", rec.ID).Delete(&models.AccessGrant{}).Error
	})
}

// syncGrant derives the access row from rec: entitling records upsert the
// tuple's grant, anything else removes the grant rec owned.
func syncGrant(tx *gorm.DB, rec *models.SubscriptionRecord) error {
	if !rec.GrantsAccess() {
		return tx.Where("subscription_record_id = ?", rec.ID).Delete(&models.AccessGrant{}).Error
	}

	source := models.AccessSourceSubscription
	if !rec.IsProviderBilled() {
		source = models.AccessSourceManual
	}
	var expiresAt *time.Time
	if rec.Status == models.SubscriptionStatusCancelling {
		expiresAt = copyTime(rec.CancelAt)
	}
	recordID := rec.ID
	grant := &models.AccessGrant{
		UserID:               rec.UserID,
		CreatorID:            rec.CreatorID,
		TierID:               rec.TierID,
		SubscriptionRecordID: &recordID,
		Source:               source,
		ExpiresAt:            expiresAt,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "creator_id"},
			{Name: "tier_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"subscription_record_id",
			"source",
			"expires_at",
			"updated_at",
		}),
	}).Create(grant).Error
}

func (r *gormRepository) ListReconcilable(ctx context.Context, creatorID string, afterID uint, limit int) ([]models.SubscriptionRecord, error) {
	q := r.db.WithContext(ctx).
		Where("external_subscription_id IS NOT NULL AND external_subscription_id <> ''").
		Where("status IN ?", liveStatuses).
		Where("id > ?", afterID)
	if creatorID != "" {
		q = q.Where("creator_id = ?", creatorID)
	}
	var recs []models.SubscriptionRecord
	err := q.Order("id ASC").Limit(limit).Find(&recs).Error
	return recs, err
}

func (r *gormRepository) ListByUser(ctx context.Context, userID string) ([]models.SubscriptionRecord, error) {
	var recs []models.SubscriptionRecord
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Find(&recs).Error
	return recs, err
}

func (r *gormRepository) GetAccess(ctx context.Context, userID, creatorID string, at time.Time) (AccessState, error) {
	var grants []models.AccessGrant
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND creator_id = ?", userID, creatorID).
		Find(&grants).Error; err != nil {
		return AccessState{}, err
	}

	state := AccessState{}
	for i := range grants {
		g := &grants[i]
		if !g.ActiveAt(at) {
			continue
		}
		if g.ExpiresAt == nil {
			return AccessState{Granted: true}, nil
		}
		if !state.Granted || g.ExpiresAt.After(*state.ExpiresAt) {
			state = AccessState{Granted: true, ExpiresAt: copyTime(g.ExpiresAt)}
		}
	}
	return state, nil
}

func (r *gormRepository) GetTier(ctx context.Context, creatorID, tierID string) (*TierInfo, error) {
	var tier models.Tier
	err := r.db.WithContext(ctx).Where("id = ? AND creator_id = ?", tierID, creatorID).First(&tier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTierNotFound
	}
	if err != nil {
		return nil, err
	}

	info := &TierInfo{Tier: tier}
	var profile models.CreatorProfile
	err = r.db.WithContext(ctx).Where("creator_id = ?", creatorID).First(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, err
	default:
		info.PayoutAccountID = strings.TrimSpace(profile.PayoutAccountID)
	}
	return info, nil
}

// SaveTierPriceID stores priceID unless another request cached a price first;
// the stored winner is returned either way.
func (r *gormRepository) SaveTierPriceID(ctx context.Context, tierID, priceID string) (string, error) {
	db := r.db.WithContext(ctx)
	if err := db.Model(&models.Tier{}).
		Where("id = ? AND (provider_price_id IS NULL OR provider_price_id = '')", tierID).
		Update("provider_price_id", priceID).Error; err != nil {
		return "", err
	}
	var tier models.Tier
	if err := db.Where("id = ?", tierID).First(&tier).Error; err != nil {
		return "", translateNotFound(err)
	}
	if tier.ProviderPriceID == nil {
		return priceID, nil
	}
	return *tier.ProviderPriceID, nil
}

func (r *gormRepository) GetCustomerID(ctx context.Context, userID string) (string, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, models.BillingProviderStripe).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return account.ProviderAccountID, nil
}

// SaveCustomerID caches customerID for userID and returns the stored value,
// which differs when a concurrent request saved its customer first.
func (r *gormRepository) SaveCustomerID(ctx context.Context, userID, customerID, email string) (string, error) {
	db := r.db.WithContext(ctx)
	account := &models.BillingAccount{
		UserID:            userID,
		Provider:          models.BillingProviderStripe,
		ProviderAccountID: customerID,
		Email:             email,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(account).Error; err != nil {
		return "", err
	}

	var stored models.BillingAccount
	if err := db.Where("user_id = ? AND provider = ?", userID, models.BillingProviderStripe).
		First(&stored).Error; err != nil {
		return "", err
	}
	return stored.ProviderAccountID, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	return err
}

// translateConflict maps unique-index violations to ErrConcurrencyConflict.
// The string checks cover drivers without gorm error translation.
func translateConflict(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConcurrencyConflict
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry") {
		return ErrConcurrencyConflict
	}
	return err
}
