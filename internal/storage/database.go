package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
)

// DatabaseStore implements Store on gorm. The uniqueness guarantees come
// from the schema: a unique index on whatsapp_messages.external_id and a
// partial unique index on whatsapp_sessions(user_id) WHERE status = 'active'.
// The *gorm.DB must be opened with TranslateError so duplicate keys surface
// as gorm.ErrDuplicatedKey.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore creates a store backed by db
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

// Models lists every table the store needs migrated
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Session{},
		&models.Message{},
		&models.Flow{},
	}
}

// User operations
func (d *DatabaseStore) UpsertUser(ctx context.Context, phone string, defaults models.User, now time.Time) (*models.User, error) {
	user := defaults
	user.PhoneNumber = phone
	user.LastInteractionAt = &now

	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "phone_number"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"last_interaction_at": now, "updated_at": now}),
		}).
		Create(&user).Error
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", phone, err)
	}

	// re-read: on conflict the returned row id is not reliable across drivers
	return d.GetUserByPhone(ctx, phone)
}

func (d *DatabaseStore) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	var user models.User
	if err := d.db.WithContext(ctx).Where("phone_number = ?", phone).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (d *DatabaseStore) SetUserBlocked(ctx context.Context, phone string, blocked bool) (*models.User, error) {
	res := d.db.WithContext(ctx).Model(&models.User{}).
		Where("phone_number = ?", phone).
		Update("is_blocked", blocked)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return d.GetUserByPhone(ctx, phone)
}

// Message operations
func (d *DatabaseStore) CreateMessageIfAbsent(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	res := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoNothing: true,
		}).
		Create(msg)
	if res.Error != nil {
		return nil, false, fmt.Errorf("insert message %s: %w", msg.ExternalID, res.Error)
	}
	if res.RowsAffected == 1 {
		return msg, true, nil
	}

	existing, err := d.GetMessageByExternalID(ctx, msg.ExternalID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (d *DatabaseStore) GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	var msg models.Message
	if err := d.db.WithContext(ctx).Where("external_id = ?", externalID).First(&msg).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

func (d *DatabaseStore) UpdateMessageStatus(ctx context.Context, externalID string, update models.StatusUpdate) (*models.Message, error) {
	fields := map[string]interface{}{}
	if update.Status != "" {
		fields["status"] = update.Status
	}
	if update.SentAt != nil {
		fields["sent_at"] = *update.SentAt
	}
	if update.DeliveredAt != nil {
		fields["delivered_at"] = *update.DeliveredAt
	}
	if update.ReadAt != nil {
		fields["read_at"] = *update.ReadAt
	}
	if update.FailedAt != nil {
		fields["failed_at"] = *update.FailedAt
	}
	if update.ErrorMessage != nil {
		fields["error_message"] = *update.ErrorMessage
	}

	res := d.db.WithContext(ctx).Model(&models.Message{}).
		Where("external_id = ?", externalID).
		Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return d.GetMessageByExternalID(ctx, externalID)
}

func (d *DatabaseStore) AttachMessageToSession(ctx context.Context, messageID, sessionID uint) error {
	res := d.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", messageID).
		Update("session_id", sessionID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DatabaseStore) RecentSessionMessages(ctx context.Context, sessionID uint, limit int) ([]*models.Message, error) {
	var msgs []*models.Message
	q := d.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (d *DatabaseStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Unscoped().
		Where("created_at < ?", cutoff).
		Delete(&models.Message{})
	return res.RowsAffected, res.Error
}

// Session operations
func (d *DatabaseStore) GetActiveSession(ctx context.Context, userID uint) (*models.Session, error) {
	var session models.Session
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.SessionStatusActive).
		Order("id DESC").
		First(&session).Error
	if err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

func (d *DatabaseStore) CreateSession(ctx context.Context, session *models.Session) error {
	if err := d.db.WithContext(ctx).Create(session).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// SaveSession writes the mutable fields of an active session. Status changes
// go through CloseSession, so a stale copy can never reopen a closed row.
func (d *DatabaseStore) SaveSession(ctx context.Context, session *models.Session) error {
	res := d.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", session.ID, models.SessionStatusActive).
		Select("context", "current_step", "metadata", "expires_at").
		Updates(map[string]interface{}{
			"context":      session.Context,
			"current_step": session.CurrentStep,
			"metadata":     session.Metadata,
			"expires_at":   session.ExpiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := d.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", session.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrSessionNotActive
}

// CloseSession only moves an active row, so two closers cannot both win
func (d *DatabaseStore) CloseSession(ctx context.Context, sessionID uint, status string, at time.Time) error {
	res := d.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", sessionID, models.SessionStatusActive).
		Updates(map[string]interface{}{"status": status, "ended_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotActive
	}
	return nil
}

func (d *DatabaseStore) ExpireStaleSessions(ctx context.Context, now time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Model(&models.Session{}).
		Where("status = ? AND expires_at <= ?", models.SessionStatusActive, now).
		Updates(map[string]interface{}{"status": models.SessionStatusExpired, "ended_at": now})
	return res.RowsAffected, res.Error
}

func (d *DatabaseStore) CountActiveSessions(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.Session{}).
		Where("status = ? AND expires_at > ?", models.SessionStatusActive, now).
		Count(&count).Error
	return count, err
}

// Flow operations
func (d *DatabaseStore) CreateFlow(ctx context.Context, flow *models.Flow) error {
	if err := d.db.WithContext(ctx).Create(flow).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create flow: %w", err)
	}
	return nil
}

func (d *DatabaseStore) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	var flow models.Flow
	if err := d.db.WithContext(ctx).Where("flow_id = ?", flowID).First(&flow).Error; err != nil {
		return nil, translate(err)
	}
	return &flow, nil
}

func (d *DatabaseStore) ListFlows(ctx context.Context, status string) ([]*models.Flow, error) {
	var flows []*models.Flow
	q := d.db.WithContext(ctx).Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&flows).Error; err != nil {
		return nil, err
	}
	return flows, nil
}

func (d *DatabaseStore) SaveFlow(ctx context.Context, flow *models.Flow) error {
	return d.db.WithContext(ctx).Save(flow).Error
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
