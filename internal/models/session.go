package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Session statuses
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusExpired   = "expired"
	SessionStatusAbandoned = "abandoned"
)

// Session is a bounded, expiring window of conversation state for one user.
// The partial unique index keeps at most one active session per user.
type Session struct {
	gorm.Model
	UserID      uint              `json:"user_id" gorm:"not null;index;uniqueIndex:idx_sessions_one_active,where:status = 'active'"`
	Status      string            `json:"status" gorm:"size:20;not null;default:active;index"`
	Context     datatypes.JSONMap `json:"context"` // carried across turns by rule actions
	CurrentStep string            `json:"current_step"`
	Metadata    datatypes.JSONMap `json:"metadata"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at"`
	ExpiresAt   time.Time         `json:"expires_at" gorm:"index"`
}

func (Session) TableName() string { return "whatsapp_sessions" }

// IsExpired reports whether the expiry is not after now
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// IsActive reports whether the session can still take turns
func (s *Session) IsActive(now time.Time) bool {
	return s.Status == SessionStatusActive && !s.IsExpired(now)
}

// GetContext returns the value stored under key, or def
func (s *Session) GetContext(key string, def interface{}) interface{} {
	if s.Context == nil {
		return def
	}
	if v, ok := s.Context[key]; ok {
		return v
	}
	return def
}

// SetContext stores value under key; callers persist through SessionManager.Save
func (s *Session) SetContext(key string, value interface{}) {
	if s.Context == nil {
		s.Context = datatypes.JSONMap{}
	}
	s.Context[key] = value
}

// ForgetContext removes key from the context
func (s *Session) ForgetContext(key string) {
	delete(s.Context, key)
}
