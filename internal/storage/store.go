package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrActiveSessionExists is returned when a second active session would be created for a user
	ErrActiveSessionExists = errors.New("user already has an active session")
	// ErrAlreadyExists is returned when a unique key is already taken
	ErrAlreadyExists = errors.New("record already exists")
	// ErrSessionNotActive is returned when closing a session that another writer already closed
	ErrSessionNotActive = errors.New("session is no longer active")
)

// Store is the persistence contract for users, sessions, messages and flows.
// Implementations must make CreateMessageIfAbsent and CreateSession atomic:
// duplicate webhook deliveries and concurrent session creation race here.
type Store interface {
	// User operations
	UpsertUser(ctx context.Context, phone string, defaults models.User, now time.Time) (*models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*models.User, error)
	SetUserBlocked(ctx context.Context, phone string, blocked bool) (*models.User, error)

	// Message operations
	CreateMessageIfAbsent(ctx context.Context, msg *models.Message) (*models.Message, bool, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error)
	UpdateMessageStatus(ctx context.Context, externalID string, update models.StatusUpdate) (*models.Message, error)
	AttachMessageToSession(ctx context.Context, messageID, sessionID uint) error
	RecentSessionMessages(ctx context.Context, sessionID uint, limit int) ([]*models.Message, error)
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Session operations
	GetActiveSession(ctx context.Context, userID uint) (*models.Session, error)
	CreateSession(ctx context.Context, session *models.Session) error
	// SaveSession writes context, step, metadata and expiry of an active
	// session; it returns ErrSessionNotActive once the session was closed.
	SaveSession(ctx context.Context, session *models.Session) error
	CloseSession(ctx context.Context, sessionID uint, status string, at time.Time) error
	ExpireStaleSessions(ctx context.Context, now time.Time) (int64, error)
	CountActiveSessions(ctx context.Context, now time.Time) (int64, error)

	// Flow operations
	CreateFlow(ctx context.Context, flow *models.Flow) error
	GetFlow(ctx context.Context, flowID string) (*models.Flow, error)
	ListFlows(ctx context.Context, status string) ([]*models.Flow, error)
	SaveFlow(ctx context.Context, flow *models.Flow) error
}
