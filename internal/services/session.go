package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
	"github.com/Ananth-NQI/whatsapp-engine/internal/storage"
)

// createAttempts bounds the get-or-create loop when concurrent creators collide
const createAttempts = 3

// SessionManager owns the session lifecycle: at most one active session per
// user, a sliding expiry window, and explicit ending.
type SessionManager struct {
	store      storage.Store
	sessionTTL time.Duration
	now        func() time.Time
}

// NewSessionManager creates a new session manager
func NewSessionManager(store storage.Store, cfg config.ChatbotConfig) *SessionManager {
	ttl := cfg.SessionTTL()
	if ttl <= 0 {
		ttl = 30 * time.Minute // 30 minute session timeout
	}
	return &SessionManager{
		store:      store,
		sessionTTL: ttl,
		now:        time.Now,
	}
}

// SetClock replaces the time source
func (sm *SessionManager) SetClock(now func() time.Time) {
	sm.now = now
}

// Now returns the manager's current time
func (sm *SessionManager) Now() time.Time {
	return sm.now()
}

// TTL returns the sliding window length
func (sm *SessionManager) TTL() time.Duration {
	return sm.sessionTTL
}

// GetOrCreate returns the user's live session, extended by the TTL. An
// active session past its expiry is closed and replaced.
func (sm *SessionManager) GetOrCreate(ctx context.Context, user *models.User) (*models.Session, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		now := sm.now()

		existing, err := sm.store.GetActiveSession(ctx, user.ID)
		switch {
		case err == nil && !existing.IsExpired(now):
			existing.ExpiresAt = now.Add(sm.sessionTTL)
			err := sm.store.SaveSession(ctx, existing)
			if err == nil {
				return existing, nil
			}
			if !errors.Is(err, storage.ErrSessionNotActive) {
				return nil, fmt.Errorf("extend session %d: %w", existing.ID, err)
			}
			// closed under us; look again
			continue

		case err == nil:
			// superseded: close the stale one before opening a new one
			if err := sm.store.CloseSession(ctx, existing.ID, models.SessionStatusCompleted, now); err != nil &&
				!errors.Is(err, storage.ErrSessionNotActive) {
				return nil, fmt.Errorf("close stale session %d: %w", existing.ID, err)
			}
			log.Printf("⏰ Session %d for %s expired, starting a new one", existing.ID, user.PhoneNumber)

		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("load session: %w", err)
		}

		session := &models.Session{
			UserID:    user.ID,
			Status:    models.SessionStatusActive,
			StartedAt: now,
			ExpiresAt: now.Add(sm.sessionTTL),
		}
		err = sm.store.CreateSession(ctx, session)
		if err == nil {
			log.Printf("Session created for %s (session %d)", user.PhoneNumber, session.ID)
			return session, nil
		}
		if !errors.Is(err, storage.ErrActiveSessionExists) {
			return nil, err
		}
		// another request created it first; loop to read and extend theirs
	}
	return nil, fmt.Errorf("could not acquire session for user %d", user.ID)
}

// Extend pushes the expiry forward by minutes from now; 0 uses the configured TTL
func (sm *SessionManager) Extend(ctx context.Context, session *models.Session, minutes int) error {
	d := sm.sessionTTL
	if minutes > 0 {
		d = time.Duration(minutes) * time.Minute
	}
	session.ExpiresAt = sm.now().Add(d)
	if err := sm.store.SaveSession(ctx, session); err != nil {
		return err
	}
	log.Printf("Session %d extended by %s", session.ID, d)
	return nil
}

// End marks the session completed
func (sm *SessionManager) End(ctx context.Context, session *models.Session) error {
	now := sm.now()
	if err := sm.store.CloseSession(ctx, session.ID, models.SessionStatusCompleted, now); err != nil {
		return err
	}
	session.Status = models.SessionStatusCompleted
	session.EndedAt = &now
	return nil
}

// Save persists context, step, metadata and expiry changes. It returns
// storage.ErrSessionNotActive once the session has been closed.
func (sm *SessionManager) Save(ctx context.Context, session *models.Session) error {
	return sm.store.SaveSession(ctx, session)
}

// ActiveCount returns the number of live sessions
func (sm *SessionManager) ActiveCount(ctx context.Context) (int64, error) {
	return sm.store.CountActiveSessions(ctx, sm.now())
}

// StartStep begins a multi-step exchange, storing its initial data in the context
func (sm *SessionManager) StartStep(session *models.Session, step string, data map[string]interface{}) {
	session.CurrentStep = step
	for key, value := range data {
		session.SetContext(key, value)
	}
}

// CompleteSteps clears the current step and the given context keys
func (sm *SessionManager) CompleteSteps(session *models.Session, keys ...string) {
	session.CurrentStep = ""
	for _, key := range keys {
		session.ForgetContext(key)
	}
}
