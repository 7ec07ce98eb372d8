package storage

import (
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
)

// MemoryStore holds all data in memory. Used for tests and USE_MEMORY_STORE.
type MemoryStore struct {
	users    map[string]*models.User    // by phone
	messages map[string]*models.Message // by external id
	sessions map[uint]*models.Session
	flows    map[string]*models.Flow // by flow id

	// one mutex per table family
	userMu    sync.RWMutex
	messageMu sync.RWMutex
	sessionMu sync.RWMutex
	flowMu    sync.RWMutex

	// Counters for ID generation
	userCounter    uint
	messageCounter uint
	sessionCounter uint
	flowCounter    uint
}

// NewMemoryStore creates a new in-memory storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*models.User),
		messages: make(map[string]*models.Message),
		sessions: make(map[uint]*models.Session),
		flows:    make(map[string]*models.Flow),
	}
}

// User operations
func (m *MemoryStore) UpsertUser(_ context.Context, phone string, defaults models.User, now time.Time) (*models.User, error) {
	m.userMu.Lock()
	defer m.userMu.Unlock()

	user, exists := m.users[phone]
	if !exists {
		m.userCounter++
		user = &defaults
		user.ID = m.userCounter
		user.PhoneNumber = phone
		user.CreatedAt = now
		m.users[phone] = user
	}
	ts := now
	user.LastInteractionAt = &ts
	user.UpdatedAt = now

	return copyUser(user), nil
}

func (m *MemoryStore) GetUserByPhone(_ context.Context, phone string) (*models.User, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, exists := m.users[phone]
	if !exists {
		return nil, ErrNotFound
	}
	return copyUser(user), nil
}

func (m *MemoryStore) SetUserBlocked(_ context.Context, phone string, blocked bool) (*models.User, error) {
	m.userMu.Lock()
	defer m.userMu.Unlock()

	user, exists := m.users[phone]
	if !exists {
		return nil, ErrNotFound
	}
	user.IsBlocked = blocked
	return copyUser(user), nil
}

// Message operations
func (m *MemoryStore) CreateMessageIfAbsent(_ context.Context, msg *models.Message) (*models.Message, bool, error) {
	m.messageMu.Lock()
	defer m.messageMu.Unlock()

	if existing, exists := m.messages[msg.ExternalID]; exists {
		return copyMessage(existing), false, nil
	}

	m.messageCounter++
	stored := copyMessage(msg)
	stored.ID = m.messageCounter
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt
	m.messages[stored.ExternalID] = stored

	return copyMessage(stored), true, nil
}

func (m *MemoryStore) GetMessageByExternalID(_ context.Context, externalID string) (*models.Message, error) {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	msg, exists := m.messages[externalID]
	if !exists {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

func (m *MemoryStore) UpdateMessageStatus(_ context.Context, externalID string, update models.StatusUpdate) (*models.Message, error) {
	m.messageMu.Lock()
	defer m.messageMu.Unlock()

	msg, exists := m.messages[externalID]
	if !exists {
		return nil, ErrNotFound
	}
	update.Apply(msg)
	msg.UpdatedAt = time.Now()
	return copyMessage(msg), nil
}

func (m *MemoryStore) AttachMessageToSession(_ context.Context, messageID, sessionID uint) error {
	m.messageMu.Lock()
	defer m.messageMu.Unlock()

	for _, msg := range m.messages {
		if msg.ID == messageID {
			sid := sessionID
			msg.SessionID = &sid
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) RecentSessionMessages(_ context.Context, sessionID uint, limit int) ([]*models.Message, error) {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	var results []*models.Message
	for _, msg := range m.messages {
		if msg.SessionID != nil && *msg.SessionID == sessionID {
			results = append(results, copyMessage(msg))
		}
	}

	// newest first, then keep the limit
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID > results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) DeleteMessagesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.messageMu.Lock()
	defer m.messageMu.Unlock()

	var deleted int64
	for id, msg := range m.messages {
		if msg.CreatedAt.Before(cutoff) {
			delete(m.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

// Session operations
func (m *MemoryStore) GetActiveSession(_ context.Context, userID uint) (*models.Session, error) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	var latest *models.Session
	for _, s := range m.sessions {
		if s.UserID != userID || s.Status != models.SessionStatusActive {
			continue
		}
		if latest == nil || s.ID > latest.ID {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copySession(latest), nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	if session.Status == models.SessionStatusActive {
		for _, s := range m.sessions {
			if s.UserID == session.UserID && s.Status == models.SessionStatusActive {
				return ErrActiveSessionExists
			}
		}
	}

	m.sessionCounter++
	session.ID = m.sessionCounter
	session.CreatedAt = session.StartedAt
	session.UpdatedAt = session.StartedAt
	m.sessions[session.ID] = copySession(session)
	return nil
}

func (m *MemoryStore) SaveSession(_ context.Context, session *models.Session) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	stored, exists := m.sessions[session.ID]
	if !exists {
		return ErrNotFound
	}
	if stored.Status != models.SessionStatusActive {
		return ErrSessionNotActive
	}
	c := copySession(session)
	stored.Context = c.Context
	stored.Metadata = c.Metadata
	stored.CurrentStep = session.CurrentStep
	stored.ExpiresAt = session.ExpiresAt
	stored.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CloseSession(_ context.Context, sessionID uint, status string, at time.Time) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return ErrNotFound
	}
	if s.Status != models.SessionStatusActive {
		return ErrSessionNotActive
	}
	ended := at
	s.Status = status
	s.EndedAt = &ended
	s.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ExpireStaleSessions(_ context.Context, now time.Time) (int64, error) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	var expired int64
	for _, s := range m.sessions {
		if s.Status == models.SessionStatusActive && !s.ExpiresAt.After(now) {
			ended := now
			s.Status = models.SessionStatusExpired
			s.EndedAt = &ended
			expired++
		}
	}
	return expired, nil
}

func (m *MemoryStore) CountActiveSessions(_ context.Context, now time.Time) (int64, error) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	var count int64
	for _, s := range m.sessions {
		if s.IsActive(now) {
			count++
		}
	}
	return count, nil
}

// Flow operations
func (m *MemoryStore) CreateFlow(_ context.Context, flow *models.Flow) error {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	if _, exists := m.flows[flow.FlowID]; exists {
		return ErrAlreadyExists
	}
	m.flowCounter++
	flow.ID = m.flowCounter
	flow.CreatedAt = time.Now()
	flow.UpdatedAt = flow.CreatedAt
	m.flows[flow.FlowID] = copyFlow(flow)
	return nil
}

func (m *MemoryStore) GetFlow(_ context.Context, flowID string) (*models.Flow, error) {
	m.flowMu.RLock()
	defer m.flowMu.RUnlock()

	flow, exists := m.flows[flowID]
	if !exists {
		return nil, ErrNotFound
	}
	return copyFlow(flow), nil
}

func (m *MemoryStore) ListFlows(_ context.Context, status string) ([]*models.Flow, error) {
	m.flowMu.RLock()
	defer m.flowMu.RUnlock()

	var flows []*models.Flow
	for _, flow := range m.flows {
		if status == "" || flow.Status == status {
			flows = append(flows, copyFlow(flow))
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return flows, nil
}

func (m *MemoryStore) SaveFlow(_ context.Context, flow *models.Flow) error {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	if _, exists := m.flows[flow.FlowID]; !exists {
		return ErrNotFound
	}
	flow.UpdatedAt = time.Now()
	m.flows[flow.FlowID] = copyFlow(flow)
	return nil
}

// copies keep callers from mutating stored rows without going through the store

func copyUser(u *models.User) *models.User {
	c := *u
	c.Metadata = cloneJSONMap(u.Metadata)
	return &c
}

func copyMessage(msg *models.Message) *models.Message {
	c := *msg
	c.Content = cloneJSONMap(msg.Content)
	if msg.SessionID != nil {
		sid := *msg.SessionID
		c.SessionID = &sid
	}
	return &c
}

func copySession(s *models.Session) *models.Session {
	c := *s
	c.Context = cloneJSONMap(s.Context)
	c.Metadata = cloneJSONMap(s.Metadata)
	return &c
}

func copyFlow(f *models.Flow) *models.Flow {
	c := *f
	c.Metadata = cloneJSONMap(f.Metadata)
	// round-trip the definition so screens are not shared
	if raw, err := json.Marshal(f.Definition.Data()); err == nil {
		var def models.FlowDefinition
		if json.Unmarshal(raw, &def) == nil {
			c.Definition = datatypes.NewJSONType(def)
		}
	}
	return &c
}

func cloneJSONMap(src datatypes.JSONMap) datatypes.JSONMap {
	if src == nil {
		return nil
	}
	return datatypes.JSONMap(maps.Clone(map[string]interface{}(src)))
}
