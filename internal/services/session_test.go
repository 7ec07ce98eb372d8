package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"github.com/Ananth-NQI/whatsapp-engine/database"
	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
	"github.com/Ananth-NQI/whatsapp-engine/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSessions(t *testing.T) (*SessionManager, *storage.MemoryStore, *testClock, *models.User) {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := newTestClock()

	sm := NewSessionManager(store, config.ChatbotConfig{SessionTimeout: 1800})
	sm.SetClock(clock.Now)

	user, err := store.UpsertUser(context.Background(), "15550001", models.User{}, clock.Now())
	require.NoError(t, err)
	return sm, store, clock, user
}

// forEachSessionStore runs fn with a session manager over every Store implementation
func forEachSessionStore(t *testing.T, fn func(t *testing.T, sm *SessionManager, store storage.Store, clock *testClock, user *models.User)) {
	t.Run("memory", func(t *testing.T) {
		sm, store, clock, user := newTestSessions(t)
		fn(t, sm, store, clock, user)
	})
	t.Run("sqlite", func(t *testing.T) {
		db, err := database.Open(sqlite.Open("file::memory:"))
		require.NoError(t, err)
		sqlDB, err := db.DB()
		require.NoError(t, err)
		sqlDB.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = sqlDB.Close() })
		require.NoError(t, database.Migrate(db))

		store := storage.NewDatabaseStore(db)
		clock := newTestClock()
		sm := NewSessionManager(store, config.ChatbotConfig{SessionTimeout: 1800})
		sm.SetClock(clock.Now)

		user, err := store.UpsertUser(context.Background(), "15550001", models.User{}, clock.Now())
		require.NoError(t, err)
		fn(t, sm, store, clock, user)
	})
}

func TestSessionManager_SlidingExpiry(t *testing.T) {
	sm, _, clock, user := newTestSessions(t)
	ctx := context.Background()

	first, err := sm.GetOrCreate(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Minute), first.ExpiresAt)

	clock.Advance(10 * time.Minute)
	second, err := sm.GetOrCreate(ctx, user)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, clock.Now().Add(30*time.Minute), second.ExpiresAt)
}

func TestSessionManager_ExpiredSessionIsReplaced(t *testing.T) {
	forEachSessionStore(t, func(t *testing.T, sm *SessionManager, store storage.Store, clock *testClock, user *models.User) {
		ctx := context.Background()

		first, err := sm.GetOrCreate(ctx, user)
		require.NoError(t, err)

		clock.Advance(31 * time.Minute)
		second, err := sm.GetOrCreate(ctx, user)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)

		active, err := store.GetActiveSession(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, active.ID)

		count, err := sm.ActiveCount(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})
}

func TestSessionManager_ConcurrentGetOrCreateYieldsOneSession(t *testing.T) {
	forEachSessionStore(t, func(t *testing.T, sm *SessionManager, store storage.Store, clock *testClock, user *models.User) {
		ctx := context.Background()

		const workers = 20
		ids := make(chan uint, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				session, err := sm.GetOrCreate(ctx, user)
				if assert.NoError(t, err) {
					ids <- session.ID
				}
			}()
		}
		wg.Wait()
		close(ids)

		seen := map[uint]bool{}
		for id := range ids {
			seen[id] = true
		}
		assert.Len(t, seen, 1)

		count, err := store.CountActiveSessions(ctx, clock.Now())
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})
}

func TestSessionManager_StaleSaveCannotReopen(t *testing.T) {
	forEachSessionStore(t, func(t *testing.T, sm *SessionManager, store storage.Store, clock *testClock, user *models.User) {
		ctx := context.Background()

		held, err := sm.GetOrCreate(ctx, user)
		require.NoError(t, err)

		current, err := store.GetActiveSession(ctx, user.ID)
		require.NoError(t, err)
		require.NoError(t, sm.End(ctx, current))

		next, err := sm.GetOrCreate(ctx, user)
		require.NoError(t, err)
		require.NotEqual(t, held.ID, next.ID)

		held.SetContext("cart", "old")
		assert.ErrorIs(t, sm.Save(ctx, held), storage.ErrSessionNotActive)

		count, err := store.CountActiveSessions(ctx, clock.Now())
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		active, err := store.GetActiveSession(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, next.ID, active.ID)
		assert.Nil(t, active.GetContext("cart", nil))
	})
}

func TestSessionManager_ExtendAndEnd(t *testing.T) {
	sm, store, clock, user := newTestSessions(t)
	ctx := context.Background()

	session, err := sm.GetOrCreate(ctx, user)
	require.NoError(t, err)

	require.NoError(t, sm.Extend(ctx, session, 5))
	assert.Equal(t, clock.Now().Add(5*time.Minute), session.ExpiresAt)

	require.NoError(t, sm.Extend(ctx, session, 0))
	assert.Equal(t, clock.Now().Add(30*time.Minute), session.ExpiresAt)

	require.NoError(t, sm.End(ctx, session))
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	require.NotNil(t, session.EndedAt)

	_, err = store.GetActiveSession(ctx, user.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, sm.End(ctx, session), storage.ErrSessionNotActive)
}

func TestSessionManager_Steps(t *testing.T) {
	sm, _, _, user := newTestSessions(t)
	ctx := context.Background()

	session, err := sm.GetOrCreate(ctx, user)
	require.NoError(t, err)

	sm.StartStep(session, "ask_name", map[string]interface{}{"attempts": 1})
	require.NoError(t, sm.Save(ctx, session))

	again, err := sm.GetOrCreate(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "ask_name", again.CurrentStep)
	assert.EqualValues(t, 1, again.GetContext("attempts", 0))

	sm.CompleteSteps(again, "attempts")
	assert.Empty(t, again.CurrentStep)
	assert.Nil(t, again.GetContext("attempts", nil))
}
