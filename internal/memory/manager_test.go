package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convmem/internal/clock"
	"convmem/internal/compress"
	"convmem/internal/store"
)

var start = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%03d", n)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, st store.Store, opts Options) (*Manager, *clock.FakeClock) {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	fake := clock.Fake(start)
	opts.Clock = fake
	opts.Logger = quietLogger()
	opts.NewID = sequentialIDs()
	return NewManager(st, opts), fake
}

func text(n int) string {
	return strings.Repeat("x", n)
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), Options{})
	opts := m.Options()
	assert.Equal(t, 2000, opts.MaxTokensPerChunk)
	assert.Equal(t, 4000, opts.MaxContextTokens)
	assert.Equal(t, 24*time.Hour, opts.SessionTimeout)
	assert.NotNil(t, opts.Clock)
	assert.NotNil(t, opts.Logger)
	assert.NotEmpty(t, opts.NewID())
}

func TestCreateSession_PersistsEmptySession(t *testing.T) {
	st := store.NewMemoryStore()
	m, _ := newTestManager(t, st, Options{})
	ctx := context.Background()

	id, err := m.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "id-001", id)

	sess, err := st.LoadSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, start, sess.CreatedAt)
	assert.Equal(t, start, sess.LastActivity)
	assert.Empty(t, sess.Chunks)
	assert.Empty(t, sess.CurrentMessages)
	assert.Zero(t, sess.TotalMessages)
}

func TestCreateSession_UniqueIDs(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), Options{Logger: quietLogger()})
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := m.CreateSession(ctx)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestAddMessage_UnknownSession(t *testing.T) {
	st := store.NewMemoryStore()
	m, _ := newTestManager(t, st, Options{})
	ctx := context.Background()

	err := m.AddMessage(ctx, "nope", store.RoleUser, "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	ids, err := st.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "append must not create a session")
}

func TestAddMessage_InvalidRole(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	ctx := context.Background()
	id, err := m.CreateSession(ctx)
	require.NoError(t, err)

	for _, role := range []store.Role{store.RoleSystem, "tool", ""} {
		err := m.AddMessage(ctx, id, role, "hello")
		assert.ErrorIs(t, err, ErrInvalidRole, "role %q", role)
	}

	info, err := m.GetSessionInfo(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, info.TotalMessages)
}

func TestAddMessage_TwoShortMessagesStayOpen(t *testing.T) {
	m, fake := newTestManager(t, nil, Options{MaxTokensPerChunk: 2000})
	ctx := context.Background()
	id, err := m.CreateSession(ctx)
	require.NoError(t, err)

	fake.Advance(time.Minute)
	require.NoError(t, m.AddMessage(ctx, id, store.RoleUser, text(50)))
	fake.Advance(time.Minute)
	require.NoError(t, m.AddMessage(ctx, id, store.RoleAssistant, text(50)))

	info, err := m.GetSessionInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, info.TotalMessages)
	assert.Equal(t, 0, info.TotalChunks)
	assert.Equal(t, 2, info.CurrentMessagesCount)
	assert.Equal(t, 26, info.EstimatedTotalTokens)
	assert.Equal(t, start, info.CreatedAt)
	assert.Equal(t, start.Add(2*time.Minute), info.LastActivity)
}

func TestAddMessage_ChunkBoundaryFallsBeforeNewestMessage(t *testing.T) {
	st := store.NewMemoryStore()
	m, _ := newTestManager(t, st, Options{MaxTokensPerChunk: 20})
	ctx := context.Background()
	id, err := m.CreateSession(ctx)
	require.NoError(t, err)

	contents := []string{"a" + text(39), "b" + text(39), "c" + text(39)}
	require.Equal(t, 11, compress.EstimateTokens(contents[0]))

	require.NoError(t, m.AddMessage(ctx, id, store.RoleUser, contents[0]))
	sess, err := st.LoadSession(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, sess.Chunks)
	assert.Len(t, sess.CurrentMessages, 1)

	require.NoError(t, m.AddMessage(ctx, id, store.RoleAssistant, contents[1]))
	sess, err = st.LoadSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, sess.Chunks, 1)
	require.Len(t, sess.Chunks[0].Messages, 1)
	assert.Equal(t, contents[0], sess.Chunks[0].Messages[0].Content)
	assert.Equal(t, 11, sess.Chunks[0].TotalTokens)
	require.Len(t, sess.CurrentMessages, 1)
	assert.Equal(t, contents[1], sess.CurrentMessages[0].Content)

	require.NoError(t, m.AddMessage(ctx, id, store.RoleUser, contents[2]))
	sess, err = st.LoadSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, sess.Chunks, 2)
	assert.Equal(t, contents[1], sess.Chunks[1].Messages[0].Content)
	require.Len(t, sess.CurrentMessages, 1)
	assert.Equal(t, contents[2], sess.CurrentMessages[0].Content)

	info, err := m.GetSessionInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, info.TotalChunks)
	assert.Equal(t, 1, info.CurrentMessagesCount)
	assert.Equal(t, 3, info.TotalMessages)
}

func TestAddMessage_ThresholdSealsExactlyOnce(t *testing.T) {
	st := store.NewMemoryStore()
	m, _ := newTestManager(t, st, Options{MaxTokensPerChunk: 100})
	ctx := context.Background()
	id, err := m.CreateSession(ctx)
	require.NoError(t, err)

	// 19 tokens each: five fit (95), the sixth crosses 100.
	for k := 1; k <= 6; k++ {
		require.NoError(t, m.AddMessage(ctx, id, store.RoleUser, fmt.Sprintf("%02d", k)+text(70)))
		sess, err := st.LoadSession(ctx, id)
		require.NoError(t, err)
		if k < 6 {
			assert.Empty(t, sess.Chunks, "after message %d", k)
			assert.Len(t, sess.CurrentMessages, k)
			continue
		}
		require.Len(t, sess.Chunks, 1)
		assert.Len(t, sess.Chunks[0].Messages, 5)
		assert.Equal(t, 95, sess.Chunks[0].TotalTokens)
		require.Len(t, sess.CurrentMessages, 1)
		assert.True(t, strings.HasPrefix(sess.CurrentMessages[0].Content, "06"))
	}
}

func TestAddMessage_OversizedFirstMessageStaysOpen(t *testing.T) {
	st := store.NewMemoryStore()
	m, _ := newTestManager(t, st, Options{MaxTokensPerChunk: 10})
	ctx := context.Background()
	id, err := m.CreateSession(ctx)
	require.NoError(t, err)

	require.NoError(t, m.AddMessage(ctx, id, store.RoleUser, text(200)))
	sess, err := st.LoadSession(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, sess.Chunks)
	require.Len(t, sess.CurrentMessages, 1)
	assert.Equal(t, 51, sess.CurrentMessages[0].TokenCount)

	require.NoError(t, m.AddMessage(ctx, id, store.RoleAssistant, "ok"))
	sess, err = st.LoadSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, sess.Chunks, 1)
	assert.Equal(t, 51, sess.Chunks[0].TotalTokens)
	require.Len(t, sess.CurrentMessages, 1)
	assert.Equal(t, "ok", sess.CurrentMessages[0].Content)
}

func TestAddMessage_HistoryIsPreserved(t *testing.T) {
	st := store.NewMemoryStore()
	m, fake := newTestManager(t, st, Options{MaxTokensPerChunk: 30})
	ctx := context.Background()
	id, err := m.CreateSession(ctx)
	require.NoError(t, err)

	var appended []string
	for i := 0; i < 60; i++ {
		content := fmt.Sprintf("message %d %s", i, text((i*37)%90))
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		fake.Advance(time.Second)
		require.NoError(t, m.AddMessage(ctx, id, role, content))
		appended = append(appended, content)
	}

	sess, err := st.LoadSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 60, sess.TotalMessages)

	var flattened []string
	for _, c := range sess.Chunks {
		require.NotEmpty(t, c.Messages)
		assert.Equal(t, store.SumTokens(c.Messages), c.TotalTokens, "chunk %s", c.ChunkID)
		assert.Empty(t, c.Summary)
		for _, msg := range c.Messages {
			flattened = append(flattened, msg.Content)
		}
	}
	for _, msg := range sess.CurrentMessages {
		flattened = append(flattened, msg.Content)
	}
	assert.Equal(t, appended, flattened)

	// Open messages fit the budget unless a single message exceeds it alone.
	if len(sess.CurrentMessages) > 1 {
		assert.LessOrEqual(t, store.SumTokens(sess.CurrentMessages), 30)
	}
}

func TestAddMessage_ConcurrentAppendsAreSerialized(t *testing.T) {
	st := store.NewMemoryStore()
	m, _ := newTestManager(t, st, Options{MaxTokensPerChunk: 50})
	ctx := context.Background()
	id, err := m.CreateSession(ctx)
	require.NoError(t, err)

	const writers = 40
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.AddMessage(ctx, id, store.RoleUser, fmt.Sprintf("writer %02d says hello", i)))
		}(i)
	}
	wg.Wait()

	sess, err := st.LoadSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, writers, sess.TotalMessages)

	seen := map[string]bool{}
	for _, c := range sess.Chunks {
		for _, msg := range c.Messages {
			seen[msg.Content] = true
		}
	}
	for _, msg := range sess.CurrentMessages {
		seen[msg.Content] = true
	}
	assert.Len(t, seen, writers)
	assert.Zero(t, m.locks.size(), "locks are released")
}

// faultyStore wraps a store and fails selected operations.
type faultyStore struct {
	store.Store
	saveErr   error
	loadErr   error
	deleteErr error
	listErr   error
}

func (f *faultyStore) SaveSession(ctx context.Context, sess *store.Session) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Store.SaveSession(ctx, sess)
}

func (f *faultyStore) LoadSession(ctx context.Context, id string) (*store.Session, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.Store.LoadSession(ctx, id)
}

func (f *faultyStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	return f.Store.DeleteSession(ctx, id)
}

func (f *faultyStore) ListSessions(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Store.ListSessions(ctx)
}

var errDiskFull = errors.New("disk full")

func TestStorageFaultsPropagate(t *testing.T) {
	ctx := context.Background()
	faulty := &faultyStore{Store: store.NewMemoryStore()}
	m, _ := newTestManager(t, faulty, Options{})

	id, err := m.CreateSession(ctx)
	require.NoError(t, err)

	faulty.saveErr = errDiskFull
	_, err = m.CreateSession(ctx)
	assert.ErrorIs(t, err, errDiskFull)

	err = m.AddMessage(ctx, id, store.RoleUser, "hello")
	assert.ErrorIs(t, err, errDiskFull)
	assert.NotErrorIs(t, err, ErrSessionNotFound)

	faulty.saveErr = nil
	faulty.loadErr = errDiskFull
	err = m.AddMessage(ctx, id, store.RoleUser, "hello")
	assert.ErrorIs(t, err, errDiskFull)

	_, err = m.GetConversationContext(ctx, id, 2)
	assert.ErrorIs(t, err, errDiskFull)
	assert.NotErrorIs(t, err, ErrSessionNotFound)

	_, err = m.GetSessionInfo(ctx, id)
	assert.ErrorIs(t, err, errDiskFull)

	faulty.deleteErr = errDiskFull
	_, err = m.DeleteSession(ctx, id)
	assert.ErrorIs(t, err, errDiskFull)

	faulty.listErr = errDiskFull
	_, err = m.ListSessions(ctx)
	assert.ErrorIs(t, err, errDiskFull)
}

func TestDeleteSession(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	ctx := context.Background()

	existed, err := m.DeleteSession(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, existed)

	id, err := m.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.AddMessage(ctx, id, store.RoleUser, "hello"))

	existed, err = m.DeleteSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = m.GetSessionInfo(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	ids, err := m.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetSessionInfo_ReestimatesOpenMessages(t *testing.T) {
	st := store.NewMemoryStore()
	m, _ := newTestManager(t, st, Options{})
	ctx := context.Background()

	sess := store.NewSession("s1", start)
	sess.Chunks = []store.Chunk{{ChunkID: "c1", TotalTokens: 40, CreatedAt: start}}
	// Stored token_count lost in transit; the estimate comes from content.
	sess.CurrentMessages = []store.Message{{Role: store.RoleUser, Content: text(40), Timestamp: start}}
	sess.TotalMessages = 7
	require.NoError(t, st.SaveSession(ctx, sess))

	info, err := m.GetSessionInfo(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 40+11, info.EstimatedTotalTokens)
	assert.Equal(t, 7, info.TotalMessages)
	assert.Equal(t, 1, info.TotalChunks)
	assert.Equal(t, 1, info.CurrentMessagesCount)

	_, err = m.GetSessionInfo(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
