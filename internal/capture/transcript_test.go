package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convmem/internal/memory"
	"convmem/internal/store"
)

func writeTranscript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestParse_JSONL(t *testing.T) {
	data := []byte(`{"role":"user","content":"what is AAPL at?"}
not json at all
{"role":"assistant","message":{"content":[{"type":"text","text":"[Thinking] checking\nAbout 190."},{"type":"tool_use"}]}}
{"role":"tool","content":"quote service ok"}

{"role":"user","message":{"content":[{"type":"text","text":"<attached_files>a.go</attached_files><user_query>and MSFT?</user_query>"}]}}
{"role":"assistant","content":"   "}
`)

	turns, err := Parse(".jsonl", data)
	require.NoError(t, err)
	assert.Equal(t, []Turn{
		{Role: store.RoleUser, Content: "what is AAPL at?"},
		{Role: store.RoleAssistant, Content: "checking\nAbout 190."},
		{Role: store.RoleUser, Content: "and MSFT?"},
	}, turns)
}

func TestParse_Text(t *testing.T) {
	data := []byte(`preamble is ignored
user:
Should I rebalance?

assistant:
Look at your allocation first.



It drifted.
[Tool call] Read
path: /tmp/x
assistant:
Done.
user:

`)

	turns, err := Parse(".txt", data)
	require.NoError(t, err)
	assert.Equal(t, []Turn{
		{Role: store.RoleUser, Content: "Should I rebalance?"},
		{Role: store.RoleAssistant, Content: "Look at your allocation first.\n\nIt drifted."},
		{Role: store.RoleAssistant, Content: "Done."},
	}, turns)
}

func TestImportTranscript_AppendsThroughManager(t *testing.T) {
	ctx := context.Background()
	m := memory.NewManager(store.NewMemoryStore(), memory.Options{MaxTokensPerChunk: 10})
	id, err := m.CreateSession(ctx)
	require.NoError(t, err)

	path := writeTranscript(t, "chat.jsonl", `{"role":"user","content":"first question about bonds"}
{"role":"assistant","content":"a long answer about duration and yield"}
{"role":"user","content":"thanks"}
`)

	n, err := ImportTranscript(ctx, m, id, path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	info, err := m.GetSessionInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, info.TotalMessages)
	assert.Equal(t, 2, info.TotalChunks)
}

func TestImportTranscript_UnknownSession(t *testing.T) {
	m := memory.NewManager(store.NewMemoryStore(), memory.Options{})
	path := writeTranscript(t, "chat.txt", "user:\nhello\n")

	n, err := ImportTranscript(context.Background(), m, "missing", path)
	assert.ErrorIs(t, err, memory.ErrSessionNotFound)
	assert.Zero(t, n)
}

type failAfter struct {
	n     int
	calls int
}

var errStop = errors.New("stop")

func (f *failAfter) AddMessage(context.Context, string, store.Role, string) error {
	f.calls++
	if f.calls > f.n {
		return errStop
	}
	return nil
}

func TestImportTranscript_ReportsPartialProgress(t *testing.T) {
	path := writeTranscript(t, "chat.txt", "user:\none\nassistant:\ntwo\nuser:\nthree\n")

	n, err := ImportTranscript(context.Background(), &failAfter{n: 2}, "s", path)
	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 2, n)
}

func TestImportTranscript_MissingFile(t *testing.T) {
	_, err := ImportTranscript(context.Background(), &failAfter{}, "s", filepath.Join(t.TempDir(), "nope.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
