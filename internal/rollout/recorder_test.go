package rollout

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentharness/internal/models"
)

func TestNewRecorder_WritesSessionMetaFirst(t *testing.T) {
	home := t.TempDir()
	r, err := NewRecorder(NewOptions{Home: home, Cwd: "/work", Originator: "cli", CLIVersion: "0.1.0"})
	require.NoError(t, err)
	require.NoError(t, r.Shutdown())

	lines := readLines(t, r.Path())
	require.Len(t, lines, 1)
	assert.Equal(t, RecordSessionMeta, lines[0].Type)

	var meta SessionMeta
	require.NoError(t, json.Unmarshal(lines[0].Payload, &meta))
	assert.Equal(t, "/work", meta.Cwd)
	assert.NotEmpty(t, meta.ID)
}

func TestRecordItems_PreservesOrder(t *testing.T) {
	home := t.TempDir()
	r, err := NewRecorder(NewOptions{Home: home})
	require.NoError(t, err)

	items := []models.ConversationItem{
		{Type: models.ItemTypeUserMessage, Content: "hi"},
		{Type: models.ItemTypeAssistantMessage, Content: "hello"},
		{Type: models.ItemTypeFunctionCall, Name: "shell", Arguments: `{"command":"ls"}`},
	}
	require.NoError(t, r.RecordItems(items))
	require.NoError(t, r.Shutdown())

	lines := readLines(t, r.Path())
	require.Len(t, lines, 4) // meta + 3 items

	for i, want := range items {
		require.Equal(t, RecordResponseItem, lines[i+1].Type)
		var got models.ConversationItem
		require.NoError(t, json.Unmarshal(lines[i+1].Payload, &got))
		assert.Equal(t, want.Content, got.Content)
	}
}

func TestResume_ReplaysPriorItems(t *testing.T) {
	home := t.TempDir()
	r, err := NewRecorder(NewOptions{Home: home, Cwd: "/work"})
	require.NoError(t, err)

	items := []models.ConversationItem{
		{Type: models.ItemTypeUserMessage, Content: "first"},
		{Type: models.ItemTypeAssistantMessage, Content: "reply"},
	}
	require.NoError(t, r.RecordItems(items))
	require.NoError(t, r.Shutdown())

	r2, meta, resumed, err := Resume(ResumeOptions{Path: r.Path()})
	require.NoError(t, err)
	defer r2.Shutdown()

	assert.Equal(t, r.SessionID(), meta.ID)
	require.Len(t, resumed, 2)
	assert.Equal(t, "first", resumed[0].Content)
	assert.Equal(t, "reply", resumed[1].Content)
}

func TestResume_AppendsAfterPriorRecords(t *testing.T) {
	home := t.TempDir()
	r, err := NewRecorder(NewOptions{Home: home})
	require.NoError(t, err)
	require.NoError(t, r.RecordItems([]models.ConversationItem{{Type: models.ItemTypeUserMessage, Content: "a"}}))
	require.NoError(t, r.Shutdown())

	r2, _, _, err := Resume(ResumeOptions{Path: r.Path()})
	require.NoError(t, err)
	require.NoError(t, r2.RecordItems([]models.ConversationItem{{Type: models.ItemTypeUserMessage, Content: "b"}}))
	require.NoError(t, r2.Shutdown())

	lines := readLines(t, r.Path())
	require.Len(t, lines, 3) // meta + a + b
	var a, b models.ConversationItem
	require.NoError(t, json.Unmarshal(lines[1].Payload, &a))
	require.NoError(t, json.Unmarshal(lines[2].Payload, &b))
	assert.Equal(t, "a", a.Content)
	assert.Equal(t, "b", b.Content)
}

func TestResume_MissingSessionMetaIsError(t *testing.T) {
	home := t.TempDir()
	path := home + "/broken.jsonl"
	require.NoError(t, os.WriteFile(path, []byte(`{"timestamp":"2024-01-01T00:00:00Z","type":"response_item","payload":{}}`+"\n"), 0o644))

	_, _, _, err := Resume(ResumeOptions{Path: path})
	assert.Error(t, err)
}

func TestListConversations_NewestFirst(t *testing.T) {
	home := t.TempDir()

	r1, err := NewRecorder(NewOptions{Home: home})
	require.NoError(t, err)
	require.NoError(t, r1.Shutdown())

	r2, err := NewRecorder(NewOptions{Home: home})
	require.NoError(t, err)
	require.NoError(t, r2.Shutdown())

	result, err := ListConversations(home, 10, "", 1)
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	assert.Equal(t, 2, result.NumScanned)
}

func TestListConversations_EmptyHomeIsNotError(t *testing.T) {
	home := t.TempDir()
	result, err := ListConversations(home, 10, "", 1)
	require.NoError(t, err)
	assert.Empty(t, result.Items)
}

func TestFlush_DoesNotWriteASpuriousRecord(t *testing.T) {
	home := t.TempDir()
	r, err := NewRecorder(NewOptions{Home: home})
	require.NoError(t, err)
	require.NoError(t, r.RecordItems([]models.ConversationItem{{Type: models.ItemTypeUserMessage, Content: "x"}}))
	require.NoError(t, r.Flush())
	require.NoError(t, r.Shutdown())

	lines := readLines(t, r.Path())
	require.Len(t, lines, 2) // meta + the one item, no extra flush record
}

func readLines(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var recs []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, scanner.Err())
	return recs
}
