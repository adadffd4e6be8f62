package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmproxy/dnschat/internal/codec"
	"github.com/llmproxy/dnschat/internal/session"
	"github.com/llmproxy/dnschat/internal/wire"
)

func testKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func encryptTurn(t *testing.T, key [32]byte, plaintext string) []byte {
	t.Helper()
	envelope, err := codec.Seal(key, codec.Compress([]byte(plaintext)))
	require.NoError(t, err)
	return envelope
}

func decryptChunk(t *testing.T, key [32]byte, encrypted []byte) string {
	t.Helper()
	plaintext, err := codec.Open(key, encrypted)
	require.NoError(t, err)
	out, err := codec.Decompress(plaintext)
	require.NoError(t, err)
	return string(out)
}

func waitForComplete(t *testing.T, sess *session.Session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, state := sess.Status()
		if state == session.StateComplete || state == session.StateError {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for session to complete")
}

func joinedOutbound(t *testing.T, key [32]byte, sess *session.Session) string {
	t.Helper()
	var out string
	for i := 0; ; i++ {
		outcome, data := sess.ReadOutbound(i)
		if outcome != session.Available {
			break
		}
		text := decryptChunk(t, key, data)
		if text == wire.EOFSentinel {
			break
		}
		out += text
	}
	return out
}

func TestOrchestratorRoundTripPing(t *testing.T) {
	srv := sseServer(t, []string{"pong"})
	defer srv.Close()

	key := testKey()
	store := session.NewStore(time.Minute)
	sess := store.Touch("AB12")

	client := NewClient(srv.URL, "key", "model")
	orch := NewOrchestrator(store, key, client, nil)

	orch.Run("AB12", encryptTurn(t, key, "ping"))

	waitForComplete(t, sess)
	assert.Equal(t, "pong", joinedOutbound(t, key, sess))

	_, state := sess.Status()
	assert.Equal(t, session.StateComplete, state)
}

func TestOrchestratorClearCommand(t *testing.T) {
	key := testKey()
	store := session.NewStore(time.Minute)
	sess := store.Touch("AB12")
	sess.AppendHistory(session.Message{Role: session.RoleUser, Text: "earlier turn"})

	orch := NewOrchestrator(store, key, NewClient("http://unused.invalid", "k", "m"), nil)
	orch.Run("AB12", encryptTurn(t, key, "/clear"))

	waitForComplete(t, sess)
	assert.Equal(t, "OK", joinedOutbound(t, key, sess))
	assert.Empty(t, sess.History())
}

func TestOrchestratorDecryptFailureMarksError(t *testing.T) {
	key := testKey()
	var wrongKey [32]byte
	for i := range wrongKey {
		wrongKey[i] = byte(255 - i)
	}

	store := session.NewStore(time.Minute)
	sess := store.Touch("AB12")

	orch := NewOrchestrator(store, key, NewClient("http://unused.invalid", "k", "m"), nil)
	orch.Run("AB12", encryptTurn(t, wrongKey, "ping"))

	waitForComplete(t, sess)
	_, state := sess.Status()
	assert.Equal(t, session.StateError, state)
}

type stubSearch struct {
	result string
}

func (s *stubSearch) Search(ctx context.Context, query string) (string, error) {
	return s.result, nil
}

func TestOrchestratorToolCallRound(t *testing.T) {
	round := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		round++
		if round == 1 {
			fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"id":"call1","function":{"name":"web_search","arguments":"{\"query\":\"weather\"}"}}]}}]}`+"\n\n")
			fmt.Fprint(w, `data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`+"\n\n")
		} else {
			fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"it is sunny"}}]}`+"\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
		flusher.Flush()
	}))
	defer srv.Close()

	key := testKey()
	store := session.NewStore(time.Minute)
	sess := store.Touch("AB12")

	client := NewClient(srv.URL, "key", "model")
	orch := NewOrchestrator(store, key, client, &stubSearch{result: "72F and clear"})

	orch.Run("AB12", encryptTurn(t, key, "what's the weather"))

	waitForComplete(t, sess)
	assert.Equal(t, "it is sunny", joinedOutbound(t, key, sess))

	history := sess.History()
	var sawTool bool
	for _, m := range history {
		if m.Role == session.RoleTool {
			sawTool = true
			assert.Equal(t, "72F and clear", m.Text)
		}
	}
	assert.True(t, sawTool)
}
