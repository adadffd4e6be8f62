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

	"github.com/llmproxy/dnschat/internal/session"
)

func sseServer(t *testing.T, chunks []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func TestStreamChatYieldsContentThenDone(t *testing.T) {
	srv := sseServer(t, []string{"The ", "quick ", "brown ", "fox"})
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", "test-model")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deltas, err := client.StreamChat(ctx, []session.Message{{Role: session.RoleUser, Text: "hi"}}, false)
	require.NoError(t, err)

	var got string
	sawDone := false
	for d := range deltas {
		if d.Done {
			sawDone = true
			continue
		}
		got += d.Content
	}

	assert.Equal(t, "The quick brown fox", got)
	assert.True(t, sawDone)
}

func TestStreamChatNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k", "m")
	_, err := client.StreamChat(context.Background(), nil, false)
	assert.Error(t, err)
}
