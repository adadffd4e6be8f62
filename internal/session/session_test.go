package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordInboundOrderIndependent(t *testing.T) {
	chunks := map[int][]byte{0: []byte("AB"), 1: []byte("CD"), 2: []byte("EF")}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}}

	for _, order := range orders {
		s := NewSession("sid1")
		var last []byte
		var outcome ReassemblyOutcome
		for _, idx := range order {
			outcome, last = s.RecordInbound(idx, 3, chunks[idx])
		}
		require.Equal(t, Complete, outcome)
		assert.Equal(t, []byte("ABCDEF"), last)
	}
}

func TestRecordInboundDuplicateIdentical(t *testing.T) {
	s := NewSession("sid1")
	s.RecordInbound(0, 2, []byte("AB"))
	outcome, _ := s.RecordInbound(0, 2, []byte("AB"))
	assert.Equal(t, Pending, outcome)

	outcome, data := s.RecordInbound(1, 2, []byte("CD"))
	assert.Equal(t, Complete, outcome)
	assert.Equal(t, []byte("ABCD"), data)
}

func TestRecordInboundConflictingDuplicate(t *testing.T) {
	s := NewSession("sid1")
	s.RecordInbound(0, 2, []byte("AB"))
	outcome, _ := s.RecordInbound(0, 2, []byte("ZZ"))
	assert.Equal(t, Conflict, outcome)

	_, state := s.Status()
	assert.Equal(t, StateError, state)
}

func TestRecordInboundRejectsBadIndex(t *testing.T) {
	s := NewSession("sid1")
	outcome, _ := s.RecordInbound(5, 3, []byte("x"))
	assert.Equal(t, Conflict, outcome)

	outcome, _ = s.RecordInbound(0, 0, []byte("x"))
	assert.Equal(t, Conflict, outcome)
}

func TestAppendOutboundIsOrderedAndReadable(t *testing.T) {
	s := NewSession("sid1")
	idx0 := s.AppendOutbound([]byte("a"))
	idx1 := s.AppendOutbound([]byte("b"))
	require.Equal(t, 0, idx0)
	require.Equal(t, 1, idx1)

	outcome, data := s.ReadOutbound(0)
	assert.Equal(t, Available, outcome)
	assert.Equal(t, []byte("a"), data)

	outcome, data = s.ReadOutbound(1)
	assert.Equal(t, Available, outcome)
	assert.Equal(t, []byte("b"), data)

	outcome, _ = s.ReadOutbound(2)
	assert.Equal(t, NotYet, outcome)
}

func TestReadOutboundPastEndAfterComplete(t *testing.T) {
	s := NewSession("sid1")
	s.AppendOutbound([]byte("a"))
	s.Complete("a")

	outcome, _ := s.ReadOutbound(5)
	assert.Equal(t, PastEnd, outcome)
}

func TestBeginGenerationRejectsConcurrent(t *testing.T) {
	s := NewSession("sid1")
	ok := s.BeginGeneration(func() {})
	assert.True(t, ok)

	ok = s.BeginGeneration(func() {})
	assert.False(t, ok)
}

func TestClearOnEmptySessionIsNoOp(t *testing.T) {
	s := NewSession("sid1")
	s.Clear()
	s.Clear()

	count, state := s.Status()
	assert.Equal(t, 0, count)
	assert.Equal(t, StateIdle, state)
	assert.Empty(t, s.History())
}

func TestClearDropsHistoryAndBuffers(t *testing.T) {
	s := NewSession("sid1")
	s.AppendHistory(Message{Role: RoleUser, Text: "hi"})
	s.AppendOutbound([]byte("chunk"))
	s.RecordInbound(0, 2, []byte("partial"))

	s.Clear()

	assert.Empty(t, s.History())
	count, state := s.Status()
	assert.Equal(t, 0, count)
	assert.Equal(t, StateIdle, state)
}

func TestCancelInvokesCallback(t *testing.T) {
	s := NewSession("sid1")
	called := false
	s.BeginGeneration(func() { called = true })
	s.Cancel()
	assert.True(t, called)
}

func TestStoreTouchCreatesAndReuses(t *testing.T) {
	store := NewStore(time.Minute)
	s1 := store.Touch("abc")
	s2 := store.Touch("abc")
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, store.Len())
}

func TestStoreGetMissing(t *testing.T) {
	store := NewStore(time.Minute)
	_, found := store.Get("nope")
	assert.False(t, found)
}

func TestStoreEvictionCancelsGenerating(t *testing.T) {
	store := NewStore(50 * time.Millisecond)
	s := store.Touch("abc")

	cancelled := make(chan struct{}, 1)
	s.BeginGeneration(func() { cancelled <- struct{}{} })

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected eviction to cancel generating session")
	}
}
