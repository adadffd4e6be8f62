// Package session implements the per-sid conversation state shared between
// the DNS wire handler (inbound writer) and the LLM orchestrator (outbound
// writer): a reassembly map for inbound chunks, conversation history, and
// an outbound chunk array.
package session

import (
	"sync"
	"time"

	"github.com/llmproxy/dnschat/internal/errs"
)

// GenerationState is the per-session state machine: idle ->
// receiving-request -> generating -> (complete | error), with a reset to
// receiving-request permitted only from complete or error.
type GenerationState int

const (
	StateIdle GenerationState = iota
	StateReceiving
	StateGenerating
	StateComplete
	StateError
)

func (s GenerationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving-request"
	case StateGenerating:
		return "generating"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Short returns the single-character state code used in the cnt response
// ("<n>,<state>" where state in {g,c,e}).
func (s GenerationState) Short() string {
	switch s {
	case StateGenerating, StateReceiving:
		return "g"
	case StateComplete:
		return "c"
	case StateError:
		return "e"
	default:
		return "g"
	}
}

// Role identifies the speaker of a Message in conversation history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one turn of conversation history.
type Message struct {
	Role Role
	Text string
}

// pendingInbound tracks chunk reassembly for one in-flight inbound turn.
type pendingInbound struct {
	total  int
	chunks map[int][]byte
}

// Session is the full state for one conversation, guarded by a per-entry
// mutex — fine-grained locking rather than a single store-wide lock.
type Session struct {
	ID string

	mu        sync.Mutex
	inbound   *pendingInbound
	history   []Message
	outbound  [][]byte
	state     GenerationState
	lastTouch time.Time
	lastErr   error
	cancel    func()
}

// NewSession creates an empty, idle session.
func NewSession(id string) *Session {
	return &Session{
		ID:        id,
		state:     StateIdle,
		lastTouch: time.Now(),
	}
}

// Touch updates the last-access timestamp. Called on every lookup so the
// idle-eviction janitor sees recent activity.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTouch = time.Now()
}

// LastTouch returns the last-access timestamp.
func (s *Session) LastTouch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouch
}

// ReassemblyOutcome is the tri-state result of RecordInbound.
type ReassemblyOutcome int

const (
	Pending ReassemblyOutcome = iota
	Complete
	Conflict
)

// RecordInbound records one inbound chunk, returning Complete exactly once
// per turn — when the final missing index arrives — at which point the
// inbound buffer is cleared and the assembled bytes are handed back. A
// duplicate chunk with byte-identical payload is accepted idempotently; a
// duplicate with differing payload poisons the session by transitioning it
// to StateError.
func (s *Session) RecordInbound(idx, total int, payload []byte) (ReassemblyOutcome, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if total <= 0 || idx < 0 || idx >= total {
		return Conflict, nil
	}

	if s.inbound == nil || s.inbound.total != total {
		s.inbound = &pendingInbound{total: total, chunks: make(map[int][]byte)}
	}

	if existing, ok := s.inbound.chunks[idx]; ok {
		if string(existing) != string(payload) {
			s.state = StateError
			s.lastErr = errs.ErrChunkConflict
			return Conflict, nil
		}
		return s.checkComplete()
	}

	s.inbound.chunks[idx] = payload
	if s.state == StateIdle || s.state == StateComplete || s.state == StateError {
		s.state = StateReceiving
	}
	return s.checkComplete()
}

func (s *Session) checkComplete() (ReassemblyOutcome, []byte) {
	if len(s.inbound.chunks) != s.inbound.total {
		return Pending, nil
	}

	assembled := make([]byte, 0)
	for i := 0; i < s.inbound.total; i++ {
		assembled = append(assembled, s.inbound.chunks[i]...)
	}
	s.inbound = nil
	return Complete, assembled
}

// BeginGeneration transitions the session to StateGenerating, rejecting the
// call if another generation is already active for this sid.
func (s *Session) BeginGeneration(cancel func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateGenerating {
		return false
	}
	s.state = StateGenerating
	s.cancel = cancel
	return true
}

// AppendOutbound appends one encrypted chunk and returns its assigned
// index. Outbound chunks are append-only: a reader observing index k has
// already observed every chunk 0..k because this method only ever grows the
// slice under the same lock ReadOutbound reads through.
func (s *Session) AppendOutbound(encrypted []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(s.outbound, encrypted)
	return len(s.outbound) - 1
}

// OutboundReadOutcome is the tri-state result of ReadOutbound.
type OutboundReadOutcome int

const (
	NotYet OutboundReadOutcome = iota
	Available
	PastEnd
)

// ReadOutbound is a non-blocking read of the chunk at idx.
func (s *Session) ReadOutbound(idx int) (OutboundReadOutcome, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx < len(s.outbound) {
		return Available, s.outbound[idx]
	}
	if s.state == StateComplete || s.state == StateError {
		return PastEnd, nil
	}
	return NotYet, nil
}

// Status returns the produced chunk count and the terminal/in-flight state.
func (s *Session) Status() (int, GenerationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound), s.state
}

// Complete transitions the session to StateComplete and appends the
// assistant's full reply to history.
func (s *Session) Complete(assistantText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Message{Role: RoleAssistant, Text: assistantText})
	s.state = StateComplete
	s.cancel = nil
}

// MarkComplete transitions to StateComplete without touching history, for
// control turns (e.g. /clear) that don't produce a conversational reply.
func (s *Session) MarkComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateComplete
	s.cancel = nil
}

// Fail transitions the session to StateError.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateError
	s.lastErr = err
	s.cancel = nil
}

// AppendHistory appends one message to the conversation history. Only the
// orchestrator calls this, and only outside its streaming loop.
func (s *Session) AppendHistory(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
}

// History returns a snapshot of the conversation history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// LastError returns the error that poisoned the session, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Clear drops history and both buffers but keeps the sid registered,
// resetting the session to idle so the next turn starts clean. Clearing an
// already-empty session is a no-op observable from the outside.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.outbound = nil
	s.inbound = nil
	s.state = StateIdle
	s.lastErr = nil
	s.cancel = nil
}

// Cancel signals the in-flight orchestrator, if any, to stop generating.
// Called by the store's eviction callback and by an explicit mid-turn
// /clear.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
