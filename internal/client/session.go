package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmproxy/dnschat/internal/codec"
	"github.com/llmproxy/dnschat/internal/errs"
)

// pastEndSentinel mirrors the wire handler's answer for a get past the end
// of production; the poll engine treats it as "nothing more, ever" only
// once the session has also reported a terminal cnt state.
const pastEndSentinel = "END"

// eofSentinel is the plaintext the orchestrator appends as its last chunk.
const eofSentinel = "\x00EOF\x00"

// NewSessionID mints a short session identifier. sid fields are capped at 8
// characters by the wire protocol, so only the UUID's leading hex digits
// are kept — the value carries no secret, only enough entropy to avoid
// collisions among concurrently open chats against one server.
func NewSessionID() string {
	id := uuid.New().String()
	hex := strings.ReplaceAll(id, "-", "")
	return strings.ToUpper(hex[:8])
}

// Session drives one chat turn end to end over a Transport: send the
// encrypted request, poll for the encrypted response, decrypt and yield
// each plaintext fragment as it becomes available.
type Session struct {
	Transport *Transport
	Key       [32]byte
	SID       string
}

// NewSession builds a Session bound to an existing sid (or a freshly minted
// one if sid is empty), so a chat subcommand can resume an in-progress
// conversation across invocations.
func NewSession(t *Transport, key [32]byte, sid string) *Session {
	if sid == "" {
		sid = NewSessionID()
	}
	return &Session{Transport: t, Key: key, SID: sid}
}

// Fragment is one decrypted piece of the assistant's reply, delivered in
// order as the poll engine drains newly produced outbound chunks.
type Fragment struct {
	Text string
	Done bool
	Err  error
}

// Ask encrypts text, sends it as one turn, and returns a channel streaming
// the decrypted reply fragments in order, closing the channel once the
// EOFSentinel chunk has been consumed or a fatal error occurs.
func (s *Session) Ask(ctx context.Context, text string) (<-chan Fragment, error) {
	envelope, err := codec.Seal(s.Key, codec.Compress([]byte(text)))
	if err != nil {
		return nil, fmt.Errorf("client: seal turn: %w", err)
	}

	if err := s.Transport.SendTurn(ctx, s.SID, envelope); err != nil {
		return nil, err
	}

	out := make(chan Fragment)
	go s.pollReply(ctx, out)
	return out, nil
}

// pollReply is the poll/burst engine: while the server hasn't reported a
// terminal cnt state, sleep PollInterval and re-poll; as soon as cnt
// advances, immediately drain every newly available get index in order
// (the burst) before going back to idle polling.
func (s *Session) pollReply(ctx context.Context, out chan<- Fragment) {
	defer close(out)

	next := 0
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			out <- Fragment{Err: ctxErr(ctx)}
			return
		case <-ticker.C:
		}

		result, err := s.Transport.count(ctx, s.SID)
		if err != nil {
			out <- Fragment{Err: ctxOrErr(ctx, err)}
			return
		}

		for next < result.produced {
			raw, err := s.Transport.get(ctx, s.SID, next)
			if err != nil {
				out <- Fragment{Err: ctxOrErr(ctx, err)}
				return
			}
			if raw == "" || raw == pastEndSentinel {
				break
			}

			done, fragErr := s.deliverChunk(raw, out)
			if fragErr != nil {
				out <- Fragment{Err: fragErr}
				return
			}
			next++
			if done {
				return
			}
		}

		if result.state == "e" && next >= result.produced {
			out <- Fragment{Err: fmt.Errorf("client: %w", errs.ErrUpstreamFatal)}
			return
		}
	}
}

// deliverChunk decrypts one base64 TXT answer and sends it on out, reporting
// whether it was the terminal EOF chunk.
func (s *Session) deliverChunk(raw string, out chan<- Fragment) (bool, error) {
	encrypted, err := codec.DecodeChunk(raw)
	if err != nil {
		return false, fmt.Errorf("client: decode chunk: %w", err)
	}
	plaintext, err := codec.Open(s.Key, encrypted)
	if err != nil {
		return false, errs.ErrDecrypt
	}
	text, err := codec.Decompress(plaintext)
	if err != nil {
		return false, fmt.Errorf("client: decompress chunk: %w", err)
	}

	if string(text) == eofSentinel {
		out <- Fragment{Done: true}
		return true, nil
	}
	out <- Fragment{Text: string(text)}
	return false, nil
}

// Clear resets the server-side session history without closing it.
func (s *Session) Clear(ctx context.Context) error {
	return s.Transport.Clear(ctx, s.SID)
}

// ctxErr maps a just-fired ctx.Done() to the distinct sentinel a turn
// timeout is rendered under, as opposed to an explicit cancel.
func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.ErrTimeout
	}
	return errs.ErrCancelled
}

// ctxOrErr prefers ctx's own error over a transport error that a deadline
// expiring mid-query produced, so a turn timeout still renders as
// ErrTimeout rather than whatever net.Error the in-flight query surfaced.
func ctxOrErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctxErr(ctx)
	}
	return err
}
